package generator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	// CallTimeout bounds each attempt. Zero leaves attempts bounded only by
	// the caller's context.
	CallTimeout time.Duration
	// RatePerSecond caps attempt starts across all callers. Zero is unlimited.
	RatePerSecond float64
}

func defaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    5,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		BackoffFactor:  2.0,
	}
}

func normalizeRetryPolicy(policy RetryPolicy) RetryPolicy {
	def := defaultRetryPolicy()
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = def.MaxAttempts
	}
	if policy.InitialBackoff <= 0 {
		policy.InitialBackoff = def.InitialBackoff
	}
	if policy.MaxBackoff <= 0 {
		policy.MaxBackoff = def.MaxBackoff
	}
	if policy.MaxBackoff < policy.InitialBackoff {
		policy.MaxBackoff = policy.InitialBackoff
	}
	if policy.BackoffFactor < 1 {
		policy.BackoffFactor = def.BackoffFactor
	}
	if policy.CallTimeout < 0 {
		policy.CallTimeout = 0
	}
	if policy.RatePerSecond < 0 {
		policy.RatePerSecond = 0
	}
	return policy
}

// Retrying retries a Proposer with capped exponential backoff. A slot whose
// attempts are exhausted reports ErrGeneratorUnavailable.
type Retrying struct {
	next    Proposer
	policy  RetryPolicy
	limiter *rate.Limiter
	logger  *slog.Logger
}

func NewRetrying(next Proposer, policy RetryPolicy, logger *slog.Logger) *Retrying {
	if logger == nil {
		logger = slog.Default()
	}
	policy = normalizeRetryPolicy(policy)
	r := &Retrying{next: next, policy: policy, logger: logger}
	if policy.RatePerSecond > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(policy.RatePerSecond), 1)
	}
	return r
}

func (r *Retrying) Policy() RetryPolicy {
	return r.policy
}

func (r *Retrying) Propose(ctx context.Context, req Request) (Proposal, error) {
	backoff := r.policy.InitialBackoff
	var lastErr error
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				if ctx.Err() != nil {
					return Proposal{}, ctx.Err()
				}
				return Proposal{}, fmt.Errorf("%w: rate limiter: %v", ErrGeneratorUnavailable, err)
			}
		}

		proposal, err := r.attempt(ctx, req)
		if err == nil {
			return proposal, nil
		}
		if ctx.Err() != nil {
			return Proposal{}, ctx.Err()
		}
		lastErr = err
		r.logger.Warn("generator attempt failed",
			"attempt", attempt,
			"max_attempts", r.policy.MaxAttempts,
			"parent_id", req.ParentID,
			"error", err)
		if attempt == r.policy.MaxAttempts {
			break
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Proposal{}, ctx.Err()
		case <-timer.C:
		}
		next := time.Duration(float64(backoff) * r.policy.BackoffFactor)
		if next > r.policy.MaxBackoff {
			next = r.policy.MaxBackoff
		}
		backoff = next
	}
	if errors.Is(lastErr, ErrGeneratorUnavailable) {
		return Proposal{}, fmt.Errorf("after %d attempts: %w", r.policy.MaxAttempts, lastErr)
	}
	return Proposal{}, fmt.Errorf("%w after %d attempts: %v", ErrGeneratorUnavailable, r.policy.MaxAttempts, lastErr)
}

func (r *Retrying) attempt(ctx context.Context, req Request) (Proposal, error) {
	if r.policy.CallTimeout <= 0 {
		return r.next.Propose(ctx, req)
	}
	callCtx, cancel := context.WithTimeout(ctx, r.policy.CallTimeout)
	defer cancel()
	return r.next.Propose(callCtx, req)
}

package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// RestartPolicy decides whether a service loop that returned is started again.
type RestartPolicy string

const (
	RestartPermanent RestartPolicy = "permanent"
	RestartTransient RestartPolicy = "transient"
	RestartTemporary RestartPolicy = "temporary"
)

type SupervisorPolicy struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	// MaxRestarts gives up on a service after this many restarts. Zero
	// restarts forever.
	MaxRestarts int
}

type ServiceStatus struct {
	Name         string        `json:"name"`
	Restart      RestartPolicy `json:"restart_policy"`
	RestartCount int           `json:"restart_count"`
	LastError    string        `json:"last_error,omitempty"`
	GaveUp       bool          `json:"gave_up"`
}

type SupervisorHooks struct {
	OnRestart func(name string, err error, restartCount int)
	OnGiveUp  func(name string, err error, restartCount int)
}

func defaultSupervisorPolicy() SupervisorPolicy {
	return SupervisorPolicy{
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     200 * time.Millisecond,
		BackoffFactor:  2.0,
	}
}

func normalizeSupervisorPolicy(policy SupervisorPolicy) SupervisorPolicy {
	def := defaultSupervisorPolicy()
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
	if policy.MaxRestarts < 0 {
		policy.MaxRestarts = 0
	}
	return policy
}

// Supervisor keeps long-lived service loops, such as the metrics endpoint,
// running next to evolutionary runs.
type Supervisor struct {
	policy SupervisorPolicy
	hooks  SupervisorHooks
	logger *slog.Logger

	mu       sync.Mutex
	services map[string]*service
	finished map[string]ServiceStatus
}

type service struct {
	cancel  context.CancelFunc
	done    chan struct{}
	restart RestartPolicy

	restartCount int
	lastErr      error
	gaveUp       bool
}

func NewSupervisor(policy SupervisorPolicy, hooks SupervisorHooks, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		policy:   normalizeSupervisorPolicy(policy),
		hooks:    hooks,
		logger:   logger,
		services: make(map[string]*service),
		finished: make(map[string]ServiceStatus),
	}
}

// Start runs loop under name until Stop. loop receives a context that is
// cancelled on Stop and should return when it is done.
func (s *Supervisor) Start(name string, restart RestartPolicy, loop func(ctx context.Context) error) error {
	if name == "" {
		return errors.New("service name is required")
	}
	if loop == nil {
		return errors.New("service loop is required")
	}
	switch restart {
	case RestartPermanent, RestartTransient, RestartTemporary:
	default:
		restart = RestartPermanent
	}

	s.mu.Lock()
	if _, exists := s.services[name]; exists {
		s.mu.Unlock()
		return fmt.Errorf("service already running: %s", name)
	}
	delete(s.finished, name)
	ctx, cancel := context.WithCancel(context.Background())
	svc := &service{cancel: cancel, done: make(chan struct{}), restart: restart}
	s.services[name] = svc
	s.mu.Unlock()

	go s.supervise(ctx, name, svc, loop)
	return nil
}

func (s *Supervisor) supervise(ctx context.Context, name string, svc *service, loop func(ctx context.Context) error) {
	defer func() {
		s.mu.Lock()
		if current, ok := s.services[name]; ok && current == svc {
			if svc.gaveUp || svc.restartCount > 0 || svc.lastErr != nil {
				s.finished[name] = s.statusLocked(name, svc)
			}
			delete(s.services, name)
		}
		s.mu.Unlock()
		close(svc.done)
	}()

	backoff := s.policy.InitialBackoff
	for {
		err := loop(ctx)
		if ctx.Err() != nil {
			return
		}
		if !shouldRestart(svc.restart, err) {
			return
		}

		s.mu.Lock()
		svc.lastErr = err
		restarts := svc.restartCount
		if s.policy.MaxRestarts > 0 && restarts >= s.policy.MaxRestarts {
			svc.gaveUp = true
			s.mu.Unlock()
			s.logger.Error("service gave up", "service", name, "restarts", restarts, "error", err)
			if s.hooks.OnGiveUp != nil {
				go s.hooks.OnGiveUp(name, err, restarts)
			}
			return
		}
		restarts++
		svc.restartCount = restarts
		s.mu.Unlock()

		s.logger.Warn("service restarting", "service", name, "restarts", restarts, "backoff", backoff, "error", err)
		if s.hooks.OnRestart != nil {
			s.hooks.OnRestart(name, err, restarts)
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		next := time.Duration(float64(backoff) * s.policy.BackoffFactor)
		if next > s.policy.MaxBackoff {
			next = s.policy.MaxBackoff
		}
		backoff = next
	}
}

func shouldRestart(policy RestartPolicy, err error) bool {
	switch policy {
	case RestartTransient:
		return err != nil
	case RestartTemporary:
		return false
	default:
		return true
	}
}

// Stop cancels the named service and waits for its loop to return.
func (s *Supervisor) Stop(name string) {
	s.mu.Lock()
	svc, ok := s.services[name]
	delete(s.finished, name)
	s.mu.Unlock()
	if !ok {
		return
	}
	svc.cancel()
	<-svc.done
}

func (s *Supervisor) StopAll() {
	s.mu.Lock()
	running := make([]*service, 0, len(s.services))
	for _, svc := range s.services {
		running = append(running, svc)
	}
	s.finished = make(map[string]ServiceStatus)
	s.mu.Unlock()

	for _, svc := range running {
		svc.cancel()
	}
	for _, svc := range running {
		<-svc.done
	}
}

func (s *Supervisor) Services() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.services))
	for name := range s.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Statuses lists running services and services that stopped after failing.
func (s *Supervisor) Statuses() []ServiceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ServiceStatus, 0, len(s.services)+len(s.finished))
	for name, svc := range s.services {
		out = append(out, s.statusLocked(name, svc))
	}
	for name, status := range s.finished {
		if _, running := s.services[name]; !running {
			out = append(out, status)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Supervisor) statusLocked(name string, svc *service) ServiceStatus {
	status := ServiceStatus{
		Name:         name,
		Restart:      svc.restart,
		RestartCount: svc.restartCount,
		GaveUp:       svc.gaveUp,
	}
	if svc.lastErr != nil {
		status.LastError = svc.lastErr.Error()
	}
	return status
}

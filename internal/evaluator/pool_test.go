package evaluator

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codevolve/internal/model"
)

type countingScorer struct {
	active  atomic.Int32
	maxSeen atomic.Int32
}

func (s *countingScorer) Evaluate(ctx context.Context, code string, _ model.TaskDefinition, _ Limits) (Result, error) {
	n := s.active.Add(1)
	defer s.active.Add(-1)
	for {
		seen := s.maxSeen.Load()
		if n <= seen || s.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	select {
	case <-time.After(20 * time.Millisecond):
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	return Result{Status: model.StatusValid, Metrics: model.Metrics{model.MetricCorrectnessRatio: float64(len(code))}}, nil
}

func TestPoolBoundsConcurrencyAndKeepsOrder(t *testing.T) {
	scorer := &countingScorer{}
	pool := newPool(scorer, Limits{}, 3)

	jobs := make([]Job, 10)
	for i := range jobs {
		jobs[i] = Job{ProgramID: string(rune('a' + i)), Code: string(make([]byte, i))}
	}

	results, err := pool.EvaluateBatch(context.Background(), doubleTask(), jobs)
	require.NoError(t, err)
	require.Len(t, results, len(jobs))
	for i, res := range results {
		assert.Equal(t, float64(i), res.Metrics[model.MetricCorrectnessRatio])
	}
	assert.LessOrEqual(t, scorer.maxSeen.Load(), int32(3))
}

func TestPoolHangingCandidateDoesNotDelaySiblings(t *testing.T) {
	ev := New(acceptAll{}, helperRunner(), nil)
	timeout := 300 * time.Millisecond
	pool := NewPool(ev, Limits{PerExampleTimeout: timeout, MaxOutputBytes: 1 << 20}, 4)

	task := doubleTask()
	jobs := []Job{
		{ProgramID: "hang", Code: "# HANG"},
		{ProgramID: "good", Code: "def solve(x): return x * 2"},
		{ProgramID: "crash", Code: "# CRASH"},
	}

	start := time.Now()
	results, err := pool.EvaluateBatch(context.Background(), task, jobs)
	require.NoError(t, err)
	elapsed := time.Since(start)

	assert.Equal(t, model.StatusTimeout, results[0].Status)
	assert.Equal(t, model.StatusValid, results[1].Status)
	assert.Equal(t, 1.0, results[1].Metrics[model.MetricCorrectnessRatio])
	assert.Equal(t, model.StatusValid, results[2].Status)
	assert.Equal(t, 0.0, results[2].Metrics[model.MetricCorrectnessRatio])
	// The hanging candidate costs one timeout per example; siblings run alongside it.
	assert.Less(t, elapsed, time.Duration(len(task.Examples))*timeout+5*time.Second)
}

func TestPoolEmptyTaskIsFatal(t *testing.T) {
	pool := NewPool(New(acceptAll{}, helperRunner(), nil), Limits{}, 2)
	task := doubleTask()
	task.Examples = nil

	_, err := pool.EvaluateBatch(context.Background(), task, []Job{{ProgramID: "a", Code: "x"}})
	require.ErrorIs(t, err, ErrEmptyTaskSpec)
}

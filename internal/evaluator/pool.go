package evaluator

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"

	"codevolve/internal/model"
)

type Job struct {
	ProgramID string
	Code      string
}

type scorer interface {
	Evaluate(ctx context.Context, code string, task model.TaskDefinition, limits Limits) (Result, error)
}

// Pool evaluates a batch of candidates with at most Concurrency evaluation
// units alive at once.
type Pool struct {
	evaluator   scorer
	limits      Limits
	concurrency int
}

func NewPool(evaluator *Evaluator, limits Limits, concurrency int) *Pool {
	return newPool(evaluator, limits, concurrency)
}

func newPool(evaluator scorer, limits Limits, concurrency int) *Pool {
	if concurrency <= 0 {
		concurrency = runtime.GOMAXPROCS(0)
	}
	return &Pool{evaluator: evaluator, limits: limits, concurrency: concurrency}
}

// EvaluateBatch returns one Result per job, in job order. It returns only
// once every job has finished, or with the first configuration error or
// cancellation.
func (p *Pool) EvaluateBatch(ctx context.Context, task model.TaskDefinition, jobs []Job) ([]Result, error) {
	results := make([]Result, len(jobs))
	if len(jobs) == 0 {
		return results, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i, job := range jobs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			result, err := p.evaluator.Evaluate(gctx, job.Code, task, p.limits)
			if err != nil {
				return err
			}
			results[i] = result
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

package storage

import (
	"context"
	"errors"

	"codevolve/internal/model"
)

var (
	ErrDuplicateID      = errors.New("duplicate program id")
	ErrNotFound         = errors.New("program not found")
	ErrAlreadyFinalized = errors.New("program fitness already finalized")
	ErrInvalidProgram   = errors.New("invalid program")
)

// Scope restricts TopK to a slice of the history. A zero Scope covers every
// program in every run.
type Scope struct {
	RunID string
	// Generation limits the scope to one generation when non-nil.
	Generation *int
	// IDs limits the scope to an explicit membership list, used for the
	// active population.
	IDs []string
}

func RunScope(runID string) Scope {
	return Scope{RunID: runID}
}

func GenerationScope(runID string, generation int) Scope {
	return Scope{RunID: runID, Generation: &generation}
}

func MemberScope(runID string, ids []string) Scope {
	return Scope{RunID: runID, IDs: append([]string(nil), ids...)}
}

// Store is the append-only Program record. Records are never deleted.
// Implementations serialize Insert and SetFitness so exactly one caller
// finalizes a given program.
type Store interface {
	Init(ctx context.Context) error
	Insert(ctx context.Context, program model.Program) error
	Get(ctx context.Context, id string) (model.Program, error)
	SetFitness(ctx context.Context, id string, metrics model.Metrics, status model.Status, errs []string) error
	// TopK ranks scope by metric. A negative k returns the whole scope.
	TopK(ctx context.Context, scope Scope, k int, metric string) ([]model.Program, error)
	Lineage(ctx context.Context, id string) ([]model.Program, error)
	ListGeneration(ctx context.Context, runID string, generation int) ([]model.Program, error)
	CancelPending(ctx context.Context, runID string) (int, error)
	SaveGeneration(ctx context.Context, record model.GenerationRecord) error
	Generations(ctx context.Context, runID string) ([]model.GenerationRecord, error)
}

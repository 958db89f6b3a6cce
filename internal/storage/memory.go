package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"codevolve/internal/model"
)

type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	programs    map[string]model.Program
	order       []string
	generations map[string]map[int]model.GenerationRecord
	seq         int64
	now         func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return nil
	}
	s.initialized = true
	s.programs = make(map[string]model.Program)
	s.order = nil
	s.generations = make(map[string]map[int]model.GenerationRecord)
	return nil
}

func (s *MemoryStore) Insert(_ context.Context, program model.Program) error {
	if err := validateInsert(program); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errNotInitialized
	}
	if _, exists := s.programs[program.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, program.ID)
	}
	s.seq++
	s.programs[program.ID] = prepareInsert(program, s.seq, s.now())
	s.order = append(s.order, program.ID)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (model.Program, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	program, ok := s.programs[id]
	if !ok {
		return model.Program{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return program.Clone(), nil
}

func (s *MemoryStore) SetFitness(_ context.Context, id string, metrics model.Metrics, status model.Status, errs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	program, ok := s.programs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := validateFinalize(id, program.Status, status); err != nil {
		return err
	}
	s.programs[id] = finalize(program, metrics, status, errs)
	return nil
}

func (s *MemoryStore) TopK(_ context.Context, scope Scope, k int, metric string) ([]model.Program, error) {
	s.mu.RLock()
	candidates := make([]model.Program, 0, len(s.order))
	for _, id := range s.order {
		program := s.programs[id]
		if scope.matches(program) {
			candidates = append(candidates, program.Clone())
		}
	}
	s.mu.RUnlock()

	return rankTopK(candidates, k, metric), nil
}

func (s *MemoryStore) Lineage(ctx context.Context, id string) ([]model.Program, error) {
	return walkLineage(ctx, id, s.Get)
}

func (s *MemoryStore) ListGeneration(_ context.Context, runID string, generation int) ([]model.Program, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Program
	for _, id := range s.order {
		program := s.programs[id]
		if program.RunID == runID && program.Generation == generation {
			out = append(out, program.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) CancelPending(_ context.Context, runID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cancelled := 0
	for _, id := range s.order {
		program := s.programs[id]
		if program.RunID != runID || program.Status != model.StatusPending {
			continue
		}
		s.programs[id] = finalize(program, nil, model.StatusCancelled, []string{"run cancelled before evaluation finished"})
		cancelled++
	}
	return cancelled, nil
}

func (s *MemoryStore) SaveGeneration(_ context.Context, record model.GenerationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errNotInitialized
	}
	byRun, ok := s.generations[record.RunID]
	if !ok {
		byRun = make(map[int]model.GenerationRecord)
		s.generations[record.RunID] = byRun
	}
	byRun[record.Generation] = cloneGeneration(stampGeneration(record))
	return nil
}

func (s *MemoryStore) Generations(_ context.Context, runID string) ([]model.GenerationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byRun := s.generations[runID]
	out := make([]model.GenerationRecord, 0, len(byRun))
	for _, record := range byRun {
		out = append(out, cloneGeneration(record))
	}
	sortGenerations(out)
	return out, nil
}

func stampGeneration(record model.GenerationRecord) model.GenerationRecord {
	record.VersionedRecord = model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion}
	if record.CommittedAt.IsZero() {
		record.CommittedAt = time.Now().UTC()
	}
	return record
}

func cloneGeneration(record model.GenerationRecord) model.GenerationRecord {
	out := record
	out.MemberIDs = append([]string(nil), record.MemberIDs...)
	out.OffspringID = append([]string(nil), record.OffspringID...)
	if record.Summary.StatusCounts != nil {
		out.Summary.StatusCounts = make(map[model.Status]int, len(record.Summary.StatusCounts))
		for k, v := range record.Summary.StatusCounts {
			out.Summary.StatusCounts[k] = v
		}
	}
	return out
}

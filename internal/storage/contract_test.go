package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"codevolve/internal/model"
)

// exerciseStore runs the Program Store contract against a fresh backend.
func exerciseStore(t *testing.T, open func(t *testing.T) Store) {
	t.Helper()

	cases := []struct {
		name string
		fn   func(t *testing.T, store Store)
	}{
		{"insert and get", testInsertGet},
		{"duplicate id", testDuplicateID},
		{"not found", testNotFound},
		{"reject non-pending insert", testRejectFinalizedInsert},
		{"set fitness once", testSetFitnessOnce},
		{"topk ordering", testTopKOrdering},
		{"topk scopes", testTopKScopes},
		{"topk by metric", testTopKByMetric},
		{"lineage", testLineage},
		{"cancel pending", testCancelPending},
		{"generations", testGenerations},
		{"concurrent finalize", testConcurrentFinalize},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := open(t)
			if err := store.Init(context.Background()); err != nil {
				t.Fatalf("init: %v", err)
			}
			tc.fn(t, store)
		})
	}
}

func pending(id, runID string, generation int, parents ...string) model.Program {
	return model.Program{
		ID:         id,
		RunID:      runID,
		Generation: generation,
		Code:       "def f(x):\n    return x\n",
		ParentIDs:  parents,
		Status:     model.StatusPending,
	}
}

func mustInsert(t *testing.T, store Store, programs ...model.Program) {
	t.Helper()
	for _, p := range programs {
		if err := store.Insert(context.Background(), p); err != nil {
			t.Fatalf("insert %s: %v", p.ID, err)
		}
	}
}

func mustScore(t *testing.T, store Store, id string, ratio, latency float64) {
	t.Helper()
	metrics := model.Metrics{model.MetricCorrectnessRatio: ratio, model.MetricAvgLatencyMS: latency}
	if err := store.SetFitness(context.Background(), id, metrics, model.StatusValid, nil); err != nil {
		t.Fatalf("set fitness %s: %v", id, err)
	}
}

func ids(programs []model.Program) []string {
	out := make([]string, len(programs))
	for i, p := range programs {
		out[i] = p.ID
	}
	return out
}

func sameIDs(got []model.Program, want ...string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range want {
		if got[i].ID != want[i] {
			return false
		}
	}
	return true
}

func testInsertGet(t *testing.T, store Store) {
	ctx := context.Background()
	mustInsert(t, store, pending("p1", "run-1", 0))

	got, err := store.Get(ctx, "p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != model.StatusPending || got.RunID != "run-1" {
		t.Fatalf("unexpected program: %+v", got)
	}
	if got.CreatedAt.IsZero() || got.Seq == 0 {
		t.Fatalf("expected store-stamped fields, got %+v", got)
	}
	if got.SchemaVersion != CurrentSchemaVersion {
		t.Fatalf("unexpected schema version: %d", got.SchemaVersion)
	}
}

func testDuplicateID(t *testing.T, store Store) {
	mustInsert(t, store, pending("p1", "run-1", 0))
	err := store.Insert(context.Background(), pending("p1", "run-1", 1))
	if !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("expected duplicate id error, got %v", err)
	}
}

func testNotFound(t *testing.T, store Store) {
	ctx := context.Background()
	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found on get, got %v", err)
	}
	err := store.SetFitness(ctx, "missing", nil, model.StatusValid, nil)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found on set fitness, got %v", err)
	}
}

func testRejectFinalizedInsert(t *testing.T, store Store) {
	p := pending("p1", "run-1", 0)
	p.Status = model.StatusValid
	if err := store.Insert(context.Background(), p); !errors.Is(err, ErrInvalidProgram) {
		t.Fatalf("expected invalid program error, got %v", err)
	}
}

func testSetFitnessOnce(t *testing.T, store Store) {
	ctx := context.Background()
	mustInsert(t, store, pending("p1", "run-1", 0))

	if err := store.SetFitness(ctx, "p1", nil, model.StatusPending, nil); !errors.Is(err, ErrInvalidProgram) {
		t.Fatalf("expected non-terminal status rejection, got %v", err)
	}
	mustScore(t, store, "p1", 0.5, 3)

	err := store.SetFitness(ctx, "p1", model.Metrics{model.MetricCorrectnessRatio: 1}, model.StatusValid, nil)
	if !errors.Is(err, ErrAlreadyFinalized) {
		t.Fatalf("expected already finalized, got %v", err)
	}
	got, err := store.Get(ctx, "p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ratio, _ := got.CorrectnessRatio(); ratio != 0.5 {
		t.Fatalf("fitness was mutated after finalization: %v", got.Metrics)
	}
}

func testTopKOrdering(t *testing.T, store Store) {
	ctx := context.Background()
	mustInsert(t, store,
		pending("a", "run-1", 1),
		pending("b", "run-1", 0),
		pending("c", "run-1", 0),
		pending("d", "run-1", 0),
		pending("e", "run-1", 0),
	)
	mustScore(t, store, "a", 0.8, 5)
	mustScore(t, store, "b", 0.8, 5)
	mustScore(t, store, "c", 0.8, 5)
	mustScore(t, store, "d", 0.9, 50)
	if err := store.SetFitness(ctx, "e", nil, model.StatusSyntaxError, []string{"bad"}); err != nil {
		t.Fatalf("set fitness e: %v", err)
	}

	top, err := store.TopK(ctx, RunScope("run-1"), 4, MetricFitness)
	if err != nil {
		t.Fatalf("topk: %v", err)
	}
	// b and c tie with a on fitness; lower generation wins, then insertion order.
	if !sameIDs(top, "d", "b", "c", "a") {
		t.Fatalf("unexpected order: %v", ids(top))
	}

	all, err := store.TopK(ctx, RunScope("run-1"), 10, "")
	if err != nil {
		t.Fatalf("topk all: %v", err)
	}
	if len(all) != 5 || all[4].ID != "e" {
		t.Fatalf("syntax error program should rank last: %v", ids(all))
	}
}

func testTopKScopes(t *testing.T, store Store) {
	ctx := context.Background()
	mustInsert(t, store,
		pending("r1g0", "run-1", 0),
		pending("r1g1", "run-1", 1),
		pending("r2g0", "run-2", 0),
	)
	mustScore(t, store, "r1g0", 0.1, 1)
	mustScore(t, store, "r1g1", 0.2, 1)
	mustScore(t, store, "r2g0", 0.9, 1)

	gen, err := store.TopK(ctx, GenerationScope("run-1", 1), 5, MetricFitness)
	if err != nil {
		t.Fatalf("topk generation: %v", err)
	}
	if !sameIDs(gen, "r1g1") {
		t.Fatalf("unexpected generation scope: %v", ids(gen))
	}

	members, err := store.TopK(ctx, MemberScope("run-1", []string{"r1g0"}), 5, MetricFitness)
	if err != nil {
		t.Fatalf("topk members: %v", err)
	}
	if !sameIDs(members, "r1g0") {
		t.Fatalf("unexpected member scope: %v", ids(members))
	}

	global, err := store.TopK(ctx, Scope{}, 1, MetricFitness)
	if err != nil {
		t.Fatalf("topk global: %v", err)
	}
	if !sameIDs(global, "r2g0") {
		t.Fatalf("unexpected global scope: %v", ids(global))
	}
}

func testTopKByMetric(t *testing.T, store Store) {
	ctx := context.Background()
	mustInsert(t, store, pending("slow", "run-1", 0), pending("fast", "run-1", 0), pending("none", "run-1", 0))
	mustScore(t, store, "slow", 1, 40)
	mustScore(t, store, "fast", 0.5, 4)
	if err := store.SetFitness(ctx, "none", nil, model.StatusImportViolation, nil); err != nil {
		t.Fatalf("set fitness none: %v", err)
	}

	top, err := store.TopK(ctx, RunScope("run-1"), 3, model.MetricAvgLatencyMS)
	if err != nil {
		t.Fatalf("topk: %v", err)
	}
	if !sameIDs(top, "fast", "slow", "none") {
		t.Fatalf("unexpected latency order: %v", ids(top))
	}
}

func testLineage(t *testing.T, store Store) {
	ctx := context.Background()
	mustInsert(t, store,
		pending("root", "run-1", 0),
		pending("child", "run-1", 1, "root"),
		pending("grandchild", "run-1", 2, "child"),
	)

	chain, err := store.Lineage(ctx, "grandchild")
	if err != nil {
		t.Fatalf("lineage: %v", err)
	}
	if !sameIDs(chain, "grandchild", "child", "root") {
		t.Fatalf("unexpected lineage: %v", ids(chain))
	}

	mustInsert(t, store, pending("orphan", "run-1", 1, "ghost"))
	if _, err := store.Lineage(ctx, "orphan"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found for missing ancestor, got %v", err)
	}
}

func testCancelPending(t *testing.T, store Store) {
	ctx := context.Background()
	mustInsert(t, store, pending("done", "run-1", 0), pending("waiting", "run-1", 0), pending("other", "run-2", 0))
	mustScore(t, store, "done", 1, 1)

	n, err := store.CancelPending(ctx, "run-1")
	if err != nil {
		t.Fatalf("cancel pending: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one cancelled program, got %d", n)
	}
	waiting, err := store.Get(ctx, "waiting")
	if err != nil {
		t.Fatalf("get waiting: %v", err)
	}
	if waiting.Status != model.StatusCancelled {
		t.Fatalf("expected cancelled status, got %s", waiting.Status)
	}
	other, err := store.Get(ctx, "other")
	if err != nil {
		t.Fatalf("get other: %v", err)
	}
	if other.Status != model.StatusPending {
		t.Fatalf("other run should be untouched, got %s", other.Status)
	}

	gen, err := store.ListGeneration(ctx, "run-1", 0)
	if err != nil {
		t.Fatalf("list generation: %v", err)
	}
	if !sameIDs(gen, "done", "waiting") {
		t.Fatalf("unexpected generation listing: %v", ids(gen))
	}
}

func testGenerations(t *testing.T, store Store) {
	ctx := context.Background()
	for _, g := range []int{1, 0, 2} {
		record := model.GenerationRecord{
			RunID:      "run-1",
			Generation: g,
			MemberIDs:  []string{fmt.Sprintf("m%d", g)},
			Summary: model.GenerationSummary{
				RunID:        "run-1",
				Generation:   g,
				BestFitness:  float64(g) / 2,
				StatusCounts: map[model.Status]int{model.StatusValid: 1},
			},
		}
		if err := store.SaveGeneration(ctx, record); err != nil {
			t.Fatalf("save generation %d: %v", g, err)
		}
	}

	records, err := store.Generations(ctx, "run-1")
	if err != nil {
		t.Fatalf("generations: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 generation records, got %d", len(records))
	}
	for i, record := range records {
		if record.Generation != i {
			t.Fatalf("generation records out of order: %+v", records)
		}
	}
	if records[2].Summary.StatusCounts[model.StatusValid] != 1 {
		t.Fatalf("unexpected status counts: %+v", records[2].Summary.StatusCounts)
	}

	none, err := store.Generations(ctx, "run-unknown")
	if err != nil {
		t.Fatalf("generations unknown run: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected no records, got %d", len(none))
	}
}

func testConcurrentFinalize(t *testing.T, store Store) {
	ctx := context.Background()
	mustInsert(t, store, pending("p1", "run-1", 0))

	const writers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			metrics := model.Metrics{model.MetricCorrectnessRatio: float64(i) / writers}
			err := store.SetFitness(ctx, "p1", metrics, model.StatusValid, nil)
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			if !errors.Is(err, ErrAlreadyFinalized) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if succeeded != 1 {
		t.Fatalf("expected exactly one finalizer, got %d", succeeded)
	}
}

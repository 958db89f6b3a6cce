package storage

import (
	"context"
	"testing"
)

func TestBadgerStoreContract(t *testing.T) {
	exerciseStore(t, func(t *testing.T) Store {
		store := NewBadgerStore("", nil)
		t.Cleanup(func() {
			_ = store.Close()
		})
		return store
	})
}

func TestBadgerStoreReopenKeepsSequence(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store := NewBadgerStore(dir, nil)
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	mustInsert(t, store, pending("p1", "run-1", 0), pending("p2", "run-1", 0))
	mustScore(t, store, "p1", 1, 2)
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened := NewBadgerStore(dir, nil)
	if err := reopened.Init(ctx); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() {
		_ = reopened.Close()
	})
	mustInsert(t, reopened, pending("p3", "run-1", 0))

	p1, err := reopened.Get(ctx, "p1")
	if err != nil {
		t.Fatalf("get p1: %v", err)
	}
	if ratio, ok := p1.CorrectnessRatio(); !ok || ratio != 1 {
		t.Fatalf("fitness not persisted: %+v", p1.Metrics)
	}
	p3, err := reopened.Get(ctx, "p3")
	if err != nil {
		t.Fatalf("get p3: %v", err)
	}
	if p3.Seq != 3 {
		t.Fatalf("expected insertion sequence to resume at 3, got %d", p3.Seq)
	}
}

package storage

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"codevolve/internal/model"
)

// MetricFitness ranks by the composite fitness order rather than one metric.
const MetricFitness = "fitness"

func validateInsert(p model.Program) error {
	if p.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidProgram)
	}
	if p.Generation < 0 {
		return fmt.Errorf("%w: negative generation %d", ErrInvalidProgram, p.Generation)
	}
	if p.Status != "" && p.Status != model.StatusPending {
		return fmt.Errorf("%w: %s inserted with status %s", ErrInvalidProgram, p.ID, p.Status)
	}
	if len(p.Metrics) > 0 {
		return fmt.Errorf("%w: %s inserted with metrics", ErrInvalidProgram, p.ID)
	}
	return nil
}

// prepareInsert stamps the fields the store owns.
func prepareInsert(p model.Program, seq int64, now time.Time) model.Program {
	out := p.Clone()
	out.VersionedRecord = model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion}
	out.Status = model.StatusPending
	out.Metrics = nil
	out.Seq = seq
	if out.CreatedAt.IsZero() {
		out.CreatedAt = now.UTC()
	}
	return out
}

func validateFinalize(id string, current model.Status, next model.Status) error {
	if current.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrAlreadyFinalized, id, current)
	}
	if !next.Terminal() {
		return fmt.Errorf("%w: %s cannot be finalized as %q", ErrInvalidProgram, id, next)
	}
	return nil
}

func finalize(p model.Program, metrics model.Metrics, status model.Status, errs []string) model.Program {
	out := p.Clone()
	out.Status = status
	out.Metrics = metrics.Clone()
	out.Errors = append([]string(nil), errs...)
	return out
}

func (s Scope) matches(p model.Program) bool {
	if s.RunID != "" && p.RunID != s.RunID {
		return false
	}
	if s.Generation != nil && p.Generation != *s.Generation {
		return false
	}
	if len(s.IDs) > 0 {
		for _, id := range s.IDs {
			if id == p.ID {
				return true
			}
		}
		return false
	}
	return true
}

// rankTopK orders candidates in place and returns the first k. Ties resolve
// by lower generation and then earlier insertion.
func rankTopK(candidates []model.Program, k int, metric string) []model.Program {
	sort.SliceStable(candidates, func(i, j int) bool {
		if c := compareByMetric(candidates[i], candidates[j], metric); c != 0 {
			return c < 0
		}
		if candidates[i].Generation != candidates[j].Generation {
			return candidates[i].Generation < candidates[j].Generation
		}
		return candidates[i].Seq < candidates[j].Seq
	})
	if k >= 0 && k < len(candidates) {
		candidates = candidates[:k]
	}
	return candidates
}

func compareByMetric(a, b model.Program, metric string) int {
	if metric == "" || metric == MetricFitness {
		return model.CompareFitness(a, b)
	}
	va, oka := a.Metrics.Get(metric)
	vb, okb := b.Metrics.Get(metric)
	oka = oka && !math.IsNaN(va)
	okb = okb && !math.IsNaN(vb)
	switch {
	case !oka && !okb:
		return 0
	case !oka:
		return 1
	case !okb:
		return -1
	case va == vb:
		return 0
	}
	better := va > vb
	if model.LowerIsBetter(metric) {
		better = va < vb
	}
	if better {
		return -1
	}
	return 1
}

// walkLineage returns the program followed by its ancestors in breadth-first
// order, each listed once.
func walkLineage(ctx context.Context, id string, get func(context.Context, string) (model.Program, error)) ([]model.Program, error) {
	start, err := get(ctx, id)
	if err != nil {
		return nil, err
	}
	out := []model.Program{start}
	seen := map[string]struct{}{start.ID: {}}
	queue := append([]string(nil), start.ParentIDs...)
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		parentID := queue[0]
		queue = queue[1:]
		if _, ok := seen[parentID]; ok {
			continue
		}
		seen[parentID] = struct{}{}
		parent, err := get(ctx, parentID)
		if err != nil {
			return nil, fmt.Errorf("lineage of %s: %w", id, err)
		}
		out = append(out, parent)
		queue = append(queue, parent.ParentIDs...)
	}
	return out, nil
}

func sortBySeq(programs []model.Program) {
	sort.Slice(programs, func(i, j int) bool { return programs[i].Seq < programs[j].Seq })
}

func sortGenerations(records []model.GenerationRecord) {
	sort.Slice(records, func(i, j int) bool { return records[i].Generation < records[j].Generation })
}

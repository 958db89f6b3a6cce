// Package evo runs the evolutionary search: fitness ranking, parent and
// survivor selection, and the generation loop that drives the generator,
// the evaluator and the program store.
package evo

import (
	"math"
	"sort"

	"codevolve/internal/model"
)

// Ranking orders programs by fitness under a task's weighting. Programs equal
// on fitness prefer the shorter lineage, then the lower id, so every ranking
// is total and reproducible.
type Ranking struct {
	Weighting model.Weighting
}

// Compare returns -1 when a ranks above b, 1 when below and 0 only for the
// same id.
func (r Ranking) Compare(a, b model.Program) int {
	if c := r.compareFitness(a, b); c != 0 {
		return c
	}
	switch {
	case a.Depth < b.Depth:
		return -1
	case a.Depth > b.Depth:
		return 1
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	default:
		return 0
	}
}

func (r Ranking) compareFitness(a, b model.Program) int {
	if r.Weighting != model.WeightingLatencyFirst {
		return model.CompareFitness(a, b)
	}
	ta, tb := model.FitnessTier(a.Status), model.FitnessTier(b.Status)
	if ta != tb || ta != model.TierValid {
		return model.CompareFitness(a, b)
	}
	// Latency only means something once an example passed.
	la, okA := passedLatency(a)
	lb, okB := passedLatency(b)
	switch {
	case okA && !okB:
		return -1
	case !okA && okB:
		return 1
	case okA && okB && la != lb:
		if la < lb {
			return -1
		}
		return 1
	}
	return model.CompareFitness(a, b)
}

func passedLatency(p model.Program) (float64, bool) {
	v, ok := p.Metrics.Get(model.MetricAvgLatencyMS)
	if !ok || math.IsNaN(v) {
		return 0, false
	}
	return v, true
}

// Rank returns a sorted copy of programs, best first.
func (r Ranking) Rank(programs []model.Program) []model.Program {
	ranked := make([]model.Program, len(programs))
	copy(ranked, programs)
	sort.SliceStable(ranked, func(i, j int) bool {
		return r.Compare(ranked[i], ranked[j]) < 0
	})
	return ranked
}

// Compare ranks a and b correctness first, then latency.
func Compare(a, b model.Program) int {
	return Ranking{}.Compare(a, b)
}

// Rank sorts a copy of programs correctness first, then latency.
func Rank(programs []model.Program) []model.Program {
	return Ranking{}.Rank(programs)
}

// ScalarFitness is correctness_ratio for programs that ran and the sentinel
// for programs that never did.
func ScalarFitness(p model.Program) float64 {
	return model.ScalarFitness(p)
}

package evo

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"codevolve/internal/model"
)

var (
	ErrNoViableParents      = errors.New("no viable parents")
	ErrPopulationUndersized = errors.New("population undersized")
)

// rouletteSmoothing keeps zero-scoring Valid programs selectable.
const rouletteSmoothing = 0.0001

// Selector picks one parent from Valid programs ranked best first.
type Selector interface {
	Name() string
	PickParent(rng *rand.Rand, ranked []model.Program) (model.Program, error)
}

// RouletteSelector samples proportionally to correctness_ratio.
type RouletteSelector struct{}

func (RouletteSelector) Name() string {
	return "roulette"
}

func (RouletteSelector) PickParent(rng *rand.Rand, ranked []model.Program) (model.Program, error) {
	if rng == nil {
		return model.Program{}, fmt.Errorf("random source is required")
	}
	if len(ranked) == 0 {
		return model.Program{}, ErrNoViableParents
	}
	weights := make([]float64, len(ranked))
	total := 0.0
	for i, p := range ranked {
		w := model.ScalarFitness(p)
		if w < 0 || math.IsNaN(w) {
			w = 0
		}
		weights[i] = w + rouletteSmoothing
		total += weights[i]
	}
	if total <= 0 {
		return ranked[rng.Intn(len(ranked))], nil
	}
	target := rng.Float64() * total
	for i, w := range weights {
		target -= w
		if target < 0 {
			return ranked[i], nil
		}
	}
	return ranked[len(ranked)-1], nil
}

// TournamentSelector samples TournamentSize programs with replacement and
// keeps the best ranked one.
type TournamentSelector struct {
	TournamentSize int
}

func (TournamentSelector) Name() string {
	return "tournament"
}

func (s TournamentSelector) PickParent(rng *rand.Rand, ranked []model.Program) (model.Program, error) {
	if rng == nil {
		return model.Program{}, fmt.Errorf("random source is required")
	}
	if len(ranked) == 0 {
		return model.Program{}, ErrNoViableParents
	}
	tournamentSize := s.TournamentSize
	if tournamentSize <= 0 {
		tournamentSize = 3
	}

	best := rng.Intn(len(ranked))
	for i := 1; i < tournamentSize; i++ {
		if candidate := rng.Intn(len(ranked)); candidate < best {
			best = candidate
		}
	}
	return ranked[best], nil
}

// SelectParents samples n parents with replacement from the Valid members of
// population. Programs with any other status stay in the store but carry no
// selection weight.
func (r Ranking) SelectParents(rng *rand.Rand, population []model.Program, n int, selector Selector) ([]model.Program, error) {
	if selector == nil {
		selector = RouletteSelector{}
	}
	eligible := make([]model.Program, 0, len(population))
	for _, p := range population {
		if p.Status == model.StatusValid {
			eligible = append(eligible, p)
		}
	}
	if len(eligible) == 0 {
		return nil, ErrNoViableParents
	}
	ranked := r.Rank(eligible)

	parents := make([]model.Program, 0, n)
	for i := 0; i < n; i++ {
		parent, err := selector.PickParent(rng, ranked)
		if err != nil {
			return nil, fmt.Errorf("%s selector: %w", selector.Name(), err)
		}
		parents = append(parents, parent)
	}
	return parents, nil
}

// SelectParents uses the default correctness-first ranking.
func SelectParents(rng *rand.Rand, population []model.Program, n int, selector Selector) ([]model.Program, error) {
	return Ranking{}.SelectParents(rng, population, n, selector)
}

type SurvivorResult struct {
	Survivors []model.Program
	// Degenerating is set when non-Valid programs had to fill slots.
	Degenerating bool
	// Undersized is set when the eligible pool was smaller than the target.
	Undersized bool
}

// SelectSurvivors keeps the targetSize best programs of pool. The best Valid
// program always ranks first. Pending and Cancelled programs are never kept.
// When the eligible pool is smaller than targetSize every eligible program is
// returned together with ErrPopulationUndersized.
func (r Ranking) SelectSurvivors(pool []model.Program, targetSize int) (SurvivorResult, error) {
	if targetSize <= 0 {
		return SurvivorResult{}, fmt.Errorf("target size must be > 0")
	}
	seen := make(map[string]struct{}, len(pool))
	eligible := make([]model.Program, 0, len(pool))
	for _, p := range pool {
		if model.FitnessTier(p.Status) == model.TierUnfinished {
			continue
		}
		if _, dup := seen[p.ID]; dup {
			continue
		}
		seen[p.ID] = struct{}{}
		eligible = append(eligible, p)
	}
	ranked := r.Rank(eligible)

	result := SurvivorResult{Survivors: ranked}
	if len(ranked) > targetSize {
		result.Survivors = ranked[:targetSize]
	}
	for _, p := range result.Survivors {
		if p.Status != model.StatusValid {
			result.Degenerating = true
			break
		}
	}
	if len(ranked) < targetSize {
		result.Undersized = true
		return result, fmt.Errorf("%w: %d eligible programs for %d slots", ErrPopulationUndersized, len(ranked), targetSize)
	}
	return result, nil
}

// SelectSurvivors uses the default correctness-first ranking.
func SelectSurvivors(pool []model.Program, targetSize int) (SurvivorResult, error) {
	return Ranking{}.SelectSurvivors(pool, targetSize)
}

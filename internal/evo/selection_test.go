package evo

import (
	"errors"
	"math/rand"
	"testing"

	"codevolve/internal/model"
)

func TestSelectSurvivorsScenario(t *testing.T) {
	population := []model.Program{valid("p03", 0.3), valid("p09", 0.9)}
	offspring := []model.Program{valid("o05", 0.5), valid("o08", 0.8)}

	res, err := SelectSurvivors(append(population, offspring...), 4)
	if err != nil {
		t.Fatalf("select survivors: %v", err)
	}
	got := make([]float64, len(res.Survivors))
	for i, p := range res.Survivors {
		got[i] = ScalarFitness(p)
	}
	want := []float64{0.9, 0.8, 0.5, 0.3}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected survivors: got=%v want=%v", got, want)
		}
	}
	if res.Degenerating || res.Undersized {
		t.Fatalf("unexpected flags: %+v", res)
	}
}

func TestSelectSurvivorsBoundAndElitism(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 50; trial++ {
		var pool []model.Program
		n := 1 + rng.Intn(12)
		for i := 0; i < n; i++ {
			id := string(rune('a'+trial%26)) + string(rune('a'+i))
			switch rng.Intn(4) {
			case 0:
				pool = append(pool, model.Program{ID: id, Status: model.StatusSyntaxError})
			case 1:
				pool = append(pool, model.Program{ID: id, Status: model.StatusTimeout, Metrics: model.Metrics{model.MetricCorrectnessRatio: 0}})
			default:
				pool = append(pool, valid(id, float64(rng.Intn(5))/4))
			}
		}
		target := 1 + rng.Intn(6)
		res, _ := SelectSurvivors(pool, target)
		if len(res.Survivors) > target {
			t.Fatalf("returned %d survivors for target %d", len(res.Survivors), target)
		}
		ranked := Rank(pool)
		if ranked[0].Status == model.StatusValid && res.Survivors[0].ID != ranked[0].ID {
			t.Fatalf("best valid program %s dropped", ranked[0].ID)
		}
	}
}

func TestSelectSurvivorsBackfillsAndFlags(t *testing.T) {
	pool := []model.Program{
		{ID: "syntax", Status: model.StatusSyntaxError},
		valid("v", 0.2),
		{ID: "timeout", Status: model.StatusTimeout, Metrics: model.Metrics{model.MetricCorrectnessRatio: 0}},
		{ID: "pending", Status: model.StatusPending},
		{ID: "cancelled", Status: model.StatusCancelled},
	}

	res, err := SelectSurvivors(pool, 3)
	if err != nil {
		t.Fatalf("select survivors: %v", err)
	}
	if !equalIDs(ids(res.Survivors), []string{"v", "timeout", "syntax"}) {
		t.Fatalf("unexpected survivors: %v", ids(res.Survivors))
	}
	if !res.Degenerating {
		t.Fatal("expected degenerating flag")
	}

	res, err = SelectSurvivors(pool, 5)
	if !errors.Is(err, ErrPopulationUndersized) {
		t.Fatalf("expected undersized, got %v", err)
	}
	if !res.Undersized || len(res.Survivors) != 3 {
		t.Fatalf("unexpected undersized result: %+v", res)
	}
}

func TestSelectSurvivorsDeduplicates(t *testing.T) {
	p := valid("same", 0.5)
	res, err := SelectSurvivors([]model.Program{p, p, valid("other", 0.1)}, 2)
	if err != nil {
		t.Fatalf("select survivors: %v", err)
	}
	if !equalIDs(ids(res.Survivors), []string{"same", "other"}) {
		t.Fatalf("unexpected survivors: %v", ids(res.Survivors))
	}
}

func TestSelectParentsExcludesNonValid(t *testing.T) {
	population := []model.Program{
		{ID: "syntax", Status: model.StatusSyntaxError},
		{ID: "timeout", Status: model.StatusTimeout, Metrics: model.Metrics{model.MetricCorrectnessRatio: 0}},
		valid("v", 0),
	}
	for _, selector := range []Selector{RouletteSelector{}, TournamentSelector{}} {
		parents, err := SelectParents(rand.New(rand.NewSource(1)), population, 20, selector)
		if err != nil {
			t.Fatalf("%s: %v", selector.Name(), err)
		}
		if len(parents) != 20 {
			t.Fatalf("%s: expected 20 parents, got %d", selector.Name(), len(parents))
		}
		for _, p := range parents {
			if p.ID != "v" {
				t.Fatalf("%s picked non-valid parent %s", selector.Name(), p.ID)
			}
		}
	}
}

func TestSelectParentsNoViable(t *testing.T) {
	population := []model.Program{{ID: "s", Status: model.StatusSyntaxError}}
	if _, err := SelectParents(rand.New(rand.NewSource(1)), population, 2, nil); !errors.Is(err, ErrNoViableParents) {
		t.Fatalf("expected no viable parents, got %v", err)
	}
	if _, err := SelectParents(rand.New(rand.NewSource(1)), nil, 2, TournamentSelector{}); !errors.Is(err, ErrNoViableParents) {
		t.Fatalf("expected no viable parents on empty population, got %v", err)
	}
}

func TestSelectParentsDeterministicForSeed(t *testing.T) {
	population := []model.Program{valid("a", 0.2), valid("b", 0.4), valid("c", 0.6), valid("d", 0.8)}
	first, err := SelectParents(rand.New(rand.NewSource(42)), population, 16, RouletteSelector{})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	second, err := SelectParents(rand.New(rand.NewSource(42)), population, 16, RouletteSelector{})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if !equalIDs(ids(first), ids(second)) {
		t.Fatalf("same seed produced different parents: %v vs %v", ids(first), ids(second))
	}
}

func TestRouletteFavorsFitterPrograms(t *testing.T) {
	ranked := Rank([]model.Program{valid("strong", 0.9), valid("weak", 0.1)})
	rng := rand.New(rand.NewSource(3))
	counts := map[string]int{}
	for i := 0; i < 2000; i++ {
		p, err := RouletteSelector{}.PickParent(rng, ranked)
		if err != nil {
			t.Fatalf("pick: %v", err)
		}
		counts[p.ID]++
	}
	if counts["strong"] <= 3*counts["weak"] {
		t.Fatalf("expected strong to dominate: %v", counts)
	}
}

func TestRouletteSmoothingKeepsZeroScoresSelectable(t *testing.T) {
	ranked := []model.Program{valid("a", 0), valid("b", 0)}
	rng := rand.New(rand.NewSource(5))
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		p, err := RouletteSelector{}.PickParent(rng, ranked)
		if err != nil {
			t.Fatalf("pick: %v", err)
		}
		seen[p.ID] = true
	}
	if !seen["a"] || !seen["b"] {
		t.Fatalf("expected both zero-scoring programs to be picked: %v", seen)
	}
}

func TestTournamentPrefersBetterRanked(t *testing.T) {
	ranked := Rank([]model.Program{valid("a", 0.1), valid("b", 0.2), valid("c", 0.3), valid("d", 0.4), valid("e", 0.5)})
	rng := rand.New(rand.NewSource(9))
	counts := map[string]int{}
	for i := 0; i < 1000; i++ {
		p, err := TournamentSelector{TournamentSize: 3}.PickParent(rng, ranked)
		if err != nil {
			t.Fatalf("pick: %v", err)
		}
		counts[p.ID]++
	}
	if counts["e"] <= counts["a"] {
		t.Fatalf("tournament should favor the best program: %v", counts)
	}
	if _, err := (TournamentSelector{}).PickParent(nil, ranked); err == nil {
		t.Fatal("expected error without a random source")
	}
}

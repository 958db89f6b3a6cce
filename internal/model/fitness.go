package model

import "math"

// SentinelFitness is the scalar fitness of programs that never executed an
// example. Every program that ran scores at least 0.
const SentinelFitness = -1.0

// Fitness tiers, lower is better.
const (
	TierValid = iota
	TierRanFailed
	TierNeverRan
	TierUnfinished
)

// FitnessTier places a status into its comparison band.
func FitnessTier(s Status) int {
	switch {
	case s == StatusValid:
		return TierValid
	case s == StatusTimeout || s == StatusRuntimeFailure:
		return TierRanFailed
	case s.NeverRan():
		return TierNeverRan
	default:
		return TierUnfinished
	}
}

// ScalarFitness collapses a program to one number for reporting and
// fitness-proportionate weighting.
func ScalarFitness(p Program) float64 {
	if FitnessTier(p.Status) >= TierNeverRan {
		return SentinelFitness
	}
	ratio, ok := p.CorrectnessRatio()
	if !ok || math.IsNaN(ratio) {
		return 0
	}
	return ratio
}

// CompareFitness returns -1 when a is fitter than b, 1 when b is fitter and 0
// when the two are indistinguishable by fitness alone. Valid programs order by
// correctness_ratio descending then avg_latency_ms ascending; every Valid
// program outranks every non-Valid one.
func CompareFitness(a, b Program) int {
	ta, tb := FitnessTier(a.Status), FitnessTier(b.Status)
	if ta != tb {
		if ta < tb {
			return -1
		}
		return 1
	}
	if ta >= TierNeverRan {
		return 0
	}
	ra, rb := ScalarFitness(a), ScalarFitness(b)
	if ra != rb {
		if ra > rb {
			return -1
		}
		return 1
	}
	la, lb := latency(a), latency(b)
	switch {
	case la < lb:
		return -1
	case la > lb:
		return 1
	default:
		return 0
	}
}

func latency(p Program) float64 {
	v, ok := p.Metrics.Get(MetricAvgLatencyMS)
	if !ok || math.IsNaN(v) {
		return math.Inf(1)
	}
	return v
}

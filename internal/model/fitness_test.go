package model

import "testing"

func valid(id string, ratio, latency float64) Program {
	return Program{
		ID:      id,
		Status:  StatusValid,
		Metrics: Metrics{MetricCorrectnessRatio: ratio, MetricAvgLatencyMS: latency},
	}
}

func TestCompareFitnessLatencyBreaksEqualRatio(t *testing.T) {
	fast := valid("fast", 0.5, 10)
	slow := valid("slow", 0.5, 20)
	if got := CompareFitness(fast, slow); got != -1 {
		t.Fatalf("expected faster program to rank first, got %d", got)
	}
	if got := CompareFitness(slow, fast); got != 1 {
		t.Fatalf("expected slower program to rank second, got %d", got)
	}
}

func TestCompareFitnessValidAboveEverythingElse(t *testing.T) {
	zero := valid("zero", 0, 0)
	others := []Program{
		{ID: "t", Status: StatusTimeout, Metrics: Metrics{MetricCorrectnessRatio: 0}},
		{ID: "r", Status: StatusRuntimeFailure},
		{ID: "s", Status: StatusSyntaxError},
		{ID: "i", Status: StatusImportViolation},
		{ID: "d", Status: StatusDiffApplyFailed},
		{ID: "p", Status: StatusPending},
	}
	for _, other := range others {
		if got := CompareFitness(zero, other); got != -1 {
			t.Fatalf("valid zero-score program should outrank %s, got %d", other.Status, got)
		}
	}
}

func TestScalarFitnessSentinel(t *testing.T) {
	if got := ScalarFitness(Program{Status: StatusImportViolation}); got != SentinelFitness {
		t.Fatalf("unexpected import violation fitness: %f", got)
	}
	if got := ScalarFitness(valid("v", 0, 1)); got != 0 {
		t.Fatalf("valid program with no passes should score 0, got %f", got)
	}
	if SentinelFitness >= 0 {
		t.Fatal("sentinel must sit below every scored program")
	}
}

func TestMissingLatencyRanksBehindMeasuredLatency(t *testing.T) {
	measured := valid("m", 1, 500)
	missing := Program{ID: "x", Status: StatusValid, Metrics: Metrics{MetricCorrectnessRatio: 1}}
	if got := CompareFitness(measured, missing); got != -1 {
		t.Fatalf("expected measured latency first, got %d", got)
	}
}

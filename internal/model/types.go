package model

import "time"

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// Status is the evaluation state of a Program. It moves from Pending to
// exactly one terminal value and never changes afterwards.
type Status string

const (
	StatusPending         Status = "pending"
	StatusValid           Status = "valid"
	StatusSyntaxError     Status = "syntax_error"
	StatusImportViolation Status = "import_violation"
	StatusRuntimeFailure  Status = "runtime_failure"
	StatusTimeout         Status = "timeout"
	StatusDiffApplyFailed Status = "diff_apply_failed"
	StatusCancelled       Status = "cancelled"
)

// TerminalStatuses lists every status a Program can finish in.
var TerminalStatuses = []Status{
	StatusValid,
	StatusSyntaxError,
	StatusImportViolation,
	StatusRuntimeFailure,
	StatusTimeout,
	StatusDiffApplyFailed,
	StatusCancelled,
}

func (s Status) Terminal() bool {
	switch s {
	case StatusValid, StatusSyntaxError, StatusImportViolation, StatusRuntimeFailure,
		StatusTimeout, StatusDiffApplyFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// NeverRan reports statuses for programs that were rejected before any
// example executed.
func (s Status) NeverRan() bool {
	switch s {
	case StatusSyntaxError, StatusImportViolation, StatusDiffApplyFailed:
		return true
	default:
		return false
	}
}

// Known reports whether s is one of the declared statuses.
func (s Status) Known() bool {
	switch s {
	case StatusPending:
		return true
	default:
		return s.Terminal()
	}
}

const (
	MetricCorrectnessRatio = "correctness_ratio"
	MetricAvgLatencyMS     = "avg_latency_ms"
	MetricPassed           = "passed"
	MetricTotal            = "total"
	MetricTimedOut         = "timed_out"
)

// Metrics maps metric names to values.
type Metrics map[string]float64

func (m Metrics) Get(name string) (float64, bool) {
	if m == nil {
		return 0, false
	}
	v, ok := m[name]
	return v, ok
}

func (m Metrics) Clone() Metrics {
	if m == nil {
		return nil
	}
	out := make(Metrics, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// LowerIsBetter reports the ranking direction of a metric.
func LowerIsBetter(metric string) bool {
	switch metric {
	case MetricAvgLatencyMS, MetricTimedOut:
		return true
	default:
		return false
	}
}

type Program struct {
	VersionedRecord
	ID         string    `json:"id"`
	RunID      string    `json:"run_id"`
	Generation int       `json:"generation"`
	Code       string    `json:"code"`
	ParentIDs  []string  `json:"parent_ids,omitempty"`
	Depth      int       `json:"depth"`
	Status     Status    `json:"status"`
	Metrics    Metrics   `json:"metrics,omitempty"`
	Errors     []string  `json:"errors,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	Seq        int64     `json:"seq"`
}

// Clone returns a deep copy so callers never share slices or maps with a
// store.
func (p Program) Clone() Program {
	out := p
	out.ParentIDs = append([]string(nil), p.ParentIDs...)
	out.Errors = append([]string(nil), p.Errors...)
	out.Metrics = p.Metrics.Clone()
	return out
}

// CorrectnessRatio is absent for programs that never executed an example.
func (p Program) CorrectnessRatio() (float64, bool) {
	return p.Metrics.Get(MetricCorrectnessRatio)
}

type Weighting string

const (
	WeightingCorrectnessFirst Weighting = "correctness_first"
	WeightingLatencyFirst     Weighting = "latency_first"
)

type Example struct {
	Input  any `json:"input" yaml:"input"`
	Output any `json:"output" yaml:"output"`
}

type TaskDefinition struct {
	ID             string    `json:"id" yaml:"id"`
	Description    string    `json:"description" yaml:"description"`
	FunctionName   string    `json:"function_name" yaml:"function_name"`
	Examples       []Example `json:"examples" yaml:"examples"`
	AllowedImports []string  `json:"allowed_imports" yaml:"allowed_imports"`
	Weighting      Weighting `json:"weighting,omitempty" yaml:"weighting"`
}

// LineRange addresses 1-based inclusive lines of a parent program.
type LineRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Hunk replaces the lines located by Anchor (or Range when Anchor is empty)
// with Replacement.
type Hunk struct {
	Anchor      []string   `json:"anchor,omitempty"`
	Range       *LineRange `json:"range,omitempty"`
	Replacement []string   `json:"replacement"`
}

type Diff struct {
	ParentID string `json:"parent_id"`
	Hunks    []Hunk `json:"hunks"`
}

// GenerationSummary is the per-generation report handed to monitoring.
type GenerationSummary struct {
	RunID                string         `json:"run_id"`
	Generation           int            `json:"generation"`
	BestFitness          float64        `json:"best_fitness"`
	MeanFitness          float64        `json:"mean_fitness"`
	BestProgramID        string         `json:"best_program_id,omitempty"`
	StatusCounts         map[Status]int `json:"status_counts"`
	Offspring            int            `json:"offspring"`
	DiffApplyFailures    int            `json:"diff_apply_failures"`
	GeneratorUnavailable int            `json:"generator_unavailable"`
	Reseeded             bool           `json:"reseeded,omitempty"`
	Degenerating         bool           `json:"degenerating,omitempty"`
	Undersized           bool           `json:"undersized,omitempty"`
}

// GenerationRecord is the generation-boundary bookkeeping written by the
// orchestrator once every member has a terminal status.
type GenerationRecord struct {
	VersionedRecord
	RunID       string            `json:"run_id"`
	Generation  int               `json:"generation"`
	MemberIDs   []string          `json:"member_ids"`
	OffspringID []string          `json:"offspring_ids,omitempty"`
	Summary     GenerationSummary `json:"summary"`
	CommittedAt time.Time         `json:"committed_at"`
}

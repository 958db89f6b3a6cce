package evaluator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"codevolve/internal/model"
)

var tracer = otel.Tracer("codevolve.evaluator")

// maxRecordedErrors bounds the diagnostics stored on one program.
const maxRecordedErrors = 10

type Limits struct {
	PerExampleTimeout time.Duration
	MaxOutputBytes    int64
}

type ExampleResult struct {
	Index   int
	Outcome Outcome
	Passed  bool
	Elapsed time.Duration
	Detail  string
}

type Result struct {
	Status   model.Status
	Metrics  model.Metrics
	Errors   []string
	Examples []ExampleResult
}

type Evaluator struct {
	checker StaticChecker
	runner  Runner
	logger  *slog.Logger
}

func New(checker StaticChecker, runner Runner, logger *slog.Logger) *Evaluator {
	if checker == nil {
		checker = PythonChecker{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{checker: checker, runner: runner, logger: logger}
}

// Evaluate scores code against every example of task. Per-candidate problems
// are reported through Result.Status; the error return is reserved for
// configuration errors and cancellation.
func (e *Evaluator) Evaluate(ctx context.Context, code string, task model.TaskDefinition, limits Limits) (Result, error) {
	if len(task.Examples) == 0 {
		return Result{}, fmt.Errorf("%w: %s", ErrEmptyTaskSpec, task.ID)
	}

	ctx, span := tracer.Start(ctx, "evaluator.Evaluate",
		trace.WithAttributes(
			attribute.String("task_id", task.ID),
			attribute.Int("examples", len(task.Examples)),
		),
	)
	defer span.End()

	checkErr := e.checker.Check(ctx, code, task.AllowedImports)
	var syntaxErr *SyntaxError
	var importErr *ImportViolationError
	switch {
	case checkErr == nil, errors.As(checkErr, &importErr):
	case errors.As(checkErr, &syntaxErr):
		span.SetAttributes(attribute.String("status", string(model.StatusSyntaxError)))
		return Result{Status: model.StatusSyntaxError, Errors: []string{syntaxErr.Error()}}, nil
	default:
		span.RecordError(checkErr)
		span.SetStatus(codes.Error, checkErr.Error())
		return Result{}, fmt.Errorf("static check: %w", checkErr)
	}

	// tree-sitter accepts some code the interpreter rejects; the
	// interpreter's compiler decides.
	if compiler, ok := e.runner.(Compiler); ok {
		if err := compiler.Compile(ctx, code, limits.PerExampleTimeout); err != nil {
			switch {
			case errors.As(err, &syntaxErr):
				span.SetAttributes(attribute.String("status", string(model.StatusSyntaxError)))
				return Result{Status: model.StatusSyntaxError, Errors: []string{syntaxErr.Error()}}, nil
			case ctx.Err() != nil:
				span.RecordError(ctx.Err())
				span.SetStatus(codes.Error, "context canceled")
				return Result{}, ctx.Err()
			default:
				e.logger.Warn("compile check failed",
					slog.String("task_id", task.ID),
					slog.String("error", err.Error()),
				)
				span.SetAttributes(attribute.String("status", string(model.StatusRuntimeFailure)))
				return Result{Status: model.StatusRuntimeFailure, Errors: []string{fmt.Sprintf("compile check: %v", err)}}, nil
			}
		}
	}

	if importErr != nil {
		span.SetAttributes(attribute.String("status", string(model.StatusImportViolation)))
		return Result{Status: model.StatusImportViolation, Errors: []string{importErr.Error()}}, nil
	}

	examples := make([]ExampleResult, 0, len(task.Examples))
	for i, example := range task.Examples {
		out, err := e.runner.Run(ctx, Invocation{
			Code:           code,
			FunctionName:   task.FunctionName,
			Input:          example.Input,
			Timeout:        limits.PerExampleTimeout,
			MaxOutputBytes: limits.MaxOutputBytes,
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				span.RecordError(ctxErr)
				span.SetStatus(codes.Error, "context canceled")
				return Result{}, ctxErr
			}
			e.logger.Warn("evaluation unit failed to launch",
				slog.String("task_id", task.ID),
				slog.Int("example", i),
				slog.String("error", err.Error()),
			)
			span.SetAttributes(attribute.String("status", string(model.StatusRuntimeFailure)))
			return Result{
				Status:   model.StatusRuntimeFailure,
				Errors:   []string{fmt.Sprintf("example %d: %v", i, err)},
				Examples: examples,
			}, nil
		}
		examples = append(examples, judge(i, out, example.Output))
	}

	result := aggregate(examples)
	span.SetAttributes(
		attribute.String("status", string(result.Status)),
		attribute.Float64("correctness_ratio", result.Metrics[model.MetricCorrectnessRatio]),
	)
	return result, nil
}

func judge(index int, out RunOutput, expected any) ExampleResult {
	r := ExampleResult{Index: index, Outcome: out.Outcome, Elapsed: out.Elapsed, Detail: out.Detail}
	if out.Outcome != OutcomeReturned {
		return r
	}
	if Equal(out.Value, expected) {
		r.Passed = true
		return r
	}
	r.Detail = fmt.Sprintf("expected %s, got %s", Describe(expected), Describe(out.Value))
	return r
}

func aggregate(examples []ExampleResult) Result {
	total := len(examples)
	passed, timedOut := 0, 0
	var latency time.Duration
	var errs []string
	for _, ex := range examples {
		switch {
		case ex.Passed:
			passed++
			latency += ex.Elapsed
			continue
		case ex.Outcome == OutcomeTimedOut:
			timedOut++
		}
		if len(errs) < maxRecordedErrors {
			errs = append(errs, fmt.Sprintf("example %d %s: %s", ex.Index, ex.Outcome, ex.Detail))
		}
	}

	metrics := model.Metrics{
		model.MetricCorrectnessRatio: float64(passed) / float64(total),
		model.MetricPassed:           float64(passed),
		model.MetricTotal:            float64(total),
		model.MetricTimedOut:         float64(timedOut),
	}
	if passed > 0 {
		metrics[model.MetricAvgLatencyMS] = float64(latency) / float64(passed) / float64(time.Millisecond)
	}

	status := model.StatusValid
	if timedOut == total {
		status = model.StatusTimeout
	}
	return Result{Status: status, Metrics: metrics, Errors: errs, Examples: examples}
}

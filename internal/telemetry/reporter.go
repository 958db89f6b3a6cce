// Package telemetry publishes per-generation summaries to monitoring.
package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"sort"

	"codevolve/internal/model"
)

type Reporter interface {
	ReportGeneration(ctx context.Context, summary model.GenerationSummary) error
}

// LogReporter writes one structured log line per generation.
type LogReporter struct {
	Logger *slog.Logger
}

func (r LogReporter) ReportGeneration(ctx context.Context, s model.GenerationSummary) error {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelInfo
	if s.Degenerating || s.Undersized {
		level = slog.LevelWarn
	}
	logger.Log(ctx, level, "generation complete",
		"run_id", s.RunID,
		"generation", s.Generation,
		"best_fitness", s.BestFitness,
		"mean_fitness", s.MeanFitness,
		"best_program_id", s.BestProgramID,
		"offspring", s.Offspring,
		"diff_apply_failures", s.DiffApplyFailures,
		"generator_unavailable", s.GeneratorUnavailable,
		"reseeded", s.Reseeded,
		"degenerating", s.Degenerating,
		"undersized", s.Undersized,
		slog.Group("status_counts", statusAttrs(s.StatusCounts)...),
	)
	return nil
}

func statusAttrs(counts map[model.Status]int) []any {
	statuses := make([]string, 0, len(counts))
	for status := range counts {
		statuses = append(statuses, string(status))
	}
	sort.Strings(statuses)
	attrs := make([]any, 0, len(statuses))
	for _, status := range statuses {
		attrs = append(attrs, slog.Int(status, counts[model.Status(status)]))
	}
	return attrs
}

// Multi fans a summary out to every reporter and joins their errors.
type Multi []Reporter

func (m Multi) ReportGeneration(ctx context.Context, s model.GenerationSummary) error {
	var errs []error
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.ReportGeneration(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards summaries.
type Nop struct{}

func (Nop) ReportGeneration(context.Context, model.GenerationSummary) error { return nil }

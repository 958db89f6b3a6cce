package codevolve

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"codevolve/internal/model"
	"codevolve/internal/stats"
	"codevolve/internal/storage"
)

const exportTopLimit = 10

type RunsRequest struct {
	Limit int
}

type ExportRequest struct {
	RunID  string
	OutDir string
}

type ExportSummary struct {
	RunID     string
	Directory string
}

// Runs lists the run index kept under artifacts_dir, newest first.
func (c *Client) Runs(_ context.Context, req RunsRequest) ([]stats.RunIndexEntry, error) {
	if c.cfg.ArtifactsDir == "" {
		return nil, errors.New("artifacts_dir is not configured")
	}
	if req.Limit <= 0 {
		req.Limit = 20
	}
	entries, err := stats.ListRunIndex(c.cfg.ArtifactsDir)
	if err != nil {
		return nil, err
	}
	if len(entries) > req.Limit {
		entries = entries[:req.Limit]
	}
	return entries, nil
}

// Export copies a run's artifact directory to OutDir. Runs without written
// artifacts are rebuilt from the store.
func (c *Client) Export(ctx context.Context, req ExportRequest) (ExportSummary, error) {
	if req.RunID == "" {
		return ExportSummary{}, errors.New("export requires a run id")
	}
	if req.OutDir == "" {
		return ExportSummary{}, errors.New("export requires an output directory")
	}

	if c.cfg.ArtifactsDir != "" {
		if _, err := os.Stat(filepath.Join(c.cfg.ArtifactsDir, req.RunID)); err == nil {
			dir, err := stats.ExportRunArtifacts(c.cfg.ArtifactsDir, req.RunID, req.OutDir)
			if err != nil {
				return ExportSummary{}, err
			}
			return ExportSummary{RunID: req.RunID, Directory: filepath.Clean(dir)}, nil
		}
	}

	if err := c.Init(ctx); err != nil {
		return ExportSummary{}, err
	}
	records, err := c.store.Generations(ctx, req.RunID)
	if err != nil {
		return ExportSummary{}, err
	}
	if len(records) == 0 {
		return ExportSummary{}, fmt.Errorf("%w: %s", ErrRunNotFound, req.RunID)
	}
	summaries := make([]model.GenerationSummary, 0, len(records))
	for _, r := range records {
		summaries = append(summaries, r.Summary)
	}
	artifacts, err := c.collectArtifacts(ctx, stats.RunConfig{RunID: req.RunID, Store: c.cfg.Store}, summaries)
	if err != nil {
		return ExportSummary{}, err
	}
	artifacts.Generations = records
	dir, err := stats.WriteRunArtifacts(req.OutDir, artifacts)
	if err != nil {
		return ExportSummary{}, err
	}
	return ExportSummary{RunID: req.RunID, Directory: filepath.Clean(dir)}, nil
}

// writeArtifacts records a finished run under artifacts_dir and indexes it.
func (c *Client) writeArtifacts(ctx context.Context, task model.TaskDefinition, summary RunSummary) error {
	cfg := stats.RunConfig{
		RunID:          summary.RunID,
		TaskID:         task.ID,
		PopulationSize: c.cfg.PopulationSize,
		Generations:    c.cfg.Generations,
		TargetFitness:  c.cfg.TargetFitness,
		Selection:      c.cfg.Selection,
		MutationMode:   c.cfg.MutationMode,
		Seed:           c.cfg.Seed,
		Store:          c.cfg.Store,
	}
	if c.cfg.Selection == "tournament" {
		cfg.TournamentSize = c.cfg.TournamentSize
	}
	artifacts, err := c.collectArtifacts(ctx, cfg, summary.Generations)
	if err != nil {
		return err
	}
	artifacts.Reason = summary.Reason
	artifacts.NoViable = summary.NoViable
	artifacts.Generations, err = c.store.Generations(ctx, summary.RunID)
	if err != nil {
		return err
	}
	if _, err := stats.WriteRunArtifacts(c.cfg.ArtifactsDir, artifacts); err != nil {
		return err
	}
	return stats.AppendRunIndex(c.cfg.ArtifactsDir, stats.RunIndexEntry{
		RunID:            summary.RunID,
		TaskID:           task.ID,
		PopulationSize:   c.cfg.PopulationSize,
		Generations:      len(summary.Generations),
		Seed:             c.cfg.Seed,
		Reason:           summary.Reason,
		FinalBestFitness: artifacts.FinalBestFitness,
		CreatedAtUTC:     time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (c *Client) collectArtifacts(ctx context.Context, cfg stats.RunConfig, summaries []model.GenerationSummary) (stats.RunArtifacts, error) {
	artifacts := stats.RunArtifacts{
		Config:           cfg,
		BestByGeneration: make([]float64, 0, len(summaries)),
		MeanByGeneration: make([]float64, 0, len(summaries)),
		FinalBestFitness: model.SentinelFitness,
	}
	for _, s := range summaries {
		artifacts.BestByGeneration = append(artifacts.BestByGeneration, s.BestFitness)
		artifacts.MeanByGeneration = append(artifacts.MeanByGeneration, s.MeanFitness)
	}

	top, err := c.store.TopK(ctx, storage.RunScope(cfg.RunID), exportTopLimit, storage.MetricFitness)
	if err != nil {
		return stats.RunArtifacts{}, err
	}
	artifacts.TopPrograms = stats.RankPrograms(top)
	if len(top) == 0 || top[0].Status != model.StatusValid {
		artifacts.NoViable = true
		return artifacts, nil
	}
	best := top[0]
	artifacts.Best = &best
	artifacts.FinalBestFitness = model.ScalarFitness(best)
	artifacts.Lineage, err = c.store.Lineage(ctx, best.ID)
	if err != nil {
		return stats.RunArtifacts{}, err
	}
	return artifacts, nil
}

// Package codevolve is the public entry point for running evolutionary
// program searches and querying their recorded history.
package codevolve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"codevolve/internal/config"
	"codevolve/internal/evaluator"
	"codevolve/internal/evo"
	"codevolve/internal/generator"
	"codevolve/internal/model"
	"codevolve/internal/platform"
	"codevolve/internal/storage"
	"codevolve/internal/telemetry"
)

const defaultTopLimit = 10

var ErrRunNotFound = errors.New("run not found")

type Options struct {
	Config config.Run
	Logger *slog.Logger
	// Store overrides the backend named by Config.Store.
	Store storage.Store
	// Proposer overrides the OpenAI-backed generator.
	Proposer generator.Proposer
	// Evaluator overrides the sandboxed Python evaluator pool.
	Evaluator evo.BatchEvaluator
	// Reporters receive every generation summary next to the log reporter.
	Reporters []telemetry.Reporter
}

type Client struct {
	cfg       config.Run
	logger    *slog.Logger
	store     storage.Store
	ownsStore bool
	polis     *platform.Polis
	metrics   *telemetry.PrometheusReporter

	proposer  generator.Proposer
	evaluator evo.BatchEvaluator
	reporters []telemetry.Reporter
}

type RunSummary struct {
	RunID       string                    `json:"run_id"`
	Reason      string                    `json:"reason"`
	NoViable    bool                      `json:"no_viable"`
	Best        *model.Program            `json:"best,omitempty"`
	Lineage     []model.Program           `json:"lineage,omitempty"`
	Generations []model.GenerationSummary `json:"generations"`
}

type TopRequest struct {
	RunID string
	// Generation restricts the query to programs created in that
	// generation. Nil covers every program of the run.
	Generation *int
	Limit      int
	Metric     string
}

func New(opts Options) (*Client, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	store := opts.Store
	ownsStore := false
	if store == nil {
		var err error
		store, err = storage.NewStore(cfg.Store, cfg.DBPath)
		if err != nil {
			return nil, err
		}
		ownsStore = true
	}

	c := &Client{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		ownsStore: ownsStore,
		proposer:  opts.Proposer,
		evaluator: opts.Evaluator,
		reporters: append([]telemetry.Reporter(nil), opts.Reporters...),
	}

	var modules []platform.SupportModule
	if cfg.MetricsAddr != "" {
		c.metrics = telemetry.NewPrometheusReporter()
		modules = append(modules, platform.NewMetricsServer(cfg.MetricsAddr, c.metrics.Handler(), logger))
	}
	c.polis = platform.NewPolis(platform.Config{Store: store, SupportModules: modules, Logger: logger})
	return c, nil
}

// Init prepares the store and starts the metrics endpoint when configured.
func (c *Client) Init(ctx context.Context) error {
	if c.polis.Started() {
		return nil
	}
	if err := c.polis.Init(ctx); err != nil {
		return err
	}
	if modules := c.polis.ActiveSupportModules(); len(modules) > 0 {
		c.logger.Info("support modules started", "modules", modules)
	}
	return nil
}

// Close stops active runs and waits for them to settle their in-flight
// programs before the owned store is closed.
func (c *Client) Close() error {
	if err := c.polis.StopWithReason(platform.StopReasonShutdown); err != nil {
		return err
	}
	if !c.ownsStore {
		return nil
	}
	return storage.CloseIfSupported(c.store)
}

// RegisterSelector makes a custom parent selector available to the
// selection setting of every client.
func RegisterSelector(name string, factory evo.SelectorFactory) error {
	return evo.RegisterSelector(name, factory)
}

func (c *Client) Store() storage.Store {
	return c.store
}

// Metrics is nil unless metrics_addr is configured.
func (c *Client) Metrics() *telemetry.PrometheusReporter {
	return c.metrics
}

// Run executes one evolutionary run for task and blocks until it ends.
func (c *Client) Run(ctx context.Context, task model.TaskDefinition) (RunSummary, error) {
	if err := c.Init(ctx); err != nil {
		return RunSummary{}, err
	}
	selector, err := evo.ResolveSelector(c.cfg.Selection, evo.SelectorOptions{TournamentSize: c.cfg.TournamentSize})
	if err != nil {
		return RunSummary{}, err
	}
	proposer, err := c.buildProposer()
	if err != nil {
		return RunSummary{}, err
	}

	result, err := c.polis.Run(ctx, platform.RunSpec{
		Task: task,
		Config: evo.Config{
			RunID:                c.cfg.RunID,
			PopulationSize:       c.cfg.PopulationSize,
			Generations:          c.cfg.Generations,
			TargetFitness:        c.cfg.TargetFitness,
			MutationMode:         generator.Mode(c.cfg.MutationMode),
			GeneratorConcurrency: c.cfg.GeneratorConcurrency,
			Seed:                 c.cfg.Seed,
			Selector:             selector,
		},
		Proposer:  proposer,
		Evaluator: c.buildEvaluator(),
		Reporter:  c.buildReporter(),
		Logger:    c.logger,
	})
	if err != nil {
		return RunSummary{}, err
	}
	summary := RunSummary{
		RunID:       result.RunID,
		Reason:      result.Reason,
		NoViable:    result.NoViable,
		Best:        result.Best,
		Lineage:     result.Lineage,
		Generations: result.Generations,
	}
	if c.cfg.ArtifactsDir != "" {
		if err := c.writeArtifacts(ctx, task, summary); err != nil {
			return summary, fmt.Errorf("write run artifacts: %w", err)
		}
	}
	return summary, nil
}

// Stop cancels an active run started by this client.
func (c *Client) Stop(runID string) error {
	return c.polis.Stop(runID)
}

func (c *Client) Top(ctx context.Context, req TopRequest) ([]model.Program, error) {
	if req.RunID == "" {
		return nil, errors.New("top requires a run id")
	}
	if req.Limit < 0 {
		return nil, errors.New("limit must be >= 0")
	}
	if req.Limit == 0 {
		req.Limit = defaultTopLimit
	}
	if req.Metric == "" {
		req.Metric = storage.MetricFitness
	}
	if err := c.Init(ctx); err != nil {
		return nil, err
	}

	scope := storage.RunScope(req.RunID)
	if req.Generation != nil {
		scope = storage.GenerationScope(req.RunID, *req.Generation)
	}
	return c.store.TopK(ctx, scope, req.Limit, req.Metric)
}

// Lineage walks from programID back to its root ancestor.
func (c *Client) Lineage(ctx context.Context, programID string) ([]model.Program, error) {
	if programID == "" {
		return nil, errors.New("lineage requires a program id")
	}
	if err := c.Init(ctx); err != nil {
		return nil, err
	}
	return c.store.Lineage(ctx, programID)
}

func (c *Client) Generations(ctx context.Context, runID string) ([]model.GenerationRecord, error) {
	if runID == "" {
		return nil, errors.New("generations requires a run id")
	}
	if err := c.Init(ctx); err != nil {
		return nil, err
	}
	records, err := c.store.Generations(ctx, runID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return records, nil
}

func (c *Client) Show(ctx context.Context, programID string) (model.Program, error) {
	if programID == "" {
		return model.Program{}, errors.New("show requires a program id")
	}
	if err := c.Init(ctx); err != nil {
		return model.Program{}, err
	}
	return c.store.Get(ctx, programID)
}

func (c *Client) buildProposer() (generator.Proposer, error) {
	next := c.proposer
	if next == nil {
		var err error
		next, err = generator.NewOpenAIProposer(generator.OpenAIOptions{
			Model:       c.cfg.OpenAI.Model,
			BaseURL:     c.cfg.OpenAI.BaseURL,
			Temperature: c.cfg.OpenAI.Temperature,
		}, c.logger)
		if err != nil {
			return nil, err
		}
	}
	return generator.NewRetrying(next, generator.RetryPolicy{
		MaxAttempts:    c.cfg.GeneratorRetries,
		InitialBackoff: c.cfg.GeneratorBackoff(),
		MaxBackoff:     c.cfg.GeneratorMaxBackoff(),
		CallTimeout:    c.cfg.GeneratorCallTimeout(),
		RatePerSecond:  c.cfg.GeneratorRatePerSecond,
	}, c.logger), nil
}

func (c *Client) buildEvaluator() evo.BatchEvaluator {
	if c.evaluator != nil {
		return c.evaluator
	}
	ev := evaluator.New(evaluator.PythonChecker{}, evaluator.NewProcessRunner(c.cfg.Interpreter), c.logger)
	return evaluator.NewPool(ev, evaluator.Limits{
		PerExampleTimeout: c.cfg.PerExampleTimeout(),
		MaxOutputBytes:    c.cfg.MaxOutputBytes,
	}, c.cfg.EvalConcurrency)
}

func (c *Client) buildReporter() telemetry.Reporter {
	reporters := telemetry.Multi{telemetry.LogReporter{Logger: c.logger}}
	if c.metrics != nil {
		reporters = append(reporters, c.metrics)
	}
	return append(reporters, c.reporters...)
}

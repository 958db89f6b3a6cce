// Package platform owns the shared program store and the runs executing
// against it.
package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"codevolve/internal/evo"
	"codevolve/internal/generator"
	"codevolve/internal/model"
	"codevolve/internal/storage"
	"codevolve/internal/telemetry"
)

var (
	ErrNotInitialized = errors.New("polis is not initialized")
	ErrRunActive      = errors.New("run already active")
	ErrRunNotActive   = errors.New("run not active")
	// ErrRunStopped is the cancellation cause of a run ended by Stop.
	ErrRunStopped = errors.New("run stopped")
)

type Config struct {
	Store          storage.Store
	SupportModules []SupportModule
	Logger         *slog.Logger
}

// SupportModule is a service started with the polis and stopped with it,
// such as the metrics endpoint.
type SupportModule interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type StopReason string

const (
	StopReasonNormal   StopReason = "normal"
	StopReasonShutdown StopReason = "shutdown"
)

// RunSpec describes one evolutionary run. Config.RunID may be empty, in
// which case the orchestrator assigns one.
type RunSpec struct {
	Task      model.TaskDefinition
	Config    evo.Config
	Proposer  generator.Proposer
	Evaluator evo.BatchEvaluator
	Reporter  telemetry.Reporter
	Logger    *slog.Logger
}

type Polis struct {
	store  storage.Store
	logger *slog.Logger

	mu             sync.RWMutex
	supportModules map[string]SupportModule
	started        bool
	runs           map[string]context.CancelCauseFunc
	// active counts runs between registerRun and unregisterRun.
	active sync.WaitGroup

	config Config
}

func NewPolis(cfg Config) *Polis {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Polis{
		store:          cfg.Store,
		logger:         logger,
		supportModules: make(map[string]SupportModule),
		runs:           make(map[string]context.CancelCauseFunc),
		config:         cfg,
	}
}

// Init prepares the store and starts support modules in order. A module
// that fails to start stops the ones started before it.
func (p *Polis) Init(ctx context.Context) error {
	if p.store == nil {
		return fmt.Errorf("store is required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil
	}
	if err := p.store.Init(ctx); err != nil {
		return fmt.Errorf("init store: %w", err)
	}

	started := make([]SupportModule, 0, len(p.config.SupportModules))
	fail := func(err error) error {
		stopSupportModules(ctx, started)
		p.supportModules = make(map[string]SupportModule)
		return err
	}
	for i, module := range p.config.SupportModules {
		if module == nil {
			return fail(fmt.Errorf("support module is nil at index %d", i))
		}
		name := module.Name()
		if name == "" {
			return fail(fmt.Errorf("support module name is required at index %d", i))
		}
		if _, exists := p.supportModules[name]; exists {
			return fail(fmt.Errorf("duplicate support module: %s", name))
		}
		if err := module.Start(ctx); err != nil {
			return fail(fmt.Errorf("start support module %s: %w", name, err))
		}
		p.supportModules[name] = module
		started = append(started, module)
	}

	p.started = true
	return nil
}

func (p *Polis) Store() storage.Store {
	return p.store
}

// Run executes spec against the polis store and blocks until the run
// finishes. The run can be cancelled through ctx or by Stop(runID).
func (p *Polis) Run(ctx context.Context, spec RunSpec) (evo.RunResult, error) {
	logger := spec.Logger
	if logger == nil {
		logger = p.logger
	}
	orch, err := evo.NewOrchestrator(spec.Config, evo.Deps{
		Store:     p.store,
		Proposer:  spec.Proposer,
		Evaluator: spec.Evaluator,
		Reporter:  spec.Reporter,
		Logger:    logger,
	})
	if err != nil {
		return evo.RunResult{}, err
	}
	runID := orch.RunID()

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if err := p.registerRun(runID, cancel); err != nil {
		return evo.RunResult{}, err
	}
	defer p.unregisterRun(runID)

	logger.Info("run registered", "run_id", runID, "task", spec.Task.ID)
	result, err := orch.Run(runCtx, spec.Task)
	if err != nil && ctx.Err() == nil && errors.Is(context.Cause(runCtx), ErrRunStopped) {
		return result, fmt.Errorf("%w: %s", ErrRunStopped, runID)
	}
	return result, err
}

// Stop cancels an active run. The run returns once its in-flight work has
// been marked cancelled.
func (p *Polis) Stop(runID string) error {
	if runID == "" {
		return fmt.Errorf("run id is required")
	}
	p.mu.RLock()
	cancel, ok := p.runs[runID]
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotActive, runID)
	}
	cancel(ErrRunStopped)
	return nil
}

func (p *Polis) Runs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ids := make([]string, 0, len(p.runs))
	for id := range p.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (p *Polis) registerRun(runID string, cancel context.CancelCauseFunc) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return ErrNotInitialized
	}
	if _, exists := p.runs[runID]; exists {
		return fmt.Errorf("%w: %s", ErrRunActive, runID)
	}
	p.runs[runID] = cancel
	p.active.Add(1)
	return nil
}

func (p *Polis) unregisterRun(runID string) {
	p.mu.Lock()
	delete(p.runs, runID)
	p.mu.Unlock()
	p.active.Done()
}

// StopWithReason cancels every active run, waits for each to mark its
// in-flight programs cancelled, then stops support modules in reverse start
// order. The store stays open; closing it is up to its owner.
func (p *Polis) StopWithReason(reason StopReason) error {
	if reason == "" {
		reason = StopReasonNormal
	}
	if !isValidStopReason(reason) {
		return fmt.Errorf("unsupported stop reason: %s", reason)
	}

	p.mu.Lock()
	for _, cancel := range p.runs {
		cancel(ErrRunStopped)
	}
	modules := make([]SupportModule, 0, len(p.config.SupportModules))
	for _, module := range p.config.SupportModules {
		if module == nil {
			continue
		}
		if active, ok := p.supportModules[module.Name()]; ok && active == module {
			modules = append(modules, module)
		}
	}
	wasStarted := p.started
	p.started = false
	p.supportModules = make(map[string]SupportModule)
	p.mu.Unlock()

	p.active.Wait()
	stopSupportModules(context.Background(), modules)
	if wasStarted {
		p.logger.Info("polis stopped", "reason", reason)
	}
	return nil
}

func (p *Polis) ActiveSupportModules() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	names := make([]string, 0, len(p.supportModules))
	for name := range p.supportModules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (p *Polis) Started() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.started
}

func isValidStopReason(reason StopReason) bool {
	switch reason {
	case StopReasonNormal, StopReasonShutdown:
		return true
	default:
		return false
	}
}

func stopSupportModules(ctx context.Context, modules []SupportModule) {
	for i := len(modules) - 1; i >= 0; i-- {
		_ = modules[i].Stop(ctx)
	}
}

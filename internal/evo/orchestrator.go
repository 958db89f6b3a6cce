package evo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"codevolve/internal/diff"
	"codevolve/internal/evaluator"
	"codevolve/internal/generator"
	"codevolve/internal/model"
	"codevolve/internal/prompt"
	"codevolve/internal/storage"
	"codevolve/internal/telemetry"
)

var tracer = otel.Tracer("codevolve.evo")

// Termination reasons reported in RunResult.
const (
	ReasonTargetReached   = "target_reached"
	ReasonGenerationLimit = "generation_limit"
	ReasonNoViable        = "no_viable_programs"
)

// BatchEvaluator scores a whole generation. evaluator.Pool implements it.
type BatchEvaluator interface {
	EvaluateBatch(ctx context.Context, task model.TaskDefinition, jobs []evaluator.Job) ([]evaluator.Result, error)
}

type Config struct {
	RunID          string
	PopulationSize int
	// Generations counts mutation rounds after seeding.
	Generations int
	// TargetFitness stops the run once the best correctness_ratio reaches it.
	// Zero disables early termination.
	TargetFitness        float64
	MutationMode         generator.Mode
	GeneratorConcurrency int
	Seed                 int64
	Selector             Selector
}

type Deps struct {
	Store     storage.Store
	Proposer  generator.Proposer
	Evaluator BatchEvaluator
	Reporter  telemetry.Reporter
	Logger    *slog.Logger
	// NewID mints program ids. Defaults to random UUIDs.
	NewID func() string
	// Now stamps generation records. Defaults to time.Now.
	Now func() time.Time
}

type RunResult struct {
	RunID string
	// Best is nil when no program ever ran successfully.
	Best *model.Program
	// Lineage runs from Best back to its seed.
	Lineage     []model.Program
	Generations []model.GenerationSummary
	NoViable    bool
	Reason      string
}

// Orchestrator drives one run. It is not safe for concurrent Run calls.
type Orchestrator struct {
	cfg     Config
	deps    Deps
	rng     *rand.Rand
	logger  *slog.Logger
	ranking Ranking
}

func NewOrchestrator(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("program store is required")
	}
	if deps.Proposer == nil {
		return nil, fmt.Errorf("proposer is required")
	}
	if deps.Evaluator == nil {
		return nil, fmt.Errorf("evaluator is required")
	}
	if cfg.PopulationSize <= 0 {
		return nil, fmt.Errorf("population size must be > 0")
	}
	if cfg.Generations <= 0 {
		return nil, fmt.Errorf("generations must be > 0")
	}
	if cfg.TargetFitness < 0 {
		return nil, fmt.Errorf("target fitness must be >= 0")
	}
	if cfg.MutationMode == "" {
		cfg.MutationMode = generator.ModeDiff
	}
	if !cfg.MutationMode.Valid() {
		return nil, fmt.Errorf("unknown mutation mode: %q", cfg.MutationMode)
	}
	if cfg.GeneratorConcurrency <= 0 {
		cfg.GeneratorConcurrency = 1
	}
	if cfg.Selector == nil {
		cfg.Selector = RouletteSelector{}
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	if deps.Reporter == nil {
		deps.Reporter = telemetry.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.NewID == nil {
		deps.NewID = uuid.NewString
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	return &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		logger: deps.Logger.With("run_id", cfg.RunID),
	}, nil
}

func (o *Orchestrator) RunID() string {
	return o.cfg.RunID
}

// generationState is what one generation hands to the next.
type generationState struct {
	population []model.Program
	summary    model.GenerationSummary
}

// Run seeds a population and evolves it until the generation limit or the
// target fitness is reached. On cancellation every Pending program of the run
// is marked Cancelled before ctx.Err() is returned.
func (o *Orchestrator) Run(ctx context.Context, task model.TaskDefinition) (result RunResult, err error) {
	if len(task.Examples) == 0 {
		return RunResult{}, fmt.Errorf("%w: %s", evaluator.ErrEmptyTaskSpec, task.ID)
	}
	if task.FunctionName == "" {
		return RunResult{}, fmt.Errorf("task %s: function name is required", task.ID)
	}
	designer, err := prompt.NewDesigner(task, o.cfg.MutationMode == generator.ModeDiff)
	if err != nil {
		return RunResult{}, err
	}
	o.ranking = Ranking{Weighting: task.Weighting}

	ctx, span := tracer.Start(ctx, "evo.Run",
		trace.WithAttributes(
			attribute.String("run_id", o.cfg.RunID),
			attribute.String("task_id", task.ID),
			attribute.Int("population_size", o.cfg.PopulationSize),
			attribute.Int("generations", o.cfg.Generations),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	defer func() {
		if err != nil && ctx.Err() != nil {
			o.cancelPending(ctx)
			err = ctx.Err()
		}
	}()

	o.logger.Info("run started", "task_id", task.ID, "population_size", o.cfg.PopulationSize, "generations", o.cfg.Generations)
	result = RunResult{RunID: o.cfg.RunID, Reason: ReasonGenerationLimit}

	state, err := o.seed(ctx, task, designer, 0, nil)
	if err != nil {
		return RunResult{}, err
	}
	result.Generations = append(result.Generations, state.summary)

	for gen := 1; gen <= o.cfg.Generations; gen++ {
		if o.targetReached(state.population) {
			result.Reason = ReasonTargetReached
			break
		}
		if err := ctx.Err(); err != nil {
			return RunResult{}, err
		}
		state, err = o.evolve(ctx, task, designer, gen, state.population)
		if err != nil {
			return RunResult{}, err
		}
		result.Generations = append(result.Generations, state.summary)
	}
	if result.Reason != ReasonTargetReached && o.targetReached(state.population) {
		result.Reason = ReasonTargetReached
	}

	if err := o.finish(ctx, &result); err != nil {
		return RunResult{}, err
	}
	o.logger.Info("run finished",
		"reason", result.Reason,
		"generations", len(result.Generations),
		"no_viable", result.NoViable)
	return result, nil
}

func (o *Orchestrator) targetReached(population []model.Program) bool {
	if o.cfg.TargetFitness <= 0 {
		return false
	}
	for _, p := range population {
		if p.Status != model.StatusValid {
			continue
		}
		if ratio, ok := p.CorrectnessRatio(); ok && ratio >= o.cfg.TargetFitness {
			return true
		}
	}
	return false
}

// finish reports the run's best program under the task's weighting, the same
// ranking survivor selection used.
func (o *Orchestrator) finish(ctx context.Context, result *RunResult) error {
	all, err := o.deps.Store.TopK(ctx, storage.RunScope(o.cfg.RunID), -1, storage.MetricFitness)
	if err != nil {
		return fmt.Errorf("best program: %w", err)
	}
	top := o.ranking.Rank(all)
	if len(top) == 0 || top[0].Status != model.StatusValid {
		result.NoViable = true
		result.Reason = ReasonNoViable
		return nil
	}
	best := top[0]
	lineage, err := o.deps.Store.Lineage(ctx, best.ID)
	if err != nil {
		return fmt.Errorf("lineage of best program: %w", err)
	}
	result.Best = &best
	result.Lineage = lineage
	return nil
}

// seed fills a generation from initial prompts. It also serves as the
// reseeding fallback when a population has no viable parents.
func (o *Orchestrator) seed(ctx context.Context, task model.TaskDefinition, designer *prompt.Designer, gen int, population []model.Program) (generationState, error) {
	ctx, span := tracer.Start(ctx, "evo.Seed", trace.WithAttributes(attribute.Int("generation", gen)))
	defer span.End()

	text, err := designer.Initial()
	if err != nil {
		return generationState{}, err
	}
	slots := make([]slot, o.cfg.PopulationSize)
	for i := range slots {
		slots[i] = slot{req: generator.Request{Prompt: text, Mode: generator.ModeFullRewrite}}
	}
	o.propose(ctx, slots)
	if err := ctx.Err(); err != nil {
		return generationState{}, err
	}
	state, err := o.commit(ctx, task, gen, slots, population)
	if err != nil {
		return generationState{}, err
	}
	state.summary.Reseeded = gen > 0
	o.publish(ctx, state)
	return state, nil
}

func (o *Orchestrator) evolve(ctx context.Context, task model.TaskDefinition, designer *prompt.Designer, gen int, population []model.Program) (generationState, error) {
	parents, err := o.ranking.SelectParents(o.rng, population, o.cfg.PopulationSize, o.cfg.Selector)
	if errors.Is(err, ErrNoViableParents) {
		o.logger.Warn("no viable parents, reseeding", "generation", gen)
		return o.seed(ctx, task, designer, gen, population)
	}
	if err != nil {
		return generationState{}, err
	}

	ctx, span := tracer.Start(ctx, "evo.Generation", trace.WithAttributes(attribute.Int("generation", gen)))
	defer span.End()

	slots := make([]slot, len(parents))
	for i, parent := range parents {
		text, kind, err := designer.ForParent(parent)
		if err != nil {
			return generationState{}, err
		}
		o.logger.Debug("mutation requested", "generation", gen, "parent_id", parent.ID, "prompt_kind", kind)
		slots[i] = slot{
			parent: &parents[i],
			req:    generator.Request{Prompt: text, Mode: o.cfg.MutationMode, ParentID: parent.ID},
		}
	}
	o.propose(ctx, slots)
	if err := ctx.Err(); err != nil {
		return generationState{}, err
	}
	state, err := o.commit(ctx, task, gen, slots, population)
	if err != nil {
		return generationState{}, err
	}
	o.publish(ctx, state)
	return state, nil
}

// slot is one requested offspring.
type slot struct {
	parent   *model.Program
	req      generator.Request
	proposal generator.Proposal
	err      error
}

// propose fills every slot concurrently and returns once all have answered.
func (o *Orchestrator) propose(ctx context.Context, slots []slot) {
	var g errgroup.Group
	g.SetLimit(o.cfg.GeneratorConcurrency)
	for i := range slots {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				slots[i].err = err
				return nil
			}
			slots[i].proposal, slots[i].err = o.deps.Proposer.Propose(ctx, slots[i].req)
			return nil
		})
	}
	_ = g.Wait()
}

// commit materializes proposals into Pending programs, evaluates them as one
// batch and selects the survivors from population plus offspring.
func (o *Orchestrator) commit(ctx context.Context, task model.TaskDefinition, gen int, slots []slot, population []model.Program) (generationState, error) {
	summary := model.GenerationSummary{
		RunID:        o.cfg.RunID,
		Generation:   gen,
		StatusCounts: make(map[model.Status]int),
	}

	children := make([]model.Program, 0, len(slots))
	for _, s := range slots {
		if s.err == nil && s.proposal.Code == "" && s.proposal.Diff == nil {
			s.err = generator.ErrMalformedResponse
		}
		if s.err != nil {
			summary.GeneratorUnavailable++
			o.logger.Warn("offspring slot skipped", "generation", gen, "parent_id", s.req.ParentID, "error", s.err)
			continue
		}
		code, err := o.materialize(s)
		if err != nil {
			summary.DiffApplyFailures++
			summary.StatusCounts[model.StatusDiffApplyFailed]++
			o.logger.Info("diff did not apply", "generation", gen, "parent_id", s.req.ParentID, "error", err)
			continue
		}
		child := model.Program{
			ID:         o.deps.NewID(),
			RunID:      o.cfg.RunID,
			Generation: gen,
			Code:       code,
		}
		if s.parent != nil {
			child.ParentIDs = []string{s.parent.ID}
			child.Depth = s.parent.Depth + 1
		}
		if err := o.deps.Store.Insert(ctx, child); err != nil {
			return generationState{}, fmt.Errorf("insert offspring: %w", err)
		}
		children = append(children, child)
	}
	summary.Offspring = len(children)

	evaluated, err := o.evaluate(ctx, task, children)
	if err != nil {
		return generationState{}, err
	}
	for _, p := range evaluated {
		summary.StatusCounts[p.Status]++
	}

	pool := make([]model.Program, 0, len(population)+len(evaluated))
	pool = append(pool, population...)
	pool = append(pool, evaluated...)
	selected, err := o.ranking.SelectSurvivors(pool, o.cfg.PopulationSize)
	if err != nil && !errors.Is(err, ErrPopulationUndersized) {
		return generationState{}, err
	}
	if selected.Undersized {
		o.logger.Warn("population undersized", "generation", gen, "size", len(selected.Survivors), "target", o.cfg.PopulationSize)
	}
	summary.Degenerating = selected.Degenerating
	summary.Undersized = selected.Undersized
	fillFitness(&summary, selected.Survivors)

	record := model.GenerationRecord{
		RunID:       o.cfg.RunID,
		Generation:  gen,
		MemberIDs:   programIDs(selected.Survivors),
		OffspringID: programIDs(evaluated),
		Summary:     summary,
		CommittedAt: o.deps.Now().UTC(),
	}
	if err := o.deps.Store.SaveGeneration(ctx, record); err != nil {
		return generationState{}, fmt.Errorf("save generation %d: %w", gen, err)
	}
	return generationState{population: selected.Survivors, summary: summary}, nil
}

func (o *Orchestrator) materialize(s slot) (string, error) {
	if s.proposal.Diff == nil {
		return s.proposal.Code, nil
	}
	if s.parent == nil {
		return "", fmt.Errorf("%w: diff proposed without a parent", diff.ErrDiffApplyFailed)
	}
	return diff.Apply(s.parent.Code, *s.proposal.Diff)
}

// evaluate scores the offspring and finalizes each record exactly once. It
// returns the finalized records as stored.
func (o *Orchestrator) evaluate(ctx context.Context, task model.TaskDefinition, children []model.Program) ([]model.Program, error) {
	if len(children) == 0 {
		return nil, nil
	}
	jobs := make([]evaluator.Job, len(children))
	for i, child := range children {
		jobs[i] = evaluator.Job{ProgramID: child.ID, Code: child.Code}
	}
	results, err := o.deps.Evaluator.EvaluateBatch(ctx, task, jobs)
	if err != nil {
		return nil, fmt.Errorf("evaluate generation: %w", err)
	}

	evaluated := make([]model.Program, len(children))
	for i, child := range children {
		res := results[i]
		if err := o.deps.Store.SetFitness(ctx, child.ID, res.Metrics, res.Status, res.Errors); err != nil {
			return nil, fmt.Errorf("finalize %s: %w", child.ID, err)
		}
		stored, err := o.deps.Store.Get(ctx, child.ID)
		if err != nil {
			return nil, fmt.Errorf("reload %s: %w", child.ID, err)
		}
		evaluated[i] = stored
	}
	return evaluated, nil
}

// publish hands the summary to monitoring. Reporting failures never stop a
// run.
func (o *Orchestrator) publish(ctx context.Context, state generationState) {
	if err := o.deps.Reporter.ReportGeneration(ctx, state.summary); err != nil {
		o.logger.Warn("generation report failed", "generation", state.summary.Generation, "error", err)
	}
}

func (o *Orchestrator) cancelPending(ctx context.Context) {
	n, err := o.deps.Store.CancelPending(context.WithoutCancel(ctx), o.cfg.RunID)
	if err != nil {
		o.logger.Error("cancel pending programs", "error", err)
		return
	}
	if n > 0 {
		o.logger.Info("pending programs cancelled", "count", n)
	}
}

// fillFitness sets best and mean scalar fitness over survivors. Programs that
// never ran count as zero in the mean.
func fillFitness(summary *model.GenerationSummary, survivors []model.Program) {
	if len(survivors) == 0 {
		summary.BestFitness = model.SentinelFitness
		return
	}
	summary.BestFitness = model.ScalarFitness(survivors[0])
	summary.BestProgramID = survivors[0].ID
	total := 0.0
	for _, p := range survivors {
		if f := model.ScalarFitness(p); f > 0 {
			total += f
		}
	}
	summary.MeanFitness = total / float64(len(survivors))
}

func programIDs(programs []model.Program) []string {
	ids := make([]string, len(programs))
	for i, p := range programs {
		ids[i] = p.ID
	}
	return ids
}

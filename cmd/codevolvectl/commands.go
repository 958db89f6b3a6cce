package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"codevolve/internal/config"
	"codevolve/internal/evo"
	"codevolve/pkg/codevolve"
)

type globalFlags struct {
	configPath   string
	store        string
	dbPath       string
	artifactsDir string
	logLevel     string
	output       string
}

type app struct {
	flags  globalFlags
	stdout io.Writer
	stderr io.Writer
	logger *slog.Logger
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{stdout: stdout, stderr: stderr}
	root := &cobra.Command{
		Use:           "codevolvectl",
		Short:         "Evolve programs against input/output examples",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := newLogger(a.stderr, a.flags.logLevel)
			if err != nil {
				return err
			}
			if a.flags.output != "text" && a.flags.output != "json" {
				return fmt.Errorf("unsupported output format: %s", a.flags.output)
			}
			a.logger = logger
			return nil
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&a.flags.configPath, "config", "", "run configuration YAML")
	pf.StringVar(&a.flags.store, "store", "", "store backend: memory|sqlite|badger (overrides config)")
	pf.StringVar(&a.flags.dbPath, "db-path", "", "sqlite file or badger directory (overrides config)")
	pf.StringVar(&a.flags.artifactsDir, "artifacts-dir", "", "run artifacts directory (overrides config)")
	pf.StringVar(&a.flags.logLevel, "log-level", "info", "debug|info|warn|error")
	pf.StringVarP(&a.flags.output, "output", "o", "text", "text|json")

	root.AddCommand(
		a.initCmd(),
		a.runCmd(),
		a.topCmd(),
		a.lineageCmd(),
		a.generationsCmd(),
		a.showCmd(),
		a.runsCmd(),
		a.exportCmd(),
	)
	return root
}

// loadConfig reads --config and applies the persistent store flags.
func (a *app) loadConfig() (config.Run, error) {
	cfg, err := config.Load(a.flags.configPath)
	if err != nil {
		return config.Run{}, err
	}
	if a.flags.store != "" {
		cfg.Store = a.flags.store
	}
	if a.flags.dbPath != "" {
		cfg.DBPath = a.flags.dbPath
	}
	if a.flags.artifactsDir != "" {
		cfg.ArtifactsDir = a.flags.artifactsDir
	}
	if err := cfg.Validate(); err != nil {
		return config.Run{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// queryClient opens the configured store without the metrics endpoint.
func (a *app) queryClient() (*codevolve.Client, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, err
	}
	cfg.MetricsAddr = ""
	return codevolve.New(codevolve.Options{Config: cfg, Logger: a.logger})
}

func (a *app) initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the program store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			cfg.MetricsAddr = ""
			client, err := codevolve.New(codevolve.Options{Config: cfg, Logger: a.logger})
			if err != nil {
				return err
			}
			defer client.Close()
			if err := client.Init(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "initialized store=%s\n", cfg.Store)
			return nil
		},
	}
}

func (a *app) runCmd() *cobra.Command {
	var (
		taskPath     string
		runID        string
		population   int
		generations  int
		seed         int64
		selection    string
		mutationMode string
		target       float64
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run an evolutionary search for a task",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("run-id") {
				cfg.RunID = runID
			}
			if flags.Changed("population") {
				cfg.PopulationSize = population
			}
			if flags.Changed("generations") {
				cfg.Generations = generations
			}
			if flags.Changed("seed") {
				cfg.Seed = seed
			}
			if flags.Changed("selection") {
				cfg.Selection = selection
			}
			if flags.Changed("mutation-mode") {
				cfg.MutationMode = mutationMode
			}
			if flags.Changed("target") {
				cfg.TargetFitness = target
			}

			task, err := config.LoadTask(taskPath)
			if err != nil {
				return err
			}
			client, err := codevolve.New(codevolve.Options{Config: cfg, Logger: a.logger})
			if err != nil {
				return err
			}
			defer client.Close()

			summary, err := client.Run(cmd.Context(), task)
			if err != nil {
				return err
			}
			return a.printRunSummary(summary)
		},
	}
	f := cmd.Flags()
	f.StringVar(&taskPath, "task", "", "task definition YAML")
	f.StringVar(&runID, "run-id", "", "run id (generated when empty)")
	f.IntVar(&population, "population", 0, "population size")
	f.IntVar(&generations, "generations", 0, "generation limit")
	f.Int64Var(&seed, "seed", 0, "selection seed")
	f.StringVar(&selection, "selection", "", "parent selector ("+strings.Join(evo.ListSelectors(), "|")+")")
	f.StringVar(&mutationMode, "mutation-mode", "", "diff|full-rewrite")
	f.Float64Var(&target, "target", 0, "target correctness ratio")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func (a *app) topCmd() *cobra.Command {
	var (
		runID      string
		generation int
		limit      int
		metric     string
	)
	cmd := &cobra.Command{
		Use:   "top",
		Short: "List the fittest programs of a run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := a.queryClient()
			if err != nil {
				return err
			}
			defer client.Close()

			req := codevolve.TopRequest{RunID: runID, Limit: limit, Metric: metric}
			if cmd.Flags().Changed("generation") {
				req.Generation = &generation
			}
			programs, err := client.Top(cmd.Context(), req)
			if err != nil {
				return err
			}
			return a.printPrograms(programs)
		},
	}
	f := cmd.Flags()
	f.StringVar(&runID, "run-id", "", "run id")
	f.IntVar(&generation, "generation", 0, "only programs created in this generation")
	f.IntVar(&limit, "limit", 10, "number of programs")
	f.StringVar(&metric, "metric", "fitness", "fitness or a raw metric name")
	_ = cmd.MarkFlagRequired("run-id")
	return cmd
}

func (a *app) lineageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lineage <program-id>",
		Short: "Show the ancestry of a program",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.queryClient()
			if err != nil {
				return err
			}
			defer client.Close()

			lineage, err := client.Lineage(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.printPrograms(lineage)
		},
	}
}

func (a *app) generationsCmd() *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "generations",
		Short: "List committed generations of a run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := a.queryClient()
			if err != nil {
				return err
			}
			defer client.Close()

			records, err := client.Generations(cmd.Context(), runID)
			if err != nil {
				return err
			}
			return a.printGenerations(records)
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "run id")
	_ = cmd.MarkFlagRequired("run-id")
	return cmd
}

func (a *app) showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <program-id>",
		Short: "Print one program with its evaluation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.queryClient()
			if err != nil {
				return err
			}
			defer client.Close()

			program, err := client.Show(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.printProgram(program)
		},
	}
}

func (a *app) runsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List runs recorded under the artifacts directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := a.queryClient()
			if err != nil {
				return err
			}
			defer client.Close()

			entries, err := client.Runs(cmd.Context(), codevolve.RunsRequest{Limit: limit})
			if err != nil {
				return err
			}
			return a.printRunIndex(entries)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs")
	return cmd
}

func (a *app) exportCmd() *cobra.Command {
	var runID, outDir string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a run's artifacts to a directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := a.queryClient()
			if err != nil {
				return err
			}
			defer client.Close()

			summary, err := client.Export(cmd.Context(), codevolve.ExportRequest{RunID: runID, OutDir: outDir})
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "exported run_id=%s dir=%s\n", summary.RunID, summary.Directory)
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "run id")
	cmd.Flags().StringVar(&outDir, "out", "exports", "output directory")
	_ = cmd.MarkFlagRequired("run-id")
	return cmd
}

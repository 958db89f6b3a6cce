// Package config loads run settings and task definitions from YAML files.
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"codevolve/internal/evo"
)

var validate = newValidator()

// newValidator adds the "selector" tag, which accepts any name in the parent
// selector registry.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("selector", func(fl validator.FieldLevel) bool {
		return slices.Contains(evo.ListSelectors(), fl.Field().String())
	})
	return v
}

type OpenAI struct {
	Model       string  `yaml:"model"`
	BaseURL     string  `yaml:"base_url" validate:"omitempty,url"`
	Temperature float32 `yaml:"temperature" validate:"gte=0,lte=2"`
}

// Run holds every tunable of one evolutionary run.
type Run struct {
	RunID                  string  `yaml:"run_id"`
	PopulationSize         int     `yaml:"population_size" validate:"gt=0"`
	Generations            int     `yaml:"generations" validate:"gt=0"`
	PerExampleTimeoutMS    int     `yaml:"per_example_timeout_ms" validate:"gt=0"`
	GeneratorCallTimeoutMS int     `yaml:"generator_call_timeout_ms" validate:"gte=0"`
	GeneratorRetries       int     `yaml:"generator_retries" validate:"gt=0"`
	GeneratorBackoffMS     int     `yaml:"generator_backoff_ms" validate:"gt=0"`
	GeneratorMaxBackoffMS  int     `yaml:"generator_max_backoff_ms" validate:"gtefield=GeneratorBackoffMS"`
	GeneratorConcurrency   int     `yaml:"generator_concurrency" validate:"gt=0"`
	GeneratorRatePerSecond float64 `yaml:"generator_rate_per_second" validate:"gte=0"`
	EvalConcurrency        int     `yaml:"eval_concurrency" validate:"gte=0"`
	TargetFitness          float64 `yaml:"target_fitness" validate:"gte=0,lte=1"`
	Selection              string  `yaml:"selection" validate:"selector"`
	TournamentSize         int     `yaml:"tournament_size" validate:"gt=0"`
	MutationMode           string  `yaml:"mutation_mode" validate:"oneof=diff full-rewrite"`
	Seed                   int64   `yaml:"seed"`
	Store                  string  `yaml:"store" validate:"oneof=memory sqlite badger"`
	DBPath                 string  `yaml:"db_path" validate:"required_unless=Store memory"`
	Interpreter            string  `yaml:"interpreter" validate:"required"`
	MaxOutputBytes         int64   `yaml:"max_output_bytes" validate:"gt=0"`
	MetricsAddr            string  `yaml:"metrics_addr"`
	ArtifactsDir           string  `yaml:"artifacts_dir"`
	OpenAI                 OpenAI  `yaml:"openai"`
}

func Default() Run {
	return Run{
		PopulationSize:         10,
		Generations:            10,
		PerExampleTimeoutMS:    2000,
		GeneratorCallTimeoutMS: 60000,
		GeneratorRetries:       5,
		GeneratorBackoffMS:     1000,
		GeneratorMaxBackoffMS:  30000,
		GeneratorConcurrency:   4,
		EvalConcurrency:        runtime.GOMAXPROCS(0),
		TargetFitness:          1.0,
		Selection:              "roulette",
		TournamentSize:         3,
		MutationMode:           "diff",
		Store:                  "memory",
		Interpreter:            "python3",
		MaxOutputBytes:         1 << 20,
	}
}

// Load reads path over the defaults, applies CODEVOLVE_* environment
// overrides and validates the result. An empty path yields the defaults.
func Load(path string) (Run, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Run{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Run{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Run{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Run) {
	if v := os.Getenv("CODEVOLVE_STORE"); v != "" {
		cfg.Store = v
	}
	if v := os.Getenv("CODEVOLVE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("CODEVOLVE_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("CODEVOLVE_ARTIFACTS_DIR"); v != "" {
		cfg.ArtifactsDir = v
	}
	if v := os.Getenv("CODEVOLVE_INTERPRETER"); v != "" {
		cfg.Interpreter = v
	}
	if v := os.Getenv("CODEVOLVE_EVAL_CONCURRENCY"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.EvalConcurrency = i
		}
	}
	if v := os.Getenv("OPENAI_MODEL"); v != "" && cfg.OpenAI.Model == "" {
		cfg.OpenAI.Model = v
	}
}

func (r Run) Validate() error {
	return flatten(validate.Struct(r))
}

func (r Run) PerExampleTimeout() time.Duration {
	return time.Duration(r.PerExampleTimeoutMS) * time.Millisecond
}

func (r Run) GeneratorCallTimeout() time.Duration {
	return time.Duration(r.GeneratorCallTimeoutMS) * time.Millisecond
}

func (r Run) GeneratorBackoff() time.Duration {
	return time.Duration(r.GeneratorBackoffMS) * time.Millisecond
}

func (r Run) GeneratorMaxBackoff() time.Duration {
	return time.Duration(r.GeneratorMaxBackoffMS) * time.Millisecond
}

// flatten turns validator field errors into one readable error.
func flatten(err error) error {
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msg := fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag())
		if fe.Param() != "" {
			msg = fmt.Sprintf("%s: failed %q (%s)", fe.Namespace(), fe.Tag(), fe.Param())
		}
		msgs = append(msgs, msg)
	}
	return errors.New(strings.Join(msgs, "; "))
}

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"codevolve/internal/evaluator"
	"codevolve/internal/model"
)

type taskFile struct {
	ID             string          `yaml:"id" validate:"required"`
	Description    string          `yaml:"description"`
	FunctionName   string          `yaml:"function_name" validate:"required"`
	Examples       []model.Example `yaml:"examples"`
	AllowedImports []string        `yaml:"allowed_imports" validate:"dive,required"`
	Weighting      model.Weighting `yaml:"weighting" validate:"omitempty,oneof=correctness_first latency_first"`
}

// LoadTask reads a task definition. YAML .inf and -.inf spell the infinity
// sentinels; a task without examples is rejected with ErrEmptyTaskSpec.
func LoadTask(path string) (model.TaskDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.TaskDefinition{}, fmt.Errorf("read task: %w", err)
	}
	return ParseTask(data)
}

func ParseTask(data []byte) (model.TaskDefinition, error) {
	var raw taskFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return model.TaskDefinition{}, fmt.Errorf("parse task: %w", err)
	}
	if err := flatten(validate.Struct(raw)); err != nil {
		return model.TaskDefinition{}, fmt.Errorf("invalid task: %w", err)
	}
	if len(raw.Examples) == 0 {
		return model.TaskDefinition{}, fmt.Errorf("%w: %s", evaluator.ErrEmptyTaskSpec, raw.ID)
	}
	weighting := raw.Weighting
	if weighting == "" {
		weighting = model.WeightingCorrectnessFirst
	}
	return model.TaskDefinition{
		ID:             raw.ID,
		Description:    raw.Description,
		FunctionName:   raw.FunctionName,
		Examples:       raw.Examples,
		AllowedImports: raw.AllowedImports,
		Weighting:      weighting,
	}, nil
}

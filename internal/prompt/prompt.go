// Package prompt renders the natural-language requests sent to the code
// generator. The text is opaque to the rest of the engine.
package prompt

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"codevolve/internal/evaluator"
	"codevolve/internal/model"
)

const (
	maxPromptExamples = 10
	maxPromptErrors   = 5
	// Parents scoring below this with recorded errors get a bug-fix prompt.
	bugFixThreshold = 0.1
)

type Kind string

const (
	KindInitial  Kind = "initial"
	KindMutation Kind = "mutation"
	KindBugFix   Kind = "bug_fix"
)

// Designer builds prompts for one task. It is safe for concurrent use.
type Designer struct {
	task     model.TaskDefinition
	diffMode bool
	tmpl     *template.Template
}

type templateData struct {
	Task     model.TaskDefinition
	Examples []exampleView
	Omitted  int
	Imports  string
	DiffMode bool
	Parent   *parentView
}

type exampleView struct {
	Input  string
	Output string
}

type parentView struct {
	Code        string
	Status      model.Status
	Correctness string
	Latency     string
	Errors      []string
}

// NewDesigner returns a Designer. With diffMode set, mutation and bug-fix
// prompts ask for SEARCH/REPLACE blocks instead of a full rewrite.
func NewDesigner(task model.TaskDefinition, diffMode bool) (*Designer, error) {
	tmpl, err := template.New("prompt").Parse(templates)
	if err != nil {
		return nil, fmt.Errorf("parse prompt templates: %w", err)
	}
	return &Designer{task: task, diffMode: diffMode, tmpl: tmpl}, nil
}

func (d *Designer) DiffMode() bool {
	return d.diffMode
}

// Initial asks for a complete program from scratch.
func (d *Designer) Initial() (string, error) {
	return d.render(KindInitial, nil)
}

// Mutation asks for an improvement of parent given its evaluation feedback.
func (d *Designer) Mutation(parent model.Program) (string, error) {
	return d.render(KindMutation, &parent)
}

// BugFix asks for a repair of parent's recorded errors.
func (d *Designer) BugFix(parent model.Program) (string, error) {
	return d.render(KindBugFix, &parent)
}

// KindFor picks the prompt kind for a parent.
func KindFor(parent model.Program) Kind {
	if len(parent.Errors) == 0 {
		return KindMutation
	}
	ratio, ok := parent.CorrectnessRatio()
	if !ok || ratio < bugFixThreshold {
		return KindBugFix
	}
	return KindMutation
}

// ForParent renders the prompt KindFor selects.
func (d *Designer) ForParent(parent model.Program) (string, Kind, error) {
	kind := KindFor(parent)
	text, err := d.render(kind, &parent)
	return text, kind, err
}

func (d *Designer) render(kind Kind, parent *model.Program) (string, error) {
	data := templateData{
		Task:     d.task,
		Imports:  importList(d.task.AllowedImports),
		DiffMode: d.diffMode && parent != nil,
	}
	for i, ex := range d.task.Examples {
		if i == maxPromptExamples {
			data.Omitted = len(d.task.Examples) - i
			break
		}
		data.Examples = append(data.Examples, exampleView{
			Input:  evaluator.Describe(ex.Input),
			Output: evaluator.Describe(ex.Output),
		})
	}
	if parent != nil {
		data.Parent = viewParent(*parent)
	}

	var buf bytes.Buffer
	if err := d.tmpl.ExecuteTemplate(&buf, string(kind), data); err != nil {
		return "", fmt.Errorf("render %s prompt: %w", kind, err)
	}
	return strings.TrimSpace(buf.String()) + "\n", nil
}

func viewParent(p model.Program) *parentView {
	view := &parentView{Code: strings.TrimRight(p.Code, "\n"), Status: p.Status, Correctness: "not measured", Latency: "not measured"}
	if ratio, ok := p.CorrectnessRatio(); ok {
		view.Correctness = fmt.Sprintf("%.2f%%", ratio*100)
	}
	if latency, ok := p.Metrics.Get(model.MetricAvgLatencyMS); ok {
		view.Latency = fmt.Sprintf("%.3f ms", latency)
	}
	for i, e := range p.Errors {
		if i == maxPromptErrors {
			view.Errors = append(view.Errors, fmt.Sprintf("... and %d more", len(p.Errors)-i))
			break
		}
		view.Errors = append(view.Errors, e)
	}
	return view
}

func importList(imports []string) string {
	if len(imports) == 0 {
		return "none (no imports are allowed)"
	}
	return strings.Join(imports, ", ")
}

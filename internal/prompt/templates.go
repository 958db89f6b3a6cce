package prompt

const templates = `
{{- define "header" -}}
Task: {{.Task.Description}}

Function: implement a Python function named ` + "`{{.Task.FunctionName}}`" + ` that takes a single argument.
Allowed standard library imports: {{.Imports}}. Do not use any other module.
{{- if .Examples}}

Examples (input -> expected output):
{{- range .Examples}}
- {{.Input}} -> {{.Output}}
{{- end}}
{{- if .Omitted}}
- ... {{.Omitted}} more examples not shown
{{- end}}
{{- end}}
{{- end}}

{{- define "parent" -}}
Current code:
` + "```python" + `
{{.Parent.Code}}
` + "```" + `
{{- end}}

{{- define "answer" -}}
{{- if .DiffMode}}
Reply with one or more edits in exactly this format and nothing else:

<<<<<<< SEARCH
lines copied verbatim from the current code
=======
replacement lines
>>>>>>> REPLACE

Each SEARCH section must match exactly one place in the current code. Edits must not overlap.
{{- else}}
Reply with only the complete Python code for ` + "`{{.Task.FunctionName}}`" + `, including any imports it needs. Do not add explanations.
{{- end}}
{{- end}}

{{- define "initial" -}}
{{template "header" .}}

Write a correct and efficient solution.
{{template "answer" .}}
{{- end}}

{{- define "mutation" -}}
{{template "header" .}}

{{template "parent" .}}

Evaluation feedback on the current code:
- status: {{.Parent.Status}}
- correctness: {{.Parent.Correctness}}
- average latency over passed examples: {{.Parent.Latency}}
{{- if .Parent.Errors}}
- failures:
{{- range .Parent.Errors}}
  - {{.}}
{{- end}}
{{- end}}

Improve the function. Fix incorrect results first, then make it faster. If it already passes every example, try a meaningful refinement.
{{template "answer" .}}
{{- end}}

{{- define "bug_fix" -}}
{{template "header" .}}

{{template "parent" .}}

The current code failed (status: {{.Parent.Status}}, correctness: {{.Parent.Correctness}}) with:
{{- range .Parent.Errors}}
- {{.}}
{{- end}}

Find and fix the bug so the function returns the expected outputs.
{{template "answer" .}}
{{- end}}
`

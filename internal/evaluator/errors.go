// Package evaluator scores candidate programs against a task's examples.
// Candidate code never runs inside this process: every example executes in a
// fresh interpreter process with a hard wall-clock limit.
package evaluator

import (
	"errors"
	"fmt"
)

// ErrEmptyTaskSpec is a configuration error: a ratio over zero examples is
// meaningless.
var ErrEmptyTaskSpec = errors.New("task has no examples")

type SyntaxError struct {
	Line    int
	Column  int
	Message string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("syntax error at line %d, column %d: %s", e.Line, e.Column, e.Message)
}

type ImportViolationError struct {
	Module string
	Reason string
}

func (e *ImportViolationError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("import violation: %s (%s)", e.Module, e.Reason)
	}
	return fmt.Sprintf("import violation: %s is not in the allowed set", e.Module)
}

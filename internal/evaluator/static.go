package evaluator

import (
	"context"
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

// StaticChecker rejects candidates before any example runs. It returns a
// *SyntaxError or *ImportViolationError for unacceptable code and a plain
// error only when the check itself could not be performed.
type StaticChecker interface {
	Check(ctx context.Context, code string, allowedImports []string) error
}

// PythonChecker parses candidates with tree-sitter and walks the whole tree
// for import statements, including imports nested in functions.
type PythonChecker struct{}

func (PythonChecker) Check(ctx context.Context, code string, allowedImports []string) error {
	content := []byte(code)

	parser := sitter.NewParser()
	parser.SetLanguage(python.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return fmt.Errorf("parse candidate: %w", err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		return firstSyntaxError(root, content)
	}

	allowed := make(map[string]struct{}, len(allowedImports))
	for _, name := range allowedImports {
		allowed[strings.TrimSpace(name)] = struct{}{}
	}
	return checkImports(root, content, allowed)
}

func firstSyntaxError(root *sitter.Node, content []byte) error {
	stack := []*sitter.Node{root}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if node.IsError() || node.IsMissing() {
			point := node.StartPoint()
			msg := "invalid syntax"
			if node.IsMissing() {
				msg = fmt.Sprintf("missing %s", node.Type())
			} else if snippet := strings.TrimSpace(node.Content(content)); snippet != "" {
				msg = fmt.Sprintf("unexpected %q", truncate(snippet, 40))
			}
			return &SyntaxError{Line: int(point.Row) + 1, Column: int(point.Column) + 1, Message: msg}
		}
		if !node.HasError() {
			continue
		}
		// Push children in reverse so the earliest error in source order wins.
		for i := int(node.ChildCount()) - 1; i >= 0; i-- {
			if child := node.Child(i); child != nil {
				stack = append(stack, child)
			}
		}
	}
	point := root.StartPoint()
	return &SyntaxError{Line: int(point.Row) + 1, Column: int(point.Column) + 1, Message: "invalid syntax"}
}

func checkImports(root *sitter.Node, content []byte, allowed map[string]struct{}) error {
	stack := []*sitter.Node{root}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		switch node.Type() {
		case "import_statement":
			for i := 0; i < int(node.NamedChildCount()); i++ {
				child := node.NamedChild(i)
				name := child
				if child.Type() == "aliased_import" {
					name = child.ChildByFieldName("name")
				}
				if name == nil {
					continue
				}
				if err := checkModule(name.Content(content), allowed); err != nil {
					return err
				}
			}
			continue
		case "import_from_statement":
			module := node.ChildByFieldName("module_name")
			if module == nil {
				continue
			}
			if module.Type() == "relative_import" {
				return &ImportViolationError{Module: module.Content(content), Reason: "relative imports are not allowed"}
			}
			if err := checkModule(module.Content(content), allowed); err != nil {
				return err
			}
			continue
		case "future_import_statement":
			continue
		case "call":
			if fn := node.ChildByFieldName("function"); fn != nil && fn.Type() == "identifier" {
				if name := fn.Content(content); name == "__import__" {
					return &ImportViolationError{Module: name, Reason: "dynamic imports are not allowed"}
				}
			}
		}

		for i := int(node.NamedChildCount()) - 1; i >= 0; i-- {
			if child := node.NamedChild(i); child != nil {
				stack = append(stack, child)
			}
		}
	}
	return nil
}

// checkModule accepts a dotted module when either the full path or its
// top-level package is allowed.
func checkModule(module string, allowed map[string]struct{}) error {
	module = strings.Join(strings.Fields(module), "")
	if _, ok := allowed[module]; ok {
		return nil
	}
	top, _, _ := strings.Cut(module, ".")
	if _, ok := allowed[top]; ok {
		return nil
	}
	return &ImportViolationError{Module: module}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

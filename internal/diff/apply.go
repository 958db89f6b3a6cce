// Package diff materializes child programs from anchored edits against a
// parent's code.
package diff

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"codevolve/internal/model"
)

var ErrDiffApplyFailed = errors.New("diff apply failed")

// ApplyError identifies the hunk that could not be placed.
type ApplyError struct {
	Hunk   int
	Reason string
}

func (e *ApplyError) Error() string {
	if e.Hunk < 0 {
		return fmt.Sprintf("%s: %s", ErrDiffApplyFailed, e.Reason)
	}
	return fmt.Sprintf("%s: hunk %d: %s", ErrDiffApplyFailed, e.Hunk, e.Reason)
}

func (e *ApplyError) Unwrap() error {
	return ErrDiffApplyFailed
}

type placement struct {
	hunk  int
	start int
	end   int
}

// Apply locates every hunk against one snapshot of parentCode and splices the
// replacements in. Anchors are matched exactly first and then with
// whitespace-insensitive line comparison; a hunk that matches zero or several
// locations fails the whole diff and nothing is applied.
func Apply(parentCode string, d model.Diff) (string, error) {
	if len(d.Hunks) == 0 {
		return "", &ApplyError{Hunk: -1, Reason: "diff has no hunks"}
	}

	lines, trailingNewline := splitLines(parentCode)
	placements := make([]placement, 0, len(d.Hunks))
	for i, h := range d.Hunks {
		start, end, err := locate(lines, h)
		if err != nil {
			return "", &ApplyError{Hunk: i, Reason: err.Error()}
		}
		placements = append(placements, placement{hunk: i, start: start, end: end})
	}

	sort.SliceStable(placements, func(i, j int) bool {
		return placements[i].start < placements[j].start
	})
	for i := 1; i < len(placements); i++ {
		prev, cur := placements[i-1], placements[i]
		if cur.start < prev.end {
			return "", &ApplyError{
				Hunk:   cur.hunk,
				Reason: fmt.Sprintf("overlaps hunk %d", prev.hunk),
			}
		}
	}

	out := make([]string, 0, len(lines))
	cursor := 0
	for _, p := range placements {
		out = append(out, lines[cursor:p.start]...)
		out = append(out, d.Hunks[p.hunk].Replacement...)
		cursor = p.end
	}
	out = append(out, lines[cursor:]...)

	child := strings.Join(out, "\n")
	if trailingNewline && len(out) > 0 {
		child += "\n"
	}
	return child, nil
}

// locate returns the half-open line span a hunk replaces.
func locate(lines []string, h model.Hunk) (int, int, error) {
	if len(h.Anchor) == 0 {
		if h.Range == nil {
			return 0, 0, errors.New("hunk has neither anchor nor line range")
		}
		r := *h.Range
		if r.Start < 1 || r.End < r.Start-1 || r.End > len(lines) {
			return 0, 0, fmt.Errorf("line range %d-%d outside 1-%d", r.Start, r.End, len(lines))
		}
		return r.Start - 1, r.End, nil
	}

	matches := findAnchor(lines, h.Anchor, exactLine)
	if len(matches) == 0 {
		matches = findAnchor(lines, h.Anchor, looseLine)
	}
	switch len(matches) {
	case 0:
		return 0, 0, fmt.Errorf("anchor %q not found", preview(h.Anchor))
	case 1:
		return matches[0], matches[0] + len(h.Anchor), nil
	default:
		return 0, 0, fmt.Errorf("anchor %q matches %d locations", preview(h.Anchor), len(matches))
	}
}

func findAnchor(lines, anchor []string, equal func(a, b string) bool) []int {
	var matches []int
	for start := 0; start+len(anchor) <= len(lines); start++ {
		ok := true
		for k := range anchor {
			if !equal(lines[start+k], anchor[k]) {
				ok = false
				break
			}
		}
		if ok {
			matches = append(matches, start)
		}
	}
	return matches
}

func exactLine(a, b string) bool {
	return a == b
}

// looseLine compares lines with runs of whitespace collapsed and the ends
// trimmed. Line boundaries are never merged or split.
func looseLine(a, b string) bool {
	return strings.Join(strings.Fields(a), " ") == strings.Join(strings.Fields(b), " ")
}

func splitLines(code string) ([]string, bool) {
	if code == "" {
		return nil, false
	}
	trailing := strings.HasSuffix(code, "\n")
	code = strings.TrimSuffix(code, "\n")
	return strings.Split(code, "\n"), trailing
}

func preview(anchor []string) string {
	first := strings.TrimSpace(anchor[0])
	if len(first) > 40 {
		first = first[:40] + "..."
	}
	if len(anchor) > 1 {
		return fmt.Sprintf("%s (+%d lines)", first, len(anchor)-1)
	}
	return first
}

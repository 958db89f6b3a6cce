package diff

import (
	"errors"
	"fmt"
	"strings"

	godiff "github.com/sourcegraph/go-diff/diff"

	"codevolve/internal/model"
)

var ErrMalformedDiff = errors.New("malformed diff")

const (
	searchMarker  = "<<<<<<< SEARCH"
	dividerMarker = "======="
	replaceMarker = ">>>>>>> REPLACE"
)

// Parse reads generator output as either SEARCH/REPLACE blocks or unified
// diff hunks. Markdown code fences around either form are ignored.
func Parse(text string) (model.Diff, error) {
	switch {
	case strings.Contains(text, searchMarker):
		return parseBlocks(text)
	case hasHunkHeader(text):
		return parseUnified(text)
	default:
		return model.Diff{}, fmt.Errorf("%w: no SEARCH/REPLACE blocks or @@ hunks", ErrMalformedDiff)
	}
}

func parseBlocks(text string) (model.Diff, error) {
	const (
		outside = iota
		inSearch
		inReplace
	)

	var (
		d       model.Diff
		state   = outside
		current model.Hunk
	)
	for n, line := range strings.Split(normalizeNewlines(text), "\n") {
		marker := strings.TrimSpace(line)
		switch state {
		case outside:
			if marker == searchMarker {
				current = model.Hunk{Anchor: []string{}, Replacement: []string{}}
				state = inSearch
			}
		case inSearch:
			switch marker {
			case dividerMarker:
				state = inReplace
			case searchMarker, replaceMarker:
				return model.Diff{}, fmt.Errorf("%w: line %d: unexpected %q inside SEARCH", ErrMalformedDiff, n+1, marker)
			default:
				current.Anchor = append(current.Anchor, line)
			}
		case inReplace:
			switch marker {
			case replaceMarker:
				if len(current.Anchor) == 0 {
					return model.Diff{}, fmt.Errorf("%w: line %d: empty SEARCH section", ErrMalformedDiff, n+1)
				}
				d.Hunks = append(d.Hunks, current)
				state = outside
			case searchMarker, dividerMarker:
				return model.Diff{}, fmt.Errorf("%w: line %d: unexpected %q inside REPLACE", ErrMalformedDiff, n+1, marker)
			default:
				current.Replacement = append(current.Replacement, line)
			}
		}
	}
	if state != outside {
		return model.Diff{}, fmt.Errorf("%w: unterminated SEARCH/REPLACE block", ErrMalformedDiff)
	}
	if len(d.Hunks) == 0 {
		return model.Diff{}, fmt.Errorf("%w: no complete SEARCH/REPLACE blocks", ErrMalformedDiff)
	}
	return d, nil
}

// parseUnified converts @@ hunks into anchored hunks: context and removed
// lines form the anchor, context and added lines form the replacement.
func parseUnified(text string) (model.Diff, error) {
	lines := strings.Split(normalizeNewlines(text), "\n")
	start := -1
	for i, line := range lines {
		if strings.HasPrefix(line, "@@") {
			start = i
			break
		}
	}
	if start < 0 {
		return model.Diff{}, fmt.Errorf("%w: no @@ hunk header", ErrMalformedDiff)
	}
	body := make([]string, 0, len(lines)-start)
	for _, line := range lines[start:] {
		if strings.HasPrefix(line, "```") {
			break
		}
		body = append(body, line)
	}
	for len(body) > 0 && body[len(body)-1] == "" {
		body = body[:len(body)-1]
	}

	hunks, err := godiff.ParseHunks([]byte(strings.Join(body, "\n") + "\n"))
	if err != nil {
		return model.Diff{}, fmt.Errorf("%w: %v", ErrMalformedDiff, err)
	}
	if len(hunks) == 0 {
		return model.Diff{}, fmt.Errorf("%w: no hunks", ErrMalformedDiff)
	}

	var d model.Diff
	for _, h := range hunks {
		hunk := model.Hunk{Anchor: []string{}, Replacement: []string{}}
		for _, line := range strings.Split(strings.TrimSuffix(string(h.Body), "\n"), "\n") {
			if line == "" {
				hunk.Anchor = append(hunk.Anchor, "")
				hunk.Replacement = append(hunk.Replacement, "")
				continue
			}
			switch line[0] {
			case ' ':
				hunk.Anchor = append(hunk.Anchor, line[1:])
				hunk.Replacement = append(hunk.Replacement, line[1:])
			case '-':
				hunk.Anchor = append(hunk.Anchor, line[1:])
			case '+':
				hunk.Replacement = append(hunk.Replacement, line[1:])
			case '\\':
				// "\ No newline at end of file"
			default:
				return model.Diff{}, fmt.Errorf("%w: unexpected hunk line %q", ErrMalformedDiff, line)
			}
		}
		if len(hunk.Anchor) == 0 {
			at := int(h.OrigStartLine)
			hunk.Range = &model.LineRange{Start: at + 1, End: at}
		}
		d.Hunks = append(d.Hunks, hunk)
	}
	return d, nil
}

func hasHunkHeader(text string) bool {
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(line, "@@") {
			return true
		}
	}
	return false
}

func normalizeNewlines(text string) string {
	return strings.ReplaceAll(text, "\r\n", "\n")
}

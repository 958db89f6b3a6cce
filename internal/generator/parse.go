package generator

import (
	"fmt"
	"strings"

	"codevolve/internal/diff"
)

// ParseResponse interprets generator text according to mode. Empty code or an
// unparsable diff yields ErrMalformedResponse.
func ParseResponse(text string, mode Mode) (Proposal, error) {
	switch mode {
	case ModeDiff:
		d, err := diff.Parse(text)
		if err != nil {
			return Proposal{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
		if len(d.Hunks) == 0 {
			return Proposal{}, fmt.Errorf("%w: diff has no hunks", ErrMalformedResponse)
		}
		return Proposal{Diff: &d}, nil
	case ModeFullRewrite, "":
		code := StripFences(text)
		if strings.TrimSpace(code) == "" {
			return Proposal{}, fmt.Errorf("%w: empty code", ErrMalformedResponse)
		}
		return Proposal{Code: code}, nil
	default:
		return Proposal{}, fmt.Errorf("%w: unknown mode %q", ErrMalformedResponse, mode)
	}
}

// StripFences returns the body of the first markdown code fence in text, or
// text itself when there is none.
func StripFences(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	start := strings.Index(text, "```")
	if start < 0 {
		return ensureNewline(strings.TrimSpace(text))
	}
	body := text[start+3:]
	// Drop the language tag on the opening fence line.
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		body = body[nl+1:]
	} else {
		return ""
	}
	if end := strings.Index(body, "```"); end >= 0 {
		body = body[:end]
	}
	return ensureNewline(strings.TrimRight(body, " \t\n"))
}

func ensureNewline(s string) string {
	if s == "" || strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}

// Package generator models the external code-generation service as a single
// capability: a prompt and a mode go in, full code or a Diff comes out.
package generator

import (
	"context"
	"errors"
	"fmt"

	"codevolve/internal/model"
)

var (
	ErrGeneratorUnavailable = errors.New("generator unavailable")
	ErrMalformedResponse    = errors.New("malformed generator response")
)

type Mode string

const (
	ModeFullRewrite Mode = "full-rewrite"
	ModeDiff        Mode = "diff"
)

func (m Mode) Valid() bool {
	return m == ModeFullRewrite || m == ModeDiff
}

type Request struct {
	Prompt   string
	Mode     Mode
	ParentID string
}

// Proposal carries exactly one of Code or Diff, depending on the request mode.
type Proposal struct {
	Code string
	Diff *model.Diff
}

type Proposer interface {
	Propose(ctx context.Context, req Request) (Proposal, error)
}

// ProposerFunc adapts a plain function to Proposer.
type ProposerFunc func(ctx context.Context, req Request) (Proposal, error)

func (f ProposerFunc) Propose(ctx context.Context, req Request) (Proposal, error) {
	return f(ctx, req)
}

// Completer is a raw text backend such as a chat-completion API.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// TextProposer turns a Completer into a Proposer by parsing its replies.
type TextProposer struct {
	Completer Completer
}

func (p TextProposer) Propose(ctx context.Context, req Request) (Proposal, error) {
	if p.Completer == nil {
		return Proposal{}, fmt.Errorf("%w: no completer configured", ErrGeneratorUnavailable)
	}
	text, err := p.Completer.Complete(ctx, req.Prompt)
	if err != nil {
		return Proposal{}, err
	}
	proposal, err := ParseResponse(text, req.Mode)
	if err != nil {
		return Proposal{}, err
	}
	if proposal.Diff != nil {
		proposal.Diff.ParentID = req.ParentID
	}
	return proposal, nil
}

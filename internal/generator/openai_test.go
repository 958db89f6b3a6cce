package generator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAIProposerRoundTrip(t *testing.T) {
	var gotModel, gotPrompt string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		gotModel = body.Model
		if n := len(body.Messages); n > 0 {
			gotPrompt = body.Messages[n-1].Content
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"choices": [{"index": 0, "finish_reason": "stop",
				"message": {"role": "assistant", "content": "` + "```python\\ndef solve(x):\\n    return x * 2\\n```" + `"}}],
			"usage": {"prompt_tokens": 5, "completion_tokens": 7, "total_tokens": 12}
		}`))
	}))
	defer srv.Close()

	proposer, err := NewOpenAIProposer(OpenAIOptions{APIKey: "test", Model: "test-model", BaseURL: srv.URL}, nil)
	require.NoError(t, err)

	proposal, err := proposer.Propose(context.Background(), Request{Prompt: "double it", Mode: ModeFullRewrite})
	require.NoError(t, err)
	assert.Equal(t, "def solve(x):\n    return x * 2\n", proposal.Code)
	assert.Equal(t, "test-model", gotModel)
	assert.Equal(t, "double it", gotPrompt)
}

func TestOpenAIProposerServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	proposer, err := NewOpenAIProposer(OpenAIOptions{APIKey: "test", Model: "m", BaseURL: srv.URL}, nil)
	require.NoError(t, err)

	_, err = NewRetrying(proposer, fastPolicy(2), nil).Propose(context.Background(), Request{Prompt: "p"})
	require.ErrorIs(t, err, ErrGeneratorUnavailable)
}

func TestNewOpenAICompleterRequiresKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	_, err := NewOpenAICompleter(OpenAIOptions{}, nil)
	require.Error(t, err)
}

func TestTextProposerStampsParent(t *testing.T) {
	completer := completerFunc(func(context.Context, string) (string, error) {
		return "<<<<<<< SEARCH\na\n=======\nb\n>>>>>>> REPLACE\n", nil
	})
	proposal, err := TextProposer{Completer: completer}.Propose(context.Background(), Request{Mode: ModeDiff, ParentID: "p1"})
	require.NoError(t, err)
	require.NotNil(t, proposal.Diff)
	assert.Equal(t, "p1", proposal.Diff.ParentID)
}

type completerFunc func(ctx context.Context, prompt string) (string, error)

func (f completerFunc) Complete(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

package generator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"
)

const defaultSystemPrompt = "You are an expert Python programmer. Reply with code or SEARCH/REPLACE blocks only."

type OpenAIOptions struct {
	APIKey       string
	Model        string
	BaseURL      string
	Temperature  float32
	SystemPrompt string
}

// OpenAICompleter sends prompts to a chat-completion endpoint.
type OpenAICompleter struct {
	client *openai.Client
	opts   OpenAIOptions
	logger *slog.Logger
}

// NewOpenAICompleter falls back to OPENAI_API_KEY and OPENAI_MODEL when the
// options leave them empty.
func NewOpenAICompleter(opts OpenAIOptions, logger *slog.Logger) (*OpenAICompleter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.APIKey == "" {
		opts.APIKey = strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	}
	if opts.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
	}
	if opts.Model == "" {
		opts.Model = os.Getenv("OPENAI_MODEL")
	}
	if opts.Model == "" {
		opts.Model = openai.GPT4oMini
		logger.Warn("OPENAI_MODEL not set, defaulting", "model", opts.Model)
	}
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = defaultSystemPrompt
	}

	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	logger.Info("initializing openai completer", "model", opts.Model)
	return &OpenAICompleter{client: openai.NewClientWithConfig(cfg), opts: opts, logger: logger}, nil
}

func (o *OpenAICompleter) Complete(ctx context.Context, prompt string) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: o.opts.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: o.opts.SystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: o.opts.Temperature,
	}
	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: openai returned no choices", ErrMalformedResponse)
	}
	o.logger.Debug("openai completion received",
		"finish_reason", resp.Choices[0].FinishReason,
		"total_tokens", resp.Usage.TotalTokens)
	return resp.Choices[0].Message.Content, nil
}

// NewOpenAIProposer wires an OpenAI completer behind response parsing.
func NewOpenAIProposer(opts OpenAIOptions, logger *slog.Logger) (Proposer, error) {
	completer, err := NewOpenAICompleter(opts, logger)
	if err != nil {
		return nil, err
	}
	return TextProposer{Completer: completer}, nil
}

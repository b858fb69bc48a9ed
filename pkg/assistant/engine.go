package assistant

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIEngine generates replies through an OpenAI-compatible chat
// completions endpoint. The composed prompt already carries the persona
// and transcript, so it is sent as a single user message; this keeps the
// engine working against plain llama.cpp and vLLM servers that expect
// raw text rather than structured chat state.
type OpenAIEngine struct {
	client openai.Client
	model  string
}

// NewOpenAIEngine builds an engine for the given endpoint. baseURL may be
// empty for the default OpenAI endpoint; apiKey may be a placeholder for
// local servers that ignore it.
func NewOpenAIEngine(baseURL, apiKey, model string) (*OpenAIEngine, error) {
	if model == "" {
		return nil, fmt.Errorf("assistant: engine model is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIEngine{
		client: openai.NewClient(opts...),
		model:  model,
	}, nil
}

func (e *OpenAIEngine) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := e.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: e.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion: no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

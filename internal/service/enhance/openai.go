package enhance

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"
)

// openaiBackend talks to any OpenAI-compatible chat completions API
// (OpenAI, Groq, DeepSeek).
type openaiBackend struct {
	client      oai.Client
	temperature float64
	maxTokens   int64
}

func newOpenAIBackend(cfg Config) *openaiBackend {
	reqOpts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		// A 429 must reach the model fallback loop.
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}))
	}
	return &openaiBackend{
		client:      oai.NewClient(reqOpts...),
		temperature: cfg.Temperature,
		maxTokens:   int64(cfg.MaxTokens),
	}
}

func (b *openaiBackend) complete(ctx context.Context, model, system, prompt string) (string, error) {
	params := oai.ChatCompletionNewParams{
		Model: shared.ChatModel(model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(system),
			oai.UserMessage(prompt),
		},
		Temperature: param.NewOpt(b.temperature),
	}
	if b.maxTokens > 0 {
		params.MaxTokens = param.NewOpt(b.maxTokens)
	}

	resp, err := b.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apierr *oai.Error
		if errors.As(err, &apierr) && apierr.StatusCode == http.StatusTooManyRequests {
			return "", fmt.Errorf("%w: %v", ErrRateLimited, err)
		}
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	return resp.Choices[0].Message.Content, nil
}

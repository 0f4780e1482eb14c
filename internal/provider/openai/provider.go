// Package openai implements OpenAI-compatible chat completion providers
// (OpenAI, DeepSeek and any endpoint speaking the same API).
package openai

import (
	"context"
	"fmt"

	sdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/julianshen/cpghunter/internal/provider"
)

// DeepSeekBaseURL is used by the "deepseek" provider when no base URL is
// configured.
const DeepSeekBaseURL = "https://api.deepseek.com/v1"

func init() {
	provider.RegisterProvider("openai", func(opts provider.Options) (provider.LLMProvider, error) {
		return New("openai", opts), nil
	})
	provider.RegisterProvider("deepseek", func(opts provider.Options) (provider.LLMProvider, error) {
		if opts.BaseURL == "" {
			opts.BaseURL = DeepSeekBaseURL
		}
		return New("deepseek", opts), nil
	})
}

// Provider implements the LLMProvider interface for OpenAI-compatible APIs.
type Provider struct {
	name   string
	client sdk.Client
}

// New creates a new OpenAI-compatible provider reporting the given name.
func New(name string, opts provider.Options) *Provider {
	reqOpts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	for k, v := range opts.ExtraHeaders {
		reqOpts = append(reqOpts, option.WithHeader(k, v))
	}
	return &Provider{name: name, client: sdk.NewClient(reqOpts...)}
}

// Name implements provider.LLMProvider.
func (p *Provider) Name() string { return p.name }

// Complete sends a chat completion with an optional system message and one
// user message.
func (p *Provider) Complete(ctx context.Context, req provider.CompletionRequest) (*provider.CompletionResponse, error) {
	var messages []sdk.ChatCompletionMessageParamUnion
	if req.System != "" {
		messages = append(messages, sdk.SystemMessage(req.System))
	}
	messages = append(messages, sdk.UserMessage(req.Prompt))

	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(req.Model),
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = sdk.Int(int64(req.MaxTokens))
	}
	if req.Temperature != nil {
		params.Temperature = sdk.Float(*req.Temperature)
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion: empty choices")
	}
	return &provider.CompletionResponse{
		Text:         resp.Choices[0].Message.Content,
		Model:        resp.Model,
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
	}, nil
}

// Package anthropic implements the Anthropic Messages API provider on top
// of the official SDK.
package anthropic

import (
	"context"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/julianshen/cpghunter/internal/provider"
)

func init() {
	provider.RegisterProvider("anthropic", func(opts provider.Options) (provider.LLMProvider, error) {
		return New(opts), nil
	})
}

// Provider implements the LLMProvider interface for the Anthropic API.
type Provider struct {
	client sdk.Client
}

// New creates a new Anthropic provider. An empty BaseURL uses the public
// endpoint.
func New(opts provider.Options) *Provider {
	reqOpts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	for k, v := range opts.ExtraHeaders {
		reqOpts = append(reqOpts, option.WithHeader(k, v))
	}
	return &Provider{client: sdk.NewClient(reqOpts...)}
}

// Name implements provider.LLMProvider.
func (p *Provider) Name() string { return "anthropic" }

// Complete sends a single-turn Messages request and concatenates the text
// blocks of the reply.
func (p *Provider) Complete(ctx context.Context, req provider.CompletionRequest) (*provider.CompletionResponse, error) {
	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: int64(req.MaxTokens),
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature != nil {
		params.Temperature = sdk.Float(*req.Temperature)
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("messages request: %w", err)
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return &provider.CompletionResponse{
		Text:         b.String(),
		Model:        string(msg.Model),
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}, nil
}

// Package gemini implements the Google Gemini provider.
package gemini

import (
	"context"
	"fmt"
	"net/http"

	"google.golang.org/genai"

	"github.com/julianshen/cpghunter/internal/provider"
)

func init() {
	provider.RegisterProvider("gemini", func(opts provider.Options) (provider.LLMProvider, error) {
		return New(context.Background(), opts)
	})
}

// Provider implements the LLMProvider interface for the Gemini API.
type Provider struct {
	client *genai.Client
}

// New creates a Gemini provider. The client is created eagerly but does
// not contact the API until the first request.
func New(ctx context.Context, opts provider.Options) (*Provider, error) {
	cc := &genai.ClientConfig{
		APIKey:  opts.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if opts.BaseURL != "" || len(opts.ExtraHeaders) > 0 {
		headers := http.Header{}
		for k, v := range opts.ExtraHeaders {
			headers.Set(k, v)
		}
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: opts.BaseURL, Headers: headers}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	return &Provider{client: client}, nil
}

// Name implements provider.LLMProvider.
func (p *Provider) Name() string { return "gemini" }

// Complete implements provider.LLMProvider.
func (p *Provider) Complete(ctx context.Context, req provider.CompletionRequest) (*provider.CompletionResponse, error) {
	resp, err := p.client.Models.GenerateContent(ctx, req.Model, genai.Text(req.Prompt), generateConfig(req))
	if err != nil {
		return nil, fmt.Errorf("generate content: %w", err)
	}
	out := &provider.CompletionResponse{Text: resp.Text(), Model: req.Model}
	if resp.UsageMetadata != nil {
		out.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		out.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return out, nil
}

func generateConfig(req provider.CompletionRequest) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.Temperature != nil {
		cfg.Temperature = genai.Ptr(float32(*req.Temperature))
	}
	return cfg
}

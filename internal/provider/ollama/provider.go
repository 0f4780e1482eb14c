// Package ollama implements the provider for a local Ollama server.
package ollama

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"

	"github.com/julianshen/cpghunter/internal/provider"
)

// DefaultBaseURL is used when no base URL is configured.
const DefaultBaseURL = "http://localhost:11434"

func init() {
	provider.RegisterProvider("ollama", func(opts provider.Options) (provider.LLMProvider, error) {
		return New(opts), nil
	})
}

// Provider implements the LLMProvider interface for Ollama.
type Provider struct {
	client *resty.Client
}

// New creates a new Ollama provider.
func New(opts provider.Options) *Provider {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader("Content-Type", "application/json").
		SetHeaders(opts.ExtraHeaders)
	if opts.APIKey != "" {
		client.SetAuthToken(opts.APIKey)
	}
	return &Provider{client: client}
}

// generateRequest is the body of POST /api/generate.
type generateRequest struct {
	Model   string      `json:"model"`
	System  string      `json:"system,omitempty"`
	Prompt  string      `json:"prompt"`
	Stream  bool        `json:"stream"`
	Options *apiOptions `json:"options,omitempty"`
}

type apiOptions struct {
	NumPredict  int      `json:"num_predict,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

type generateResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Name implements provider.LLMProvider.
func (p *Provider) Name() string { return "ollama" }

// Complete sends a non-streaming generate request.
func (p *Provider) Complete(ctx context.Context, req provider.CompletionRequest) (*provider.CompletionResponse, error) {
	body := generateRequest{
		Model:  req.Model,
		System: req.System,
		Prompt: req.Prompt,
	}
	if req.MaxTokens > 0 || req.Temperature != nil {
		body.Options = &apiOptions{NumPredict: req.MaxTokens, Temperature: req.Temperature}
	}

	var result generateResponse
	var apiErr errorResponse
	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&result).
		SetError(&apiErr).
		Post("/api/generate")
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		msg := apiErr.Error
		if msg == "" {
			msg = strings.TrimSpace(resp.String())
		}
		return nil, fmt.Errorf("ollama: HTTP %d: %s", resp.StatusCode(), msg)
	}
	return &provider.CompletionResponse{
		Text:         result.Response,
		Model:        result.Model,
		InputTokens:  result.PromptEvalCount,
		OutputTokens: result.EvalCount,
	}, nil
}

// Version returns the server version via GET /api/version.
func (p *Provider) Version(ctx context.Context) (string, error) {
	var result struct {
		Version string `json:"version"`
	}
	resp, err := p.client.R().SetContext(ctx).SetResult(&result).Get("/api/version")
	if err != nil {
		return "", fmt.Errorf("checking version: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("checking version: HTTP %d", resp.StatusCode())
	}
	return result.Version, nil
}

// Ping reports whether the server answers.
func (p *Provider) Ping(ctx context.Context) error {
	_, err := p.Version(ctx)
	return err
}

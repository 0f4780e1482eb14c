package provider

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrRequestFailed reports a request the provider rejected or could not
	// answer.
	ErrRequestFailed = errors.New("llm request failed")
	// ErrTimeout reports a request that ran out of time.
	ErrTimeout = errors.New("llm request timed out")
)

// LLMProvider defines the interface for interacting with an LLM provider.
type LLMProvider interface {
	Name() string
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// CompletionRequest is a single-turn completion: an optional system prompt
// and one user prompt.
type CompletionRequest struct {
	Model       string   `json:"model"`
	System      string   `json:"system,omitempty"`
	Prompt      string   `json:"prompt"`
	MaxTokens   int      `json:"max_tokens"`
	Temperature *float64 `json:"temperature,omitempty"`
}

// CompletionResponse is the text returned by the model.
type CompletionResponse struct {
	Text         string `json:"text"`
	Model        string `json:"model,omitempty"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
	// Cached is set when the response came from the local cache.
	Cached bool `json:"-"`
}

// Options are handed to provider constructors.
type Options struct {
	BaseURL      string
	APIKey       string
	ExtraHeaders map[string]string
}

// Float returns a pointer to v, for CompletionRequest.Temperature.
func Float(v float64) *float64 {
	return &v
}

// WrapError classifies a transport error from a provider: deadline and
// cancellation become ErrTimeout, anything else ErrRequestFailed.
func WrapError(ctx context.Context, name string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrRequestFailed) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %v", ErrTimeout, name, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrRequestFailed, name, err)
}

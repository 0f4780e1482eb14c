package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/julianshen/cpghunter/internal/provider"
)

func TestCompleteTextResponse(t *testing.T) {
	var body map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-api-key", r.Header.Get("x-api-key"))
		assert.Equal(t, "yes", r.Header.Get("X-Trace"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "msg_1",
			"type": "message",
			"role": "assistant",
			"model": "claude-sonnet-4-5",
			"content": [{"type": "text", "text": "{\"confidence\": 0.4}"}, {"type": "text", "text": " done"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 12, "output_tokens": 7}
		}`))
	}))
	defer server.Close()

	p := New(provider.Options{BaseURL: server.URL, APIKey: "test-api-key", ExtraHeaders: map[string]string{"X-Trace": "yes"}})
	resp, err := p.Complete(context.Background(), provider.CompletionRequest{
		Model:       "claude-sonnet-4-5",
		System:      "You are a security analyst.",
		Prompt:      "Assess this flow.",
		MaxTokens:   256,
		Temperature: provider.Float(0.1),
	})
	require.NoError(t, err)

	assert.Equal(t, `{"confidence": 0.4} done`, resp.Text)
	assert.Equal(t, 12, resp.InputTokens)
	assert.Equal(t, 7, resp.OutputTokens)

	assert.Equal(t, "claude-sonnet-4-5", body["model"])
	assert.EqualValues(t, 256, body["max_tokens"])
	assert.InDelta(t, 0.1, body["temperature"], 1e-9)
	system, ok := body["system"].([]any)
	require.True(t, ok)
	require.Len(t, system, 1)
	assert.Equal(t, "You are a security analyst.", system[0].(map[string]any)["text"])
}

func TestCompleteAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"type":"error","error":{"type":"invalid_request_error","message":"max_tokens too large"}}`))
	}))
	defer server.Close()

	p := New(provider.Options{BaseURL: server.URL, APIKey: "k"})
	_, err := p.Complete(context.Background(), provider.CompletionRequest{Model: "m", Prompt: "x", MaxTokens: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "messages request")
}

func TestName(t *testing.T) {
	assert.Equal(t, "anthropic", New(provider.Options{APIKey: "k"}).Name())
}

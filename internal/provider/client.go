package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/time/rate"
)

// ResponseCache stores completions by request key. It is implemented by
// store.Store.
type ResponseCache interface {
	GetResponse(key string) (string, bool, error)
	PutResponse(key, model, text string) error
}

// ClientConfig holds request defaults and limits for a Client.
type ClientConfig struct {
	Model       string
	MaxTokens   int
	Temperature *float64
	// Timeout bounds each request; zero means no extra bound.
	Timeout time.Duration
	// RequestsPerSecond throttles requests; zero disables throttling.
	RequestsPerSecond float64
	Cache             ResponseCache
	Logger            hclog.Logger
}

// Client wraps an LLMProvider with request defaults, a rate limiter, a
// per-request timeout and an optional response cache. It is safe for
// concurrent use.
type Client struct {
	provider LLMProvider
	cfg      ClientConfig
	limiter  *rate.Limiter
	logger   hclog.Logger
}

// NewClient creates a Client for p.
func NewClient(p LLMProvider, cfg ClientConfig) *Client {
	c := &Client{provider: p, cfg: cfg, logger: cfg.Logger}
	if c.logger == nil {
		c.logger = hclog.NewNullLogger()
	}
	if cfg.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return c
}

// Provider returns the wrapped provider.
func (c *Client) Provider() LLMProvider {
	return c.provider
}

// Complete sends one prompt with the configured defaults.
func (c *Client) Complete(ctx context.Context, system, prompt string) (*CompletionResponse, error) {
	return c.Do(ctx, CompletionRequest{System: system, Prompt: prompt})
}

// Do sends req, filling unset fields from the client defaults. Cached
// responses bypass the rate limiter.
func (c *Client) Do(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	if req.Model == "" {
		req.Model = c.cfg.Model
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = c.cfg.MaxTokens
	}
	if req.Temperature == nil {
		req.Temperature = c.cfg.Temperature
	}

	key := CacheKey(req)
	if c.cfg.Cache != nil {
		text, ok, err := c.cfg.Cache.GetResponse(key)
		if err != nil {
			c.logger.Warn("response cache lookup failed", "error", err)
		} else if ok {
			c.logger.Trace("response cache hit", "key", key)
			return &CompletionResponse{Text: text, Model: req.Model, Cached: true}, nil
		}
	}

	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, WrapError(ctx, c.provider.Name(), fmt.Errorf("rate limiter: %w", err))
		}
	}

	start := time.Now()
	resp, err := c.provider.Complete(ctx, req)
	if err != nil {
		return nil, WrapError(ctx, c.provider.Name(), err)
	}
	c.logger.Debug("completion", "provider", c.provider.Name(), "model", req.Model,
		"input_tokens", resp.InputTokens, "output_tokens", resp.OutputTokens, "duration", time.Since(start))

	if c.cfg.Cache != nil {
		if err := c.cfg.Cache.PutResponse(key, req.Model, resp.Text); err != nil {
			c.logger.Warn("caching response failed", "error", err)
		}
	}
	return resp, nil
}

// CacheKey identifies a request by everything that influences the answer.
func CacheKey(req CompletionRequest) string {
	temp := "default"
	if req.Temperature != nil {
		temp = strconv.FormatFloat(*req.Temperature, 'g', -1, 64)
	}
	h := sha256.New()
	for _, part := range []string{req.Model, req.System, req.Prompt, strconv.Itoa(req.MaxTokens), temp} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

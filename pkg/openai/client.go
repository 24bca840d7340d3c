// Package openai adapts the OpenAI-compatible API to the embedding and
// generation capabilities the engine consumes. Outbound calls go through a
// circuit breaker and a client-side rate limiter.
package openai

import (
	"context"
	"errors"
	"fmt"

	gopenai "github.com/sashabaranov/go-openai"

	"github.com/isuwiki/isuwiki/pkg/resilience"
)

// Config selects the backend endpoint and models.
type Config struct {
	APIKey         string
	BaseURL        string // empty uses the public API
	EmbedModel     string
	ChatModel      string
	Temperature    float32
	RequestsPerSec float64
	Burst          int
}

// DefaultConfig returns production defaults for the given API key.
func DefaultConfig(apiKey string) Config {
	return Config{
		APIKey:         apiKey,
		EmbedModel:     string(gopenai.AdaEmbeddingV2),
		ChatModel:      gopenai.GPT4oMini,
		Temperature:    0.3,
		RequestsPerSec: 5,
		Burst:          10,
	}
}

// Client implements the engine's Embedder and Generator capabilities.
type Client struct {
	api     *gopenai.Client
	cfg     Config
	breaker *resilience.Breaker
	limiter *resilience.Limiter
}

// New creates a Client.
func New(cfg Config) *Client {
	apiCfg := gopenai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = cfg.BaseURL
	}
	return &Client{
		api:     gopenai.NewClientWithConfig(apiCfg),
		cfg:     cfg,
		breaker: resilience.NewBreaker(resilience.DefaultBreakerOpts),
		limiter: resilience.NewLimiter(resilience.LimiterOpts{Rate: cfg.RequestsPerSec, Burst: cfg.Burst}),
	}
}

// EmbedBatch embeds texts in one API call, returning one vector per input in
// input order.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var resp gopenai.EmbeddingResponse
	err := c.guard(ctx, func(ctx context.Context) error {
		var err error
		resp, err = c.api.CreateEmbeddings(ctx, gopenai.EmbeddingRequest{
			Input: texts,
			Model: gopenai.EmbeddingModel(c.cfg.EmbedModel),
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("openai: embed batch of %d: %w", len(texts), err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai: embed batch: got %d vectors for %d inputs", len(resp.Data), len(texts))
	}

	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("openai: embed batch: index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

// Complete runs one chat completion with a system and user message.
func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	var resp gopenai.ChatCompletionResponse
	err := c.guard(ctx, func(ctx context.Context) error {
		var err error
		resp, err = c.api.CreateChatCompletion(ctx, gopenai.ChatCompletionRequest{
			Model:       c.cfg.ChatModel,
			Temperature: c.cfg.Temperature,
			Messages: []gopenai.ChatCompletionMessage{
				{Role: gopenai.ChatMessageRoleSystem, Content: system},
				{Role: gopenai.ChatMessageRoleUser, Content: user},
			},
		})
		return err
	})
	if err != nil {
		return "", fmt.Errorf("openai: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai: completion: no choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}

// guard wraps an outbound call in the rate limiter and circuit breaker.
func (c *Client) guard(ctx context.Context, f func(context.Context) error) error {
	return c.limiter.CallWait(ctx, func(ctx context.Context) error {
		return c.breaker.Call(ctx, f)
	})
}

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// OllamaClient talks to a local Ollama server for embeddings and synthesis.
type OllamaClient struct {
	baseURL    string
	embedModel string
	synthModel string
	dimension  int

	httpClient *http.Client
	timeout    time.Duration
	maxRetries int
	baseDelay  time.Duration

	limiter *rate.Limiter
	breaker *Breaker
}

// OllamaConfig carries the provider settings for an Ollama client.
type OllamaConfig struct {
	BaseURL        string
	EmbedModel     string
	SynthModel     string
	Dimension      int
	Timeout        time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
	RequestsPerSec float64
}

// NewOllamaClient creates a client with breaker and rate limiter wired in.
func NewOllamaClient(cfg OllamaConfig) *OllamaClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RequestsPerSec <= 0 {
		cfg.RequestsPerSec = 10
	}
	return &OllamaClient{
		baseURL:    cfg.BaseURL,
		embedModel: cfg.EmbedModel,
		synthModel: cfg.SynthModel,
		dimension:  cfg.Dimension,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		timeout:    cfg.Timeout,
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.RetryBaseDelay,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), int(cfg.RequestsPerSec)+1),
		breaker:    NewBreaker("ollama", DefaultBreakerConfig()),
	}
}

func (c *OllamaClient) Dimension() int { return c.dimension }
func (c *OllamaClient) Model() string  { return c.embedModel }

// Embed generates an embedding, retrying transient failures.
func (c *OllamaClient) Embed(ctx context.Context, text string) ([]float32, error) {
	var out []float32
	err := withRetry(ctx, c.maxRetries, c.baseDelay, func() error {
		result, err := c.breaker.Execute(func() (any, error) {
			return c.embed(ctx, text)
		})
		if err != nil {
			return err
		}
		out = result.([]float32)
		return nil
	})
	return out, err
}

// Synthesize generates a short completion for the given prompt.
func (c *OllamaClient) Synthesize(ctx context.Context, prompt string) (string, error) {
	var out string
	err := withRetry(ctx, c.maxRetries, c.baseDelay, func() error {
		result, err := c.breaker.Execute(func() (any, error) {
			return c.generate(ctx, prompt)
		})
		if err != nil {
			return err
		}
		out = result.(string)
		return nil
	})
	return out, err
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float64 `json:"embedding"`
}

func (c *OllamaClient) embed(ctx context.Context, text string) ([]float32, error) {
	body, err := c.post(ctx, "/api/embeddings", ollamaEmbedRequest{
		Model:  c.embedModel,
		Prompt: text,
	})
	if err != nil {
		return nil, err
	}

	var resp ollamaEmbedResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decoding ollama embedding response: %w", err)
	}
	if len(resp.Embedding) == 0 {
		return nil, fmt.Errorf("ollama returned empty embedding for model %s", c.embedModel)
	}

	vec := make([]float32, len(resp.Embedding))
	for i, v := range resp.Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}

type ollamaGenerateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
}

func (c *OllamaClient) generate(ctx context.Context, prompt string) (string, error) {
	body, err := c.post(ctx, "/api/generate", ollamaGenerateRequest{
		Model:  c.synthModel,
		Prompt: prompt,
		Stream: false,
	})
	if err != nil {
		return "", err
	}

	var resp ollamaGenerateResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decoding ollama generate response: %w", err)
	}
	return resp.Response, nil
}

func (c *OllamaClient) post(ctx context.Context, path string, payload any) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding ollama request: %w", err)
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling ollama %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading ollama response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama %s returned status %d: %s", path, resp.StatusCode, string(body))
	}
	return body, nil
}

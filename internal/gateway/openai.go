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

// OpenAIClient talks to an OpenAI-compatible API for embeddings and
// synthesis. It works against the hosted API or any server exposing the
// same endpoints.
type OpenAIClient struct {
	baseURL    string
	apiKey     string
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

// OpenAIConfig carries the provider settings for an OpenAI client.
type OpenAIConfig struct {
	BaseURL        string
	APIKey         string
	EmbedModel     string
	SynthModel     string
	Dimension      int
	Timeout        time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
	RequestsPerSec float64
}

// NewOpenAIClient creates a client with breaker and rate limiter wired in.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RequestsPerSec <= 0 {
		cfg.RequestsPerSec = 10
	}
	return &OpenAIClient{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		embedModel: cfg.EmbedModel,
		synthModel: cfg.SynthModel,
		dimension:  cfg.Dimension,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		timeout:    cfg.Timeout,
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.RetryBaseDelay,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), int(cfg.RequestsPerSec)+1),
		breaker:    NewBreaker("openai", DefaultBreakerConfig()),
	}
}

func (c *OpenAIClient) Dimension() int { return c.dimension }
func (c *OpenAIClient) Model() string  { return c.embedModel }

// Embed generates an embedding, retrying transient failures.
func (c *OpenAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
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
func (c *OpenAIClient) Synthesize(ctx context.Context, prompt string) (string, error) {
	var out string
	err := withRetry(ctx, c.maxRetries, c.baseDelay, func() error {
		result, err := c.breaker.Execute(func() (any, error) {
			return c.chat(ctx, prompt)
		})
		if err != nil {
			return err
		}
		out = result.(string)
		return nil
	})
	return out, err
}

type openAIEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

func (c *OpenAIClient) embed(ctx context.Context, text string) ([]float32, error) {
	body, err := c.post(ctx, "/embeddings", openAIEmbedRequest{
		Model: c.embedModel,
		Input: []string{text},
	})
	if err != nil {
		return nil, err
	}

	var resp openAIEmbedResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decoding openai embedding response: %w", err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("openai returned empty embedding for model %s", c.embedModel)
	}

	vec := make([]float32, len(resp.Data[0].Embedding))
	for i, v := range resp.Data[0].Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}

type openAIChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatRequest struct {
	Model    string              `json:"model"`
	Messages []openAIChatMessage `json:"messages"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message openAIChatMessage `json:"message"`
	} `json:"choices"`
}

func (c *OpenAIClient) chat(ctx context.Context, prompt string) (string, error) {
	body, err := c.post(ctx, "/chat/completions", openAIChatRequest{
		Model: c.synthModel,
		Messages: []openAIChatMessage{
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return "", err
	}

	var resp openAIChatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decoding openai chat response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai returned no choices for model %s", c.synthModel)
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *OpenAIClient) post(ctx context.Context, path string, payload any) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding openai request: %w", err)
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling openai %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading openai response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("openai %s returned status %d: %s", path, resp.StatusCode, string(body))
	}
	return body, nil
}

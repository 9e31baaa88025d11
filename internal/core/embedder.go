package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"gwi.com/book-recommender/internal/config"
	"gwi.com/book-recommender/internal/metrics"
)

// Embedder turns text into a fixed-length vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// NewEmbedder builds the embedder selected by cfg.EmbeddingProvider, wrapped in
// a circuit breaker. The returned close func releases provider resources.
func NewEmbedder(ctx context.Context, cfg *config.Config) (Embedder, func(), error) {
	switch cfg.EmbeddingProvider {
	case config.ProviderGemini:
		g, err := NewGeminiEmbedder(ctx, cfg.GeminiAPIKey, cfg.EmbeddingModel, cfg.EmbeddingTimeout)
		if err != nil {
			return nil, nil, err
		}
		return NewBreakerEmbedder(config.ProviderGemini, g), g.Close, nil
	case config.ProviderOpenAI, "":
		o := NewOpenAIEmbedder(OpenAIOptions{
			BaseURL: cfg.OpenAIBaseURL,
			APIKey:  cfg.OpenAIAPIKey,
			Model:   cfg.EmbeddingModel,
			Timeout: cfg.EmbeddingTimeout,
		})
		return NewBreakerEmbedder(config.ProviderOpenAI, o), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown embedding provider %q", cfg.EmbeddingProvider)
	}
}

type OpenAIOptions struct {
	BaseURL    string
	APIKey     string
	Model      string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// OpenAIEmbedder calls an OpenAI-compatible /embeddings endpoint.
type OpenAIEmbedder struct {
	baseURL string
	apiKey  string
	model   string
	timeout time.Duration
	client  *http.Client
}

func NewOpenAIEmbedder(opts OpenAIOptions) *OpenAIEmbedder {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.openai.com/v1"
	}
	if opts.Model == "" {
		opts.Model = "text-embedding-ada-002"
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	return &OpenAIEmbedder{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		apiKey:  opts.APIKey,
		model:   opts.Model,
		timeout: opts.Timeout,
		client:  opts.HTTPClient,
	}
}

type openAIEmbedReq struct {
	Input          string `json:"input"`
	Model          string `json:"model"`
	EncodingFormat string `json:"encoding_format"`
}

type openAIEmbedResp struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *OpenAIEmbedder) Embed(ctx context.Context, text string) (vec []float32, err error) {
	start := time.Now()
	defer func() { observeEmbedding(config.ProviderOpenAI, start, err) }()

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	body, err := json.Marshal(openAIEmbedReq{Input: text, Model: c.model, EncodingFormat: "float"})
	if err != nil {
		return nil, c.fail(0, fmt.Errorf("encode request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, c.fail(0, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, c.fail(0, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.fail(resp.StatusCode, fmt.Errorf("read response: %w", err))
	}

	var result openAIEmbedResp
	decodeErr := json.Unmarshal(raw, &result)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := http.StatusText(resp.StatusCode)
		if decodeErr == nil && result.Error != nil && result.Error.Message != "" {
			msg = result.Error.Message
		}
		return nil, c.fail(resp.StatusCode, errors.New(msg))
	}
	if decodeErr != nil {
		return nil, c.fail(resp.StatusCode, fmt.Errorf("decode response: %w", decodeErr))
	}
	if len(result.Data) == 0 || len(result.Data[0].Embedding) == 0 {
		return nil, c.fail(resp.StatusCode, errors.New("response has no embedding at data[0].embedding"))
	}
	return result.Data[0].Embedding, nil
}

func (c *OpenAIEmbedder) fail(status int, err error) error {
	return &EmbeddingServiceError{Provider: config.ProviderOpenAI, StatusCode: status, Err: err}
}

func observeEmbedding(provider string, start time.Time, err error) {
	metrics.EmbeddingDuration.WithLabelValues(provider).Observe(time.Since(start).Seconds())
	outcome := metrics.OutcomeSuccess
	if err != nil {
		outcome = metrics.OutcomeError
	}
	metrics.EmbeddingRequests.WithLabelValues(provider, outcome).Inc()
}

package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"gwi.com/book-recommender/internal/config"
	"gwi.com/book-recommender/internal/logging"
)

const defaultGeminiEmbeddingModel = "text-embedding-004"

// GeminiEmbedder produces embeddings with the Gemini API.
type GeminiEmbedder struct {
	client  *genai.Client
	model   string
	timeout time.Duration
}

func NewGeminiEmbedder(ctx context.Context, apiKey, model string, timeout time.Duration) (*GeminiEmbedder, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	if model == "" {
		model = defaultGeminiEmbeddingModel
	}
	return &GeminiEmbedder{client: client, model: model, timeout: timeout}, nil
}

func (g *GeminiEmbedder) Close() {
	if g.client == nil {
		return
	}
	if err := g.client.Close(); err != nil {
		logging.Warn().Err(err).Msg("error closing GenAI client")
	}
}

func (g *GeminiEmbedder) Embed(ctx context.Context, text string) (vec []float32, err error) {
	start := time.Now()
	defer func() { observeEmbedding(config.ProviderGemini, start, err) }()

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	res, err := g.client.EmbeddingModel(g.model).EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, &EmbeddingServiceError{Provider: config.ProviderGemini, Err: err}
	}
	if res == nil || res.Embedding == nil || len(res.Embedding.Values) == 0 {
		return nil, &EmbeddingServiceError{Provider: config.ProviderGemini, Err: errors.New("no embedding data received")}
	}
	return res.Embedding.Values, nil
}

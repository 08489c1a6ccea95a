package embed

import (
	"context"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/sentinelstack/sentinel-agent/internal/utils"
)

// OpenAIEmbedder generates embeddings through an OpenAI-compatible API.
type OpenAIEmbedder struct {
	client     *openai.Client
	model      string
	dimensions int
	timeout    time.Duration
}

// NewOpenAIEmbedder constructs an embedder for the given endpoint and model.
// baseURL may be empty to use the default OpenAI endpoint.
func NewOpenAIEmbedder(baseURL, apiKey, model string, dimensions int, timeout time.Duration) (*OpenAIEmbedder, error) {
	if model == "" {
		return nil, utils.E("embed.NewOpenAIEmbedder", utils.KindConfiguration, "embedding model is required", nil)
	}
	if dimensions <= 0 {
		return nil, utils.E("embed.NewOpenAIEmbedder", utils.KindConfiguration, "embedding dimensions must be positive", nil)
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}

	return &OpenAIEmbedder{
		client:     openai.NewClientWithConfig(cfg),
		model:      model,
		dimensions: dimensions,
		timeout:    timeout,
	}, nil
}

// Embed returns the embedding vector for text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      []string{text},
		Model:      openai.EmbeddingModel(e.model),
		Dimensions: e.dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("embedding response contained no data")
	}

	vector := resp.Data[0].Embedding
	if len(vector) != e.dimensions {
		return nil, fmt.Errorf("embedding has %d dimensions, expected %d", len(vector), e.dimensions)
	}
	return vector, nil
}

// Model returns the configured model identifier.
func (e *OpenAIEmbedder) Model() string { return e.model }

// Dimensions returns the configured vector length.
func (e *OpenAIEmbedder) Dimensions() int { return e.dimensions }

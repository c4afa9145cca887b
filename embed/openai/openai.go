// Package openai implements the real-model embedding backend over the OpenAI
// embeddings API. Any OpenAI-compatible provider works via WithBaseURL.
package openai

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Embedding models.
const (
	// ModelSmall is text-embedding-3-small (1536 dims, customizable).
	ModelSmall = "text-embedding-3-small"

	// ModelLarge is text-embedding-3-large (3072 dims, customizable).
	ModelLarge = "text-embedding-3-large"
)

const (
	defaultModel     = ModelSmall
	defaultDimension = 1536
)

// Option customizes the embedder.
type Option func(*settings)

type settings struct {
	model     string
	dimension int
	baseURL   string
}

// WithModel selects the embedding model.
func WithModel(model string) Option {
	return func(s *settings) { s.model = model }
}

// WithDimension requests a specific output dimensionality.
func WithDimension(dim int) Option {
	return func(s *settings) { s.dimension = dim }
}

// WithBaseURL points the client at an OpenAI-compatible provider.
func WithBaseURL(url string) Option {
	return func(s *settings) { s.baseURL = url }
}

// Embedder calls the OpenAI embeddings API.
type Embedder struct {
	client *openai.Client
	model  string
	dim    int
}

// New creates an embedder. The API key is required.
func New(apiKey string, opts ...Option) *Embedder {
	s := settings{model: defaultModel, dimension: defaultDimension}
	for _, o := range opts {
		o(&s)
	}

	clientOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if s.baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(s.baseURL))
	}
	client := openai.NewClient(clientOpts...)

	return &Embedder{
		client: &client,
		model:  s.model,
		dim:    s.dimension,
	}
}

// Embed returns the embedding for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	params := openai.EmbeddingNewParams{
		Model:          e.model,
		Input:          openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: []string{text}},
		Dimensions:     openai.Int(int64(e.dim)),
		EncodingFormat: openai.EmbeddingNewParamsEncodingFormatFloat,
	}

	resp, err := e.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("openai embeddings: empty response")
	}

	vec := make([]float32, len(resp.Data[0].Embedding))
	for i, v := range resp.Data[0].Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}

// Dimension returns the configured vector dimensionality.
func (e *Embedder) Dimension() int { return e.dim }

// Model returns the model identifier.
func (e *Embedder) Model() string { return e.model }

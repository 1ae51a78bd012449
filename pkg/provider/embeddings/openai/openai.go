// Package openai provides an embeddings provider backed by the OpenAI API.
package openai

import (
	"context"
	"fmt"
	"strings"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/param"

	"github.com/MrWong99/roleplay/pkg/provider/embeddings"
	"github.com/MrWong99/roleplay/pkg/provider/oaiclient"
)

// DefaultModel is the model the passage indexes are built with.
const DefaultModel = oai.EmbeddingModelTextEmbedding3Large

// Ensure Provider implements the embeddings.Provider interface.
var _ embeddings.Provider = (*Provider)(nil)

// Provider implements embeddings.Provider using the OpenAI API.
type Provider struct {
	client oai.Client
	model  string
}

// New constructs a new OpenAI Embeddings Provider.
// If model is empty, DefaultModel (text-embedding-3-large) is used.
func New(apiKey string, model string, opts ...oaiclient.Option) (*Provider, error) {
	if model == "" {
		model = DefaultModel
	}
	client, err := oaiclient.NewClient(apiKey, opts...)
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	return &Provider{client: client, model: model}, nil
}

// Embed implements embeddings.Provider.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := p.client.Embeddings.New(ctx, oai.EmbeddingNewParams{
		Model: p.model,
		Input: oai.EmbeddingNewParamsInputUnion{
			OfString: param.NewOpt(text),
		},
	})
	if err != nil {
		return nil, oaiclient.Wrap("embed", err)
	}
	if len(resp.Data) == 0 {
		return nil, oaiclient.Wrap("embed", fmt.Errorf("empty response"))
	}
	return float64ToFloat32(resp.Data[0].Embedding), nil
}

// EmbedBatch implements embeddings.Provider. Results are placed by the index
// the API reports, so the output order always matches texts.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	resp, err := p.client.Embeddings.New(ctx, oai.EmbeddingNewParams{
		Model: p.model,
		Input: oai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: texts,
		},
	})
	if err != nil {
		return nil, oaiclient.Wrap("embed_batch", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, oaiclient.Wrap("embed_batch", fmt.Errorf("expected %d embeddings, got %d", len(texts), len(resp.Data)))
	}

	result := make([][]float32, len(texts))
	for _, e := range resp.Data {
		if e.Index < 0 || int(e.Index) >= len(texts) || result[e.Index] != nil {
			return nil, oaiclient.Wrap("embed_batch", fmt.Errorf("unexpected index %d", e.Index))
		}
		result[e.Index] = float64ToFloat32(e.Embedding)
	}
	return result, nil
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int {
	return modelDimensions(p.model)
}

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string {
	return p.model
}

// modelDimensions returns the embedding dimensions for known OpenAI models.
func modelDimensions(model string) int {
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "text-embedding-3-large"):
		return 3072
	case strings.Contains(lower, "text-embedding-3-small"), strings.Contains(lower, "text-embedding-ada-002"):
		return 1536
	default:
		return 3072
	}
}

func float64ToFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}

package rag

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/roleplay/pkg/provider"
	"github.com/MrWong99/roleplay/pkg/provider/embeddings"
)

// DefaultBatchSize is the largest number of texts sent in one embedding call.
const DefaultBatchSize = 100

// Embedder turns texts into vectors, one per text, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Gateway batches embedding requests to an embeddings.Provider.
type Gateway struct {
	provider    embeddings.Provider
	batchSize   int
	parallelism int
}

var _ Embedder = (*Gateway)(nil)

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithBatchSize sets the maximum number of texts per upstream call.
func WithBatchSize(n int) GatewayOption {
	return func(g *Gateway) {
		if n > 0 {
			g.batchSize = n
		}
	}
}

// WithParallelism sets how many batches may be in flight at once.
func WithParallelism(n int) GatewayOption {
	return func(g *Gateway) {
		if n > 0 {
			g.parallelism = n
		}
	}
}

// NewGateway wraps p.
func NewGateway(p embeddings.Provider, opts ...GatewayOption) *Gateway {
	g := &Gateway{provider: p, batchSize: DefaultBatchSize, parallelism: 2}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Dimensions returns the vector length of the wrapped provider.
func (g *Gateway) Dimensions() int { return g.provider.Dimensions() }

// Embed returns one vector per text in input order. If any batch fails the
// whole call fails and no vectors are returned.
func (g *Gateway) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, len(texts))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(g.parallelism)
	for start := 0; start < len(texts); start += g.batchSize {
		end := min(start+g.batchSize, len(texts))
		eg.Go(func() error {
			vecs, err := g.provider.EmbedBatch(egCtx, texts[start:end])
			if err != nil {
				return provider.Wrap(g.provider.ModelID(), "embed", provider.KindUnknown,
					fmt.Errorf("batch %d-%d: %w", start, end, err))
			}
			if len(vecs) != end-start {
				return &provider.Error{
					Provider: g.provider.ModelID(),
					Op:       "embed",
					Kind:     provider.KindTransient,
					Err:      fmt.Errorf("batch %d-%d: got %d vectors for %d texts", start, end, len(vecs), end-start),
				}
			}
			copy(out[start:end], vecs)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, fmt.Errorf("rag: embed: %w", err)
	}
	return out, nil
}

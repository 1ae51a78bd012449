// Package mock provides a test double for the embeddings.Provider interface.
//
// Use Provider to return pre-canned or computed embedding vectors without a
// live model and to verify which texts were submitted.
//
// Example:
//
//	p := &mock.Provider{
//	    EmbedFunc:       func(text string) []float32 { return []float32{1, 0} },
//	    DimensionsValue: 2,
//	}
//	vecs, _ := p.EmbedBatch(ctx, []string{"a", "b"})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/roleplay/pkg/provider/embeddings"
)

// EmbedBatchCall records a single invocation of EmbedBatch.
type EmbedBatchCall struct {
	// Texts is a copy of the string slice passed to EmbedBatch.
	Texts []string
}

// Provider is a mock implementation of embeddings.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// EmbedFunc computes the vector for a text. When nil, a zero vector of
	// DimensionsValue length is returned.
	EmbedFunc func(text string) []float32

	// EmbedErr, if non-nil, is returned by Embed and EmbedBatch.
	EmbedErr error

	// FailOnCall, if positive, makes only the n-th EmbedBatch call (1-based)
	// return EmbedErr.
	FailOnCall int

	// DimensionsValue is returned by Dimensions.
	DimensionsValue int

	// ModelIDValue is returned by ModelID.
	ModelIDValue string

	// --- Call records ---

	// EmbedCalls records every text passed to Embed in order.
	EmbedCalls []string

	// EmbedBatchCalls records every call to EmbedBatch in order.
	EmbedBatchCalls []EmbedBatchCall
}

func (p *Provider) vector(text string) []float32 {
	if p.EmbedFunc != nil {
		return p.EmbedFunc(text)
	}
	return make([]float32, p.DimensionsValue)
}

// Embed records the call and returns the computed vector or EmbedErr.
func (p *Provider) Embed(_ context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbedCalls = append(p.EmbedCalls, text)
	if p.EmbedErr != nil && p.FailOnCall <= 0 {
		return nil, p.EmbedErr
	}
	return p.vector(text), nil
}

// EmbedBatch records the call and returns one computed vector per text.
func (p *Provider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbedBatchCalls = append(p.EmbedBatchCalls, EmbedBatchCall{Texts: append([]string(nil), texts...)})
	if p.EmbedErr != nil && (p.FailOnCall <= 0 || p.FailOnCall == len(p.EmbedBatchCalls)) {
		return nil, p.EmbedErr
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = p.vector(t)
	}
	return out, nil
}

// Dimensions returns DimensionsValue.
func (p *Provider) Dimensions() int { return p.DimensionsValue }

// ModelID returns ModelIDValue.
func (p *Provider) ModelID() string {
	if p.ModelIDValue == "" {
		return "mock-embed"
	}
	return p.ModelIDValue
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbedCalls = nil
	p.EmbedBatchCalls = nil
}

// Ensure Provider implements embeddings.Provider at compile time.
var _ embeddings.Provider = (*Provider)(nil)

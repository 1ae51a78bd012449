package rag

import (
	"context"
	"fmt"
	"log/slog"
)

// Ingester embeds passages and appends them to an index, persisting after
// every batch.
type Ingester struct {
	embedder Embedder
	index    *Index
	base     string
}

// NewIngester returns an Ingester writing to idx and persisting to base.
func NewIngester(embedder Embedder, idx *Index, base string) *Ingester {
	return &Ingester{embedder: embedder, index: idx, base: base}
}

// Add embeds passages and appends them as one batch. Passages with empty
// text or an invalid scenario are skipped. It returns the number appended.
func (in *Ingester) Add(ctx context.Context, passages []Passage) (int, error) {
	var keep []Passage
	for _, p := range passages {
		if p.Text == "" {
			continue
		}
		if !ValidScenario(p.ScenarioID) {
			slog.Warn("rag: skipping passage with invalid scenario", "source", p.SourceFile, "scenario", p.ScenarioID)
			continue
		}
		keep = append(keep, p)
	}
	if len(keep) == 0 {
		return 0, nil
	}

	texts := make([]string, len(keep))
	for i, p := range keep {
		texts[i] = p.Text
	}
	vecs, err := in.embedder.Embed(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("rag: ingest: %w", err)
	}
	if err := in.index.AddAndPersist(in.base, vecs, keep); err != nil {
		return 0, fmt.Errorf("rag: ingest: %w", err)
	}
	return len(keep), nil
}

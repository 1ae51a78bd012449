// Package topic tags text with coarse conversation topics using ordered
// keyword tables.
//
// Matching is substring containment after NFKC folding and lower-casing, so
// full-width and half-width forms ("ＳＮＳ", "SNS", "sns") match the same
// keyword. Output order follows the table's declaration order, which keeps
// downstream prompt text reproducible.
package topic

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Classifier tags a text with zero or more topic labels.
type Classifier interface {
	Classify(text string) []string
}

// Topic is one row of a keyword table.
type Topic struct {
	Label    string
	Keywords []string
}

// KeywordClassifier is a Classifier backed by an ordered keyword table.
// It is immutable after construction and safe for concurrent use.
type KeywordClassifier struct {
	topics   []Topic
	fallback []string
}

var _ Classifier = (*KeywordClassifier)(nil)

// Option configures a KeywordClassifier.
type Option func(*KeywordClassifier)

// WithFallback sets the labels returned when no topic matches. Without it an
// unmatched text yields nil.
func WithFallback(labels ...string) Option {
	return func(c *KeywordClassifier) {
		c.fallback = labels
	}
}

// NewKeywordClassifier builds a classifier over table. Keywords are folded
// once here so Classify only folds the input.
func NewKeywordClassifier(table []Topic, opts ...Option) *KeywordClassifier {
	c := &KeywordClassifier{topics: make([]Topic, 0, len(table))}
	for _, t := range table {
		kws := make([]string, 0, len(t.Keywords))
		for _, kw := range t.Keywords {
			if f := fold(kw); f != "" {
				kws = append(kws, f)
			}
		}
		c.topics = append(c.topics, Topic{Label: t.Label, Keywords: kws})
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Classify returns the labels of every topic with at least one keyword
// contained in text, in table order.
func (c *KeywordClassifier) Classify(text string) []string {
	folded := fold(text)
	var labels []string
	for _, t := range c.topics {
		for _, kw := range t.Keywords {
			if strings.Contains(folded, kw) {
				labels = append(labels, t.Label)
				break
			}
		}
	}
	if len(labels) == 0 && len(c.fallback) > 0 {
		return append([]string(nil), c.fallback...)
	}
	return labels
}

// Labels returns the table's labels in declaration order.
func (c *KeywordClassifier) Labels() []string {
	out := make([]string, len(c.topics))
	for i, t := range c.topics {
		out[i] = t.Label
	}
	return out
}

func fold(s string) string {
	return strings.ToLower(norm.NFKC.String(s))
}

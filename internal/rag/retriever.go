package rag

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/MrWong99/roleplay/internal/topic"
	"github.com/MrWong99/roleplay/internal/vecindex"
)

// Retrieval defaults.
const (
	DefaultK            = 10
	DefaultThreshold    = 0.5
	DefaultHistoryTurns = 4
	overFetchFactor     = 10
)

// ErrNoIndex is returned by Retrieve when no index has been installed.
var ErrNoIndex = errors.New("rag: no index loaded")

// Index is the similarity index type used for passages.
type Index = vecindex.Index[Passage]

// Turn is one line of conversation history as sent by the client.
type Turn struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

// Query describes one retrieval request.
type Query struct {
	// Message is the trainee's current utterance.
	Message string

	// History is the conversation so far, oldest first.
	History []Turn

	// ScenarioID restricts results to one scenario when it has passages.
	ScenarioID string

	// K is the maximum number of results. Zero means DefaultK.
	K int

	// Threshold is the largest accepted distance. Zero means DefaultThreshold.
	Threshold float32
}

// Hit is a retrieved passage with its distance to the query.
type Hit struct {
	Passage
	Distance float32 `json:"distance"`
	Position int     `json:"position_in_index"`
}

// Result is the outcome of a retrieval.
type Result struct {
	Hits   []Hit
	Topics []string

	// QueryText is the exact text that was embedded.
	QueryText string

	// Widened reports that the scenario filter matched nothing and the whole
	// index was searched instead.
	Widened bool
}

// Retriever runs scenario-scoped similarity search over passages. The index
// may be swapped at runtime with SetIndex; in-flight queries keep using the
// index they started with.
type Retriever struct {
	index        atomic.Pointer[Index]
	embedder     Embedder
	classifier   topic.Classifier
	historyTurns int
}

// NewRetriever builds a Retriever. idx may be nil and installed later.
func NewRetriever(idx *Index, embedder Embedder, classifier topic.Classifier) *Retriever {
	r := &Retriever{
		embedder:     embedder,
		classifier:   classifier,
		historyTurns: DefaultHistoryTurns,
	}
	if idx != nil {
		r.index.Store(idx)
	}
	return r
}

// SetIndex installs idx for subsequent queries.
func (r *Retriever) SetIndex(idx *Index) { r.index.Store(idx) }

// Index returns the current index, or nil.
func (r *Retriever) Index() *Index { return r.index.Load() }

// BuildQueryText assembles the text that is embedded for a query: the last
// few history turns, the current message as a sales line, and the detected
// topics as a trailing hint.
func BuildQueryText(message string, history []Turn, topics []string, historyTurns int) string {
	if len(history) > historyTurns {
		history = history[len(history)-historyTurns:]
	}
	parts := make([]string, 0, len(history)+1)
	for _, h := range history {
		parts = append(parts, h.Speaker+": "+h.Text)
	}
	parts = append(parts, RoleSales.Label()+": "+message)
	text := strings.Join(parts, "\n")
	if len(topics) > 0 {
		text += "\n重要トピック: " + strings.Join(topics, ", ")
	}
	return text
}

// Retrieve returns up to q.K passages closest to the conversation, in rank
// order. An empty index yields an empty result. Embedding failures are
// returned to the caller, which is expected to continue without examples.
func (r *Retriever) Retrieve(ctx context.Context, q Query) (*Result, error) {
	idx := r.index.Load()
	if idx == nil {
		return nil, ErrNoIndex
	}
	k := q.K
	if k <= 0 {
		k = DefaultK
	}
	threshold := q.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	res := &Result{}
	if r.classifier != nil {
		res.Topics = r.classifier.Classify(q.Message)
	}
	res.QueryText = BuildQueryText(q.Message, q.History, res.Topics, r.historyTurns)

	size := idx.Len()
	if size == 0 {
		return res, nil
	}

	vecs, err := r.embedder.Embed(ctx, []string{res.QueryText})
	if err != nil {
		return nil, fmt.Errorf("rag: retrieve: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("rag: retrieve: embedder returned %d vectors", len(vecs))
	}

	allowed, widened := allowedPositions(idx, q.ScenarioID)
	res.Widened = widened

	candidates, err := idx.Search(vecs[0], min(overFetchFactor*k, size))
	if err != nil {
		return nil, fmt.Errorf("rag: retrieve: %w", err)
	}

	seen := make(map[string]struct{})
	for _, c := range candidates {
		if len(res.Hits) == k {
			break
		}
		if _, ok := allowed[c.Position]; !ok {
			continue
		}
		if c.Distance > threshold {
			continue
		}
		p, ok := idx.Meta(c.Position)
		if !ok {
			continue
		}
		if _, dup := seen[p.Text]; dup {
			continue
		}
		seen[p.Text] = struct{}{}
		res.Hits = append(res.Hits, Hit{Passage: p, Distance: c.Distance, Position: c.Position})
	}
	return res, nil
}

// allowedPositions returns the positions a query for scenarioID may return.
// If the scenario has no passages the set widens to every valid passage.
func allowedPositions(idx *Index, scenarioID string) (map[int]struct{}, bool) {
	scoped := make(map[int]struct{})
	all := make(map[int]struct{})
	idx.Scan(func(pos int, p Passage) bool {
		if !ValidScenario(p.ScenarioID) {
			return true
		}
		all[pos] = struct{}{}
		if scenarioID != "" && p.ScenarioID == scenarioID {
			scoped[pos] = struct{}{}
		}
		return true
	})
	if scenarioID != "" && len(scoped) > 0 {
		return scoped, false
	}
	return all, scenarioID != ""
}

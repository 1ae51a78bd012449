// Package vecindex implements a flat, append-only vector index with exact
// nearest-neighbour search and a parallel list of metadata records.
//
// The index is meant for small corpora (tens of thousands of vectors) where a
// linear scan is fast enough and fully deterministic. Each vector has exactly
// one metadata record at the same position; the position is the only key.
// There is no in-place delete: removing entries means building a new index
// from a filtered copy (see Filter).
//
// All methods are safe for concurrent use. Add is atomic with respect to
// Search: a reader sees either the state before or after a batch, never a
// vector without its metadata.
package vecindex

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
)

var (
	// ErrCorruptIndex is returned by Load when the persisted files are
	// unreadable or disagree with each other. The index must be rebuilt from
	// source transcripts.
	ErrCorruptIndex = errors.New("vecindex: corrupt index")

	// ErrDimension is returned when a vector does not match the index dimension.
	ErrDimension = errors.New("vecindex: dimension mismatch")

	// ErrLengthMismatch is returned by Add when the vector and metadata
	// batches differ in length.
	ErrLengthMismatch = errors.New("vecindex: vectors and metadata differ in length")
)

// Metric selects the distance function of an index. It is fixed when the
// index is created and recorded in the persisted file.
type Metric uint8

const (
	// MetricIP is inner product on L2-normalised vectors, reported as the
	// distance 1 - dot(a, b) so that smaller is closer for every metric.
	// Vectors are normalised on Add and queries on Search.
	MetricIP Metric = 1

	// MetricL2 is squared Euclidean distance.
	MetricL2 Metric = 2
)

// String returns "ip" or "l2".
func (m Metric) String() string {
	switch m {
	case MetricIP:
		return "ip"
	case MetricL2:
		return "l2"
	default:
		return fmt.Sprintf("metric(%d)", uint8(m))
	}
}

// ParseMetric converts "ip" or "l2" into a Metric.
func ParseMetric(s string) (Metric, error) {
	switch s {
	case "ip", "IP", "cosine":
		return MetricIP, nil
	case "l2", "L2":
		return MetricL2, nil
	default:
		return 0, fmt.Errorf("vecindex: unknown metric %q", s)
	}
}

func (m Metric) valid() bool { return m == MetricIP || m == MetricL2 }

// Result is a single search hit.
type Result struct {
	// Position is the insertion position of the vector in the index.
	Position int

	// Distance is the metric distance to the query; smaller is closer.
	Distance float32
}

// Index is a flat vector index whose metadata records are of type M.
// M must round-trip through encoding/json for Persist and Load.
type Index[M any] struct {
	// writeMu serialises writers so that append+persist sequences do not
	// interleave. Readers only take mu.
	writeMu sync.Mutex

	mu      sync.RWMutex
	dim     int
	metric  Metric
	vectors []float32 // flat, len == len(metas) * dim
	metas   []M
}

// New returns an empty index for vectors of length dim.
func New[M any](dim int, metric Metric) (*Index[M], error) {
	if dim <= 0 {
		return nil, fmt.Errorf("vecindex: dimension must be positive, got %d", dim)
	}
	if !metric.valid() {
		return nil, fmt.Errorf("vecindex: invalid metric %v", metric)
	}
	return &Index[M]{dim: dim, metric: metric}, nil
}

// Dim returns the vector dimension.
func (x *Index[M]) Dim() int { return x.dim }

// Metric returns the distance metric.
func (x *Index[M]) Metric() Metric { return x.metric }

// Len returns the number of entries.
func (x *Index[M]) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.metas)
}

// Meta returns the metadata record at position i.
func (x *Index[M]) Meta(i int) (M, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if i < 0 || i >= len(x.metas) {
		var zero M
		return zero, false
	}
	return x.metas[i], true
}

// Vector returns a copy of the stored vector at position i. For MetricIP the
// stored vector is the normalised one.
func (x *Index[M]) Vector(i int) ([]float32, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if i < 0 || i >= len(x.metas) {
		return nil, false
	}
	return slices.Clone(x.vectors[i*x.dim : (i+1)*x.dim]), true
}

// Scan calls fn for every entry in position order until fn returns false.
// fn must not call methods of x that take the write lock.
func (x *Index[M]) Scan(fn func(pos int, meta M) bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	for i, m := range x.metas {
		if !fn(i, m) {
			return
		}
	}
}

// Add appends vectors and their metadata in lock-step. Either the whole batch
// is appended or nothing is.
func (x *Index[M]) Add(vectors [][]float32, metas []M) error {
	x.writeMu.Lock()
	defer x.writeMu.Unlock()
	return x.add(vectors, metas)
}

func (x *Index[M]) add(vectors [][]float32, metas []M) error {
	if len(vectors) != len(metas) {
		return fmt.Errorf("%w: %d vectors, %d metadata records", ErrLengthMismatch, len(vectors), len(metas))
	}
	if len(vectors) == 0 {
		return nil
	}
	flat := make([]float32, 0, len(vectors)*x.dim)
	for i, v := range vectors {
		if len(v) != x.dim {
			return fmt.Errorf("%w: vector %d has %d values, index has %d", ErrDimension, i, len(v), x.dim)
		}
		if x.metric == MetricIP {
			v = Normalize(v)
		}
		flat = append(flat, v...)
	}

	x.mu.Lock()
	x.vectors = append(x.vectors, flat...)
	x.metas = append(x.metas, metas...)
	x.mu.Unlock()
	return nil
}

// AddAndPersist appends a batch and writes the index to base while holding
// the writer lock, so concurrent ingestion cannot interleave a second batch
// between the append and the write.
func (x *Index[M]) AddAndPersist(base string, vectors [][]float32, metas []M) error {
	x.writeMu.Lock()
	defer x.writeMu.Unlock()
	if err := x.add(vectors, metas); err != nil {
		return err
	}
	return x.persist(base)
}

// Search returns the k entries closest to q ordered by ascending distance.
// Equal distances are ordered by ascending position. An empty index or k <= 0
// yields an empty result.
func (x *Index[M]) Search(q []float32, k int) ([]Result, error) {
	if len(q) != x.dim {
		return nil, fmt.Errorf("%w: query has %d values, index has %d", ErrDimension, len(q), x.dim)
	}
	if k <= 0 {
		return nil, nil
	}
	if x.metric == MetricIP {
		q = Normalize(q)
	}

	x.mu.RLock()
	n := len(x.metas)
	results := make([]Result, n)
	for i := range n {
		v := x.vectors[i*x.dim : (i+1)*x.dim]
		results[i] = Result{Position: i, Distance: x.distance(q, v)}
	}
	x.mu.RUnlock()

	slices.SortStableFunc(results, func(a, b Result) int {
		return cmp.Compare(a.Distance, b.Distance)
	})
	if k < len(results) {
		results = results[:k]
	}
	return results, nil
}

func (x *Index[M]) distance(a, b []float32) float32 {
	switch x.metric {
	case MetricIP:
		var dot float32
		for i := range a {
			dot += a[i] * b[i]
		}
		return 1 - dot
	default:
		var sum float32
		for i := range a {
			d := a[i] - b[i]
			sum += d * d
		}
		return sum
	}
}

// Filter returns a new index holding only the entries for which keep returns
// true, in their original order. Stored vectors are copied as-is, so no
// re-embedding is needed.
func (x *Index[M]) Filter(keep func(pos int, meta M) bool) *Index[M] {
	out := &Index[M]{dim: x.dim, metric: x.metric}
	x.mu.RLock()
	defer x.mu.RUnlock()
	for i, m := range x.metas {
		if !keep(i, m) {
			continue
		}
		out.vectors = append(out.vectors, x.vectors[i*x.dim:(i+1)*x.dim]...)
		out.metas = append(out.metas, m)
	}
	return out
}

// Normalize returns a unit-length copy of v. A zero vector is returned as a
// zero copy.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	out := make([]float32, len(v))
	if sum == 0 {
		return out
	}
	norm := float32(math.Sqrt(sum))
	for i, f := range v {
		out[i] = f / norm
	}
	return out
}

package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed wraps the last error when no backend of a group succeeded.
var ErrAllFailed = errors.New("resilience: all backends failed")

// FallbackConfig is applied to the breaker of every backend in a group.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup tries backends in registration order, skipping those whose
// breaker is open. Register all backends before the first call; after that
// the group is safe for concurrent use.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	cfg     FallbackConfig
}

// NewFallbackGroup returns a group with primary as its first backend.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends a backend.
func (fg *FallbackGroup[T]) AddFallback(name string, value T) {
	cb := fg.cfg.CircuitBreaker
	cb.Name = name
	fg.entries = append(fg.entries, fallbackEntry[T]{name: name, value: value, breaker: NewCircuitBreaker(cb)})
}

// Names returns the backend names in order.
func (fg *FallbackGroup[T]) Names() []string {
	out := make([]string, len(fg.entries))
	for i, e := range fg.entries {
		out[i] = e.name
	}
	return out
}

// Execute runs fn against the backends until one succeeds.
func (fg *FallbackGroup[T]) Execute(fn func(T) error) error {
	_, err := ExecuteWithResult(fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult runs fn against the backends of fg until one succeeds
// and returns its result. An error that does not count as a backend failure
// is returned as is without trying further backends. Otherwise the last
// error is returned wrapped in [ErrAllFailed], so its classification stays
// visible to errors.As.
func ExecuteWithResult[T, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	for i := range fg.entries {
		e := &fg.entries[i]
		var res R
		err := e.breaker.Execute(func() error {
			var err error
			res, err = fn(e.value)
			return err
		})
		if err == nil {
			return res, nil
		}
		switch {
		case errors.Is(err, ErrCircuitOpen):
			slog.Debug("resilience: skipping backend with open circuit", "backend", e.name)
			if lastErr == nil {
				lastErr = err
			}
			continue
		case !CountsAsFailure(err):
			return zero, err
		}
		lastErr = err
		if i < len(fg.entries)-1 {
			slog.Warn("resilience: backend failed, trying next", "backend", e.name, "err", err)
		}
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}

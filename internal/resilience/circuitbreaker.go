// Package resilience keeps the reply pipeline answering when one upstream
// backend misbehaves.
//
// [CircuitBreaker] stops calling a backend after repeated failures and probes
// it again after a cool-down. [FallbackGroup] orders several backends of the
// same capability, each behind its own breaker, and the typed wrappers
// ([LLMFallback], [TTSFallback], [STTFallback]) implement the provider
// interfaces on top of it.
//
// Errors caused by the caller (empty input, a rejected request, a cancelled
// context) neither trip a breaker nor move on to the next backend: another
// backend would reject them just the same.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/roleplay/pkg/provider"
	"github.com/MrWong99/roleplay/pkg/provider/stt"
	"github.com/MrWong99/roleplay/pkg/provider/tts"
)

// ErrCircuitOpen is returned while a breaker rejects calls.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is a breaker mode.
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls until ResetTimeout has passed since the last
	// failure.
	StateOpen

	// StateHalfOpen lets up to HalfOpenMax probe calls through. One failure
	// re-opens the breaker; HalfOpenMax successes close it.
	StateHalfOpen
)

// String returns the state label used in logs.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker defaults.
const (
	DefaultMaxFailures  = 5
	DefaultResetTimeout = 30 * time.Second
	DefaultHalfOpenMax  = 3
)

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero values use the
// defaults above.
type CircuitBreakerConfig struct {
	// Name labels log lines, usually the backend name.
	Name string

	MaxFailures  int
	ResetTimeout time.Duration
	HalfOpenMax  int

	// OnStateChange, if set, is called after every transition with the
	// breaker's lock released.
	OnStateChange func(name string, from, to State)
}

// CircuitBreaker is a three-state breaker. It is safe for concurrent use.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig
	now func() time.Time

	mu            sync.Mutex
	state         State
	failures      int
	openedAt      time.Time
	halfOpenCalls int
	halfOpenOK    int
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultResetTimeout
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = DefaultHalfOpenMax
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now}
}

// Execute runs fn unless the breaker is open. Errors for which
// [CountsAsFailure] is false are returned without being counted.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	cb.record(probe, err)
	return err
}

// admit decides whether a call may proceed and whether it is a half-open
// probe.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	from := cb.state
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		cb.state = StateHalfOpen
		cb.halfOpenCalls, cb.halfOpenOK = 0, 0
	}
	switch cb.state {
	case StateOpen:
		err = ErrCircuitOpen
	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.cfg.HalfOpenMax {
			err = ErrCircuitOpen
		} else {
			cb.halfOpenCalls++
			probe = true
		}
	}
	to := cb.state
	cb.mu.Unlock()
	cb.notify(from, to)
	return probe, err
}

func (cb *CircuitBreaker) record(probe bool, err error) {
	cb.mu.Lock()
	from := cb.state
	switch {
	case err != nil && !CountsAsFailure(err):
		if probe && cb.state == StateHalfOpen {
			cb.halfOpenCalls--
		}
	case err == nil && probe:
		cb.halfOpenOK++
		if cb.state == StateHalfOpen && cb.halfOpenOK >= cb.cfg.HalfOpenMax {
			cb.state = StateClosed
			cb.failures = 0
		}
	case err == nil:
		cb.failures = 0
	case probe:
		if cb.state == StateHalfOpen {
			cb.trip()
		}
	default:
		cb.failures++
		if cb.state == StateClosed && cb.failures >= cb.cfg.MaxFailures {
			cb.trip()
		}
	}
	to := cb.state
	cb.mu.Unlock()
	cb.notify(from, to)
}

// trip opens the breaker. cb.mu must be held.
func (cb *CircuitBreaker) trip() {
	cb.state = StateOpen
	cb.openedAt = cb.now()
	cb.failures = 0
}

func (cb *CircuitBreaker) notify(from, to State) {
	if from == to {
		return
	}
	slog.Info("resilience: circuit state changed", "name", cb.cfg.Name, "from", from, "to", to)
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}

// State returns the current state. An open breaker whose cool-down has passed
// reports half-open; the transition itself happens on the next call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset closes the breaker and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.failures, cb.halfOpenCalls, cb.halfOpenOK = 0, 0, 0
	cb.mu.Unlock()
	cb.notify(from, StateClosed)
}

// CountsAsFailure reports whether err says something about the backend's
// health. Caller mistakes and cancellation do not.
func CountsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, tts.ErrEmptyText) || errors.Is(err, stt.ErrEmptyAudio) {
		return false
	}
	var pe *provider.Error
	if errors.As(err, &pe) {
		return pe.Kind != provider.KindInvalidInput && pe.Kind != provider.KindCanceled
	}
	return true
}

// Package synth turns the chunks of one reply into audio in parallel while
// delivering the results strictly in chunk order.
//
// Each chunk is submitted as soon as the segmenter cuts it. Synthesis runs on
// a bounded number of concurrent calls per turn; a per-task completion
// channel plus a delivery cursor gives ordered output without polling. A
// chunk whose synthesis fails after all attempts is delivered as a failed
// [Result] and never blocks or aborts the chunks around it.
package synth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/roleplay/internal/observe"
	"github.com/MrWong99/roleplay/internal/segment"
	"github.com/MrWong99/roleplay/pkg/provider"
	"github.com/MrWong99/roleplay/pkg/provider/tts"
	"github.com/MrWong99/roleplay/pkg/types"
)

// Defaults applied by [NewPool] for zero [Config] fields.
const (
	DefaultWorkers        = 3
	DefaultAttempts       = 3
	DefaultBackoff        = 100 * time.Millisecond
	DefaultAttemptTimeout = 30 * time.Second
)

// Config tunes concurrency and retries.
type Config struct {
	// Workers bounds concurrent synthesis calls within one turn.
	Workers int

	// Attempts is the maximum number of calls per chunk.
	Attempts int

	// Backoff is the delay before the second attempt. It doubles for every
	// further attempt.
	Backoff time.Duration

	// AttemptTimeout bounds a single synthesis call.
	AttemptTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.Attempts <= 0 {
		c.Attempts = DefaultAttempts
	}
	if c.Backoff <= 0 {
		c.Backoff = DefaultBackoff
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = DefaultAttemptTimeout
	}
}

// Result is the outcome of one chunk.
type Result struct {
	// Index is the 1-based chunk index.
	Index int

	// Text is the chunk text.
	Text string

	// Audio is the encoded audio. Nil when Err is set or in text-only mode.
	Audio []byte

	// Err is set when synthesis failed after all attempts.
	Err error

	// Final marks the last result of the turn.
	Final bool

	// Attempts is the number of synthesis calls made.
	Attempts int
}

// Option configures a Pool.
type Option func(*Pool)

// WithMetrics records per-chunk latency, retries and failures.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pool) {
		p.metrics = m
	}
}

// withSleep replaces the backoff sleep. Tests use it to observe delays.
func withSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Pool) {
		p.sleep = fn
	}
}

// Pool creates per-turn synthesizers that share one TTS provider. A nil
// provider puts every turn in text-only mode: results carry no audio and no
// error.
type Pool struct {
	provider tts.Provider
	cfg      Config
	metrics  *observe.Metrics
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewPool returns a Pool for p.
func NewPool(p tts.Provider, cfg Config, opts ...Option) *Pool {
	cfg.applyDefaults()
	pool := &Pool{provider: p, cfg: cfg, sleep: sleepCtx}
	for _, o := range opts {
		o(pool)
	}
	return pool
}

// TextOnly reports whether the pool has no TTS provider.
func (p *Pool) TextOnly() bool { return p.provider == nil }

// Turn is the ordered synthesizer for one reply. Submit, Drain, Finish and
// Close must be called from the goroutine that owns the turn.
type Turn struct {
	pool  *Pool
	voice types.VoiceProfile

	// callCtx carries request values but never cancels, so calls already
	// running finish even if the client goes away.
	callCtx context.Context

	// queueCtx is canceled by Close; tasks still waiting for a slot give up.
	queueCtx context.Context
	cancel   context.CancelFunc

	sem    *semaphore.Weighted
	tasks  []*task
	cursor int
}

type task struct {
	index int
	text  string
	done  chan struct{}
	res   Result
}

// NewTurn starts a turn. ctx supplies request-scoped values for logging and
// tracing; its cancellation does not stop calls that are already running.
func (p *Pool) NewTurn(ctx context.Context, voice types.VoiceProfile) *Turn {
	queueCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	return &Turn{
		pool:     p,
		voice:    voice,
		callCtx:  context.WithoutCancel(ctx),
		queueCtx: queueCtx,
		cancel:   cancel,
		sem:      semaphore.NewWeighted(int64(p.cfg.Workers)),
	}
}

// Submit dispatches a chunk and returns immediately.
func (t *Turn) Submit(c segment.Chunk) {
	tk := &task{index: c.Index, text: c.Text, done: make(chan struct{})}
	t.tasks = append(t.tasks, tk)

	go func() {
		defer close(tk.done)
		if err := t.sem.Acquire(t.queueCtx, 1); err != nil {
			tk.res = Result{Index: tk.index, Text: tk.text, Err: err}
			return
		}
		defer t.sem.Release(1)
		tk.res = t.pool.run(t.callCtx, t.queueCtx, tk.index, tk.text, t.voice)
	}()
}

// Drain delivers, in order, every completed result that is ready without
// waiting. It stops at the first chunk still being synthesised.
//
// Drain stops at the first emit error and returns it.
func (t *Turn) Drain(emit func(Result) error) error {
	for t.cursor < len(t.tasks) {
		tk := t.tasks[t.cursor]
		select {
		case <-tk.done:
		default:
			return nil
		}
		t.cursor++
		if err := emit(tk.res); err != nil {
			return err
		}
	}
	return nil
}

// Finish delivers all remaining results in order, waiting for each one, and
// marks the last result of the turn as final. When nothing is left to deliver,
// because the turn had no chunks or Drain already emitted all of them, Finish
// emits a closing Result with Index 0 and Final set instead.
//
// It returns ctx.Err() if ctx ends first; undelivered results are then
// discarded.
func (t *Turn) Finish(ctx context.Context, emit func(Result) error) error {
	if t.cursor == len(t.tasks) {
		return emit(Result{Final: true})
	}
	for t.cursor < len(t.tasks) {
		tk := t.tasks[t.cursor]
		select {
		case <-tk.done:
		case <-ctx.Done():
			return ctx.Err()
		}
		t.cursor++
		res := tk.res
		res.Final = t.cursor == len(t.tasks)
		if err := emit(res); err != nil {
			return err
		}
	}
	return nil
}

// Close abandons chunks that have not started. Calls already running finish
// in the background and their results are dropped. Close does not block.
func (t *Turn) Close() {
	t.cancel()
}

// run synthesises one chunk with retries.
func (p *Pool) run(callCtx, queueCtx context.Context, index int, text string, voice types.VoiceProfile) Result {
	res := Result{Index: index, Text: text}
	if p.provider == nil {
		return res
	}

	start := time.Now()
	backoff := p.cfg.Backoff
	for attempt := 1; attempt <= p.cfg.Attempts; attempt++ {
		res.Attempts = attempt
		audio, err := p.attempt(callCtx, text, voice)
		if err == nil {
			res.Audio = audio
			res.Err = nil
			break
		}
		res.Err = err
		if !retryable(err) || attempt == p.cfg.Attempts {
			break
		}
		slog.Debug("synth: retrying chunk", "chunk", index, "attempt", attempt, "err", err)
		if err := p.sleep(queueCtx, backoff); err != nil {
			break
		}
		backoff *= 2
	}

	if res.Err != nil {
		observe.Logger(callCtx).Warn("synth: chunk failed",
			"chunk", index, "attempts", res.Attempts, "err", res.Err)
		recordError(callCtx, p.metrics, res.Err)
	}
	p.metrics.RecordSynthesis(callCtx, time.Since(start), res.Attempts, res.Err != nil)
	return res
}

func (p *Pool) attempt(ctx context.Context, text string, voice types.VoiceProfile) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.AttemptTimeout)
	defer cancel()
	return p.provider.Synthesize(ctx, text, voice)
}

func retryable(err error) bool {
	if errors.Is(err, tts.ErrEmptyText) {
		return false
	}
	return provider.IsRetryable(err)
}

func recordError(ctx context.Context, m *observe.Metrics, err error) {
	var pe *provider.Error
	if errors.As(err, &pe) {
		m.RecordProviderError(ctx, pe.Provider, pe.Kind.String())
		return
	}
	m.RecordProviderError(ctx, "tts", provider.KindUnknown.String())
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

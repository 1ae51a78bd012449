// Package observe provides application-wide observability primitives for the
// roleplay server: OpenTelemetry metrics, distributed tracing, structured
// logging, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
//
// All recording methods accept a nil *Metrics receiver and do nothing, so
// components can be built without instrumentation in tests.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTDuration tracks transcription latency.
	STTDuration metric.Float64Histogram

	// LLMDuration tracks completion latency from request to last token.
	LLMDuration metric.Float64Histogram

	// SynthDuration tracks per-chunk synthesis latency including retries.
	SynthDuration metric.Float64Histogram

	// RetrievalDuration tracks embedding plus index search latency.
	RetrievalDuration metric.Float64Histogram

	// TurnFirstChunk tracks time from turn start to the first emitted chunk.
	TurnFirstChunk metric.Float64Histogram

	// RetrievalResults tracks how many passages a retrieval returned.
	RetrievalResults metric.Int64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// SynthRetries counts synthesis attempts beyond the first.
	SynthRetries metric.Int64Counter

	// SynthFailures counts chunks whose synthesis failed after all attempts.
	SynthFailures metric.Int64Counter

	// Turns counts completed turns. Use with attribute:
	//   attribute.String("status", ...)
	Turns metric.Int64Counter

	// Evaluations counts conversation evaluations. Use with attribute:
	//   attribute.String("source", ...)
	Evaluations metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveTurns tracks the number of turns currently streaming.
	ActiveTurns metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) tuned for
// chat and speech latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(scopeName)
	var err error
	met := &Metrics{}

	latency := func(name, desc string) (metric.Float64Histogram, error) {
		return m.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		)
	}

	// Histograms.
	if met.STTDuration, err = latency("roleplay.stt.duration", "Latency of speech-to-text transcription."); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = latency("roleplay.llm.duration", "Latency of LLM completion."); err != nil {
		return nil, err
	}
	if met.SynthDuration, err = latency("roleplay.synth.duration", "Latency of per-chunk speech synthesis including retries."); err != nil {
		return nil, err
	}
	if met.RetrievalDuration, err = latency("roleplay.retrieval.duration", "Latency of example retrieval."); err != nil {
		return nil, err
	}
	if met.TurnFirstChunk, err = latency("roleplay.turn.first_chunk", "Time from turn start to the first emitted chunk."); err != nil {
		return nil, err
	}
	if met.RetrievalResults, err = m.Int64Histogram("roleplay.retrieval.results",
		metric.WithDescription("Number of passages returned per retrieval."),
		metric.WithExplicitBucketBoundaries(0, 1, 2, 3, 5, 7, 10, 20),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("roleplay.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.SynthRetries, err = m.Int64Counter("roleplay.synth.retries",
		metric.WithDescription("Total synthesis attempts beyond the first."),
	); err != nil {
		return nil, err
	}
	if met.SynthFailures, err = m.Int64Counter("roleplay.synth.failures",
		metric.WithDescription("Total chunks that failed synthesis after all attempts."),
	); err != nil {
		return nil, err
	}
	if met.Turns, err = m.Int64Counter("roleplay.turns",
		metric.WithDescription("Total completed turns by status."),
	); err != nil {
		return nil, err
	}
	if met.Evaluations, err = m.Int64Counter("roleplay.evaluations",
		metric.WithDescription("Total conversation evaluations by scoring source."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("roleplay.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveTurns, err = m.Int64UpDownCounter("roleplay.active_turns",
		metric.WithDescription("Number of turns currently streaming."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("roleplay.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest records a provider request counter increment with
// the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	if m == nil {
		return
	}
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	if m == nil {
		return
	}
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordSynthesis records the outcome of one chunk's synthesis.
func (m *Metrics) RecordSynthesis(ctx context.Context, d time.Duration, attempts int, failed bool) {
	if m == nil {
		return
	}
	m.SynthDuration.Record(ctx, d.Seconds())
	if attempts > 1 {
		m.SynthRetries.Add(ctx, int64(attempts-1))
	}
	if failed {
		m.SynthFailures.Add(ctx, 1)
	}
}

// RecordRetrieval records one retrieval's latency and result count.
func (m *Metrics) RecordRetrieval(ctx context.Context, d time.Duration, results int, widened bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.Bool("widened", widened))
	m.RetrievalDuration.Record(ctx, d.Seconds(), attrs)
	m.RetrievalResults.Record(ctx, int64(results), attrs)
}

// RecordFirstChunk records the time to the first chunk of a turn.
func (m *Metrics) RecordFirstChunk(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.TurnFirstChunk.Record(ctx, d.Seconds())
}

// RecordTurn records a finished turn with its status ("ok", "error" or
// "canceled").
func (m *Metrics) RecordTurn(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.Turns.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordEvaluation records a finished evaluation with its source ("llm" or
// "heuristic").
func (m *Metrics) RecordEvaluation(ctx context.Context, source string) {
	if m == nil {
		return
	}
	m.Evaluations.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

// TurnStarted increments the active turn gauge and returns a func that
// decrements it.
func (m *Metrics) TurnStarted(ctx context.Context) func() {
	if m == nil {
		return func() {}
	}
	m.ActiveTurns.Add(ctx, 1)
	return func() { m.ActiveTurns.Add(ctx, -1) }
}

// RecordLLM records a completion's latency.
func (m *Metrics) RecordLLM(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.LLMDuration.Record(ctx, d.Seconds())
}

// RecordSTT records a transcription's latency.
func (m *Metrics) RecordSTT(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.STTDuration.Record(ctx, d.Seconds())
}

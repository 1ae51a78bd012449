// Package app wires all roleplay subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context ends, and Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithTurnLog,
// WithPublisher, WithIndex). When an option is not provided, New creates
// real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/roleplay/internal/config"
	"github.com/MrWong99/roleplay/internal/evaluate"
	"github.com/MrWong99/roleplay/internal/events"
	"github.com/MrWong99/roleplay/internal/health"
	"github.com/MrWong99/roleplay/internal/observe"
	"github.com/MrWong99/roleplay/internal/prompt"
	"github.com/MrWong99/roleplay/internal/rag"
	"github.com/MrWong99/roleplay/internal/scenario"
	"github.com/MrWong99/roleplay/internal/server"
	"github.com/MrWong99/roleplay/internal/store"
	"github.com/MrWong99/roleplay/internal/store/postgres"
	"github.com/MrWong99/roleplay/internal/synth"
	"github.com/MrWong99/roleplay/internal/topic"
	"github.com/MrWong99/roleplay/internal/turn"
	"github.com/MrWong99/roleplay/pkg/provider/stt"
	"github.com/MrWong99/roleplay/pkg/types"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	metrics        *observe.Metrics
	metricsHandler http.Handler

	// Subsystems, initialised in New and torn down in Shutdown.
	scenarios *scenario.Store
	catalog   turn.Scenarios
	index     *rag.Index
	retriever *rag.Retriever
	turnLog   store.TurnLog
	evalLog   store.EvaluationLog
	pinger    func(context.Context) error
	publisher events.Publisher
	engine    *turn.Engine
	evaluator *evaluate.Evaluator
	health    *health.Handler
	server    *server.Server

	// indexWatcher is set when rag.watch_index is on.
	indexWatcher *rag.IndexWatcher

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithTurnLog injects a turn log instead of connecting to PostgreSQL.
func WithTurnLog(l store.TurnLog) Option {
	return func(a *App) { a.turnLog = l }
}

// WithEvaluationLog injects an evaluation log instead of the PostgreSQL one.
func WithEvaluationLog(l store.EvaluationLog) Option {
	return func(a *App) { a.evalLog = l }
}

// WithPublisher injects an event publisher instead of creating one from config.
func WithPublisher(p events.Publisher) Option {
	return func(a *App) { a.publisher = p }
}

// WithIndex injects a passage index instead of loading rag.index_path.
func WithIndex(idx *rag.Index) Option {
	return func(a *App) { a.index = idx }
}

// WithMetrics records metrics on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from [BuildProviders]; nil slots disable the matching feature.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Scenario catalogue ────────────────────────────────────────────
	if err := a.initScenarios(); err != nil {
		return nil, fmt.Errorf("app: init scenarios: %w", err)
	}

	// ── 2. Retrieval ─────────────────────────────────────────────────────
	if err := a.initRetrieval(); err != nil {
		return nil, fmt.Errorf("app: init retrieval: %w", err)
	}

	// ── 3. Turn log ──────────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 4. Event publisher ───────────────────────────────────────────────
	if err := a.initEvents(); err != nil {
		return nil, fmt.Errorf("app: init events: %w", err)
	}

	// ── 5. Turn engine ───────────────────────────────────────────────────
	if err := a.initEngine(); err != nil {
		return nil, fmt.Errorf("app: init engine: %w", err)
	}

	// ── 6. Evaluator ─────────────────────────────────────────────────────
	if err := a.initEvaluator(); err != nil {
		return nil, fmt.Errorf("app: init evaluator: %w", err)
	}

	// ── 7. HTTP server ───────────────────────────────────────────────────
	if err := a.initServer(); err != nil {
		return nil, fmt.Errorf("app: init server: %w", err)
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initScenarios loads the scenario directory. Without one, an empty
// catalogue is served and every chat runs without scenario settings.
func (a *App) initScenarios() error {
	dir := a.cfg.Scenarios.Dir
	if dir == "" {
		slog.Warn("scenarios.dir is empty; serving an empty scenario catalogue")
		a.catalog = staticCatalog{scenario.Empty()}
		return nil
	}
	s, err := scenario.NewStore(dir, scenario.WithDebounce(a.cfg.Scenarios.Debounce))
	if err != nil {
		return err
	}
	a.scenarios = s
	a.catalog = s
	c := s.Current()
	slog.Info("scenarios loaded", "dir", dir, "scenarios", c.Len(), "default_id", c.DefaultID())
	return nil
}

// initRetrieval builds the retriever when an embeddings provider exists. A
// missing index file leaves the retriever without an index, which turns
// augmentation off until the file is built. An index built with another
// embeddings model is refused the same way.
func (a *App) initRetrieval() error {
	if a.providers.Embeddings == nil {
		slog.Warn("no embeddings provider configured; replies will not be augmented")
		return nil
	}
	path := a.cfg.RAG.IndexPath
	dim := a.providers.Embeddings.Dimensions()
	switch {
	case a.index != nil && a.index.Dim() != dim:
		slog.Error("passage index does not match the embeddings model; retrieval disabled",
			"index_dimensions", a.index.Dim(), "model_dimensions", dim)
		a.index = nil
	case a.index == nil && path != "":
		idx, err := rag.LoadIndex(path, dim)
		switch {
		case err == nil:
			a.index = idx
		case errors.Is(err, fs.ErrNotExist):
			slog.Warn("passage index not found; run ragindex build first", "path", path)
		case errors.Is(err, rag.ErrIndexDimension):
			slog.Error("passage index does not match the embeddings model; retrieval disabled", "path", path, "err", err)
		default:
			return fmt.Errorf("load index %q: %w", path, err)
		}
	}
	if a.index != nil {
		slog.Info("passage index loaded", "passages", a.index.Len(), "metric", a.index.Metric())
	}

	gw := rag.NewGateway(a.providers.Embeddings,
		rag.WithBatchSize(a.cfg.RAG.BatchSize),
		rag.WithParallelism(a.cfg.RAG.Parallelism),
	)
	a.retriever = rag.NewRetriever(a.index, gw, topic.NewQueryClassifier())
	if a.cfg.RAG.WatchIndex && path != "" {
		a.indexWatcher = rag.NewIndexWatcher(path, dim, a.retriever, a.cfg.RAG.ReloadDebounce)
	}
	return nil
}

// initStore connects the PostgreSQL turn and evaluation logs or uses an
// injected turn log.
func (a *App) initStore(ctx context.Context) error {
	if a.turnLog != nil {
		return nil
	}
	dsn := a.cfg.Store.PostgresDSN
	if dsn == "" {
		slog.Warn("store.postgres_dsn is empty; turns and evaluations will not be recorded")
		return nil
	}
	pg, err := postgres.NewStore(ctx, dsn, a.cfg.Store.EmbeddingDimensions)
	if err != nil {
		return err
	}
	a.turnLog = pg
	if a.evalLog == nil {
		a.evalLog = pg
	}
	a.pinger = pg.Ping
	a.closers = append(a.closers, func() error { pg.Close(); return nil })
	return nil
}

// initEvents creates the configured publisher or uses an injected one.
func (a *App) initEvents() error {
	if a.publisher != nil {
		return nil
	}
	var (
		p   events.Publisher
		err error
	)
	switch a.cfg.Events.Backend {
	case config.EventsNATS:
		p, err = events.NewNATSPublisher(events.NATSConfig{
			URL:   a.cfg.Events.NATS.URL,
			Token: a.cfg.Events.NATS.Token,
			Name:  a.cfg.Events.NATS.Name,
		}, slog.Default())
	case config.EventsKafka:
		p, err = events.NewKafkaPublisher(events.KafkaConfig{
			Brokers:   a.cfg.Events.Kafka.Brokers,
			Principal: a.cfg.Events.Kafka.Principal,
		})
	default:
		p = events.NewLogPublisher(slog.Default())
	}
	if err != nil {
		return err
	}
	a.publisher = p
	a.closers = append(a.closers, p.Close)
	return nil
}

func (a *App) initEngine() error {
	builder := prompt.NewBuilder("")
	if path := a.cfg.Chat.BasePromptFile; path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read base prompt: %w", err)
		}
		builder = prompt.NewBuilder(string(raw))
	}

	if a.providers.TTS == nil {
		slog.Warn("no TTS provider configured; chunks will be text only")
	}
	pool := synth.NewPool(a.providers.TTS, synth.Config{
		Workers:        a.cfg.Synth.Workers,
		Attempts:       a.cfg.Synth.Attempts,
		Backoff:        a.cfg.Synth.Backoff,
		AttemptTimeout: a.cfg.Synth.AttemptTimeout,
	}, synth.WithMetrics(a.metrics))

	opts := []turn.Option{
		turn.WithScenarios(a.catalog),
		turn.WithPromptBuilder(builder),
		turn.WithPublisher(a.publisher),
		turn.WithMetrics(a.metrics),
	}
	if a.providers.LLM != nil {
		opts = append(opts, turn.WithLLM(a.providers.LLM))
	} else {
		slog.Warn("no LLM provider configured; replies will use canned responses")
	}
	if a.retriever != nil {
		opts = append(opts, turn.WithRetriever(a.retriever))
	}
	if a.turnLog != nil {
		opts = append(opts, turn.WithTurnLog(a.turnLog))
	}

	a.engine = turn.New(pool, turn.Config{
		K:                a.cfg.RAG.K,
		Threshold:        a.cfg.RAG.Threshold,
		RetrievalTimeout: a.cfg.RAG.RetrievalTimeout,
		Stream:           modelParams(a.cfg.Chat.Stream, prompt.StreamParams),
		Reply:            modelParams(a.cfg.Chat.Reply, prompt.ReplyParams),
		Voice:            a.voice(),
	}, opts...)
	return nil
}

// initEvaluator builds the conversation evaluator. A configured rubric file
// must load; the samples directory may be missing or sparse.
func (a *App) initEvaluator() error {
	cfg := evaluate.Config{
		Params:  modelParams(a.cfg.Evaluation.Model, evaluate.DefaultParams),
		Timeout: a.cfg.Evaluation.Timeout,
	}
	if path := a.cfg.Evaluation.RubricFile; path != "" {
		criteria, err := evaluate.LoadCriteria(path)
		if err != nil {
			return err
		}
		cfg.Criteria = criteria
		slog.Info("evaluation rubric loaded", "path", path, "criteria", len(criteria))
	}
	opts := []evaluate.Option{evaluate.WithMetrics(a.metrics)}
	if a.providers.LLM != nil {
		opts = append(opts, evaluate.WithLLM(a.providers.LLM))
	} else {
		slog.Warn("no LLM provider configured; evaluations will use keyword scoring")
	}
	if dir := a.cfg.Evaluation.SamplesDir; dir != "" {
		opts = append(opts, evaluate.WithSamples(evaluate.NewSampleStore(dir)))
	}
	a.evaluator = evaluate.New(cfg, opts...)
	return nil
}

func (a *App) initServer() error {
	a.health = health.New(a.checkers()...)
	deps := server.Deps{
		Engine:         a.engine,
		Scenarios:      a.catalog,
		Speech:         a.providers.TTS,
		Health:         a.health,
		Metrics:        a.metrics,
		Evaluator:      a.evaluator,
		MetricsHandler: a.metricsHandler,
	}
	if a.providers.STT != nil {
		deps.STT = a.providers.STT
	} else {
		slog.Warn("no STT provider configured; /api/transcribe is disabled")
	}
	if a.turnLog != nil {
		deps.Turns = a.turnLog
	}
	if a.evalLog != nil {
		deps.Evaluations = a.evalLog
	}
	srv, err := server.New(server.Config{
		Addr:            a.cfg.Server.ListenAddr,
		Voice:           a.voice(),
		AllowedOrigins:  a.cfg.Server.AllowedOrigins,
		ShutdownTimeout: a.cfg.Server.ShutdownTimeout,
	}, deps)
	if err != nil {
		return err
	}
	a.server = srv
	return nil
}

// checkers lists the readiness probes of the configured dependencies. Only
// the turn log is required; the others degrade the service.
func (a *App) checkers() []health.Checker {
	var cs []health.Checker
	if a.retriever != nil {
		cs = append(cs, health.Checker{
			Name:     "passage_index",
			Optional: true,
			Check: func(context.Context) error {
				if a.retriever.Index() == nil {
					return rag.ErrNoIndex
				}
				return nil
			},
		})
	}
	if a.pinger != nil {
		cs = append(cs, health.Checker{Name: "turn_log", Check: a.pinger})
	}
	cs = append(cs, health.Checker{Name: "events", Optional: true, Check: a.publisher.Ready})
	return cs
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP and, when enabled, watches the scenario directory. It
// blocks until ctx is cancelled or the listener fails.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	if a.scenarios != nil && a.cfg.Scenarios.Watch {
		g.Go(func() error {
			if err := a.scenarios.Watch(ctx); err != nil {
				slog.Error("scenario watcher stopped", "err", err)
			}
			return nil
		})
	}
	if a.indexWatcher != nil {
		g.Go(func() error {
			if err := a.indexWatcher.Watch(ctx); err != nil {
				slog.Error("passage index watcher stopped", "err", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		return a.server.ListenAndServe(ctx)
	})
	slog.Info("app running",
		"addr", a.cfg.Server.ListenAddr,
		"llm", a.providers.LLM != nil,
		"tts", a.providers.TTS != nil,
		"retrieval", a.retriever != nil,
	)
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// Handler returns the HTTP handler, for tests and embedding.
func (a *App) Handler() http.Handler { return a.server.Handler() }

// Engine returns the turn engine.
func (a *App) Engine() *turn.Engine { return a.engine }

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in init order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		var errs []error
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
				errs = append(errs, err)
			}
		}
		shutdownErr = errors.Join(errs...)
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// staticCatalog serves a fixed catalogue.
type staticCatalog struct{ c *scenario.Catalog }

func (s staticCatalog) Current() *scenario.Catalog { return s.c }

func (a *App) voice() types.VoiceProfile {
	return types.VoiceProfile{
		ID:       a.cfg.Server.Voice,
		Provider: a.cfg.Providers.TTS.Name,
		Language: stt.DefaultLanguage,
		Speed:    a.cfg.Server.VoiceSpeed,
	}
}

// modelParams converts configured completion settings, filling unset fields
// from def.
func modelParams(p config.ModelParams, def prompt.Params) prompt.Params {
	out := def
	if p.Model != "" {
		out.Model = p.Model
	}
	if p.Temperature != 0 {
		out.Temperature = p.Temperature
	}
	if p.MaxTokens != 0 {
		out.MaxTokens = p.MaxTokens
	}
	return out
}

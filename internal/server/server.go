// Package server exposes the roleplay HTTP API: streamed and unary chat,
// speech synthesis and transcription, conversation evaluation, the scenario
// catalogue, stored session turns, health probes and Prometheus metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MrWong99/roleplay/internal/evaluate"
	"github.com/MrWong99/roleplay/internal/health"
	"github.com/MrWong99/roleplay/internal/observe"
	"github.com/MrWong99/roleplay/internal/store"
	"github.com/MrWong99/roleplay/internal/turn"
	"github.com/MrWong99/roleplay/pkg/provider/stt"
	"github.com/MrWong99/roleplay/pkg/provider/tts"
	"github.com/MrWong99/roleplay/pkg/types"
)

// Request size limits.
const (
	maxJSONBody     = 1 << 20
	maxUploadBytes  = 25 << 20
	minUploadBytes  = 1 << 10
	defaultTurnList = 50
	maxTurnList     = 500
)

// Config holds listener and speech settings.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string

	// Voice is used by /api/tts when the request names no voice.
	Voice types.VoiceProfile

	// AllowedOrigins restricts WebSocket upgrades. Empty allows any origin.
	AllowedOrigins []string

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration
}

// Deps are the components the handlers call. Engine is required; every other
// field may be nil, which disables the matching endpoint or check.
type Deps struct {
	Engine    *turn.Engine
	Scenarios turn.Scenarios
	Speech    tts.Provider
	STT       stt.Provider
	Turns     store.TurnLog
	Health    *health.Handler
	Metrics   *observe.Metrics

	// Evaluator serves /api/evaluate. Nil uses keyword scoring only.
	Evaluator *evaluate.Evaluator

	// Evaluations stores every evaluation when set.
	Evaluations store.EvaluationLog

	// MetricsHandler serves /metrics.
	MetricsHandler http.Handler
}

// Server is the HTTP front end.
type Server struct {
	cfg    Config
	deps   Deps
	router chi.Router
}

// New builds the router.
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Engine == nil {
		return nil, errors.New("server: engine is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Voice.ID == "" {
		cfg.Voice.ID = defaultSpeechVoice
	}
	if deps.Evaluator == nil {
		deps.Evaluator = evaluate.New(evaluate.Config{}, evaluate.WithMetrics(deps.Metrics))
	}
	s := &Server{cfg: cfg, deps: deps}
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(observe.Middleware(s.deps.Metrics))

	if h := s.deps.Health; h != nil {
		h.Register(r)
	}
	if s.deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.MetricsHandler)
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/chat-stream", s.chatStream)
		r.Get("/chat-ws", s.chatWebSocket)
		r.Post("/chat", s.chat)
		r.Post("/tts", s.synthesize)
		r.Post("/transcribe", s.transcribe)
		r.Post("/evaluate", s.evaluateConversation)
		r.Get("/scenarios", s.listScenarios)
		r.Get("/scenarios/{id}", s.getScenario)
		r.Get("/sessions/{id}/turns", s.sessionTurns)
		r.Get("/sessions/{id}/evaluations", s.sessionEvaluations)
	})
	return r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server: listening", "addr", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: listen: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

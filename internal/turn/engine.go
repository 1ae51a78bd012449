// Package turn runs one customer reply end to end: scenario lookup,
// retrieval of real roleplay examples, prompt assembly, the streaming
// completion, segmentation into speakable chunks and ordered parallel speech
// synthesis.
//
// Every degraded dependency has a defined fallback. Without a language model
// the canned replies are used, without retrieval the prompt has no examples,
// and without TTS chunks are delivered as text only.
package turn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/roleplay/internal/events"
	"github.com/MrWong99/roleplay/internal/observe"
	"github.com/MrWong99/roleplay/internal/prompt"
	"github.com/MrWong99/roleplay/internal/rag"
	"github.com/MrWong99/roleplay/internal/scenario"
	"github.com/MrWong99/roleplay/internal/segment"
	"github.com/MrWong99/roleplay/internal/store"
	"github.com/MrWong99/roleplay/internal/synth"
	"github.com/MrWong99/roleplay/pkg/provider/llm"
	"github.com/MrWong99/roleplay/pkg/types"
)

// Transports reported in turn events.
const (
	TransportSSE       = "sse"
	TransportWebSocket = "websocket"
	TransportHTTP      = "http"
)

const (
	defaultRetrievalTimeout = 10 * time.Second
	recordTimeout           = 5 * time.Second
)

// Retriever finds example passages for a conversation.
type Retriever interface {
	Retrieve(ctx context.Context, q rag.Query) (*rag.Result, error)
}

// Scenarios returns the current scenario catalogue.
type Scenarios interface {
	Current() *scenario.Catalog
}

// Config tunes retrieval and completion.
type Config struct {
	// K and Threshold are passed to the retriever. Zero uses its defaults.
	K         int
	Threshold float32

	// RetrievalTimeout bounds the embedding and search of one turn.
	RetrievalTimeout time.Duration

	// Stream and Reply are the sampling settings of the streaming and the
	// unary reply. Zero values use prompt.StreamParams and prompt.ReplyParams.
	Stream prompt.Params
	Reply  prompt.Params

	// Voice is the default TTS voice. Request and scenario voices replace its
	// ID only.
	Voice types.VoiceProfile
}

// Option configures an Engine.
type Option func(*Engine)

// WithLLM sets the language model. Without one, canned replies are used.
func WithLLM(p llm.Provider) Option {
	return func(e *Engine) { e.llm = p }
}

// WithRetriever enables example retrieval.
func WithRetriever(r Retriever) Option {
	return func(e *Engine) { e.retriever = r }
}

// WithScenarios sets the scenario catalogue source.
func WithScenarios(s Scenarios) Option {
	return func(e *Engine) { e.scenarios = s }
}

// WithPromptBuilder replaces the default prompt builder.
func WithPromptBuilder(b *prompt.Builder) Option {
	return func(e *Engine) { e.builder = b }
}

// WithTurnLog records every completed turn.
func WithTurnLog(l store.TurnLog) Option {
	return func(e *Engine) { e.turnLog = l }
}

// WithPublisher publishes a TurnCompleted event after every turn.
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithMetrics records turn, retrieval and completion metrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// Engine produces customer replies. It is safe for concurrent use; each
// call owns its own segmenter and synthesis turn.
type Engine struct {
	cfg       Config
	synth     *synth.Pool
	llm       llm.Provider
	retriever Retriever
	scenarios Scenarios
	builder   *prompt.Builder
	turnLog   store.TurnLog
	publisher events.Publisher
	metrics   *observe.Metrics
}

// New returns an Engine that synthesises speech with pool.
func New(pool *synth.Pool, cfg Config, opts ...Option) *Engine {
	if cfg.RetrievalTimeout <= 0 {
		cfg.RetrievalTimeout = defaultRetrievalTimeout
	}
	if cfg.Stream == (prompt.Params{}) {
		cfg.Stream = prompt.StreamParams
	}
	if cfg.Reply == (prompt.Params{}) {
		cfg.Reply = prompt.ReplyParams
	}
	e := &Engine{
		cfg:     cfg,
		synth:   pool,
		builder: prompt.NewBuilder(""),
		turnLog: store.Discard{},
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Summary describes a finished turn.
type Summary struct {
	SessionID    string
	TurnID       string
	ScenarioID   string
	Reply        string
	Chunks       int
	FailedChunks int
	Retrieved    int
	Widened      bool
	Mock         bool
	FirstChunk   time.Duration
}

// turnState carries what is resolved before generation starts.
type turnState struct {
	summary  Summary
	scenario *scenario.Scenario
	voice    types.VoiceProfile
	examples []rag.Hit
	started  time.Time
}

func (e *Engine) begin(ctx context.Context, req *Request) (context.Context, *turnState, error) {
	if err := req.Validate(); err != nil {
		return ctx, nil, err
	}
	st := &turnState{started: time.Now()}
	st.summary.SessionID = req.SessionID
	if st.summary.SessionID == "" {
		st.summary.SessionID = uuid.NewString()
	}
	st.summary.TurnID = uuid.NewString()
	ctx = observe.WithTurn(ctx, st.summary.SessionID, st.summary.TurnID)

	st.summary.ScenarioID = req.ScenarioID
	if e.scenarios != nil {
		if cat := e.scenarios.Current(); cat != nil {
			if s := cat.Resolve(req.ScenarioID); s != nil {
				st.scenario = s
				st.summary.ScenarioID = s.ID
			} else if req.ScenarioID == "" {
				st.summary.ScenarioID = cat.DefaultID()
			}
		}
	}

	st.voice = e.cfg.Voice
	switch {
	case req.Voice != "":
		st.voice.ID = req.Voice
	case st.scenario != nil && st.scenario.Voice != "":
		st.voice.ID = st.scenario.Voice
	}

	st.examples, st.summary.Widened = e.retrieve(ctx, req, st.summary.ScenarioID)
	st.summary.Retrieved = len(st.examples)
	return ctx, st, nil
}

// retrieve returns the examples for req. Failures are logged and yield no
// examples.
func (e *Engine) retrieve(ctx context.Context, req *Request, scenarioID string) ([]rag.Hit, bool) {
	if e.retriever == nil {
		return nil, false
	}
	ctx, span := observe.StartSpan(ctx, "turn.retrieve")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, e.cfg.RetrievalTimeout)
	defer cancel()

	start := time.Now()
	res, err := e.retriever.Retrieve(ctx, rag.Query{
		Message:    req.Message,
		History:    req.History,
		ScenarioID: scenarioID,
		K:          e.cfg.K,
		Threshold:  e.cfg.Threshold,
	})
	if err != nil {
		if !errors.Is(err, rag.ErrNoIndex) {
			observe.Logger(ctx).Warn("turn: retrieval failed, continuing without examples", "err", err)
			span.RecordError(err)
		}
		return nil, false
	}
	e.metrics.RecordRetrieval(ctx, time.Since(start), len(res.Hits), res.Widened)
	span.SetAttributes(
		attribute.Int("retrieval.hits", len(res.Hits)),
		attribute.Bool("retrieval.widened", res.Widened),
		attribute.StringSlice("retrieval.topics", res.Topics),
	)
	return res.Hits, res.Widened
}

// Stream answers req as a sequence of ordered chunk events passed to emit.
// A stream that fails after it started is reported as one fatal event and the
// error is returned. Emit errors (a client that went away) stop the turn.
func (e *Engine) Stream(ctx context.Context, req Request, transport string, emit func(Event) error) (*Summary, error) {
	ctx, span := observe.StartSpan(ctx, "turn.stream")
	defer span.End()
	defer e.metrics.TurnStarted(ctx)()

	ctx, st, err := e.begin(ctx, &req)
	if err != nil {
		e.metrics.RecordTurn(ctx, "invalid")
		return nil, err
	}
	span.SetAttributes(
		attribute.String("session.id", st.summary.SessionID),
		attribute.String("scenario.id", st.summary.ScenarioID),
	)

	err = e.stream(ctx, &req, st, emit)
	e.finish(ctx, &req, st, transport, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return &st.summary, err
}

func (e *Engine) stream(ctx context.Context, req *Request, st *turnState, emit func(Event) error) error {
	tokens, err := e.tokens(ctx, req, st)
	if err != nil {
		_ = emit(Event{Fatal: true, Error: "reply generation failed"})
		return err
	}

	seg := segment.New()
	sy := e.synth.NewTurn(ctx, st.voice)
	defer sy.Close()

	var reply strings.Builder
	deliver := func(r synth.Result) error {
		if r.Index == 0 {
			return emit(resultEvent(r))
		}
		if st.summary.Chunks == 0 {
			st.summary.FirstChunk = time.Since(st.started)
			e.metrics.RecordFirstChunk(ctx, st.summary.FirstChunk)
		}
		st.summary.Chunks++
		if r.Err != nil {
			st.summary.FailedChunks++
		}
		return emit(resultEvent(r))
	}

	llmStart := time.Now()
	for {
		var (
			c  llm.Chunk
			ok bool
		)
		select {
		case c, ok = <-tokens:
		case <-ctx.Done():
			return ctx.Err()
		}
		if !ok {
			break
		}
		if c.FinishReason == llm.FinishReasonError {
			_ = emit(Event{Fatal: true, Error: "reply generation failed"})
			return fmt.Errorf("turn: completion stream: %w", c.Err)
		}
		if c.Text == "" {
			continue
		}
		reply.WriteString(c.Text)
		for _, chunk := range seg.Push(c.Text) {
			sy.Submit(chunk)
		}
		if err := sy.Drain(deliver); err != nil {
			return err
		}
	}
	if !st.summary.Mock {
		e.metrics.RecordLLM(ctx, time.Since(llmStart))
	}
	if chunk, ok := seg.Flush(); ok {
		sy.Submit(chunk)
	}
	st.summary.Reply = strings.TrimSpace(reply.String())
	return sy.Finish(ctx, deliver)
}

// tokens starts the completion stream, or a canned reply when no model is
// configured.
func (e *Engine) tokens(ctx context.Context, req *Request, st *turnState) (<-chan llm.Chunk, error) {
	if e.llm == nil {
		st.summary.Mock = true
		ch := make(chan llm.Chunk, 2)
		ch <- llm.Chunk{Text: CannedReply(req.Message)}
		ch <- llm.Chunk{FinishReason: "stop"}
		close(ch)
		return ch, nil
	}
	a := e.builder.Build(prompt.Input{
		Scenario: st.scenario,
		History:  req.History,
		Message:  req.Message,
		Examples: st.examples,
		Style:    prompt.CustomerLines,
	})
	ch, err := e.llm.StreamCompletion(ctx, a.Request(e.cfg.Stream))
	if err != nil {
		return nil, fmt.Errorf("turn: start completion: %w", err)
	}
	return ch, nil
}

// ReplyResult is the unary reply.
type ReplyResult struct {
	Summary
	Timestamp time.Time
}

// Reply answers req with a single text. Any completion failure falls back to
// the canned reply, so only validation errors are returned.
func (e *Engine) Reply(ctx context.Context, req Request) (*ReplyResult, error) {
	ctx, span := observe.StartSpan(ctx, "turn.reply")
	defer span.End()

	ctx, st, err := e.begin(ctx, &req)
	if err != nil {
		e.metrics.RecordTurn(ctx, "invalid")
		return nil, err
	}

	text := ""
	if e.llm != nil {
		a := e.builder.Build(prompt.Input{
			Scenario: st.scenario,
			History:  req.History,
			Message:  req.Message,
			Examples: st.examples,
			Style:    prompt.TypedPatterns,
			FewShot:  true,
		})
		start := time.Now()
		resp, err := e.llm.Complete(ctx, a.Request(e.cfg.Reply))
		switch {
		case err != nil:
			observe.Logger(ctx).Warn("turn: completion failed, using canned reply", "err", err)
			span.RecordError(err)
		case resp != nil:
			e.metrics.RecordLLM(ctx, time.Since(start))
			text = strings.TrimSpace(resp.Content)
		}
	}
	if text == "" {
		text = CannedReply(req.Message)
		st.summary.Mock = true
	}
	st.summary.Reply = text
	e.finish(ctx, &req, st, TransportHTTP, nil)
	return &ReplyResult{Summary: st.summary, Timestamp: time.Now()}, nil
}

// finish records metrics, the turn log and the completion event. Storage and
// publishing outlive the request so a disconnect does not lose the record.
func (e *Engine) finish(ctx context.Context, req *Request, st *turnState, transport string, turnErr error) {
	status := "ok"
	switch {
	case errors.Is(turnErr, context.Canceled), errors.Is(turnErr, context.DeadlineExceeded):
		status = "canceled"
	case turnErr != nil:
		status = "error"
	}
	e.metrics.RecordTurn(ctx, status)

	log := observe.Logger(ctx)
	log.Info("turn: finished",
		"status", status,
		"scenario_id", st.summary.ScenarioID,
		"chunks", st.summary.Chunks,
		"failed_chunks", st.summary.FailedChunks,
		"retrieved", st.summary.Retrieved,
		"mock", st.summary.Mock,
		"first_chunk", st.summary.FirstChunk,
	)

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	if turnErr == nil {
		rec := store.TurnRecord{
			SessionID:    st.summary.SessionID,
			TurnID:       st.summary.TurnID,
			ScenarioID:   st.summary.ScenarioID,
			Message:      req.Message,
			Reply:        st.summary.Reply,
			Chunks:       st.summary.Chunks,
			FailedChunks: st.summary.FailedChunks,
			Retrieved:    st.summary.Retrieved,
			Mock:         st.summary.Mock,
			CreatedAt:    st.started,
		}
		if err := e.turnLog.RecordTurn(rctx, rec); err != nil {
			log.Warn("turn: failed to record turn", "err", err)
		}
	}

	if e.publisher == nil {
		return
	}
	ev := events.TurnCompleted{
		SessionID:    st.summary.SessionID,
		TurnID:       st.summary.TurnID,
		ScenarioID:   st.summary.ScenarioID,
		Transport:    transport,
		Chunks:       st.summary.Chunks,
		FailedChunks: st.summary.FailedChunks,
		Retrieved:    st.summary.Retrieved,
		Widened:      st.summary.Widened,
		Mock:         st.summary.Mock,
		FirstChunkMS: st.summary.FirstChunk.Milliseconds(),
		DurationMS:   time.Since(st.started).Milliseconds(),
		CompletedAt:  time.Now().UTC(),
	}
	if turnErr != nil {
		ev.Error = turnErr.Error()
	}
	if err := e.publisher.Publish(rctx, events.SubjectTurnCompleted, ev.SessionID, ev); err != nil {
		log.Warn("turn: failed to publish event", "err", err)
	}
}

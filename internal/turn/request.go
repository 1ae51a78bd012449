package turn

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/MrWong99/roleplay/internal/rag"
	"github.com/MrWong99/roleplay/internal/synth"
)

// MaxMessageRunes bounds the length of a salesperson message.
const MaxMessageRunes = 2000

// ErrInvalidRequest is wrapped by every request validation failure.
var ErrInvalidRequest = errors.New("turn: invalid request")

// Request is one salesperson utterance to answer.
type Request struct {
	// SessionID groups the turns of one practice conversation. Generated when
	// empty.
	SessionID string `json:"session_id,omitempty"`

	Message string     `json:"message"`
	History []rag.Turn `json:"history,omitempty"`

	// ScenarioID selects the persona. Unknown ids fall back to the default
	// scenario.
	ScenarioID string `json:"scenario_id,omitempty"`

	// Voice overrides the scenario's TTS voice.
	Voice string `json:"voice,omitempty"`
}

// Validate checks the request and trims the message.
func (r *Request) Validate() error {
	r.Message = strings.TrimSpace(r.Message)
	var errs []error
	if r.Message == "" {
		errs = append(errs, errors.New("message is empty"))
	}
	if n := utf8.RuneCountInString(r.Message); n > MaxMessageRunes {
		errs = append(errs, fmt.Errorf("message has %d runes, limit is %d", n, MaxMessageRunes))
	}
	for i, h := range r.History {
		if h.Speaker == "" {
			errs = append(errs, fmt.Errorf("history[%d]: speaker is empty", i))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, errors.Join(errs...))
	}
	return nil
}

// Event is one message of a streamed reply.
type Event struct {
	// Chunk is the 1-based chunk index. Zero on the closing event of a reply
	// that produced no chunks.
	Chunk int

	Text  string
	Audio []byte
	Final bool

	// Error describes a failed chunk, or the whole turn when Fatal is set.
	Error string
	Fatal bool
}

type wireEvent struct {
	Chunk int    `json:"chunk"`
	Text  string `json:"text,omitempty"`
	Audio string `json:"audio,omitempty"`
	Final bool   `json:"final,omitempty"`
	Error string `json:"error,omitempty"`
}

// MarshalJSON encodes the event in its wire form: audio is base64, a failed
// chunk carries an error instead of audio, and a fatal event is only
// {"error": "..."}.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Fatal {
		return json.Marshal(struct {
			Error string `json:"error"`
		}{e.Error})
	}
	w := wireEvent{Chunk: e.Chunk, Text: e.Text, Final: e.Final, Error: e.Error}
	if e.Error == "" && len(e.Audio) > 0 {
		w.Audio = base64.StdEncoding.EncodeToString(e.Audio)
	}
	return json.Marshal(w)
}

func resultEvent(r synth.Result) Event {
	ev := Event{Chunk: r.Index, Text: r.Text, Audio: r.Audio, Final: r.Final}
	if r.Err != nil {
		ev.Audio = nil
		ev.Error = "speech synthesis failed"
	}
	return ev
}

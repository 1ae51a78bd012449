// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (OpenAI, ElevenLabs or
// Amazon Polly) and turns one short text chunk into one encoded audio clip.
// Chunks are synthesised independently and in parallel by the synthesizer,
// so the interface is unary rather than streaming.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"errors"

	"github.com/MrWong99/roleplay/pkg/types"
)

// ErrEmptyText is returned by Synthesize when the text is empty after
// trimming. It is a validation error and must never be retried.
var ErrEmptyText = errors.New("tts: empty text")

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize converts text into encoded audio (MP3 unless the
	// implementation documents otherwise) using the given voice.
	//
	// Upstream failures are returned as *provider.Error so callers can decide
	// whether to retry. ctx bounds a single attempt.
	Synthesize(ctx context.Context, text string, voice types.VoiceProfile) ([]byte, error)
}

// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a batch transcription service (the OpenAI
// transcription API or a self-hosted whisper.cpp server). The browser records
// one utterance, uploads it, and the provider returns its text.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
)

// DefaultLanguage is the recognition language used when a request names none.
const DefaultLanguage = "ja"

// ErrEmptyAudio is returned by Transcribe when no audio bytes were supplied.
var ErrEmptyAudio = errors.New("stt: empty audio")

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Transcribe converts an encoded audio file (webm, mp3, wav, ...) into
	// text. filename carries the container format through its extension.
	// language is an ISO-639-1 code; empty means DefaultLanguage.
	Transcribe(ctx context.Context, audio []byte, filename, language string) (string, error)
}

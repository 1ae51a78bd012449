// Package mock provides a test double for the stt.Provider interface.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/roleplay/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Transcribe.
type TranscribeCall struct {
	Audio    []byte
	Filename string
	Language string
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Text is returned by every successful call.
	Text string

	// Err, if non-nil, is returned by every call.
	Err error

	// Calls records every call to Transcribe in order.
	Calls []TranscribeCall
}

// Transcribe implements stt.Provider.
func (p *Provider) Transcribe(_ context.Context, audio []byte, filename, language string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, TranscribeCall{
		Audio:    append([]byte(nil), audio...),
		Filename: filename,
		Language: language,
	})
	if len(audio) == 0 {
		return "", stt.ErrEmptyAudio
	}
	return p.Text, p.Err
}

var _ stt.Provider = (*Provider)(nil)

// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to return canned audio, inject failures per text and verify
// which chunks were sent to the TTS backend.
//
// Example:
//
//	p := &mock.Provider{Audio: []byte("mp3")}
//	audio, _ := p.Synthesize(ctx, "こんにちは", voice)
package mock

import (
	"context"
	"strings"
	"sync"

	"github.com/MrWong99/roleplay/pkg/provider/tts"
	"github.com/MrWong99/roleplay/pkg/types"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Text is the text passed to Synthesize.
	Text string
	// Voice is the VoiceProfile passed to Synthesize.
	Voice types.VoiceProfile
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Audio is returned for every successful call. When nil, the text bytes
	// are echoed back so tests can tell chunks apart.
	Audio []byte

	// Err, if non-nil, is returned by every call.
	Err error

	// SynthesizeFunc, if set, overrides Audio and Err.
	SynthesizeFunc func(ctx context.Context, text string) ([]byte, error)

	// --- Call records ---

	// Calls records every call to Synthesize in order.
	Calls []SynthesizeCall
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, text string, voice types.VoiceProfile) ([]byte, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, SynthesizeCall{Text: text, Voice: voice})
	fn, audio, err := p.SynthesizeFunc, p.Audio, p.Err
	p.mu.Unlock()

	if strings.TrimSpace(text) == "" {
		return nil, tts.ErrEmptyText
	}
	if fn != nil {
		return fn(ctx, text)
	}
	if err != nil {
		return nil, err
	}
	if audio == nil {
		return []byte(text), nil
	}
	return audio, nil
}

// CallCount returns the number of Synthesize calls so far.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// Reset clears all recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
}

var _ tts.Provider = (*Provider)(nil)

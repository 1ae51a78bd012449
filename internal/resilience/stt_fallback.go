package resilience

import (
	"context"

	"github.com/MrWong99/roleplay/pkg/provider/stt"
)

// STTFallback is an stt.Provider that fails over across transcription
// backends, e.g. a self-hosted whisper server backed by OpenAI.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback returns an STTFallback preferring primary.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback appends a backend.
func (f *STTFallback) AddFallback(name string, p stt.Provider) {
	f.group.AddFallback(name, p)
}

// Transcribe implements stt.Provider.
func (f *STTFallback) Transcribe(ctx context.Context, audio []byte, filename, language string) (string, error) {
	return ExecuteWithResult(f.group, func(p stt.Provider) (string, error) {
		return p.Transcribe(ctx, audio, filename, language)
	})
}

package resilience

import (
	"context"

	"github.com/MrWong99/roleplay/pkg/provider/tts"
	"github.com/MrWong99/roleplay/pkg/types"
)

// TTSFallback is a tts.Provider that fails over across speech backends, e.g.
// OpenAI, then ElevenLabs, then Polly. The synthesizer retries on top of it,
// so one chunk attempt already covers every healthy backend.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback returns a TTSFallback preferring primary.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback appends a backend.
func (f *TTSFallback) AddFallback(name string, p tts.Provider) {
	f.group.AddFallback(name, p)
}

// Synthesize implements tts.Provider. The voice is passed unchanged; each
// backend maps voice IDs it does not know to its own default.
func (f *TTSFallback) Synthesize(ctx context.Context, text string, voice types.VoiceProfile) ([]byte, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) ([]byte, error) {
		return p.Synthesize(ctx, text, voice)
	})
}

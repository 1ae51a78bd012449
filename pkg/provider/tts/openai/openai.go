// Package openai provides a TTS provider backed by the OpenAI speech API.
package openai

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"

	oai "github.com/openai/openai-go"

	"github.com/MrWong99/roleplay/pkg/provider/oaiclient"
	"github.com/MrWong99/roleplay/pkg/provider/tts"
	"github.com/MrWong99/roleplay/pkg/types"
)

const (
	// DefaultModel is the low-latency speech model.
	DefaultModel = oai.SpeechModelTTS1

	// DefaultVoice is used when the requested voice is not an OpenAI voice.
	DefaultVoice = "alloy"
)

// Voices lists the voice IDs the speech API accepts.
var Voices = []string{"alloy", "echo", "fable", "onyx", "nova", "shimmer"}

var _ tts.Provider = (*Provider)(nil)

// Provider implements tts.Provider using the OpenAI speech API. Output is MP3.
type Provider struct {
	client oai.Client
	model  string
}

// New constructs a Provider. If model is empty, DefaultModel is used.
func New(apiKey, model string, opts ...oaiclient.Option) (*Provider, error) {
	if model == "" {
		model = DefaultModel
	}
	client, err := oaiclient.NewClient(apiKey, opts...)
	if err != nil {
		return nil, fmt.Errorf("openai tts: %w", err)
	}
	return &Provider{client: client, model: model}, nil
}

// ResolveVoice returns id if it is a known OpenAI voice and DefaultVoice
// otherwise.
func ResolveVoice(id string) string {
	if slices.Contains(Voices, id) {
		return id
	}
	return DefaultVoice
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, text string, voice types.VoiceProfile) ([]byte, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, tts.ErrEmptyText
	}

	params := oai.AudioSpeechNewParams{
		Model:          p.model,
		Input:          text,
		Voice:          oai.AudioSpeechNewParamsVoice(ResolveVoice(voice.ID)),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatMP3,
	}
	if voice.Speed > 0 {
		params.Speed = oai.Float(voice.Speed)
	}

	resp, err := p.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return nil, oaiclient.Wrap("synthesize", err)
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, oaiclient.Wrap("synthesize", fmt.Errorf("read body: %w", err))
	}
	if len(audio) == 0 {
		return nil, oaiclient.Wrap("synthesize", fmt.Errorf("empty audio"))
	}
	return audio, nil
}

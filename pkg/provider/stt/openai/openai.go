// Package openai provides an STT provider backed by the OpenAI transcription
// API.
package openai

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	oai "github.com/openai/openai-go"

	"github.com/MrWong99/roleplay/pkg/provider/oaiclient"
	"github.com/MrWong99/roleplay/pkg/provider/stt"
)

// DefaultModel is the transcription model.
const DefaultModel = oai.AudioModelWhisper1

var _ stt.Provider = (*Provider)(nil)

// Provider implements stt.Provider using the OpenAI API.
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
		return nil, fmt.Errorf("openai stt: %w", err)
	}
	return &Provider{client: client, model: model}, nil
}

// Transcribe implements stt.Provider.
func (p *Provider) Transcribe(ctx context.Context, audio []byte, filename, language string) (string, error) {
	if len(audio) == 0 {
		return "", stt.ErrEmptyAudio
	}
	if filename == "" {
		filename = "audio.webm"
	}
	if language == "" {
		language = stt.DefaultLanguage
	}

	resp, err := p.client.Audio.Transcriptions.New(ctx, oai.AudioTranscriptionNewParams{
		Model:    p.model,
		File:     oai.File(bytes.NewReader(audio), filename, contentType(filename)),
		Language: oai.String(language),
	})
	if err != nil {
		return "", oaiclient.Wrap("transcribe", err)
	}
	return strings.TrimSpace(resp.Text), nil
}

// audioTypes covers the containers browsers record in; the mime package's
// built-in table has none of them.
var audioTypes = map[string]string{
	".webm": "audio/webm",
	".ogg":  "audio/ogg",
	".mp3":  "audio/mpeg",
	".m4a":  "audio/mp4",
	".mp4":  "audio/mp4",
	".wav":  "audio/wav",
}

func contentType(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if ct, ok := audioTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

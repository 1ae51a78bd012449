// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// ElevenLabs stream-input WebSocket API. It implements the tts.Provider
// interface by sending one chunk per connection and collecting the audio
// frames until the server marks the stream final.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/coder/websocket"

	"github.com/MrWong99/roleplay/pkg/provider"
	"github.com/MrWong99/roleplay/pkg/provider/tts"
	"github.com/MrWong99/roleplay/pkg/types"
)

// Name is the provider name reported in errors.
const Name = "elevenlabs"

const (
	defaultEndpoint  = "wss://api.elevenlabs.io"
	wsPathFmt        = "%s/v1/text-to-speech/%s/stream-input?model_id=%s&output_format=%s"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "mp3_44100_128"
)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_multilingual_v2").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithOutputFormat sets the audio output format (e.g., "mp3_22050_32").
func WithOutputFormat(format string) Option {
	return func(p *Provider) {
		p.outputFormat = format
	}
}

// WithEndpoint overrides the WebSocket base URL (scheme and host).
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = strings.TrimRight(endpoint, "/")
	}
}

// WithDefaultVoice sets the voice used when a request carries no voice ID.
func WithDefaultVoice(id string) Option {
	return func(p *Provider) {
		p.defaultVoice = id
	}
}

var _ tts.Provider = (*Provider)(nil)

// Provider implements tts.Provider backed by the ElevenLabs streaming API.
type Provider struct {
	apiKey       string
	model        string
	outputFormat string
	endpoint     string
	defaultVoice string
}

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		endpoint:     defaultEndpoint,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ---- WebSocket message types ----

// textMessage is the JSON payload sent to ElevenLabs for each text fragment.
type textMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key,omitempty"`
	Flush         bool           `json:"flush,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

// audioResponse is the JSON message received from ElevenLabs over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, text string, voice types.VoiceProfile) ([]byte, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, tts.ErrEmptyText
	}
	voiceID := voice.ID
	if voiceID == "" {
		voiceID = p.defaultVoice
	}
	if voiceID == "" {
		return nil, provider.Wrap(Name, "synthesize", provider.KindInvalidInput, errors.New("voice ID must not be empty"))
	}

	conn, resp, err := websocket.Dial(ctx, p.url(voiceID), nil)
	if err != nil {
		kind := provider.KindTransient
		if resp != nil {
			kind = provider.KindFromStatus(resp.StatusCode)
		}
		return nil, provider.Wrap(Name, "synthesize", kind, fmt.Errorf("dial: %w", err))
	}
	defer conn.CloseNow()

	// ElevenLabs requires a single space as the first text value.
	boi := textMessage{
		Text:          " ",
		VoiceSettings: &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75, Speed: voice.Speed},
		XiAPIKey:      p.apiKey,
	}
	for _, msg := range []textMessage{boi, {Text: text + " ", Flush: true}, {Text: ""}} {
		if err := writeJSON(ctx, conn, msg); err != nil {
			return nil, provider.Wrap(Name, "synthesize", provider.KindTransient, fmt.Errorf("send: %w", err))
		}
	}

	audio, err := readAudio(ctx, conn)
	if err != nil {
		return nil, err
	}
	conn.Close(websocket.StatusNormalClosure, "done")
	return audio, nil
}

// readAudio collects audio frames until the final frame or a server close.
func readAudio(ctx context.Context, conn *websocket.Conn) ([]byte, error) {
	var buf bytes.Buffer
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure && buf.Len() > 0 {
				return buf.Bytes(), nil
			}
			return nil, provider.Wrap(Name, "synthesize", closeKind(err), fmt.Errorf("read: %w", err))
		}
		var resp audioResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}
		if resp.Error != "" {
			return nil, provider.Wrap(Name, "synthesize", provider.KindInvalidInput,
				fmt.Errorf("%s: %s", resp.Error, resp.Message))
		}
		if resp.Audio != "" {
			chunk, err := base64.StdEncoding.DecodeString(resp.Audio)
			if err != nil {
				return nil, provider.Wrap(Name, "synthesize", provider.KindTransient, fmt.Errorf("decode audio: %w", err))
			}
			buf.Write(chunk)
		}
		if resp.IsFinal {
			if buf.Len() == 0 {
				return nil, provider.Wrap(Name, "synthesize", provider.KindTransient, errors.New("empty audio"))
			}
			return buf.Bytes(), nil
		}
	}
}

// closeKind maps a WebSocket close status to a failure kind.
func closeKind(err error) provider.Kind {
	switch websocket.CloseStatus(err) {
	case websocket.StatusPolicyViolation:
		return provider.KindAuth
	case websocket.StatusInvalidFramePayloadData, websocket.StatusUnsupportedData:
		return provider.KindInvalidInput
	default:
		return provider.KindTransient
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, msg textMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// url constructs the WebSocket URL for a given voice.
func (p *Provider) url(voiceID string) string {
	return fmt.Sprintf(wsPathFmt, p.endpoint, voiceID, p.model, p.outputFormat)
}

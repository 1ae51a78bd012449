// Package polly provides a TTS provider backed by Amazon Polly.
//
// Credentials and region are resolved with the default AWS configuration
// chain (environment, shared config, instance role).
package polly

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/polly"
	pollytypes "github.com/aws/aws-sdk-go-v2/service/polly/types"
	"github.com/aws/smithy-go"

	"github.com/MrWong99/roleplay/pkg/provider"
	"github.com/MrWong99/roleplay/pkg/provider/tts"
	"github.com/MrWong99/roleplay/pkg/types"
)

// Name is the provider name reported in errors.
const Name = "polly"

const (
	// DefaultVoice is a Japanese neural voice.
	DefaultVoice = "Kazuha"

	defaultLanguage = "ja-JP"
)

// synthClient is the subset of the Polly client used here.
type synthClient interface {
	SynthesizeSpeech(ctx context.Context, params *polly.SynthesizeSpeechInput, optFns ...func(*polly.Options)) (*polly.SynthesizeSpeechOutput, error)
}

// Config holds Polly settings.
type Config struct {
	Region string
	// Engine is "neural" (default) or "standard".
	Engine string
	// Voice is used when a request carries no voice ID.
	Voice string
}

var _ tts.Provider = (*Provider)(nil)

// Provider implements tts.Provider using Amazon Polly. Output is MP3.
type Provider struct {
	client synthClient
	cfg    Config
}

// New loads the default AWS configuration for cfg.Region and returns a
// Provider.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("polly: load aws config: %w", err)
	}
	return newWithClient(polly.NewFromConfig(awsCfg), cfg), nil
}

func newWithClient(c synthClient, cfg Config) *Provider {
	if cfg.Voice == "" {
		cfg.Voice = DefaultVoice
	}
	return &Provider{client: c, cfg: cfg}
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, text string, voice types.VoiceProfile) ([]byte, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, tts.ErrEmptyText
	}

	engine := pollytypes.EngineNeural
	if strings.EqualFold(p.cfg.Engine, "standard") {
		engine = pollytypes.EngineStandard
	}
	voiceID := voice.ID
	if voiceID == "" {
		voiceID = p.cfg.Voice
	}
	lang := voice.Language
	if lang == "" {
		lang = defaultLanguage
	}

	out, err := p.client.SynthesizeSpeech(ctx, &polly.SynthesizeSpeechInput{
		Engine:       engine,
		LanguageCode: pollytypes.LanguageCode(lang),
		OutputFormat: pollytypes.OutputFormatMp3,
		Text:         &text,
		TextType:     pollytypes.TextTypeText,
		VoiceId:      pollytypes.VoiceId(voiceID),
	})
	if err != nil {
		return nil, provider.Wrap(Name, "synthesize", classify(err), err)
	}
	if out == nil || out.AudioStream == nil {
		return nil, provider.Wrap(Name, "synthesize", provider.KindTransient, errors.New("empty audio stream"))
	}
	defer out.AudioStream.Close()

	audio, err := io.ReadAll(out.AudioStream)
	if err != nil {
		return nil, provider.Wrap(Name, "synthesize", provider.KindTransient, fmt.Errorf("read audio: %w", err))
	}
	return audio, nil
}

// classify maps Polly error codes to failure kinds.
func classify(err error) provider.Kind {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return provider.KindTransient
	}
	switch apiErr.ErrorCode() {
	case "ThrottlingException", "TooManyRequestsException":
		return provider.KindRateLimited
	case "InvalidSsmlException", "TextLengthExceededException", "LexiconNotFoundException",
		"MarksNotSupportedForFormatException", "InvalidSampleRateException",
		"EngineNotSupportedException", "LanguageNotSupportedException", "ValidationException":
		return provider.KindInvalidInput
	case "UnrecognizedClientException", "AccessDeniedException", "InvalidSignatureException":
		return provider.KindAuth
	}
	if apiErr.ErrorFault() == smithy.FaultClient {
		return provider.KindInvalidInput
	}
	return provider.KindTransient
}

package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Server defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr          = ":8080"
	DefaultVoice               = "nova"
	DefaultVoiceSpeed          = 1.3
	DefaultShutdownTimeout     = 15 * time.Second
	DefaultEmbeddingDimensions = 3072
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt":        {"openai", "whisper"},
	"tts":        {"openai", "elevenlabs", "polly"},
	"embeddings": {"openai"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Environment references such as ${OPENAI_API_KEY} are expanded
// before decoding; unset variables expand to the empty string.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(os.ExpandEnv(string(raw))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills server-level settings left empty. Component settings
// such as rag.k or synth.workers keep their zero value, which each component
// interprets as its own default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.Voice == "" {
		cfg.Server.Voice = DefaultVoice
	}
	if cfg.Server.VoiceSpeed == 0 {
		cfg.Server.VoiceSpeed = DefaultVoiceSpeed
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Store.PostgresDSN != "" && cfg.Store.EmbeddingDimensions <= 0 {
		cfg.Store.EmbeddingDimensions = DefaultEmbeddingDimensions
	}
	if cfg.Events.Backend == "" {
		cfg.Events.Backend = EventsLog
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if s := cfg.Server.VoiceSpeed; s != 0 && (s < 0.25 || s > 4) {
		errs = append(errs, fmt.Errorf("server.voice_speed %.2f is out of range [0.25, 4.0]", s))
	}

	// Providers
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)
	errs = append(errs, validateFallbacks("llm", cfg.Providers.LLM, cfg.Providers.LLMFallbacks)...)
	errs = append(errs, validateFallbacks("stt", cfg.Providers.STT, cfg.Providers.STTFallbacks)...)
	errs = append(errs, validateFallbacks("tts", cfg.Providers.TTS, cfg.Providers.TTSFallbacks)...)

	if cfg.Providers.LLM.Name == "" {
		slog.Warn("no LLM provider configured; replies will use canned responses")
	}
	if cfg.Providers.TTS.Name == "" {
		slog.Warn("no TTS provider configured; chunks will be delivered as text only")
	}

	// Chat
	for name, p := range map[string]ModelParams{
		"chat.stream":      cfg.Chat.Stream,
		"chat.reply":       cfg.Chat.Reply,
		"evaluation.model": cfg.Evaluation.Model,
	} {
		if p.Temperature < 0 || p.Temperature > 2 {
			errs = append(errs, fmt.Errorf("%s.temperature %.2f is out of range [0, 2]", name, p.Temperature))
		}
		if p.MaxTokens < 0 {
			errs = append(errs, fmt.Errorf("%s.max_tokens must not be negative", name))
		}
	}

	// Evaluation
	if cfg.Evaluation.Timeout < 0 {
		errs = append(errs, fmt.Errorf("evaluation.timeout must not be negative"))
	}

	// RAG
	if cfg.RAG.K < 0 {
		errs = append(errs, fmt.Errorf("rag.k must not be negative"))
	}
	if cfg.RAG.Threshold < 0 {
		errs = append(errs, fmt.Errorf("rag.threshold must not be negative"))
	}
	if cfg.RAG.BatchSize < 0 || cfg.RAG.Parallelism < 0 {
		errs = append(errs, fmt.Errorf("rag.batch_size and rag.parallelism must not be negative"))
	}
	if cfg.RAG.IndexPath != "" && cfg.Providers.Embeddings.Name == "" {
		slog.Warn("rag.index_path is set but providers.embeddings is not configured; retrieval is disabled")
	}

	// Synth
	if cfg.Synth.Workers < 0 || cfg.Synth.Attempts < 0 {
		errs = append(errs, fmt.Errorf("synth.workers and synth.attempts must not be negative"))
	}

	// Scenarios
	if cfg.Scenarios.Watch && cfg.Scenarios.Dir == "" {
		errs = append(errs, fmt.Errorf("scenarios.watch requires scenarios.dir"))
	}

	// Store
	if cfg.Store.EmbeddingDimensions < 0 {
		errs = append(errs, fmt.Errorf("store.embedding_dimensions must not be negative"))
	}

	// Events
	if !cfg.Events.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("events.backend %q is invalid; valid values: log, nats, kafka", cfg.Events.Backend))
	}
	if cfg.Events.Backend == EventsNATS && cfg.Events.NATS.URL == "" {
		errs = append(errs, fmt.Errorf("events.nats.url is required when backend is nats"))
	}
	if cfg.Events.Backend == EventsKafka && len(cfg.Events.Kafka.Brokers) == 0 {
		errs = append(errs, fmt.Errorf("events.kafka.brokers is required when backend is kafka"))
	}

	return errors.Join(errs...)
}

func validateFallbacks(kind string, primary ProviderEntry, fallbacks []ProviderEntry) []error {
	var errs []error
	if len(fallbacks) > 0 && primary.Name == "" {
		errs = append(errs, fmt.Errorf("providers.%s_fallbacks requires providers.%s", kind, kind))
	}
	for i, fb := range fallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.%s_fallbacks[%d].name is required", kind, i))
			continue
		}
		validateProviderName(kind, fb.Name)
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

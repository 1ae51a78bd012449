// Command roleplay serves the sales-roleplay customer simulator.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/roleplay/internal/app"
	"github.com/MrWong99/roleplay/internal/config"
	"github.com/MrWong99/roleplay/internal/observe"
	"github.com/MrWong99/roleplay/internal/resilience"
	"github.com/MrWong99/roleplay/pkg/provider/embeddings"
	oaembed "github.com/MrWong99/roleplay/pkg/provider/embeddings/openai"
	"github.com/MrWong99/roleplay/pkg/provider/llm"
	"github.com/MrWong99/roleplay/pkg/provider/llm/anyllm"
	oallm "github.com/MrWong99/roleplay/pkg/provider/llm/openai"
	"github.com/MrWong99/roleplay/pkg/provider/oaiclient"
	"github.com/MrWong99/roleplay/pkg/provider/stt"
	oastt "github.com/MrWong99/roleplay/pkg/provider/stt/openai"
	"github.com/MrWong99/roleplay/pkg/provider/stt/whisper"
	"github.com/MrWong99/roleplay/pkg/provider/tts"
	"github.com/MrWong99/roleplay/pkg/provider/tts/elevenlabs"
	oatts "github.com/MrWong99/roleplay/pkg/provider/tts/openai"
	"github.com/MrWong99/roleplay/pkg/provider/tts/polly"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "roleplay: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "roleplay: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	slog.SetDefault(newLogger(cfg.Server.LogLevel))
	slog.Info("roleplay starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "roleplay",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := app.BuildProviders(cfg.Providers, reg, resilience.FallbackConfig{})
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	application, err := app.New(ctx, cfg, providers,
		app.WithMetrics(observe.DefaultMetrics()),
		app.WithMetricsHandler(telemetry.MetricsHandler()),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutdown signal received, stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return code
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the matching
// provider from the implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		if err := config.RequireAPIKey("llm", entry); err != nil {
			return nil, err
		}
		return oallm.New(entry.APIKey, entry.Model, openAIOptions(entry)...)
	})

	// The remaining hosted backends go through any-llm and share the same
	// pattern: API key plus optional BaseURL.
	for _, providerName := range []string{"anthropic", "gemini", "deepseek", "mistral", "groq"} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			if err := config.RequireAPIKey("llm", entry); err != nil {
				return nil, err
			}
			opts := []anyllmlib.Option{anyllmlib.WithAPIKey(entry.APIKey)}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// Local servers use BaseURL for the address, not an API key.
	for _, providerName := range []string{"ollama", "llamacpp", "llamafile"} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("openai", func(entry config.ProviderEntry) (stt.Provider, error) {
		if err := config.RequireAPIKey("stt", entry); err != nil {
			return nil, err
		}
		return oastt.New(entry.APIKey, entry.Model, openAIOptions(entry)...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := config.OptString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("openai", func(entry config.ProviderEntry) (tts.Provider, error) {
		if err := config.RequireAPIKey("tts", entry); err != nil {
			return nil, err
		}
		return oatts.New(entry.APIKey, entry.Model, openAIOptions(entry)...)
	})

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		if err := config.RequireAPIKey("tts", entry); err != nil {
			return nil, err
		}
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithEndpoint(entry.BaseURL))
		}
		if outputFmt := config.OptString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		if voice := config.OptString(entry.Options, "voice"); voice != "" {
			opts = append(opts, elevenlabs.WithDefaultVoice(voice))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	// Polly authenticates through the AWS default credential chain.
	reg.RegisterTTS("polly", func(entry config.ProviderEntry) (tts.Provider, error) {
		return polly.New(context.Background(), polly.Config{
			Region: config.OptString(entry.Options, "region"),
			Engine: config.OptString(entry.Options, "engine"),
			Voice:  config.OptString(entry.Options, "voice"),
		})
	})

	// ── Embeddings ────────────────────────────────────────────────────────────

	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		if err := config.RequireAPIKey("embeddings", entry); err != nil {
			return nil, err
		}
		return oaembed.New(entry.APIKey, entry.Model, openAIOptions(entry)...)
	})

	for kind, names := range config.ValidProviderNames {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind), "known", names)
	}
}

// openAIOptions maps the shared entry fields onto client options.
func openAIOptions(entry config.ProviderEntry) []oaiclient.Option {
	var opts []oaiclient.Option
	if entry.BaseURL != "" {
		opts = append(opts, oaiclient.WithBaseURL(entry.BaseURL))
	}
	if org := config.OptString(entry.Options, "organization"); org != "" {
		opts = append(opts, oaiclient.WithOrganization(org))
	}
	return opts
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

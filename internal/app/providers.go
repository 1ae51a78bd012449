package app

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/roleplay/internal/config"
	"github.com/MrWong99/roleplay/internal/resilience"
	"github.com/MrWong99/roleplay/pkg/provider/embeddings"
	"github.com/MrWong99/roleplay/pkg/provider/llm"
	"github.com/MrWong99/roleplay/pkg/provider/stt"
	"github.com/MrWong99/roleplay/pkg/provider/tts"
)

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured and the matching feature is disabled.
type Providers struct {
	LLM        llm.Provider
	STT        stt.Provider
	TTS        tts.Provider
	Embeddings embeddings.Provider
}

type namedProvider[P any] struct {
	name string
	p    P
}

// BuildProviders instantiates every provider named in cfg through reg. A
// primary with fallbacks is wrapped in the matching resilience fallback.
// Entries whose factory is missing or whose credentials are absent are
// skipped with a warning; any other construction error is returned.
func BuildProviders(cfg config.ProvidersConfig, reg *config.Registry, fcfg resilience.FallbackConfig) (*Providers, error) {
	ps := &Providers{}

	llms, err := createChain("llm", cfg.LLM, cfg.LLMFallbacks, reg.CreateLLM)
	if err != nil {
		return nil, err
	}
	if len(llms) > 0 {
		ps.LLM = llms[0].p
	}
	if len(llms) > 1 {
		fb := resilience.NewLLMFallback(llms[0].p, llms[0].name, fcfg)
		for _, n := range llms[1:] {
			fb.AddFallback(n.name, n.p)
		}
		ps.LLM = fb
	}

	stts, err := createChain("stt", cfg.STT, cfg.STTFallbacks, reg.CreateSTT)
	if err != nil {
		return nil, err
	}
	if len(stts) > 0 {
		ps.STT = stts[0].p
	}
	if len(stts) > 1 {
		fb := resilience.NewSTTFallback(stts[0].p, stts[0].name, fcfg)
		for _, n := range stts[1:] {
			fb.AddFallback(n.name, n.p)
		}
		ps.STT = fb
	}

	ttss, err := createChain("tts", cfg.TTS, cfg.TTSFallbacks, reg.CreateTTS)
	if err != nil {
		return nil, err
	}
	if len(ttss) > 0 {
		ps.TTS = ttss[0].p
	}
	if len(ttss) > 1 {
		fb := resilience.NewTTSFallback(ttss[0].p, ttss[0].name, fcfg)
		for _, n := range ttss[1:] {
			fb.AddFallback(n.name, n.p)
		}
		ps.TTS = fb
	}

	embs, err := createChain("embeddings", cfg.Embeddings, nil, reg.CreateEmbeddings)
	if err != nil {
		return nil, err
	}
	if len(embs) > 0 {
		ps.Embeddings = embs[0].p
	}

	return ps, nil
}

func createChain[P any](kind string, primary config.ProviderEntry, fallbacks []config.ProviderEntry, create func(config.ProviderEntry) (P, error)) ([]namedProvider[P], error) {
	var out []namedProvider[P]
	for _, e := range append([]config.ProviderEntry{primary}, fallbacks...) {
		if e.Name == "" {
			continue
		}
		p, err := create(e)
		switch {
		case errors.Is(err, config.ErrProviderNotRegistered), errors.Is(err, config.ErrMissingCredentials):
			slog.Warn("provider disabled", "kind", kind, "name", e.Name, "err", err)
			continue
		case err != nil:
			return nil, fmt.Errorf("create %s provider %q: %w", kind, e.Name, err)
		}
		slog.Info("provider created", "kind", kind, "name", e.Name, "model", e.Model)
		out = append(out, namedProvider[P]{name: e.Name, p: p})
	}
	return out, nil
}

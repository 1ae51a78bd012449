// Package oaiclient builds OpenAI SDK clients and classifies their errors.
// It is shared by the OpenAI-backed LLM, embeddings, TTS and STT adapters.
package oaiclient

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/roleplay/pkg/provider"
)

// Name is the provider name reported in errors and metrics.
const Name = "openai"

// Config holds connection settings common to every OpenAI adapter.
type Config struct {
	BaseURL      string
	Organization string
	Timeout      time.Duration
}

// Option is a functional option applied to Config.
type Option func(*Config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *Config) {
		c.BaseURL = url
	}
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *Config) {
		c.Organization = org
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.Timeout = d
	}
}

// NewClient returns an OpenAI client for apiKey.
func NewClient(apiKey string, opts ...Option) (oai.Client, error) {
	if apiKey == "" {
		return oai.Client{}, fmt.Errorf("openai: apiKey must not be empty")
	}
	cfg := &Config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		// Retries are owned by callers (the synthesizer retries, everything
		// else degrades), so the SDK must not retry on its own.
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.Organization))
	}
	if cfg.Timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.Timeout,
		}))
	}
	return oai.NewClient(reqOpts...), nil
}

// Wrap converts an SDK error into a *provider.Error, using the HTTP status
// of API errors to pick the kind.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	kind := provider.KindTransient
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		kind = provider.KindFromStatus(apiErr.StatusCode)
	}
	return provider.Wrap(Name, op, kind, err)
}

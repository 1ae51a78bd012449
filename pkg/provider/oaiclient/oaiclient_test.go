package oaiclient

import (
	"context"
	"errors"
	"testing"

	oai "github.com/openai/openai-go"

	"github.com/MrWong99/roleplay/pkg/provider"
)

func TestNewClientRequiresKey(t *testing.T) {
	if _, err := NewClient(""); err == nil {
		t.Error("expected error for empty api key")
	}
	if _, err := NewClient("sk-test", WithBaseURL("http://localhost:1"), WithTimeout(1)); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestWrap(t *testing.T) {
	if Wrap("embed", nil) != nil {
		t.Error("Wrap(nil) should be nil")
	}

	var pe *provider.Error
	err := Wrap("embed", &oai.Error{StatusCode: 429})
	if !errors.As(err, &pe) || pe.Kind != provider.KindRateLimited || pe.Provider != Name {
		t.Errorf("429: got %v", err)
	}

	err = Wrap("chat", &oai.Error{StatusCode: 400})
	if !errors.As(err, &pe) || pe.Kind != provider.KindInvalidInput {
		t.Errorf("400: got %v", err)
	}
	if provider.IsRetryable(err) {
		t.Error("400 must not be retryable")
	}

	err = Wrap("chat", errors.New("connection reset"))
	if !errors.As(err, &pe) || pe.Kind != provider.KindTransient {
		t.Errorf("network: got %v", err)
	}

	err = Wrap("chat", context.Canceled)
	if !errors.As(err, &pe) || pe.Kind != provider.KindCanceled {
		t.Errorf("canceled: got %v", err)
	}
}

// Package provider holds the error type shared by every external capability
// adapter (embeddings, LLM, TTS, STT).
//
// Adapters wrap upstream failures in *Error so callers can decide whether to
// retry, degrade or abort without knowing which backend produced the failure.
package provider

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an upstream failure.
type Kind int

const (
	// KindUnknown is an unclassified failure. Treated as transient.
	KindUnknown Kind = iota

	// KindTransient covers network errors, 5xx responses and timeouts.
	KindTransient

	// KindRateLimited is a throttling response (HTTP 429 and equivalents).
	KindRateLimited

	// KindAuth is a rejected or missing credential.
	KindAuth

	// KindInvalidInput means the request itself was rejected. Never retried.
	KindInvalidInput

	// KindCanceled means the caller's context ended.
	KindCanceled
)

// String returns a short lower-case label suitable for metric attributes.
func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindAuth:
		return "auth"
	case KindInvalidInput:
		return "invalid_input"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Error is returned by capability adapters when an upstream call fails.
type Error struct {
	// Provider is the adapter name, e.g. "openai" or "polly".
	Provider string

	// Op is the capability operation, e.g. "embed" or "synthesize".
	Op string

	// Kind classifies the failure.
	Kind Kind

	// Err is the underlying error.
	Err error
}

// Error implements error.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s (%s): %v", e.Provider, e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

// Wrap builds an *Error, deriving the kind from context errors when possible.
// A deadline is transient so a per-attempt timeout can be retried. A nil err
// returns nil and an existing *Error is passed through untouched.
func Wrap(providerName, op string, kind Kind, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled):
		kind = KindCanceled
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTransient
	}
	return &Error{Provider: providerName, Op: op, Kind: kind, Err: err}
}

// KindFromStatus maps an HTTP status code to a Kind.
func KindFromStatus(status int) Kind {
	switch {
	case status == 429:
		return KindRateLimited
	case status == 401 || status == 403:
		return KindAuth
	case status >= 400 && status < 500:
		return KindInvalidInput
	case status >= 500:
		return KindTransient
	default:
		return KindUnknown
	}
}

// IsRetryable reports whether err is worth another attempt. Invalid input,
// auth failures and cancellation are permanent; everything else, including
// errors from outside this package, is retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var pe *Error
	if errors.As(err, &pe) {
		switch pe.Kind {
		case KindInvalidInput, KindAuth, KindCanceled:
			return false
		}
	}
	return true
}

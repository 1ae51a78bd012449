// Package llm defines the Provider interface for Large Language Model backends.
//
// An LLM provider wraps a remote model API (OpenAI, or any backend reachable
// through any-llm) and exposes streaming and unary chat completion to the
// turn pipeline without coupling it to a specific SDK.
//
// Implementors must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends or
// when the supplied context is cancelled.
package llm

import (
	"context"

	"github.com/MrWong99/roleplay/pkg/types"
)

// FinishReasonError marks a Chunk that carries a mid-stream failure in Err.
const FinishReasonError = "error"

// Usage holds token accounting information returned by the LLM backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the LLM needs to produce a response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history. The last message is
	// usually the salesperson's current utterance with the "user" role.
	Messages []types.Message

	// SystemPrompt is prepended as a "system"-role message when non-empty.
	SystemPrompt string

	// Model overrides the provider's default model for this request.
	Model string

	// Temperature controls output randomness in [0.0, 2.0]. Zero leaves the
	// provider default.
	Temperature float64

	// MaxTokens caps the number of completion tokens. Zero means the provider
	// default.
	MaxTokens int
}

// Chunk is a single token or fragment emitted by a streaming completion.
type Chunk struct {
	// Text is the incremental text content of this chunk. May be empty.
	Text string

	// FinishReason is set on the last chunk: "stop", "length", or
	// FinishReasonError when the stream failed after it started.
	FinishReason string

	// Err is the failure when FinishReason is FinishReasonError.
	Err error
}

// CompletionResponse is returned by the non-streaming Complete method.
type CompletionResponse struct {
	Content string
	Usage   Usage
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// StreamCompletion sends req to the model and returns a channel that emits
	// Chunk values as they arrive. The channel is closed when generation
	// finishes or ctx is cancelled.
	//
	// The error return is non-nil only for failures that prevent the stream
	// from starting. Failures after that are delivered as a final Chunk with
	// FinishReason set to FinishReasonError. The channel is never nil when
	// error is nil.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete sends req to the model and waits for the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// Collect drains a stream into a single string. It returns the text received
// so far together with the stream error, if any.
func Collect(ch <-chan Chunk) (string, error) {
	var text []byte
	for c := range ch {
		text = append(text, c.Text...)
		if c.FinishReason == FinishReasonError {
			return string(text), c.Err
		}
	}
	return string(text), nil
}

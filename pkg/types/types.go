// Package types defines the shared types used across roleplay packages.
//
// These types form the lingua franca between providers, the retrieval layer,
// the prompt assembler and the turn pipeline. They are intentionally minimal.
// Each package defines its own domain types, but cross-cutting data structures
// live here to avoid circular imports.
package types

// Role names used in chat messages exchanged with LLM providers.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single role-tagged entry in an LLM conversation.
type Message struct {
	// Role is one of RoleSystem, RoleUser or RoleAssistant.
	Role string

	// Content is the plain-text body of the message.
	Content string

	// Name optionally labels the participant (e.g., the persona name).
	Name string
}

// VoiceProfile selects the synthetic voice used for a customer persona.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier (e.g., "nova" for OpenAI,
	// a voice UUID for ElevenLabs, "Kazuha" for Polly).
	ID string

	// Name is a human-readable label.
	Name string

	// Provider is the name of the TTS backend this voice belongs to.
	Provider string

	// Language is the BCP-47 tag of the spoken language (e.g., "ja-JP").
	Language string

	// Speed is the playback speed multiplier. Zero means the provider default.
	Speed float64
}

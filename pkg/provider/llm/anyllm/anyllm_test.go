package anyllm

import (
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/roleplay/pkg/provider/llm"
	"github.com/MrWong99/roleplay/pkg/types"
)

func TestConvertMessage(t *testing.T) {
	got := convertMessage(types.Message{Role: types.RoleAssistant, Content: "そうですね", Name: "customer"})
	if got.Role != types.RoleAssistant || got.Content != "そうですね" || got.Name != "customer" {
		t.Errorf("got %+v", got)
	}
}

func TestNew(t *testing.T) {
	if _, err := New("", "gpt-4o"); err == nil {
		t.Error("expected error for empty providerName")
	}
	if _, err := New("openai", ""); err == nil {
		t.Error("expected error for empty model")
	}
	if _, err := New("fakecloud", "m", anyllmlib.WithAPIKey("dummy")); err == nil {
		t.Error("expected error for unsupported provider")
	}

	p, err := New("OpenAI", "gpt-4o", anyllmlib.WithAPIKey("sk-test"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.name != "openai" || p.model != "gpt-4o" {
		t.Errorf("provider = %+v", p)
	}
}

func TestNewMissingAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := New("openai", "gpt-4o"); err == nil {
		t.Fatal("expected error for missing API key")
	}
}

func TestConvenienceConstructors(t *testing.T) {
	if _, err := NewAnthropic("claude-3-5-haiku-latest", anyllmlib.WithAPIKey("sk-ant-test")); err != nil {
		t.Errorf("NewAnthropic: %v", err)
	}
	if _, err := NewOllama("llama3"); err != nil {
		t.Errorf("NewOllama: %v", err)
	}
}

func TestBuildParams(t *testing.T) {
	p, err := NewAnthropic("claude-3-5-haiku-latest", anyllmlib.WithAPIKey("sk-ant-test"))
	if err != nil {
		t.Fatal(err)
	}
	params, err := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "sys",
		Messages:     []types.Message{{Role: types.RoleUser, Content: "hi"}},
		Model:        "gpt-4o",
		Temperature:  0.7,
		MaxTokens:    1000,
	})
	if err != nil {
		t.Fatal(err)
	}
	if params.Model != "claude-3-5-haiku-latest" {
		t.Errorf("OpenAI model override leaked into anthropic request: %q", params.Model)
	}
	if len(params.Messages) != 2 || params.Messages[0].Role != anyllmlib.RoleSystem {
		t.Errorf("messages = %+v", params.Messages)
	}
	if params.Temperature == nil || *params.Temperature != 0.7 || params.MaxTokens == nil || *params.MaxTokens != 1000 {
		t.Errorf("params = %+v", params)
	}
	if _, err := p.buildParams(llm.CompletionRequest{}); err == nil {
		t.Error("expected error for empty messages")
	}
}

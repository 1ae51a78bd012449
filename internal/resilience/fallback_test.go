package resilience

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/roleplay/pkg/provider"
	"github.com/MrWong99/roleplay/pkg/provider/llm"
	llmmock "github.com/MrWong99/roleplay/pkg/provider/llm/mock"
	sttmock "github.com/MrWong99/roleplay/pkg/provider/stt/mock"
	"github.com/MrWong99/roleplay/pkg/provider/tts"
	ttsmock "github.com/MrWong99/roleplay/pkg/provider/tts/mock"
	"github.com/MrWong99/roleplay/pkg/types"
)

func newGroup(maxFailures int) *FallbackGroup[string] {
	fg := NewFallbackGroup("openai", "openai", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: maxFailures, ResetTimeout: time.Hour},
	})
	fg.AddFallback("elevenlabs", "elevenlabs")
	fg.AddFallback("polly", "polly")
	return fg
}

func TestFallbackGroupOrder(t *testing.T) {
	tests := []struct {
		name    string
		failing []string
		want    string
		wantErr bool
	}{
		{"primary succeeds", nil, "openai", false},
		{"primary fails", []string{"openai"}, "elevenlabs", false},
		{"two fail", []string{"openai", "elevenlabs"}, "polly", false},
		{"all fail", []string{"openai", "elevenlabs", "polly"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExecuteWithResult(newGroup(3), func(v string) (string, error) {
				if slices.Contains(tt.failing, v) {
					return "", errTest
				}
				return v, nil
			})
			if (err != nil) != tt.wantErr || got != tt.want {
				t.Fatalf("got %q, %v", got, err)
			}
			if err != nil && (!errors.Is(err, ErrAllFailed) || !errors.Is(err, errTest)) {
				t.Errorf("err = %v, want ErrAllFailed wrapping the last error", err)
			}
		})
	}
}

func TestFallbackGroupSkipsOpenBreaker(t *testing.T) {
	fg := newGroup(1)
	var calls []string
	call := func(v string) error {
		calls = append(calls, v)
		if v == "openai" {
			return errTest
		}
		return nil
	}
	_ = fg.Execute(call)
	calls = nil
	if err := fg.Execute(call); err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(calls, []string{"elevenlabs"}) {
		t.Errorf("calls = %v, open primary should be skipped", calls)
	}
}

func TestFallbackGroupStopsOnCallerError(t *testing.T) {
	var calls []string
	invalid := &provider.Error{Provider: "openai", Op: "synthesize", Kind: provider.KindInvalidInput, Err: errTest}
	err := newGroup(3).Execute(func(v string) error {
		calls = append(calls, v)
		return invalid
	})
	if !errors.Is(err, invalid) || errors.Is(err, ErrAllFailed) {
		t.Errorf("err = %v", err)
	}
	if len(calls) != 1 {
		t.Errorf("calls = %v, a rejected request must not fail over", calls)
	}
}

func TestFallbackErrorKeepsClassification(t *testing.T) {
	_, err := ExecuteWithResult(newGroup(3), func(string) (int, error) {
		return 0, &provider.Error{Provider: "polly", Op: "synthesize", Kind: provider.KindRateLimited, Err: errTest}
	})
	var pe *provider.Error
	if !errors.As(err, &pe) || pe.Kind != provider.KindRateLimited || !provider.IsRetryable(err) {
		t.Errorf("err = %v", err)
	}
}

func TestFallbackGroupNames(t *testing.T) {
	if got := newGroup(1).Names(); !slices.Equal(got, []string{"openai", "elevenlabs", "polly"}) {
		t.Errorf("Names = %v", got)
	}
}

func TestLLMFallback(t *testing.T) {
	primary := &llmmock.Provider{StreamErr: errTest, CompleteErr: errTest}
	secondary := &llmmock.Provider{
		StreamChunks:     llmmock.Tokens("はい。"),
		CompleteResponse: &llm.CompletionResponse{Content: "はい。"},
	}
	fb := NewLLMFallback(primary, "openai", FallbackConfig{})
	fb.AddFallback("anthropic", secondary)

	ch, err := fb.StreamCompletion(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if text, err := llm.Collect(ch); err != nil || text != "はい。" {
		t.Errorf("stream = %q, %v", text, err)
	}
	resp, err := fb.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil || resp.Content != "はい。" {
		t.Errorf("complete = %+v, %v", resp, err)
	}
	if len(primary.StreamCalls) != 1 || len(primary.CompleteCalls) != 1 {
		t.Error("primary should be tried first")
	}
}

func TestTTSFallback(t *testing.T) {
	primary := &ttsmock.Provider{Err: errTest}
	secondary := &ttsmock.Provider{Audio: []byte("mp3")}
	fb := NewTTSFallback(primary, "openai", FallbackConfig{})
	fb.AddFallback("polly", secondary)

	voice := types.VoiceProfile{ID: "nova"}
	audio, err := fb.Synthesize(context.Background(), "こんにちは", voice)
	if err != nil || string(audio) != "mp3" {
		t.Fatalf("got %q, %v", audio, err)
	}
	if secondary.Calls[0].Voice != voice {
		t.Errorf("voice = %+v", secondary.Calls[0].Voice)
	}

	if _, err := fb.Synthesize(context.Background(), " ", voice); !errors.Is(err, tts.ErrEmptyText) {
		t.Errorf("empty text: %v", err)
	}
	if primary.CallCount() != 2 || secondary.CallCount() != 1 {
		t.Errorf("calls = %d/%d, empty text must not fail over", primary.CallCount(), secondary.CallCount())
	}
}

func TestSTTFallback(t *testing.T) {
	primary := &sttmock.Provider{Err: errTest}
	secondary := &sttmock.Provider{Text: "よろしくお願いします"}
	fb := NewSTTFallback(primary, "whisper", FallbackConfig{})
	fb.AddFallback("openai", secondary)

	text, err := fb.Transcribe(context.Background(), []byte("webm"), "rec.webm", "ja")
	if err != nil || text != "よろしくお願いします" {
		t.Fatalf("got %q, %v", text, err)
	}
	if c := secondary.Calls[0]; c.Filename != "rec.webm" || c.Language != "ja" {
		t.Errorf("call = %+v", c)
	}
}

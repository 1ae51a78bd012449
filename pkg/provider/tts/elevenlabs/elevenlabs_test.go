package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/coder/websocket"

	"github.com/MrWong99/roleplay/pkg/provider"
	"github.com/MrWong99/roleplay/pkg/provider/tts"
	"github.com/MrWong99/roleplay/pkg/types"
)

// session is what the fake server saw from the client.
type session struct {
	path string
	msgs []textMessage
}

// fakeServer accepts one stream-input session, reports the text messages and
// answers with the given frames.
func fakeServer(t *testing.T, frames []audioResponse) (*httptest.Server, <-chan session) {
	t.Helper()
	seen := make(chan session, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := session{path: r.URL.RequestURI()}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		ctx := r.Context()
		for range 3 {
			_, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			var m textMessage
			_ = json.Unmarshal(data, &m)
			s.msgs = append(s.msgs, m)
		}
		seen <- s
		for _, f := range frames {
			data, _ := json.Marshal(f)
			if err := c.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		}
		// Keep reading so the client's close handshake completes.
		for {
			if _, _, err := c.Read(ctx); err != nil {
				return
			}
		}
	}))
	return srv, seen
}

func b64(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

func TestSynthesize(t *testing.T) {
	srv, seen := fakeServer(t, []audioResponse{
		{Audio: b64("ab")},
		{Audio: b64("cd")},
		{IsFinal: true},
	})
	defer srv.Close()

	p, err := New("xi-key", WithEndpoint(srv.URL), WithModel("eleven_multilingual_v2"))
	if err != nil {
		t.Fatal(err)
	}
	audio, err := p.Synthesize(context.Background(), "こんにちは", types.VoiceProfile{ID: "voice-1"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(audio) != "abcd" {
		t.Errorf("audio = %q, want frames concatenated", audio)
	}
	sess := <-seen
	path, got := sess.path, sess.msgs
	if !strings.HasPrefix(path, "/v1/text-to-speech/voice-1/stream-input?model_id=eleven_multilingual_v2") {
		t.Errorf("path = %q", path)
	}
	if len(got) != 3 {
		t.Fatalf("server saw %d messages", len(got))
	}
	if got[0].XiAPIKey != "xi-key" || got[0].Text != " " || got[0].VoiceSettings == nil {
		t.Errorf("begin message = %+v", got[0])
	}
	if got[1].Text != "こんにちは " || !got[1].Flush {
		t.Errorf("text message = %+v", got[1])
	}
	if got[2].Text != "" {
		t.Errorf("end message = %+v", got[2])
	}
}

func TestSynthesizeServerError(t *testing.T) {
	srv, _ := fakeServer(t, []audioResponse{{Error: "quota_exceeded", Message: "no credits"}})
	defer srv.Close()

	p, _ := New("xi-key", WithEndpoint(srv.URL), WithDefaultVoice("v"))
	_, err := p.Synthesize(context.Background(), "はい", types.VoiceProfile{})
	var pe *provider.Error
	if !errors.As(err, &pe) || pe.Provider != Name || pe.Kind != provider.KindInvalidInput {
		t.Errorf("got %v", err)
	}
}

func TestSynthesizeRejectedHandshake(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	p, _ := New("bad", WithEndpoint(srv.URL))
	_, err := p.Synthesize(context.Background(), "はい", types.VoiceProfile{ID: "v"})
	var pe *provider.Error
	if !errors.As(err, &pe) || pe.Kind != provider.KindAuth {
		t.Errorf("got %v", err)
	}
	if provider.IsRetryable(err) {
		t.Error("auth failure must not be retryable")
	}
}

func TestSynthesizeValidation(t *testing.T) {
	p, _ := New("k")
	if _, err := p.Synthesize(context.Background(), " ", types.VoiceProfile{ID: "v"}); !errors.Is(err, tts.ErrEmptyText) {
		t.Errorf("empty text: %v", err)
	}
	if _, err := p.Synthesize(context.Background(), "x", types.VoiceProfile{}); provider.IsRetryable(err) {
		t.Errorf("missing voice should be a validation error: %v", err)
	}
}

func TestNew(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("expected error for empty api key")
	}
	p, err := New("k", WithOutputFormat("mp3_22050_32"))
	if err != nil {
		t.Fatal(err)
	}
	if p.model != defaultModel || p.outputFormat != "mp3_22050_32" || p.endpoint != defaultEndpoint {
		t.Errorf("provider = %+v", p)
	}
	if got := p.url("abc"); got != "wss://api.elevenlabs.io/v1/text-to-speech/abc/stream-input?model_id=eleven_flash_v2_5&output_format=mp3_22050_32" {
		t.Errorf("url = %q", got)
	}
}

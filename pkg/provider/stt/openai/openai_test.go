package openai

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MrWong99/roleplay/pkg/provider/oaiclient"
	"github.com/MrWong99/roleplay/pkg/provider/stt"
)

type upload struct {
	model, language, filename string
	audio                     []byte
}

func TestTranscribe(t *testing.T) {
	seen := make(chan upload, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/audio/transcriptions" {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(f)
		seen <- upload{
			model:    r.FormValue("model"),
			language: r.FormValue("language"),
			filename: hdr.Filename,
			audio:    data,
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":" 本日はよろしくお願いします "}`))
	}))
	defer srv.Close()

	p, err := New("sk-test", "", oaiclient.WithBaseURL(srv.URL+"/"))
	if err != nil {
		t.Fatal(err)
	}
	text, err := p.Transcribe(context.Background(), []byte("webm-bytes"), "rec.webm", "")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "本日はよろしくお願いします" {
		t.Errorf("text = %q", text)
	}
	u := <-seen
	if u.model != DefaultModel || u.language != "ja" || u.filename != "rec.webm" || string(u.audio) != "webm-bytes" {
		t.Errorf("upload = %+v", u)
	}
}

func TestTranscribeEmptyAudio(t *testing.T) {
	p, _ := New("sk-test", "")
	if _, err := p.Transcribe(context.Background(), nil, "a.webm", "ja"); !errors.Is(err, stt.ErrEmptyAudio) {
		t.Errorf("got %v", err)
	}
}

func TestContentType(t *testing.T) {
	if got := contentType("x.unknownext"); got != "application/octet-stream" {
		t.Errorf("got %q", got)
	}
	if got := contentType("Rec.WEBM"); got != "audio/webm" {
		t.Errorf("webm: got %q", got)
	}
}

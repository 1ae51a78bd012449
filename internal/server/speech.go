package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/roleplay/pkg/provider"
	"github.com/MrWong99/roleplay/pkg/provider/stt"
	"github.com/MrWong99/roleplay/pkg/provider/tts"
)

// defaultSpeechVoice is used when neither the request nor the config names a
// voice. Each backend maps voices it does not offer on its own.
const defaultSpeechVoice = "nova"

type ttsRequest struct {
	Text  string `json:"text"`
	Voice string `json:"voice"`
}

// synthesize renders one text as MP3.
func (s *Server) synthesize(w http.ResponseWriter, r *http.Request) {
	var req ttsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		writeError(w, http.StatusBadRequest, "text is empty")
		return
	}
	if s.deps.Speech == nil {
		writeError(w, http.StatusServiceUnavailable, "speech synthesis is not configured")
		return
	}

	voice := s.cfg.Voice
	if req.Voice != "" {
		voice.ID = req.Voice
	}

	audio, err := s.deps.Speech.Synthesize(r.Context(), text, voice)
	if err != nil {
		writeError(w, statusFor(err), "speech synthesis failed")
		return
	}
	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Content-Length", fmt.Sprint(len(audio)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(audio)
}

type transcribeResponse struct {
	Success   bool      `json:"success"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// transcribe converts an uploaded recording to text. The recording is the
// multipart field "audio"; "language" defaults to Japanese.
func (s *Server) transcribe(w http.ResponseWriter, r *http.Request) {
	if s.deps.STT == nil {
		writeError(w, http.StatusServiceUnavailable, "transcription is not configured")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "recording is too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	f, hdr, err := r.FormFile("audio")
	if err != nil {
		writeError(w, http.StatusBadRequest, "audio file is missing")
		return
	}
	defer f.Close()
	audio, err := io.ReadAll(f)
	if err != nil {
		internalError(w, r, "read upload", err)
		return
	}
	if len(audio) < minUploadBytes {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("recording is too short (%d bytes)", len(audio)))
		return
	}

	lang := r.FormValue("language")
	if lang == "" {
		lang = stt.DefaultLanguage
	}

	start := time.Now()
	text, err := s.deps.STT.Transcribe(r.Context(), audio, hdr.Filename, lang)
	if err != nil {
		writeError(w, statusFor(err), "transcription failed")
		return
	}
	s.deps.Metrics.RecordSTT(r.Context(), time.Since(start))
	writeJSON(w, http.StatusOK, transcribeResponse{Success: true, Text: text, Timestamp: time.Now()})
}

// statusFor maps capability errors to HTTP status codes.
func statusFor(err error) int {
	if errors.Is(err, tts.ErrEmptyText) || errors.Is(err, stt.ErrEmptyAudio) {
		return http.StatusBadRequest
	}
	var pe *provider.Error
	if errors.As(err, &pe) {
		switch pe.Kind {
		case provider.KindInvalidInput:
			return http.StatusBadRequest
		case provider.KindRateLimited:
			return http.StatusTooManyRequests
		case provider.KindTransient, provider.KindCanceled:
			return http.StatusGatewayTimeout
		}
	}
	return http.StatusBadGateway
}

// Package whisper provides an STT provider backed by a self-hosted
// whisper.cpp server.
//
// It POSTs each uploaded recording to the server's /inference endpoint as
// multipart/form-data. The server must be started with --convert (ffmpeg) so
// it accepts the browser's webm/ogg containers.
//
// Usage:
//
//	p, err := whisper.New("http://localhost:8080", whisper.WithLanguage("ja"))
//	text, err := p.Transcribe(ctx, audio, "rec.webm", "")
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/roleplay/pkg/provider"
	"github.com/MrWong99/roleplay/pkg/provider/stt"
)

// Name is the provider name reported in errors.
const Name = "whisper"

// Option is a functional option for configuring the whisper Provider.
type Option func(*Provider)

// WithModel sets the model name sent to the server (informational for
// whisper.cpp, which loads its model at startup).
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the default recognition language (e.g., "ja").
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithTimeout sets the HTTP timeout for one inference request.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

var _ stt.Provider = (*Provider)(nil)

// Provider implements stt.Provider against a whisper.cpp server.
type Provider struct {
	serverURL  string
	model      string
	language   string
	httpClient *http.Client
}

// New creates a Provider for the whisper.cpp server at serverURL.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   stt.DefaultLanguage,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Transcribe implements stt.Provider.
func (p *Provider) Transcribe(ctx context.Context, audio []byte, filename, language string) (string, error) {
	if len(audio) == 0 {
		return "", stt.ErrEmptyAudio
	}
	if filename == "" {
		filename = "audio.webm"
	}
	if language == "" {
		language = p.language
	}

	body, contentType, err := p.form(audio, filename, language)
	if err != nil {
		return "", provider.Wrap(Name, "transcribe", provider.KindInvalidInput, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/inference", body)
	if err != nil {
		return "", provider.Wrap(Name, "transcribe", provider.KindInvalidInput, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", provider.Wrap(Name, "transcribe", provider.KindTransient, fmt.Errorf("http request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", provider.Wrap(Name, "transcribe", provider.KindFromStatus(resp.StatusCode),
			fmt.Errorf("server returned HTTP %d", resp.StatusCode))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", provider.Wrap(Name, "transcribe", provider.KindTransient, fmt.Errorf("read response body: %w", err))
	}
	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", provider.Wrap(Name, "transcribe", provider.KindTransient, fmt.Errorf("parse JSON response: %w", err))
	}
	return strings.TrimSpace(result.Text), nil
}

// form encodes the multipart body expected by /inference.
func (p *Provider) form(audio []byte, filename, language string) (io.Reader, string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := fw.Write(audio); err != nil {
		return nil, "", fmt.Errorf("write audio: %w", err)
	}
	fields := map[string]string{
		"language":        language,
		"response_format": "json",
	}
	if p.model != "" {
		fields["model"] = p.model
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, "", fmt.Errorf("write %s field: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}
	return &body, mw.FormDataContentType(), nil
}

package rag

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// transcriptFile is the on-disk transcript format written by the
// transcription tooling.
type transcriptFile struct {
	SourceFile string        `json:"source_file"`
	Segments   []segmentFile `json:"segments"`
}

type segmentFile struct {
	Speaker     string  `json:"speaker"`
	SpeakerType string  `json:"speaker_type"`
	Text        string  `json:"text"`
	Start       float64 `json:"start"`
	End         float64 `json:"end"`
}

// ReadTranscript decodes a transcript from r. name is used as the source
// file when the document does not carry one. Segments whose speaker cannot be
// mapped to a role are rejected.
func ReadTranscript(r io.Reader, name string, detector ScenarioDetector) (*Transcript, error) {
	var f transcriptFile
	if err := json.NewDecoder(r).Decode(&f); err != nil {
		return nil, fmt.Errorf("rag: decode transcript %s: %w", name, err)
	}
	t := &Transcript{SourceFile: f.SourceFile}
	if t.SourceFile == "" {
		t.SourceFile = name
	}
	t.ScenarioID = detector.Detect(t.SourceFile)

	for i, s := range f.Segments {
		role := ParseRole(s.Speaker)
		if role == "" {
			role = ParseRole(s.SpeakerType)
		}
		if role == "" {
			return nil, fmt.Errorf("rag: transcript %s: segment %d: unknown speaker %q", name, i, s.Speaker)
		}
		t.Utterances = append(t.Utterances, Utterance{
			Role:  role,
			Text:  strings.TrimSpace(s.Text),
			Start: s.Start,
			End:   s.End,
		})
	}
	return t, nil
}

// LoadTranscripts reads every *.json file in dir, sorted by name.
func LoadTranscripts(dir string, detector ScenarioDetector) ([]*Transcript, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("rag: list transcripts: %w", err)
	}
	sort.Strings(paths)

	out := make([]*Transcript, 0, len(paths))
	for _, p := range paths {
		t, err := readTranscriptFile(p, detector)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func readTranscriptFile(path string, detector ScenarioDetector) (*Transcript, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("rag: open transcript: %w", err)
	}
	defer f.Close()
	return ReadTranscript(f, filepath.Base(path), detector)
}

package evaluate

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Criterion is one scored skill of the rubric.
type Criterion struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// DefaultCriteria is used when no rubric file is configured.
var DefaultCriteria = []Criterion{
	{"質問力", "顧客のニーズ・課題を適切に引き出す質問"},
	{"傾聴力", "相手の発言を理解し、適切に受容・共感"},
	{"提案力", "顧客の課題に対する具体的な解決策を提示"},
	{"クロージング力", "次のアクション・決定を促す適切なクロージング"},
}

type rubricFile struct {
	Version  string      `yaml:"version"`
	Criteria []Criterion `yaml:"evaluation_criteria"`
}

// LoadCriteria reads the evaluation_criteria list of a rubric YAML file.
func LoadCriteria(path string) ([]Criterion, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("evaluate: read rubric: %w", err)
	}
	var rf rubricFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("evaluate: parse rubric %s: %w", path, err)
	}
	if len(rf.Criteria) == 0 {
		return nil, fmt.Errorf("evaluate: rubric %s has no evaluation_criteria", path)
	}
	for i, c := range rf.Criteria {
		if strings.TrimSpace(c.Name) == "" {
			return nil, fmt.Errorf("evaluate: rubric %s: criterion %d has no name", path, i)
		}
	}
	return rf.Criteria, nil
}

// Quality labels of a few-shot sample.
const (
	QualityGood = "good"
	QualityPoor = "poor"
)

// SampleScores uses the field names of the sample files.
type SampleScores struct {
	Questioning float64 `json:"questioning_skill"`
	Listening   float64 `json:"listening_skill"`
	Proposing   float64 `json:"proposal_skill"`
	Closing     float64 `json:"closing_skill"`
}

// Sample is one graded example conversation.
type Sample struct {
	Quality string `json:"quality"`
	// Conversation alternates salesperson and customer lines, salesperson
	// first.
	Conversation []string `json:"conversation"`
	Evaluation   struct {
		Scores       SampleScores `json:"scores"`
		Strengths    []string     `json:"strengths"`
		Improvements []string     `json:"improvements"`
	} `json:"evaluation"`
}

// Samples are the few-shot examples of one scenario.
type Samples struct {
	Focus    []string `json:"evaluation_focus"`
	Examples []Sample `json:"few_shot_examples"`
}

// first returns the first example of the given quality.
func (s *Samples) first(quality string) (Sample, bool) {
	for _, ex := range s.Examples {
		if ex.Quality == quality {
			return ex, true
		}
	}
	return Sample{}, false
}

// SampleStore loads <dir>/<scenario>_samples.json files on first use and
// caches them, including their absence.
type SampleStore struct {
	dir string

	mu    sync.Mutex
	cache map[string]*Samples
}

// NewSampleStore returns a store reading from dir.
func NewSampleStore(dir string) *SampleStore {
	return &SampleStore{dir: dir, cache: make(map[string]*Samples)}
}

// Get returns the samples of a scenario, or nil when it has none.
func (s *SampleStore) Get(scenarioID string) (*Samples, error) {
	if s == nil || scenarioID == "" {
		return nil, nil
	}
	if scenarioID != filepath.Base(scenarioID) || strings.HasPrefix(scenarioID, ".") {
		return nil, fmt.Errorf("evaluate: invalid scenario id %q", scenarioID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if smp, ok := s.cache[scenarioID]; ok {
		return smp, nil
	}

	path := filepath.Join(s.dir, scenarioID+"_samples.json")
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		s.cache[scenarioID] = nil
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("evaluate: read samples: %w", err)
	}
	smp := new(Samples)
	if err := json.Unmarshal(data, smp); err != nil {
		return nil, fmt.Errorf("evaluate: parse %s: %w", path, err)
	}
	s.cache[scenarioID] = smp
	return smp, nil
}

package scenario

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
)

// IndexFile is the catalogue file name inside a scenario directory.
const IndexFile = "index.json"

// Entry is one line of index.json.
type Entry struct {
	ID      string `json:"id"`
	File    string `json:"file"`
	Title   string `json:"title,omitempty"`
	Enabled *bool  `json:"enabled,omitempty"`
}

// enabled reports whether the entry is active. Entries default to enabled.
func (e Entry) enabled() bool { return e.Enabled == nil || *e.Enabled }

type indexFile struct {
	DefaultID string  `json:"default_id"`
	Scenarios []Entry `json:"scenarios"`
}

// Summary is the listing form of a scenario.
type Summary struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// Catalog is an immutable snapshot of a scenario directory.
type Catalog struct {
	defaultID string
	order     []string
	byID      map[string]*Scenario
}

// Empty returns a catalogue without scenarios.
func Empty() *Catalog {
	return &Catalog{byID: map[string]*Scenario{}}
}

// Load reads dir/index.json and every enabled scenario it lists. A missing
// index yields an empty catalogue. Scenario files that cannot be read or fail
// validation are skipped and logged.
func Load(dir string) (*Catalog, error) {
	raw, err := os.ReadFile(filepath.Join(dir, IndexFile))
	if errors.Is(err, fs.ErrNotExist) {
		return Empty(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("scenario: read index: %w", err)
	}
	var idx indexFile
	if err := json.Unmarshal(raw, &idx); err != nil {
		return nil, fmt.Errorf("scenario: decode index: %w", err)
	}

	c := &Catalog{defaultID: idx.DefaultID, byID: make(map[string]*Scenario)}
	for _, e := range idx.Scenarios {
		if e.ID == "" || !e.enabled() {
			continue
		}
		if _, dup := c.byID[e.ID]; dup {
			slog.Warn("scenario: duplicate id in index", "id", e.ID)
			continue
		}
		s, err := loadFile(filepath.Join(dir, e.File))
		if err != nil {
			slog.Warn("scenario: skipping scenario", "id", e.ID, "file", e.File, "err", err)
			continue
		}
		if s.ID != e.ID {
			slog.Warn("scenario: file id differs from index id, using index id", "index_id", e.ID, "file_id", s.ID)
			s.ID = e.ID
		}
		if s.Title == "" {
			s.Title = e.Title
		}
		c.byID[e.ID] = s
		c.order = append(c.order, e.ID)
	}
	if c.defaultID != "" && c.byID[c.defaultID] == nil {
		slog.Warn("scenario: default id is not an enabled scenario", "default_id", c.defaultID)
	}
	return c, nil
}

func loadFile(path string) (*Scenario, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("scenario: read %s: %w", filepath.Base(path), err)
	}
	return Parse(raw)
}

// DefaultID returns the id used when a request names no known scenario.
func (c *Catalog) DefaultID() string { return c.defaultID }

// Len returns the number of enabled scenarios.
func (c *Catalog) Len() int { return len(c.order) }

// Get returns the scenario with the given id.
func (c *Catalog) Get(id string) (*Scenario, bool) {
	s, ok := c.byID[id]
	return s, ok
}

// Resolve returns the scenario for id, falling back to the default scenario
// when id is empty or unknown. It returns nil when neither exists.
func (c *Catalog) Resolve(id string) *Scenario {
	if s, ok := c.byID[id]; ok {
		return s
	}
	return c.byID[c.defaultID]
}

// List returns summaries in index order.
func (c *Catalog) List() []Summary {
	out := make([]Summary, 0, len(c.order))
	for _, id := range c.order {
		s := c.byID[id]
		out = append(out, Summary{ID: s.ID, Title: s.Title, Description: s.Description})
	}
	return out
}

// IDs returns the enabled scenario ids in index order.
func (c *Catalog) IDs() []string { return slices.Clone(c.order) }

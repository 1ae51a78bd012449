package scenario

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long the watcher waits after the last file event
// before reloading.
const DefaultDebounce = 250 * time.Millisecond

// Store holds the current catalogue of a scenario directory and reloads it
// when the directory changes.
type Store struct {
	dir      string
	debounce time.Duration
	onReload func(*Catalog)
	current  atomic.Pointer[Catalog]
}

// StoreOption configures a [Store].
type StoreOption func(*Store)

// WithDebounce sets the reload debounce interval.
func WithDebounce(d time.Duration) StoreOption {
	return func(s *Store) {
		if d > 0 {
			s.debounce = d
		}
	}
}

// WithOnReload registers a callback invoked after every successful reload.
func WithOnReload(fn func(*Catalog)) StoreOption {
	return func(s *Store) {
		s.onReload = fn
	}
}

// NewStore loads dir and returns a Store serving it.
func NewStore(dir string, opts ...StoreOption) (*Store, error) {
	s := &Store{dir: dir, debounce: DefaultDebounce}
	for _, o := range opts {
		o(s)
	}
	c, err := Load(dir)
	if err != nil {
		return nil, err
	}
	s.current.Store(c)
	return s, nil
}

// Current returns the most recently loaded catalogue.
func (s *Store) Current() *Catalog { return s.current.Load() }

// Reload re-reads the directory. On failure the previous catalogue stays
// active.
func (s *Store) Reload() error {
	c, err := Load(s.dir)
	if err != nil {
		return err
	}
	s.current.Store(c)
	slog.Info("scenario: catalogue reloaded", "dir", s.dir, "scenarios", c.Len(), "default_id", c.DefaultID())
	if s.onReload != nil {
		s.onReload(c)
	}
	return nil
}

// Watch reloads the catalogue whenever a JSON file in the directory changes.
// Bursts of events are coalesced. It blocks until ctx is cancelled.
func (s *Store) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("scenario: create watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(s.dir); err != nil {
		return fmt.Errorf("scenario: watch %s: %w", s.dir, err)
	}
	slog.Info("scenario: watching directory", "dir", s.dir)

	timer := time.NewTimer(s.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !relevant(ev) {
				continue
			}
			timer.Reset(s.debounce)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Warn("scenario: watcher error", "err", err)

		case <-timer.C:
			if err := s.Reload(); err != nil {
				slog.Warn("scenario: reload failed, keeping previous catalogue", "dir", s.dir, "err", err)
			}
		}
	}
}

// relevant filters out editor temp files and chmod-only events.
func relevant(ev fsnotify.Event) bool {
	if ev.Op == fsnotify.Chmod {
		return false
	}
	return relevantName(filepath.Base(ev.Name))
}

func relevantName(name string) bool {
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, "~") {
		return false
	}
	return strings.EqualFold(filepath.Ext(name), ".json")
}

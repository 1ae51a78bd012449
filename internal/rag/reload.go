package rag

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/MrWong99/roleplay/internal/vecindex"
)

// ErrIndexDimension is returned by [LoadIndex] when a persisted index was
// built with a different embeddings model than the one configured.
var ErrIndexDimension = errors.New("rag: index dimension does not match the embeddings model")

// LoadIndex reads the index persisted at base and checks that its vectors
// have dim values. A missing index wraps fs.ErrNotExist; a damaged or
// half-written one wraps vecindex.ErrCorruptIndex.
func LoadIndex(base string, dim int) (*Index, error) {
	idx, err := vecindex.Load[Passage](base)
	if err != nil {
		return nil, err
	}
	if idx.Dim() != dim {
		return nil, fmt.Errorf("%w: %s has %d, model produces %d", ErrIndexDimension, base, idx.Dim(), dim)
	}
	return idx, nil
}

// DefaultReloadDebounce is how long an IndexWatcher waits after the last
// write to the index files before loading them.
const DefaultReloadDebounce = 500 * time.Millisecond

// IndexWatcher installs a fresh index into a Retriever whenever ragindex
// rewrites the files at base.
type IndexWatcher struct {
	base      string
	dim       int
	retriever *Retriever
	debounce  time.Duration
}

// NewIndexWatcher returns a watcher for the index at base. Indexes whose
// dimension differs from dim are rejected. A non-positive debounce uses
// DefaultReloadDebounce.
func NewIndexWatcher(base string, dim int, r *Retriever, debounce time.Duration) *IndexWatcher {
	if debounce <= 0 {
		debounce = DefaultReloadDebounce
	}
	return &IndexWatcher{base: filepath.Clean(base), dim: dim, retriever: r, debounce: debounce}
}

// Reload loads the index and installs it. On failure the current index stays
// in place.
func (w *IndexWatcher) Reload() error {
	idx, err := LoadIndex(w.base, w.dim)
	if err != nil {
		return err
	}
	w.retriever.SetIndex(idx)
	slog.Info("rag: passage index reloaded", "path", w.base, "passages", idx.Len(), "metric", idx.Metric())
	return nil
}

// Watch reloads the index whenever one of its files is replaced. It blocks
// until ctx is cancelled.
func (w *IndexWatcher) Watch(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("rag: create watcher: %w", err)
	}
	defer fw.Close()

	dir := filepath.Dir(w.base)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("rag: watch %s: %w", dir, err)
	}
	slog.Info("rag: watching passage index", "path", w.base)

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(ev) {
				continue
			}
			timer.Reset(w.debounce)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("rag: index watcher error", "err", err)

		case <-timer.C:
			switch err := w.Reload(); {
			case err == nil:
			case errors.Is(err, fs.ErrNotExist):
				slog.Debug("rag: index files removed, keeping current index", "path", w.base)
			default:
				slog.Warn("rag: index reload failed, keeping current index", "path", w.base, "err", err)
			}
		}
	}
}

// relevant keeps writes and renames that land on the index files themselves.
// Temporary files written by Persist are ignored.
func (w *IndexWatcher) relevant(ev fsnotify.Event) bool {
	if ev.Op == fsnotify.Chmod {
		return false
	}
	vecPath, metaPath := vecindex.Paths(w.base)
	name := filepath.Clean(ev.Name)
	return name == vecPath || name == metaPath
}

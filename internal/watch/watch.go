// Package watch reruns work when source files change.
package watch

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/specialistvlad/forgegrid/internal/ctxlog"
)

// Watcher reports changes to a set of files. Directories holding the
// files are watched, so files that are replaced or created later are
// still seen.
type Watcher struct {
	fsw      *fsnotify.Watcher
	debounce time.Duration

	mu    sync.Mutex
	files map[string]bool
	dirs  map[string]bool
}

// New watches paths. Changes are batched until no event arrived for
// debounce.
func New(paths []string, debounce time.Duration) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}
	w := &Watcher{fsw: fsw, debounce: debounce, files: map[string]bool{}, dirs: map[string]bool{}}
	if err := w.Reset(paths); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

// Reset replaces the watched files.
func (w *Watcher) Reset(paths []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	files := make(map[string]bool, len(paths))
	dirs := map[string]bool{}
	for _, p := range paths {
		p = filepath.Clean(p)
		files[p] = true
		dirs[filepath.Dir(p)] = true
	}
	for d := range w.dirs {
		if !dirs[d] {
			_ = w.fsw.Remove(d)
		}
	}
	for d := range dirs {
		if w.dirs[d] {
			continue
		}
		if err := w.fsw.Add(d); err != nil {
			return fmt.Errorf("watch %s: %w", d, err)
		}
	}
	w.files, w.dirs = files, dirs
	return nil
}

// Len returns the number of watched files.
func (w *Watcher) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.files)
}

func (w *Watcher) watched(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.files[filepath.Clean(path)]
}

// Run calls fn with the sorted changed paths after each quiet period. It
// returns when ctx ends or fn fails.
func (w *Watcher) Run(ctx context.Context, fn func(ctx context.Context, changed []string) error) error {
	logger := ctxlog.FromContext(ctx)
	pending := map[string]bool{}
	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if !w.watched(ev.Name) {
				continue
			}
			logger.Debug("Source changed.", "path", ev.Name, "op", ev.Op.String())
			pending[filepath.Clean(ev.Name)] = true
			timer.Reset(w.debounce)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			logger.Warn("File watcher error.", "error", err)

		case <-timer.C:
			if len(pending) == 0 {
				continue
			}
			changed := make([]string, 0, len(pending))
			for p := range pending {
				changed = append(changed, p)
			}
			sort.Strings(changed)
			pending = map[string]bool{}
			if err := fn(ctx, changed); err != nil {
				return err
			}
		}
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

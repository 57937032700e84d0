package history

import (
	"context"
	"fmt"
	"sync"

	"github.com/specialistvlad/forgegrid/internal/ctxlog"
	"github.com/specialistvlad/forgegrid/internal/fsys"
)

// Persister saves a history somewhere durable. The runner calls Save after
// successful operations; implementations must replace the previous state
// atomically.
type Persister interface {
	Save(ctx context.Context, h *History) error
}

// Store persists a history to a single file.
type Store struct {
	fs   fsys.FS
	path string
	mu   sync.Mutex
}

// NewStore returns a store for the history file at path.
func NewStore(fs fsys.FS, path string) *Store {
	return &Store{fs: fs, path: path}
}

// Path returns the history file location.
func (s *Store) Path() string { return s.path }

// Load reads the history file. A missing file yields an empty history.
func (s *Store) Load(ctx context.Context) (*History, error) {
	logger := ctxlog.FromContext(ctx)
	_, exists, err := s.fs.Stat(s.path)
	if err != nil {
		return nil, fmt.Errorf("stat history %s: %w", s.path, err)
	}
	if !exists {
		logger.Debug("No history file, starting empty.", "path", s.path)
		return New(), nil
	}
	data, err := s.fs.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read history %s: %w", s.path, err)
	}
	h, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("load history %s: %w", s.path, err)
	}
	logger.Debug("History loaded.", "path", s.path, "entries", h.Len())
	return h, nil
}

// Save atomically replaces the history file with h.
func (s *Store) Save(ctx context.Context, h *History) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := Encode(h)
	if err != nil {
		return err
	}
	if err := s.fs.WriteFileAtomic(s.path, data, 0o644); err != nil {
		return fmt.Errorf("write history %s: %w", s.path, err)
	}
	ctxlog.FromContext(ctx).Debug("History saved.", "path", s.path, "entries", h.Len(), "bytes", len(data))
	return nil
}

package signature

import (
	"context"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/specialistvlad/forgegrid/internal/fsys"
	"golang.org/x/sync/errgroup"
)

const (
	defaultCacheSize  = 4096
	defaultProbeLimit = 8
)

// cacheKey identifies a file version for the content-hash cache. A changed
// size or mtime yields a new key, so stale hashes are never served.
type cacheKey struct {
	path    string
	size    int64
	modTime int64
}

// Store computes signatures for paths through an injected file system.
// It is safe for concurrent use.
type Store struct {
	fs         fsys.FS
	mode       Mode
	hashes     *lru.Cache[cacheKey, int64]
	probeLimit int
}

// Option configures a Store.
type Option func(*Store)

// WithProbeLimit bounds the number of files ProbeAll hashes concurrently.
func WithProbeLimit(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.probeLimit = n
		}
	}
}

// NewStore creates a signature store.
func NewStore(fs fsys.FS, mode Mode, opts ...Option) (*Store, error) {
	cache, err := lru.New[cacheKey, int64](defaultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create hash cache: %w", err)
	}
	s := &Store{fs: fs, mode: mode, hashes: cache, probeLimit: defaultProbeLimit}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Mode returns the token mode of the store.
func (s *Store) Mode() Mode { return s.mode }

// Probe returns the current signature of path.
func (s *Store) Probe(path string) (FileSignature, error) {
	info, exists, err := s.fs.Stat(path)
	if err != nil {
		return FileSignature{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if !exists {
		return Missing(path), nil
	}
	if s.mode == ModeTimestamp || info.IsDir {
		return FileSignature{Path: path, Token: info.ModTime.UnixNano(), Exists: true}, nil
	}

	key := cacheKey{path: path, size: info.Size, modTime: info.ModTime.UnixNano()}
	if token, ok := s.hashes.Get(key); ok {
		return FileSignature{Path: path, Token: token, Exists: true}, nil
	}
	token, err := s.hashFile(path)
	if err != nil {
		return FileSignature{}, err
	}
	s.hashes.Add(key, token)
	return FileSignature{Path: path, Token: token, Exists: true}, nil
}

// Exists reports whether path is present.
func (s *Store) Exists(path string) (bool, error) {
	_, exists, err := s.fs.Stat(path)
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
	return exists, nil
}

// ProbeAll returns the signatures of paths in the same order.
func (s *Store) ProbeAll(ctx context.Context, paths []string) ([]FileSignature, error) {
	out := make([]FileSignature, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.probeLimit)
	for i, p := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			sig, err := s.Probe(p)
			if err != nil {
				return err
			}
			out[i] = sig
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) hashFile(path string) (int64, error) {
	f, err := s.fs.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return 0, fmt.Errorf("hash %s: %w", path, err)
	}
	return int64(h.Sum64()), nil
}

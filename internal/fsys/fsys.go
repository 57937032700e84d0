// Package fsys is the file-system seam used by the engine. Everything that
// touches disk on behalf of the runner (existence checks, signatures,
// reading and persisting graph and history files) goes through FS so tests
// can substitute their own implementation.
package fsys

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"time"
)

// FileInfo is the subset of file metadata the engine cares about.
type FileInfo struct {
	Size    int64
	ModTime time.Time
	IsDir   bool
}

// FS abstracts the file system operations the engine needs.
type FS interface {
	// Stat reports metadata for path. A missing file is not an error: it
	// returns exists=false and a nil error.
	Stat(path string) (info FileInfo, exists bool, err error)
	// Open opens path for reading.
	Open(path string) (io.ReadCloser, error)
	// ReadFile reads the whole file.
	ReadFile(path string) ([]byte, error)
	// WriteFileAtomic replaces path with data so that readers observe
	// either the previous content or the new one, never a mix.
	WriteFileAtomic(path string, data []byte, perm os.FileMode) error
	// MkdirAll creates a directory and any missing parents.
	MkdirAll(path string, perm os.FileMode) error
}

// OS is the FS backed by the host operating system.
type OS struct{}

// NewOS returns the host file system.
func NewOS() *OS { return &OS{} }

func (OS) Stat(path string) (FileInfo, bool, error) {
	st, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscallNotDir) {
			return FileInfo{}, false, nil
		}
		return FileInfo{}, false, err
	}
	return FileInfo{Size: st.Size(), ModTime: st.ModTime(), IsDir: st.IsDir()}, true, nil
}

func (OS) Open(path string) (io.ReadCloser, error) { return os.Open(path) }

func (OS) ReadFile(path string) ([]byte, error) { return os.ReadFile(path) }

func (OS) MkdirAll(path string, perm os.FileMode) error { return os.MkdirAll(path, perm) }

func (OS) WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	return WriteFileAtomic(path, data, perm)
}

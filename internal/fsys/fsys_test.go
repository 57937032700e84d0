package fsys

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOSStat(t *testing.T) {
	dir := t.TempDir()
	fsys := NewOS()

	t.Run("missing file is not an error", func(t *testing.T) {
		_, exists, err := fsys.Stat(filepath.Join(dir, "nope.txt"))
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("file below a regular file is missing", func(t *testing.T) {
		p := filepath.Join(dir, "plain")
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
		_, exists, err := fsys.Stat(filepath.Join(p, "child"))
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("existing file reports size", func(t *testing.T) {
		p := filepath.Join(dir, "a.txt")
		require.NoError(t, os.WriteFile(p, []byte("hello"), 0o644))
		info, exists, err := fsys.Stat(p)
		require.NoError(t, err)
		assert.True(t, exists)
		assert.Equal(t, int64(5), info.Size)
		assert.False(t, info.IsDir)
	})
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "nested", "state.bin")

	require.NoError(t, WriteFileAtomic(target, []byte("first"), 0o644))
	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "first", string(got))

	require.NoError(t, WriteFileAtomic(target, []byte("second"), 0o600))
	got, err = os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))

	st, err := os.Stat(target)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), st.Mode().Perm())

	entries, err := os.ReadDir(filepath.Dir(target))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files must not be left behind")
}

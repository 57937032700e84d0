package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherBatchesChanges(t *testing.T) {
	dir := t.TempDir()
	a, b, other := filepath.Join(dir, "a.c"), filepath.Join(dir, "b.c"), filepath.Join(dir, "notes.txt")
	for _, p := range []string{a, b, other} {
		require.NoError(t, os.WriteFile(p, []byte("v1"), 0o644))
	}

	w, err := New([]string{a, b}, 100*time.Millisecond)
	require.NoError(t, err)
	defer w.Close()
	assert.Equal(t, 2, w.Len())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	batches := make(chan []string, 4)
	errStop := errors.New("stop")
	done := make(chan error, 1)
	calls := 0
	go func() {
		done <- w.Run(ctx, func(_ context.Context, changed []string) error {
			batches <- changed
			calls++
			if calls == 2 {
				return errStop
			}
			return nil
		})
	}()

	require.NoError(t, os.WriteFile(other, []byte("v2"), 0o644))
	require.NoError(t, os.WriteFile(a, []byte("v2"), 0o644))
	require.NoError(t, os.WriteFile(b, []byte("v2"), 0o644))

	select {
	case got := <-batches:
		assert.Equal(t, []string{a, b}, got)
	case <-ctx.Done():
		t.Fatal("no change reported")
	}

	require.NoError(t, os.Remove(a))
	select {
	case got := <-batches:
		assert.Equal(t, []string{a}, got)
	case <-ctx.Done():
		t.Fatal("removal not reported")
	}
	assert.ErrorIs(t, <-done, errStop)
}

func TestWatcherReset(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "sub")
	require.NoError(t, os.Mkdir(sub, 0o755))

	w, err := New([]string{filepath.Join(dir, "x")}, 0)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Reset([]string{filepath.Join(sub, "y"), filepath.Join(sub, "z")}))
	assert.Equal(t, 2, w.Len())
	assert.True(t, w.watched(filepath.Join(sub, "y")))
	assert.False(t, w.watched(filepath.Join(dir, "x")))

	_, err = New([]string{filepath.Join(dir, "missing", "f")}, 0)
	assert.ErrorContains(t, err, "watch")
}

package app

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specialistvlad/forgegrid/internal/runner"
	"github.com/specialistvlad/forgegrid/internal/statusfeed"
)

const copyManifest = `
operation "copy" {
  command = "cp"
  args    = "in.txt out.txt"
  inputs  = ["in.txt"]
  outputs = ["out.txt"]
}
`

const twoOperationManifest = copyManifest + `
operation "upper" {
  command = "sh"
  args    = ["-c", "tr a-z A-Z < out.txt > upper.txt"]
  inputs  = operation.copy.outputs
  outputs = ["upper.txt"]
}
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestRunCompilesManifestAndIsIncremental(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "operations.hcl"), twoOperationManifest)
	writeFile(t, filepath.Join(dir, "in.txt"), "hello")

	a, logs := SetupAppTest(t, dir, map[string]string{"signature_mode": "content"})
	ctx := context.Background()

	res, err := a.Run(ctx, RunRequest{})
	require.NoError(t, err)
	assert.Len(t, res.Executed, 2)
	assert.FileExists(t, a.GraphPath())
	assert.FileExists(t, a.HistoryPath())
	upper, err := os.ReadFile(filepath.Join(dir, "upper.txt"))
	require.NoError(t, err)
	assert.Equal(t, "HELLO", string(upper))

	res, err = a.Run(ctx, RunRequest{})
	require.NoError(t, err)
	assert.Empty(t, res.Executed)
	assert.Len(t, res.Skipped, 2)
	assert.Contains(t, logs.String(), "Graph file unchanged.")

	writeFile(t, filepath.Join(dir, "in.txt"), "again")
	res, err = a.Run(ctx, RunRequest{DryRun: true})
	require.NoError(t, err)
	assert.Len(t, res.WouldExecute, 2)

	res, err = a.Run(ctx, RunRequest{})
	require.NoError(t, err)
	assert.Len(t, res.Executed, 2)
}

func TestLoadGraph(t *testing.T) {
	t.Run("nothing to load", func(t *testing.T) {
		a, _ := SetupAppTest(t, t.TempDir(), nil)
		_, _, err := a.LoadGraph(context.Background())
		assert.ErrorContains(t, err, "no manifest at")
	})

	t.Run("graph file without manifest", func(t *testing.T) {
		dir := t.TempDir()
		manifestPath := filepath.Join(dir, "operations.hcl")
		writeFile(t, manifestPath, copyManifest)
		a, _ := SetupAppTest(t, dir, nil)

		compiled, files, err := a.Compile(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []string{manifestPath}, files)

		require.NoError(t, os.Remove(manifestPath))
		loaded, files, err := a.LoadGraph(context.Background())
		require.NoError(t, err)
		assert.Empty(t, files)
		assert.Equal(t, compiled.IDs(), loaded.IDs())
	})

	t.Run("broken manifest", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, filepath.Join(dir, "operations.hcl"), `operation "x" {`)
		a, _ := SetupAppTest(t, dir, nil)
		_, _, err := a.LoadGraph(context.Background())
		assert.ErrorContains(t, err, "failed to load manifest")
	})
}

func TestPruneHistory(t *testing.T) {
	dir := t.TempDir()
	manifestPath := filepath.Join(dir, "operations.hcl")
	writeFile(t, manifestPath, twoOperationManifest)
	writeFile(t, filepath.Join(dir, "in.txt"), "hello")
	a, _ := SetupAppTest(t, dir, nil)
	ctx := context.Background()

	_, err := a.Run(ctx, RunRequest{})
	require.NoError(t, err)

	removed, err := a.PruneHistory(ctx)
	require.NoError(t, err)
	assert.Empty(t, removed)

	writeFile(t, manifestPath, copyManifest)
	removed, err = a.PruneHistory(ctx)
	require.NoError(t, err)
	assert.Len(t, removed, 1)

	h, err := a.LoadHistory(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, h.Len())
}

func TestWatchRerunsOnChange(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "operations.hcl"), copyManifest)
	writeFile(t, filepath.Join(dir, "in.txt"), "one")
	a, _ := SetupAppTest(t, dir, map[string]string{"signature_mode": "content"})
	a.Config().Watch.Debounce = 50 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	type outcome struct {
		res *runner.Result
		err error
	}
	runs := make(chan outcome, 8)
	done := make(chan error, 1)
	go func() {
		done <- a.Watch(ctx, RunRequest{}, func(res *runner.Result, err error) {
			runs <- outcome{res, err}
		})
	}()

	first := <-runs
	require.NoError(t, first.err)
	assert.Len(t, first.res.Executed, 1)

	// The watcher starts after the first run reports.
	require.Eventually(t, func() bool {
		_ = os.WriteFile(filepath.Join(dir, "in.txt"), []byte("two "+time.Now().String()), 0o644)
		select {
		case second := <-runs:
			return second.err == nil && len(second.res.Executed) == 1
		case <-time.After(500 * time.Millisecond):
			return false
		}
	}, 15*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestRunPublishesToStatusFeed(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "operations.hcl"), copyManifest)
	writeFile(t, filepath.Join(dir, "in.txt"), "hello")
	a, _ := SetupAppTest(t, dir, map[string]string{"status_listen": "127.0.0.1:0"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	_, err := a.Run(ctx, RunRequest{})
	require.NoError(t, err)
	require.NotNil(t, a.feed)

	var types []statusfeed.UpdateType
	require.NoError(t, statusfeed.Follow(ctx, a.feed.URL(), false, func(u statusfeed.Update) {
		types = append(types, u.Type)
	}))
	assert.Equal(t, []statusfeed.UpdateType{
		statusfeed.RunStarted, statusfeed.OperationStarted,
		statusfeed.OperationFinished, statusfeed.RunFinished,
	}, types)
}

func TestNewLogger(t *testing.T) {
	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		NewLogger("warn", "json", &buf).Info("hidden")
		NewLogger("warn", "json", &buf).Warn("shown", "opID", "00ff")
		var record map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
		assert.Equal(t, "shown", record["msg"])
		assert.Equal(t, "00ff", record["opID"])
	})

	t.Run("text without a terminal has no colors", func(t *testing.T) {
		var buf bytes.Buffer
		NewLogger("debug", "text", &buf).Debug("plain", "k", "v")
		assert.Contains(t, buf.String(), "plain")
		assert.Contains(t, buf.String(), "k=v")
		assert.NotContains(t, buf.String(), "\x1b[")
	})
}

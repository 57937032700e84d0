package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/specialistvlad/forgegrid/internal/statusfeed"
)

const pipelineManifest = `
operation "copy" {
  command = "cp"
  args    = "in.txt out.txt"
  inputs  = ["in.txt"]
  outputs = ["out.txt"]
}

operation "upper" {
  command = "sh"
  args    = ["-c", "tr a-z A-Z < out.txt > upper.txt"]
  inputs  = operation.copy.outputs
  outputs = ["upper.txt"]
}
`

// setupProject writes a config, a manifest and an input into a new
// directory and returns the config path.
func setupProject(t *testing.T, manifest string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	configPath := filepath.Join(dir, "forgegrid.hcl")
	require.NoError(t, os.WriteFile(configPath, []byte(`
sandbox        = "disabled"
signature_mode = "content"
log_level      = "warn"
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "operations.hcl"), []byte(manifest), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "in.txt"), []byte("hello"), 0o644))
	return configPath, dir
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := Execute(context.Background(), args, &stdout, &stderr)
	if os.Getenv("FORGEGRID_TEST_LOGS") == "true" {
		t.Logf("stderr of %v:\n%s", args, stderr.String())
	}
	return stdout.String(), stderr.String(), err
}

func exitCode(t *testing.T, err error) int {
	t.Helper()
	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr), "expected an ExitError, got %v", err)
	return exitErr.Code
}

func TestRunCommand(t *testing.T) {
	configPath, dir := setupProject(t, pipelineManifest)

	t.Run("first run executes everything", func(t *testing.T) {
		out, _, err := execute(t, "-c", configPath, "run")
		require.NoError(t, err)
		assert.Contains(t, out, "executed")
		assert.Contains(t, out, "upper")
		assert.Contains(t, out, "✅ 2 executed, 0 up to date")
		upper, err := os.ReadFile(filepath.Join(dir, "upper.txt"))
		require.NoError(t, err)
		assert.Equal(t, "HELLO", string(upper))
	})

	t.Run("second run as json is a no-op", func(t *testing.T) {
		out, _, err := execute(t, "-c", configPath, "run", "-o", "json")
		require.NoError(t, err)
		var rep runReport
		require.NoError(t, json.Unmarshal([]byte(out), &rep))
		assert.True(t, rep.OK)
		assert.Equal(t, 0, rep.Executed)
		assert.Equal(t, 2, rep.Skipped)
		require.Len(t, rep.Operations, 2)
		assert.Equal(t, "up-to-date", rep.Operations[0].Outcome)
	})

	t.Run("dry run after a change", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "in.txt"), []byte("changed"), 0o644))
		out, _, err := execute(t, "-c", configPath, "run", "--dry-run", "-o", "yaml")
		require.NoError(t, err)
		var rep runReport
		require.NoError(t, yaml.Unmarshal([]byte(out), &rep))
		assert.True(t, rep.DryRun)
		assert.Equal(t, 2, rep.Executed)
		upper, err := os.ReadFile(filepath.Join(dir, "upper.txt"))
		require.NoError(t, err)
		assert.Equal(t, "HELLO", string(upper), "a dry run must not execute anything")
	})

	t.Run("force", func(t *testing.T) {
		_, _, err := execute(t, "-c", configPath, "run")
		require.NoError(t, err)
		out, _, err := execute(t, "-c", configPath, "run", "--force", "-j", "1")
		require.NoError(t, err)
		assert.Contains(t, out, "(forced)")
		assert.Contains(t, out, "2 executed")
	})
}

func TestRunCommandFailure(t *testing.T) {
	configPath, _ := setupProject(t, `
operation "broken" {
  command = "sh"
  args    = ["-c", "exit 3"]
  outputs = ["never.txt"]
}
`)
	out, _, err := execute(t, "-c", configPath, "run")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, exitCode(t, err))
	assert.Contains(t, err.Error(), "broken")
	assert.Contains(t, out, "❌")
	assert.Contains(t, out, "1 failed")
}

func TestGraphCommands(t *testing.T) {
	configPath, dir := setupProject(t, pipelineManifest)

	out, _, err := execute(t, "-c", configPath, "graph", "compile", "-o", "json")
	require.NoError(t, err)
	var compiled map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &compiled))
	assert.Equal(t, float64(2), compiled["operations"])
	assert.FileExists(t, filepath.Join(dir, ".forgegrid", "graph.bin"))

	out, _, err = execute(t, "-c", configPath, "graph", "show", "-o", "yaml")
	require.NoError(t, err)
	var shown graphReport
	require.NoError(t, yaml.Unmarshal([]byte(out), &shown))
	require.Len(t, shown.Operations, 2)
	assert.Equal(t, "copy", shown.Operations[0].Title)
	assert.Equal(t, "upper", shown.Operations[1].Title)
	assert.Equal(t, []string{shown.Operations[1].ID}, shown.Operations[0].Children)
	assert.Equal(t, []string{shown.Operations[0].ID}, shown.Roots)

	out, _, err = execute(t, "-c", configPath, "graph", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "after: copy")

	out, _, err = execute(t, "-c", configPath, "graph", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "valid 2 operations, 1 roots")
}

func TestHistoryCommands(t *testing.T) {
	configPath, dir := setupProject(t, pipelineManifest)

	out, _, err := execute(t, "-c", configPath, "history", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "no history at")

	_, _, err = execute(t, "-c", configPath, "run")
	require.NoError(t, err)

	out, _, err = execute(t, "-c", configPath, "history", "show", "-o", "json")
	require.NoError(t, err)
	var shown struct {
		Entries []entryReport `json:"entries"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &shown))
	require.Len(t, shown.Entries, 2)
	assert.Equal(t, "content", shown.Entries[0].Mode)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "operations.hcl"), []byte(`
operation "copy" {
  command = "cp"
  args    = "in.txt out.txt"
  inputs  = ["in.txt"]
  outputs = ["out.txt"]
}
`), 0o644))
	out, _, err = execute(t, "-c", configPath, "history", "prune")
	require.NoError(t, err)
	assert.Contains(t, out, "pruned 1 entries")
}

func TestUsageErrors(t *testing.T) {
	configPath, _ := setupProject(t, pipelineManifest)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "bad output", args: []string{"-c", configPath, "run", "-o", "xml"}, want: `invalid output "xml"`},
		{name: "bad sandbox", args: []string{"-c", configPath, "run", "--sandbox", "strict"}, want: "sandbox"},
		{name: "missing config", args: []string{"-c", filepath.Join(t.TempDir(), "nope.hcl"), "run"}, want: "nope.hcl"},
		{name: "watch dry run", args: []string{"-c", configPath, "watch", "--dry-run"}, want: "does not support --dry-run"},
		{name: "status without url", args: []string{"-c", configPath, "status"}, want: "no feed URL"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := execute(t, tc.args...)
			require.Error(t, err)
			assert.Equal(t, ExitUsage, exitCode(t, err))
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestPrintUpdate(t *testing.T) {
	u := statusfeed.Update{Type: statusfeed.OperationFinished, Seq: 3, Title: "copy", Outcome: "executed"}

	var text bytes.Buffer
	require.NoError(t, printUpdate(newPrinter(&text, "text"), u))
	assert.Equal(t, "executed copy\n", text.String())

	var js bytes.Buffer
	require.NoError(t, printUpdate(newPrinter(&js, "json"), u))
	var back statusfeed.Update
	require.NoError(t, json.Unmarshal(js.Bytes(), &back))
	assert.Equal(t, u, back)

	var ym bytes.Buffer
	require.NoError(t, printUpdate(newPrinter(&ym, "yaml"), u))
	assert.Contains(t, ym.String(), "---\ntype: operation_finished\n")
}

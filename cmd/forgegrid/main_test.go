package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/specialistvlad/forgegrid/internal/cli"
)

func TestRun_Help(t *testing.T) {
	t.Parallel()

	out := &bytes.Buffer{}
	err := run(context.Background(), out, &bytes.Buffer{}, []string{"--help"})

	require.NoError(t, err, "run() should return a nil error for --help")
	require.Contains(t, out.String(), "Usage:", "Expected help text to be printed to the output buffer")
	require.NotContains(t, out.String(), "__monitor", "The helper command must stay hidden")
}

func TestRun_ParseError(t *testing.T) {
	t.Parallel()

	err := run(context.Background(), &bytes.Buffer{}, &bytes.Buffer{}, []string{"run", "--this-is-not-a-valid-flag"})

	var exitErr *cli.ExitError
	require.True(t, errors.As(err, &exitErr), "run() should return an ExitError when argument parsing fails")
	require.Equal(t, cli.ExitUsage, exitErr.Code)
	require.Contains(t, err.Error(), "unknown flag: --this-is-not-a-valid-flag")
}

func TestRun_BrokenManifest(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "forgegrid.hcl")
	require.NoError(t, os.WriteFile(configPath, []byte("sandbox = \"disabled\"\n"), 0o600))
	invalidHCL := `
		operation "compile" {
			command = "cc"
		// Missing closing brace here
	`
	require.NoError(t, os.WriteFile(filepath.Join(tempDir, "operations.hcl"), []byte(invalidHCL), 0o600))

	// --- Act ---
	err := run(context.Background(), &bytes.Buffer{}, &bytes.Buffer{}, []string{"--config", configPath, "run"})

	// --- Assert ---
	var exitErr *cli.ExitError
	require.True(t, errors.As(err, &exitErr))
	require.Equal(t, cli.ExitFailure, exitErr.Code)
	require.Contains(t, err.Error(), "failed to load manifest")
}

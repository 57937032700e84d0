package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specialistvlad/forgegrid/internal/monitor"
	"github.com/specialistvlad/forgegrid/internal/runner"
	"github.com/specialistvlad/forgegrid/internal/signature"
)

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(context.Background(), LoadOptions{Dir: dir, Environ: []string{}})
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.Root)
	assert.Empty(t, cfg.File)
	assert.Equal(t, monitor.ModeAdvisory, cfg.Sandbox)
	assert.Equal(t, signature.ModeTimestamp, cfg.SignatureMode)
	assert.Equal(t, 1, cfg.FlushEvery)
	assert.Equal(t, filepath.Join(dir, ".forgegrid", "graph.bin"), cfg.Resolve(cfg.GraphPath))
	assert.Contains(t, cfg.Monitor.Ignore, "/proc/**")
	assert.Empty(t, cfg.Variables)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, DefaultFile, `
workers        = 3
sandbox        = "enforcing"
timeout        = "90s"
keep_going     = true
cancel_policy  = "terminate"
signature_mode = "content"
history_path   = "state/history.bin"
manifest       = ["build.hcl", "test.hcl"]

monitor {
  allow_write = ["/var/cache/**"]
}

status_feed {
  listen = "127.0.0.1:7777"
}

watch {
  debounce = "1s"
}

variables {
  cc    = "gcc"
  opt   = 2
  flags = ["-O2", "-g"]
  home  = env.FG_HOME
}
`)
	cfg, err := Load(context.Background(), LoadOptions{Dir: dir, Environ: []string{"FG_HOME=/home/fg"}})
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, DefaultFile), cfg.File)
	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, monitor.ModeEnforcing, cfg.Sandbox)
	assert.Equal(t, 90*time.Second, cfg.Timeout)
	assert.True(t, cfg.KeepGoing)
	assert.Equal(t, runner.CancelTerminate, cfg.CancelPolicy)
	assert.Equal(t, signature.ModeContent, cfg.SignatureMode)
	assert.Equal(t, filepath.Join(dir, "state", "history.bin"), cfg.Resolve(cfg.HistoryPath))
	assert.Equal(t, []string{"build.hcl", "test.hcl"}, cfg.ManifestPath)
	assert.Contains(t, cfg.Monitor.AllowWrite, "/tmp/**")
	assert.Contains(t, cfg.Monitor.AllowWrite, "/var/cache/**")
	assert.Equal(t, "127.0.0.1:7777", cfg.StatusFeed.Listen)
	assert.Equal(t, time.Second, cfg.Watch.Debounce)

	cc, err := cfg.Variables["cc"].AsString()
	require.NoError(t, err)
	assert.Equal(t, "gcc", cc)
	opt, err := cfg.Variables["opt"].AsInteger()
	require.NoError(t, err)
	assert.Equal(t, int64(2), opt)
	assert.Equal(t, "-O2,-g", cfg.Variables["flags"].String())
	assert.Equal(t, "/home/fg", cfg.Variables["home"].String())

	opts := cfg.RunOptions()
	assert.Equal(t, 3, opts.Workers)
	assert.Equal(t, monitor.ModeEnforcing, opts.SandboxMode)
	assert.Equal(t, cfg.Monitor.AllowWrite, opts.Sandbox.AllowWrite)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, DefaultFile, `workers = 3
log_level = "debug"
`)
	writeConfig(t, dir, ".env", "FORGEGRID_WORKERS=5\nFORGEGRID_SANDBOX=disabled\n")

	t.Run(".env overrides the file", func(t *testing.T) {
		cfg, err := Load(context.Background(), LoadOptions{Dir: dir, Environ: []string{}})
		require.NoError(t, err)
		assert.Equal(t, 5, cfg.Workers)
		assert.Equal(t, monitor.ModeDisabled, cfg.Sandbox)
		assert.Equal(t, "debug", cfg.LogLevel)
	})

	t.Run("process environment wins over .env", func(t *testing.T) {
		cfg, err := Load(context.Background(), LoadOptions{Dir: dir, Environ: []string{"FORGEGRID_WORKERS=7", "FORGEGRID_LOG_FORMAT=JSON"}})
		require.NoError(t, err)
		assert.Equal(t, 7, cfg.Workers)
		assert.Equal(t, "json", cfg.LogFormat)
	})
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		environ []string
		want    string
	}{
		{name: "syntax", content: `workers = `, want: "failed to parse HCL file"},
		{name: "unknown attribute", content: `worker = 2`, want: "failed to decode HCL file"},
		{name: "bad sandbox", content: `sandbox = "strict"`, want: "unknown sandbox mode"},
		{name: "bad timeout", content: `timeout = "soon"`, want: "timeout"},
		{name: "negative workers", content: `workers = -1`, want: "workers must not be negative"},
		{name: "bad glob", content: "monitor {\n  ignore = [\"/a/[\"]\n}", want: "invalid glob"},
		{name: "missing env in variables", content: "variables {\n  x = env.NOPE\n}", want: "variables"},
		{name: "bad env override", content: ``, environ: []string{"FORGEGRID_KEEP_GOING=maybe"}, want: "FORGEGRID_KEEP_GOING"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeConfig(t, dir, DefaultFile, tt.content)
			environ := tt.environ
			if environ == nil {
				environ = []string{}
			}
			_, err := Load(context.Background(), LoadOptions{Dir: dir, Environ: environ})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	t.Run("explicit file must exist", func(t *testing.T) {
		_, err := Load(context.Background(), LoadOptions{Dir: t.TempDir(), Path: "nope.hcl", Environ: []string{}})
		assert.ErrorIs(t, err, os.ErrNotExist)
	})
}

func TestSet(t *testing.T) {
	cfg := Default(t.TempDir())
	require.NoError(t, cfg.Set("workers", " 4 "))
	require.NoError(t, cfg.Set("manifest", "a.hcl"+string(filepath.ListSeparator)+"b.hcl"))
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, []string{"a.hcl", "b.hcl"}, cfg.ManifestPath)
	assert.ErrorContains(t, cfg.Set("colour", "red"), "unknown setting")
	assert.ErrorContains(t, cfg.Set("cancel_policy", "maybe"), "cancel_policy")
}

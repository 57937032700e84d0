//go:build linux && amd64

package monitor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var systemReads = []string{"/usr/**", "/lib/**", "/lib64/**", "/bin/**", "/etc/**"}

func requirePtrace(t *testing.T) {
	t.Helper()
	if os.Getenv("FORGEGRID_PTRACE_TESTS") != "1" {
		t.Skip("set FORGEGRID_PTRACE_TESTS=1 to run ptrace tests")
	}
}

func traceShell(t *testing.T, policy Policy, dir, script string) (int, []Event, Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s, err := newTestController(t).Attach(ctx, policy)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	child, err := s.Launch(ctx, LaunchSpec{
		Executable: "/bin/sh",
		Args:       []string{"-c", script},
		Dir:        dir,
		Env:        append(os.Environ(), helperEnv+"=1"),
		Stderr:     os.Stderr,
	})
	require.NoError(t, err)
	code, err := child.Wait()
	require.NoError(t, err)
	events, err := s.Drain(ctx)
	require.NoError(t, err)
	return code, events, s
}

func find(events []Event, kind Kind, path string) (Event, bool) {
	for _, ev := range events {
		if ev.Kind == kind && ev.Path == path {
			return ev, true
		}
	}
	return Event{}, false
}

func TestTracerObservesCopy(t *testing.T) {
	requirePtrace(t)
	dir := t.TempDir()
	in, out := filepath.Join(dir, "a.txt"), filepath.Join(dir, "b.txt")
	require.NoError(t, os.WriteFile(in, []byte("payload"), 0o644))

	policy := PolicyFor(ModeAdvisory, []string{in}, []string{out})
	policy.Ignore = []string{"/proc/**", "/dev/**"}
	code, events, s := traceShell(t, policy, dir, "cat a.txt > b.txt")
	require.Equal(t, 0, code)

	read, ok := find(events, KindFileOpenRead, in)
	require.True(t, ok, "read of %s observed in %v", in, events)
	assert.True(t, s.Owns(read.PID), "cat runs as a descendant")
	_, ok = find(events, KindFileOpenWrite, out)
	assert.True(t, ok, "write of %s observed", out)

	var execs, libs int
	for _, ev := range events {
		switch ev.Kind {
		case KindProcessCreate:
			execs++
		case KindLibraryLoad:
			libs++
		}
	}
	assert.GreaterOrEqual(t, execs, 2, "sh and cat")
	assert.Positive(t, libs)
}

func TestTracerDeniesInEnforcingMode(t *testing.T) {
	requirePtrace(t)
	dir := t.TempDir()
	outside := filepath.Join(t.TempDir(), "escape.txt")

	policy := PolicyFor(ModeEnforcing, nil, []string{filepath.Join(dir, "ok.txt")})
	policy.AllowRead = systemReads
	policy.Ignore = []string{"/proc/**", "/dev/**"}
	code, events, _ := traceShell(t, policy, dir, "echo x > ok.txt && echo y > "+outside)

	assert.NotEqual(t, 0, code)
	_, err := os.Stat(outside)
	assert.True(t, os.IsNotExist(err), "denied write must not happen")
	ev, ok := find(events, KindFileOpenWrite, outside)
	require.True(t, ok)
	assert.Equal(t, OutcomeBlocked, ev.Outcome)
	_, err = os.Stat(filepath.Join(dir, "ok.txt"))
	assert.NoError(t, err)
}

func TestTracerReportsProbes(t *testing.T) {
	requirePtrace(t)
	dir := t.TempDir()
	policy := Policy{Mode: ModeAdvisory, Ignore: []string{"/proc/**", "/dev/**"}}
	_, events, _ := traceShell(t, policy, dir, "test -e missing.h; true")

	ev, ok := find(events, KindSearchPathProbe, filepath.Join(dir, "missing.h"))
	require.True(t, ok, "probe observed in %v", events)
	assert.Equal(t, OutcomeNotFound, ev.Outcome)
}

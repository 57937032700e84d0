package monitor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const helperEnv = "FORGEGRID_MONITOR_TEST_HELPER"

// TestMain turns the test binary into the monitor helper when the
// controller re-executes it.
func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		argv := os.Args[1:]
		for i, a := range argv {
			if a == "--" {
				argv = argv[i+1:]
				break
			}
		}
		var ic Interceptor = DefaultInterceptor()
		if len(argv) > 0 && argv[0] == "script" {
			ic = scriptInterceptor{}
		}
		os.Exit(RunHelper(context.Background(), argv, ic))
	}
	os.Exit(m.Run())
}

// scriptInterceptor plays accesses given as "kind:path" arguments and
// prints each outcome to stdout. "exit:N" sets the exit code.
type scriptInterceptor struct{}

func (scriptInterceptor) Run(_ context.Context, argv []string, gate Gate) (int, error) {
	kinds := map[string]Kind{
		"read":   KindFileOpenRead,
		"write":  KindFileOpenWrite,
		"delete": KindFileDelete,
		"mkdir":  KindDirectoryCreate,
		"probe":  KindSearchPathProbe,
	}
	code := 0
	for _, step := range argv[1:] {
		name, arg, _ := strings.Cut(step, ":")
		if name == "exit" {
			code, _ = strconv.Atoi(arg)
			continue
		}
		kind := kinds[name]
		outcome := gate.Decide(kind, arg)
		if kind == KindSearchPathProbe {
			outcome = OutcomeNotFound
		}
		gate.Record(Event{
			Kind: kind, Path: arg, PID: os.Getpid(), ParentPID: os.Getppid(),
			Outcome: outcome, Timestamp: time.Now().UnixNano(),
		})
		fmt.Printf("%s %s %s\n", name, arg, outcome)
	}
	return code, nil
}

func newTestController(t *testing.T) *Controller {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	c, err := NewController(WithHelper(exe, "-test.run=^$"))
	require.NoError(t, err)
	return c
}

func runScript(t *testing.T, s Session, dir string, steps ...string) (int, string) {
	t.Helper()
	var stdout bytes.Buffer
	child, err := s.Launch(context.Background(), LaunchSpec{
		Executable: "script",
		Args:       steps,
		Dir:        dir,
		Env:        append(os.Environ(), helperEnv+"=1"),
		Stdout:     &stdout,
		Stderr:     os.Stderr,
	})
	require.NoError(t, err)
	code, err := child.Wait()
	require.NoError(t, err)
	return code, stdout.String()
}

func TestControllerSession(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	dir := t.TempDir()
	in := filepath.Join(dir, "src", "a.txt")
	out := filepath.Join(dir, "out", "b.txt")
	stray := filepath.Join(dir, "stray.log")

	t.Run("advisory reports every access", func(t *testing.T) {
		s, err := newTestController(t).Attach(ctx, PolicyFor(ModeAdvisory, []string{in}, []string{out}))
		require.NoError(t, err)
		defer s.Close()

		code, _ := runScript(t, s, dir, "read:"+in, "write:"+out, "write:"+stray, "exit:0")
		assert.Equal(t, 0, code)

		events, err := s.Drain(ctx)
		require.NoError(t, err)
		require.Len(t, events, 3)
		assert.Equal(t, KindFileOpenRead, events[0].Kind)
		assert.Equal(t, in, events[0].Path)
		assert.Equal(t, out, events[1].Path)
		assert.Equal(t, stray, events[2].Path)
		for _, ev := range events {
			assert.Equal(t, OutcomeAllowed, ev.Outcome)
			assert.True(t, s.Owns(ev.PID), "event %s attributed to session", ev)
		}
		assert.False(t, s.Owns(os.Getpid()))
	})

	t.Run("enforcing blocks writes outside the sandbox", func(t *testing.T) {
		s, err := newTestController(t).Attach(ctx, PolicyFor(ModeEnforcing, []string{in}, []string{out}))
		require.NoError(t, err)
		defer s.Close()

		code, stdout := runScript(t, s, dir, "write:"+out, "write:"+stray, "probe:/usr/include/x.h", "exit:4")
		assert.Equal(t, 4, code)
		assert.Contains(t, stdout, "write "+stray+" blocked")

		events, err := s.Drain(ctx)
		require.NoError(t, err)
		require.Len(t, events, 3)
		assert.Equal(t, OutcomeAllowed, events[0].Outcome)
		assert.Equal(t, OutcomeBlocked, events[1].Outcome)
		assert.Equal(t, KindSearchPathProbe, events[2].Kind)
		assert.Equal(t, OutcomeNotFound, events[2].Outcome)
	})

	t.Run("ignored paths are not reported", func(t *testing.T) {
		policy := PolicyFor(ModeAdvisory, nil, []string{out})
		policy.Ignore = []string{"/proc/**"}
		s, err := newTestController(t).Attach(ctx, policy)
		require.NoError(t, err)
		defer s.Close()

		runScript(t, s, dir, "read:/proc/self/maps", "write:"+out)
		events, err := s.Drain(ctx)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, out, events[0].Path)
	})
}

func TestControllerMissingExecutable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s, err := newTestController(t).Attach(ctx, PolicyFor(ModeAdvisory, nil, nil))
	require.NoError(t, err)
	defer s.Close()

	const missing = "no-such-tool-zz"
	child, err := s.Launch(ctx, LaunchSpec{
		Executable: missing,
		Dir:        t.TempDir(),
		Env:        append(os.Environ(), helperEnv+"=1"),
		Stderr:     os.Stderr,
	})
	require.NoError(t, err, "the helper itself starts")
	code, err := child.Wait()
	require.NoError(t, err)
	assert.Equal(t, exitNotFound, code)

	events, err := s.Drain(ctx)
	require.NoError(t, err)
	launchErr := LaunchError(missing, child.PID(), code, events)
	require.NotNil(t, launchErr)
	assert.Equal(t, missing, launchErr.Executable)
	assert.ErrorIs(t, launchErr, exec.ErrNotFound)

	assert.Nil(t, LaunchError("other-tool", child.PID(), code, events))
	assert.Nil(t, LaunchError(missing, child.PID(), 1, events))
	assert.Nil(t, LaunchError(missing, child.PID()+1, code, events))
}

func TestHelperWithoutController(t *testing.T) {
	exe, err := os.Executable()
	require.NoError(t, err)
	target := filepath.Join(t.TempDir(), "x")

	run := func(mode Mode) (int, string) {
		cmd := exec.Command(exe, "-test.run=^$", "--", "script", "write:"+target)
		cmd.Env = append(os.Environ(),
			helperEnv+"=1",
			EnvSocket+"="+filepath.Join(t.TempDir(), "gone.sock"),
			EnvSession+"=nobody",
			EnvMode+"="+mode.String(),
		)
		var stdout bytes.Buffer
		cmd.Stdout = &stdout
		code, err := exitStatus(cmd.Run())
		require.NoError(t, err)
		return code, stdout.String()
	}

	code, stdout := run(ModeEnforcing)
	assert.Contains(t, stdout, "blocked")
	assert.NotEqual(t, 0, code)

	code, stdout = run(ModeAdvisory)
	assert.Contains(t, stdout, "allowed")
	assert.Equal(t, 0, code)
}

func TestSessionDeduplicatesRedelivery(t *testing.T) {
	s := &channelSession{seen: map[eventKey]struct{}{}, parents: map[int]int{}, roots: map[int]bool{10: true}}
	ev := Event{Seq: 1, Kind: KindFileOpenWrite, Path: "/w/b", PID: 12, ParentPID: 11, Timestamp: 5}
	assert.True(t, s.ingest(ev))
	ev.Seq = 7 // resent after a reconnect
	assert.False(t, s.ingest(ev))
	assert.True(t, s.ingest(Event{Kind: KindFileOpenRead, Path: "/w/a", PID: 11, ParentPID: 10, Timestamp: 4}))
	assert.Len(t, s.events, 2)

	t.Run("genealogy", func(t *testing.T) {
		assert.True(t, s.Owns(12), "grandchild of a root")
		assert.True(t, s.Owns(10))
		assert.False(t, s.Owns(99))
		s.parents[20] = 21
		s.parents[21] = 20
		assert.False(t, s.Owns(20), "cycles terminate")
	})
}

func TestReporterResendsAfterReconnect(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sess, err := newTestController(t).Attach(ctx, Policy{Mode: ModeAdvisory})
	require.NoError(t, err)
	defer sess.Close()
	cs := sess.(*channelSession)

	rep, err := Dial(cs.socket, cs.id, os.Getpid(), WithWindow(2), WithRetry(5, 10*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, ModeAdvisory, rep.Policy().Mode)

	for i := 0; i < 3; i++ {
		require.NoError(t, rep.Report(Event{Kind: KindFileOpenRead, Path: fmt.Sprintf("/f%d", i), PID: os.Getpid(), Timestamp: int64(i + 1)}))
	}
	cs.dropConnections()
	for i := 3; i < 6; i++ {
		require.NoError(t, rep.Report(Event{Kind: KindFileOpenRead, Path: fmt.Sprintf("/f%d", i), PID: os.Getpid(), Timestamp: int64(i + 1)}))
	}
	require.NoError(t, rep.Close())

	events, err := sess.Drain(ctx)
	require.NoError(t, err)
	require.Len(t, events, 6)
	for i, ev := range events {
		assert.Equal(t, fmt.Sprintf("/f%d", i), ev.Path)
	}
}

func TestRejectsUnknownSession(t *testing.T) {
	ctx := context.Background()
	sess, err := newTestController(t).Attach(ctx, Policy{Mode: ModeEnforcing})
	require.NoError(t, err)
	defer sess.Close()

	_, err = Dial(sess.(*channelSession).socket, "someone-else", 1, WithRetry(0, 0))
	assert.ErrorContains(t, err, "refused session")
}

func TestDirectSession(t *testing.T) {
	ctx := context.Background()
	s, err := Direct{}.Attach(ctx, Policy{})
	require.NoError(t, err)

	var out bytes.Buffer
	child, err := s.Launch(ctx, LaunchSpec{Executable: "sh", Args: []string{"-c", "echo hi; exit 3"}, Stdout: &out})
	require.NoError(t, err)
	code, err := child.Wait()
	require.NoError(t, err)
	assert.Equal(t, 3, code)
	assert.Equal(t, "hi\n", out.String())

	events, err := s.Drain(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, KindProcessCreate, events[0].Kind)
	assert.True(t, s.Owns(child.PID()))

	_, err = s.Launch(ctx, LaunchSpec{Executable: "definitely-not-a-command-xyz"})
	var launchErr *ProcessLaunchError
	assert.ErrorAs(t, err, &launchErr)
}

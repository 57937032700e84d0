package monitor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// Passthrough runs the command without interception and reports only the
// top-level process creation.
type Passthrough struct{}

// Run implements Interceptor.
func (Passthrough) Run(_ context.Context, argv []string, gate Gate) (int, error) {
	self, parent := os.Getpid(), os.Getppid()
	path, err := exec.LookPath(argv[0])
	if err != nil {
		gate.Record(Event{
			Kind: KindSearchPathProbe, Path: argv[0], PID: self, ParentPID: parent,
			Outcome: OutcomeNotFound, Timestamp: time.Now().UnixNano(),
		})
		return exitNotFound, err
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	if gate.Decide(KindProcessCreate, path) == OutcomeBlocked {
		gate.Record(Event{
			Kind: KindProcessCreate, Path: path, PID: self, ParentPID: parent,
			Outcome: OutcomeBlocked, Timestamp: time.Now().UnixNano(),
		})
		return exitNotExecutable, fmt.Errorf("%s: %w", path, os.ErrPermission)
	}

	cmd := exec.Command(path, argv[1:]...)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	if err := cmd.Start(); err != nil {
		return exitNotExecutable, err
	}
	gate.Record(Event{
		Kind: KindProcessCreate, Path: path, PID: cmd.Process.Pid, ParentPID: self,
		Outcome: OutcomeAllowed, Timestamp: time.Now().UnixNano(),
	})
	return exitStatus(cmd.Wait())
}

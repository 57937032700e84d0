package monitor

import (
	"fmt"
	"os/exec"
)

// ChannelError reports that events could not be delivered to the
// controller. In enforcing mode the helper treats it as a block; in
// advisory mode it only warns.
type ChannelError struct {
	Socket string
	Err    error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("monitor channel %s: %v", e.Socket, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// ProcessLaunchError reports an operation process that could not be
// started.
type ProcessLaunchError struct {
	Executable string
	Err        error
}

func (e *ProcessLaunchError) Error() string {
	return fmt.Sprintf("launch %s: %v", e.Executable, e.Err)
}

func (e *ProcessLaunchError) Unwrap() error { return e.Err }

// LaunchError recognizes a helper that could not start executable: it
// exited with the not-found code after reporting a failed search-path
// probe of executable from its own pid.
func LaunchError(executable string, pid, exitCode int, events []Event) *ProcessLaunchError {
	if exitCode != exitNotFound {
		return nil
	}
	for _, ev := range events {
		if ev.PID == pid && ev.Kind == KindSearchPathProbe && ev.Outcome == OutcomeNotFound && ev.Path == executable {
			return &ProcessLaunchError{Executable: executable, Err: exec.ErrNotFound}
		}
	}
	return nil
}

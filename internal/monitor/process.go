package monitor

import (
	"errors"
	"os/exec"
	"sync"
	"time"
)

// waitDelay bounds how long Wait keeps copying output after the process
// exits, in case a grandchild still holds the pipes.
const waitDelay = 2 * time.Second

type process struct {
	cmd  *exec.Cmd
	once sync.Once
	done chan struct{}
	code int
	err  error
}

func newProcess(cmd *exec.Cmd) *process {
	return &process{cmd: cmd, done: make(chan struct{})}
}

func (p *process) PID() int { return p.cmd.Process.Pid }

func (p *process) Wait() (int, error) {
	p.once.Do(func() {
		p.code, p.err = exitStatus(p.cmd.Wait())
		close(p.done)
	})
	<-p.done
	return p.code, p.err
}

func (p *process) Kill() error {
	return killProcessGroup(p.cmd.Process.Pid)
}

// exitStatus turns the result of Wait into an exit code. A non-zero exit is
// not an error.
func exitStatus(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

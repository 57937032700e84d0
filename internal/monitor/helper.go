package monitor

import (
	"context"
	"errors"
	"os"

	"github.com/specialistvlad/forgegrid/internal/ctxlog"
)

var errNoChannel = errors.New("controller unreachable")

// Interceptor runs a command with its file and process calls routed
// through a Gate and returns the command's exit code once the whole
// process tree has exited.
type Interceptor interface {
	Run(ctx context.Context, argv []string, gate Gate) (int, error)
}

// Exit codes of the helper itself, following the shell convention.
const (
	exitNotExecutable = 126
	exitNotFound      = 127
)

// RunHelper is the body of the helper process. argv is the operation's
// command line; the session comes from the environment set by
// Session.Launch.
func RunHelper(ctx context.Context, argv []string, ic Interceptor) int {
	logger := ctxlog.FromContext(ctx)
	if len(argv) == 0 {
		logger.Error("Monitor helper started without a command.")
		return exitNotFound
	}

	mode, err := ParseMode(os.Getenv(EnvMode))
	if err != nil {
		logger.Error("Invalid sandbox mode, enforcing.", "error", err)
		mode = ModeEnforcing
	}
	socket := os.Getenv(EnvSocket)
	rep, err := Dial(socket, os.Getenv(EnvSession), os.Getpid())
	if err != nil {
		if mode == ModeEnforcing {
			logger.Error("Monitor channel unreachable, every access will be blocked.", "error", err)
		} else {
			logger.Warn("Monitor channel unreachable, running unmonitored.", "error", err)
		}
		rep = nil
	}
	gate := NewReportingGate(ctx, mode, rep)

	code, err := ic.Run(ctx, argv, gate)
	if err != nil {
		logger.Error("Monitored command failed.", "command", argv[0], "error", err)
		if code <= 0 {
			code = exitNotFound
		}
	}
	if rep != nil {
		if err := rep.Close(); err != nil {
			logger.Warn("Monitor events were not all delivered.", "error", err)
		}
	}
	if gate.Err() != nil && mode == ModeEnforcing && code == 0 {
		// Accesses were blocked because nobody could check them.
		code = exitNotExecutable
	}
	return code
}

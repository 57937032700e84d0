package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/specialistvlad/forgegrid/internal/app"
	"github.com/specialistvlad/forgegrid/internal/ctxlog"
	"github.com/specialistvlad/forgegrid/internal/monitor"
)

// newMonitorCommand is the entry point of the tracing helper the runner
// launches operations through. It is not meant to be run by hand.
func newMonitorCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:                monitor.HelperCommand + " -- command [args...]",
		Hidden:             true,
		DisableFlagParsing: true,
		PersistentPreRunE:  func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 && args[0] == "--" {
				args = args[1:]
			}
			level := os.Getenv("FORGEGRID_LOG_LEVEL")
			if level == "" {
				level = "warn"
			}
			logger := app.NewLogger(level, "text", root.stderr).With("component", "monitor", "pid", os.Getpid())
			ctx := ctxlog.WithLogger(cmd.Context(), logger)

			if code := monitor.RunHelper(ctx, args, monitor.DefaultInterceptor()); code != 0 {
				return &ExitError{Code: code}
			}
			return nil
		},
	}
}

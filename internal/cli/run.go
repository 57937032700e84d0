package cli

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/specialistvlad/forgegrid/internal/app"
	"github.com/specialistvlad/forgegrid/internal/runner"
)

// runFlags are shared by run and watch.
type runFlags struct {
	force  bool
	dryRun bool
}

// settingFlags maps flag names to the config settings they override.
var settingFlags = map[string]string{
	"keep-going":     "keep_going",
	"workers":        "workers",
	"sandbox":        "sandbox",
	"timeout":        "timeout",
	"signature-mode": "signature_mode",
	"cancel-policy":  "cancel_policy",
	"status-listen":  "status_listen",
}

func addRunFlags(cmd *cobra.Command, f *runFlags) {
	cmd.Flags().BoolVarP(&f.force, "force", "f", false, "treat every operation as stale")
	cmd.Flags().BoolVarP(&f.dryRun, "dry-run", "n", false, "report what would run without executing anything")
	cmd.Flags().BoolP("keep-going", "k", false, "keep running independent operations after a failure")
	cmd.Flags().IntP("workers", "j", 0, "number of concurrent operations (default: number of CPUs)")
	cmd.Flags().String("sandbox", "", "sandbox mode: disabled, advisory or enforcing")
	cmd.Flags().String("timeout", "", "per-operation timeout, e.g. 5m (0 disables)")
	cmd.Flags().String("signature-mode", "", "file signatures: timestamp or content")
	cmd.Flags().String("cancel-policy", "", "running operations on failure: wait or terminate")
	cmd.Flags().String("status-listen", "", "serve a live status feed on this address")
}

func newRunCommand(root *rootOptions) *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Bring every operation up to date",
		Long: `Run loads the operation graph (compiling the manifest when present) and
executes every operation whose inputs or outputs changed since its last
successful run.

Example:
  forgegrid run
  forgegrid run --dry-run -o json
  forgegrid run -j 8 --sandbox enforcing --timeout 10m`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := root.loadApp(cmd, changedFlags(cmd, settingFlags))
			if err != nil {
				return err
			}
			defer a.Close()
			return runOnce(cmd.Context(), a, root, flags)
		},
	}
	addRunFlags(cmd, flags)
	return cmd
}

func runOnce(ctx context.Context, a *app.App, root *rootOptions, flags *runFlags) error {
	p := newPrinter(root.stdout, root.output)
	req := app.RunRequest{Force: flags.force, DryRun: flags.dryRun, Stdout: root.stderr, Stderr: root.stderr}
	if p.text() {
		req.Observer = &progress{p: p}
	}
	res, err := a.Run(ctx, req)
	return report(p, res, flags.dryRun, err)
}

// report prints the result of a run and turns a failed run into an
// ExitError.
func report(p *printer, res *runner.Result, dryRun bool, runErr error) error {
	if res == nil {
		return runErr
	}
	if p.text() {
		p.summary(res, dryRun)
	} else if err := p.document(newRunReport(res, dryRun, runErr)); err != nil {
		return err
	}
	if runErr == nil {
		return nil
	}
	if errors.Is(runErr, context.Canceled) {
		return &ExitError{Code: ExitInterrupted, Message: "interrupted"}
	}
	return &ExitError{Code: ExitFailure, Message: runErr.Error()}
}

func newWatchCommand(root *rootOptions) *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run, then run again whenever a source file changes",
		Long: `Watch runs the graph like run, then watches the declared inputs no
operation produces, plus the manifest, and runs again after they change.
Failed runs are reported and watching continues until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.dryRun {
				return usageError("watch does not support --dry-run")
			}
			a, err := root.loadApp(cmd, changedFlags(cmd, settingFlags))
			if err != nil {
				return err
			}
			defer a.Close()

			p := newPrinter(root.stdout, root.output)
			req := app.RunRequest{Force: flags.force, Stdout: root.stderr, Stderr: root.stderr}
			if p.text() {
				req.Observer = &progress{p: p}
			}
			return a.Watch(cmd.Context(), req, func(res *runner.Result, err error) {
				if rerr := report(p, res, false, err); rerr != nil {
					a.Logger().Error("Run failed.", "error", rerr)
				}
			})
		},
	}
	addRunFlags(cmd, flags)
	return cmd
}

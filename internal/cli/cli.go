package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"

	"github.com/specialistvlad/forgegrid/internal/app"
	"github.com/specialistvlad/forgegrid/internal/config"
)

// Exit codes.
const (
	ExitFailure     = 1
	ExitUsage       = 2
	ExitInterrupted = 130
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

func usageError(format string, args ...any) error {
	return &ExitError{Code: ExitUsage, Message: fmt.Sprintf(format, args...)}
}

// rootOptions holds the persistent flags shared by every command.
type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string
	output     string

	stdout io.Writer
	stderr io.Writer
}

var validOutputs = []string{"text", "json", "yaml"}

// NewRootCommand creates the forgegrid command tree. Command output goes to
// stdout, logs and operation output to stderr.
func NewRootCommand(stdout, stderr io.Writer) *cobra.Command {
	opts := &rootOptions{stdout: stdout, stderr: stderr}

	cmd := &cobra.Command{
		Use:   "forgegrid",
		Short: "forgegrid - dependency-aware incremental builds",
		Long: `forgegrid runs a graph of operations, re-executing only those whose
inputs or outputs changed since their last successful run. Operations can
be traced to catch undeclared reads and writes.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(validOutputs, opts.output) {
				return usageError("invalid output %q: must be one of %v", opts.output, validOutputs)
			}
			return nil
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &ExitError{Code: ExitUsage, Message: err.Error()}
	})

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (default ./"+config.DefaultFile+")")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "logging level: debug, info, warn or error")
	cmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "log format: text or json")
	cmd.PersistentFlags().StringVarP(&opts.output, "output", "o", "text", "output format (text|json|yaml)")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newWatchCommand(opts))
	cmd.AddCommand(newGraphCommand(opts))
	cmd.AddCommand(newHistoryCommand(opts))
	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newMonitorCommand(opts))

	return cmd
}

// Execute runs the command line args. Errors that are not already an
// ExitError are reported with exit code 1.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cmd := NewRootCommand(stdout, stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return nil
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr
	}
	if errors.Is(err, context.Canceled) {
		return &ExitError{Code: ExitInterrupted, Message: "interrupted"}
	}
	return &ExitError{Code: ExitFailure, Message: err.Error()}
}

// loadApp loads the configuration, applies the flag overrides and builds
// the app.
func (o *rootOptions) loadApp(cmd *cobra.Command, overrides map[string]string) (*app.App, error) {
	cfg, err := config.Load(cmd.Context(), config.LoadOptions{Path: o.configPath})
	if err != nil {
		return nil, usageError("%v", err)
	}
	if o.logLevel != "" {
		overrides["log_level"] = o.logLevel
	}
	if o.logFormat != "" {
		overrides["log_format"] = o.logFormat
	}
	for key, raw := range overrides {
		if err := cfg.Set(key, raw); err != nil {
			return nil, usageError("invalid flag value: %v", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, usageError("invalid configuration: %v", err)
	}

	a, err := app.NewApp(o.stderr, cfg)
	if err != nil {
		return nil, err
	}
	a.Logger().Debug("Configuration loaded.", "file", cfg.File, "root", cfg.Root)
	return a, nil
}

// changedFlags collects the named flags the user set, as config settings.
func changedFlags(cmd *cobra.Command, names map[string]string) map[string]string {
	overrides := map[string]string{}
	for flag, setting := range names {
		if f := cmd.Flags().Lookup(flag); f != nil && f.Changed {
			overrides[setting] = f.Value.String()
		}
	}
	return overrides
}

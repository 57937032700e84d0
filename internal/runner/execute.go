package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/specialistvlad/forgegrid/internal/ctxlog"
	"github.com/specialistvlad/forgegrid/internal/monitor"
	"github.com/specialistvlad/forgegrid/internal/opgraph"
)

// drainTimeout bounds how long the runner waits for the monitor to flush
// events after the operation exited.
const drainTimeout = 30 * time.Second

var errOperationTimeout = errors.New("operation timeout")

// execOutcome is what one execution left behind.
type execOutcome struct {
	exitCode int
	policy   monitor.Policy
	events   []monitor.Event
}

// policyFor builds the sandbox of op from its declared paths and the
// run-wide additions.
func (ex *execution) policyFor(op *opgraph.Operation) monitor.Policy {
	p := monitor.PolicyFor(ex.opts.SandboxMode, op.DeclaredInput, op.DeclaredOutput)
	p.AllowRead = append(p.AllowRead, ex.opts.Sandbox.AllowRead...)
	p.AllowWrite = append(p.AllowWrite, ex.opts.Sandbox.AllowWrite...)
	p.Ignore = append(p.Ignore, ex.opts.Sandbox.Ignore...)
	return p
}

// operationContext derives the context a process runs under. Under
// CancelWait a halted run lets it finish.
func (ex *execution) operationContext() (context.Context, context.CancelFunc) {
	ctx := ex.haltCtx
	if ex.opts.CancelPolicy == CancelWait {
		ctx = context.WithoutCancel(ctx)
	}
	if ex.opts.OperationTimeout > 0 {
		return context.WithTimeoutCause(ctx, ex.opts.OperationTimeout, errOperationTimeout)
	}
	return context.WithCancel(ctx)
}

// execute launches op under a monitor session and waits for it.
func (ex *execution) execute(ctx context.Context, op *opgraph.Operation) (execOutcome, error) {
	logger := ctxlog.FromContext(ctx)
	out := execOutcome{exitCode: -1, policy: ex.policyFor(op)}

	args, err := SplitArguments(op.Command.Arguments)
	if err != nil {
		return out, fmt.Errorf("operation %q: %w", op.Title, err)
	}
	for _, p := range op.DeclaredOutput {
		if err := ex.r.fs.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return out, fmt.Errorf("operation %q: create output directory: %w", op.Title, err)
		}
	}

	opCtx, cancel := ex.operationContext()
	defer cancel()

	session, err := ex.r.monitor.Attach(opCtx, out.policy)
	if err != nil {
		return out, fmt.Errorf("operation %q: attach monitor: %w", op.Title, err)
	}
	defer func() {
		if err := session.Close(); err != nil {
			logger.Warn("Failed to close monitor session.", "session", session.ID(), "error", err)
		}
	}()
	logger.Debug("Monitor session attached.", "session", session.ID(), "mode", out.policy.Mode)

	env := append(os.Environ(), ex.opts.Variables.Environ(VariablePrefix)...)
	child, err := session.Launch(opCtx, monitor.LaunchSpec{
		Executable: op.Command.Executable,
		Args:       args,
		Dir:        op.Command.WorkingDir,
		Env:        env,
		Stdout:     ex.opts.Stdout,
		Stderr:     ex.opts.Stderr,
	})
	if err != nil {
		return out, err
	}

	type waitResult struct {
		code int
		err  error
	}
	waited := make(chan waitResult, 1)
	go func() {
		code, err := child.Wait()
		waited <- waitResult{code, err}
	}()

	var wr waitResult
	select {
	case wr = <-waited:
	case <-opCtx.Done():
		logger.Warn("Terminating operation.", "pid", child.PID(), "cause", opCtx.Err())
		if err := child.Kill(); err != nil {
			logger.Warn("Failed to kill operation.", "pid", child.PID(), "error", err)
		}
		<-waited
		if errors.Is(context.Cause(opCtx), errOperationTimeout) {
			return out, &OperationTimeoutError{ID: op.ID, Title: op.Title, Timeout: ex.opts.OperationTimeout}
		}
		return out, fmt.Errorf("operation %q: %w", op.Title, context.Cause(opCtx))
	}
	if wr.err != nil {
		return out, fmt.Errorf("operation %q: wait: %w", op.Title, wr.err)
	}
	out.exitCode = wr.code

	drainCtx, drainCancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
	defer drainCancel()
	events, err := session.Drain(drainCtx)
	if err != nil {
		if out.policy.Mode == monitor.ModeEnforcing {
			return out, fmt.Errorf("operation %q: collect access events: %w", op.Title, err)
		}
		ex.warn(op, "access events incomplete: %v", err)
	}
	for _, ev := range events {
		if session.Owns(ev.PID) {
			out.events = append(out.events, ev)
		}
	}
	logger.Debug("Collected access events.", "count", len(out.events))

	if launchErr := monitor.LaunchError(op.Command.Executable, child.PID(), wr.code, out.events); launchErr != nil {
		return out, launchErr
	}
	if wr.code != 0 {
		return out, &OperationExecutionError{ID: op.ID, Title: op.Title, ExitCode: wr.code}
	}
	return out, nil
}

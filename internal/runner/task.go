package runner

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/specialistvlad/forgegrid/internal/ctxlog"
	"github.com/specialistvlad/forgegrid/internal/opgraph"
)

// task wraps an operation for one run. pending counts parents that have
// not completed yet.
type task struct {
	op       *opgraph.Operation
	ex       *execution
	children []*task
	pending  atomic.Int32
	state    atomic.Int32
	once     sync.Once
	result   OperationResult
}

func (t *task) ID() opgraph.OperationID { return t.op.ID }

func (t *task) State() State { return State(t.state.Load()) }

// Execute decides whether the operation is stale and runs it if so. The
// outcome is recorded on the task; the returned error is informational.
func (t *task) Execute(ctx context.Context) error {
	ex := t.ex
	op := t.op
	logger := ctxlog.FromContext(ctx)

	dec, err := ex.decide(ctx, op)
	if err != nil {
		return ex.fail(ctx, t, err, OperationResult{})
	}
	if !dec.stale {
		logger.Debug("Operation is up to date.")
		ex.complete(t, OperationResult{Outcome: OutcomeSkipped, Reason: dec.reason})
		return nil
	}
	if ex.opts.DryRun {
		ex.markWillRun(op.ID)
		logger.Info("Operation would run.", "reason", dec.reason)
		ex.complete(t, OperationResult{Outcome: OutcomeWouldExecute, Reason: dec.reason})
		return nil
	}

	t.state.Store(int32(StateRunning))
	ex.opts.Observer.OperationStarted(op.ID, op.Title)
	logger.Info("▶️ Running operation", "reason", dec.reason)
	started := ex.r.now()
	out, err := ex.execute(ctx, op)
	res := OperationResult{Reason: dec.reason, ExitCode: out.exitCode, Duration: ex.r.now().Sub(started)}
	if err != nil {
		return ex.fail(ctx, t, err, res)
	}
	// Recording finishes even when the caller cancelled meanwhile.
	if err := ex.record(context.WithoutCancel(ctx), op, out); err != nil {
		return ex.fail(ctx, t, err, res)
	}
	logger.Info("✅ Operation finished", "duration", res.Duration)
	res.Outcome = OutcomeExecuted
	ex.complete(t, res)
	return nil
}

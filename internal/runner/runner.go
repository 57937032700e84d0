package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/specialistvlad/forgegrid/internal/ctxlog"
	"github.com/specialistvlad/forgegrid/internal/fsys"
	"github.com/specialistvlad/forgegrid/internal/history"
	"github.com/specialistvlad/forgegrid/internal/monitor"
	"github.com/specialistvlad/forgegrid/internal/opgraph"
	"github.com/specialistvlad/forgegrid/internal/signature"
)

// Signatures computes file signatures. *signature.Store implements it.
type Signatures interface {
	Mode() signature.Mode
	ProbeAll(ctx context.Context, paths []string) ([]signature.FileSignature, error)
}

// Runner holds the collaborators shared by every run.
type Runner struct {
	fs        fsys.FS
	sigs      Signatures
	persister history.Persister
	monitor   monitor.Monitor
	now       func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithPersister saves the history during and after each run. Without one
// the history is only updated in memory.
func WithPersister(p history.Persister) Option {
	return func(r *Runner) { r.persister = p }
}

// WithMonitor sets the access monitor. The default launches operations
// without interception.
func WithMonitor(m monitor.Monitor) Option {
	return func(r *Runner) { r.monitor = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// New creates a runner.
func New(fs fsys.FS, sigs Signatures, opts ...Option) *Runner {
	r := &Runner{fs: fs, sigs: sigs, monitor: monitor.Direct{}, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// execution is the state of one RunGraph call.
type execution struct {
	r     *Runner
	g     *opgraph.Graph
	h     *history.History
	opts  Options
	tasks map[opgraph.OperationID]*task
	ready chan *task
	wg    sync.WaitGroup

	// haltCtx is cancelled when the run halts under CancelTerminate or the
	// caller cancels.
	haltCtx context.Context
	halt    context.CancelFunc
	halted  atomic.Bool

	mu         sync.Mutex
	warnings   []Warning
	sinceFlush int
	// persistMu orders saves so a later snapshot never lands before an
	// earlier one.
	persistMu sync.Mutex
	rootCause  error
	willRun    map[opgraph.OperationID]bool
}

// RunGraph brings every operation of g up to date and records the results
// in h, which is updated in place and returned as Result.History. The
// returned error wraps the first root-cause failure; the Result is
// returned either way.
func (r *Runner) RunGraph(ctx context.Context, g *opgraph.Graph, h *history.History, opts Options) (*Result, error) {
	if g == nil {
		return nil, errors.New("run graph: nil graph")
	}
	if h == nil {
		h = history.New()
	}
	opts = opts.withDefaults()
	logger := ctxlog.FromContext(ctx)
	started := r.now()
	res := &Result{History: h}

	opts.Observer.RunStarted(g.Len())
	if g.Len() == 0 {
		logger.Debug("Graph is empty, nothing to run.")
		opts.Observer.RunFinished(res)
		return res, nil
	}

	ex := &execution{
		r:       r,
		g:       g,
		h:       h,
		opts:    opts,
		tasks:   make(map[opgraph.OperationID]*task, g.Len()),
		ready:   make(chan *task, g.Len()),
		willRun: map[opgraph.OperationID]bool{},
	}
	ex.haltCtx, ex.halt = context.WithCancel(ctx)
	defer ex.halt()

	for _, op := range g.Operations() {
		ex.tasks[op.ID] = &task{op: op, ex: ex}
	}
	for _, t := range ex.tasks {
		for _, child := range t.op.Children {
			c := ex.tasks[child]
			t.children = append(t.children, c)
			c.pending.Add(1)
		}
	}

	ex.wg.Add(len(ex.tasks))
	rootCount := 0
	for _, op := range g.Operations() {
		if t := ex.tasks[op.ID]; t.pending.Load() == 0 {
			t.state.Store(int32(StateReady))
			ex.ready <- t
			rootCount++
		}
	}
	logger.Debug("Found ready operations.", "count", rootCount, "total", g.Len())

	logger.Debug("Starting worker pool.", "workers", opts.Workers)
	for i := 0; i < opts.Workers; i++ {
		go ex.worker(ctx, i)
	}
	ex.wg.Wait()
	close(ex.ready)

	if err := ex.persist(context.WithoutCancel(ctx), true); err != nil {
		ex.recordErr(fmt.Errorf("persist history: %w", err))
	}

	for _, op := range g.Operations() {
		t := ex.tasks[op.ID]
		res.Operations = append(res.Operations, t.result)
		switch t.result.Outcome {
		case OutcomeSkipped:
			res.Skipped = append(res.Skipped, op.ID)
		case OutcomeExecuted:
			res.Executed = append(res.Executed, op.ID)
		case OutcomeFailed:
			res.Failed = append(res.Failed, op.ID)
		case OutcomeWouldExecute:
			res.WouldExecute = append(res.WouldExecute, op.ID)
		default:
			res.NotStarted = append(res.NotStarted, op.ID)
		}
	}
	res.Warnings = ex.warnings
	res.Duration = r.now().Sub(started)
	res.Err = ex.rootCause
	if res.Err == nil && ctx.Err() != nil && len(res.NotStarted) > 0 {
		res.Err = ctx.Err()
	}
	logger.Info("Run finished.",
		"executed", len(res.Executed), "skipped", len(res.Skipped),
		"failed", len(res.Failed), "notStarted", len(res.NotStarted),
		"duration", res.Duration)
	opts.Observer.RunFinished(res)

	if res.Err != nil {
		var titles []string
		for _, id := range res.Failed {
			titles = append(titles, ex.tasks[id].op.Title)
		}
		if len(titles) == 0 {
			return res, res.Err
		}
		return res, fmt.Errorf("execution failed for %s: %w", strings.Join(titles, ", "), res.Err)
	}
	return res, nil
}

// worker is the processing loop of a single pool worker.
func (ex *execution) worker(ctx context.Context, workerID int) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Worker started.", "workerID", workerID)
	for t := range ex.ready {
		if ex.haltCtx.Err() != nil || ex.halted.Load() {
			logger.Debug("Run halted, not starting operation.", "opID", t.op.ID)
			ex.finish(t, StateFailed, OperationResult{Outcome: OutcomeNotStarted, Err: ErrNotStarted})
			ex.skipDependents(ctx, t, ErrNotStarted)
			continue
		}
		wctx := ctxlog.WithLogger(ctx, logger.With("workerID", workerID, "opID", t.op.ID, "title", t.op.Title))
		_ = t.Execute(wctx)
	}
	logger.Debug("Worker finished.", "workerID", workerID)
}

// finish records the final state of t exactly once.
func (ex *execution) finish(t *task, state State, res OperationResult) bool {
	done := false
	t.once.Do(func() {
		res.ID, res.Title = t.op.ID, t.op.Title
		t.result = res
		t.state.Store(int32(state))
		ex.opts.Observer.OperationFinished(res)
		done = true
		if state == StateCompleted {
			for _, c := range t.children {
				if c.pending.Add(-1) == 0 {
					c.state.Store(int32(StateReady))
					ex.ready <- c
				}
			}
		}
		ex.wg.Done()
	})
	return done
}

func (ex *execution) complete(t *task, res OperationResult) {
	ex.finish(t, StateCompleted, res)
}

// fail marks t failed, skips its dependents and halts the run when the
// error calls for it.
func (ex *execution) fail(ctx context.Context, t *task, err error, res OperationResult) error {
	ctxlog.FromContext(ctx).Error("Operation failed.", "error", err)
	res.Outcome, res.Err = OutcomeFailed, err
	ex.finish(t, StateFailed, res)
	ex.recordErr(err)
	if haltsRun(err) && !ex.opts.KeepGoing {
		ex.halted.Store(true)
		if ex.opts.CancelPolicy == CancelTerminate {
			ex.halt()
		}
	}
	ex.skipDependents(ctx, t, ErrUpstreamFailed)
	return err
}

// skipDependents recursively marks every downstream operation as not
// started.
func (ex *execution) skipDependents(ctx context.Context, t *task, cause error) {
	logger := ctxlog.FromContext(ctx)
	for _, c := range t.children {
		skipped := ex.finish(c, StateFailed, OperationResult{
			Outcome: OutcomeNotStarted,
			Err:     fmt.Errorf("%w: %s", cause, t.op.Title),
		})
		if skipped {
			logger.Warn("Skipping dependent operation.", "opID", c.op.ID, "dependency", t.op.ID, "cause", cause)
			ex.skipDependents(ctx, c, cause)
		}
	}
}

func (ex *execution) recordErr(err error) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if ex.rootCause == nil || (errors.Is(ex.rootCause, context.Canceled) && !errors.Is(err, context.Canceled)) {
		ex.rootCause = err
	}
}

func (ex *execution) warn(op *opgraph.Operation, format string, args ...any) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	ex.warnings = append(ex.warnings, Warning{ID: op.ID, Title: op.Title, Message: fmt.Sprintf(format, args...)})
}

// persist saves the history every FlushEvery successful operations, and
// once more at the end if anything is unsaved.
func (ex *execution) persist(ctx context.Context, final bool) error {
	if ex.r.persister == nil || ex.opts.DryRun {
		return nil
	}
	ex.mu.Lock()
	if !final {
		ex.sinceFlush++
	}
	due := ex.sinceFlush > 0 && (final || ex.sinceFlush >= ex.opts.FlushEvery)
	ex.mu.Unlock()
	if !due {
		return nil
	}

	ex.persistMu.Lock()
	defer ex.persistMu.Unlock()
	// Counted upserts happened before this point, so the snapshot Save
	// takes covers them. A save queued ahead of us may already have.
	ex.mu.Lock()
	pending := ex.sinceFlush
	ex.sinceFlush = 0
	ex.mu.Unlock()
	if pending == 0 {
		return nil
	}
	if err := ex.r.persister.Save(ctx, ex.h); err != nil {
		ex.mu.Lock()
		ex.sinceFlush += pending
		ex.mu.Unlock()
		return err
	}
	return nil
}

func (ex *execution) markWillRun(id opgraph.OperationID) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	ex.willRun[id] = true
}

// upstreamWillRun reports whether a dry run decided to execute an ancestor
// of id.
func (ex *execution) upstreamWillRun(id opgraph.OperationID) bool {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	for _, a := range ex.g.Ancestors(id) {
		if ex.willRun[a] {
			return true
		}
	}
	return false
}

// producedUpstream reports whether path is a declared output of an
// ancestor that has not produced it yet. Only dry runs leave such
// ancestors behind.
func (ex *execution) producedUpstream(id opgraph.OperationID, path string) bool {
	if !ex.opts.DryRun {
		return false
	}
	ex.mu.Lock()
	defer ex.mu.Unlock()
	for _, a := range ex.g.Ancestors(id) {
		if !ex.willRun[a] {
			continue
		}
		op, _ := ex.g.Operation(a)
		for _, out := range op.DeclaredOutput {
			if out == path {
				return true
			}
		}
	}
	return false
}

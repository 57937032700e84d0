package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/specialistvlad/forgegrid/internal/ctxlog"
	"github.com/specialistvlad/forgegrid/internal/opgraph"
	"github.com/specialistvlad/forgegrid/internal/runner"
	"github.com/specialistvlad/forgegrid/internal/watch"
)

// RunRequest holds the per-invocation switches of a run.
type RunRequest struct {
	Force    bool
	DryRun   bool
	Observer runner.Observer
	// Stdout and Stderr receive operation output.
	Stdout io.Writer
	Stderr io.Writer
}

// Run brings the graph up to date once.
func (a *App) Run(ctx context.Context, req RunRequest) (*runner.Result, error) {
	ctx = a.Context(ctx)
	g, _, err := a.LoadGraph(ctx)
	if err != nil {
		return nil, err
	}
	return a.runGraph(ctx, g, req)
}

func (a *App) runGraph(ctx context.Context, g *opgraph.Graph, req RunRequest) (*runner.Result, error) {
	logger := ctxlog.FromContext(ctx)

	h, err := a.LoadHistory(ctx)
	if err != nil {
		return nil, err
	}
	mon, err := a.accessMonitor()
	if err != nil {
		return nil, err
	}
	feed, err := a.statusFeed(ctx)
	if err != nil {
		return nil, err
	}

	var obs observers
	if req.Observer != nil {
		obs = append(obs, req.Observer)
	}
	if feed != nil {
		obs = append(obs, feed)
	}

	opts := a.config.RunOptions()
	opts.Force = req.Force
	opts.DryRun = req.DryRun
	opts.Observer = obs
	opts.Stdout = req.Stdout
	opts.Stderr = req.Stderr

	r := runner.New(a.fs, a.sigs, runner.WithPersister(a.history), runner.WithMonitor(mon))
	logger.Info("🚀 Starting run...",
		"operations", g.Len(), "workers", opts.Workers,
		"sandbox", opts.SandboxMode, "signatures", a.sigs.Mode(), "dryRun", opts.DryRun)
	return r.RunGraph(ctx, g, h, opts)
}

// Watch runs the graph, then reruns it whenever a source file or the
// manifest changes, until ctx ends. report receives the outcome of every
// run; failed runs do not stop watching.
func (a *App) Watch(ctx context.Context, req RunRequest, report func(*runner.Result, error)) error {
	ctx = a.Context(ctx)
	logger := ctxlog.FromContext(ctx)

	g, files, err := a.LoadGraph(ctx)
	if err != nil {
		return err
	}
	report(a.runGraph(ctx, g, req))
	if ctx.Err() != nil {
		return nil
	}

	w, err := watch.New(a.watchedPaths(g, files), a.config.Watch.Debounce)
	if err != nil {
		return fmt.Errorf("failed to start watcher: %w", err)
	}
	defer w.Close()
	logger.Info("👀 Watching for changes...", "files", w.Len(), "debounce", a.config.Watch.Debounce)

	err = w.Run(ctx, func(ctx context.Context, changed []string) error {
		logger.Info("🔁 Change detected, running again.", "changed", changed)
		g, files, err := a.LoadGraph(ctx)
		if err != nil {
			report(nil, err)
			return nil
		}
		report(a.runGraph(ctx, g, req))
		return w.Reset(a.watchedPaths(g, files))
	})
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// watchedPaths lists the source files of g: declared inputs no operation
// produces, plus the manifest files. Paths whose directory does not exist
// cannot be watched and are left out.
func (a *App) watchedPaths(g *opgraph.Graph, manifestFiles []string) []string {
	produced := map[string]bool{}
	for _, op := range g.Operations() {
		for _, p := range op.DeclaredOutput {
			produced[p] = true
		}
	}
	seen := map[string]bool{}
	var paths []string
	add := func(p string) {
		if seen[p] || produced[p] {
			return
		}
		seen[p] = true
		if st, err := os.Stat(filepath.Dir(p)); err != nil || !st.IsDir() {
			a.logger.Debug("Not watching path without a directory.", "path", p)
			return
		}
		paths = append(paths, p)
	}
	for _, op := range g.Operations() {
		for _, p := range op.DeclaredInput {
			add(p)
		}
	}
	for _, p := range manifestFiles {
		add(p)
	}
	sort.Strings(paths)
	return paths
}

// observers fans callbacks out to several observers.
type observers []runner.Observer

func (o observers) RunStarted(total int) {
	for _, obs := range o {
		obs.RunStarted(total)
	}
}

func (o observers) OperationStarted(id opgraph.OperationID, title string) {
	for _, obs := range o {
		obs.OperationStarted(id, title)
	}
}

func (o observers) OperationFinished(res runner.OperationResult) {
	for _, obs := range o {
		obs.OperationFinished(res)
	}
}

func (o observers) RunFinished(res *runner.Result) {
	for _, obs := range o {
		obs.RunFinished(res)
	}
}

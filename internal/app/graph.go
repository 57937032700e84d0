package app

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/specialistvlad/forgegrid/internal/ctxlog"
	"github.com/specialistvlad/forgegrid/internal/history"
	"github.com/specialistvlad/forgegrid/internal/manifest"
	"github.com/specialistvlad/forgegrid/internal/opgraph"
)

// GraphPath is the absolute path of the graph file.
func (a *App) GraphPath() string { return a.config.Resolve(a.config.GraphPath) }

// HistoryPath is the absolute path of the history file.
func (a *App) HistoryPath() string { return a.history.Path() }

func (a *App) manifestPaths() []string {
	paths := make([]string, len(a.config.ManifestPath))
	for i, p := range a.config.ManifestPath {
		paths[i] = a.config.Resolve(p)
	}
	return paths
}

// hasManifest reports whether any configured manifest path exists.
func (a *App) hasManifest() (bool, error) {
	for _, p := range a.manifestPaths() {
		_, exists, err := a.fs.Stat(p)
		if err != nil {
			return false, fmt.Errorf("stat manifest %s: %w", p, err)
		}
		if exists {
			return true, nil
		}
	}
	return false, nil
}

// Compile reads the manifest, compiles it into a graph and writes the graph
// file. It returns the graph and the manifest files that were read.
func (a *App) Compile(ctx context.Context) (*opgraph.Graph, []string, error) {
	ctx = a.Context(ctx)
	m, err := manifest.Load(ctx, a.manifestPaths(), manifest.Options{
		Variables: a.config.Variables,
		Env:       a.env,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load manifest: %w", err)
	}
	g, err := m.Compile(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to compile manifest: %w", err)
	}
	if err := a.writeGraph(ctx, g); err != nil {
		return nil, nil, err
	}
	return g, m.Files(), nil
}

// writeGraph replaces the graph file unless it already holds g.
func (a *App) writeGraph(ctx context.Context, g *opgraph.Graph) error {
	logger := ctxlog.FromContext(ctx)
	path := a.GraphPath()
	data, err := opgraph.Encode(g)
	if err != nil {
		return fmt.Errorf("failed to encode graph: %w", err)
	}
	if _, exists, _ := a.fs.Stat(path); exists {
		if old, err := a.fs.ReadFile(path); err == nil && bytes.Equal(old, data) {
			logger.Debug("Graph file unchanged.", "path", path)
			return nil
		}
	}
	if err := a.fs.WriteFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write graph %s: %w", path, err)
	}
	logger.Info("Graph written.", "path", path, "operations", g.Len(), "bytes", len(data))
	return nil
}

// LoadGraph returns the graph a run works on. A present manifest is
// recompiled so edits take effect; otherwise the graph file is read as
// is. The manifest files are returned for watching.
func (a *App) LoadGraph(ctx context.Context) (*opgraph.Graph, []string, error) {
	ctx = a.Context(ctx)
	ok, err := a.hasManifest()
	if err != nil {
		return nil, nil, err
	}
	if ok {
		return a.Compile(ctx)
	}

	path := a.GraphPath()
	if _, exists, err := a.fs.Stat(path); err != nil {
		return nil, nil, fmt.Errorf("stat graph %s: %w", path, err)
	} else if !exists {
		return nil, nil, fmt.Errorf("no manifest at %s and no graph file at %s",
			strings.Join(a.manifestPaths(), ", "), path)
	}
	g, err := opgraph.ReadFile(a.fs, path)
	if err != nil {
		return nil, nil, err
	}
	ctxlog.FromContext(ctx).Debug("Graph loaded.", "path", path, "operations", g.Len())
	return g, nil, nil
}

// LoadHistory reads the history file. A missing file yields an empty
// history.
func (a *App) LoadHistory(ctx context.Context) (*history.History, error) {
	h, err := a.history.Load(a.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	return h, nil
}

// PruneHistory drops history entries of operations that left the graph
// and saves the result. It returns the removed identities.
func (a *App) PruneHistory(ctx context.Context) ([]opgraph.OperationID, error) {
	ctx = a.Context(ctx)
	g, _, err := a.LoadGraph(ctx)
	if err != nil {
		return nil, err
	}
	h, err := a.LoadHistory(ctx)
	if err != nil {
		return nil, err
	}
	removed := h.Prune(g)
	if len(removed) == 0 {
		ctxlog.FromContext(ctx).Info("History already matches the graph.", "entries", h.Len())
		return nil, nil
	}
	if err := a.history.Save(ctx, h); err != nil {
		return nil, fmt.Errorf("failed to save history: %w", err)
	}
	ctxlog.FromContext(ctx).Info("History pruned.", "removed", len(removed), "entries", h.Len())
	return removed, nil
}

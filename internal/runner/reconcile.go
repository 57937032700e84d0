package runner

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/specialistvlad/forgegrid/internal/ctxlog"
	"github.com/specialistvlad/forgegrid/internal/history"
	"github.com/specialistvlad/forgegrid/internal/monitor"
	"github.com/specialistvlad/forgegrid/internal/opgraph"
)

// accesses is the reconciled view of an operation's events.
type accesses struct {
	reads      []string
	writes     []string
	undeclared []string
}

// orderedSet keeps the first-seen order of its members.
type orderedSet struct {
	order []string
	has   map[string]bool
}

func newOrderedSet() *orderedSet { return &orderedSet{has: map[string]bool{}} }

func (s *orderedSet) add(p string) {
	if !s.has[p] {
		s.has[p] = true
		s.order = append(s.order, p)
	}
}

func (s *orderedSet) remove(p string) {
	if !s.has[p] {
		return
	}
	delete(s.has, p)
	for i, q := range s.order {
		if q == p {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *orderedSet) list() []string { return s.order }

func setOf(paths []string) map[string]bool {
	m := make(map[string]bool, len(paths))
	for _, p := range paths {
		m[p] = true
	}
	return m
}

// reconcile classifies events against the declared paths of op. Paths
// that were created and removed again during the run count as scratch
// files and are not reported.
func (ex *execution) reconcile(op *opgraph.Operation, policy monitor.Policy, events []monitor.Event) accesses {
	declaredIn := setOf(op.DeclaredInput)
	declaredOut := setOf(op.DeclaredOutput)
	outputDirs := map[string]bool{}
	for _, p := range op.DeclaredOutput {
		for d := filepath.Dir(p); ; d = filepath.Dir(d) {
			outputDirs[d] = true
			if d == filepath.Dir(d) {
				break
			}
		}
	}

	reads, writes, undeclared := newOrderedSet(), newOrderedSet(), newOrderedSet()
	created := map[string]bool{}
	warnedRead := map[string]bool{}

	for _, ev := range events {
		path := filepath.Clean(ev.Path)
		if policy.Ignored(path) {
			continue
		}
		if ev.Outcome == monitor.OutcomeBlocked {
			ex.warn(op, "blocked %s of %s", ev.Kind, path)
			continue
		}

		if ev.Kind.IsWrite() {
			paths := []string{path}
			if ev.Kind == monitor.KindFileRename && ev.SourcePath != "" {
				paths = append(paths, filepath.Clean(ev.SourcePath))
			}
			for _, p := range paths {
				switch {
				case declaredOut[p]:
					writes.add(p)
				case ev.Kind == monitor.KindFileDeleteOnClose:
				case (ev.Kind == monitor.KindDirectoryCreate || ev.Kind == monitor.KindDirectoryRemove) && outputDirs[p]:
				case policy.Sanctioned(ev.Kind, p):
					// Sanctioned files are observed outputs, never undeclared ones.
					switch {
					case ev.Kind == monitor.KindFileDelete || ev.Kind == monitor.KindDirectoryRemove || p != path:
						writes.remove(p)
					case ev.Kind != monitor.KindDirectoryCreate:
						writes.add(p)
					}
				case ev.Kind == monitor.KindFileDelete || ev.Kind == monitor.KindDirectoryRemove:
					if created[p] {
						undeclared.remove(p)
						delete(created, p)
						continue
					}
					undeclared.add(p)
				default:
					if ev.Kind != monitor.KindFileRename || p == path {
						created[p] = true
					}
					undeclared.add(p)
				}
			}
			continue
		}

		if declaredOut[path] || writes.has[path] || undeclared.has[path] {
			continue
		}
		reads.add(path)
		switch {
		case declaredIn[path], warnedRead[path]:
		case ev.Kind == monitor.KindProcessCreate, ev.Kind == monitor.KindSearchPathProbe:
		case ev.Outcome == monitor.OutcomeNotFound:
		case policy.Mode != monitor.ModeAdvisory:
		case policy.Sanctioned(ev.Kind, path):
		default:
			warnedRead[path] = true
			ex.warn(op, "undeclared read of %s", path)
		}
	}

	out := accesses{reads: reads.list(), writes: writes.list(), undeclared: undeclared.list()}
	sort.Strings(out.undeclared)
	return out
}

// record reconciles a successful execution and stores its history entry.
func (ex *execution) record(ctx context.Context, op *opgraph.Operation, out execOutcome) error {
	logger := ctxlog.FromContext(ctx)
	acc := ex.reconcile(op, out.policy, out.events)

	if len(acc.undeclared) > 0 {
		if out.policy.Mode == monitor.ModeEnforcing {
			return &UndeclaredOutputError{ID: op.ID, Title: op.Title, Paths: acc.undeclared}
		}
		ex.warn(op, "undeclared writes: %s", strings.Join(acc.undeclared, ", "))
	}

	declaredIn := setOf(op.DeclaredInput)
	declaredOut := setOf(op.DeclaredOutput)
	var observedIn, observedOut []string
	for _, p := range acc.reads {
		if !declaredIn[p] {
			observedIn = append(observedIn, p)
		}
	}
	// Undeclared writes that survived advisory mode are outputs too.
	for _, p := range append(append([]string(nil), acc.writes...), acc.undeclared...) {
		if !declaredOut[p] {
			observedOut = append(observedOut, p)
		}
	}

	entry := history.Entry{ID: op.ID, Mode: ex.r.sigs.Mode(), CompletedAt: ex.r.now().UnixNano()}
	var err error
	if entry.DeclaredInputs, err = ex.r.sigs.ProbeAll(ctx, op.DeclaredInput); err != nil {
		return fmt.Errorf("operation %q: probe declared inputs: %w", op.Title, err)
	}
	if entry.DeclaredOutputs, err = ex.r.sigs.ProbeAll(ctx, op.DeclaredOutput); err != nil {
		return fmt.Errorf("operation %q: probe declared outputs: %w", op.Title, err)
	}
	if entry.ObservedInputs, err = ex.r.sigs.ProbeAll(ctx, observedIn); err != nil {
		return fmt.Errorf("operation %q: probe observed inputs: %w", op.Title, err)
	}
	if entry.ObservedOutputs, err = ex.r.sigs.ProbeAll(ctx, observedOut); err != nil {
		return fmt.Errorf("operation %q: probe observed outputs: %w", op.Title, err)
	}
	for _, s := range entry.DeclaredOutputs {
		if !s.Exists {
			ex.warn(op, "declared output %s was not produced", s.Path)
		}
	}

	ex.h.Upsert(entry)
	logger.Debug("History entry recorded.",
		"observedInputs", len(entry.ObservedInputs), "observedOutputs", len(entry.ObservedOutputs))
	if err := ex.persist(ctx, false); err != nil {
		logger.Warn("Failed to persist history, will retry at the end of the run.", "error", err)
	}
	return nil
}

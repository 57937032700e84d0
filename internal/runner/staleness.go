package runner

import (
	"context"
	"fmt"
	"sort"

	"github.com/specialistvlad/forgegrid/internal/history"
	"github.com/specialistvlad/forgegrid/internal/opgraph"
	"github.com/specialistvlad/forgegrid/internal/signature"
)

type decision struct {
	stale  bool
	reason string
}

func stale(format string, args ...any) decision {
	return decision{stale: true, reason: fmt.Sprintf(format, args...)}
}

var upToDate = decision{reason: "up to date"}

// decide runs the staleness checks for a ready operation. A declared input
// that is missing and not pending from upstream is a
// *MissingDependencyError, also on a first run.
func (ex *execution) decide(ctx context.Context, op *opgraph.Operation) (decision, error) {
	inputs, err := ex.r.sigs.ProbeAll(ctx, op.DeclaredInput)
	if err != nil {
		return decision{}, fmt.Errorf("probe inputs of %q: %w", op.Title, err)
	}
	for _, in := range inputs {
		if !in.Exists && !ex.producedUpstream(op.ID, in.Path) {
			return decision{}, &MissingDependencyError{ID: op.ID, Title: op.Title, Path: in.Path}
		}
	}

	if ex.opts.Force {
		return stale("forced"), nil
	}
	if ex.opts.DryRun && ex.upstreamWillRun(op.ID) {
		return stale("an upstream operation is stale"), nil
	}
	entry, ok := ex.h.TryFind(op.ID)
	if !ok {
		return stale("no history entry"), nil
	}

	outputs, err := ex.r.sigs.ProbeAll(ctx, op.DeclaredOutput)
	if err != nil {
		return decision{}, fmt.Errorf("probe outputs of %q: %w", op.Title, err)
	}
	for _, out := range outputs {
		if !out.Exists {
			return stale("declared output %s is missing", out.Path), nil
		}
	}

	observedIn, err := ex.r.sigs.ProbeAll(ctx, signature.Paths(entry.ObservedInputs))
	if err != nil {
		return decision{}, fmt.Errorf("probe observed inputs of %q: %w", op.Title, err)
	}
	observedOut, err := ex.r.sigs.ProbeAll(ctx, signature.Paths(entry.ObservedOutputs))
	if err != nil {
		return decision{}, fmt.Errorf("probe observed outputs of %q: %w", op.Title, err)
	}
	return compare(ex.r.sigs.Mode(), op, entry, current{
		inputs: inputs, outputs: outputs, observedIn: observedIn, observedOut: observedOut,
	}), nil
}

// current holds disk signatures probed for one decision.
type current struct {
	inputs, outputs         []signature.FileSignature
	observedIn, observedOut []signature.FileSignature
}

// compare decides staleness of an operation that has a history entry and
// whose declared outputs all exist.
func compare(mode signature.Mode, op *opgraph.Operation, entry history.Entry, cur current) decision {
	if len(op.DeclaredOutput) == 0 && len(entry.ObservedOutputs) == 0 {
		// Nothing on disk can prove a side-effect-only operation ran.
		return stale("operation has no outputs")
	}
	if entry.Mode != mode {
		return stale("signature mode changed from %s to %s", entry.Mode, mode)
	}
	if !samePaths(signature.Paths(entry.DeclaredInputs), op.DeclaredInput) {
		return stale("declared inputs changed")
	}
	if !samePaths(signature.Paths(entry.DeclaredOutputs), op.DeclaredOutput) {
		return stale("declared outputs changed")
	}

	disk := map[string]signature.FileSignature{}
	for _, set := range [][]signature.FileSignature{cur.inputs, cur.outputs, cur.observedIn, cur.observedOut} {
		for _, s := range set {
			disk[s.Path] = s
		}
	}
	for _, recorded := range [][]signature.FileSignature{
		entry.DeclaredInputs, entry.DeclaredOutputs, entry.ObservedInputs, entry.ObservedOutputs,
	} {
		for _, rec := range recorded {
			now, ok := disk[rec.Path]
			if !ok {
				now = signature.Missing(rec.Path)
			}
			if !rec.Equal(now) {
				return stale("%s changed", rec.Path)
			}
		}
	}

	if mode == signature.ModeTimestamp {
		newestIn, okIn := signature.MaxToken(cur.inputs, cur.observedIn)
		oldestOut, okOut := signature.MinToken(cur.outputs, cur.observedOut)
		if okIn && okOut && newestIn > oldestOut {
			return stale("inputs are newer than outputs")
		}
	}
	return upToDate
}

func samePaths(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x := append([]string(nil), a...)
	y := append([]string(nil), b...)
	sort.Strings(x)
	sort.Strings(y)
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}

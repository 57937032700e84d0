package opgraph

import (
	"fmt"
)

// Builder assembles a Graph. It is not safe for concurrent use.
type Builder struct {
	ops      map[OperationID]*Operation
	order    []OperationID
	roots    []OperationID
	rootsSet bool
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{ops: make(map[OperationID]*Operation)}
}

// AddOperation registers an operation and returns its identity. Declared
// paths are resolved against the command's working directory.
func (b *Builder) AddOperation(title string, cmd Command, declaredInput, declaredOutput []string) (OperationID, error) {
	if cmd.Executable == "" {
		return 0, fmt.Errorf("operation %q: executable is required", title)
	}
	id := IdentityOf(cmd)
	if existing, ok := b.ops[id]; ok {
		return 0, &DuplicateOperationError{ID: id, Title: existing.Title}
	}
	b.ops[id] = &Operation{
		ID:             id,
		Title:          title,
		Command:        cmd,
		DeclaredInput:  normalizePaths(cmd.WorkingDir, declaredInput),
		DeclaredOutput: normalizePaths(cmd.WorkingDir, declaredOutput),
	}
	b.order = append(b.order, id)
	return id, nil
}

// AddChild makes child eligible only after parent completes. Adding the same
// edge twice is a no-op.
func (b *Builder) AddChild(parent, child OperationID) error {
	if parent == child {
		return &CyclicGraphError{Parent: parent, Child: child, Path: []OperationID{parent, child}}
	}
	p, ok := b.ops[parent]
	if !ok {
		return fmt.Errorf("%w: parent %s", ErrUnknownOperation, parent)
	}
	if _, ok := b.ops[child]; !ok {
		return fmt.Errorf("%w: child %s", ErrUnknownOperation, child)
	}
	for _, existing := range p.Children {
		if existing == child {
			return nil
		}
	}
	p.Children = append(p.Children, child)
	return nil
}

// SetRoots fixes the root set. Without a call, Build uses every operation
// that has no parent, in insertion order.
func (b *Builder) SetRoots(ids ...OperationID) {
	b.roots = append([]OperationID(nil), ids...)
	b.rootsSet = true
}

// Build validates and returns the graph. The builder can keep being used;
// the returned graph does not share state with it.
func (b *Builder) Build() (*Graph, error) {
	ops := make([]*Operation, 0, len(b.order))
	for _, id := range b.order {
		ops = append(ops, b.ops[id].clone())
	}

	roots := b.roots
	if !b.rootsSet {
		hasParent := make(map[OperationID]bool)
		for _, op := range ops {
			for _, c := range op.Children {
				hasParent[c] = true
			}
		}
		roots = nil
		for _, id := range b.order {
			if !hasParent[id] {
				roots = append(roots, id)
			}
		}
	}

	g := newGraph(ops, roots)
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

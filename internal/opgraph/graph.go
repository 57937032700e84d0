package opgraph

import (
	"fmt"
	"sort"
)

// Graph is an immutable, validated operation graph.
type Graph struct {
	ops     map[OperationID]*Operation
	order   []OperationID
	roots   []OperationID
	parents map[OperationID][]OperationID
}

// Empty returns a graph without operations.
func Empty() *Graph {
	return &Graph{
		ops:     map[OperationID]*Operation{},
		parents: map[OperationID][]OperationID{},
	}
}

// newGraph assembles a graph from operations in insertion order and builds
// the reverse index. It does not validate.
func newGraph(ops []*Operation, roots []OperationID) *Graph {
	g := &Graph{
		ops:     make(map[OperationID]*Operation, len(ops)),
		order:   make([]OperationID, 0, len(ops)),
		roots:   append([]OperationID(nil), roots...),
		parents: make(map[OperationID][]OperationID, len(ops)),
	}
	for _, op := range ops {
		g.ops[op.ID] = op
		g.order = append(g.order, op.ID)
	}
	for _, id := range g.order {
		for _, child := range g.ops[id].Children {
			g.parents[child] = append(g.parents[child], id)
		}
	}
	return g
}

// Len returns the number of operations.
func (g *Graph) Len() int { return len(g.order) }

// Operation returns the operation with the given identity.
func (g *Graph) Operation(id OperationID) (*Operation, bool) {
	op, ok := g.ops[id]
	return op, ok
}

// MustOperation returns the operation or an error wrapping ErrUnknownOperation.
func (g *Graph) MustOperation(id OperationID) (*Operation, error) {
	op, ok := g.ops[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, id)
	}
	return op, nil
}

// Operations returns all operations in insertion order.
func (g *Graph) Operations() []*Operation {
	out := make([]*Operation, len(g.order))
	for i, id := range g.order {
		out[i] = g.ops[id]
	}
	return out
}

// IDs returns all identities in insertion order.
func (g *Graph) IDs() []OperationID {
	return append([]OperationID(nil), g.order...)
}

// Roots returns the root identities.
func (g *Graph) Roots() []OperationID {
	return append([]OperationID(nil), g.roots...)
}

// Parents returns the operations that list id as a child, in insertion order.
func (g *Graph) Parents(id OperationID) []OperationID {
	return append([]OperationID(nil), g.parents[id]...)
}

// Ancestors returns every operation from which id is reachable, sorted by
// identity.
func (g *Graph) Ancestors(id OperationID) []OperationID {
	seen := make(map[OperationID]bool)
	stack := append([]OperationID(nil), g.parents[id]...)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		stack = append(stack, g.parents[cur]...)
	}
	out := make([]OperationID, 0, len(seen))
	for a := range seen {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Descendants returns every operation reachable from id, sorted by identity.
func (g *Graph) Descendants(id OperationID) []OperationID {
	seen := make(map[OperationID]bool)
	var stack []OperationID
	if op, ok := g.ops[id]; ok {
		stack = append(stack, op.Children...)
	}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		if op, ok := g.ops[cur]; ok {
			stack = append(stack, op.Children...)
		}
	}
	out := make([]OperationID, 0, len(seen))
	for d := range seen {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// TopologicalOrder returns identities so that every parent precedes its
// children. Ties keep insertion order.
func (g *Graph) TopologicalOrder() []OperationID {
	pending := make(map[OperationID]int, len(g.order))
	for _, id := range g.order {
		pending[id] = len(g.parents[id])
	}
	out := make([]OperationID, 0, len(g.order))
	var queue []OperationID
	for _, id := range g.order {
		if pending[id] == 0 {
			queue = append(queue, id)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		out = append(out, id)
		for _, child := range g.ops[id].Children {
			pending[child]--
			if pending[child] == 0 {
				queue = append(queue, child)
			}
		}
	}
	return out
}

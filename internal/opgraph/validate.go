package opgraph

import (
	"errors"
	"fmt"
)

// Validate checks referential integrity, acyclicity and that every
// operation is reachable from a root.
func (g *Graph) Validate() error {
	for _, id := range g.order {
		op := g.ops[id]
		seen := make(map[OperationID]struct{}, len(op.Children))
		for _, child := range op.Children {
			if _, ok := g.ops[child]; !ok {
				return &DanglingReferenceError{From: id, To: child}
			}
			if _, dup := seen[child]; dup {
				return fmt.Errorf("operation %s lists child %s more than once", id, child)
			}
			seen[child] = struct{}{}
		}
	}

	rootSeen := make(map[OperationID]struct{}, len(g.roots))
	for _, root := range g.roots {
		if _, ok := g.ops[root]; !ok {
			return &DanglingReferenceError{FromRoot: true, To: root}
		}
		if _, dup := rootSeen[root]; dup {
			return fmt.Errorf("root %s listed more than once", root)
		}
		rootSeen[root] = struct{}{}
		if parents := g.parents[root]; len(parents) > 0 {
			return fmt.Errorf("root %s is a child of %s", root, parents[0])
		}
	}

	if err := g.detectCycles(); err != nil {
		return err
	}
	return g.checkReachable()
}

// detectCycles runs a depth-first search keeping the current recursion stack
// in visiting. An edge into a node on the stack is a back edge.
func (g *Graph) detectCycles() error {
	visiting := make(map[OperationID]bool)
	visited := make(map[OperationID]bool)
	var stack []OperationID

	var visit func(id OperationID) error
	visit = func(id OperationID) error {
		visiting[id] = true
		stack = append(stack, id)
		for _, child := range g.ops[id].Children {
			if visiting[child] {
				return &CyclicGraphError{Parent: id, Child: child, Path: cyclePath(stack, child)}
			}
			if !visited[child] {
				if err := visit(child); err != nil {
					return err
				}
			}
		}
		stack = stack[:len(stack)-1]
		delete(visiting, id)
		visited[id] = true
		return nil
	}

	for _, id := range g.order {
		if !visited[id] {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

func cyclePath(stack []OperationID, child OperationID) []OperationID {
	for i, id := range stack {
		if id == child {
			path := append([]OperationID(nil), stack[i:]...)
			return append(path, child)
		}
	}
	return []OperationID{child}
}

func (g *Graph) checkReachable() error {
	reached := make(map[OperationID]bool, len(g.order))
	queue := append([]OperationID(nil), g.roots...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if reached[id] {
			continue
		}
		reached[id] = true
		queue = append(queue, g.ops[id].Children...)
	}
	for _, id := range g.order {
		if !reached[id] {
			return &UnreachableOperationError{ID: id}
		}
	}
	return nil
}

// IsStructural reports whether err is one of the graph shape errors
// Validate produces.
func IsStructural(err error) bool {
	var (
		cyc  *CyclicGraphError
		dang *DanglingReferenceError
		unr  *UnreachableOperationError
	)
	return errors.As(err, &cyc) || errors.As(err, &dang) || errors.As(err, &unr)
}

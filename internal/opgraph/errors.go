package opgraph

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownOperation is returned when an identity is not in the graph.
	ErrUnknownOperation = errors.New("unknown operation")
)

// CorruptGraphError reports a malformed graph file. Err, when set, is the
// structural problem that made the file unacceptable.
type CorruptGraphError struct {
	Reason string
	Err    error
}

func (e *CorruptGraphError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("corrupt graph: %s: %v", e.Reason, e.Err)
	}
	return "corrupt graph: " + e.Reason
}

func (e *CorruptGraphError) Unwrap() error { return e.Err }

// CyclicGraphError names the back edge that closes a cycle.
type CyclicGraphError struct {
	Parent OperationID
	Child  OperationID
	// Path is the recursion stack from the first operation of the cycle to
	// Parent, followed by Child.
	Path []OperationID
}

func (e *CyclicGraphError) Error() string {
	return fmt.Sprintf("cycle detected: edge %s -> %s closes %v", e.Parent, e.Child, e.Path)
}

// DuplicateOperationError reports two operations with the same command.
type DuplicateOperationError struct {
	ID    OperationID
	Title string
}

func (e *DuplicateOperationError) Error() string {
	return fmt.Sprintf("duplicate operation %s (%q): an operation with the same command already exists", e.ID, e.Title)
}

// UnreachableOperationError reports an operation no root leads to.
type UnreachableOperationError struct {
	ID OperationID
}

func (e *UnreachableOperationError) Error() string {
	return fmt.Sprintf("operation %s is not reachable from any root", e.ID)
}

// DanglingReferenceError reports a child or root identity that does not exist.
type DanglingReferenceError struct {
	FromRoot bool
	From     OperationID
	To       OperationID
}

func (e *DanglingReferenceError) Error() string {
	if e.FromRoot {
		return fmt.Sprintf("root references unknown operation %s", e.To)
	}
	return fmt.Sprintf("operation %s references unknown child %s", e.From, e.To)
}

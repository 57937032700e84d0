package runner

import (
	"time"

	"github.com/specialistvlad/forgegrid/internal/history"
	"github.com/specialistvlad/forgegrid/internal/opgraph"
)

// State of an operation during a run.
type State int32

const (
	StatePending State = iota
	StateReady
	StateRunning
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Outcome is how an operation ended.
type Outcome int

const (
	OutcomeNotStarted Outcome = iota
	OutcomeSkipped
	OutcomeExecuted
	OutcomeFailed
	// OutcomeWouldExecute is reported by dry runs for stale operations.
	OutcomeWouldExecute
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSkipped:
		return "up-to-date"
	case OutcomeExecuted:
		return "executed"
	case OutcomeFailed:
		return "failed"
	case OutcomeWouldExecute:
		return "would-execute"
	default:
		return "not-started"
	}
}

// OperationResult describes one operation of a run.
type OperationResult struct {
	ID       opgraph.OperationID
	Title    string
	Outcome  Outcome
	Reason   string
	ExitCode int
	Duration time.Duration
	Err      error
}

// Warning is a non-fatal finding, mostly from reconciliation.
type Warning struct {
	ID      opgraph.OperationID
	Title   string
	Message string
}

// Result summarizes a run. Operations follow graph order.
type Result struct {
	Operations []OperationResult
	Skipped    []opgraph.OperationID
	Executed   []opgraph.OperationID
	Failed     []opgraph.OperationID
	NotStarted []opgraph.OperationID
	// WouldExecute lists stale operations of a dry run.
	WouldExecute []opgraph.OperationID
	Warnings     []Warning
	// Err is the first root-cause failure.
	Err error
	// History is the updated history.
	History  *history.History
	Duration time.Duration
}

// Operation returns the result of id.
func (r *Result) Operation(id opgraph.OperationID) (OperationResult, bool) {
	for _, op := range r.Operations {
		if op.ID == id {
			return op, true
		}
	}
	return OperationResult{}, false
}

// OK reports whether no operation failed.
func (r *Result) OK() bool { return len(r.Failed) == 0 && len(r.NotStarted) == 0 }

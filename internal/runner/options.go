package runner

import (
	"fmt"
	"io"
	"runtime"
	"strings"
	"time"

	"github.com/specialistvlad/forgegrid/internal/monitor"
	"github.com/specialistvlad/forgegrid/internal/value"
)

// VariablePrefix is prepended to every exported variable name.
const VariablePrefix = "FORGEGRID_VAR_"

// CancelPolicy decides what happens to running operations once the run is
// halted by a failure or cancelled by the caller.
type CancelPolicy int

const (
	// CancelWait lets running operations finish.
	CancelWait CancelPolicy = iota
	// CancelTerminate kills their process groups.
	CancelTerminate
)

func (p CancelPolicy) String() string {
	if p == CancelTerminate {
		return "terminate"
	}
	return "wait"
}

// ParseCancelPolicy accepts "wait" and "terminate".
func ParseCancelPolicy(s string) (CancelPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "wait":
		return CancelWait, nil
	case "terminate", "kill":
		return CancelTerminate, nil
	}
	return 0, fmt.Errorf("unknown cancel policy %q (want wait or terminate)", s)
}

// Sandbox holds policy additions applied to every operation.
type Sandbox struct {
	AllowRead  []string
	AllowWrite []string
	Ignore     []string
}

// Options tune a single RunGraph call.
type Options struct {
	SandboxMode      monitor.Mode
	Sandbox          Sandbox
	Workers          int
	OperationTimeout time.Duration
	CancelPolicy     CancelPolicy
	// KeepGoing keeps dispatching independent operations after an
	// execution failure.
	KeepGoing bool
	// Force treats every operation as stale.
	Force bool
	// DryRun decides staleness and reports it without executing or
	// persisting anything.
	DryRun bool
	// FlushEvery persists the history after this many successful
	// operations. The history is always persisted at the end of the run.
	FlushEvery int
	// Variables are exported to every operation as FORGEGRID_VAR_* entries.
	Variables value.Table
	Observer  Observer
	// Stdout and Stderr receive operation output; nil discards it.
	Stdout io.Writer
	Stderr io.Writer
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = runtime.NumCPU()
	}
	if o.FlushEvery <= 0 {
		o.FlushEvery = 1
	}
	if o.Observer == nil {
		o.Observer = NopObserver{}
	}
	return o
}

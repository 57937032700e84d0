package runner

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/specialistvlad/forgegrid/internal/opgraph"
)

var (
	// ErrUpstreamFailed marks operations skipped because a dependency failed.
	ErrUpstreamFailed = errors.New("upstream operation failed")
	// ErrNotStarted marks operations never dispatched because the run halted.
	ErrNotStarted = errors.New("run halted before the operation started")
)

// MissingDependencyError reports a declared input that is absent and that
// no upstream operation is going to produce.
type MissingDependencyError struct {
	ID    opgraph.OperationID
	Title string
	Path  string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("operation %q: declared input %s is missing and no upstream operation produces it", e.Title, e.Path)
}

// UndeclaredOutputError reports writes outside the declared outputs in
// enforcing mode.
type UndeclaredOutputError struct {
	ID    opgraph.OperationID
	Title string
	Paths []string
}

func (e *UndeclaredOutputError) Error() string {
	return fmt.Sprintf("operation %q wrote undeclared outputs: %s", e.Title, strings.Join(e.Paths, ", "))
}

// OperationExecutionError reports a non-zero exit.
type OperationExecutionError struct {
	ID       opgraph.OperationID
	Title    string
	ExitCode int
}

func (e *OperationExecutionError) Error() string {
	if e.ExitCode < 0 {
		return fmt.Sprintf("operation %q was terminated by a signal", e.Title)
	}
	return fmt.Sprintf("operation %q exited with code %d", e.Title, e.ExitCode)
}

// OperationTimeoutError reports an operation killed after its timeout.
type OperationTimeoutError struct {
	ID      opgraph.OperationID
	Title   string
	Timeout time.Duration
}

func (e *OperationTimeoutError) Error() string {
	return fmt.Sprintf("operation %q timed out after %s", e.Title, e.Timeout)
}

// haltsRun reports whether err stops dispatch of operations that have not
// started. Missing dependencies only affect the operation's own subgraph.
func haltsRun(err error) bool {
	var missing *MissingDependencyError
	return !errors.As(err, &missing)
}

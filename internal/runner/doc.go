// Package runner executes an operation graph incrementally.
//
// RunGraph walks the graph with a fixed pool of workers. An operation
// becomes ready once every parent has completed; a ready operation is then
// checked for staleness against the history and the files on disk. Up to
// date operations complete without running. Stale ones are launched
// under the access monitor, their observed accesses are reconciled against
// what they declared, and a fresh history entry is recorded.
//
// Failures propagate downstream: dependents of a failed operation never
// start. An execution failure also stops dispatch of anything not yet
// started (unless KeepGoing is set), while operations already running are
// either allowed to finish or killed, depending on the CancelPolicy.
package runner

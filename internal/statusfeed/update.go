// Package statusfeed publishes run progress over socket.io and lets other
// processes follow it.
package statusfeed

import (
	"encoding/json"
	"fmt"

	"github.com/specialistvlad/forgegrid/internal/runner"
)

const (
	// EventName is the socket.io event every live update is emitted as.
	EventName = "update"
	// BacklogEventName carries the updates of the current run to a client
	// that just connected, as one ordered batch.
	BacklogEventName = "backlog"
)

// UpdateType tells which runner callback produced an update.
type UpdateType string

const (
	RunStarted        UpdateType = "run_started"
	OperationStarted  UpdateType = "operation_started"
	OperationFinished UpdateType = "operation_finished"
	RunFinished       UpdateType = "run_finished"
)

// Update is one progress message.
type Update struct {
	Type UpdateType `json:"type" yaml:"type"`
	Seq  int        `json:"seq" yaml:"seq"`

	Total int `json:"total,omitempty" yaml:"total,omitempty"`

	ID         string `json:"id,omitempty" yaml:"id,omitempty"`
	Title      string `json:"title,omitempty" yaml:"title,omitempty"`
	Outcome    string `json:"outcome,omitempty" yaml:"outcome,omitempty"`
	Reason     string `json:"reason,omitempty" yaml:"reason,omitempty"`
	ExitCode   int    `json:"exit_code,omitempty" yaml:"exit_code,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty" yaml:"duration_ms,omitempty"`
	Error      string `json:"error,omitempty" yaml:"error,omitempty"`

	Summary *Summary `json:"summary,omitempty" yaml:"summary,omitempty"`
}

// Summary closes a run.
type Summary struct {
	Executed   int    `json:"executed" yaml:"executed"`
	Skipped    int    `json:"skipped" yaml:"skipped"`
	Failed     int    `json:"failed" yaml:"failed"`
	NotStarted int    `json:"not_started" yaml:"not_started"`
	Warnings   int    `json:"warnings" yaml:"warnings"`
	Error      string `json:"error,omitempty" yaml:"error,omitempty"`
}

func (u Update) String() string {
	switch u.Type {
	case RunStarted:
		return fmt.Sprintf("run started (%d operations)", u.Total)
	case OperationStarted:
		return fmt.Sprintf("started  %s", u.Title)
	case OperationFinished:
		if u.Error != "" {
			return fmt.Sprintf("%-9s%s: %s", u.Outcome, u.Title, u.Error)
		}
		return fmt.Sprintf("%-9s%s", u.Outcome, u.Title)
	case RunFinished:
		if u.Summary == nil {
			return "run finished"
		}
		return fmt.Sprintf("run finished: %d executed, %d up to date, %d failed, %d not started",
			u.Summary.Executed, u.Summary.Skipped, u.Summary.Failed, u.Summary.NotStarted)
	}
	return string(u.Type)
}

func finishedUpdate(res runner.OperationResult) Update {
	u := Update{
		Type:       OperationFinished,
		ID:         res.ID.String(),
		Title:      res.Title,
		Outcome:    res.Outcome.String(),
		Reason:     res.Reason,
		ExitCode:   res.ExitCode,
		DurationMS: res.Duration.Milliseconds(),
	}
	if res.Err != nil {
		u.Error = res.Err.Error()
	}
	return u
}

func summaryOf(res *runner.Result) *Summary {
	s := &Summary{
		Executed:   len(res.Executed),
		Skipped:    len(res.Skipped),
		Failed:     len(res.Failed),
		NotStarted: len(res.NotStarted),
		Warnings:   len(res.Warnings),
	}
	if res.Err != nil {
		s.Error = res.Err.Error()
	}
	return s
}

// backlog is the decoded form of a BacklogEventName payload.
type backlog struct {
	Next    int      `json:"next"`
	Updates []Update `json:"updates"`
}

// decodePayload converts a received payload into v.
func decodePayload(payload any, v any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// decodeUpdate converts a received payload back into an Update.
func decodeUpdate(payload any) (Update, error) {
	var u Update
	err := decodePayload(payload, &u)
	return u, err
}

// sequencer hands updates over in Seq order. Live updates that arrive
// before the backlog, or ahead of a gap, wait in pending.
type sequencer struct {
	synced  bool
	next    int
	pending map[int]Update
}

func newSequencer() *sequencer { return &sequencer{pending: map[int]Update{}} }

// backlog starts the sequence and returns what is ready.
func (q *sequencer) backlog(b backlog) []Update {
	q.synced = true
	q.next = b.Next
	for _, u := range b.Updates {
		q.pending[u.Seq] = u
	}
	for seq := range q.pending {
		if seq < q.next {
			delete(q.pending, seq)
		}
	}
	return q.ready()
}

// update adds a live update and returns what is ready.
func (q *sequencer) update(u Update) []Update {
	if q.synced && u.Seq < q.next {
		return nil
	}
	q.pending[u.Seq] = u
	if !q.synced {
		return nil
	}
	return q.ready()
}

func (q *sequencer) ready() []Update {
	var out []Update
	for {
		u, ok := q.pending[q.next]
		if !ok {
			return out
		}
		delete(q.pending, q.next)
		q.next++
		out = append(out, u)
	}
}

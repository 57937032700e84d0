package monitor

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Monitor attaches sandboxed sessions. One session serves one operation.
type Monitor interface {
	Attach(ctx context.Context, policy Policy) (Session, error)
}

// Session launches an operation and collects what it did.
type Session interface {
	ID() string
	Launch(ctx context.Context, spec LaunchSpec) (Child, error)
	// Drain blocks until every launched process tree has exited and every
	// channel connection is closed, then returns the events in order of
	// occurrence. Callers must have waited for their children first.
	Drain(ctx context.Context) ([]Event, error)
	// Owns reports whether pid descends from a process of this session.
	Owns(pid int) bool
	Close() error
}

// Child is a launched operation process.
type Child interface {
	PID() int
	// Wait returns the exit code. A process killed by a signal reports -1.
	Wait() (int, error)
	// Kill terminates the whole process group.
	Kill() error
}

// LaunchSpec describes an operation process.
type LaunchSpec struct {
	Executable string
	Args       []string
	Dir        string
	Env        []string
	Stdout     io.Writer
	Stderr     io.Writer
}

// Direct launches operations without interception. Its sessions report a
// single process-create event per launch.
type Direct struct{}

// Attach implements Monitor.
func (Direct) Attach(context.Context, Policy) (Session, error) {
	return newDirectSession(), nil
}

type directSession struct {
	id string

	mu       sync.Mutex
	events   []Event
	children []*process
	pids     map[int]bool
}

func newDirectSession() *directSession {
	return &directSession{id: uuid.NewString(), pids: map[int]bool{}}
}

func (s *directSession) ID() string { return s.id }

func (s *directSession) Launch(_ context.Context, spec LaunchSpec) (Child, error) {
	cmd := exec.Command(spec.Executable, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	cmd.WaitDelay = waitDelay
	setProcessGroup(cmd)
	if err := cmd.Start(); err != nil {
		return nil, &ProcessLaunchError{Executable: spec.Executable, Err: err}
	}
	path := cmd.Path
	if !filepath.IsAbs(path) {
		path = filepath.Join(spec.Dir, path)
	}
	p := newProcess(cmd)
	s.mu.Lock()
	s.children = append(s.children, p)
	s.pids[p.PID()] = true
	s.events = append(s.events, Event{
		Seq:       uint64(len(s.events) + 1),
		Kind:      KindProcessCreate,
		Path:      filepath.Clean(path),
		PID:       p.PID(),
		ParentPID: os.Getpid(),
		Outcome:   OutcomeAllowed,
		Timestamp: time.Now().UnixNano(),
	})
	s.mu.Unlock()
	return p, nil
}

func (s *directSession) Drain(ctx context.Context) ([]Event, error) {
	s.mu.Lock()
	children := append([]*process(nil), s.children...)
	s.mu.Unlock()
	if err := waitExited(ctx, children); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...), nil
}

func (s *directSession) Owns(pid int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pids[pid]
}

func (s *directSession) Close() error { return nil }

func waitExited(ctx context.Context, children []*process) error {
	for _, c := range children {
		select {
		case <-c.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func sortEvents(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].Timestamp != events[j].Timestamp {
			return events[i].Timestamp < events[j].Timestamp
		}
		return events[i].Seq < events[j].Seq
	})
}

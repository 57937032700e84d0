package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/specialistvlad/forgegrid/internal/ctxlog"
)

// Controller is the Monitor that runs operations under the helper process
// and collects their events over a Unix socket.
type Controller struct {
	helper    []string
	socketDir string
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithHelper replaces the helper command line. The operation's argv is
// appended after a "--" separator.
func WithHelper(argv ...string) ControllerOption {
	return func(c *Controller) { c.helper = append([]string(nil), argv...) }
}

// WithSocketDir places session sockets in dir instead of a fresh
// temporary directory.
func WithSocketDir(dir string) ControllerOption {
	return func(c *Controller) { c.socketDir = dir }
}

// NewController returns a controller that, by default, re-executes the
// running binary as the helper.
func NewController(opts ...ControllerOption) (*Controller, error) {
	c := &Controller{}
	for _, opt := range opts {
		opt(c)
	}
	if len(c.helper) == 0 {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate helper executable: %w", err)
		}
		c.helper = []string{exe, HelperCommand}
	}
	return c, nil
}

// Attach opens a session socket. Disabled policies get a direct session
// with no helper.
func (c *Controller) Attach(ctx context.Context, policy Policy) (Session, error) {
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("sandbox policy: %w", err)
	}
	if policy.Mode == ModeDisabled {
		return newDirectSession(), nil
	}

	id := uuid.NewString()
	dir, owned := c.socketDir, false
	if dir == "" {
		d, err := os.MkdirTemp("", "forgegrid-mon-")
		if err != nil {
			return nil, fmt.Errorf("create socket directory: %w", err)
		}
		dir, owned = d, true
	}
	// Socket paths are limited to ~100 bytes, so only a prefix of the id
	// goes into the name.
	socket := filepath.Join(dir, id[:8]+".sock")
	ln, err := net.Listen("unix", socket)
	if err != nil {
		if owned {
			_ = os.RemoveAll(dir)
		}
		return nil, fmt.Errorf("listen on %s: %w", socket, err)
	}

	s := &channelSession{
		id:      id,
		policy:  policy,
		helper:  c.helper,
		socket:  socket,
		ln:      ln,
		logger:  ctxlog.FromContext(ctx).With("session", id),
		seen:    map[eventKey]struct{}{},
		parents: map[int]int{},
		roots:   map[int]bool{},
		conns:   map[net.Conn]struct{}{},
		idle:    make(chan struct{}, 1),
	}
	if owned {
		s.cleanupDir = dir
	}
	go s.acceptLoop()
	s.logger.Debug("Monitor session attached.", "socket", socket, "mode", policy.Mode)
	return s, nil
}

type channelSession struct {
	id         string
	policy     Policy
	helper     []string
	socket     string
	cleanupDir string
	ln         net.Listener
	logger     *slog.Logger

	mu       sync.Mutex
	events   []Event
	seen     map[eventKey]struct{}
	parents  map[int]int
	roots    map[int]bool
	conns    map[net.Conn]struct{}
	active   int
	children []*process
	closed   bool
	idle     chan struct{}
}

func (s *channelSession) ID() string { return s.id }

func (s *channelSession) Launch(_ context.Context, spec LaunchSpec) (Child, error) {
	argv := append(append([]string(nil), s.helper...), "--", spec.Executable)
	argv = append(argv, spec.Args...)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = append(append([]string(nil), spec.Env...),
		EnvSocket+"="+s.socket,
		EnvSession+"="+s.id,
		EnvMode+"="+s.policy.Mode.String(),
	)
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	cmd.WaitDelay = waitDelay
	setProcessGroup(cmd)
	if err := cmd.Start(); err != nil {
		return nil, &ProcessLaunchError{Executable: spec.Executable, Err: err}
	}
	p := newProcess(cmd)
	s.mu.Lock()
	s.children = append(s.children, p)
	s.roots[p.PID()] = true
	s.mu.Unlock()
	s.logger.Debug("Operation launched under monitor.", "pid", p.PID(), "executable", spec.Executable)
	return p, nil
}

func (s *channelSession) Drain(ctx context.Context) ([]Event, error) {
	s.mu.Lock()
	children := append([]*process(nil), s.children...)
	s.mu.Unlock()
	if err := waitExited(ctx, children); err != nil {
		return nil, err
	}
	for {
		s.mu.Lock()
		if s.active == 0 {
			events := append([]Event(nil), s.events...)
			s.mu.Unlock()
			sortEvents(events)
			return events, nil
		}
		s.mu.Unlock()
		select {
		case <-s.idle:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *channelSession) Owns(pid int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[int]bool{}
	for pid > 0 && !seen[pid] {
		if s.roots[pid] {
			return true
		}
		seen[pid] = true
		pid = s.parents[pid]
	}
	return false
}

func (s *channelSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.ln.Close()
	s.dropConnections()
	if s.cleanupDir != "" {
		if rmErr := os.RemoveAll(s.cleanupDir); rmErr != nil && err == nil {
			err = rmErr
		}
	} else {
		_ = os.Remove(s.socket)
	}
	return err
}

func (s *channelSession) dropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		_ = c.Close()
	}
}

func (s *channelSession) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.active++
		s.mu.Unlock()
		go s.serve(conn)
	}
}

func (s *channelSession) serve(conn net.Conn) {
	defer func() {
		_ = conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.active--
		s.mu.Unlock()
		select {
		case s.idle <- struct{}{}:
		default:
		}
	}()

	fc := newFrameConn(conn)
	hello, err := fc.read()
	if err != nil {
		return
	}
	if hello.Type != frameHello || hello.Session != s.id {
		_ = fc.write(&frame{Type: frameReject, Error: "unknown session"})
		s.logger.Warn("Rejected monitor connection.", "session", hello.Session, "pid", hello.PID)
		return
	}
	s.mu.Lock()
	s.roots[hello.PID] = true
	s.mu.Unlock()
	policy := s.policy
	if err := fc.write(&frame{Type: frameWelcome, Policy: &policy}); err != nil {
		return
	}

	for {
		f, err := fc.read()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("Monitor connection ended.", "pid", hello.PID, "error", err)
			}
			return
		}
		if f.Type != frameEvent || f.Event == nil {
			continue
		}
		s.ingest(*f.Event)
		if err := fc.write(&frame{Type: frameAck, Seq: f.Event.Seq}); err != nil {
			return
		}
	}
}

// ingest records ev unless an identical event was already delivered.
func (s *channelSession) ingest(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := ev.key()
	if _, dup := s.seen[k]; dup {
		return false
	}
	s.seen[k] = struct{}{}
	if ev.ParentPID > 0 {
		if _, known := s.parents[ev.PID]; !known {
			s.parents[ev.PID] = ev.ParentPID
		}
	}
	s.events = append(s.events, ev)
	return true
}

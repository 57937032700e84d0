package monitor

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

const (
	defaultWindow     = 256
	defaultRetries    = 3
	defaultBackoff    = 50 * time.Millisecond
	defaultAckTimeout = 10 * time.Second
	handshakeTimeout  = 5 * time.Second
)

// Reporter is the helper side of the channel. It sends events in order,
// keeps at most window unacknowledged events and resends them after a
// reconnect.
type Reporter struct {
	socket     string
	session    string
	pid        int
	window     int
	retries    int
	backoff    time.Duration
	ackTimeout time.Duration

	mu      sync.Mutex
	conn    net.Conn
	fc      *frameConn
	policy  Policy
	seq     uint64
	unacked []Event
	broken  error
	signal  chan struct{}
}

// ReporterOption configures a Reporter.
type ReporterOption func(*Reporter)

// WithWindow sets the maximum number of unacknowledged events.
func WithWindow(n int) ReporterOption {
	return func(r *Reporter) {
		if n > 0 {
			r.window = n
		}
	}
}

// WithRetry sets how often and how fast a lost connection is re-dialed.
func WithRetry(retries int, backoff time.Duration) ReporterOption {
	return func(r *Reporter) { r.retries, r.backoff = retries, backoff }
}

// WithAckTimeout bounds the wait for acknowledgements.
func WithAckTimeout(d time.Duration) ReporterOption {
	return func(r *Reporter) { r.ackTimeout = d }
}

// Dial connects to the controller and performs the hello handshake. The
// returned error is a *ChannelError.
func Dial(socket, session string, pid int, opts ...ReporterOption) (*Reporter, error) {
	r := &Reporter{
		socket:     socket,
		session:    session,
		pid:        pid,
		window:     defaultWindow,
		retries:    defaultRetries,
		backoff:    defaultBackoff,
		ackTimeout: defaultAckTimeout,
		signal:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	if socket == "" || session == "" {
		return nil, &ChannelError{Socket: socket, Err: errors.New("no session configured")}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.connectLocked(); err != nil {
		return nil, &ChannelError{Socket: socket, Err: err}
	}
	return r, nil
}

// Policy returns the sandbox policy sent by the controller.
func (r *Reporter) Policy() Policy {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.policy
}

// Broken returns the error that made the channel unusable, if any.
func (r *Reporter) Broken() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.broken
}

// Report sends ev. It blocks while the window is full.
func (r *Reporter) Report(ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.broken != nil {
		return r.broken
	}
	deadline := time.Now().Add(r.ackTimeout)
	for len(r.unacked) >= r.window {
		if err := r.ensureConnLocked(); err != nil {
			return err
		}
		if !r.waitLocked(deadline) {
			return r.failLocked(fmt.Errorf("no acknowledgement within %s", r.ackTimeout))
		}
	}

	r.seq++
	ev.Seq = r.seq
	r.unacked = append(r.unacked, ev)
	if r.conn == nil {
		// Reconnecting resends everything unacknowledged, ev included.
		return r.ensureConnLocked()
	}
	if err := r.fc.write(&frame{Type: frameEvent, Event: &ev}); err != nil {
		r.dropConnLocked()
		return r.ensureConnLocked()
	}
	return nil
}

// Close waits for outstanding acknowledgements and disconnects.
func (r *Reporter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	deadline := time.Now().Add(r.ackTimeout)
	for len(r.unacked) > 0 && r.broken == nil {
		if err := r.ensureConnLocked(); err != nil {
			break
		}
		if !r.waitLocked(deadline) {
			r.failLocked(fmt.Errorf("%d events unacknowledged at close", len(r.unacked)))
			break
		}
	}
	r.dropConnLocked()
	if len(r.unacked) > 0 {
		return r.broken
	}
	return nil
}

func (r *Reporter) connectLocked() error {
	conn, err := net.DialTimeout("unix", r.socket, handshakeTimeout)
	if err != nil {
		return err
	}
	fc := newFrameConn(conn)
	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))
	if err := fc.write(&frame{Type: frameHello, Session: r.session, PID: r.pid}); err != nil {
		_ = conn.Close()
		return fmt.Errorf("send hello: %w", err)
	}
	reply, err := fc.read()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("read welcome: %w", err)
	}
	if reply.Type != frameWelcome {
		_ = conn.Close()
		return fmt.Errorf("controller refused session: %s", reply.Error)
	}
	_ = conn.SetDeadline(time.Time{})
	if reply.Policy != nil {
		r.policy = *reply.Policy
	}
	for i := range r.unacked {
		if err := fc.write(&frame{Type: frameEvent, Event: &r.unacked[i]}); err != nil {
			_ = conn.Close()
			return fmt.Errorf("resend event %d: %w", r.unacked[i].Seq, err)
		}
	}
	r.conn, r.fc = conn, fc
	go r.readAcks(conn, fc)
	return nil
}

func (r *Reporter) ensureConnLocked() error {
	if r.broken != nil {
		return r.broken
	}
	if r.conn != nil {
		return nil
	}
	var err error
	for attempt := 0; attempt <= r.retries; attempt++ {
		if attempt > 0 {
			time.Sleep(r.backoff * time.Duration(attempt))
		}
		if err = r.connectLocked(); err == nil {
			return nil
		}
	}
	return r.failLocked(err)
}

func (r *Reporter) dropConnLocked() {
	if r.conn != nil {
		_ = r.conn.Close()
		r.conn, r.fc = nil, nil
	}
}

func (r *Reporter) failLocked(err error) error {
	r.dropConnLocked()
	r.broken = &ChannelError{Socket: r.socket, Err: err}
	return r.broken
}

// waitLocked releases the lock until an ack arrives, the connection drops
// or the deadline passes. It reports whether the deadline is still ahead.
func (r *Reporter) waitLocked(deadline time.Time) bool {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return false
	}
	r.mu.Unlock()
	timer := time.NewTimer(remaining)
	select {
	case <-r.signal:
	case <-timer.C:
	}
	timer.Stop()
	r.mu.Lock()
	return time.Now().Before(deadline)
}

func (r *Reporter) readAcks(conn net.Conn, fc *frameConn) {
	for {
		f, err := fc.read()
		if err != nil {
			r.mu.Lock()
			if r.conn == conn {
				r.dropConnLocked()
			}
			r.mu.Unlock()
			r.notify()
			return
		}
		if f.Type != frameAck {
			continue
		}
		r.mu.Lock()
		n := 0
		for n < len(r.unacked) && r.unacked[n].Seq <= f.Seq {
			n++
		}
		r.unacked = r.unacked[n:]
		r.mu.Unlock()
		r.notify()
	}
}

func (r *Reporter) notify() {
	select {
	case r.signal <- struct{}{}:
	default:
	}
}

package statusfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zishang520/socket.io/v2/socket"

	"github.com/specialistvlad/forgegrid/internal/ctxlog"
	"github.com/specialistvlad/forgegrid/internal/opgraph"
	"github.com/specialistvlad/forgegrid/internal/runner"
)

// Server broadcasts runner progress. It implements runner.Observer, and
// replays the updates of the current run to clients that connect late.
type Server struct {
	io      *socket.Server
	httpSrv *http.Server
	ln      net.Listener
	logger  *slog.Logger
	clients atomic.Int32

	mu      sync.Mutex
	seq     int
	backlog []map[string]any
}

var _ runner.Observer = (*Server)(nil)

// Listen starts a feed on addr, for example "127.0.0.1:7777".
func Listen(ctx context.Context, addr string) (*Server, error) {
	logger := ctxlog.FromContext(ctx).With("component", "statusfeed")
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("status feed listen %s: %w", addr, err)
	}

	s := &Server{io: socket.NewServer(nil, nil), ln: ln, logger: logger}
	s.io.On("connection", func(clients ...any) {
		client, ok := clients[0].(*socket.Socket)
		if !ok {
			return
		}
		s.clients.Add(1)
		logger.Debug("Status client connected.", "sid", client.Id())
		client.On("disconnect", func(...any) {
			s.clients.Add(-1)
			logger.Debug("Status client disconnected.", "sid", client.Id())
		})

		s.mu.Lock()
		defer s.mu.Unlock()
		if err := client.Emit(BacklogEventName, s.backlogPayload()); err != nil {
			logger.Warn("Failed to replay backlog.", "sid", client.Id(), "error", err)
		}
	})

	mux := http.NewServeMux()
	mux.Handle("/socket.io/", s.io.ServeHandler(nil))
	mux.HandleFunc("/health", s.healthHandler)
	s.httpSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Status feed stopped.", "error", err)
		}
	}()
	logger.Info("📡 Status feed listening", "url", s.URL())
	return s, nil
}

// healthHandler answers liveness probes.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	s.logger.Debug("Health check endpoint hit.", "remote_addr", r.RemoteAddr, "path", r.URL.Path)
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

// Addr is the bound address.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// URL is what clients connect to.
func (s *Server) URL() string { return "http://" + s.Addr() }

// Clients returns the number of connected clients.
func (s *Server) Clients() int { return int(s.clients.Load()) }

// Close disconnects every client and stops the listener.
func (s *Server) Close() error {
	s.io.Close(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) RunStarted(total int) {
	s.publish(Update{Type: RunStarted, Total: total})
}

func (s *Server) OperationStarted(id opgraph.OperationID, title string) {
	s.publish(Update{Type: OperationStarted, ID: id.String(), Title: title})
}

func (s *Server) OperationFinished(res runner.OperationResult) {
	s.publish(finishedUpdate(res))
}

func (s *Server) RunFinished(res *runner.Result) {
	s.publish(Update{Type: RunFinished, Summary: summaryOf(res)})
}

// publish numbers u and broadcasts it. A new run drops the backlog of the
// previous one. Sequence numbers have no gaps.
func (s *Server) publish(u Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u.Seq = s.seq + 1
	payload, err := toPayload(u)
	if err != nil {
		s.logger.Warn("Failed to encode update.", "type", u.Type, "error", err)
		return
	}
	s.seq = u.Seq
	if u.Type == RunStarted {
		s.backlog = s.backlog[:0]
	}
	s.backlog = append(s.backlog, payload)
	s.io.Emit(EventName, payload)
}

// backlogPayload is the replay a new client receives. Next is the
// sequence number of its first update, or of the next publish when the
// backlog is empty. The caller holds s.mu.
func (s *Server) backlogPayload() map[string]any {
	next := s.seq + 1 - len(s.backlog)
	updates := make([]any, len(s.backlog))
	for i, u := range s.backlog {
		updates[i] = u
	}
	return map[string]any{"next": next, "updates": updates}
}

// toPayload turns u into plain JSON values for the wire.
func toPayload(u Update) (map[string]any, error) {
	data, err := json.Marshal(u)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

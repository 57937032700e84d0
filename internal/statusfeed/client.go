package statusfeed

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/zishang520/engine.io-client-go/transports"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"

	"github.com/specialistvlad/forgegrid/internal/ctxlog"
)

// connectTimeout bounds the wait for the first connection.
const connectTimeout = 15 * time.Second

// Follow connects to the feed at rawURL and calls fn for each update in
// Seq order, starting with the backlog of the current run. It returns
// after a run_finished update unless keepFollowing is set, in which case
// only ctx ends it.
func Follow(ctx context.Context, rawURL string, keepFollowing bool, fn func(Update)) error {
	logger := ctxlog.FromContext(ctx).With("url", rawURL)

	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("failed to parse URL: %w", err)
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return fmt.Errorf("status feed URL %q needs a scheme and a host", rawURL)
	}

	opts := socket.DefaultOptions()
	if parsedURL.Path != "" && parsedURL.Path != "/" {
		opts.SetPath(parsedURL.Path)
	}
	opts.SetTransports(types.NewSet(transports.WebSocket))

	baseURL := fmt.Sprintf("%s://%s", parsedURL.Scheme, parsedURL.Host)
	manager := socket.NewManager(baseURL, opts)
	io := manager.Socket("/", opts)
	defer func() {
		logger.Debug("Disconnecting status client.")
		io.Disconnect()
	}()

	connected := make(chan error, 1)
	updates := make(chan received, 256)
	io.Once(types.EventName("connect"), func(...any) {
		logger.Debug("Connected to status feed.", "sid", io.Id())
		connected <- nil
	})
	io.Once(types.EventName("connect_error"), func(errs ...any) {
		err, _ := errs[0].(error)
		if err == nil {
			err = fmt.Errorf("%v", errs[0])
		}
		select {
		case connected <- err:
		default:
		}
	})
	io.On(types.EventName(EventName), func(data ...any) {
		if len(data) > 0 {
			updates <- received{payload: data[0]}
		}
	})
	io.On(types.EventName(BacklogEventName), func(data ...any) {
		if len(data) > 0 {
			updates <- received{payload: data[0], backlog: true}
		}
	})
	io.Connect()

	select {
	case err := <-connected:
		if err != nil {
			return fmt.Errorf("socket.io connection failed: %w", err)
		}
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(connectTimeout):
		return fmt.Errorf("timed out after %s waiting for the status feed", connectTimeout)
	}

	seq := newSequencer()
	for {
		var msg received
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg = <-updates:
		}

		var ready []Update
		if msg.backlog {
			var b backlog
			if err := decodePayload(msg.payload, &b); err != nil {
				return fmt.Errorf("status feed backlog: %w", err)
			}
			logger.Debug("Status backlog received.", "next", b.Next, "updates", len(b.Updates))
			ready = seq.backlog(b)
		} else {
			u, err := decodeUpdate(msg.payload)
			if err != nil {
				logger.Warn("Ignoring malformed update.", "error", err)
				continue
			}
			ready = seq.update(u)
		}
		for _, u := range ready {
			fn(u)
			if u.Type == RunFinished && !keepFollowing {
				return nil
			}
		}
	}
}

// received is one socket.io event before it is decoded.
type received struct {
	payload any
	backlog bool
}

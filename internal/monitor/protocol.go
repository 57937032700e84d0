package monitor

import (
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// Environment handed to the helper process.
const (
	EnvSocket  = "FORGEGRID_MONITOR_SOCKET"
	EnvSession = "FORGEGRID_MONITOR_SESSION"
	EnvMode    = "FORGEGRID_MONITOR_MODE"
)

// HelperCommand is the hidden CLI command that runs RunHelper.
const HelperCommand = "__monitor"

type frameType string

const (
	// reporter -> controller
	frameHello frameType = "hello"
	frameEvent frameType = "event"
	// controller -> reporter
	frameWelcome frameType = "welcome"
	frameReject  frameType = "reject"
	frameAck     frameType = "ack"
)

// frame is the single record type on the channel. Frames are written back
// to back as msgpack maps.
type frame struct {
	Type    frameType `msgpack:"t"`
	Session string    `msgpack:"session,omitempty"`
	PID     int       `msgpack:"pid,omitempty"`
	Seq     uint64    `msgpack:"seq,omitempty"`
	Event   *Event    `msgpack:"event,omitempty"`
	Policy  *Policy   `msgpack:"policy,omitempty"`
	Error   string    `msgpack:"error,omitempty"`
}

type frameConn struct {
	enc *msgpack.Encoder
	dec *msgpack.Decoder
}

func newFrameConn(rw io.ReadWriter) *frameConn {
	return &frameConn{enc: msgpack.NewEncoder(rw), dec: msgpack.NewDecoder(rw)}
}

func (c *frameConn) write(f *frame) error { return c.enc.Encode(f) }

func (c *frameConn) read() (*frame, error) {
	var f frame
	if err := c.dec.Decode(&f); err != nil {
		return nil, err
	}
	return &f, nil
}

package session

import (
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/dkaukov/esp-32-flash/internal/protocol"
	"github.com/dkaukov/esp-32-flash/internal/slip"
	"github.com/dkaukov/esp-32-flash/internal/transport"
)

// channel is the Command Channel: it owns request/reply correlation and
// deadlines over a Transport, using the SLIP codec for framing. It knows
// nothing about flashing, stubs, or chip identity — only "send this
// opcode+payload, wait for the reply or time out." The reply's echoed
// opcode is checked against the request only in strict mode.
type channel struct {
	t      transport.Transport
	reader slip.FrameReader
	strict bool
}

func newChannel(t transport.Transport, strict bool) *channel {
	return &channel{t: t, strict: strict}
}

// send writes req and waits up to timeout for a reply frame. It does not
// inspect the status byte — callers decide what a failure means for a
// given opcode (e.g. LoadStub tolerates failure, most others don't).
func (c *channel) send(req *protocol.Request, timeout time.Duration) (*protocol.Response, error) {
	frame := slip.Encode(req.Encode())
	glog.V(2).Infof("-> %s len=%d", req.Op, len(req.Payload))

	if err := c.t.Write(frame); err != nil {
		return nil, errors.Annotatef(&TransportError{Cause: err}, "write %s", req.Op)
	}

	resp, err := c.readReply(req.Op, timeout)
	if err != nil {
		return nil, err
	}

	if c.strict && resp.Op != req.Op {
		glog.Warningf("reply op mismatch: sent %s, got %s", req.Op, resp.Op)
		return nil, errors.Trace(&BadFrameError{Reason: "reply op does not match request"})
	}

	glog.V(2).Infof("<- %s status=0x%02X", resp.Op, resp.Status)
	return resp, nil
}

// readReply polls the Transport, feeding bytes through the FrameReader
// until a complete frame closes or the deadline elapses. Per the command
// channel's read discipline, bytes arrive a few at a time and are
// accumulated across polls; a leading end-of-frame byte seen outside a
// frame discards whatever was buffered before it (handled by FrameReader).
func (c *channel) readReply(op protocol.Op, timeout time.Duration) (*protocol.Response, error) {
	deadline := time.Now().Add(timeout)
	c.reader.Reset()

	buf := make([]byte, 256)
	for time.Now().Before(deadline) {
		n, err := c.t.Read(buf)
		if err != nil {
			return nil, errors.Annotate(&TransportError{Cause: err}, "read reply")
		}
		if n == 0 {
			continue
		}

		if frame := c.reader.Feed(buf[:n]); frame != nil {
			data := slip.Decode(frame)
			resp, err := protocol.DecodeResponse(data)
			if err != nil {
				return nil, errors.Trace(&BadFrameError{Reason: err.Error()})
			}
			return resp, nil
		}
	}

	return nil, errors.Trace(&TimeoutError{Op: op.String()})
}

// flush realigns the channel before a fresh command, discarding any
// partial frame left over from a prior timeout.
func (c *channel) flush() error {
	c.reader.Reset()
	if err := c.t.Flush(); err != nil {
		return errors.Annotate(&TransportError{Cause: err}, "flush")
	}
	return nil
}

// Package ws implements the worker-side WebSocket connection proxy: an
// async send/receive surface for one logical connection whose frames are
// physically relayed across the process boundary by the worker's transport.
package ws

import (
	"context"
	"errors"
	"sync"

	"github.com/justapithecus/kiln/proto"
)

// ErrConnectionClosed is returned by Send, Receive, and Close after the
// connection has been closed from either side.
var ErrConnectionClosed = errors.New("ws: connection closed")

// DefaultQueueSize is the inbound frame queue capacity per connection.
const DefaultQueueSize = 256

// Sender transmits outbound WebSocket actions to the pool side.
// Implemented by the worker over its transport.
type Sender interface {
	SendWs(ctx context.Context, rsp *proto.WsResponse) error
}

// frame is one inbound message queued for the handler.
type frame struct {
	payload  []byte
	isBinary bool
}

// Conn is the proxy for one logical WebSocket connection. The worker's
// dispatch loop delivers inbound frames; the handler goroutine consumes
// them via Receive and pushes outbound frames via Send. Per-connection
// ordering is preserved end to end: the owning worker is the only producer
// into the inbound queue and the queue is strictly FIFO.
type Conn struct {
	id     uint64
	path   string
	sender Sender

	inbox chan frame
	done  chan struct{} // closed on disconnect

	closeOnce sync.Once
	sendMu    sync.Mutex // serializes closed-state checks against Disconnect
	closed    bool
}

// NewConn creates a proxy for connection id on the given path. queueSize 0
// uses DefaultQueueSize.
func NewConn(id uint64, path string, sender Sender, queueSize int) *Conn {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Conn{
		id:     id,
		path:   path,
		sender: sender,
		inbox:  make(chan frame, queueSize),
		done:   make(chan struct{}),
	}
}

// ID returns the pool-assigned connection ID.
func (c *Conn) ID() uint64 { return c.id }

// Path returns the request path the connection was opened on.
func (c *Conn) Path() string { return c.path }

// Deliver queues an inbound frame for the handler. Called by the worker's
// dispatch loop. Blocks when the queue is full (backpressure on the
// dispatch loop) unless the connection closes or ctx expires first.
func (c *Conn) Deliver(ctx context.Context, payload []byte, isBinary bool) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.inbox <- frame{payload: payload, isBinary: isBinary}:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive blocks until the next inbound frame. Frames queued before a
// disconnect are drained in order; once the queue is empty and the
// connection is closed, Receive returns ErrConnectionClosed.
func (c *Conn) Receive(ctx context.Context) ([]byte, bool, error) {
	// Drain queued frames before reporting the disconnect.
	select {
	case f := <-c.inbox:
		return f.payload, f.isBinary, nil
	default:
	}

	select {
	case f := <-c.inbox:
		return f.payload, f.isBinary, nil
	case <-c.done:
		// A frame may have raced in between the two selects.
		select {
		case f := <-c.inbox:
			return f.payload, f.isBinary, nil
		default:
			return nil, false, ErrConnectionClosed
		}
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Send transmits an outbound frame. Fire-and-forget: the frame is handed to
// the transport without awaiting any peer acknowledgment.
func (c *Conn) Send(ctx context.Context, payload []byte, isBinary bool) error {
	c.sendMu.Lock()
	closed := c.closed
	c.sendMu.Unlock()
	if closed {
		return ErrConnectionClosed
	}

	return c.sender.SendWs(ctx, &proto.WsResponse{
		Type:         proto.TypeWsSend,
		ConnectionID: c.id,
		Payload:      payload,
		IsBinary:     isBinary,
	})
}

// SendText transmits a text frame.
func (c *Conn) SendText(ctx context.Context, text string) error {
	return c.Send(ctx, []byte(text), false)
}

// SendBinary transmits a binary frame.
func (c *Conn) SendBinary(ctx context.Context, payload []byte) error {
	return c.Send(ctx, payload, true)
}

// Close sends a close frame with the given code and marks the connection
// closed. Subsequent Send/Receive/Close calls fail with
// ErrConnectionClosed.
func (c *Conn) Close(ctx context.Context, code uint16) error {
	c.sendMu.Lock()
	if c.closed {
		c.sendMu.Unlock()
		return ErrConnectionClosed
	}
	c.closed = true
	c.sendMu.Unlock()

	err := c.sender.SendWs(ctx, &proto.WsResponse{
		Type:         proto.TypeWsClose,
		ConnectionID: c.id,
		CloseCode:    code,
	})
	c.markDisconnected()
	return err
}

// Disconnect marks the connection closed from the pool side (client went
// away). Queued frames remain readable; Receive reports
// ErrConnectionClosed once they drain.
func (c *Conn) Disconnect() {
	c.sendMu.Lock()
	c.closed = true
	c.sendMu.Unlock()
	c.markDisconnected()
}

func (c *Conn) markDisconnected() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Closed reports whether the connection has been closed from either side.
func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

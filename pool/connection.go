package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/justapithecus/kiln/proto"
	"github.com/justapithecus/kiln/transport"
)

// eventBuffer bounds worker-to-client frames queued per connection before
// the reader catches up.
const eventBuffer = 64

// ErrConnectionClosed is returned by operations on a closed Connection.
var ErrConnectionClosed = errors.New("pool: connection closed")

// Event is one worker-originated WebSocket action delivered through
// Connection.Events. Close=true is the final event; CloseCode carries the
// worker's close status.
type Event struct {
	Payload   []byte
	IsBinary  bool
	Close     bool
	CloseCode uint16
}

// Connection is a pool-side WebSocket connection proxied to one sticky
// worker. Inbound client frames go down via SendMessage; worker frames
// come back through Events in FIFO order.
type Connection struct {
	id     uint64
	path   string
	worker int
	pool   *Pool

	// evMu guards events against a close racing a poll-loop delivery.
	evMu   sync.Mutex
	events chan Event
	closed bool
}

// OpenConnection binds a new WebSocket connection to a worker-side stream
// handler and assigns it a sticky worker. Requires a routing transport;
// the shared-memory request ring cannot target one worker, so shm pools
// return transport.ErrUnsupported.
func (p *Pool) OpenConnection(ctx context.Context, path, module, function string) (*Connection, error) {
	if p.shuttingDown.Load() {
		return nil, ErrShuttingDown
	}
	if !p.routing.Load() {
		return nil, transport.ErrUnsupported
	}

	meta, err := json.Marshal(proto.ConnectMetadata{Module: module, Function: function})
	if err != nil {
		return nil, fmt.Errorf("pool: encode connect metadata: %w", err)
	}

	id := p.nextConn.Add(1)
	conn := &Connection{
		id:     id,
		path:   path,
		worker: int(id % uint64(p.cfg.PoolSize)),
		pool:   p,
		events: make(chan Event, eventBuffer),
	}

	msg := proto.EncodeWsEvent(&proto.WsEvent{
		Type:         proto.TypeWsConnect,
		ConnectionID: id,
		Path:         path,
		Payload:      meta,
	})
	if err := p.server.PushTo(ctx, conn.worker, msg); err != nil {
		if errors.Is(err, transport.ErrUnsupported) {
			p.routing.Store(false)
		}
		return nil, err
	}

	p.conns.Store(id, conn)
	p.metrics.IncWsConnectionOpened()
	p.logger.Debug("ws connection opened", map[string]any{
		"connection_id": id,
		"path":          path,
		"worker":        conn.worker,
	})
	return conn, nil
}

// ID returns the pool-assigned connection identity.
func (c *Connection) ID() uint64 { return c.id }

// Path returns the request path the connection was opened with.
func (c *Connection) Path() string { return c.path }

// Events returns the stream of worker-originated frames. The channel is
// closed after the final Close event.
func (c *Connection) Events() <-chan Event { return c.events }

// SendMessage forwards one client frame to the connection's worker.
func (c *Connection) SendMessage(ctx context.Context, payload []byte, isBinary bool) error {
	c.evMu.Lock()
	closed := c.closed
	c.evMu.Unlock()
	if closed {
		return ErrConnectionClosed
	}
	msg := proto.EncodeWsEvent(&proto.WsEvent{
		Type:         proto.TypeWsMessage,
		ConnectionID: c.id,
		Payload:      payload,
		IsBinary:     isBinary,
	})
	if err := c.pool.server.PushTo(ctx, c.worker, msg); err != nil {
		return err
	}
	c.pool.metrics.IncWsMessageIn()
	return nil
}

// Disconnect tells the worker the client went away and closes the event
// stream. Idempotent.
func (c *Connection) Disconnect(ctx context.Context) error {
	c.evMu.Lock()
	if c.closed {
		c.evMu.Unlock()
		return nil
	}
	c.closed = true
	close(c.events)
	c.evMu.Unlock()

	c.pool.conns.Delete(c.id)
	c.pool.metrics.IncWsConnectionClosed()
	msg := proto.EncodeWsEvent(&proto.WsEvent{
		Type:         proto.TypeWsDisconnect,
		ConnectionID: c.id,
	})
	return c.pool.server.PushTo(ctx, c.worker, msg)
}

// deliver queues one worker frame, reporting whether it was accepted.
func (c *Connection) deliver(ev Event) bool {
	c.evMu.Lock()
	defer c.evMu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.events <- ev:
		return true
	default:
		return false
	}
}

// closeEvents terminates the event stream from the pool side (worker close
// or pool shutdown) without notifying the worker.
func (c *Connection) closeEvents(code uint16) {
	c.evMu.Lock()
	if c.closed {
		c.evMu.Unlock()
		return
	}
	c.closed = true
	select {
	case c.events <- Event{Close: true, CloseCode: code}:
	default:
	}
	close(c.events)
	c.evMu.Unlock()
	c.pool.metrics.IncWsConnectionClosed()
}

// routeWsResponse delivers a worker's WsSend or WsClose to its connection.
func (p *Pool) routeWsResponse(rsp *proto.WsResponse) {
	v, ok := p.conns.Load(rsp.ConnectionID)
	if !ok {
		p.logger.Debug("ws response for unknown connection", map[string]any{
			"connection_id": rsp.ConnectionID,
		})
		return
	}
	conn := v.(*Connection)

	switch rsp.Type {
	case proto.TypeWsSend:
		if conn.deliver(Event{Payload: rsp.Payload, IsBinary: rsp.IsBinary}) {
			p.metrics.IncWsMessageOut()
		} else {
			p.logger.Warn("ws frame dropped", map[string]any{
				"connection_id": conn.id,
			})
		}
	case proto.TypeWsClose:
		p.conns.Delete(conn.id)
		conn.closeEvents(rsp.CloseCode)
	}
}

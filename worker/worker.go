// Package worker implements the worker-process dispatch loop: it receives
// encoded messages from its transport, resolves handlers through the
// registry, executes them with bounded concurrency, and sends encoded
// responses back to the pool.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/justapithecus/kiln/handler"
	"github.com/justapithecus/kiln/log"
	"github.com/justapithecus/kiln/proto"
	"github.com/justapithecus/kiln/tlv"
	"github.com/justapithecus/kiln/transport"
	"github.com/justapithecus/kiln/ws"

	"github.com/justapithecus/kiln/future"
)

// State is the worker lifecycle phase.
type State int32

const (
	// StateStarting covers transport attachment.
	StateStarting State = iota
	// StateConnected means the transport is up but the loop has not begun.
	StateConnected
	// StateRunning is the normal dispatch phase.
	StateRunning
	// StateShuttingDown means the shutdown sentinel arrived and in-flight
	// handlers are draining.
	StateShuttingDown
	// StateStopped is terminal.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateConnected:
		return "connected"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting_down"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

const (
	// DefaultMaxConcurrency bounds simultaneously executing handlers.
	DefaultMaxConcurrency = 16
	// DefaultDrainTimeout bounds the in-flight drain during shutdown.
	DefaultDrainTimeout = 5 * time.Second
)

// Config assembles a Worker.
type Config struct {
	ID        uint32
	Transport transport.Worker
	Registry  *handler.Registry
	Logger    *log.Logger

	// MaxConcurrency bounds concurrently executing handlers
	// (default DefaultMaxConcurrency).
	MaxConcurrency int
	// DrainTimeout bounds how long shutdown waits for in-flight handlers
	// (default DefaultDrainTimeout).
	DrainTimeout time.Duration
}

// Worker is one worker process's dispatch engine.
type Worker struct {
	id       uint32
	tr       transport.Worker
	registry *handler.Registry
	logger   *log.Logger

	sem          chan struct{}
	drainTimeout time.Duration

	state atomic.Int32
	stats stats

	connsMu sync.Mutex
	conns   map[uint64]*ws.Conn

	wg sync.WaitGroup
}

// New assembles a Worker from its config.
func New(cfg Config) *Worker {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	if cfg.Registry == nil {
		cfg.Registry = handler.Default()
	}
	w := &Worker{
		id:           cfg.ID,
		tr:           cfg.Transport,
		registry:     cfg.Registry,
		logger:       cfg.Logger,
		sem:          make(chan struct{}, cfg.MaxConcurrency),
		drainTimeout: cfg.DrainTimeout,
		conns:        make(map[uint64]*ws.Conn),
	}
	w.state.Store(int32(StateConnected))
	return w
}

// State returns the current lifecycle phase.
func (w *Worker) State() State {
	return State(w.state.Load())
}

// Run executes the dispatch loop until the shutdown sentinel arrives, the
// transport closes, or ctx is canceled. It always leaves the worker in
// StateStopped.
func (w *Worker) Run(ctx context.Context) error {
	w.state.Store(int32(StateRunning))
	w.logger.Info("worker running", map[string]any{"worker_id": w.id})

	var runErr error
loop:
	for {
		msg, err := w.tr.Recv(ctx)
		if err != nil {
			if err != transport.ErrClosed && ctx.Err() == nil {
				runErr = err
			}
			break
		}

		msgType, err := proto.Peek(msg)
		if err != nil {
			w.logger.Warn("undecodable message", map[string]any{"error": err.Error()})
			continue
		}

		switch msgType {
		case proto.TypeShutdown:
			break loop

		case proto.TypeRequest:
			req, err := proto.DecodeRequest(msg)
			if err != nil {
				// No request ID to correlate an error response with.
				w.logger.Warn("request decode failed", map[string]any{"error": err.Error()})
				continue
			}
			select {
			case w.sem <- struct{}{}:
			case <-ctx.Done():
				break loop
			}
			w.wg.Add(1)
			go func() {
				defer w.wg.Done()
				defer func() { <-w.sem }()
				w.execute(ctx, req)
			}()

		case proto.TypeWsConnect, proto.TypeWsMessage, proto.TypeWsDisconnect:
			event, err := proto.DecodeWsEvent(msg)
			if err != nil {
				w.logger.Warn("ws event decode failed", map[string]any{"error": err.Error()})
				continue
			}
			w.handleWsEvent(ctx, event)

		default:
			w.logger.Warn("unexpected message type", map[string]any{"type": msgType.String()})
		}
	}

	w.shutdown(ctx)
	return runErr
}

// execute runs one request handler and sends the response. Handler panics
// become error responses rather than killing the process.
func (w *Worker) execute(ctx context.Context, req *proto.Request) {
	var rsp *proto.Response
	defer func() {
		if r := recover(); r != nil {
			rsp = errorResponse(req.RequestID, 500, fmt.Sprintf("panic: %v", r), string(debug.Stack()))
		}
		w.sendResponse(ctx, rsp)
	}()

	kwargs, err := tlv.DecodeKwargs(req.Kwargs)
	if err != nil {
		rsp = errorResponse(req.RequestID, 400, fmt.Sprintf("%T: %v", err, err), "")
		return
	}

	fn, err := w.registry.Resolve(req.Module, req.Function)
	if err != nil {
		status := uint16(500)
		if handler.IsNotFound(err) {
			status = 404
		}
		rsp = errorResponse(req.RequestID, status, err.Error(), "")
		return
	}

	result, err := fn(ctx, handler.Kwargs(kwargs))
	if err == nil {
		// Async handlers return a future; the dispatch goroutine awaits it
		// so the response carries the settled value.
		if aw, ok := result.(future.Awaitable); ok {
			result, err = aw.Await(ctx)
		}
	}
	if err != nil {
		rsp = errorResponse(req.RequestID, 500, fmt.Sprintf("%T: %v", err, err), "")
		return
	}

	body, err := json.Marshal(map[string]any{"result": result})
	if err != nil {
		rsp = errorResponse(req.RequestID, 500, fmt.Sprintf("%T: %v", err, err), "")
		return
	}
	rsp = &proto.Response{
		RequestID: req.RequestID,
		Status:    200,
		Success:   true,
		Body:      body,
	}
}

func errorResponse(requestID uint32, status uint16, message, traceback string) *proto.Response {
	body := map[string]any{"error": message}
	if traceback != "" {
		body["traceback"] = traceback
	}
	encoded, _ := json.Marshal(body)
	return &proto.Response{
		RequestID:    requestID,
		Status:       status,
		Success:      false,
		Body:         encoded,
		ErrorMessage: message,
	}
}

func (w *Worker) sendResponse(ctx context.Context, rsp *proto.Response) {
	if rsp == nil {
		return
	}
	if rsp.Success {
		w.stats.requestsProcessed.Add(1)
	} else {
		w.stats.requestsFailed.Add(1)
		w.logger.Warn("request failed", map[string]any{
			"request_id": rsp.RequestID,
			"status":     rsp.Status,
			"error":      rsp.ErrorMessage,
		})
	}
	if err := w.tr.Send(ctx, proto.EncodeResponse(rsp)); err != nil {
		w.logger.Error("response send failed", map[string]any{
			"request_id": rsp.RequestID,
			"error":      err.Error(),
		})
	}
}

// SendWs transmits an outbound WebSocket action. Conn uses the worker as
// its ws.Sender.
func (w *Worker) SendWs(ctx context.Context, rsp *proto.WsResponse) error {
	return w.tr.Send(ctx, proto.EncodeWsResponse(rsp))
}

// handleWsEvent runs on the dispatch loop so per-connection frame order is
// preserved: Deliver is the only producer into a connection's queue.
func (w *Worker) handleWsEvent(ctx context.Context, event *proto.WsEvent) {
	switch event.Type {
	case proto.TypeWsConnect:
		w.openConnection(ctx, event)

	case proto.TypeWsMessage:
		w.connsMu.Lock()
		conn := w.conns[event.ConnectionID]
		w.connsMu.Unlock()
		if conn == nil {
			w.logger.Warn("ws frame for unknown connection", map[string]any{"connection_id": event.ConnectionID})
			return
		}
		if err := conn.Deliver(ctx, event.Payload, event.IsBinary); err != nil {
			w.logger.Warn("ws frame dropped", map[string]any{
				"connection_id": event.ConnectionID,
				"error":         err.Error(),
			})
			return
		}
		w.stats.wsMessagesHandled.Add(1)

	case proto.TypeWsDisconnect:
		w.connsMu.Lock()
		conn := w.conns[event.ConnectionID]
		delete(w.conns, event.ConnectionID)
		w.connsMu.Unlock()
		if conn != nil {
			conn.Disconnect()
		}
	}
}

func (w *Worker) openConnection(ctx context.Context, event *proto.WsEvent) {
	var meta proto.ConnectMetadata
	if len(event.Payload) > 0 {
		if err := json.Unmarshal(event.Payload, &meta); err != nil {
			w.logger.Warn("ws connect metadata invalid", map[string]any{
				"connection_id": event.ConnectionID,
				"error":         err.Error(),
			})
		}
	}

	conn := ws.NewConn(event.ConnectionID, event.Path, w, 0)
	w.connsMu.Lock()
	w.conns[event.ConnectionID] = conn
	w.connsMu.Unlock()

	if meta.Module == "" && meta.Function == "" {
		return
	}

	sf, err := w.registry.ResolveStream(meta.Module, meta.Function)
	if err != nil {
		w.logger.Error("ws handler resolution failed", map[string]any{
			"connection_id": event.ConnectionID,
			"module":        meta.Module,
			"function":      meta.Function,
			"error":         err.Error(),
		})
		_ = conn.Close(ctx, 1011)
		w.removeConnection(event.ConnectionID)
		return
	}

	w.wg.Add(1)
	go w.runStream(ctx, conn, sf)
}

// runStream owns one connection's handler goroutine for its whole life.
func (w *Worker) runStream(ctx context.Context, conn *ws.Conn, sf handler.StreamFunc) {
	defer w.wg.Done()
	defer w.removeConnection(conn.ID())

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				w.logger.Error("ws handler panic", map[string]any{
					"connection_id": conn.ID(),
					"panic":         fmt.Sprint(r),
					"stack":         string(debug.Stack()),
				})
			}
		}()
		err = sf(ctx, conn)
	}()

	if conn.Closed() {
		return
	}
	code := uint16(1000)
	if err != nil && err != ws.ErrConnectionClosed {
		code = 1011
		w.logger.Warn("ws handler error", map[string]any{
			"connection_id": conn.ID(),
			"error":         err.Error(),
		})
	}
	_ = conn.Close(ctx, code)
}

func (w *Worker) removeConnection(id uint64) {
	w.connsMu.Lock()
	delete(w.conns, id)
	w.connsMu.Unlock()
}

// shutdown drains in-flight handlers (bounded by the drain timeout),
// disconnects remaining WebSocket proxies, sends the final stats report,
// and closes the transport.
func (w *Worker) shutdown(ctx context.Context) {
	w.state.Store(int32(StateShuttingDown))
	w.logger.Info("worker shutting down", map[string]any{"worker_id": w.id})

	w.connsMu.Lock()
	conns := make([]*ws.Conn, 0, len(w.conns))
	for _, c := range w.conns {
		conns = append(conns, c)
	}
	w.conns = make(map[uint64]*ws.Conn)
	w.connsMu.Unlock()
	for _, c := range conns {
		c.Disconnect()
	}

	drained := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(w.drainTimeout):
		w.logger.Warn("drain timeout, abandoning in-flight handlers", map[string]any{
			"timeout": w.drainTimeout.String(),
		})
	}

	w.sendReport(ctx)
	_ = w.tr.Close()
	w.state.Store(int32(StateStopped))
	w.logger.Info("worker stopped", map[string]any{"worker_id": w.id})
}

func (w *Worker) sendReport(ctx context.Context) {
	snap := w.stats.snapshot(w.id, w.registry.Cached())
	payload, err := EncodeStats(snap)
	if err != nil {
		w.logger.Error("stats encode failed", map[string]any{"error": err.Error()})
		return
	}
	report := proto.EncodeWorkerReport(&proto.WorkerReport{WorkerID: w.id, Payload: payload})

	// The pool may already be gone; a failed report is not worth retrying.
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if err := w.tr.Send(sendCtx, report); err != nil {
		w.logger.Warn("final report not delivered", map[string]any{"error": err.Error()})
	}
}

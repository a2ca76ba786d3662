// Package pool implements the process-pool orchestrator: it owns the
// transport server side, spawns and supervises worker processes, correlates
// request futures with worker responses, and proxies WebSocket connections
// to sticky workers.
package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/justapithecus/kiln/adapter"
	"github.com/justapithecus/kiln/future"
	"github.com/justapithecus/kiln/journal"
	"github.com/justapithecus/kiln/log"
	"github.com/justapithecus/kiln/metrics"
	"github.com/justapithecus/kiln/proto"
	"github.com/justapithecus/kiln/tlv"
	"github.com/justapithecus/kiln/transport"
	"github.com/justapithecus/kiln/transport/shm"
	"github.com/justapithecus/kiln/transport/zmq"
	"github.com/justapithecus/kiln/worker"
)

// Transport kind names accepted in Config.Transport.
const (
	TransportShm = "shm"
	TransportZmq = "zmq"
)

// DefaultShutdownTimeout bounds how long Shutdown waits for worker reports
// and process exits.
const DefaultShutdownTimeout = 10 * time.Second

// ErrShuttingDown is returned by Execute and connection operations once
// Shutdown has begun.
var ErrShuttingDown = errors.New("pool: shutting down")

// RemoteError is a handler failure reported by a worker.
type RemoteError struct {
	Status  uint16
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote handler error (status %d): %s", e.Status, e.Message)
}

// RespawnConfig controls crashed-worker replacement.
type RespawnConfig struct {
	// Enabled turns the supervisor's respawn behavior on.
	Enabled bool
	// MaxRespawns bounds replacements per worker slot (default 5).
	MaxRespawns int
	// BaseDelay is the first backoff delay (default 250ms). Doubles per
	// consecutive respawn, capped at MaxDelay.
	BaseDelay time.Duration
	// MaxDelay caps the backoff (default 10s).
	MaxDelay time.Duration
}

func (c *RespawnConfig) withDefaults() RespawnConfig {
	cfg := *c
	if cfg.MaxRespawns <= 0 {
		cfg.MaxRespawns = 5
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 250 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 10 * time.Second
	}
	return cfg
}

// Config assembles a Pool.
type Config struct {
	// PoolID overrides the generated pool identity. Callers that build a
	// journal or adapters before the pool set this so partition keys match.
	PoolID string
	// PoolSize is the number of worker processes (required, positive).
	PoolSize int
	// Transport selects "shm" or "zmq".
	Transport string
	// WorkerCommand is the argv prefix for worker processes; the pool
	// appends the IPC name and the worker id. Required unless a Server is
	// injected.
	WorkerCommand []string
	// AppRoot is exported to workers as KILN_APP_ROOT.
	AppRoot string
	// LogLevel is exported to workers as KILN_LOG_LEVEL.
	LogLevel string
	// IPCDir holds shm segments or zmq ipc sockets. Empty uses the
	// transport default (/dev/shm for shm, os.TempDir for zmq).
	IPCDir string

	// RequestSlots/ResponseSlots size the shm rings (shm defaults apply).
	RequestSlots  int
	ResponseSlots int

	// Respawn controls crashed-worker replacement.
	Respawn RespawnConfig
	// ShutdownTimeout bounds Shutdown (default DefaultShutdownTimeout).
	ShutdownTimeout time.Duration

	Logger   *log.Logger
	Metrics  *metrics.Collector
	Journal  *journal.Journal
	Adapters []adapter.Adapter

	// Server injects a transport and suppresses process spawning. The
	// embedding test or application runs its own workers against the
	// matching worker endpoints.
	Server transport.Server
}

// requestMeta carries journal context for an in-flight request.
type requestMeta struct {
	module   string
	function string
	format   proto.KwargsFormat
	started  time.Time
}

// Pool is a running worker pool.
type Pool struct {
	id      string
	cfg     Config
	server  transport.Server
	routing atomic.Bool // transport supports per-worker delivery

	logger  *log.Logger
	metrics *metrics.Collector
	journal *journal.Journal

	nextRequest atomic.Uint32
	nextConn    atomic.Uint64
	pending     sync.Map // uint32 -> *future.Promise[*proto.Response]
	meta        sync.Map // uint32 -> requestMeta
	conns       sync.Map // uint64 -> *Connection

	procs   []*workerProc
	procsMu sync.Mutex

	shuttingDown atomic.Bool
	reports      chan metrics.WorkerStats

	pollCancel context.CancelFunc
	pollDone   chan struct{}

	started time.Time
}

// New creates the transport, spawns the workers, and starts the poll loop.
func New(cfg Config) (*Pool, error) {
	if cfg.PoolSize <= 0 {
		return nil, fmt.Errorf("pool: size must be positive, got %d", cfg.PoolSize)
	}
	if cfg.Server == nil && len(cfg.WorkerCommand) == 0 {
		return nil, errors.New("pool: worker command is required")
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	cfg.Respawn = (&cfg.Respawn).withDefaults()

	id := cfg.PoolID
	if id == "" {
		id = "kiln-" + uuid.NewString()[:8]
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewPoolLogger(id, log.ParseLevel(cfg.LogLevel))
	}

	p := &Pool{
		id:      id,
		cfg:     cfg,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		journal: cfg.Journal,
		reports: make(chan metrics.WorkerStats, cfg.PoolSize),
		started: time.Now(),
	}

	if cfg.Server != nil {
		p.server = cfg.Server
		// An injected server routes if it says it can; probing with a
		// message would be visible, so trust PushTo until it refuses.
		p.routing.Store(true)
	} else {
		server, routing, err := p.openTransport()
		if err != nil {
			return nil, err
		}
		p.server = server
		p.routing.Store(routing)
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	p.pollCancel = cancel
	p.pollDone = make(chan struct{})
	go p.poll(pollCtx)

	if cfg.Server == nil {
		for i := 0; i < cfg.PoolSize; i++ {
			if err := p.spawnWorker(uint32(i)); err != nil {
				p.teardownAfterSpawnFailure()
				return nil, err
			}
		}
	}

	p.logger.Info("pool started", map[string]any{
		"pool_id":   p.id,
		"transport": cfg.Transport,
		"pool_size": cfg.PoolSize,
	})
	p.publishEvent(context.Background(), &adapter.PoolEvent{
		EventType: adapter.EventPoolStarted,
	})
	p.recordLifecycle(adapter.EventPoolStarted, nil, "")
	return p, nil
}

// ID returns the pool identity (also the IPC name prefix).
func (p *Pool) ID() string { return p.id }

func (p *Pool) openTransport() (transport.Server, bool, error) {
	switch p.cfg.Transport {
	case TransportShm, "":
		server, err := shm.Create(p.id, shm.Config{
			Dir:           p.cfg.IPCDir,
			RequestSlots:  p.cfg.RequestSlots,
			ResponseSlots: p.cfg.ResponseSlots,
		})
		return server, false, err
	case TransportZmq:
		server, err := zmq.NewServer(p.ipcPrefix(), p.cfg.PoolSize)
		return server, true, err
	default:
		return nil, false, fmt.Errorf("pool: unknown transport %q", p.cfg.Transport)
	}
}

// ipcName is the argument handed to worker processes: the shm segment name
// or the zmq endpoint prefix.
func (p *Pool) ipcName() string {
	if p.cfg.Transport == TransportZmq {
		return p.ipcPrefix()
	}
	return p.id
}

func (p *Pool) ipcPrefix() string {
	dir := p.cfg.IPCDir
	if dir == "" {
		dir = "/tmp"
	}
	return filepath.Join(dir, p.id)
}

// Execute dispatches (module, function) with kwargs to any worker and
// returns a future settled by the worker's response.
//
// Kwargs of scalar types travel as binary TLV; anything the TLV codec
// cannot carry falls back to JSON transparently.
func (p *Pool) Execute(ctx context.Context, module, function string, kwargs map[string]any) *future.Future[*proto.Response] {
	f, promise := future.New[*proto.Response]()
	if p.shuttingDown.Load() {
		promise.Reject(ErrShuttingDown)
		return f
	}

	encoded, format, err := encodeKwargs(kwargs)
	if err != nil {
		promise.Reject(fmt.Errorf("pool: encode kwargs: %w", err))
		return f
	}

	id := p.nextRequest.Add(1)
	p.pending.Store(id, promise)
	p.meta.Store(id, requestMeta{
		module:   module,
		function: function,
		format:   format,
		started:  time.Now(),
	})

	msg := proto.EncodeRequest(&proto.Request{
		RequestID: id,
		Module:    module,
		Function:  function,
		Format:    format,
		Kwargs:    encoded,
	})
	if err := p.server.Push(ctx, msg); err != nil {
		p.pending.Delete(id)
		p.meta.Delete(id)
		promise.Reject(fmt.Errorf("pool: push request: %w", err))
		return f
	}
	p.metrics.IncRequestSubmitted()
	return f
}

// Call dispatches a request and blocks for its decoded result. A non-2xx
// worker response surfaces as a *RemoteError.
func (p *Pool) Call(ctx context.Context, module, function string, kwargs map[string]any) (any, error) {
	rsp, err := p.Execute(ctx, module, function, kwargs).Get(ctx)
	if err != nil {
		return nil, err
	}
	if !rsp.Success {
		return nil, &RemoteError{Status: rsp.Status, Message: rsp.ErrorMessage}
	}
	var body struct {
		Result any `json:"result"`
	}
	if err := json.Unmarshal(rsp.Body, &body); err != nil {
		return nil, fmt.Errorf("pool: decode response body: %w", err)
	}
	return body.Result, nil
}

// encodeKwargs prefers the binary TLV codec and falls back to JSON for
// values outside the TLV scalar set.
func encodeKwargs(kwargs map[string]any) ([]byte, proto.KwargsFormat, error) {
	encoded, err := tlv.Encode(kwargs)
	if err == nil {
		return encoded, proto.KwargsTLV, nil
	}
	encoded, jerr := json.Marshal(kwargs)
	if jerr != nil {
		return nil, proto.KwargsJSON, jerr
	}
	return encoded, proto.KwargsJSON, nil
}

// poll routes every worker message until the transport closes.
func (p *Pool) poll(ctx context.Context) {
	defer close(p.pollDone)
	for {
		msg, err := p.server.Poll(ctx)
		if err != nil {
			return
		}

		msgType, err := proto.Peek(msg)
		if err != nil {
			p.metrics.IncDecodeErrors()
			p.logger.Warn("undecodable worker message", map[string]any{"error": err.Error()})
			continue
		}

		switch msgType {
		case proto.TypeResponse:
			rsp, err := proto.DecodeResponse(msg)
			if err != nil {
				p.metrics.IncDecodeErrors()
				p.logger.Warn("response decode failed", map[string]any{"error": err.Error()})
				continue
			}
			p.settle(rsp)

		case proto.TypeWsSend, proto.TypeWsClose:
			rsp, err := proto.DecodeWsResponse(msg)
			if err != nil {
				p.metrics.IncDecodeErrors()
				p.logger.Warn("ws response decode failed", map[string]any{"error": err.Error()})
				continue
			}
			p.routeWsResponse(rsp)

		case proto.TypeWorkerReport:
			report, err := proto.DecodeWorkerReport(msg)
			if err != nil {
				p.metrics.IncDecodeErrors()
				p.logger.Warn("worker report decode failed", map[string]any{"error": err.Error()})
				continue
			}
			stats, err := worker.DecodeStats(report.Payload)
			if err != nil {
				p.metrics.IncDecodeErrors()
				p.logger.Warn("worker stats decode failed", map[string]any{"error": err.Error()})
				continue
			}
			p.metrics.AbsorbWorkerStats(stats)
			select {
			case p.reports <- stats:
			default:
			}

		default:
			p.logger.Warn("unexpected worker message", map[string]any{"type": msgType.String()})
		}
	}
}

// settle resolves the pending future for a response and journals the
// request.
func (p *Pool) settle(rsp *proto.Response) {
	v, ok := p.pending.LoadAndDelete(rsp.RequestID)
	if !ok {
		p.logger.Warn("response without pending request", map[string]any{"request_id": rsp.RequestID})
		return
	}
	p.metrics.IncResponseReceived()
	if !rsp.Success {
		p.metrics.IncRequestFailed()
	}

	if m, ok := p.meta.LoadAndDelete(rsp.RequestID); ok && p.journal != nil {
		meta := m.(requestMeta)
		format := "tlv"
		if meta.format == proto.KwargsJSON {
			format = "json"
		}
		err := p.journal.RecordRequest(context.Background(), journal.RequestRecord{
			RequestID:    rsp.RequestID,
			Module:       meta.module,
			Function:     meta.function,
			Status:       rsp.Status,
			Success:      rsp.Success,
			KwargsFormat: format,
			DurationMs:   time.Since(meta.started).Milliseconds(),
			Timestamp:    time.Now().UTC(),
		})
		if err != nil {
			p.logger.Warn("request journal write failed", map[string]any{"error": err.Error()})
		}
	}

	v.(*future.Promise[*proto.Response]).Resolve(rsp)
}

// Shutdown stops the pool: sentinels to every worker, a bounded wait for
// final reports and process exits, then transport and sink teardown.
func (p *Pool) Shutdown(ctx context.Context) error {
	if !p.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}
	p.logger.Info("pool shutting down", map[string]any{"pool_id": p.id})

	deadline := time.Now().Add(p.cfg.ShutdownTimeout)

	// Reject anything still pending; workers drain what they already took.
	sentinel := proto.EncodeShutdown()
	for i := 0; i < p.cfg.PoolSize; i++ {
		var err error
		if p.routing.Load() {
			err = p.server.PushTo(ctx, i, sentinel)
			if errors.Is(err, transport.ErrUnsupported) {
				p.routing.Store(false)
				err = p.server.Push(ctx, sentinel)
			}
		} else {
			err = p.server.Push(ctx, sentinel)
		}
		if err != nil {
			p.logger.Warn("shutdown sentinel not delivered", map[string]any{
				"worker": i,
				"error":  err.Error(),
			})
		}
	}

	p.awaitReports(deadline)
	p.awaitProcs(deadline)

	p.pollCancel()
	_ = p.server.Close()
	<-p.pollDone

	p.failPending()
	p.closeConnections()

	snap := p.metrics.Snapshot()
	event := &adapter.PoolEvent{
		EventType:         adapter.EventPoolStopped,
		RequestsSubmitted: snap.RequestsSubmitted,
		ResponsesReceived: snap.ResponsesReceived,
		RequestsFailed:    snap.RequestsFailed,
		DurationMs:        time.Since(p.started).Milliseconds(),
	}
	p.recordLifecycle(adapter.EventPoolStopped, nil, "")
	p.publishEvent(ctx, event)

	var firstErr error
	if p.journal != nil {
		if err := p.journal.Close(ctx); err != nil {
			firstErr = err
		}
	}
	for _, a := range p.cfg.Adapters {
		if err := a.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	p.logger.Info("pool stopped", map[string]any{"pool_id": p.id})
	return firstErr
}

// awaitReports collects final worker reports until the deadline.
func (p *Pool) awaitReports(deadline time.Time) {
	for received := 0; received < p.cfg.PoolSize; received++ {
		select {
		case <-p.reports:
		case <-time.After(time.Until(deadline)):
			p.logger.Warn("missing worker reports at shutdown", map[string]any{
				"received": received,
				"expected": p.cfg.PoolSize,
			})
			return
		}
	}
}

// failPending rejects futures that will never get a response.
func (p *Pool) failPending() {
	p.pending.Range(func(key, value any) bool {
		p.pending.Delete(key)
		p.meta.Delete(key)
		value.(*future.Promise[*proto.Response]).Reject(ErrShuttingDown)
		return true
	})
}

func (p *Pool) closeConnections() {
	p.conns.Range(func(key, value any) bool {
		p.conns.Delete(key)
		value.(*Connection).closeEvents(1001)
		return true
	})
}

func (p *Pool) publishEvent(ctx context.Context, event *adapter.PoolEvent) {
	event.PoolID = p.id
	event.Transport = p.cfg.Transport
	event.PoolSize = p.cfg.PoolSize
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	for _, a := range p.cfg.Adapters {
		if err := a.Publish(ctx, event); err != nil {
			p.logger.Warn("adapter publish failed", map[string]any{
				"event_type": event.EventType,
				"error":      err.Error(),
			})
		}
	}
}

func (p *Pool) recordLifecycle(eventType string, workerID *uint32, detail string) {
	if p.journal == nil {
		return
	}
	err := p.journal.RecordLifecycle(context.Background(), journal.LifecycleRecord{
		EventType: eventType,
		WorkerID:  workerID,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		p.logger.Warn("lifecycle journal write failed", map[string]any{"error": err.Error()})
	}
}

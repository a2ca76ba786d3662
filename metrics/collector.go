// Package metrics provides pool-level metrics collection.
//
// The Collector accumulates counters over a pool's lifetime. It is a leaf
// package with no internal dependencies. Worker-side execution counters are
// absorbed from each worker's final report at shutdown rather than recorded
// live, avoiding double-counting across the transport.
package metrics

import "sync"

// WorkerStats is one worker's execution counters as carried in its final
// report. The msgpack tags fix the wire names of the report payload.
type WorkerStats struct {
	WorkerID          uint32 `msgpack:"worker_id"`
	RequestsProcessed int64  `msgpack:"requests_processed"`
	RequestsFailed    int64  `msgpack:"requests_failed"`
	HandlersCached    int64  `msgpack:"handlers_cached"`
	WsMessagesHandled int64  `msgpack:"ws_messages_handled"`
}

// Snapshot is an immutable point-in-time view of all pool metrics.
// Returned by Collector.Snapshot(). Safe to read concurrently after creation.
type Snapshot struct {
	// Request lifecycle
	RequestsSubmitted int64
	ResponsesReceived int64
	RequestsFailed    int64
	DecodeErrors      int64

	// Worker lifecycle
	WorkerSpawns   int64
	WorkerCrashes  int64
	WorkerRespawns int64

	// WebSocket proxy
	WsConnectionsOpened int64
	WsConnectionsClosed int64
	WsMessagesIn        int64
	WsMessagesOut       int64

	// Worker-side counters (absorbed from final reports)
	Workers []WorkerStats

	// Dimensions (informational, set at construction)
	Transport string
	PoolSize  int
	PoolID    string
}

// Collector accumulates metrics over a pool's lifetime.
// Thread-safe via sync.Mutex. All increment methods are nil-receiver safe.
type Collector struct {
	mu sync.Mutex

	// Request lifecycle
	requestsSubmitted int64
	responsesReceived int64
	requestsFailed    int64
	decodeErrors      int64

	// Worker lifecycle
	workerSpawns   int64
	workerCrashes  int64
	workerRespawns int64

	// WebSocket proxy
	wsConnectionsOpened int64
	wsConnectionsClosed int64
	wsMessagesIn        int64
	wsMessagesOut       int64

	// Absorbed worker reports, keyed by worker id. A respawned worker
	// replaces its predecessor's entry.
	workers map[uint32]WorkerStats

	// Dimensions
	transport string
	poolSize  int
	poolID    string
}

// NewCollector creates a Collector with dimension labels.
func NewCollector(transport string, poolSize int, poolID string) *Collector {
	return &Collector{
		workers:   make(map[uint32]WorkerStats),
		transport: transport,
		poolSize:  poolSize,
		poolID:    poolID,
	}
}

// --- Request lifecycle ---

// IncRequestSubmitted records a request handed to the transport.
func (c *Collector) IncRequestSubmitted() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.requestsSubmitted++
	c.mu.Unlock()
}

// IncResponseReceived records a response correlated back to its caller.
func (c *Collector) IncResponseReceived() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.responsesReceived++
	c.mu.Unlock()
}

// IncRequestFailed records a request that settled with an error status.
func (c *Collector) IncRequestFailed() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.requestsFailed++
	c.mu.Unlock()
}

// IncDecodeErrors records a message from the transport that failed to decode.
func (c *Collector) IncDecodeErrors() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.decodeErrors++
	c.mu.Unlock()
}

// --- Worker lifecycle ---

// IncWorkerSpawn records a worker process launch.
func (c *Collector) IncWorkerSpawn() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.workerSpawns++
	c.mu.Unlock()
}

// IncWorkerCrash records a worker exiting outside of shutdown.
func (c *Collector) IncWorkerCrash() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.workerCrashes++
	c.mu.Unlock()
}

// IncWorkerRespawn records a supervisor replacing a crashed worker.
func (c *Collector) IncWorkerRespawn() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.workerRespawns++
	c.mu.Unlock()
}

// --- WebSocket proxy ---

// IncWsConnectionOpened records a proxied connection registered with a worker.
func (c *Collector) IncWsConnectionOpened() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.wsConnectionsOpened++
	c.mu.Unlock()
}

// IncWsConnectionClosed records a proxied connection torn down.
func (c *Collector) IncWsConnectionClosed() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.wsConnectionsClosed++
	c.mu.Unlock()
}

// IncWsMessageIn records an inbound frame forwarded to a worker.
func (c *Collector) IncWsMessageIn() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.wsMessagesIn++
	c.mu.Unlock()
}

// IncWsMessageOut records an outbound frame emitted by a worker handler.
func (c *Collector) IncWsMessageOut() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.wsMessagesOut++
	c.mu.Unlock()
}

// --- Worker reports ---

// AbsorbWorkerStats records one worker's final execution counters. Called
// when the pool receives the worker's shutdown report. A later report for
// the same worker id (after a respawn) replaces the earlier one.
func (c *Collector) AbsorbWorkerStats(stats WorkerStats) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.workers[stats.WorkerID] = stats
	c.mu.Unlock()
}

// --- Snapshot ---

// Snapshot returns an immutable point-in-time view of all metrics.
// The returned Snapshot is safe to read concurrently; the Collector can
// continue to be mutated independently.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	workers := make([]WorkerStats, 0, len(c.workers))
	for _, ws := range c.workers {
		workers = append(workers, ws)
	}

	return Snapshot{
		RequestsSubmitted: c.requestsSubmitted,
		ResponsesReceived: c.responsesReceived,
		RequestsFailed:    c.requestsFailed,
		DecodeErrors:      c.decodeErrors,

		WorkerSpawns:   c.workerSpawns,
		WorkerCrashes:  c.workerCrashes,
		WorkerRespawns: c.workerRespawns,

		WsConnectionsOpened: c.wsConnectionsOpened,
		WsConnectionsClosed: c.wsConnectionsClosed,
		WsMessagesIn:        c.wsMessagesIn,
		WsMessagesOut:       c.wsMessagesOut,

		Workers: workers,

		Transport: c.transport,
		PoolSize:  c.poolSize,
		PoolID:    c.poolID,
	}
}

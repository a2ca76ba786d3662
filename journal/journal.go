// Package journal persists pool activity to Lode datasets: one record per
// completed request plus lifecycle records for pool and worker transitions.
//
// Records are Hive-partitioned by app/day/pool_id/record_kind and stored as
// JSONL, so a filesystem tree (or S3 prefix) from one pool run is directly
// greppable and the CLI can query it without the pool running.
//
// Writes are buffered. A flush happens when the buffered count reaches
// FlushCount, when FlushInterval elapses, or at Close. A failed flush keeps
// the buffer for the next trigger; records are dropped only if the process
// dies between triggers.
package journal

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/justapithecus/lode/lode"

	"github.com/justapithecus/kiln/log"
)

// RecordKind discriminator values. Also Hive partition values.
const (
	RecordKindRequest   = "request"
	RecordKindLifecycle = "lifecycle"
)

// Defaults for the flush triggers.
const (
	DefaultFlushCount    = 100
	DefaultFlushInterval = 5 * time.Second
)

// ErrClosed is returned by operations on a closed journal.
var ErrClosed = errors.New("journal: closed")

// Config configures a Journal.
type Config struct {
	// Dataset is the Lode dataset ID (required).
	Dataset string
	// App names the application embedding the pool. Partition key.
	App string
	// PoolID is the owning pool's identity. Partition key.
	PoolID string

	// FlushCount triggers a flush after N records accumulate
	// (default DefaultFlushCount).
	FlushCount int
	// FlushInterval triggers a flush every interval
	// (default DefaultFlushInterval).
	FlushInterval time.Duration

	// Logger is an optional logger for flush observability.
	Logger *log.Logger
}

// RequestRecord journals one completed request.
type RequestRecord struct {
	RequestID    uint32
	WorkerID     uint32
	Module       string
	Function     string
	Status       uint16
	Success      bool
	KwargsFormat string
	DurationMs   int64
	Timestamp    time.Time
}

// LifecycleRecord journals a pool or worker transition.
type LifecycleRecord struct {
	EventType string // adapter event type names
	WorkerID  *uint32
	Detail    string
	Timestamp time.Time
}

// Journal buffers records and writes them to a Lode dataset.
type Journal struct {
	dataset lode.Dataset
	config  Config
	logger  *log.Logger

	mu     sync.Mutex // guards buffer and closed
	buffer []map[string]any
	closed bool

	// flushMu serializes flushes from the count trigger, the interval
	// goroutine, and Close.
	flushMu sync.Mutex

	stop     chan struct{}
	stopOnce sync.Once
	loopDone chan struct{}
}

// New creates a Journal over the given store factory.
// Use lode.NewMemoryFactory() for testing.
func New(cfg Config, factory lode.StoreFactory) (*Journal, error) {
	if cfg.Dataset == "" {
		return nil, errors.New("journal: dataset is required")
	}
	if cfg.FlushCount <= 0 {
		cfg.FlushCount = DefaultFlushCount
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}

	ds, err := lode.NewDataset(
		lode.DatasetID(cfg.Dataset),
		factory,
		lode.WithHiveLayout("app", "day", "pool_id", "record_kind"),
		lode.WithCodec(lode.NewJSONLCodec()),
	)
	if err != nil {
		return nil, WrapInitError(err, cfg.Dataset)
	}

	j := &Journal{
		dataset:  ds,
		config:   cfg,
		logger:   cfg.Logger,
		stop:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	go j.intervalLoop()
	return j, nil
}

// NewFS creates a Journal with filesystem storage rooted at root.
func NewFS(cfg Config, root string) (*Journal, error) {
	return New(cfg, lode.NewFSFactory(root))
}

// intervalLoop flushes on a timer until Close.
func (j *Journal) intervalLoop() {
	defer close(j.loopDone)
	ticker := time.NewTicker(j.config.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := j.Flush(context.Background()); err != nil {
				j.logError("interval flush failed", err)
			}
		case <-j.stop:
			return
		}
	}
}

// RecordRequest journals one completed request. Flushes if the count
// trigger fires.
func (j *Journal) RecordRequest(ctx context.Context, r RequestRecord) error {
	return j.append(ctx, j.requestMap(r))
}

// RecordLifecycle journals a pool or worker transition. Flushes if the
// count trigger fires.
func (j *Journal) RecordLifecycle(ctx context.Context, r LifecycleRecord) error {
	return j.append(ctx, j.lifecycleMap(r))
}

func (j *Journal) append(ctx context.Context, record map[string]any) error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return ErrClosed
	}
	j.buffer = append(j.buffer, record)
	full := len(j.buffer) >= j.config.FlushCount
	j.mu.Unlock()

	if full {
		return j.Flush(ctx)
	}
	return nil
}

// Flush writes buffered records. On failure the buffer is restored and the
// error returned; the next trigger retries.
func (j *Journal) Flush(ctx context.Context) error {
	j.flushMu.Lock()
	defer j.flushMu.Unlock()

	j.mu.Lock()
	batch := j.buffer
	j.buffer = nil
	j.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	records := make([]any, len(batch))
	for i, r := range batch {
		records[i] = r
	}

	if _, err := j.dataset.Write(ctx, records, lode.Metadata{}); err != nil {
		// Put the batch back in front of anything appended meanwhile.
		j.mu.Lock()
		j.buffer = append(batch, j.buffer...)
		j.mu.Unlock()
		return WrapWriteError(err, j.config.Dataset)
	}
	return nil
}

// Pending reports the number of buffered, unflushed records.
func (j *Journal) Pending() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.buffer)
}

// Close stops the interval loop and performs a final flush.
func (j *Journal) Close(ctx context.Context) error {
	j.stopOnce.Do(func() { close(j.stop) })
	<-j.loopDone

	err := j.Flush(ctx)

	j.mu.Lock()
	j.closed = true
	j.mu.Unlock()
	return err
}

// Dataset exposes the underlying dataset for read-side queries.
func (j *Journal) Dataset() lode.Dataset {
	return j.dataset
}

func (j *Journal) requestMap(r RequestRecord) map[string]any {
	ts := r.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return map[string]any{
		"record_kind":   RecordKindRequest,
		"app":           j.config.App,
		"pool_id":       j.config.PoolID,
		"day":           ts.Format("2006-01-02"),
		"ts":            ts.Format(time.RFC3339Nano),
		"request_id":    int64(r.RequestID),
		"worker_id":     int64(r.WorkerID),
		"module":        r.Module,
		"function":      r.Function,
		"status":        int64(r.Status),
		"success":       r.Success,
		"kwargs_format": r.KwargsFormat,
		"duration_ms":   r.DurationMs,
	}
}

func (j *Journal) lifecycleMap(r LifecycleRecord) map[string]any {
	ts := r.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	m := map[string]any{
		"record_kind": RecordKindLifecycle,
		"app":         j.config.App,
		"pool_id":     j.config.PoolID,
		"day":         ts.Format("2006-01-02"),
		"ts":          ts.Format(time.RFC3339Nano),
		"event_type":  r.EventType,
		"detail":      r.Detail,
	}
	if r.WorkerID != nil {
		m["worker_id"] = int64(*r.WorkerID)
	}
	return m
}

func (j *Journal) logError(msg string, err error) {
	if j.logger == nil {
		return
	}
	j.logger.Error(msg, map[string]any{"error": err.Error()})
}

package worker

import (
	"sync/atomic"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/justapithecus/kiln/metrics"
)

// stats is the worker's execution counter set. Dispatch goroutines bump the
// counters concurrently, so everything is atomic.
type stats struct {
	requestsProcessed atomic.Int64
	requestsFailed    atomic.Int64
	wsMessagesHandled atomic.Int64
}

// snapshot freezes the counters into the shared report struct.
func (s *stats) snapshot(workerID uint32, handlersCached int) metrics.WorkerStats {
	return metrics.WorkerStats{
		WorkerID:          workerID,
		RequestsProcessed: s.requestsProcessed.Load(),
		RequestsFailed:    s.requestsFailed.Load(),
		HandlersCached:    int64(handlersCached),
		WsMessagesHandled: s.wsMessagesHandled.Load(),
	}
}

// EncodeStats serializes a stats report payload for a WorkerReport message.
func EncodeStats(ws metrics.WorkerStats) ([]byte, error) {
	return msgpack.Marshal(ws)
}

// DecodeStats deserializes a WorkerReport payload. Used by the pool side
// when absorbing final reports.
func DecodeStats(payload []byte) (metrics.WorkerStats, error) {
	var ws metrics.WorkerStats
	err := msgpack.Unmarshal(payload, &ws)
	return ws, err
}

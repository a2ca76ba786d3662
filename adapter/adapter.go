// Package adapter defines the event-bus adapter boundary.
//
// Adapters publish pool lifecycle notifications to downstream systems.
// The pool owns adapter lifecycle; users provide configuration only.
package adapter

import "context"

// Event types carried in PoolEvent.EventType.
const (
	EventPoolStarted     = "pool_started"
	EventPoolStopped     = "pool_stopped"
	EventWorkerCrashed   = "worker_crashed"
	EventWorkerRespawned = "worker_respawned"
)

// PoolEvent is the payload published on pool lifecycle transitions.
type PoolEvent struct {
	EventType string `json:"event_type"`
	PoolID    string `json:"pool_id"`
	Transport string `json:"transport"`
	PoolSize  int    `json:"pool_size"`
	Timestamp string `json:"timestamp"` // ISO 8601

	// WorkerID is set for worker-scoped events.
	WorkerID *uint32 `json:"worker_id,omitempty"`
	// ExitCode is set for worker_crashed when the process exit code is known.
	ExitCode *int `json:"exit_code,omitempty"`

	// Final counters, set on pool_stopped.
	RequestsSubmitted int64 `json:"requests_submitted,omitempty"`
	ResponsesReceived int64 `json:"responses_received,omitempty"`
	RequestsFailed    int64 `json:"requests_failed,omitempty"`
	DurationMs        int64 `json:"duration_ms,omitempty"`
}

// Adapter publishes pool lifecycle events to a downstream system.
// Implementations must be safe for concurrent use.
type Adapter interface {
	// Publish sends a pool event to the downstream system.
	// Must respect context cancellation and deadlines.
	Publish(ctx context.Context, event *PoolEvent) error

	// Close releases adapter resources.
	Close() error
}

// Package reader provides the read-side data access layer for the kiln CLI.
//
// Read-only commands (stats, inspect) go through this package instead of
// touching the journal dataset directly, so parsing and filtering live in
// one place.
package reader

// RequestRow is one journaled request invocation.
type RequestRow struct {
	RequestID    int64  `json:"request_id"`
	WorkerID     int64  `json:"worker_id"`
	Module       string `json:"module"`
	Function     string `json:"function"`
	Status       int64  `json:"status"`
	Success      bool   `json:"success"`
	KwargsFormat string `json:"kwargs_format"`
	DurationMs   int64  `json:"duration_ms"`
	Timestamp    string `json:"ts"`
}

// LifecycleRow is one journaled pool lifecycle event.
type LifecycleRow struct {
	EventType string `json:"event_type"`
	WorkerID  *int64 `json:"worker_id,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Timestamp string `json:"ts"`
}

// RequestsSummary aggregates request rows for one pool.
type RequestsSummary struct {
	PoolID    string           `json:"pool_id"`
	Total     int              `json:"total"`
	Succeeded int              `json:"succeeded"`
	Failed    int              `json:"failed"`
	ByModule  map[string]int64 `json:"by_module"`
}

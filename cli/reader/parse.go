package reader

import "errors"

// ParseRequestRecord converts a journal record (map[string]any) to a
// RequestRow. Handles both int64 (direct writes) and float64 (JSON
// round-trips) for numeric fields.
func ParseRequestRecord(record map[string]any) (*RequestRow, error) {
	if record == nil {
		return nil, errors.New("nil record")
	}

	row := &RequestRow{
		RequestID:    toInt64(record["request_id"]),
		WorkerID:     toInt64(record["worker_id"]),
		Module:       toString(record["module"]),
		Function:     toString(record["function"]),
		Status:       toInt64(record["status"]),
		Success:      toBool(record["success"]),
		KwargsFormat: toString(record["kwargs_format"]),
		DurationMs:   toInt64(record["duration_ms"]),
		Timestamp:    toString(record["ts"]),
	}

	// The write path always populates these; missing values indicate
	// data corruption or a malformed record.
	if row.Timestamp == "" {
		return nil, errors.New("request record missing required field: ts")
	}
	if row.Module == "" {
		return nil, errors.New("request record missing required field: module")
	}

	return row, nil
}

// ParseLifecycleRecord converts a journal record to a LifecycleRow.
func ParseLifecycleRecord(record map[string]any) (*LifecycleRow, error) {
	if record == nil {
		return nil, errors.New("nil record")
	}

	row := &LifecycleRow{
		EventType: toString(record["event_type"]),
		Detail:    toString(record["detail"]),
		Timestamp: toString(record["ts"]),
	}
	if v, ok := record["worker_id"]; ok && v != nil {
		id := toInt64(v)
		row.WorkerID = &id
	}

	if row.EventType == "" {
		return nil, errors.New("lifecycle record missing required field: event_type")
	}
	if row.Timestamp == "" {
		return nil, errors.New("lifecycle record missing required field: ts")
	}

	return row, nil
}

// toInt64 converts a value to int64, handling float64 from JSON and int64
// from direct writes.
func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	case int:
		return int64(n)
	default:
		return 0
	}
}

// toString converts a value to string, returning empty string for nil/non-string.
func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func toBool(v any) bool {
	b, _ := v.(bool)
	return b
}

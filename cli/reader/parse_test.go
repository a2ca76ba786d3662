package reader

import "testing"

func TestParseRequestRecord(t *testing.T) {
	// Numeric fields arrive as float64 after a JSON round-trip.
	record := map[string]any{
		"request_id":    float64(42),
		"worker_id":     int64(2),
		"module":        "orders",
		"function":      "create",
		"status":        float64(200),
		"success":       true,
		"kwargs_format": "tlv",
		"duration_ms":   float64(17),
		"ts":            "2026-08-24T12:00:00Z",
	}

	row, err := ParseRequestRecord(record)
	if err != nil {
		t.Fatalf("ParseRequestRecord failed: %v", err)
	}
	if row.RequestID != 42 || row.WorkerID != 2 {
		t.Errorf("ids = %d/%d, want 42/2", row.RequestID, row.WorkerID)
	}
	if row.Module != "orders" || row.Function != "create" {
		t.Errorf("handler = %s.%s, want orders.create", row.Module, row.Function)
	}
	if row.Status != 200 || !row.Success {
		t.Errorf("status = %d success=%v", row.Status, row.Success)
	}
	if row.DurationMs != 17 {
		t.Errorf("DurationMs = %d, want 17", row.DurationMs)
	}
}

func TestParseRequestRecordMissingFields(t *testing.T) {
	if _, err := ParseRequestRecord(nil); err == nil {
		t.Error("nil record accepted")
	}
	if _, err := ParseRequestRecord(map[string]any{"module": "orders"}); err == nil {
		t.Error("record without ts accepted")
	}
	if _, err := ParseRequestRecord(map[string]any{"ts": "2026-08-24T12:00:00Z"}); err == nil {
		t.Error("record without module accepted")
	}
}

func TestParseLifecycleRecord(t *testing.T) {
	record := map[string]any{
		"event_type": "worker_respawned",
		"worker_id":  float64(3),
		"detail":     "",
		"ts":         "2026-08-24T12:00:00Z",
	}

	row, err := ParseLifecycleRecord(record)
	if err != nil {
		t.Fatalf("ParseLifecycleRecord failed: %v", err)
	}
	if row.EventType != "worker_respawned" {
		t.Errorf("EventType = %q", row.EventType)
	}
	if row.WorkerID == nil || *row.WorkerID != 3 {
		t.Errorf("WorkerID = %v, want 3", row.WorkerID)
	}
}

func TestParseLifecycleRecordNoWorker(t *testing.T) {
	record := map[string]any{
		"event_type": "pool_started",
		"ts":         "2026-08-24T12:00:00Z",
	}

	row, err := ParseLifecycleRecord(record)
	if err != nil {
		t.Fatalf("ParseLifecycleRecord failed: %v", err)
	}
	if row.WorkerID != nil {
		t.Errorf("WorkerID = %v, want nil", row.WorkerID)
	}
}

func TestParseLifecycleRecordMissingFields(t *testing.T) {
	if _, err := ParseLifecycleRecord(map[string]any{"ts": "x"}); err == nil {
		t.Error("record without event_type accepted")
	}
	if _, err := ParseLifecycleRecord(map[string]any{"event_type": "pool_started"}); err == nil {
		t.Error("record without ts accepted")
	}
}

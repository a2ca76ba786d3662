package reader

import (
	"context"
	"testing"
	"time"

	"github.com/justapithecus/lode/lode"

	"github.com/justapithecus/kiln/journal"
)

func seededReader(t *testing.T) *Reader {
	t.Helper()
	ctx := context.Background()
	j, err := journal.New(journal.Config{
		Dataset: "kiln-journal",
		App:     "shop",
		PoolID:  "pool-001",
	}, lode.NewMemoryFactory())
	if err != nil {
		t.Fatalf("journal.New failed: %v", err)
	}

	ts := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	for i, spec := range []struct {
		module  string
		success bool
	}{
		{"orders", true},
		{"orders", true},
		{"billing", false},
	} {
		err := j.RecordRequest(ctx, journal.RequestRecord{
			RequestID:    uint32(i + 1),
			Module:       spec.module,
			Function:     "handle",
			Status:       200,
			Success:      spec.success,
			KwargsFormat: "tlv",
			DurationMs:   7,
			Timestamp:    ts,
		})
		if err != nil {
			t.Fatalf("RecordRequest failed: %v", err)
		}
	}

	wid := uint32(1)
	if err := j.RecordLifecycle(ctx, journal.LifecycleRecord{
		EventType: "worker_crashed",
		WorkerID:  &wid,
		Detail:    "exit code 1",
		Timestamp: ts,
	}); err != nil {
		t.Fatalf("RecordLifecycle failed: %v", err)
	}

	if err := j.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	return New(j.Dataset())
}

func TestRequests(t *testing.T) {
	r := seededReader(t)

	rows, err := r.Requests(context.Background(), Filter{PoolID: "pool-001"})
	if err != nil {
		t.Fatalf("Requests failed: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want 3", len(rows))
	}
	if rows[0].Module == "" || rows[0].Timestamp == "" {
		t.Errorf("row missing fields: %+v", rows[0])
	}
}

func TestRequestsNoMatch(t *testing.T) {
	r := seededReader(t)

	_, err := r.Requests(context.Background(), Filter{PoolID: "other-pool"})
	if !IsNoRecords(err) {
		t.Errorf("err = %v, want no-records", err)
	}
}

func TestLifecycle(t *testing.T) {
	r := seededReader(t)

	rows, err := r.Lifecycle(context.Background(), Filter{})
	if err != nil {
		t.Fatalf("Lifecycle failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	if rows[0].EventType != "worker_crashed" {
		t.Errorf("EventType = %q, want worker_crashed", rows[0].EventType)
	}
	if rows[0].WorkerID == nil || *rows[0].WorkerID != 1 {
		t.Errorf("WorkerID = %v, want 1", rows[0].WorkerID)
	}
}

func TestSummary(t *testing.T) {
	r := seededReader(t)

	summary, err := r.Summary(context.Background(), "pool-001")
	if err != nil {
		t.Fatalf("Summary failed: %v", err)
	}
	if summary.Total != 3 || summary.Succeeded != 2 || summary.Failed != 1 {
		t.Errorf("summary = %+v", summary)
	}
	if summary.ByModule["orders"] != 2 || summary.ByModule["billing"] != 1 {
		t.Errorf("ByModule = %v", summary.ByModule)
	}
}

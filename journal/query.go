package journal

import (
	"context"
	"errors"
	"strings"

	"github.com/justapithecus/lode/lode"
)

// ErrNoRecordsFound is returned when a query matches nothing.
var ErrNoRecordsFound = errors.New("journal: no records found")

// NewReadDataset creates a Lode Dataset for reading.
// Uses the same codec and layout as the write path to ensure compatibility.
func NewReadDataset(dataset string, factory lode.StoreFactory) (lode.Dataset, error) {
	return lode.NewDataset(
		lode.DatasetID(dataset),
		factory,
		lode.WithHiveLayout("app", "day", "pool_id", "record_kind"),
		lode.WithCodec(lode.NewJSONLCodec()),
	)
}

// NewReadDatasetFS creates a read Dataset with filesystem storage.
func NewReadDatasetFS(dataset, rootPath string) (lode.Dataset, error) {
	return NewReadDataset(dataset, lode.NewFSFactory(rootPath))
}

// Query filters journal records. Empty fields match everything.
type Query struct {
	PoolID     string
	RecordKind string
	Day        string
}

// QueryRecords reads every record matching q, newest snapshot first.
// Snapshot manifest paths are a coarse pre-filter; record fields are
// authoritative.
func QueryRecords(ctx context.Context, ds lode.Dataset, q Query) ([]map[string]any, error) {
	snapshots, err := ds.Snapshots(ctx)
	if err != nil {
		return nil, WrapReadError(err, "journal/snapshots")
	}

	var out []map[string]any
	for i := len(snapshots) - 1; i >= 0; i-- {
		snap := snapshots[i]
		if !snapshotMatchesFilter(snap, "pool_id", q.PoolID) ||
			!snapshotMatchesFilter(snap, "record_kind", q.RecordKind) ||
			!snapshotMatchesFilter(snap, "day", q.Day) {
			continue
		}

		data, err := ds.Read(ctx, snap.ID)
		if err != nil {
			return nil, WrapReadError(err, "journal/snapshot/"+string(snap.ID))
		}
		for _, item := range data {
			record, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if !recordMatches(record, "pool_id", q.PoolID) ||
				!recordMatches(record, "record_kind", q.RecordKind) ||
				!recordMatches(record, "day", q.Day) {
				continue
			}
			out = append(out, record)
		}
	}

	if len(out) == 0 {
		return nil, ErrNoRecordsFound
	}
	return out, nil
}

// QueryRequestSummary aggregates request records for one pool.
type RequestSummary struct {
	Total     int
	Succeeded int
	Failed    int
	ByModule  map[string]int
}

// SummarizeRequests folds the pool's request records into counts.
func SummarizeRequests(ctx context.Context, ds lode.Dataset, poolID string) (*RequestSummary, error) {
	records, err := QueryRecords(ctx, ds, Query{PoolID: poolID, RecordKind: RecordKindRequest})
	if err != nil {
		return nil, err
	}

	summary := &RequestSummary{ByModule: make(map[string]int)}
	for _, r := range records {
		summary.Total++
		if success, _ := r["success"].(bool); success {
			summary.Succeeded++
		} else {
			summary.Failed++
		}
		if module := toString(r["module"]); module != "" {
			summary.ByModule[module]++
		}
	}
	return summary, nil
}

func recordMatches(record map[string]any, key, value string) bool {
	if value == "" {
		return true
	}
	return toString(record[key]) == value
}

// snapshotMatchesFilter checks if a snapshot's file paths match
// the given partition key=value filter.
func snapshotMatchesFilter(snap *lode.DatasetSnapshot, key, value string) bool {
	if value == "" {
		return true
	}
	for _, f := range snap.Manifest.Files {
		if matchesPartitionValue(f.Path, key, value) {
			return true
		}
	}
	return false
}

// matchesPartitionValue checks if a Hive-partitioned path contains an exact
// key=value segment. Segments are delimited by "/" in paths. This avoids
// substring false positives (e.g., pool_id=pool-1 matching pool_id=pool-10).
func matchesPartitionValue(path, key, value string) bool {
	segment := key + "=" + value
	for _, part := range strings.Split(path, "/") {
		if part == segment {
			return true
		}
	}
	return false
}

// toString converts a value to string, returning empty string for nil/non-string.
func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

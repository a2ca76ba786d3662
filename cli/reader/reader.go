package reader

import (
	"context"
	"errors"

	"github.com/justapithecus/lode/lode"

	"github.com/justapithecus/kiln/journal"
)

// Reader reads journal records from a Lode dataset.
type Reader struct {
	ds lode.Dataset
}

// New wraps a read dataset built by journal.NewReadDatasetFS or
// journal.NewReadDatasetS3.
func New(ds lode.Dataset) *Reader {
	return &Reader{ds: ds}
}

// Filter narrows reads by partition values. Empty fields match everything.
type Filter struct {
	PoolID string
	Day    string
}

// Requests returns parsed request rows matching the filter, newest
// snapshot first. Malformed records are skipped, not fatal.
func (r *Reader) Requests(ctx context.Context, f Filter) ([]RequestRow, error) {
	records, err := journal.QueryRecords(ctx, r.ds, journal.Query{
		PoolID:     f.PoolID,
		RecordKind: journal.RecordKindRequest,
		Day:        f.Day,
	})
	if err != nil {
		return nil, err
	}

	rows := make([]RequestRow, 0, len(records))
	for _, record := range records {
		row, err := ParseRequestRecord(record)
		if err != nil {
			continue
		}
		rows = append(rows, *row)
	}
	if len(rows) == 0 {
		return nil, journal.ErrNoRecordsFound
	}
	return rows, nil
}

// Lifecycle returns parsed lifecycle rows matching the filter.
func (r *Reader) Lifecycle(ctx context.Context, f Filter) ([]LifecycleRow, error) {
	records, err := journal.QueryRecords(ctx, r.ds, journal.Query{
		PoolID:     f.PoolID,
		RecordKind: journal.RecordKindLifecycle,
		Day:        f.Day,
	})
	if err != nil {
		return nil, err
	}

	rows := make([]LifecycleRow, 0, len(records))
	for _, record := range records {
		row, err := ParseLifecycleRecord(record)
		if err != nil {
			continue
		}
		rows = append(rows, *row)
	}
	if len(rows) == 0 {
		return nil, journal.ErrNoRecordsFound
	}
	return rows, nil
}

// Summary aggregates request rows for one pool.
func (r *Reader) Summary(ctx context.Context, poolID string) (*RequestsSummary, error) {
	rows, err := r.Requests(ctx, Filter{PoolID: poolID})
	if err != nil {
		return nil, err
	}

	summary := &RequestsSummary{PoolID: poolID, ByModule: make(map[string]int64)}
	for _, row := range rows {
		summary.Total++
		if row.Success {
			summary.Succeeded++
		} else {
			summary.Failed++
		}
		summary.ByModule[row.Module]++
	}
	return summary, nil
}

// IsNoRecords reports whether err means the query matched nothing.
func IsNoRecords(err error) bool {
	return errors.Is(err, journal.ErrNoRecordsFound)
}

package retention

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/cgtelemetry/cg-ingest/internal/clock"
	"github.com/cgtelemetry/cg-ingest/internal/storage"
)

// fakeStore implements storage.Port against in-memory rows, keyed by
// table name, with only DeleteOlderThan exercising real semantics — the
// sweeper is the only consumer of that method.
type fakeStore struct {
	storage.Port
	rows map[string][]time.Time
}

func (f *fakeStore) DeleteOlderThan(_ context.Context, table, _ string, cutoff time.Time, batchSize int) (int64, error) {
	rows := f.rows[table]
	var kept []time.Time
	deleted := int64(0)
	for _, ts := range rows {
		if ts.Before(cutoff) && deleted < int64(batchSize) {
			deleted++
			continue
		}
		kept = append(kept, ts)
	}
	f.rows[table] = kept
	return deleted, nil
}

func TestSweeper_S6Retention(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := clock.NewFixed(now)

	var old []time.Time
	for i := 0; i < 100; i++ {
		old = append(old, now.Add(-100*24*time.Hour))
	}
	var recent []time.Time
	for i := 0; i < 50; i++ {
		recent = append(recent, now.Add(-10*24*time.Hour))
	}
	rows := append(append([]time.Time{}, old...), recent...)

	store := &fakeStore{rows: map[string][]time.Time{"events": rows}}

	sweeper := New(store, c, []Horizon{{Table: "events", Column: "created_at", MaxAge: 90 * 24 * time.Hour}},
		40, 1000, 3600, zap.NewNop())

	if err := sweeper.RunOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := len(store.rows["events"]); got != 50 {
		t.Fatalf("expected 50 rows remaining, got %d", got)
	}
}

func TestSweeper_CapsAtMaxBatchesPerCycle(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := clock.NewFixed(now)

	var old []time.Time
	for i := 0; i < 1000; i++ {
		old = append(old, now.Add(-100*24*time.Hour))
	}
	store := &fakeStore{rows: map[string][]time.Time{"history": old}}

	sweeper := New(store, c, []Horizon{{Table: "history", Column: "received_at", MaxAge: 30 * 24 * time.Hour}},
		10, 5, 3600, zap.NewNop())

	if err := sweeper.RunOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// 5 batches * 10 per batch = 50 deleted, 950 remain.
	if got := len(store.rows["history"]); got != 950 {
		t.Fatalf("expected 950 rows remaining after capped sweep, got %d", got)
	}
}

func TestSweeper_PreservesRowsNewerThanHorizon(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := clock.NewFixed(now)

	rows := []time.Time{now.Add(-1 * time.Hour), now.Add(-200 * time.Hour)}
	store := &fakeStore{rows: map[string][]time.Time{"gps_raw_history": rows}}

	sweeper := New(store, c, []Horizon{{Table: "gps_raw_history", Column: "received_at", MaxAge: 72 * time.Hour}},
		100, 1000, 3600, zap.NewNop())

	if err := sweeper.RunOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := len(store.rows["gps_raw_history"]); got != 1 {
		t.Fatalf("expected 1 row preserved, got %d", got)
	}
}

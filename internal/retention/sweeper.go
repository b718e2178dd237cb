// Package retention implements the periodic retention sweeper: bounded
// batched deletes against the three configured horizons.
package retention

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cgtelemetry/cg-ingest/internal/clock"
	"github.com/cgtelemetry/cg-ingest/internal/metrics"
	"github.com/cgtelemetry/cg-ingest/internal/storage"
)

// Horizon names one table/column/age triple the sweeper ages out.
type Horizon struct {
	Table  string
	Column string
	MaxAge time.Duration
}

type Sweeper struct {
	store              storage.Port
	clock              clock.Clock
	logger             *zap.Logger
	horizons           []Horizon
	batchSize          int
	maxBatchesPerCycle int
	intervalSec        int
}

func New(store storage.Port, c clock.Clock, horizons []Horizon, batchSize, maxBatchesPerCycle, intervalSec int, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		store:              store,
		clock:              c,
		logger:             logger,
		horizons:           horizons,
		batchSize:          batchSize,
		maxBatchesPerCycle: maxBatchesPerCycle,
		intervalSec:        intervalSec,
	}
}

// DefaultHorizons builds the three horizons named in the retention
// sweeper component, never touching latest_state or gps_latest_filtered.
func DefaultHorizons(gpsRawHours, historyDays, eventsDays int) []Horizon {
	return []Horizon{
		{Table: "gps_raw_history", Column: "received_at", MaxAge: time.Duration(gpsRawHours) * time.Hour},
		{Table: "history", Column: "received_at", MaxAge: time.Duration(historyDays) * 24 * time.Hour},
		{Table: "events", Column: "created_at", MaxAge: time.Duration(eventsDays) * 24 * time.Hour},
	}
}

// Run blocks, running one sweep every intervalSec, until ctx is
// cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(s.intervalSec) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error("retention sweep failed", zap.Error(err))
			}
		}
	}
}

// RunOnce executes a single cleanup pass across every configured
// horizon, returning the first error encountered.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	now := s.clock.Now()
	for _, h := range s.horizons {
		if err := s.sweepHorizon(ctx, h, now); err != nil {
			return fmt.Errorf("sweeping %s: %w", h.Table, err)
		}
	}
	return nil
}

func (s *Sweeper) sweepHorizon(ctx context.Context, h Horizon, now time.Time) error {
	cutoff := now.Add(-h.MaxAge)
	batches := 0
	totalDeleted := int64(0)

	for batches < s.maxBatchesPerCycle {
		deleted, err := s.store.DeleteOlderThan(ctx, h.Table, h.Column, cutoff, s.batchSize)
		if err != nil {
			return err
		}
		batches++
		totalDeleted += deleted
		metrics.RetentionBatchesTotal.WithLabelValues(h.Table).Inc()
		if deleted == 0 {
			break
		}
	}

	if batches >= s.maxBatchesPerCycle {
		s.logger.Warn("retention sweep hit max_batches_per_cycle, horizon not fully swept this cycle",
			zap.String("table", h.Table), zap.Int("batches", batches), zap.Int64("deleted", totalDeleted))
	} else if totalDeleted > 0 {
		s.logger.Info("retention sweep deleted rows",
			zap.String("table", h.Table), zap.Int64("deleted", totalDeleted), zap.Int("batches", batches))
	}
	return nil
}

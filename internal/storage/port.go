package storage

import (
	"context"
	"time"
)

// Port is the abstract persistence boundary described by the ingestion
// decision pipeline. Implementations must map retryable I/O faults to
// TransientError and schema/constraint violations to FatalError — the
// decision subsystems themselves never see a database type.
type Port interface {
	UpsertObject(ctx context.Context, routerSN string, now time.Time) error
	UpsertEquipment(ctx context.Context, routerSN, equipType, panelID string, now time.Time) error

	LoadCatalog(ctx context.Context) (map[CatalogKey]CatalogEntry, error)

	InsertGPSRaw(ctx context.Context, rec GPSRawRecord) (int64, error)
	UpsertGPSLatest(ctx context.Context, fix GPSFix) error
	LoadGPSLatestAll(ctx context.Context) (map[string]GPSFix, error)

	UpsertLatestState(ctx context.Context, sample RegisterSample) error
	LoadLatestStateAll(ctx context.Context) (map[RegisterKey]RegisterSample, error)
	InsertHistory(ctx context.Context, sample RegisterSample, reason WriteReason) error

	InsertEvent(ctx context.Context, ev Event) error

	// DeleteOlderThan deletes up to batchSize rows of table where column <
	// cutoff, returning the number actually deleted. Idempotent: calling
	// again with nothing left to delete returns 0, nil.
	DeleteOlderThan(ctx context.Context, table, column string, cutoff time.Time, batchSize int) (int64, error)

	Ping(ctx context.Context) error
	Close()
}

// CatalogKey is the register catalog's natural key.
type CatalogKey struct {
	EquipType string
	Addr      int
}

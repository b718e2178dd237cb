package pg

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/cgtelemetry/cg-ingest/internal/metrics"
	"github.com/cgtelemetry/cg-ingest/internal/storage"
)

var zstdEncoder *zstd.Encoder

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil)
	if err != nil {
		panic(fmt.Sprintf("pg: zstd encoder init: %v", err))
	}
}

// Store implements storage.Port over a pgx connection pool. Each operation
// is a single statement on the pool (no explicit transaction); only
// DeleteOlderThan records metrics.DBWriteDuration.
type Store struct {
	pool             *pgxpool.Pool
	logger           *zap.Logger
	compressPayloads bool
}

func NewStore(pool *pgxpool.Pool, logger *zap.Logger, compressPayloads bool) *Store {
	return &Store{pool: pool, logger: logger, compressPayloads: compressPayloads}
}

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }
func (s *Store) Close()                         { s.pool.Close() }

func (s *Store) UpsertObject(ctx context.Context, routerSN string, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO objects (router_sn, first_seen_at, last_seen_at)
		VALUES ($1, $2, $2)
		ON CONFLICT (router_sn) DO UPDATE SET last_seen_at = $2`,
		routerSN, now,
	)
	if err != nil {
		return storage.Classify("upsert_object", err)
	}
	return nil
}

func (s *Store) UpsertEquipment(ctx context.Context, routerSN, equipType, panelID string, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO equipment (router_sn, equip_type, panel_id, first_seen_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (router_sn, equip_type, panel_id) DO UPDATE SET last_seen_at = $4`,
		routerSN, equipType, panelID, now,
	)
	if err != nil {
		return storage.Classify("upsert_equipment", err)
	}
	return nil
}

func (s *Store) LoadCatalog(ctx context.Context) (map[storage.CatalogKey]storage.CatalogEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT equip_type, addr, name_default, unit_default, value_kind,
		       tolerance, min_interval_sec, heartbeat_sec, store_history
		FROM register_catalog`)
	if err != nil {
		return nil, storage.Classify("load_catalog", err)
	}
	defer rows.Close()

	out := make(map[storage.CatalogKey]storage.CatalogEntry)
	for rows.Next() {
		var e storage.CatalogEntry
		var kind string
		if err := rows.Scan(&e.EquipType, &e.Addr, &e.NameDefault, &e.UnitDefault, &kind,
			&e.Tolerance, &e.MinIntervalSec, &e.HeartbeatSec, &e.StoreHistory); err != nil {
			return nil, storage.Classify("load_catalog_scan", err)
		}
		e.ValueKind = storage.ValueKind(kind)
		out[storage.CatalogKey{EquipType: e.EquipType, Addr: e.Addr}] = e
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Classify("load_catalog_iter", err)
	}
	return out, nil
}

func (s *Store) InsertGPSRaw(ctx context.Context, rec storage.GPSRawRecord) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO gps_raw_history
			(router_sn, gps_time, received_at, lat, lon, satellites, fix_status, accepted, reject_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		rec.RouterSN, rec.GPSTime, rec.ReceivedAt, rec.Lat, rec.Lon,
		rec.Satellites, rec.FixStatus, rec.Accepted, nilIfEmptyReason(rec.RejectReason),
	).Scan(&id)
	if err != nil {
		return 0, storage.Classify("insert_gps_raw", err)
	}
	return id, nil
}

func (s *Store) UpsertGPSLatest(ctx context.Context, fix storage.GPSFix) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO gps_latest_filtered (router_sn, gps_time, received_at, lat, lon, satellites, fix_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (router_sn) DO UPDATE SET
			gps_time = EXCLUDED.gps_time, received_at = EXCLUDED.received_at,
			lat = EXCLUDED.lat, lon = EXCLUDED.lon,
			satellites = EXCLUDED.satellites, fix_status = EXCLUDED.fix_status`,
		fix.RouterSN, fix.GPSTime, fix.ReceivedAt, fix.Lat, fix.Lon, fix.Satellites, fix.FixStatus,
	)
	if err != nil {
		return storage.Classify("upsert_gps_latest", err)
	}
	return nil
}

func (s *Store) LoadGPSLatestAll(ctx context.Context) (map[string]storage.GPSFix, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT router_sn, gps_time, received_at, lat, lon, satellites, fix_status
		FROM gps_latest_filtered`)
	if err != nil {
		return nil, storage.Classify("load_gps_latest_all", err)
	}
	defer rows.Close()

	out := make(map[string]storage.GPSFix)
	for rows.Next() {
		var f storage.GPSFix
		if err := rows.Scan(&f.RouterSN, &f.GPSTime, &f.ReceivedAt, &f.Lat, &f.Lon, &f.Satellites, &f.FixStatus); err != nil {
			return nil, storage.Classify("load_gps_latest_all_scan", err)
		}
		out[f.RouterSN] = f
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Classify("load_gps_latest_all_iter", err)
	}
	return out, nil
}

func (s *Store) UpsertLatestState(ctx context.Context, sample storage.RegisterSample) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO latest_state (router_sn, equip_type, panel_id, addr, ts, value, raw, text, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (router_sn, equip_type, panel_id, addr) DO UPDATE SET
			ts = EXCLUDED.ts, value = EXCLUDED.value, raw = EXCLUDED.raw,
			text = EXCLUDED.text, reason = EXCLUDED.reason`,
		sample.Key.RouterSN, sample.Key.EquipType, sample.Key.PanelID, sample.Key.Addr,
		sample.TS, sample.Value, sample.Raw, sample.Text, sample.Reason,
	)
	if err != nil {
		return storage.Classify("upsert_latest_state", err)
	}
	return nil
}

func (s *Store) LoadLatestStateAll(ctx context.Context) (map[storage.RegisterKey]storage.RegisterSample, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT router_sn, equip_type, panel_id, addr, ts, value, raw, text, reason
		FROM latest_state`)
	if err != nil {
		return nil, storage.Classify("load_latest_state_all", err)
	}
	defer rows.Close()

	out := make(map[storage.RegisterKey]storage.RegisterSample)
	for rows.Next() {
		var sm storage.RegisterSample
		if err := rows.Scan(&sm.Key.RouterSN, &sm.Key.EquipType, &sm.Key.PanelID, &sm.Key.Addr,
			&sm.TS, &sm.Value, &sm.Raw, &sm.Text, &sm.Reason); err != nil {
			return nil, storage.Classify("load_latest_state_all_scan", err)
		}
		out[sm.Key] = sm
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Classify("load_latest_state_all_iter", err)
	}
	return out, nil
}

// InsertHistory appends a history row. Called only after UpsertLatestState
// has already been issued for the same sample so a crash never leaves a
// history row without its latest_state counterpart out of order — the
// caller (router) always upserts latest_state first within the same
// request, matching the persistence contract in the external interfaces
// section.
func (s *Store) InsertHistory(ctx context.Context, sample storage.RegisterSample, reason storage.WriteReason) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO history (router_sn, equip_type, panel_id, addr, ts, value, raw, text, reason, write_reason, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())`,
		sample.Key.RouterSN, sample.Key.EquipType, sample.Key.PanelID, sample.Key.Addr,
		sample.TS, sample.Value, sample.Raw, sample.Text, sample.Reason, string(reason),
	)
	if err != nil {
		return storage.Classify("insert_history", err)
	}
	return nil
}

func (s *Store) InsertEvent(ctx context.Context, ev storage.Event) error {
	var payload []byte
	compressed := false
	if ev.Payload != nil {
		var err error
		payload, err = json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
		if s.compressPayloads {
			payload = zstdEncoder.EncodeAll(payload, nil)
			compressed = true
		}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO events (router_sn, equip_type, panel_id, type, description, payload, payload_compressed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())`,
		ev.RouterSN, nilIfEmptyStr(ev.EquipType), nilIfEmptyStr(ev.PanelID),
		string(ev.Type), ev.Description, payload, compressed,
	)
	if err != nil {
		return storage.Classify("insert_event", err)
	}
	return nil
}

// DeleteOlderThan deletes at most batchSize rows in a single statement,
// bounding transaction size the way the teacher bounds batch inserts.
// table/column are never taken from user input — callers pass one of the
// fixed identifiers from retention.DefaultHorizons.
func (s *Store) DeleteOlderThan(ctx context.Context, table, column string, cutoff time.Time, batchSize int) (int64, error) {
	safeTable := pgx.Identifier{table}.Sanitize()
	safeColumn := pgx.Identifier{column}.Sanitize()

	sql := fmt.Sprintf(`
		DELETE FROM %s WHERE ctid IN (
			SELECT ctid FROM %s WHERE %s < $1 LIMIT $2
		)`, safeTable, safeTable, safeColumn)

	start := time.Now()
	tag, err := s.pool.Exec(ctx, sql, cutoff, batchSize)
	if err != nil {
		return 0, storage.Classify("delete_older_than", err)
	}
	dur := time.Since(start).Seconds()
	metrics.DBWriteDuration.WithLabelValues("retention", table).Observe(dur)
	deleted := tag.RowsAffected()
	metrics.DBRowsAffectedTotal.WithLabelValues("retention", table, "delete").Add(float64(deleted))
	return deleted, nil
}

func nilIfEmptyStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nilIfEmptyReason(r storage.RejectReason) any {
	if r == "" {
		return nil
	}
	return string(r)
}

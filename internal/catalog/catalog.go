// Package catalog serves the per-register policy (tolerance, min_interval,
// heartbeat, store_history) without round-tripping to the persistence
// port on every message.
package catalog

import (
	"context"
	"sync"

	"github.com/cgtelemetry/cg-ingest/internal/config"
	"github.com/cgtelemetry/cg-ingest/internal/storage"
)

// Unknown is returned for a register absent from the catalog. store_history
// is false, so the history policy never writes history for it, per the
// data model's "missing entry" rule.
var Unknown = storage.CatalogEntry{StoreHistory: false}

// Loader loads the full catalog from the persistence port.
type Loader interface {
	LoadCatalog(ctx context.Context) (map[storage.CatalogKey]storage.CatalogEntry, error)
}

// Cache is a thread-safe, eagerly-loaded read cache. Refresh is never
// automatic — only an explicit call (e.g. in response to an operator
// signal) reloads it, and refreshes are serialised against each other.
//
// Every loaded entry is also run through the configured history-policy
// defaults: a row that leaves tolerance/min_interval_sec/heartbeat_sec at
// their DB default of 0 (an operator didn't set them) picks up the
// configured default instead, and an address listed under kpi_addrs gets
// kpi_heartbeat_sec whenever that's shorter than what the row already has.
type Cache struct {
	loader Loader
	policy config.HistoryPolicyConfig

	mu      sync.RWMutex
	entries map[storage.CatalogKey]storage.CatalogEntry

	refreshMu sync.Mutex
}

func New(loader Loader, policy config.HistoryPolicyConfig) *Cache {
	return &Cache{loader: loader, policy: policy, entries: make(map[storage.CatalogKey]storage.CatalogEntry)}
}

// Load performs the initial eager load at startup.
func (c *Cache) Load(ctx context.Context) error {
	return c.Refresh(ctx)
}

// Refresh reloads the catalog from the persistence port. Concurrent
// refreshes are serialised; readers never block behind a refresh for
// longer than the swap itself.
func (c *Cache) Refresh(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	fresh, err := c.loader.LoadCatalog(ctx)
	if err != nil {
		return err
	}
	c.applyPolicyDefaults(fresh)

	c.mu.Lock()
	c.entries = fresh
	c.mu.Unlock()
	return nil
}

// applyPolicyDefaults fills in the configured history-policy defaults and
// KPI heartbeat override in place, for every entry that leaves it to us.
func (c *Cache) applyPolicyDefaults(entries map[storage.CatalogKey]storage.CatalogEntry) {
	kpi := make(map[int]bool, len(c.policy.KPIAddrs))
	for _, addr := range c.policy.KPIAddrs {
		kpi[addr] = true
	}

	for key, entry := range entries {
		if entry.Tolerance == 0 {
			entry.Tolerance = c.policy.DefaultTolerance
		}
		if entry.MinIntervalSec == 0 {
			entry.MinIntervalSec = c.policy.DefaultMinIntervalSec
		}
		if entry.HeartbeatSec == 0 {
			entry.HeartbeatSec = c.policy.DefaultHeartbeatSec
		}
		if kpi[key.Addr] && c.policy.KPIHeartbeatSec > 0 &&
			(entry.HeartbeatSec == 0 || c.policy.KPIHeartbeatSec < entry.HeartbeatSec) {
			entry.HeartbeatSec = c.policy.KPIHeartbeatSec
		}
		entries[key] = entry
	}
}

// Lookup returns the catalog entry for (equipType, addr), or Unknown (with
// ok=false) if the register is not in the catalog.
func (c *Cache) Lookup(equipType string, addr int) (storage.CatalogEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[storage.CatalogKey{EquipType: equipType, Addr: addr}]
	if !ok {
		return Unknown, false
	}
	return e, true
}

// Len reports the number of loaded catalog entries, mostly for health/debug.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Snapshot returns a copy of the currently loaded entries as a flat slice,
// for the debug dump served by the HTTP API (map keys aren't valid JSON
// object keys here, so the natural key fields stay on CatalogEntry itself).
func (c *Cache) Snapshot() []storage.CatalogEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]storage.CatalogEntry, 0, len(c.entries))
	for _, v := range c.entries {
		out = append(out, v)
	}
	return out
}

package catalog

import (
	"context"
	"errors"
	"testing"

	"github.com/cgtelemetry/cg-ingest/internal/config"
	"github.com/cgtelemetry/cg-ingest/internal/storage"
)

type fakeLoader struct {
	entries map[storage.CatalogKey]storage.CatalogEntry
	err     error
	calls   int
}

func (f *fakeLoader) LoadCatalog(context.Context) (map[storage.CatalogKey]storage.CatalogEntry, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.entries, nil
}

func TestCache_LookupKnownAndUnknown(t *testing.T) {
	loader := &fakeLoader{entries: map[storage.CatalogKey]storage.CatalogEntry{
		{EquipType: "1", Addr: 40034}: {EquipType: "1", Addr: 40034, StoreHistory: true},
	}}
	c := New(loader, config.HistoryPolicyConfig{})
	if err := c.Load(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if e, ok := c.Lookup("1", 40034); !ok || !e.StoreHistory {
		t.Fatalf("expected known entry with store_history, got %+v ok=%v", e, ok)
	}
	if e, ok := c.Lookup("1", 49999); ok || e.StoreHistory {
		t.Fatalf("expected Unknown sentinel for absent register, got %+v ok=%v", e, ok)
	}
	if c.Len() != 1 {
		t.Fatalf("expected 1 loaded entry, got %d", c.Len())
	}
}

func TestCache_RefreshPropagatesLoaderError(t *testing.T) {
	loader := &fakeLoader{err: errors.New("boom")}
	c := New(loader, config.HistoryPolicyConfig{})
	if err := c.Load(context.Background()); err == nil {
		t.Fatal("expected error from failing loader")
	}
}

func TestCache_RefreshReplacesEntries(t *testing.T) {
	loader := &fakeLoader{entries: map[storage.CatalogKey]storage.CatalogEntry{
		{EquipType: "1", Addr: 1}: {EquipType: "1", Addr: 1},
	}}
	c := New(loader, config.HistoryPolicyConfig{})
	if err := c.Load(context.Background()); err != nil {
		t.Fatal(err)
	}

	loader.entries = map[storage.CatalogKey]storage.CatalogEntry{
		{EquipType: "2", Addr: 2}: {EquipType: "2", Addr: 2},
	}
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}

	if _, ok := c.Lookup("1", 1); ok {
		t.Fatal("expected stale entry gone after refresh")
	}
	if _, ok := c.Lookup("2", 2); !ok {
		t.Fatal("expected new entry present after refresh")
	}
}

func TestCache_PolicyDefaultsFillUnsetColumns(t *testing.T) {
	loader := &fakeLoader{entries: map[storage.CatalogKey]storage.CatalogEntry{
		// Operator left tolerance/min_interval/heartbeat at their DB default
		// of 0; the configured defaults should fill them in.
		{EquipType: "1", Addr: 40001}: {EquipType: "1", Addr: 40001},
		// Operator set their own values; those must survive untouched.
		{EquipType: "1", Addr: 40002}: {EquipType: "1", Addr: 40002, Tolerance: 0.5, MinIntervalSec: 30, HeartbeatSec: 120},
	}}
	policy := config.HistoryPolicyConfig{
		DefaultTolerance:      0.1,
		DefaultMinIntervalSec: 10,
		DefaultHeartbeatSec:   300,
	}
	c := New(loader, policy)
	if err := c.Load(context.Background()); err != nil {
		t.Fatal(err)
	}

	unset, _ := c.Lookup("1", 40001)
	if unset.Tolerance != 0.1 || unset.MinIntervalSec != 10 || unset.HeartbeatSec != 300 {
		t.Fatalf("expected configured defaults applied, got %+v", unset)
	}

	set, _ := c.Lookup("1", 40002)
	if set.Tolerance != 0.5 || set.MinIntervalSec != 30 || set.HeartbeatSec != 120 {
		t.Fatalf("expected operator-set values to survive, got %+v", set)
	}
}

func TestCache_KPIHeartbeatOverridesOnlyWhenShorter(t *testing.T) {
	loader := &fakeLoader{entries: map[storage.CatalogKey]storage.CatalogEntry{
		{EquipType: "1", Addr: 40010}: {EquipType: "1", Addr: 40010, HeartbeatSec: 600},
		{EquipType: "1", Addr: 40011}: {EquipType: "1", Addr: 40011, HeartbeatSec: 30},
		{EquipType: "1", Addr: 40012}: {EquipType: "1", Addr: 40012}, // not a KPI addr
	}}
	policy := config.HistoryPolicyConfig{
		KPIAddrs:        []int{40010, 40011},
		KPIHeartbeatSec: 60,
	}
	c := New(loader, policy)
	if err := c.Load(context.Background()); err != nil {
		t.Fatal(err)
	}

	longer, _ := c.Lookup("1", 40010)
	if longer.HeartbeatSec != 60 {
		t.Fatalf("expected KPI override to shorten 600s to 60s, got %d", longer.HeartbeatSec)
	}

	shorter, _ := c.Lookup("1", 40011)
	if shorter.HeartbeatSec != 30 {
		t.Fatalf("expected existing 30s heartbeat to win over a longer KPI override, got %d", shorter.HeartbeatSec)
	}

	nonKPI, _ := c.Lookup("1", 40012)
	if nonKPI.HeartbeatSec != 0 {
		t.Fatalf("expected non-KPI addr untouched, got %d", nonKPI.HeartbeatSec)
	}
}

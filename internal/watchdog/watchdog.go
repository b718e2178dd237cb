// Package watchdog implements the liveness watchdog: periodic
// online/offline transitions per (router_sn, equip_type, panel_id), and
// per-register staleness events.
package watchdog

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cgtelemetry/cg-ingest/internal/clock"
	"github.com/cgtelemetry/cg-ingest/internal/metrics"
	"github.com/cgtelemetry/cg-ingest/internal/storage"
)

type objectKey struct {
	RouterSN  string
	EquipType string
	PanelID   string
}

type objectState struct {
	online             bool
	lastSeen           time.Time
	pendingOnlineEvent bool
}

type registerState struct {
	lastSampleTS    time.Time
	lastStaleEvent  time.Time
	heartbeatSec    int
}

// Watchdog only emits events; it never touches broker subscriptions,
// matching the component's stated boundary. Touch/TouchRegister are
// called by ingest workers (writers); Run is the sole reader, via the
// snapshot protocol: a short critical section copies the maps before the
// (potentially slow) event-emission work.
type Watchdog struct {
	clock  clock.Clock
	store  storage.Port
	logger *zap.Logger

	routerOfflineSec int
	staleRegisterSec int
	intervalSec      int

	mu        sync.Mutex
	objects   map[objectKey]*objectState
	registers map[storage.RegisterKey]*registerState
}

func New(c clock.Clock, store storage.Port, routerOfflineSec, staleRegisterSec, intervalSec int, logger *zap.Logger) *Watchdog {
	return &Watchdog{
		clock:            c,
		store:            store,
		logger:           logger,
		routerOfflineSec: routerOfflineSec,
		staleRegisterSec: staleRegisterSec,
		intervalSec:      intervalSec,
		objects:          make(map[objectKey]*objectState),
		registers:        make(map[storage.RegisterKey]*registerState),
	}
}

// Touch records a sighting for (routerSN, equipType, panelID) at ts. If
// the object was offline, it transitions to online and the caller's
// next Run tick emits router_online.
func (w *Watchdog) Touch(routerSN, equipType, panelID string, ts time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	key := objectKey{RouterSN: routerSN, EquipType: equipType, PanelID: panelID}
	st, ok := w.objects[key]
	if !ok {
		w.objects[key] = &objectState{online: true, lastSeen: ts}
		metrics.RouterStateGauge.WithLabelValues(routerSN, equipType, panelID).Set(1)
		return
	}
	if ts.After(st.lastSeen) {
		st.lastSeen = ts
	}
	if !st.online {
		st.online = true
		st.pendingOnlineEvent = true
	}
}

// TouchRegister records the latest observation timestamp for a register
// that carries a heartbeat, so staleness can be detected.
func (w *Watchdog) TouchRegister(key storage.RegisterKey, ts time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	rst, ok := w.registers[key]
	if !ok {
		w.registers[key] = &registerState{lastSampleTS: ts}
		return
	}
	if ts.After(rst.lastSampleTS) {
		rst.lastSampleTS = ts
	}
}

// Run blocks, ticking every intervalSec, until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(w.intervalSec) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

// tick snapshots state under a short critical section, then emits events
// without holding the lock.
func (w *Watchdog) tick(ctx context.Context) {
	now := w.clock.Now()

	type transition struct {
		key      objectKey
		toOnline bool
	}
	var transitions []transition

	w.mu.Lock()
	for key, st := range w.objects {
		if st.pendingOnlineEvent {
			transitions = append(transitions, transition{key: key, toOnline: true})
			st.pendingOnlineEvent = false
			continue
		}
		if st.online && now.Sub(st.lastSeen).Seconds() >= float64(w.routerOfflineSec) {
			st.online = false
			transitions = append(transitions, transition{key: key, toOnline: false})
		}
	}

	var stale []storage.RegisterKey
	for key, rst := range w.registers {
		if rst.heartbeatSec <= 0 {
			continue
		}
		if now.Sub(rst.lastSampleTS).Seconds() < float64(w.staleRegisterSec) {
			continue
		}
		if !rst.lastStaleEvent.IsZero() && now.Sub(rst.lastStaleEvent).Seconds() < float64(w.staleRegisterSec) {
			continue
		}
		rst.lastStaleEvent = now
		stale = append(stale, key)
	}
	w.mu.Unlock()

	for _, tr := range transitions {
		evType := storage.EventRouterOffline
		desc := "router went offline"
		gaugeValue := 0.0
		if tr.toOnline {
			evType = storage.EventRouterOnline
			desc = "router came back online"
			gaugeValue = 1
		}
		metrics.RouterStateGauge.WithLabelValues(tr.key.RouterSN, tr.key.EquipType, tr.key.PanelID).Set(gaugeValue)
		if err := w.store.InsertEvent(ctx, storage.Event{
			RouterSN:    tr.key.RouterSN,
			EquipType:   tr.key.EquipType,
			PanelID:     tr.key.PanelID,
			Type:        evType,
			Description: desc,
		}); err != nil {
			w.logger.Error("watchdog: insert event failed", zap.Error(err))
		}
	}

	for _, key := range stale {
		if err := w.store.InsertEvent(ctx, storage.Event{
			RouterSN:    key.RouterSN,
			EquipType:   key.EquipType,
			PanelID:     key.PanelID,
			Type:        storage.EventStaleRegister,
			Description: "register has not reported within its stale interval",
			Payload:     map[string]any{"addr": key.Addr},
		}); err != nil {
			w.logger.Error("watchdog: insert stale event failed", zap.Error(err))
		}
	}
}

// SetRegisterHeartbeat records that key's catalog entry carries a
// heartbeat, enabling staleness checks for it. Called by the router on
// every observation of a register whose catalog entry has a heartbeat.
func (w *Watchdog) SetRegisterHeartbeat(key storage.RegisterKey, heartbeatSec int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	rst, ok := w.registers[key]
	if !ok {
		rst = &registerState{}
		w.registers[key] = rst
	}
	rst.heartbeatSec = heartbeatSec
}

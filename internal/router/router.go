// Package router implements the message dispatch described in the
// message-router component: topic parsing, JSON payload decoding, and
// dispatch into the GPS filter and history policy decision functions.
package router

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cgtelemetry/cg-ingest/internal/catalog"
	"github.com/cgtelemetry/cg-ingest/internal/config"
	"github.com/cgtelemetry/cg-ingest/internal/gpsfilter"
	"github.com/cgtelemetry/cg-ingest/internal/historypolicy"
	"github.com/cgtelemetry/cg-ingest/internal/metrics"
	"github.com/cgtelemetry/cg-ingest/internal/storage"
	"github.com/cgtelemetry/cg-ingest/internal/watchdog"
)

// gpsPayload mirrors the broker contract's GPS JSON shape.
type gpsPayload struct {
	GPS struct {
		Latitude    float64  `json:"latitude"`
		Longitude   float64  `json:"longitude"`
		Satellites  int      `json:"satellites"`
		FixStatus   int      `json:"fix_status"`
		Timestamp   *int64   `json:"timestamp"`
		DateISO8601 *string  `json:"date_iso_8601"`
	} `json:"GPS"`
}

type decodedRegister struct {
	Addr   int      `json:"addr"`
	Name   *string  `json:"name"`
	Value  *float64 `json:"value"`
	Text   *string  `json:"text"`
	Unit   *string  `json:"unit"`
	Raw    *int64   `json:"raw"`
	Reason *string  `json:"reason"`
}

type decodedPayload struct {
	Timestamp  string            `json:"timestamp"`
	RouterSN   string            `json:"router_sn"`
	BServerID  int               `json:"bserver_id"`
	Registers  []decodedRegister `json:"registers"`
}

// Router owns the per-object and per-key decision state. A single
// instance is safe for use by one worker; when partitioned by
// hash(router_sn), each worker owns its own Router and no locking is
// required within it. The mutex below guards the GPS, history and
// event-throttle maps; the watchdog keeps its own state behind its own lock.
type Router struct {
	store    storage.Port
	catalog  *catalog.Cache
	gpsCfg   gpsfilter.Config
	events   config.EventsPolicyConfig
	watchdog *watchdog.Watchdog
	logger   *zap.Logger

	mu               sync.Mutex
	gpsStates        map[string]*gpsfilter.ObjectState
	historyStates    map[storage.RegisterKey]*historypolicy.KeyState
	gpsEventThrottle map[string]time.Time // router_sn -> last low_sats/bad_fix event time
}

func New(store storage.Port, cat *catalog.Cache, gpsCfg gpsfilter.Config, events config.EventsPolicyConfig, wd *watchdog.Watchdog, logger *zap.Logger) *Router {
	return &Router{
		store:            store,
		catalog:          cat,
		gpsCfg:           gpsCfg,
		events:           events,
		watchdog:         wd,
		logger:           logger,
		gpsStates:        make(map[string]*gpsfilter.ObjectState),
		historyStates:    make(map[storage.RegisterKey]*historypolicy.KeyState),
		gpsEventThrottle: make(map[string]time.Time),
	}
}

// SeedGPSState restores per-router GPS filter state at startup.
func (r *Router) SeedGPSState(fixes map[string]storage.GPSFix) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for sn, fix := range fixes {
		r.gpsStates[sn] = gpsfilter.Restore(fix)
	}
}

// SeedHistoryState restores per-key history policy state at startup.
func (r *Router) SeedHistoryState(now time.Time, samples map[storage.RegisterKey]storage.RegisterSample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, sample := range samples {
		r.historyStates[key] = historypolicy.Restore(sample, now)
	}
}

// topicKind identifies which payload grammar a topic matches.
type topicKind int

const (
	topicUnknown topicKind = iota
	topicGPS
	topicDecoded
)

// parseTopic matches the two topic grammars:
//
//	cg/v1/telemetry/SN/<router_sn>
//	cg/v1/decoded/SN/<router_sn>/pcc/<panel_id>
func parseTopic(topic string) (kind topicKind, routerSN, panelID string) {
	parts := strings.Split(topic, "/")
	if len(parts) == 5 && parts[0] == "cg" && parts[1] == "v1" && parts[2] == "telemetry" && parts[3] == "SN" {
		return topicGPS, parts[4], ""
	}
	if len(parts) == 7 && parts[0] == "cg" && parts[1] == "v1" && parts[2] == "decoded" && parts[3] == "SN" && parts[5] == "pcc" {
		return topicDecoded, parts[4], parts[6]
	}
	return topicUnknown, "", ""
}

// HandleMessage performs the router's steps 1-5 against one inbound
// broker message.
func (r *Router) HandleMessage(ctx context.Context, topic string, payload []byte, receivedAt time.Time) error {
	kind, routerSN, panelID := parseTopic(topic)
	if kind == topicUnknown {
		metrics.TopicMismatchTotal.WithLabelValues(topic).Inc()
		r.logger.Debug("topic did not match known grammar", zap.String("topic", topic))
		return nil
	}

	if err := r.store.UpsertObject(ctx, routerSN, receivedAt); err != nil {
		return err
	}

	switch kind {
	case topicGPS:
		metrics.MQTTMessagesTotal.WithLabelValues("gps").Inc()
		return r.handleGPS(ctx, routerSN, payload, receivedAt)
	case topicDecoded:
		metrics.MQTTMessagesTotal.WithLabelValues("decoded").Inc()
		return r.handleDecoded(ctx, routerSN, panelID, payload, receivedAt)
	}
	return nil
}

func (r *Router) handleGPS(ctx context.Context, routerSN string, payload []byte, receivedAt time.Time) error {
	var p gpsPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		metrics.PayloadErrorsTotal.WithLabelValues("gps", "json").Inc()
		r.logger.Debug("malformed GPS payload", zap.String("router_sn", routerSN), zap.Error(err))
		return nil
	}

	gpsTime := resolveGPSTime(p)

	r.mu.Lock()
	st, ok := r.gpsStates[routerSN]
	if !ok {
		st = &gpsfilter.ObjectState{}
		r.gpsStates[routerSN] = st
	}
	cand := gpsfilter.Candidate{
		RouterSN:   routerSN,
		Lat:        p.GPS.Latitude,
		Lon:        p.GPS.Longitude,
		Satellites: p.GPS.Satellites,
		FixStatus:  p.GPS.FixStatus,
		GPSTime:    gpsTime,
		ReceivedAt: receivedAt,
	}
	decision := gpsfilter.Evaluate(r.gpsCfg, st, cand)
	snapshot := *st
	r.mu.Unlock()

	metrics.GPSDecisionsTotal.WithLabelValues(gpsOutcomeLabel(decision)).Inc()

	rec := storage.GPSRawRecord{
		RouterSN:     routerSN,
		GPSTime:      gpsTime,
		ReceivedAt:   receivedAt,
		Lat:          p.GPS.Latitude,
		Lon:          p.GPS.Longitude,
		Satellites:   p.GPS.Satellites,
		FixStatus:    p.GPS.FixStatus,
		Accepted:     decision.Accepted,
		RejectReason: decision.Reason,
	}
	if _, err := r.store.InsertGPSRaw(ctx, rec); err != nil {
		return err
	}

	if decision.Accepted {
		fix := *snapshot.LastAccepted
		if err := r.store.UpsertGPSLatest(ctx, fix); err != nil {
			return err
		}
	} else {
		if err := r.emitGPSRejectEvent(ctx, routerSN, decision.Reason, receivedAt); err != nil {
			return err
		}
	}

	r.watchdog.Touch(routerSN, "", "", receivedAt)
	return nil
}

func (r *Router) emitGPSRejectEvent(ctx context.Context, routerSN string, reason storage.RejectReason, now time.Time) error {
	switch reason {
	case storage.RejectJumpDistance, storage.RejectJumpSpeed:
		if !r.events.EnableGPSRejectEvents {
			return nil
		}
		return r.store.InsertEvent(ctx, storage.Event{
			RouterSN:    routerSN,
			Type:        storage.EventGPSJumpRejected,
			Description: "gps fix rejected: " + string(reason),
		})
	case storage.RejectLowSats, storage.RejectBadFix:
		r.mu.Lock()
		last, seen := r.gpsEventThrottle[routerSN]
		throttle := seen && now.Sub(last) < time.Minute
		if !throttle {
			r.gpsEventThrottle[routerSN] = now
		}
		r.mu.Unlock()
		if throttle {
			return nil
		}
		evType := storage.EventGPSLowSats
		if reason == storage.RejectBadFix {
			evType = storage.EventGPSBadFix
		}
		return r.store.InsertEvent(ctx, storage.Event{
			RouterSN:    routerSN,
			Type:        evType,
			Description: "gps fix rejected: " + string(reason),
		})
	}
	return nil
}

func (r *Router) handleDecoded(ctx context.Context, routerSN, panelID string, payload []byte, receivedAt time.Time) error {
	var p decodedPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		metrics.PayloadErrorsTotal.WithLabelValues("decoded", "json").Inc()
		r.logger.Debug("malformed decoded payload", zap.String("router_sn", routerSN), zap.Error(err))
		return nil
	}

	ts, err := time.Parse(time.RFC3339, p.Timestamp)
	if err != nil {
		ts = receivedAt
	}

	equipType := strconv.Itoa(p.BServerID)
	if err := r.store.UpsertEquipment(ctx, routerSN, equipType, panelID, receivedAt); err != nil {
		return err
	}

	for _, reg := range p.Registers {
		entry, known := r.catalog.Lookup(equipType, reg.Addr)

		sample := storage.RegisterSample{
			Key: storage.RegisterKey{
				RouterSN:  routerSN,
				EquipType: equipType,
				PanelID:   panelID,
				Addr:      reg.Addr,
			},
			TS:     ts,
			Value:  reg.Value,
			Raw:    reg.Raw,
			Text:   reg.Text,
			Reason: reg.Reason,
		}

		if err := r.store.UpsertLatestState(ctx, sample); err != nil {
			return err
		}

		r.mu.Lock()
		kst, ok := r.historyStates[sample.Key]
		if !ok {
			kst = &historypolicy.KeyState{}
			r.historyStates[sample.Key] = kst
		}
		decision := historypolicy.Evaluate(ts, kst, entry, known, sample)
		r.mu.Unlock()

		if decision.WriteHistory {
			metrics.HistoryWritesTotal.WithLabelValues(string(decision.Reason)).Inc()
			if err := r.store.InsertHistory(ctx, sample, decision.Reason); err != nil {
				return err
			}
		}

		if decision.UnknownFirst && r.events.EnableUnknownRegisterEvents {
			if err := r.store.InsertEvent(ctx, storage.Event{
				RouterSN:    routerSN,
				EquipType:   equipType,
				PanelID:     panelID,
				Type:        storage.EventUnknownRegister,
				Description: "register not present in catalog",
				Payload:     map[string]any{"addr": reg.Addr},
			}); err != nil {
				return err
			}
		}

		r.watchdog.Touch(routerSN, equipType, panelID, receivedAt)
		if entry.HeartbeatSec > 0 {
			r.watchdog.SetRegisterHeartbeat(sample.Key, entry.HeartbeatSec)
			r.watchdog.TouchRegister(sample.Key, ts)
		}
	}

	return nil
}

func resolveGPSTime(p gpsPayload) *time.Time {
	// date_iso_8601 wins over timestamp when both present.
	if p.GPS.DateISO8601 != nil && *p.GPS.DateISO8601 != "" {
		if t, err := time.Parse(time.RFC3339, *p.GPS.DateISO8601); err == nil {
			return &t
		}
	}
	if p.GPS.Timestamp != nil {
		t := time.Unix(*p.GPS.Timestamp, 0).UTC()
		return &t
	}
	return nil
}

func gpsOutcomeLabel(d gpsfilter.Decision) string {
	if d.Accepted {
		return "accepted"
	}
	if d.Reason == "" {
		return "rejected"
	}
	return "rejected_" + string(d.Reason)
}

// Package historypolicy implements the per-register history write
// decision: deadband tolerance, minimum interval, and heartbeat rules. A
// pure decision function over per-key state and the register's catalog
// entry — no storage or broker handle reachable from this package.
package historypolicy

import (
	"math"
	"time"

	"github.com/cgtelemetry/cg-ingest/internal/storage"
)

// KeyState is the per-(router,equip,panel,addr) in-memory state.
type KeyState struct {
	Initialized     bool
	LastStoredValue *float64
	LastStoredRaw   *int64
	LastStoredText  *string
	LastStoredTS    time.Time
	LastReason      *string
	LastHeartbeatTS time.Time
}

// Decision is the outcome of evaluating one register observation.
type Decision struct {
	WriteHistory bool
	Reason       storage.WriteReason
	UnknownFirst bool // true the first time this key is seen with no catalog entry
}

// Evaluate runs the decision order from the history policy spec (§4.4,
// rules 1-6) against st, mutating st in place when a write occurs.
// latest_state is always upserted by the caller regardless of the
// returned Decision.
func Evaluate(now time.Time, st *KeyState, entry storage.CatalogEntry, knownEntry bool, sample storage.RegisterSample) Decision {
	if !knownEntry || !entry.StoreHistory {
		first := !st.Initialized
		st.Initialized = true
		return Decision{WriteHistory: false, UnknownFirst: first && !knownEntry}
	}

	if !st.Initialized {
		store(st, sample, now)
		return Decision{WriteHistory: true, Reason: storage.WriteFirst}
	}

	if reasonChanged(st.LastReason, sample.Reason) {
		store(st, sample, now)
		return Decision{WriteHistory: true, Reason: storage.WriteReasonChange}
	}

	if isChange(entry, st, sample, now) {
		store(st, sample, now)
		return Decision{WriteHistory: true, Reason: storage.WriteChange}
	}

	if entry.HeartbeatSec > 0 && now.Sub(st.LastHeartbeatTS).Seconds() >= float64(entry.HeartbeatSec) {
		store(st, sample, now)
		return Decision{WriteHistory: true, Reason: storage.WriteHeartbeat}
	}

	return Decision{WriteHistory: false}
}

// isChange implements rule 4 and its non-numeric tie-break: for numeric
// kinds a change requires both a tolerance-exceeding delta AND the
// min_interval_sec gate; for text/enum, tolerance and min_interval are
// ignored and any raw/text delta counts.
func isChange(entry storage.CatalogEntry, st *KeyState, sample storage.RegisterSample, now time.Time) bool {
	switch entry.ValueKind {
	case storage.ValueAnalog, storage.ValueDiscrete, storage.ValueCounter:
		if sample.Value == nil || st.LastStoredValue == nil {
			return false
		}
		if math.Abs(*sample.Value-*st.LastStoredValue) <= entry.Tolerance {
			return false
		}
		return now.Sub(st.LastStoredTS).Seconds() >= float64(entry.MinIntervalSec)

	default: // text, enum
		if !rawEqual(sample.Raw, st.LastStoredRaw) {
			return true
		}
		return !textEqual(sample.Text, st.LastStoredText)
	}
}

func reasonChanged(last, cur *string) bool {
	if last == nil && cur == nil {
		return false
	}
	if last == nil || cur == nil {
		return true
	}
	return *last != *cur
}

func rawEqual(a, b *int64) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return *a == *b
}

func textEqual(a, b *string) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return *a == *b
}

func store(st *KeyState, sample storage.RegisterSample, now time.Time) {
	st.Initialized = true
	st.LastStoredValue = sample.Value
	st.LastStoredRaw = sample.Raw
	st.LastStoredText = sample.Text
	st.LastStoredTS = sample.TS
	st.LastReason = sample.Reason
	st.LastHeartbeatTS = sample.TS
	_ = now
}

// Restore seeds a KeyState from a previously-persisted latest_state row.
// LastHeartbeatTS is reset to now (no retroactive heartbeat), per the
// state-restoration rule.
func Restore(sample storage.RegisterSample, now time.Time) *KeyState {
	return &KeyState{
		Initialized:     true,
		LastStoredValue: sample.Value,
		LastStoredRaw:   sample.Raw,
		LastStoredText:  sample.Text,
		LastStoredTS:    sample.TS,
		LastReason:      sample.Reason,
		LastHeartbeatTS: now,
	}
}

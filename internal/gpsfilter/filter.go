// Package gpsfilter implements the anti-teleport GPS acceptance policy: a
// pure decision function over per-object state and an inbound fix. No
// broker or storage handle is reachable from this package — the decision
// procedure never suspends, per the concurrency model's requirement that
// policy decisions are pure in-memory computations.
package gpsfilter

import (
	"math"
	"time"

	"github.com/cgtelemetry/cg-ingest/internal/storage"
)

// Config holds the tunables from the gps_filter configuration block.
type Config struct {
	SatsMin        int
	FixMin         int
	MaxJumpM       float64
	MaxSpeedKmh    float64
	ConfirmPoints  int
	ConfirmRadiusM float64
}

// DefaultConfig mirrors the defaults named in the external interfaces section.
func DefaultConfig() Config {
	return Config{
		SatsMin:        4,
		FixMin:         1,
		MaxJumpM:       1000,
		MaxSpeedKmh:    150,
		ConfirmPoints:  3,
		ConfirmRadiusM: 50,
	}
}

// Candidate is a single fix the filter is deciding on.
type Candidate struct {
	RouterSN   string
	Lat        float64
	Lon        float64
	Satellites int
	FixStatus  int
	GPSTime    *time.Time
	ReceivedAt time.Time
}

// ObjectState is the per-router_sn in-memory state the filter reads and
// mutates. The supervisor owns one instance per object.
type ObjectState struct {
	LastAccepted *storage.GPSFix
	Buffer       []Candidate
}

// Decision is the outcome of evaluating one candidate fix against state.
type Decision struct {
	Accepted bool
	Reason   storage.RejectReason // empty when Accepted
}

// Evaluate runs the decision procedure from the GPS filter spec (§4.3,
// steps 1-7) against st, mutating st in place, and returns the outcome for
// the candidate fix c.
func Evaluate(cfg Config, st *ObjectState, c Candidate) Decision {
	if c.Satellites < cfg.SatsMin {
		return Decision{Accepted: false, Reason: storage.RejectLowSats}
	}
	if c.FixStatus < cfg.FixMin {
		return Decision{Accepted: false, Reason: storage.RejectBadFix}
	}

	if st.LastAccepted == nil {
		accept(st, c)
		return Decision{Accepted: true}
	}

	last := *st.LastAccepted
	d := haversineMeters(last.Lat, last.Lon, c.Lat, c.Lon)

	if d <= cfg.MaxJumpM {
		accept(st, c)
		return Decision{Accepted: true}
	}

	elapsed := c.ReceivedAt.Sub(last.ReceivedAt)
	if elapsed > 0 {
		speedKmh := (d / 1000) / (elapsed.Hours())
		if speedKmh <= cfg.MaxSpeedKmh {
			accept(st, c)
			return Decision{Accepted: true}
		}
	}

	// Step 5 already failed (d > max_jump_m), so the rejection is classified
	// as a distance jump even when an implied speed was also computed.
	triggerReason := storage.RejectJumpDistance

	st.Buffer = append(st.Buffer, c)
	if confirmed(cfg, st.Buffer) {
		newest := st.Buffer[len(st.Buffer)-1]
		accept(st, newest)
		return Decision{Accepted: true}
	}

	return Decision{Accepted: false, Reason: triggerReason}
}

// confirmed reports whether confirm_points *new* candidates have arrived
// since the fix that first triggered entry into confirmation (buf[0]) and
// are all pairwise within confirm_radius_m of each other. buf[0] itself
// doesn't count toward confirm_points — it only marks where the rejected
// run started.
func confirmed(cfg Config, buf []Candidate) bool {
	if len(buf) < cfg.ConfirmPoints+1 {
		return false
	}
	recent := buf[len(buf)-cfg.ConfirmPoints:]
	for i := 0; i < len(recent); i++ {
		for j := i + 1; j < len(recent); j++ {
			if haversineMeters(recent[i].Lat, recent[i].Lon, recent[j].Lat, recent[j].Lon) > cfg.ConfirmRadiusM {
				return false
			}
		}
	}
	return true
}

func accept(st *ObjectState, c Candidate) {
	st.LastAccepted = &storage.GPSFix{
		RouterSN:   c.RouterSN,
		GPSTime:    c.GPSTime,
		ReceivedAt: c.ReceivedAt,
		Lat:        c.Lat,
		Lon:        c.Lon,
		Satellites: c.Satellites,
		FixStatus:  c.FixStatus,
	}
	st.Buffer = nil
}

const earthRadiusM = 6371000

// haversineMeters computes the great-circle distance between two points.
func haversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusM * c
}

// Restore seeds an ObjectState from a previously-persisted latest filtered
// fix, per the filter's state-restoration rule: the buffer always starts
// empty on restart.
func Restore(fix storage.GPSFix) *ObjectState {
	f := fix
	return &ObjectState{LastAccepted: &f}
}

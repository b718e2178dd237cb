package storage

import "time"

// ValueKind classifies how a register's value should be compared for the
// history write policy.
type ValueKind string

const (
	ValueAnalog   ValueKind = "analog"
	ValueDiscrete ValueKind = "discrete"
	ValueCounter  ValueKind = "counter"
	ValueEnum     ValueKind = "enum"
	ValueText     ValueKind = "text"
)

// CatalogEntry is the per-register policy loaded from register_catalog.
type CatalogEntry struct {
	EquipType       string
	Addr            int
	NameDefault     string
	UnitDefault     string
	ValueKind       ValueKind
	Tolerance       float64
	MinIntervalSec  int
	HeartbeatSec    int
	StoreHistory    bool
}

// RegisterKey identifies a single addressable datum within a panel.
type RegisterKey struct {
	RouterSN  string
	EquipType string
	PanelID   string
	Addr      int
}

// RegisterSample is one decoded observation of a register.
type RegisterSample struct {
	Key    RegisterKey
	TS     time.Time
	Value  *float64
	Raw    *int64
	Text   *string
	Reason *string
}

// WriteReason classifies why a history row was written.
type WriteReason string

const (
	WriteFirst        WriteReason = "first"
	WriteChange       WriteReason = "change"
	WriteHeartbeat    WriteReason = "heartbeat"
	WriteReasonChange WriteReason = "reason_change"
)

// GPSFix is a single inbound or accepted GPS position report.
type GPSFix struct {
	RouterSN   string
	GPSTime    *time.Time
	ReceivedAt time.Time
	Lat        float64
	Lon        float64
	Satellites int
	FixStatus  int
}

// RejectReason classifies why the GPS filter rejected a fix.
type RejectReason string

const (
	RejectNone         RejectReason = ""
	RejectLowSats      RejectReason = "low_sats"
	RejectBadFix       RejectReason = "bad_fix"
	RejectJumpDistance RejectReason = "jump_distance"
	RejectJumpSpeed    RejectReason = "jump_speed"
)

// GPSRawRecord is the immutable append-only row written for every inbound fix.
type GPSRawRecord struct {
	ID           int64
	RouterSN     string
	GPSTime      *time.Time
	ReceivedAt   time.Time
	Lat          float64
	Lon          float64
	Satellites   int
	FixStatus    int
	Accepted     bool
	RejectReason RejectReason
}

// EventType enumerates the event taxonomy from the data model.
type EventType string

const (
	EventRouterOffline   EventType = "router_offline"
	EventRouterOnline    EventType = "router_online"
	EventGPSJumpRejected EventType = "gps_jump_rejected"
	EventGPSLowSats      EventType = "gps_low_sats"
	EventGPSBadFix       EventType = "gps_bad_fix"
	EventUnknownRegister EventType = "unknown_register"
	EventStaleRegister   EventType = "stale_register"
)

// Event is an append-only diagnostic/lifecycle record.
type Event struct {
	RouterSN    string
	EquipType   string
	PanelID     string
	Type        EventType
	Description string
	Payload     map[string]any
	CreatedAt   time.Time
}

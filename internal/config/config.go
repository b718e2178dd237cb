package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Service        ServiceConfig        `koanf:"service"`
	MQTT           MQTTConfig           `koanf:"mqtt"`
	Postgres       PostgresConfig       `koanf:"postgres"`
	GPSFilter      GPSFilterConfig      `koanf:"gps_filter"`
	HistoryPolicy  HistoryPolicyConfig  `koanf:"history_policy"`
	EventsPolicy   EventsPolicyConfig   `koanf:"events_policy"`
	Retention      RetentionConfig      `koanf:"retention"`
	Ingest         IngestConfig         `koanf:"ingest"`
	Logging        LoggingConfig        `koanf:"logging"`
}

type ServiceConfig struct {
	InstanceID             string `koanf:"instance_id"`
	HTTPListen             string `koanf:"http_listen"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
}

type MQTTConfig struct {
	Host          string    `koanf:"host"`
	Port          int       `koanf:"port"`
	Username      string    `koanf:"username"`
	Password      string    `koanf:"password"`
	ClientID      string    `koanf:"client_id"`
	TLS           TLSConfig `koanf:"tls"`
	TopicGPS      string    `koanf:"topic_gps"`
	TopicDecoded  string    `koanf:"topic_decoded"`
	KeepAliveSec  int       `koanf:"keep_alive_sec"`
	ConnectTimeoutSec int   `koanf:"connect_timeout_sec"`
}

type TLSConfig struct {
	Enabled  bool   `koanf:"enabled"`
	CAFile   string `koanf:"ca_file"`
	CertFile string `koanf:"cert_file"`
	KeyFile  string `koanf:"key_file"`
}

type PostgresConfig struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	Database string `koanf:"database"`
	User     string `koanf:"user"`
	Password string `koanf:"password"`
	PoolMin  int32  `koanf:"pool_min"`
	PoolMax  int32  `koanf:"pool_max"`
}

// DSN builds the libpq connection string pgxpool expects.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s pool_min_conns=%d pool_max_conns=%d",
		p.Host, p.Port, p.Database, p.User, p.Password, p.PoolMin, p.PoolMax)
}

type GPSFilterConfig struct {
	SatsMin        int     `koanf:"sats_min"`
	FixMin         int     `koanf:"fix_min"`
	MaxJumpM       float64 `koanf:"max_jump_m"`
	MaxSpeedKmh    float64 `koanf:"max_speed_kmh"`
	ConfirmPoints  int     `koanf:"confirm_points"`
	ConfirmRadiusM float64 `koanf:"confirm_radius_m"`
}

type HistoryPolicyConfig struct {
	DefaultTolerance      float64 `koanf:"default_tolerance"`
	DefaultMinIntervalSec int     `koanf:"default_min_interval_sec"`
	DefaultHeartbeatSec   int     `koanf:"default_heartbeat_sec"`
	KPIAddrs              []int   `koanf:"kpi_addrs"`
	KPIHeartbeatSec       int     `koanf:"kpi_heartbeat_sec"`
}

type EventsPolicyConfig struct {
	RouterOfflineSec           int  `koanf:"router_offline_sec"`
	StaleRegisterSec           int  `koanf:"stale_register_sec"`
	WatchdogIntervalSec        int  `koanf:"watchdog_interval_sec"`
	EnableGPSRejectEvents      bool `koanf:"enable_gps_reject_events"`
	EnableUnknownRegisterEvents bool `koanf:"enable_unknown_register_events"`
	CompressPayload            bool `koanf:"compress_payload"`
}

type RetentionConfig struct {
	GPSRawHours       int `koanf:"gps_raw_hours"`
	HistoryDays       int `koanf:"history_days"`
	EventsDays        int `koanf:"events_days"`
	BatchSize         int `koanf:"batch_size"`
	CleanupIntervalSec int `koanf:"cleanup_interval_sec"`
	MaxBatchesPerCycle int `koanf:"max_batches_per_cycle"`
}

type IngestConfig struct {
	QueueMax      int  `koanf:"queue_max"`
	WorkerCount   int  `koanf:"worker_count"`
	OpTimeoutSec  int  `koanf:"op_timeout_sec"`
	OpRetries     int  `koanf:"op_retries"`
	DropOldest    bool `koanf:"drop_oldest"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	File   string `koanf:"file"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Overlay environment variables: CGINGEST_MQTT__HOST → mqtt.host
	if err := k.Load(env.Provider("CGINGEST_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "CGINGEST_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := &Config{
		Service: ServiceConfig{
			InstanceID:             "cg-ingest-1",
			HTTPListen:             ":8080",
			ShutdownTimeoutSeconds: 30,
		},
		MQTT: MQTTConfig{
			Port:              1883,
			ClientID:          "cg-ingest",
			TopicGPS:          "cg/v1/telemetry/SN/+",
			TopicDecoded:      "cg/v1/decoded/SN/+/pcc/+",
			KeepAliveSec:      30,
			ConnectTimeoutSec: 10,
		},
		Postgres: PostgresConfig{
			Port:    5432,
			PoolMin: 2,
			PoolMax: 20,
		},
		GPSFilter: GPSFilterConfig{
			SatsMin:        4,
			FixMin:         1,
			MaxJumpM:       1000,
			MaxSpeedKmh:    150,
			ConfirmPoints:  3,
			ConfirmRadiusM: 50,
		},
		HistoryPolicy: HistoryPolicyConfig{
			DefaultTolerance:      0,
			DefaultMinIntervalSec: 10,
			DefaultHeartbeatSec:   300,
			KPIHeartbeatSec:       60,
		},
		EventsPolicy: EventsPolicyConfig{
			RouterOfflineSec:            300,
			StaleRegisterSec:            600,
			WatchdogIntervalSec:         30,
			EnableGPSRejectEvents:       true,
			EnableUnknownRegisterEvents: true,
		},
		Retention: RetentionConfig{
			GPSRawHours:        72,
			HistoryDays:        30,
			EventsDays:         90,
			BatchSize:          5000,
			CleanupIntervalSec: 3600,
			MaxBatchesPerCycle: 1000,
		},
		Ingest: IngestConfig{
			QueueMax:     10000,
			WorkerCount:  1,
			OpTimeoutSec: 10,
			OpRetries:    3,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.MQTT.Host == "" {
		return fmt.Errorf("config: mqtt.host is required")
	}
	if c.MQTT.TopicGPS == "" {
		return fmt.Errorf("config: mqtt.topic_gps is required")
	}
	if c.MQTT.TopicDecoded == "" {
		return fmt.Errorf("config: mqtt.topic_decoded is required")
	}
	if c.Postgres.Host == "" {
		return fmt.Errorf("config: postgres.host is required")
	}
	if c.Postgres.Database == "" {
		return fmt.Errorf("config: postgres.database is required")
	}
	if c.Postgres.PoolMax <= 0 {
		return fmt.Errorf("config: postgres.pool_max must be > 0 (got %d)", c.Postgres.PoolMax)
	}
	if c.Postgres.PoolMin < 0 {
		return fmt.Errorf("config: postgres.pool_min must be >= 0 (got %d)", c.Postgres.PoolMin)
	}
	if c.GPSFilter.SatsMin < 0 {
		return fmt.Errorf("config: gps_filter.sats_min must be >= 0 (got %d)", c.GPSFilter.SatsMin)
	}
	if c.GPSFilter.MaxJumpM <= 0 {
		return fmt.Errorf("config: gps_filter.max_jump_m must be > 0 (got %v)", c.GPSFilter.MaxJumpM)
	}
	if c.GPSFilter.ConfirmPoints <= 0 {
		return fmt.Errorf("config: gps_filter.confirm_points must be > 0 (got %d)", c.GPSFilter.ConfirmPoints)
	}
	if c.HistoryPolicy.DefaultTolerance < 0 {
		return fmt.Errorf("config: history_policy.default_tolerance must be >= 0 (got %v)", c.HistoryPolicy.DefaultTolerance)
	}
	if c.HistoryPolicy.DefaultMinIntervalSec < 0 {
		return fmt.Errorf("config: history_policy.default_min_interval_sec must be >= 0 (got %d)", c.HistoryPolicy.DefaultMinIntervalSec)
	}
	if c.Retention.GPSRawHours <= 0 {
		return fmt.Errorf("config: retention.gps_raw_hours must be > 0 (got %d)", c.Retention.GPSRawHours)
	}
	if c.Retention.HistoryDays <= 0 {
		return fmt.Errorf("config: retention.history_days must be > 0 (got %d)", c.Retention.HistoryDays)
	}
	if c.Retention.EventsDays <= 0 {
		return fmt.Errorf("config: retention.events_days must be > 0 (got %d)", c.Retention.EventsDays)
	}
	if c.Retention.BatchSize <= 0 {
		return fmt.Errorf("config: retention.batch_size must be > 0 (got %d)", c.Retention.BatchSize)
	}
	if c.Retention.MaxBatchesPerCycle <= 0 {
		return fmt.Errorf("config: retention.max_batches_per_cycle must be > 0 (got %d)", c.Retention.MaxBatchesPerCycle)
	}
	if c.Ingest.QueueMax <= 0 {
		return fmt.Errorf("config: ingest.queue_max must be > 0 (got %d)", c.Ingest.QueueMax)
	}
	if c.Ingest.WorkerCount <= 0 {
		return fmt.Errorf("config: ingest.worker_count must be > 0 (got %d)", c.Ingest.WorkerCount)
	}
	if c.Ingest.OpTimeoutSec <= 0 {
		return fmt.Errorf("config: ingest.op_timeout_sec must be > 0 (got %d)", c.Ingest.OpTimeoutSec)
	}
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}
	return nil
}

// BuildTLSConfig creates a *tls.Config from the MQTT TLS settings. Returns nil if TLS is disabled.
func (m *MQTTConfig) BuildTLSConfig() (*tls.Config, error) {
	if !m.TLS.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{}
	if m.TLS.CAFile != "" {
		caPEM, err := os.ReadFile(m.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsCfg.RootCAs = pool
	}
	if m.TLS.CertFile != "" && m.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(m.TLS.CertFile, m.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

// Scheme returns "tcps" when TLS is enabled, "tcp" otherwise — matches the
// paho.mqtt.golang broker URL scheme convention.
func (m MQTTConfig) Scheme() string {
	if m.TLS.Enabled {
		return "tcps"
	}
	return "tcp"
}

func (m MQTTConfig) BrokerURL() string {
	return fmt.Sprintf("%s://%s:%d", m.Scheme(), m.Host, m.Port)
}

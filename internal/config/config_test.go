package config

import (
	"os"
	"path/filepath"
	"testing"
)

func validConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			InstanceID:             "test",
			HTTPListen:             ":8080",
			ShutdownTimeoutSeconds: 30,
		},
		MQTT: MQTTConfig{
			Host:         "localhost",
			Port:         1883,
			TopicGPS:     "cg/v1/telemetry/SN/+",
			TopicDecoded: "cg/v1/decoded/SN/+/pcc/+",
		},
		Postgres: PostgresConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "cgingest",
			PoolMin:  2,
			PoolMax:  10,
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
			Level: "info",
		},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got error: %v", err)
	}
}

func TestValidate_NoMQTTHost(t *testing.T) {
	cfg := validConfig()
	cfg.MQTT.Host = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty mqtt.host")
	}
}

func TestValidate_NoPostgresDatabase(t *testing.T) {
	cfg := validConfig()
	cfg.Postgres.Database = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty postgres.database")
	}
}

func TestValidate_NoTopicGPS(t *testing.T) {
	cfg := validConfig()
	cfg.MQTT.TopicGPS = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty mqtt.topic_gps")
	}
}

func TestValidate_NoTopicDecoded(t *testing.T) {
	cfg := validConfig()
	cfg.MQTT.TopicDecoded = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty mqtt.topic_decoded")
	}
}

func TestValidate_PoolMaxZero(t *testing.T) {
	cfg := validConfig()
	cfg.Postgres.PoolMax = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for pool_max = 0")
	}
}

func TestValidate_MaxJumpZero(t *testing.T) {
	cfg := validConfig()
	cfg.GPSFilter.MaxJumpM = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for gps_filter.max_jump_m = 0")
	}
}

func TestValidate_ConfirmPointsZero(t *testing.T) {
	cfg := validConfig()
	cfg.GPSFilter.ConfirmPoints = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for gps_filter.confirm_points = 0")
	}
}

func TestValidate_RetentionHoursZero(t *testing.T) {
	cfg := validConfig()
	cfg.Retention.GPSRawHours = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for retention.gps_raw_hours = 0")
	}
}

func TestValidate_RetentionBatchSizeZero(t *testing.T) {
	cfg := validConfig()
	cfg.Retention.BatchSize = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for retention.batch_size = 0")
	}
}

func TestValidate_MaxBatchesPerCycleZero(t *testing.T) {
	cfg := validConfig()
	cfg.Retention.MaxBatchesPerCycle = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for retention.max_batches_per_cycle = 0")
	}
}

func TestValidate_QueueMaxZero(t *testing.T) {
	cfg := validConfig()
	cfg.Ingest.QueueMax = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for ingest.queue_max = 0")
	}
}

func TestValidate_WorkerCountZero(t *testing.T) {
	cfg := validConfig()
	cfg.Ingest.WorkerCount = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for ingest.worker_count = 0")
	}
}

func TestValidate_ShutdownTimeoutZero(t *testing.T) {
	cfg := validConfig()
	cfg.Service.ShutdownTimeoutSeconds = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for shutdown_timeout_seconds = 0")
	}
}

func writeMinimalYAML(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	data := `
mqtt:
  host: "localhost"
postgres:
  host: "localhost"
  database: "cgingest"
`
	if err := os.WriteFile(p, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoad_EnvOverrideHost(t *testing.T) {
	p := writeMinimalYAML(t)
	t.Setenv("CGINGEST_POSTGRES__HOST", "envhost")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Postgres.Host != "envhost" {
		t.Errorf("expected postgres.host from env, got %q", cfg.Postgres.Host)
	}
}

func TestLoad_EnvOverrideLogLevel(t *testing.T) {
	p := writeMinimalYAML(t)
	t.Setenv("CGINGEST_LOGGING__LEVEL", "debug")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected log level 'debug' from env, got %q", cfg.Logging.Level)
	}
}

func TestLoad_EnvEmptyHostFailsValidation(t *testing.T) {
	p := writeMinimalYAML(t)
	t.Setenv("CGINGEST_MQTT__HOST", "")

	_, err := Load(p)
	if err == nil {
		t.Fatal("expected validation error for empty mqtt.host via env")
	}
}

func TestLoad_Defaults(t *testing.T) {
	p := writeMinimalYAML(t)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.GPSFilter.SatsMin != 4 {
		t.Errorf("expected default sats_min=4, got %d", cfg.GPSFilter.SatsMin)
	}
	if cfg.Retention.MaxBatchesPerCycle != 1000 {
		t.Errorf("expected default max_batches_per_cycle=1000, got %d", cfg.Retention.MaxBatchesPerCycle)
	}
}

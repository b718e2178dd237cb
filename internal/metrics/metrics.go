package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	MQTTMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cgingest_mqtt_messages_total",
			Help: "Total messages consumed from the broker.",
		},
		[]string{"kind"},
	)

	TopicMismatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cgingest_topic_mismatch_total",
			Help: "Messages dropped because the topic did not match the known grammar.",
		},
		[]string{"topic"},
	)

	PayloadErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cgingest_payload_errors_total",
			Help: "Payload parse failures by stage.",
		},
		[]string{"stage", "reason"},
	)

	QueueDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cgingest_queue_dropped_total",
			Help: "Messages dropped because the bounded ingest queue was full.",
		},
		[]string{"worker"},
	)

	DBWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cgingest_db_write_duration_seconds",
			Help:    "DB write latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"pipeline", "op"},
	)

	DBRowsAffectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cgingest_db_rows_affected_total",
			Help: "DB rows written or deleted.",
		},
		[]string{"pipeline", "table", "op"},
	)

	DBRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cgingest_db_retries_total",
			Help: "Persistence operation retries after a TransientError.",
		},
		[]string{"op"},
	)

	MessagesDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cgingest_messages_dropped_total",
			Help: "Messages dropped after exhausting persistence retries.",
		},
		[]string{"reason"},
	)

	GPSDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cgingest_gps_decisions_total",
			Help: "GPS filter decisions by outcome.",
		},
		[]string{"outcome"},
	)

	HistoryWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cgingest_history_writes_total",
			Help: "History rows written by reason.",
		},
		[]string{"write_reason"},
	)

	RouterStateGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cgingest_router_online",
			Help: "1 if the router/equipment/panel is considered online, 0 otherwise.",
		},
		[]string{"router_sn", "equip_type", "panel_id"},
	)

	RetentionBatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cgingest_retention_batches_total",
			Help: "Retention sweeper delete batches executed.",
		},
		[]string{"table"},
	)
)

var registerOnce sync.Once

func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			MQTTMessagesTotal,
			TopicMismatchTotal,
			PayloadErrorsTotal,
			QueueDroppedTotal,
			DBWriteDuration,
			DBRowsAffectedTotal,
			DBRetriesTotal,
			MessagesDroppedTotal,
			GPSDecisionsTotal,
			HistoryWritesTotal,
			RouterStateGauge,
			RetentionBatchesTotal,
		)
	})
}

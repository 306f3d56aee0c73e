package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	activityIngestGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "trainsync",
		Subsystem: "persistence",
		Name:      "last_activity_ingested_timestamp_seconds",
		Help:      "Unix timestamp of the most recent activity written to Postgres.",
	})
	syncRunGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "trainsync",
		Subsystem: "sync",
		Name:      "last_run_timestamp_seconds",
		Help:      "Unix timestamp of the most recent completed sync run.",
	})
)

func init() {
	prometheus.MustRegister(activityIngestGauge, syncRunGauge)
}

// RecordActivityIngested updates the ingestion watermark gauge.
func RecordActivityIngested(ts time.Time) {
	if ts.IsZero() {
		return
	}
	activityIngestGauge.Set(float64(ts.Unix()))
}

// RecordSyncRun updates the sync-run watermark gauge.
func RecordSyncRun(ts time.Time) {
	if ts.IsZero() {
		return
	}
	syncRunGauge.Set(float64(ts.Unix()))
}

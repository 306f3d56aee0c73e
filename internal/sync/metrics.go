package sync

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	runsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trainsync",
		Subsystem: "sync",
		Name:      "runs_total",
		Help:      "Number of completed sync runs grouped by trigger source.",
	}, []string{"trigger"})

	activitiesCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trainsync",
		Subsystem: "sync",
		Name:      "activities_total",
		Help:      "Number of processed activities grouped by ingestion outcome.",
	}, []string{"outcome"})

	athleteErrorCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "trainsync",
		Subsystem: "sync",
		Name:      "athlete_errors_total",
		Help:      "Number of per-athlete failures recorded into run summaries.",
	})

	rateLimitCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "trainsync",
		Subsystem: "sync",
		Name:      "rate_limit_aborts_total",
		Help:      "Number of runs cut short by a provider rate limit.",
	})
)

func init() {
	prometheus.MustRegister(runsCounter, activitiesCounter, athleteErrorCounter, rateLimitCounter)
}

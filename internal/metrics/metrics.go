// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	buildDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ledgerpub_build_duration_seconds",
		Help:    "Bundle build duration in seconds.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	})

	buildsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerpub_builds_total",
		Help: "Total bundle builds by outcome.",
	}, []string{"outcome"})

	recordsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledgerpub_records_total",
		Help: "Total records hashed into bundles.",
	})

	proofsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledgerpub_proofs_generated_total",
		Help: "Total inclusion proofs generated.",
	})

	guardDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerpub_guard_decisions_total",
		Help: "Total append-only guard decisions by decision.",
	}, []string{"decision"})

	publishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerpub_publish_total",
		Help: "Total publish attempts by outcome.",
	}, []string{"outcome"})

	verificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerpub_proof_verifications_total",
		Help: "Total proof verifications by result.",
	}, []string{"result"})

	checkpointsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledgerpub_checkpoints_appended_total",
		Help: "Total checkpoints appended to the chain.",
	})

	alertDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerpub_alert_deliveries_total",
		Help: "Total alert webhook delivery attempts by result.",
	}, []string{"result"})

	watchChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerpub_watch_checks_total",
		Help: "Total background re-checks of published dates by decision.",
	}, []string{"decision"})

	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerpub_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledgerpub_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// RecordBuild records a finished build.
func RecordBuild(d time.Duration, records, proofs int, err error) {
	if err != nil {
		buildsTotal.WithLabelValues("failure").Inc()
		return
	}
	buildsTotal.WithLabelValues("success").Inc()
	buildDuration.Observe(d.Seconds())
	recordsTotal.Add(float64(records))
	proofsTotal.Add(float64(proofs))
}

// RecordGuardDecision records one guard decision.
func RecordGuardDecision(decision string) {
	guardDecisionsTotal.WithLabelValues(decision).Inc()
}

// RecordPublish records a publish outcome.
func RecordPublish(outcome string) {
	publishTotal.WithLabelValues(outcome).Inc()
}

// RecordVerification records a proof verification result.
func RecordVerification(valid bool) {
	if valid {
		verificationsTotal.WithLabelValues("valid").Inc()
	} else {
		verificationsTotal.WithLabelValues("invalid").Inc()
	}
}

// RecordCheckpointAppend records a checkpoint append.
func RecordCheckpointAppend() {
	checkpointsTotal.Inc()
}

// RecordAlertDelivery records one alert delivery attempt.
func RecordAlertDelivery(success bool) {
	if success {
		alertDeliveriesTotal.WithLabelValues("success").Inc()
	} else {
		alertDeliveriesTotal.WithLabelValues("failure").Inc()
	}
}

// RecordWatchCheck records one background re-check.
func RecordWatchCheck(decision string) {
	watchChecksTotal.WithLabelValues(decision).Inc()
}

// RecordRequest records one served HTTP request.
func RecordRequest(method, path, status string, d time.Duration) {
	requestsTotal.WithLabelValues(method, path, status).Inc()
	requestDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

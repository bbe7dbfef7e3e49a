// Excubitor - Inline API Traffic Guard and Adaptive Mitigation Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/excubitor

package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus instrumentation for:
// - Interception gate decisions and hold latency
// - Traffic recorder queue pressure
// - Batch pipeline throughput
// - Classifier backend health
// - Calibration outcomes and feedback
// - Mitigation and case stores

var (
	// Gate Metrics
	GateDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gate_decisions_total",
			Help: "Total interception gate decisions by mitigation tier",
		},
		[]string{"level", "outcome"}, // outcome: "allow", "delay", "challenge", "reject"
	)

	GateLookupDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gate_lookup_duration_seconds",
			Help:    "Mitigation store lookup duration on the request path",
			Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01},
		},
	)

	GateDelayHold = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gate_delay_hold_seconds",
			Help:    "Time requests were held at the delay tier",
			Buckets: []float64{0.05, 0.1, 0.2, 0.3, 0.4, 0.5, 1},
		},
	)

	GateFailOpen = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gate_fail_open_total",
			Help: "Requests allowed through because the mitigation lookup failed",
		},
	)

	// Recorder Metrics
	RecorderQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "recorder_queue_depth",
			Help: "Current number of records awaiting classification",
		},
	)

	RecorderDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "recorder_dropped_total",
			Help: "Records dropped because the queue was full",
		},
	)

	RecorderRecorded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "recorder_records_total",
			Help: "Total requests recorded for classification",
		},
	)

	// Pipeline Metrics
	PipelineBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_batches_total",
			Help: "Total batches drained by trigger type",
		},
		[]string{"trigger"}, // "interval", "threshold"
	)

	PipelineBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pipeline_batch_size",
			Help:    "Number of records per drained batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		},
	)

	PipelineBatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pipeline_batch_duration_seconds",
			Help:    "End-to-end batch processing duration",
			Buckets: prometheus.DefBuckets,
		},
	)

	PipelineCategorySize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_category_records",
			Help:    "Records per category within a batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250},
		},
		[]string{"category"},
	)

	// Classifier Metrics
	ClassifierCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classifier_calls_total",
			Help: "Classifier backend calls by backend and result",
		},
		[]string{"backend", "result"}, // result: "ok", "error", "timeout", "rejected"
	)

	ClassifierDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "classifier_call_duration_seconds",
			Help:    "Classifier call duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"backend"},
	)

	ClassifierVerdicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classifier_verdicts_total",
			Help: "Verdicts returned by the classifier",
		},
		[]string{"category", "suggested_level"},
	)

	ClassifierDiscardedVerdicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "classifier_discarded_verdicts_total",
			Help: "Malformed or unknown-actor verdicts discarded",
		},
	)

	ClassifierBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "classifier_breaker_open",
			Help: "1 when the classifier circuit breaker is open",
		},
	)

	// Calibration Metrics
	CalibrationOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calibration_outcomes_total",
			Help: "Calibration decisions relative to the suggested tier",
		},
		[]string{"outcome"}, // "adopt", "downgrade", "escalate", "floor"
	)

	CalibrationSimilarCases = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "calibration_similar_cases",
			Help:    "Similar prior cases retrieved per calibration",
			Buckets: []float64{0, 1, 2, 3, 4, 5, 10},
		},
	)

	FeedbackSubmissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedback_submissions_total",
			Help: "Operator feedback submissions by label",
		},
		[]string{"label"}, // "correct", "incorrect"
	)

	// Store Metrics
	ActiveMitigations = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "active_mitigations",
			Help: "Currently active mitigations by tier",
		},
		[]string{"level"},
	)

	MitigationsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mitigations_applied_total",
			Help: "Mitigations committed to the store by tier",
		},
		[]string{"level"},
	)

	MitigationsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mitigations_expired_total",
			Help: "Mitigations removed by expiry",
		},
	)

	CaseStoreWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "case_store_writes_total",
			Help: "Case memory write operations",
		},
		[]string{"operation"}, // "save", "feedback"
	)

	CaseStoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "case_store_errors_total",
			Help: "Case memory errors by operation",
		},
		[]string{"operation"},
	)

	// API Metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total management API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "Management API request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"method", "endpoint"},
	)
)

// RecordGateDecision records a gate decision with its store lookup duration.
func RecordGateDecision(level, outcome string, lookup time.Duration) {
	GateDecisions.WithLabelValues(level, outcome).Inc()
	GateLookupDuration.Observe(lookup.Seconds())
}

// RecordBatch records a drained batch with its trigger and size.
func RecordBatch(trigger string, size int, duration time.Duration) {
	PipelineBatches.WithLabelValues(trigger).Inc()
	PipelineBatchSize.Observe(float64(size))
	PipelineBatchDuration.Observe(duration.Seconds())
}

// RecordClassifierCall records a classifier backend call.
func RecordClassifierCall(backend, result string, duration time.Duration) {
	ClassifierCalls.WithLabelValues(backend, result).Inc()
	ClassifierDuration.WithLabelValues(backend).Observe(duration.Seconds())
}

// RecordCalibration records a calibration outcome with the number of
// similar prior cases consulted.
func RecordCalibration(outcome string, similarCases int) {
	CalibrationOutcomes.WithLabelValues(outcome).Inc()
	CalibrationSimilarCases.Observe(float64(similarCases))
}

// RecordFeedback records an operator feedback submission.
func RecordFeedback(correct bool) {
	label := "incorrect"
	if correct {
		label = "correct"
	}
	FeedbackSubmissions.WithLabelValues(label).Inc()
}

// RecordAPIRequest records a management API request.
func RecordAPIRequest(method, endpoint string, statusCode int, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

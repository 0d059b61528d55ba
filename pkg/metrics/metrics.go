/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics defines the prometheus collectors shared across the
// delivery, DLQ, archival, and health components. Production wiring uses the
// default registry; tests inject an isolated one.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every collector the subsystem emits. One instance is
// created at startup and shared by reference.
type Metrics struct {
	// Delivery path.
	DeliveriesTotal    *prometheus.CounterVec
	AdmissionDecisions *prometheus.CounterVec
	DeliveryDuration   *prometheus.HistogramVec

	// Destination health.
	HealthStatus              *prometheus.GaugeVec
	CircuitBreakerState       *prometheus.GaugeVec
	CircuitBreakerTransitions *prometheus.CounterVec
	MonitorSweepsTotal        prometheus.Counter

	// Dead-letter queue.
	DLQEventsTotal     prometheus.Counter
	DLQDepth           *prometheus.GaugeVec
	DLQWorkerProcessed *prometheus.CounterVec
	DLQAlertsTotal     prometheus.Counter
	AlertSinkFailures  *prometheus.CounterVec

	// Archival engine.
	ArchiveOperationsTotal *prometheus.CounterVec
	ArchiveDuration        *prometheus.HistogramVec
	ArchiveBytesTotal      *prometheus.CounterVec
	ArchivedRecordsTotal   prometheus.Counter

	// Ingestion buffer.
	IngestBufferDepth   prometheus.Gauge
	IngestWrittenTotal  prometheus.Counter
	IngestDroppedTotal  prometheus.Counter
	IngestFlushDuration prometheus.Histogram

	// HTTP surface.
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics registers the collectors on the default prometheus registry.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWithRegistry(namespace, prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry registers the collectors on the given registry.
// Tests pass prometheus.NewRegistry() to avoid duplicate-registration panics
// across specs.
func NewMetricsWithRegistry(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		DeliveriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "attempts_total",
			Help:      "Delivery attempts by destination and outcome.",
		}, []string{"destination", "outcome"}),
		AdmissionDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "admission_decisions_total",
			Help:      "Admission decisions by outcome and circuit reason.",
		}, []string{"decision", "reason"}),
		DeliveryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "duration_seconds",
			Help:      "Wall time of delivery attempts.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"destination"}),

		HealthStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "destination_status",
			Help:      "Destination status: 0 healthy, 1 degraded, 2 unhealthy, 3 disabled.",
		}, []string{"destination"}),
		CircuitBreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state: 0 closed, 1 open, 2 half-open.",
		}, []string{"destination"}),
		CircuitBreakerTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "circuit_breaker_transitions_total",
			Help:      "Circuit breaker transitions by destination and edge.",
		}, []string{"destination", "from", "to"}),
		MonitorSweepsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "monitor_sweeps_total",
			Help:      "Completed health monitor sweeps.",
		}),

		DLQEventsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dlq",
			Name:      "events_total",
			Help:      "Events quarantined in the dead-letter queue.",
		}),
		DLQDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dlq",
			Name:      "depth",
			Help:      "Dead-letter jobs by queue state.",
		}, []string{"state"}),
		DLQWorkerProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dlq",
			Name:      "worker_processed_total",
			Help:      "DLQ worker decisions by action.",
		}, []string{"action"}),
		DLQAlertsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dlq",
			Name:      "alerts_total",
			Help:      "Threshold alerts emitted to registered callbacks.",
		}),
		AlertSinkFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dlq",
			Name:      "alert_sink_failures_total",
			Help:      "Failed alert sink notifications by sink.",
		}, []string{"sink"}),

		ArchiveOperationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "archival",
			Name:      "operations_total",
			Help:      "Archival operations by kind and status.",
		}, []string{"operation", "status"}),
		ArchiveDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "archival",
			Name:      "operation_duration_seconds",
			Help:      "Wall time of archival operations.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		}, []string{"operation"}),
		ArchiveBytesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "archival",
			Name:      "bytes_total",
			Help:      "Bytes flowing through archive creation, before and after compression.",
		}, []string{"kind"}),
		ArchivedRecordsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "archival",
			Name:      "records_total",
			Help:      "Audit records moved into archives.",
		}),

		IngestBufferDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "buffer_depth",
			Help:      "Records currently buffered awaiting a batch write.",
		}),
		IngestWrittenTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "written_total",
			Help:      "Records written to the live audit store.",
		}),
		IngestDroppedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "dropped_total",
			Help:      "Records dropped because the buffer was full.",
		}),
		IngestFlushDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "flush_duration_seconds",
			Help:      "Wall time of batch writes to the live audit store.",
			Buckets:   prometheus.DefBuckets,
		}),

		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route and status code.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
}

// Status gauge values. Kept stable for dashboard queries.
const (
	HealthStatusHealthy   = 0
	HealthStatusDegraded  = 1
	HealthStatusUnhealthy = 2
	HealthStatusDisabled  = 3

	CircuitStateClosed   = 0
	CircuitStateOpen     = 1
	CircuitStateHalfOpen = 2
)

// SetHealthStatus records the destination status gauge from its string form.
func (m *Metrics) SetHealthStatus(destinationID, status string) {
	var v float64
	switch status {
	case "degraded":
		v = HealthStatusDegraded
	case "unhealthy":
		v = HealthStatusUnhealthy
	case "disabled":
		v = HealthStatusDisabled
	default:
		v = HealthStatusHealthy
	}
	m.HealthStatus.WithLabelValues(destinationID).Set(v)
}

// SetCircuitState records the circuit breaker gauge from its string form.
func (m *Metrics) SetCircuitState(destinationID, state string) {
	var v float64
	switch state {
	case "open":
		v = CircuitStateOpen
	case "half-open":
		v = CircuitStateHalfOpen
	default:
		v = CircuitStateClosed
	}
	m.CircuitBreakerState.WithLabelValues(destinationID).Set(v)
}

// RecordCircuitTransition counts the edge and moves the state gauge.
func (m *Metrics) RecordCircuitTransition(destinationID, from, to string) {
	m.CircuitBreakerTransitions.WithLabelValues(destinationID, from, to).Inc()
	m.SetCircuitState(destinationID, to)
}

// RecordAdmission counts an admission decision.
func (m *Metrics) RecordAdmission(decision, reason string) {
	m.AdmissionDecisions.WithLabelValues(decision, reason).Inc()
}

// RecordMonitorSweep counts a completed monitor pass.
func (m *Metrics) RecordMonitorSweep() {
	m.MonitorSweepsTotal.Inc()
}

// RecordDelivery counts an attempt and observes its latency.
func (m *Metrics) RecordDelivery(destinationID, outcome string, seconds float64) {
	m.DeliveriesTotal.WithLabelValues(destinationID, outcome).Inc()
	m.DeliveryDuration.WithLabelValues(destinationID).Observe(seconds)
}

// RecordDLQEvent counts a quarantined event.
func (m *Metrics) RecordDLQEvent() {
	m.DLQEventsTotal.Inc()
}

// SetDLQDepth records the queue depth for one state.
func (m *Metrics) SetDLQDepth(state string, depth float64) {
	m.DLQDepth.WithLabelValues(state).Set(depth)
}

// RecordDLQWorkerAction counts a worker decision (archived, removed, retained).
func (m *Metrics) RecordDLQWorkerAction(action string) {
	m.DLQWorkerProcessed.WithLabelValues(action).Inc()
}

// RecordDLQAlert counts a fired threshold alert.
func (m *Metrics) RecordDLQAlert() {
	m.DLQAlertsTotal.Inc()
}

// RecordAlertSinkFailure counts a failed sink notification.
func (m *Metrics) RecordAlertSinkFailure(sink string) {
	m.AlertSinkFailures.WithLabelValues(sink).Inc()
}

// RecordArchiveOperation counts an archival operation and observes its
// duration.
func (m *Metrics) RecordArchiveOperation(operation, status string, seconds float64) {
	m.ArchiveOperationsTotal.WithLabelValues(operation, status).Inc()
	m.ArchiveDuration.WithLabelValues(operation).Observe(seconds)
}

// AddArchiveBytes accumulates bytes processed during archive creation.
func (m *Metrics) AddArchiveBytes(kind string, n float64) {
	m.ArchiveBytesTotal.WithLabelValues(kind).Add(n)
}

// AddArchivedRecords accumulates records moved into archives.
func (m *Metrics) AddArchivedRecords(n float64) {
	m.ArchivedRecordsTotal.Add(n)
}

// SetIngestBufferDepth records the current ingestion backlog.
func (m *Metrics) SetIngestBufferDepth(depth float64) {
	m.IngestBufferDepth.Set(depth)
}

// AddIngestWritten accumulates records persisted by the buffer.
func (m *Metrics) AddIngestWritten(n float64) {
	m.IngestWrittenTotal.Add(n)
}

// AddIngestDropped accumulates records dropped on buffer overflow.
func (m *Metrics) AddIngestDropped(n float64) {
	m.IngestDroppedTotal.Add(n)
}

// ObserveIngestFlush observes one batch write.
func (m *Metrics) ObserveIngestFlush(seconds float64) {
	m.IngestFlushDuration.Observe(seconds)
}

// ObserveHTTPRequest observes one served request.
func (m *Metrics) ObserveHTTPRequest(method, route, status string, seconds float64) {
	m.HTTPRequestDuration.WithLabelValues(method, route, status).Observe(seconds)
}

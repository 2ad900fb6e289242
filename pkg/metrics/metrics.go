// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-kms.
//
// go-kms is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package metrics provides Prometheus instrumentation for go-kms key
// lifecycle operations: envelope encryption, HSM backend calls, rotations,
// recovery ceremonies, and audit writes.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace is the Prometheus namespace for all go-kms metrics.
	Namespace = "kms"

	// Label names
	LabelOperation = "operation"
	LabelBackend   = "backend"
	LabelStatus    = "status"
	LabelErrorType = "error_type"
	LabelKeyType   = "key_type"
	LabelTrigger   = "trigger"

	// Status values
	StatusSuccess = "success"
	StatusError   = "error"

	// Operation names
	OpEncrypt     = "encrypt"
	OpDecrypt     = "decrypt"
	OpGenerate    = "generate"
	OpWrap        = "wrap"
	OpUnwrap      = "unwrap"
	OpDelete      = "delete"
	OpList        = "list"
	OpRotate      = "rotate"
	OpSplit       = "split"
	OpReconstruct = "reconstruct"
	OpAuditAppend = "audit_append"
	OpHealthCheck = "health_check"
)

var (
	// OperationsTotal tracks key management operations by type, backend,
	// and status.
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "operations_total",
			Help:      "Total number of key management operations by type, backend, and status",
		},
		[]string{LabelOperation, LabelBackend, LabelStatus},
	)

	// OperationDuration tracks operation latency in seconds. Buckets are
	// tuned for cryptographic operation latencies, local and networked.
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of key management operations in seconds",
			Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{LabelOperation, LabelBackend},
	)

	// ErrorsTotal tracks errors by operation, backend, and error type.
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "errors_total",
			Help:      "Total number of errors by operation, backend, and error type",
		},
		[]string{LabelOperation, LabelBackend, LabelErrorType},
	)

	// BackendHealthy indicates whether an HSM backend is healthy (1) or
	// unhealthy (0).
	BackendHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "backend_healthy",
			Help:      "Indicates whether an HSM backend is healthy (1) or unhealthy (0)",
		},
		[]string{LabelBackend},
	)

	// KeysTotal tracks the number of managed keys by key type and status.
	KeysTotal = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "keys_total",
			Help:      "Number of managed keys by key type and status",
		},
		[]string{LabelKeyType, LabelStatus},
	)

	// RotationsTotal tracks completed key rotations by key type and
	// trigger.
	RotationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "rotations_total",
			Help:      "Total number of key rotations by key type and trigger",
		},
		[]string{LabelKeyType, LabelTrigger},
	)

	// RecoveryCeremoniesTotal tracks recovery ceremonies by terminal
	// status.
	RecoveryCeremoniesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "recovery_ceremonies_total",
			Help:      "Total number of recovery ceremonies by terminal status",
		},
		[]string{LabelStatus},
	)

	// AuditEventsTotal tracks appended audit events.
	AuditEventsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "audit_events_total",
			Help:      "Total number of audit events appended to the ledger",
		},
	)

	// enabled tracks whether metrics collection is enabled
	enabled atomic.Bool
)

func init() {
	// Metrics are enabled by default
	enabled.Store(true)
}

// RecordOperation records an operation with its duration and status.
func RecordOperation(operation, backend, status string, duration float64) {
	if !enabled.Load() {
		return
	}
	OperationsTotal.WithLabelValues(operation, backend, status).Inc()
	OperationDuration.WithLabelValues(operation, backend).Observe(duration)
}

// RecordError records an error with context about where it occurred.
func RecordError(operation, backend, errorType string) {
	if !enabled.Load() {
		return
	}
	ErrorsTotal.WithLabelValues(operation, backend, errorType).Inc()
}

// RecordRotation records a completed rotation.
func RecordRotation(keyType, trigger string) {
	if !enabled.Load() {
		return
	}
	RotationsTotal.WithLabelValues(keyType, trigger).Inc()
}

// RecordCeremony records a recovery ceremony reaching a terminal status.
func RecordCeremony(status string) {
	if !enabled.Load() {
		return
	}
	RecoveryCeremoniesTotal.WithLabelValues(status).Inc()
}

// RecordAuditEvent records an appended audit event.
func RecordAuditEvent() {
	if !enabled.Load() {
		return
	}
	AuditEventsTotal.Inc()
}

// SetBackendHealth sets the health gauge for an HSM backend.
func SetBackendHealth(backend string, healthy bool) {
	if !enabled.Load() {
		return
	}
	value := 0.0
	if healthy {
		value = 1.0
	}
	BackendHealthy.WithLabelValues(backend).Set(value)
}

// SetKeysTotal sets the managed key gauge for a key type and status.
func SetKeysTotal(keyType, status string, count float64) {
	if !enabled.Load() {
		return
	}
	KeysTotal.WithLabelValues(keyType, status).Set(count)
}

// Enable enables metrics collection.
func Enable() {
	enabled.Store(true)
}

// Disable disables metrics collection.
func Disable() {
	enabled.Store(false)
}

// IsEnabled returns whether metrics collection is currently enabled.
func IsEnabled() bool {
	return enabled.Load()
}

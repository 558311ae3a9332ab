package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AssociationsTotal counts accepted and rejected associations per listener.
	AssociationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dicom_associations_total",
		Help: "Total DICOM associations by listener and outcome",
	}, []string{"listener", "outcome"})

	// OperationsTotal counts DIMSE operations by type and outcome.
	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dicom_operations_total",
		Help: "Total DIMSE operations by operation and outcome",
	}, []string{"operation", "outcome"})

	// OperationDuration observes DIMSE operation latency.
	OperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dicom_operation_duration_seconds",
		Help:    "DIMSE operation duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	// StoredBytes counts bytes written by the storage service.
	StoredBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dicom_stored_bytes_total",
		Help: "Total bytes of stored SOP instances",
	})

	// SubOperationsTotal counts retrieve sub-operations by outcome.
	SubOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dicom_sub_operations_total",
		Help: "Total C-MOVE/C-GET sub-operations by outcome",
	}, []string{"operation", "outcome"})
)

// Outcome labels.
const (
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeWarning  = "warning"
	OutcomeRejected = "rejected"
	OutcomeCancel   = "cancelled"
)

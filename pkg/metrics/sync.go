package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SyncDuration tracks the end-to-end latency of reconciling one event
	SyncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "catalog_sync_duration_seconds",
		Help:    "Time taken to reconcile an event against the projection store",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"status", "model", "action"}) // status: success, error

	// SyncOperations tracks the throughput and result of reconciliations
	SyncOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "catalog_sync_operations_total",
		Help: "Total number of reconciliation operations by result",
	}, []string{"status", "model", "action"})
)

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TransfersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_transfers_total",
		Help: "Transfers that reached a terminal state, labeled by asset and outcome",
	}, []string{"asset", "outcome"})

	TransferDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vault_transfer_duration_seconds",
		Help:    "Time from lock acquisition to terminal state",
		Buckets: []float64{0.1, 0.5, 1, 3, 5, 10, 30, 60, 90, 120},
	}, []string{"asset"})

	LockBusyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_lock_busy_total",
		Help: "Operations rejected because the account stayed locked",
	}, []string{"operation"})

	IdempotentReplaysTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vault_idempotent_replays_total",
		Help: "Transfer requests answered from a recorded outcome",
	})

	SweptTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_swept_total",
		Help: "Expired entries purged by the sweeper",
	}, []string{"kind"})

	ReconciledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_reconciled_total",
		Help: "Unknown transfers finalized by the reconciler",
	}, []string{"status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vault_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5, 30},
	}, []string{"method", "endpoint"})
)

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lumachat_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lumachat_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"method", "path"})
)

// Profile cache metrics
var (
	ProfileRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lumachat_risk_profile_requests_total",
		Help: "Profile requests by the cache path that served them",
	}, []string{"mode"})

	ProfileRecomputeSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "lumachat_risk_profile_recompute_seconds",
		Help:    "Duration of full conversation profile computations",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	})

	ProfileQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lumachat_risk_profile_queue_depth",
		Help: "Pending profile computations in the background queue",
	})

	ProfileQueueOverflowTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lumachat_risk_profile_queue_overflow_total",
		Help: "Profile computations rejected because the queue was full",
	})

	ProfileCacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lumachat_risk_profile_cache_entries",
		Help: "Entries currently held by the profile cache",
	})
)

// Ledger metrics
var (
	RiskDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lumachat_risk_decisions_total",
		Help: "Risk decisions persisted to the ledger",
	}, []string{"level", "channel"})

	RiskAppealsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lumachat_risk_appeals_total",
		Help: "User appeals submitted",
	})

	StoreWriteRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lumachat_risk_store_write_retries_total",
		Help: "Transient persistence failures that were retried",
	})
)

// Durable store size gauges, refreshed by the collector
var (
	LedgerDecisionsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lumachat_risk_ledger_decisions",
		Help: "Decisions currently held in the ledger",
	})

	LedgerAppealsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lumachat_risk_ledger_appeals",
		Help: "Appeals currently held in the ledger",
	})

	LedgerAttemptsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lumachat_risk_ledger_attempts",
		Help: "Friend-add attempts currently held in the ledger",
	})

	ActiveIgnoresTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lumachat_risk_active_ignores",
		Help: "Ignore entries currently stored, including not yet swept expired ones",
	})

	IndexedMessagesTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lumachat_indexed_messages",
		Help: "Chat messages currently held in the risk index",
	})
)

// Notification metrics
var (
	NotifyClientsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lumachat_notify_clients_connected",
		Help: "WebSocket clients currently connected to the notify hub",
	})

	NotifyPushesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lumachat_notify_pushes_total",
		Help: "Risk profile updates pushed to clients",
	})
)

// NormalizePath reduces high-cardinality path labels by replacing dynamic
// segments with placeholders. This keeps the metric label space bounded.
func NormalizePath(path string) string {
	switch {
	case path == "/metrics" || path == "/healthz" || path == "/ws":
		return path
	case hasPrefix(path, "/api/admin/risk/"):
		return path
	case hasPrefix(path, "/api/risk/"):
		return path
	case hasPrefix(path, "/api/messages"):
		return "/api/messages"
	default:
		return "/other"
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

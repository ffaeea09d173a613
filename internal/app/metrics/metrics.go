// Package metrics exposes Prometheus instrumentation for the exchange core.
// A dedicated registry keeps the scrape surface limited to what the core
// itself registers.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors the services record into.
type Metrics struct {
	registry *prometheus.Registry

	ExchangesCreated   prometheus.Counter
	ExchangesCompleted prometheus.Counter
	ExchangesCancelled prometheus.Counter
	ExchangeConflicts  prometheus.Counter
	LedgerEntries      *prometheus.CounterVec
	RewardClaims       prometheus.Counter
	NotificationsSent  prometheus.Counter
	CompletionSeconds  prometheus.Histogram
	HTTPDuration       *prometheus.HistogramVec
}

// New creates and registers the collector set.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		ExchangesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exchange_core_exchanges_created_total",
			Help: "Exchanges proposed.",
		}),
		ExchangesCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exchange_core_exchanges_completed_total",
			Help: "Exchanges completed after dual confirmation.",
		}),
		ExchangesCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exchange_core_exchanges_cancelled_total",
			Help: "Exchanges cancelled by a participant.",
		}),
		ExchangeConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exchange_core_exchange_conflicts_total",
			Help: "Optimistic concurrency collisions on exchange writes.",
		}),
		LedgerEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exchange_core_ledger_entries_total",
			Help: "Ledger entries appended, by transaction type.",
		}, []string{"transaction_type"}),
		RewardClaims: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exchange_core_reward_claims_total",
			Help: "Reward claims created.",
		}),
		NotificationsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exchange_core_notifications_sent_total",
			Help: "Notifications handed to the sender.",
		}),
		CompletionSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "exchange_core_completion_seconds",
			Help:    "Wall time from exchange creation to completion.",
			Buckets: prometheus.ExponentialBuckets(60, 4, 10),
		}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "exchange_core_http_request_duration_seconds",
			Help:    "HTTP request duration by method, route and status.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
	}

	registry.MustRegister(
		m.ExchangesCreated,
		m.ExchangesCompleted,
		m.ExchangesCancelled,
		m.ExchangeConflicts,
		m.LedgerEntries,
		m.RewardClaims,
		m.NotificationsSent,
		m.CompletionSeconds,
		m.HTTPDuration,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all tollsync metrics
const namespace = "tollsync"

// Registry is the global Prometheus registry for all metrics
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// EventsFetched counts raw events pulled from agency feeds
var EventsFetched = promauto.With(Registry).NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_fetched_total",
		Help:      "Total raw events fetched from agency feeds",
	},
	[]string{"agency"},
)

// EventsNormalized counts normalization outcomes per agency
var EventsNormalized = promauto.With(Registry).NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_normalized_total",
		Help:      "Normalization outcomes per agency (outcome: ok, quarantined)",
	},
	[]string{"agency", "outcome"},
)

// EventsReconciled counts reconciliation outcomes per agency
var EventsReconciled = promauto.With(Registry).NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_reconciled_total",
		Help:      "Reconciliation outcomes per agency (outcome: created, merged, failed)",
	},
	[]string{"agency", "outcome"},
)

// FetchDuration tracks agency fetch latency in seconds
var FetchDuration = promauto.With(Registry).NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "fetch_duration_seconds",
		Help:      "Agency fetch call latency in seconds",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"agency"},
)

// BreakerState exposes each agency's circuit breaker state
// Values: 0 = closed, 1 = half_open, 2 = open
var BreakerState = promauto.With(Registry).NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "breaker_state",
		Help:      "Circuit breaker state per agency (0=closed, 1=half_open, 2=open)",
	},
	[]string{"agency"},
)

// SyncFailures counts sync cycles that surfaced an error
var SyncFailures = promauto.With(Registry).NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_failures_total",
		Help:      "Sync cycles that ended in error, by reason",
	},
	[]string{"agency", "reason"},
)

// AmountDiscrepancies counts cross-source rated amount conflicts
var AmountDiscrepancies = promauto.With(Registry).NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "amount_discrepancies_total",
		Help:      "Merges where sources disagreed on the rated amount",
	},
	[]string{"agency"},
)

// EventsFinalized counts pending events promoted to posted
var EventsFinalized = promauto.With(Registry).NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_finalized_total",
		Help:      "Pending events promoted to posted by the finalize job",
	},
)

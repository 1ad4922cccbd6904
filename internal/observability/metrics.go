package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the lending service.
type Metrics struct {
	// --- HTTP API ---
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	// --- Lending operations ---
	PositionsCreated *prometheus.CounterVec // variant: p2p | pool
	LoansFunded      prometheus.Counter
	Repayments       prometheus.Counter
	RepaymentsFull   prometheus.Counter
	CollateralHeld   prometheus.Counter
	CollateralFreed  prometheus.Counter

	// --- Liquidation sweep ---
	SweepRuns          prometheus.Counter
	SweepDuration      prometheus.Histogram
	SweepChecked       prometheus.Counter
	Liquidations       prometheus.Counter
	SweepErrors        prometheus.Counter
	HealthComputations prometheus.Counter

	// --- Indexer upstream ---
	IndexerRequests *prometheus.CounterVec // endpoint, outcome
	IndexerDuration *prometheus.HistogramVec
	IndexerRetries  prometheus.Counter

	// --- Store ---
	StoreConflicts prometheus.Counter

	// --- Outbound events ---
	EventsPublished *prometheus.CounterVec
	EventsDropped   prometheus.Counter
}

// NewMetrics creates all metrics on the default Prometheus registry.
func NewMetrics() *Metrics {
	return NewMetricsOn(prometheus.DefaultRegisterer)
}

// NewMetricsOn creates all metrics on the given registerer. Tests pass a
// fresh registry so metric names do not collide across instances.
func NewMetricsOn(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	httpBuckets := []float64{
		0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
	}
	upstreamBuckets := []float64{
		0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
	}

	return &Metrics{
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_http_requests_total",
			Help: "HTTP requests served",
		}, []string{"route", "code"}),

		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lend_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: httpBuckets,
		}, []string{"route"}),

		PositionsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_positions_created_total",
			Help: "Loan positions created",
		}, []string{"variant"}),

		LoansFunded: factory.NewCounter(prometheus.CounterOpts{
			Name: "lend_loans_funded_total",
			Help: "Pending positions funded by a lender",
		}),

		Repayments: factory.NewCounter(prometheus.CounterOpts{
			Name: "lend_repayments_total",
			Help: "Repayments applied",
		}),

		RepaymentsFull: factory.NewCounter(prometheus.CounterOpts{
			Name: "lend_repayments_full_total",
			Help: "Repayments that zeroed the debt",
		}),

		CollateralHeld: factory.NewCounter(prometheus.CounterOpts{
			Name: "lend_collateral_escrow_total",
			Help: "Collateral escrow transfers prepared",
		}),

		CollateralFreed: factory.NewCounter(prometheus.CounterOpts{
			Name: "lend_collateral_release_total",
			Help: "Collateral release transfers prepared",
		}),

		SweepRuns: factory.NewCounter(prometheus.CounterOpts{
			Name: "lend_sweep_runs_total",
			Help: "Liquidation sweeps executed",
		}),

		SweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "lend_sweep_duration_seconds",
			Help:    "Full liquidation sweep duration",
			Buckets: upstreamBuckets,
		}),

		SweepChecked: factory.NewCounter(prometheus.CounterOpts{
			Name: "lend_sweep_positions_checked_total",
			Help: "Active positions examined by sweeps",
		}),

		Liquidations: factory.NewCounter(prometheus.CounterOpts{
			Name: "lend_liquidations_total",
			Help: "Positions transitioned to liquidated",
		}),

		SweepErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "lend_sweep_errors_total",
			Help: "Positions skipped by sweeps due to errors",
		}),

		HealthComputations: factory.NewCounter(prometheus.CounterOpts{
			Name: "lend_health_computations_total",
			Help: "Health factor computations",
		}),

		IndexerRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_indexer_requests_total",
			Help: "Indexer API calls",
		}, []string{"endpoint", "outcome"}),

		IndexerDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lend_indexer_request_duration_seconds",
			Help:    "Indexer API call duration",
			Buckets: upstreamBuckets,
		}, []string{"endpoint"}),

		IndexerRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "lend_indexer_retries_total",
			Help: "Indexer API transport retries",
		}),

		StoreConflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "lend_store_version_conflicts_total",
			Help: "Optimistic-concurrency conflicts detected by the store",
		}),

		EventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_events_published_total",
			Help: "Loan lifecycle events published to NATS",
		}, []string{"event_type"}),

		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "lend_events_dropped_total",
			Help: "Loan lifecycle events dropped (publish channel full)",
		}),
	}
}

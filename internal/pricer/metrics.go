package pricer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "dex_pricing"

// Metrics holds the pricer's Prometheus collectors.
type Metrics struct {
	BlocksFinalized  prometheus.Counter
	QuotesEmitted    prometheus.Counter
	MissingQuotes    prometheus.Counter
	Verifications    *prometheus.CounterVec
	StateLoadFailure prometheus.Counter
	PoolsDropped     prometheus.Counter
	DrasticMoves     prometheus.Counter
	BufferedBlocks   prometheus.Gauge
	PendingTasks     prometheus.Gauge
	TaskDuration     *prometheus.HistogramVec
}

// NewMetrics registers the collectors on reg. A nil reg gives unregistered
// collectors, which is what tests want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		BlocksFinalized: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "pricer",
			Name:      "blocks_finalized_total",
			Help:      "Blocks whose quotes were finalized",
		}),
		QuotesEmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "pricer",
			Name:      "quotes_emitted_total",
			Help:      "Per-transaction pair quotes emitted",
		}),
		MissingQuotes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "pricer",
			Name:      "missing_quotes_total",
			Help:      "Requested pairs that had no price after an update",
		}),
		Verifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "verification",
			Name:      "outcomes_total",
			Help:      "Subgraph verification outcomes",
		}, []string{"outcome"}),
		StateLoadFailure: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "state",
			Name:      "load_failures_total",
			Help:      "Pool state loads that failed after retries",
		}),
		PoolsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "state",
			Name:      "pools_dropped_total",
			Help:      "Pools dropped after an arithmetic error",
		}),
		DrasticMoves: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "pricer",
			Name:      "drastic_moves_total",
			Help:      "Pairs removed from a block for moving too far",
		}),
		BufferedBlocks: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "pricer",
			Name:      "buffered_blocks",
			Help:      "Blocks received but not yet finalized",
		}),
		PendingTasks: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "tasks",
			Name:      "pending",
			Help:      "Tasks whose results have not been handled",
		}),
		TaskDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "tasks",
			Name:      "duration_seconds",
			Help:      "Task run time by kind",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
	}
}

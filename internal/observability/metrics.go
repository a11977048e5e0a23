package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the settlement engine.
type Metrics struct {
	// --- Settlement core ---
	BatchesSettled   *prometheus.CounterVec
	BatchesRejected  *prometheus.CounterVec
	TradesSettled    *prometheus.CounterVec
	SettleDuration   *prometheus.HistogramVec
	EngineSequence   prometheus.Gauge
	JournalsGened    *prometheus.CounterVec
	FundingSettled   prometheus.Counter
	FundingShortfall *prometheus.CounterVec
	FundingRate      prometheus.Gauge
	OraclePrice      prometheus.Gauge

	// --- Risk ---
	PostTradeRejections  *prometheus.CounterVec
	LiquidationsSettled  prometheus.Counter
	DeleveragingsSettled prometheus.Counter
	InsurancePoolBalance prometheus.Gauge

	// --- Channel & backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ProjectionDrops     prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency ---
	DuplicateBatches *prometheus.CounterVec
	DedupLRUSize     prometheus.Gauge

	// --- Persistence ---
	PersistBatchesWritten  prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		BatchesSettled: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perpsettle_batches_settled_total",
			Help: "Settlement batches committed",
		}, []string{"kind"}),

		BatchesRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perpsettle_batches_rejected_total",
			Help: "Settlement batches rejected (duplicate, validation, risk)",
		}, []string{"kind", "reason"}),

		TradesSettled: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perpsettle_trades_settled_total",
			Help: "Individual trades settled",
		}, []string{"kind"}),

		SettleDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perpsettle_batch_settle_duration_seconds",
			Help:    "Time to settle one batch",
			Buckets: latencyBuckets,
		}, []string{"kind"}),

		EngineSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "perpsettle_engine_sequence",
			Help: "Current settlement sequence number",
		}),

		JournalsGened: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perpsettle_journals_generated_total",
			Help: "Ledger journal entries generated",
		}, []string{"journal_type"}),

		FundingSettled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perpsettle_funding_settlements_total",
			Help: "Per-account funding settlements applied",
		}),

		FundingShortfall: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perpsettle_funding_shortfall_total",
			Help: "Funding debits exceeding position margin",
		}, []string{"resolution"}),

		FundingRate: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "perpsettle_funding_rate_per_second",
			Help: "Current per-second funding rate",
		}),

		OraclePrice: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "perpsettle_oracle_price",
			Help: "Latest oracle price seen by the engine",
		}),

		PostTradeRejections: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perpsettle_post_trade_rejections_total",
			Help: "Trades rejected by post-trade risk checks",
		}, []string{"reason"}),

		LiquidationsSettled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perpsettle_liquidations_settled_total",
			Help: "Liquidation trades settled",
		}),

		DeleveragingsSettled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perpsettle_deleveragings_settled_total",
			Help: "Auto-deleveraging trades settled",
		}),

		InsurancePoolBalance: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "perpsettle_insurance_pool_balance",
			Help: "Current insurance pool balance",
		}),

		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perpsettle_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perpsettle_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ProjectionDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perpsettle_projection_drops_total",
			Help: "Outputs dropped due to full projection channel",
		}),

		PersistBackpressure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perpsettle_persist_backpressure_total",
			Help: "Times the engine blocked on the persist channel",
		}),

		DuplicateBatches: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perpsettle_duplicate_batches_total",
			Help: "Duplicate batch IDs caught (lru/postgres)",
		}, []string{"tier"}),

		DedupLRUSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "perpsettle_dedup_lru_size",
			Help: "Current dedup LRU occupancy",
		}),

		PersistBatchesWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perpsettle_persist_batches_written_total",
			Help: "Settlement batches written to Postgres",
		}),

		PersistJournalsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perpsettle_persist_journals_written_total",
			Help: "Journal entries written to Postgres",
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perpsettle_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perpsettle_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "perpsettle_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perpsettle_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perpsettle_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
}

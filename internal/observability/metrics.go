package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for VerseBet.
type Metrics struct {
	// --- Core Processing ---
	CoreEventsApplied  *prometheus.CounterVec
	CoreEventsRejected *prometheus.CounterVec
	CoreEventDuration  *prometheus.HistogramVec
	CoreJournals       *prometheus.CounterVec
	CoreStateHashDur   prometheus.Histogram
	CoreSequence       prometheus.Gauge

	// --- Trading ---
	TradesExecuted   *prometheus.CounterVec
	TradeNotional    *prometheus.CounterVec
	TradeFeesAccrued prometheus.Counter
	AMMRouteChosen   *prometheus.CounterVec
	SolverIterations prometheus.Histogram
	SolverFailures   prometheus.Counter

	// --- Risk & Liquidation ---
	LiquidationsTriggered *prometheus.CounterVec
	LiquidationsExecuted  *prometheus.CounterVec
	LiquidationQueueDepth prometheus.Gauge
	KeeperRewardsPaid     prometheus.Counter
	CoverageBps           prometheus.Gauge
	InsuranceFundBalance  prometheus.Gauge

	// --- Security ---
	SecurityAlerts      *prometheus.CounterVec
	ProposalRiskScore   *prometheus.GaugeVec
	BreakerTrips        *prometheus.CounterVec
	BreakerActive       *prometheus.GaugeVec
	InvariantSweeps     prometheus.Counter
	InvariantViolations *prometheus.CounterVec

	// --- Settlement & Chains ---
	ProposalsResolved prometheus.Counter
	PositionsSettled  prometheus.Counter
	ChainsAdvanced    prometheus.Counter
	ChainsClosed      *prometheus.CounterVec
	MMTTokensBurned   prometheus.Counter

	// --- Batches ---
	BatchItems        *prometheus.CounterVec
	BatchComputeUnits *prometheus.HistogramVec

	// --- Channel & Backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	ProjectionDrops     *prometheus.CounterVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency & Ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter
	DedupTier2Duration    prometheus.Histogram
	EventSequenceGap      *prometheus.CounterVec
	EventOutOfOrder       *prometheus.CounterVec
	PriceSequenceGap      *prometheus.CounterVec

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchDur        prometheus.Histogram
	PersistBatchSize       prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Snapshot & Replay ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter
	ReplayDuration    prometheus.Gauge

	// --- Ingestion ---
	IngestToApply   *prometheus.HistogramVec
	NATSPullLatency *prometheus.HistogramVec

	// --- Query API ---
	QueryRequests     *prometheus.CounterVec
	QueryDuration     *prometheus.HistogramVec
	QueryErrors       *prometheus.CounterVec
	QueryFreshnessLag *prometheus.HistogramVec

	// --- Projections ---
	ProjectionUpdateDur *prometheus.HistogramVec
}

var latencyBuckets = []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1}

// NewMetrics registers all metrics with the default registry.
func NewMetrics() *Metrics {
	return &Metrics{
		// Core Processing
		CoreEventsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "versebet_core_events_applied_total",
			Help: "Events applied by the deterministic core",
		}, []string{"event_type"}),

		CoreEventsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "versebet_core_events_rejected_total",
			Help: "Events rejected (duplicate/invalid/halted)",
		}, []string{"event_type", "reason"}),

		CoreEventDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "versebet_core_event_duration_seconds",
			Help:    "Per-event processing time in the core",
			Buckets: latencyBuckets,
		}, []string{"event_type"}),

		CoreJournals: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "versebet_core_journals_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		CoreStateHashDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "versebet_core_state_hash_duration_seconds",
			Help:    "State digest + hash computation time",
			Buckets: latencyBuckets,
		}),

		CoreSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "versebet_core_sequence",
			Help: "Current global sequence",
		}),

		// Trading
		TradesExecuted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "versebet_trades_executed_total",
			Help: "Bets placed, by AMM route",
		}, []string{"route"}),

		TradeNotional: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "versebet_trade_notional_total",
			Help: "Cumulative traded notional (quote units)",
		}, []string{"route"}),

		TradeFeesAccrued: promauto.NewCounter(prometheus.CounterOpts{
			Name: "versebet_trade_fees_accrued_total",
			Help: "Cumulative trade fees (quote units)",
		}),

		AMMRouteChosen: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "versebet_amm_route_chosen_total",
			Help: "Hybrid AMM routing decisions",
		}, []string{"route"}),

		SolverIterations: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "versebet_solver_iterations",
			Help:    "Newton solver iterations per invocation",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 34, 50},
		}),

		SolverFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "versebet_solver_failures_total",
			Help: "Solver runs that hit the iteration ceiling",
		}),

		// Risk & Liquidation
		LiquidationsTriggered: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "versebet_liquidations_triggered_total",
			Help: "Positions enqueued for liquidation",
		}, []string{"source"}),

		LiquidationsExecuted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "versebet_liquidations_executed_total",
			Help: "Liquidation rounds executed",
		}, []string{"kind"}),

		LiquidationQueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "versebet_liquidation_queue_depth",
			Help: "Current liquidation queue occupancy",
		}),

		KeeperRewardsPaid: promauto.NewCounter(prometheus.CounterOpts{
			Name: "versebet_keeper_rewards_paid_total",
			Help: "Keeper rewards paid (quote units)",
		}),

		CoverageBps: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "versebet_coverage_bps",
			Help: "Vault coverage ratio in basis points",
		}),

		InsuranceFundBalance: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "versebet_insurance_fund_balance",
			Help: "Current insurance fund balance (quote units)",
		}),

		// Security
		SecurityAlerts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "versebet_security_alerts_total",
			Help: "Attack detector alerts",
		}, []string{"type", "severity"}),

		ProposalRiskScore: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "versebet_proposal_risk_score",
			Help: "Detector risk score per proposal (0-100)",
		}, []string{"proposal_id"}),

		BreakerTrips: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "versebet_breaker_trips_total",
			Help: "Circuit breaker activations",
		}, []string{"kind"}),

		BreakerActive: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "versebet_breaker_active",
			Help: "Whether a breaker is currently halting trading (0/1)",
		}, []string{"kind"}),

		InvariantSweeps: promauto.NewCounter(prometheus.CounterOpts{
			Name: "versebet_invariant_sweeps_total",
			Help: "Periodic invariant audit runs",
		}),

		InvariantViolations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "versebet_invariant_violations_total",
			Help: "Invariant violations found",
		}, []string{"type"}),

		// Settlement & Chains
		ProposalsResolved: promauto.NewCounter(prometheus.CounterOpts{
			Name: "versebet_proposals_resolved_total",
			Help: "Proposals resolved to a winning outcome",
		}),

		PositionsSettled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "versebet_positions_settled_total",
			Help: "Positions settled at resolution",
		}),

		ChainsAdvanced: promauto.NewCounter(prometheus.CounterOpts{
			Name: "versebet_chains_advanced_total",
			Help: "Chain legs resolved as winners",
		}),

		ChainsClosed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "versebet_chains_closed_total",
			Help: "Chains closed (won/lost)",
		}, []string{"result"}),

		MMTTokensBurned: promauto.NewCounter(prometheus.CounterOpts{
			Name: "versebet_mmt_tokens_burned_total",
			Help: "MMT tokens destroyed by settlement buybacks",
		}),

		// Batches
		BatchItems: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "versebet_batch_items_total",
			Help: "Batch items by kind and result",
		}, []string{"kind", "result"}),

		BatchComputeUnits: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "versebet_batch_compute_units",
			Help:    "Compute units consumed per batch",
			Buckets: []float64{500, 1000, 2000, 4000, 8000, 16000, 32000, 64000, 96000},
		}, []string{"kind"}),

		// Channel & Backpressure
		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "versebet_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "versebet_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "versebet_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ProjectionDrops: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "versebet_projection_drops_total",
			Help: "Events dropped due to full projection channel",
		}, []string{"projection"}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "versebet_publish_drops_total",
			Help: "Events dropped due to full publish channel",
		}),

		PersistBackpressure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "versebet_persist_backpressure_total",
			Help: "Times core blocked on persist channel",
		}),

		// Idempotency & Ordering
		IdempotencyDuplicates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "versebet_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"event_type", "tier"}),

		DedupLRUSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "versebet_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupLRUEvictions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "versebet_dedup_lru_evictions_total",
			Help: "LRU evictions",
		}),

		DedupTier2Duration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "versebet_dedup_tier2_duration_seconds",
			Help:    "Postgres dedup lookup latency",
			Buckets: latencyBuckets,
		}),

		EventSequenceGap: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "versebet_event_sequence_gap_total",
			Help: "Source sequence gaps",
		}, []string{"partition"}),

		EventOutOfOrder: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "versebet_event_out_of_order_total",
			Help: "Out-of-order rejections",
		}, []string{"partition"}),

		PriceSequenceGap: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "versebet_price_sequence_gap_total",
			Help: "Oracle price sequence gaps (tolerated)",
		}, []string{"proposal_id"}),

		// Persistence
		PersistEventsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "versebet_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistJournalsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "versebet_persist_journals_written_total",
			Help: "Journal entries written to Postgres",
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "versebet_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "versebet_persist_batch_size",
			Help:    "Events per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "versebet_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "versebet_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "versebet_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		// Snapshot & Replay
		SnapshotTaken: promauto.NewCounter(prometheus.CounterOpts{
			Name: "versebet_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "versebet_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "versebet_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "versebet_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		ReplayEventsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "versebet_replay_events_total",
			Help: "Events replayed on startup",
		}),

		ReplayDuration: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "versebet_replay_duration_seconds",
			Help: "Total replay time",
		}),

		// Ingestion
		IngestToApply: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "versebet_ingest_to_apply_seconds",
			Help:    "NATS receive to core apply latency",
			Buckets: latencyBuckets,
		}, []string{"event_type"}),

		NATSPullLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "versebet_nats_pull_latency_seconds",
			Help:    "JetStream pull + ack latency",
			Buckets: latencyBuckets,
		}, []string{"subject"}),

		// Query API
		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "versebet_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "versebet_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		QueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "versebet_query_errors_total",
			Help: "Query errors",
		}, []string{"endpoint", "code"}),

		QueryFreshnessLag: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "versebet_query_freshness_lag_seconds",
			Help:    "Staleness of projection data served",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		}, []string{"projection"}),

		// Projections
		ProjectionUpdateDur: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "versebet_projection_update_duration_seconds",
			Help:    "Projection table update duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"projection"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}

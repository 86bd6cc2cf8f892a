package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Scan, tracker and verification counters, partitioned by chain (and
// stream where it applies).

var (
	// Scanner
	ScanChunksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fee",
		Subsystem: "scanner",
		Name:      "chunks_total",
		Help:      "Total log ranges fetched and folded",
	}, []string{"chain", "stream"})

	ScanLogsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fee",
		Subsystem: "scanner",
		Name:      "logs_applied_total",
		Help:      "Total logs folded into derived state (after dedup)",
	}, []string{"chain", "stream"})

	ScanLogsDeduped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fee",
		Subsystem: "scanner",
		Name:      "logs_deduped_total",
		Help:      "Total logs skipped because their identity was already included",
	}, []string{"chain", "stream"})

	ScanErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fee",
		Subsystem: "scanner",
		Name:      "errors_total",
		Help:      "Total scan chunk failures (cursor not advanced)",
	}, []string{"chain", "stream"})

	ScanCursor = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fee",
		Subsystem: "scanner",
		Name:      "cursor_block",
		Help:      "Next unscanned block number per stream",
	}, []string{"chain", "stream"})

	// Finalization tracker
	TrackerFinalizedBlock = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fee",
		Subsystem: "tracker",
		Name:      "finalized_block",
		Help:      "Most recently observed finalized block number",
	}, []string{"chain"})

	TrackerFinalizedSlot = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fee",
		Subsystem: "tracker",
		Name:      "finalized_slot",
		Help:      "Slot number derived from the finalized block timestamp",
	}, []string{"chain"})

	TrackerRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fee",
		Subsystem: "tracker",
		Name:      "runs_total",
		Help:      "Total tracker scan passes",
	}, []string{"chain"})

	TrackerRunErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fee",
		Subsystem: "tracker",
		Name:      "run_errors_total",
		Help:      "Total tracker scan passes that failed",
	}, []string{"chain"})

	// RPC
	RPCCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fee",
		Subsystem: "rpc",
		Name:      "calls_total",
		Help:      "Total chain RPC calls by method and status",
	}, []string{"chain", "method", "status"})

	RPCRateLimitWaits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fee",
		Subsystem: "rpc",
		Name:      "rate_limit_waits_total",
		Help:      "Total RPC calls delayed by the client-side rate limiter",
	}, []string{"chain"})

	// Verification
	VerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fee",
		Subsystem: "verify",
		Name:      "claims_total",
		Help:      "Total payment claims processed by outcome",
	}, []string{"chain", "outcome"})

	// Ledger replication
	LedgerRepliedLength = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fee",
		Subsystem: "ledger",
		Name:      "replied_length",
		Help:      "Replicated credit-log length per chain",
	}, []string{"chain"})

	LedgerSubmitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fee",
		Subsystem: "ledger",
		Name:      "submits_total",
		Help:      "Total credit entries submitted to the ledger by status",
	}, []string{"chain", "status"})

	// Beacon cache
	BeaconWindowLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fee",
		Subsystem: "beacon",
		Name:      "window_lookups_total",
		Help:      "Validator window lookups by source (cache, refresh)",
	}, []string{"chain", "source"})

	// HTTP
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fee",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total HTTP requests by route and status code",
	}, []string{"route", "code"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fee",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request handling duration",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"route"})
)

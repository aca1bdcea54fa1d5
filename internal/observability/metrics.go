package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Metrics holds the ledger's Prometheus collectors. A nil *Metrics is valid
// and records nothing, so components can be built without instrumentation.
type Metrics struct {
	// Registry owns these collectors and backs the /metrics endpoint.
	Registry *prometheus.Registry

	transactions     *prometheus.CounterVec
	processDuration  *prometheus.HistogramVec
	versionConflicts prometheus.Counter
	lockTimeouts     prometheus.Counter
	cardTransitions  *prometheus.CounterVec
	paymentEvents    *prometheus.CounterVec
	gatewayCalls     *prometheus.CounterVec
	jobRuns          *prometheus.CounterVec
	notifyFailures   *prometheus.CounterVec
	idempotencyHits  *prometheus.CounterVec
}

// NewMetrics registers every collector in a private registry, so it can be
// called more than once in tests.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		transactions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_transactions_total",
				Help: "Transaction requests by type and outcome.",
			},
			[]string{"type", "outcome"},
		),
		processDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledger_process_duration_seconds",
				Help:    "Time spent processing a transaction request.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"type"},
		),
		versionConflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "ledger_version_conflicts_total",
			Help: "Commits rejected because an account moved underneath them.",
		}),
		lockTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "ledger_lock_timeouts_total",
			Help: "Scopes that could not be acquired within the lock timeout.",
		}),
		cardTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_card_transitions_total",
				Help: "Card status changes by target status.",
			},
			[]string{"to"},
		),
		paymentEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_payment_events_total",
				Help: "Gateway events by target status and outcome.",
			},
			[]string{"status", "outcome"},
		),
		gatewayCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_gateway_requests_total",
				Help: "Outbound payment gateway calls by outcome.",
			},
			[]string{"outcome"},
		),
		jobRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_job_runs_total",
				Help: "Scheduled job runs by job and outcome.",
			},
			[]string{"job", "outcome"},
		),
		notifyFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_notify_failures_total",
				Help: "Post-commit notifications that failed to deliver.",
			},
			[]string{"sink"},
		),
		idempotencyHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_idempotency_hits_total",
				Help: "Requests short-circuited as duplicates, by source.",
			},
			[]string{"source"},
		),
	}
}

func (m *Metrics) RecordTransaction(txType, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.transactions.WithLabelValues(txType, outcome).Inc()
	m.processDuration.WithLabelValues(txType).Observe(d.Seconds())
}

func (m *Metrics) IncrVersionConflict() {
	if m == nil {
		return
	}
	m.versionConflicts.Inc()
}

func (m *Metrics) IncrLockTimeout() {
	if m == nil {
		return
	}
	m.lockTimeouts.Inc()
}

func (m *Metrics) IncrCardTransition(to string) {
	if m == nil {
		return
	}
	m.cardTransitions.WithLabelValues(to).Inc()
}

func (m *Metrics) IncrPaymentEvent(status, outcome string) {
	if m == nil {
		return
	}
	m.paymentEvents.WithLabelValues(status, outcome).Inc()
}

func (m *Metrics) IncrGatewayCall(outcome string) {
	if m == nil {
		return
	}
	m.gatewayCalls.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncrJobRun(job, outcome string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job, outcome).Inc()
}

func (m *Metrics) IncrNotifyFailure(sink string) {
	if m == nil {
		return
	}
	m.notifyFailures.WithLabelValues(sink).Inc()
}

func (m *Metrics) IncrIdempotencyHit(source string) {
	if m == nil {
		return
	}
	m.idempotencyHits.WithLabelValues(source).Inc()
}

// TransactionCount returns the cumulative counter for a type/outcome pair.
func (m *Metrics) TransactionCount(txType, outcome string) float64 {
	if m == nil {
		return 0
	}
	return counterValue(m.transactions.WithLabelValues(txType, outcome))
}

// VersionConflicts returns the cumulative conflict count.
func (m *Metrics) VersionConflicts() float64 {
	if m == nil {
		return 0
	}
	return counterValue(m.versionConflicts)
}

// PaymentEventCount returns the cumulative counter for a status/outcome pair.
func (m *Metrics) PaymentEventCount(status, outcome string) float64 {
	if m == nil {
		return 0
	}
	return counterValue(m.paymentEvents.WithLabelValues(status, outcome))
}

func counterValue(c prometheus.Counter) float64 {
	out := &dto.Metric{}
	if err := c.Write(out); err != nil {
		return 0
	}
	if out.Counter != nil && out.Counter.Value != nil {
		return *out.Counter.Value
	}
	return 0
}

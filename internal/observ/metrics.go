package observ

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	approvalTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "approval_transitions_total",
			Help: "Approval store operations by event and resulting reason",
		},
		[]string{"event", "reason"},
	)

	approvalStoreRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "approval_store_retries_total",
			Help: "Transactions retried because the store was busy or locked",
		},
	)

	auditFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "approval_audit_failures_total",
			Help: "Audit sink writes that failed (never block a transition)",
		},
	)

	gateDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "execution_gate_decisions_total",
			Help: "Chokepoint outcomes by mode and reason",
		},
		[]string{"mode", "reason"},
	)

	executionAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "execution_attempts_total",
			Help: "Order attempts by mode and outcome (filled or abort reason)",
		},
		[]string{"mode", "outcome"},
	)

	executionQuality = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "execution_quality_score",
			Help:    "Composite execution quality score of filled orders",
			Buckets: prometheus.LinearBuckets(0, 10, 11),
		},
	)

	executionSlippage = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "execution_slippage_bps",
			Help:    "Fill slippage versus decision mid in basis points",
			Buckets: []float64{-50, -20, -10, -5, 0, 5, 10, 20, 50, 100, 250},
		},
	)

	riskMode = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "risk_mode",
			Help: "Trading mode indicator (one labeled series set to 1)",
		},
		[]string{"mode"},
	)

	riskEquity = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "risk_equity",
			Help: "Equity tracked by the risk state",
		},
	)

	breakerHalted = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_halted",
			Help: "1 while the circuit breaker halt is active",
		},
	)

	breakerTrips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_trips_total",
			Help: "Circuit breaker halts by trigger",
		},
		[]string{"trigger"},
	)
)

var riskModes = []string{"NORMAL", "SOFT_HALT", "HARD_HALT", "RECOVERY_MODE"}

func init() {
	prometheus.MustRegister(approvalTransitions, approvalStoreRetries, auditFailures)
	prometheus.MustRegister(gateDecisions, executionAttempts, executionQuality, executionSlippage)
	prometheus.MustRegister(riskMode, riskEquity)
	prometheus.MustRegister(breakerHalted, breakerTrips)
}

// Handler serves the Prometheus text exposition.
func Handler() http.Handler { return promhttp.Handler() }

func IncApprovalTransition(event, reason string) {
	approvalTransitions.WithLabelValues(event, reason).Inc()
}
func IncStoreRetry()   { approvalStoreRetries.Inc() }
func IncAuditFailure() { auditFailures.Inc() }

func IncGateDecision(mode, reason string) { gateDecisions.WithLabelValues(mode, reason).Inc() }

func IncExecutionAttempt(mode, outcome string) {
	executionAttempts.WithLabelValues(mode, outcome).Inc()
}

// ObserveFill records quality and slippage of a filled order.
func ObserveFill(qualityScore, slippageBps float64) {
	executionQuality.Observe(qualityScore)
	executionSlippage.Observe(slippageBps)
}

// SetRiskMode flips the labeled mode series so exactly one is 1.
func SetRiskMode(mode string) {
	for _, m := range riskModes {
		if m == mode {
			riskMode.WithLabelValues(m).Set(1)
		} else {
			riskMode.WithLabelValues(m).Set(0)
		}
	}
}

func SetRiskEquity(v float64) { riskEquity.Set(v) }

func SetBreakerHalted(halted bool) {
	if halted {
		breakerHalted.Set(1)
		return
	}
	breakerHalted.Set(0)
}

func IncBreakerTrip(trigger string) { breakerTrips.WithLabelValues(trigger).Inc() }

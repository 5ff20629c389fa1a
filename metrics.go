package idempotency

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes coordinator outcomes as Prometheus collectors.
// Label values are bounded enums; keys are never used as labels.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	checks      *prometheus.CounterVec
	claims      *prometheus.CounterVec
	transitions *prometheus.CounterVec
	storeErrors *prometheus.CounterVec
	duplicates  prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg when it is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		checks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idempotency_checks_total",
			Help: "Idempotency checks by outcome (not_found, processing, completed, conflict)",
		}, []string{"outcome"}),
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idempotency_claims_total",
			Help: "Claim attempts by result (won, lost)",
		}, []string{"result"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idempotency_transitions_total",
			Help: "Record transitions out of Processing by target status and whether they were applied",
		}, []string{"status", "applied"}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idempotency_store_errors_total",
			Help: "Cache operation failures by coordinator operation",
		}, []string{"op"}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "idempotency_duplicates_blocked_total",
			Help: "Requests answered without invoking the downstream handler",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.checks, m.claims, m.transitions, m.storeErrors, m.duplicates)
	}
	return m
}

func (m *Metrics) observeCheck(o Outcome) {
	if m == nil {
		return
	}
	m.checks.WithLabelValues(o.String()).Inc()
}

func (m *Metrics) observeClaim(won bool) {
	if m == nil {
		return
	}
	result := "lost"
	if won {
		result = "won"
	}
	m.claims.WithLabelValues(result).Inc()
}

func (m *Metrics) observeTransition(status Status, applied bool) {
	if m == nil {
		return
	}
	a := "false"
	if applied {
		a = "true"
	}
	m.transitions.WithLabelValues(string(status), a).Inc()
}

func (m *Metrics) observeStoreError(op string) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) observeDuplicate() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}

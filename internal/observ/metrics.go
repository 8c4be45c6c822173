package observ

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the counters exported on /metrics. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	ApplicationMutations *prometheus.CounterVec
	PaymentSignals       *prometheus.CounterVec
	PermissionDenials    *prometheus.CounterVec
}

// NewMetrics creates the counters and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ApplicationMutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "admitflow",
			Name:      "application_mutations_total",
			Help:      "Application mutations by action and outcome.",
		}, []string{"action", "outcome"}),
		PaymentSignals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "admitflow",
			Name:      "payment_signals_total",
			Help:      "Payment status signals by provider, ingress path and outcome.",
		}, []string{"provider", "path", "outcome"}),
		PermissionDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "admitflow",
			Name:      "permission_denials_total",
			Help:      "Capability checks that failed, by capability.",
		}, []string{"capability"}),
	}
	reg.MustRegister(m.ApplicationMutations, m.PaymentSignals, m.PermissionDenials)
	return m
}

func (m *Metrics) ApplicationMutation(action, outcome string) {
	if m == nil {
		return
	}
	m.ApplicationMutations.WithLabelValues(action, outcome).Inc()
}

func (m *Metrics) PaymentSignal(provider, path, outcome string) {
	if m == nil {
		return
	}
	m.PaymentSignals.WithLabelValues(provider, path, outcome).Inc()
}

func (m *Metrics) PermissionDenied(capability string) {
	if m == nil {
		return
	}
	m.PermissionDenials.WithLabelValues(capability).Inc()
}

package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// PaymentWebhookTotal counts inbound payment notifications by event kind and outcome.
	PaymentWebhookTotal *prometheus.CounterVec
	// PurchaseTransitionsTotal counts ledger status writes.
	PurchaseTransitionsTotal *prometheus.CounterVec
	// PurchaseTransitionRefusedTotal counts status writes rejected by the transition rules.
	PurchaseTransitionRefusedTotal *prometheus.CounterVec
	// ReconcileGroupsTotal counts reconciliation sweep groups by outcome.
	ReconcileGroupsTotal *prometheus.CounterVec
	// ConfirmationDispatchTotal counts purchase confirmation hand-offs by result.
	ConfirmationDispatchTotal *prometheus.CounterVec
	// ProviderRequestLatency records provider API latency in milliseconds.
	ProviderRequestLatency *prometheus.HistogramVec
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		PaymentWebhookTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_webhook_total",
			Help:      "Count of processed payment notifications by event and outcome.",
		}, []string{"event", "result"})
		PurchaseTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purchase_transitions_total",
			Help:      "Count of purchase status transitions written to the ledger.",
		}, []string{"from", "to"})
		PurchaseTransitionRefusedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purchase_transition_refused_total",
			Help:      "Count of purchase status transitions refused by the ledger rules.",
		}, []string{"current", "target"})
		ReconcileGroupsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_groups_total",
			Help:      "Count of reconciliation sweep groups by outcome.",
		}, []string{"outcome"})
		ConfirmationDispatchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "confirmation_dispatch_total",
			Help:      "Count of purchase confirmation dispatches by result.",
		}, []string{"result"})
		ProviderRequestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_request_duration_ms",
			Help:      "Latency for payment provider API calls in milliseconds.",
			Buckets:   []float64{25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}, []string{"resource", "result"})

		PaymentWebhookTotal = MustRegister(reg, PaymentWebhookTotal)
		PurchaseTransitionsTotal = MustRegister(reg, PurchaseTransitionsTotal)
		PurchaseTransitionRefusedTotal = MustRegister(reg, PurchaseTransitionRefusedTotal)
		ReconcileGroupsTotal = MustRegister(reg, ReconcileGroupsTotal)
		ConfirmationDispatchTotal = MustRegister(reg, ConfirmationDispatchTotal)
		ProviderRequestLatency = MustRegister(reg, ProviderRequestLatency)
	})
}

// IncCounter bumps a labelled counter when metrics have been registered.
func IncCounter(vec *prometheus.CounterVec, labels ...string) {
	if vec == nil {
		return
	}
	vec.WithLabelValues(labels...).Inc()
}

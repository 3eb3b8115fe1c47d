package resilience

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/noah-isme/lensa-payments/internal/obs"
)

var (
	breakerOnce sync.Once

	// BreakerState reports the current state per target: 0=closed, 1=open, 2=half-open.
	BreakerState *prometheus.GaugeVec
	// BreakerTransitions counts state changes per target.
	BreakerTransitions *prometheus.CounterVec
	// BreakerOpenedTotal counts how often each target's breaker opened.
	BreakerOpenedTotal *prometheus.CounterVec
)

// MustRegisterBreakerMetrics creates and registers the breaker collectors.
// Breakers record nothing until this has been called.
func MustRegisterBreakerMetrics(namespace string, reg prometheus.Registerer) {
	breakerOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		BreakerState = obs.MustRegister(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Current breaker state: 0=closed, 1=open, 2=half-open.",
		}, []string{"target"}))
		BreakerTransitions = obs.MustRegister(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_transition_total",
			Help:      "Count of breaker state transitions.",
		}, []string{"target", "from", "to"}))
		BreakerOpenedTotal = obs.MustRegister(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_open_total",
			Help:      "Number of times a breaker transitioned into open state.",
		}, []string{"target"}))
	})
}

func recordState(target string, state State) {
	if BreakerState == nil {
		return
	}
	value := float64(state)
	if state != Closed && state != Open && state != HalfOpen {
		value = -1
	}
	BreakerState.WithLabelValues(target).Set(value)
}

func recordTransition(target string, from, to State) {
	if BreakerTransitions != nil {
		BreakerTransitions.WithLabelValues(target, from.String(), to.String()).Inc()
	}
	if to == Open && BreakerOpenedTotal != nil {
		BreakerOpenedTotal.WithLabelValues(target).Inc()
	}
}

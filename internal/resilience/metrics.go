package resilience

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// BreakerState exposes the current state per target: 0=closed, 1=open, 2=half-open.
	BreakerState *prometheus.GaugeVec
	// BreakerTransitions counts state changes per target.
	BreakerTransitions *prometheus.CounterVec
	// BreakerOpenedTotal counts how often a target tripped open.
	BreakerOpenedTotal *prometheus.CounterVec
	// OutboundRequestTotal counts outbound attempts per target and outcome.
	OutboundRequestTotal *prometheus.CounterVec
)

func init() {
	RegisterMetrics(prometheus.DefaultRegisterer)
}

// RegisterMetrics registers the breaker collectors with reg. Collectors that
// are already registered are reused.
func RegisterMetrics(reg prometheus.Registerer) {
	BreakerState = registerVec(reg, prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_breaker_state",
			Help: "Current breaker state: 0=closed,1=open,2=half-open",
		},
		[]string{"target"},
	))
	BreakerTransitions = registerVec(reg, prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_breaker_transition_total",
			Help: "Count of breaker state transitions",
		},
		[]string{"target", "from", "to"},
	))
	BreakerOpenedTotal = registerVec(reg, prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_breaker_open_total",
			Help: "Number of times a breaker transitioned into open state",
		},
		[]string{"target"},
	))
	OutboundRequestTotal = registerVec(reg, prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_outbound_request_total",
			Help: "Outbound HTTP attempts made through the resilient client",
		},
		[]string{"target", "result"},
	))
}

func registerVec[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if reg == nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}

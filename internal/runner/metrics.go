package runner

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "intentcode"

// Metrics are the runner's Prometheus counters.
type Metrics struct {
	CacheLookups       *prometheus.CounterVec
	EndpointCalls      *prometheus.CounterVec
	ValidationFailures *prometheus.CounterVec
	Tokens             *prometheus.CounterVec
}

// NewMetrics creates the counters and registers them on reg. A nil reg
// leaves them unregistered, which suits tests that only read them back.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "generation_cache_total",
			Help:      "Generation cache lookups by tool and result (hit, miss, stale, invalid)",
		}, []string{"tool", "result"}),
		EndpointCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "endpoint_calls_total",
			Help:      "Generative endpoint calls by provider and outcome",
		}, []string{"provider", "outcome"}),
		ValidationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "validation_failures_total",
			Help:      "Responses rejected by validation, by tool",
		}, []string{"tool"}),
		Tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "endpoint_tokens_total",
			Help:      "Tokens exchanged with the generative endpoint by direction",
		}, []string{"direction"}),
	}
	if reg != nil {
		reg.MustRegister(m.CacheLookups, m.EndpointCalls, m.ValidationFailures, m.Tokens)
	}
	return m
}

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	DecisionsTotal    *prometheus.CounterVec
	InvocationLatency *prometheus.HistogramVec
	InvocationsTotal  *prometheus.CounterVec
	SpendUSD          *prometheus.CounterVec
	RateLimited       prometheus.Counter
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelmux_decisions_total",
			Help: "Routing decisions by tenant, feature, and reason",
		}, []string{"tenant", "feature", "reason"}),
		InvocationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "modelmux_invocation_latency_ms",
			Help:    "Backend invocation latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		}, []string{"deployment", "operation"}),
		InvocationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelmux_invocations_total",
			Help: "Backend invocations by deployment and status",
		}, []string{"deployment", "operation", "status"}),
		SpendUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelmux_spend_usd_total",
			Help: "Recorded USD spend by tenant and deployment",
		}, []string{"tenant", "deployment"}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modelmux_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		}),
	}
	reg.MustRegister(m.DecisionsTotal, m.InvocationLatency, m.InvocationsTotal, m.SpendUSD, m.RateLimited)
	return m
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

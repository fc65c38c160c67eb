package rest

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts REST call outcomes. A nil *Metrics records nothing.
type Metrics struct {
	calls       *prometheus.CounterVec
	rateLimited prometheus.Counter
	refreshes   *prometheus.CounterVec
	fallbacks   prometheus.Counter
	duration    prometheus.Histogram
}

// NewMetrics creates the client collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crest",
			Name:      "calls_total",
			Help:      "REST calls by final outcome.",
		}, []string{"outcome"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crest",
			Name:      "rate_limited_total",
			Help:      "QUERY_LIMIT_EXCEEDED responses that were retried.",
		}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crest",
			Name:      "token_refreshes_total",
			Help:      "Token refreshes triggered by auth errors.",
		}, []string{"result"}),
		fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crest",
			Name:      "http_fallbacks_total",
			Help:      "Connection failures retried over plain HTTP.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "crest",
			Name:      "request_duration_seconds",
			Help:      "Duration of single HTTP requests to the REST API.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	for _, c := range []prometheus.Collector{m.calls, m.rateLimited, m.refreshes, m.fallbacks, m.duration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

const (
	outcomeSuccess   = "success"
	outcomeAPIError  = "api_error"
	outcomeTransport = "transport_error"
	outcomeProtocol  = "protocol_error"
	outcomeRateLimit = "rate_limit"
	outcomeOther     = "error"
	outcomeCanceled  = "canceled"
)

func (m *Metrics) call(outcome string) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(outcome).Inc()
}

func (m *Metrics) rateLimit() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

func (m *Metrics) refresh(ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.refreshes.WithLabelValues(result).Inc()
}

func (m *Metrics) fallback() {
	if m == nil {
		return
	}
	m.fallbacks.Inc()
}

func (m *Metrics) observe(seconds float64) {
	if m == nil {
		return
	}
	m.duration.Observe(seconds)
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collectors are the Prometheus views of the sink and of HTTP traffic.
type Collectors struct {
	Verifications    *prometheus.CounterVec
	VerifierLatency  prometheus.Histogram
	HTTPRequests     *prometheus.CounterVec
	HTTPLatency      *prometheus.HistogramVec
	ForwarderDropped prometheus.Counter
	ForwarderFailed  prometheus.Counter
}

// NewCollectors builds the collectors and registers them with reg.
func NewCollectors(reg prometheus.Registerer, namespace string) *Collectors {
	c := &Collectors{
		Verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "licence_verifications_total",
			Help:      "Licence verifier calls by outcome and error tag.",
		}, []string{"outcome", "error_tag"}),
		VerifierLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "licence_verification_duration_seconds",
			Help:      "Latency of licence verifier calls.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		HTTPLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		ForwarderDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_forwarder_dropped_total",
			Help:      "Records dropped because the forwarder queue was full.",
		}),
		ForwarderFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_forwarder_failed_batches_total",
			Help:      "Batches the forwarder gave up on after retries.",
		}),
	}

	reg.MustRegister(
		c.Verifications,
		c.VerifierLatency,
		c.HTTPRequests,
		c.HTTPLatency,
		c.ForwarderDropped,
		c.ForwarderFailed,
	)
	return c
}

func (c *Collectors) observeVerification(r Record) {
	c.Verifications.WithLabelValues(string(r.Outcome), r.ErrorTag).Inc()
	c.VerifierLatency.Observe(r.LatencyMs / 1000)
}

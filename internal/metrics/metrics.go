package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector wraps the Prometheus instruments for the dispatch pipeline. A nil
// Collector is valid and records nothing, so components never need to guard.
type Collector struct {
	dispatchTotal    *prometheus.CounterVec
	dispatchDuration prometheus.Histogram
	queueDepth       prometheus.Gauge

	rateLimitDenials prometheus.Counter

	proxies *prometheus.GaugeVec

	probesTotal   *prometheus.CounterVec
	probeDuration prometheus.Histogram

	apiRequests *prometheus.CounterVec
	apiDuration *prometheus.HistogramVec
}

func NewCollector(namespace string) *Collector {
	c := &Collector{
		dispatchTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_total",
				Help:      "Total dispatched requests by terminal result",
			},
			[]string{"result"},
		),
		dispatchDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "dispatch_duration_seconds",
				Help:      "End-to-end request duration through a proxy",
				Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
		),
		queueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Requests currently waiting in the dispatch queue",
			},
		),
		rateLimitDenials: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_denials_total",
				Help:      "Domain admissions denied by the rate limiter",
			},
		),
		proxies: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "proxies",
				Help:      "Proxies in the pool by tier and status",
			},
			[]string{"tier", "status"},
		),
		probesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "health_probes_total",
				Help:      "Health probes by result",
			},
			[]string{"result"},
		),
		probeDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "health_probe_duration_seconds",
				Help:      "Health probe round-trip time",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
			},
		),
		apiRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_requests_total",
				Help:      "Total number of API requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		apiDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "api_request_duration_seconds",
				Help:      "API request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
	}

	return c
}

func (c *Collector) RecordDispatch(result string) {
	if c == nil {
		return
	}
	c.dispatchTotal.WithLabelValues(result).Inc()
}

func (c *Collector) RecordDispatchDuration(seconds float64) {
	if c == nil {
		return
	}
	c.dispatchDuration.Observe(seconds)
}

func (c *Collector) SetQueueDepth(depth int) {
	if c == nil {
		return
	}
	c.queueDepth.Set(float64(depth))
}

func (c *Collector) RecordRateLimitDenial() {
	if c == nil {
		return
	}
	c.rateLimitDenials.Inc()
}

func (c *Collector) SetProxyCount(tier, status string, count int) {
	if c == nil {
		return
	}
	c.proxies.WithLabelValues(tier, status).Set(float64(count))
}

func (c *Collector) RecordProbe(result string) {
	if c == nil {
		return
	}
	c.probesTotal.WithLabelValues(result).Inc()
}

func (c *Collector) RecordProbeDuration(seconds float64) {
	if c == nil {
		return
	}
	c.probeDuration.Observe(seconds)
}

func (c *Collector) RecordAPIRequest(method, endpoint, status string) {
	if c == nil {
		return
	}
	c.apiRequests.WithLabelValues(method, endpoint, status).Inc()
}

func (c *Collector) RecordAPIDuration(method, endpoint string, seconds float64) {
	if c == nil {
		return
	}
	c.apiDuration.WithLabelValues(method, endpoint).Observe(seconds)
}

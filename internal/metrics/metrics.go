// Package metrics provides the Prometheus registry for the gateway and the
// worker.
//
// All metrics live in a private registry (not the global default) so keygate
// can be embedded without colliding with host metrics. The /metrics handler
// is exposed via Handler().
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// gateway_requests_total{provider,status}
	requestsTotal *prometheus.CounterVec

	// gateway_latency_seconds{provider}
	latency *prometheus.HistogramVec

	// gateway_key_pool_size{provider,model}
	poolSize *prometheus.GaugeVec

	// gateway_retries_total{provider,reason}
	retriesTotal *prometheus.CounterVec

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// worker_probe_total{provider,reason}
	probeTotal *prometheus.CounterVec

	// worker_probe_duration_seconds{provider}
	probeDuration *prometheus.HistogramVec

	// keygate_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

// New creates a Registry with all metric families registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_requests_total",
				Help: "Total requests dispatched, by provider and final HTTP status",
			},
			[]string{"provider", "status"},
		),

		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_latency_seconds",
				Help:    "End-to-end request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider"},
		),

		poolSize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_key_pool_size",
				Help: "Keys currently eligible in each pool",
			},
			[]string{"provider", "model"},
		),

		retriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_retries_total",
				Help: "Key retries taken by the dispatcher, by failure reason",
			},
			[]string{"provider", "reason"},
		),

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight requests",
		}),

		probeTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "worker_probe_total",
				Help: "Probe outcomes, by provider and reason (\"valid\" on success)",
			},
			[]string{"provider", "reason"},
		),

		probeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "worker_probe_duration_seconds",
				Help:    "Upstream probe latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "keygate_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.requestsTotal,
		r.latency,
		r.poolSize,
		r.retriesTotal,
		r.inFlight,
		r.probeTotal,
		r.probeDuration,
		r.buildInfo,
	)

	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(
		promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	)

	return r
}

// Handler returns the fasthttp handler for GET /metrics.
func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

// SetBuildInfo records the running version.
func (r *Registry) SetBuildInfo(version string) {
	r.buildInfo.WithLabelValues(version).Set(1)
}

// RecordRequest counts one finished dispatch.
func (r *Registry) RecordRequest(provider string, status int, seconds float64) {
	r.requestsTotal.WithLabelValues(provider, itoa(status)).Inc()
	r.latency.WithLabelValues(provider).Observe(seconds)
}

// RecordRetry counts one dispatcher key retry.
func (r *Registry) RecordRetry(provider string, reason string) {
	r.retriesTotal.WithLabelValues(provider, reason).Inc()
}

// SetPoolSize publishes the current eligible-key count for a pool.
func (r *Registry) SetPoolSize(provider, model string, n int) {
	r.poolSize.WithLabelValues(provider, model).Set(float64(n))
}

// IncInFlight / DecInFlight track concurrent dispatches.
func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// RecordProbe counts one probe outcome and its upstream latency.
func (r *Registry) RecordProbe(provider, reason string, seconds float64) {
	r.probeTotal.WithLabelValues(provider, reason).Inc()
	r.probeDuration.WithLabelValues(provider).Observe(seconds)
}

func itoa(status int) string {
	return strconv.Itoa(status)
}

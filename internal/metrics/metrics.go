package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/gray-logic-runtime/internal/service"
)

const namespace = "graylogic"

// handlerBuckets spans the expected handler and job durations.
var handlerBuckets = []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5, 30}

// Metrics holds every runtime collector.
type Metrics struct {
	registry *prometheus.Registry

	hubPublished *prometheus.CounterVec
	hubDropped   *prometheus.CounterVec
	hubSaturated prometheus.Counter

	busDispatched   *prometheus.CounterVec
	busDeliveries   *prometheus.CounterVec
	busSuppressed   *prometheus.CounterVec
	handlerErrors   *prometheus.CounterVec
	handlerDuration *prometheus.HistogramVec

	jobsFired    *prometheus.CounterVec
	jobsFinished *prometheus.CounterVec
	jobDuration  *prometheus.HistogramVec

	serviceStatus      *prometheus.GaugeVec
	serviceStarts      *prometheus.CounterVec
	serviceRestarts    *prometheus.CounterVec
	restartsExhausted  *prometheus.CounterVec
	restartBackoffSecs *prometheus.GaugeVec

	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
}

// New creates the collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		hubPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "hub", Name: "published_total",
			Help: "Envelopes accepted by the hub, by topic family.",
		}, []string{"family"}),
		hubDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "hub", Name: "dropped_total",
			Help: "Envelopes discarded by the drop_oldest overflow policy, by topic family.",
		}, []string{"family"}),
		hubSaturated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "hub", Name: "saturated_total",
			Help: "Publishes rejected because the buffer stayed full past the publish timeout.",
		}),

		busDispatched: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bus", Name: "dispatched_total",
			Help: "Envelopes dispatched by the bus, by topic family.",
		}, []string{"family"}),
		busDeliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bus", Name: "matched_total",
			Help: "Subscription matches found for dispatched envelopes, by topic family.",
		}, []string{"family"}),
		busSuppressed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bus", Name: "suppressed_total",
			Help: "Deliveries withheld by a subscription gate.",
		}, []string{"gate"}),
		handlerErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bus", Name: "handler_errors_total",
			Help: "Handler invocations that returned an error or panicked.",
		}, []string{"subscription"}),
		handlerDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "bus", Name: "handler_duration_seconds",
			Help:    "Handler invocation latency.",
			Buckets: handlerBuckets,
		}, []string{"subscription"}),

		jobsFired: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "fired_total",
			Help: "Job triggers fired.",
		}, []string{"job"}),
		jobsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "executions_total",
			Help: "Finished job executions by status.",
		}, []string{"job", "status"}),
		jobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "execution_duration_seconds",
			Help:    "Job execution latency.",
			Buckets: handlerBuckets,
		}, []string{"job"}),

		serviceStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "service", Name: "status",
			Help: "1 for the current status of each managed service, 0 otherwise.",
		}, []string{"service", "status"}),
		serviceStarts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "service", Name: "starts_total",
			Help: "Run attempts started per managed service.",
		}, []string{"service"}),
		serviceRestarts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "service", Name: "restarts_scheduled_total",
			Help: "Restarts scheduled by the watcher.",
		}, []string{"service"}),
		restartsExhausted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "service", Name: "restarts_exhausted_total",
			Help: "Services that ran out of restart attempts.",
		}, []string{"service"}),
		restartBackoffSecs: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "service", Name: "restart_backoff_seconds",
			Help: "Delay before the most recently scheduled restart.",
		}, []string{"service"}),

		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "Observability API requests.",
		}, []string{"method", "route", "status"}),
		httpLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "Observability API latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// Registry returns the registry holding every collector.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Family returns the first dot-separated segment of topic.
func Family(topic string) string {
	if i := strings.IndexByte(topic, '.'); i >= 0 {
		return topic[:i]
	}
	return topic
}

// EnvelopePublished implements hub.Observer.
func (m *Metrics) EnvelopePublished(topic string) {
	m.hubPublished.WithLabelValues(Family(topic)).Inc()
}

// EnvelopeDropped implements hub.Observer.
func (m *Metrics) EnvelopeDropped(topic string) {
	m.hubDropped.WithLabelValues(Family(topic)).Inc()
}

// PublishSaturated implements hub.Observer.
func (m *Metrics) PublishSaturated() { m.hubSaturated.Inc() }

// EnvelopeDispatched implements bus.Observer.
func (m *Metrics) EnvelopeDispatched(topic string, matched int) {
	family := Family(topic)
	m.busDispatched.WithLabelValues(family).Inc()
	m.busDeliveries.WithLabelValues(family).Add(float64(matched))
}

// DeliverySuppressed implements bus.Observer.
func (m *Metrics) DeliverySuppressed(_, gate string) {
	m.busSuppressed.WithLabelValues(gate).Inc()
}

// HandlerFinished implements bus.Observer.
func (m *Metrics) HandlerFinished(subscription string, d time.Duration, err error) {
	m.handlerDuration.WithLabelValues(subscription).Observe(d.Seconds())
	if err != nil {
		m.handlerErrors.WithLabelValues(subscription).Inc()
	}
}

// JobFired implements scheduler.Observer.
func (m *Metrics) JobFired(job string) {
	m.jobsFired.WithLabelValues(job).Inc()
}

// JobFinished implements scheduler.Observer.
func (m *Metrics) JobFinished(job, status string, d time.Duration) {
	m.jobsFinished.WithLabelValues(job, status).Inc()
	m.jobDuration.WithLabelValues(job).Observe(d.Seconds())
}

// ServiceTransition implements coordinator.Observer.
func (m *Metrics) ServiceTransition(name string, from, to service.Status) {
	if from != "" {
		m.serviceStatus.WithLabelValues(name, from.Slug()).Set(0)
	}
	m.serviceStatus.WithLabelValues(name, to.Slug()).Set(1)
}

// ServiceStarted implements coordinator.Observer.
func (m *Metrics) ServiceStarted(name string, _ int) {
	m.serviceStarts.WithLabelValues(name).Inc()
}

// RestartScheduled implements watcher.Observer.
func (m *Metrics) RestartScheduled(name string, _ int, delay time.Duration) {
	m.serviceRestarts.WithLabelValues(name).Inc()
	m.restartBackoffSecs.WithLabelValues(name).Set(delay.Seconds())
}

// RestartsExhausted implements watcher.Observer.
func (m *Metrics) RestartsExhausted(name string) {
	m.restartsExhausted.WithLabelValues(name).Inc()
}

// ObserveHTTP records one API request. route is the matched route
// pattern, never the raw path.
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	m.httpRequests.WithLabelValues(method, route, statusClass(status)).Inc()
	m.httpLatency.WithLabelValues(method, route).Observe(d.Seconds())
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

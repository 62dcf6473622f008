package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns its registry so several collectors can coexist in one test binary.
// A nil *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	EventsAppended   *prometheus.CounterVec
	CommandConflicts prometheus.Counter
	Warnings         *prometheus.CounterVec

	NotificationsTotal *prometheus.CounterVec
	GatewayAttempts    *prometheus.CounterVec

	JobRuns         *prometheus.CounterVec
	JobDuration     *prometheus.HistogramVec
	JobUnitFailures *prometheus.CounterVec
}

func NewCollector(serviceName string) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Collector{
		registry: reg,

		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method, route, and status code.",
		}, []string{"method", "route", "status"}),

		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: serviceName,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency distribution.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"method", "route"}),

		EventsAppended: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "medication",
			Name:      "events_appended_total",
			Help:      "Medication events appended by event type.",
		}, []string{"event_type"}),

		CommandConflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "medication",
			Name:      "version_conflicts_total",
			Help:      "Optimistic version conflicts on command writes.",
		}),

		Warnings: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "medication",
			Name:      "integrity_warnings_total",
			Help:      "Non-blocking data integrity warnings by code.",
		}, []string{"code"}),

		NotificationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "notify",
			Name:      "notifications_total",
			Help:      "Notification state transitions by channel and resulting status.",
		}, []string{"channel", "status"}),

		GatewayAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "notify",
			Name:      "gateway_attempts_total",
			Help:      "Gateway send attempts by channel and outcome.",
		}, []string{"channel", "outcome"}),

		JobRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "jobs",
			Name:      "runs_total",
			Help:      "Job runs by job name and outcome.",
		}, []string{"job", "outcome"}),

		JobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: serviceName,
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Job run duration.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"job"}),

		JobUnitFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "jobs",
			Name:      "unit_failures_total",
			Help:      "Per-patient job units that failed. Alert if it keeps growing.",
		}, []string{"job"}),
	}
}

func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) ObserveRequest(method, route string, status int, d time.Duration) {
	if c == nil {
		return
	}
	c.RequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.RequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func (c *Collector) EventAppended(eventType string) {
	if c == nil {
		return
	}
	c.EventsAppended.WithLabelValues(eventType).Inc()
}

func (c *Collector) Conflict() {
	if c == nil {
		return
	}
	c.CommandConflicts.Inc()
}

func (c *Collector) Warning(code string) {
	if c == nil {
		return
	}
	c.Warnings.WithLabelValues(code).Inc()
}

func (c *Collector) Notification(channel, status string) {
	if c == nil {
		return
	}
	c.NotificationsTotal.WithLabelValues(channel, status).Inc()
}

func (c *Collector) GatewayAttempt(channel, outcome string) {
	if c == nil {
		return
	}
	c.GatewayAttempts.WithLabelValues(channel, outcome).Inc()
}

func (c *Collector) JobRun(job, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.JobRuns.WithLabelValues(job, outcome).Inc()
	c.JobDuration.WithLabelValues(job).Observe(d.Seconds())
}

func (c *Collector) JobUnitFailed(job string) {
	if c == nil {
		return
	}
	c.JobUnitFailures.WithLabelValues(job).Inc()
}

// Package metrics exposes the prometheus instruments shared by the HTTP
// layer, the scheduler and the latency probes.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type HTTPMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func NewHTTPMetrics() *HTTPMetrics {
	return &HTTPMetrics{
		requests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crewclock",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		duration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "crewclock",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

func GinMiddleware(m *HTTPMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.requests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.duration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

type JobMetrics struct {
	runs     *prometheus.CounterVec
	errors   *prometheus.CounterVec
	timeouts *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func NewJobMetrics() *JobMetrics {
	return &JobMetrics{
		runs: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crewclock",
			Subsystem: "scheduler",
			Name:      "job_runs_total",
			Help:      "Scheduled job invocations.",
		}, []string{"job"}),
		errors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crewclock",
			Subsystem: "scheduler",
			Name:      "job_errors_total",
			Help:      "Scheduled job failures.",
		}, []string{"job"}),
		timeouts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crewclock",
			Subsystem: "scheduler",
			Name:      "job_timeouts_total",
			Help:      "Scheduled jobs that hit their time budget.",
		}, []string{"job"}),
		duration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "crewclock",
			Subsystem: "scheduler",
			Name:      "job_duration_seconds",
			Help:      "Scheduled job run time.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"job"}),
	}
}

func (m *JobMetrics) IncRun(job string)    { m.runs.WithLabelValues(job).Inc() }
func (m *JobMetrics) IncError(job string)  { m.errors.WithLabelValues(job).Inc() }
func (m *JobMetrics) IncTimeout(job string) {
	m.timeouts.WithLabelValues(job).Inc()
}
func (m *JobMetrics) ObserveDuration(job string, d time.Duration) {
	m.duration.WithLabelValues(job).Observe(d.Seconds())
}

type ProbeMetrics struct {
	latency *prometheus.HistogramVec
	p95     *prometheus.GaugeVec
}

func NewProbeMetrics() *ProbeMetrics {
	return &ProbeMetrics{
		latency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "crewclock",
			Subsystem: "probe",
			Name:      "op_duration_seconds",
			Help:      "Latency probe samples per operation.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2, 5},
		}, []string{"op"}),
		p95: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "crewclock",
			Subsystem: "probe",
			Name:      "op_p95_milliseconds",
			Help:      "Rolling p95 per probed operation.",
		}, []string{"op"}),
	}
}

func (m *ProbeMetrics) Observe(op string, d time.Duration) {
	m.latency.WithLabelValues(op).Observe(d.Seconds())
}

func (m *ProbeMetrics) SetP95(op string, ms float64) {
	m.p95.WithLabelValues(op).Set(ms)
}

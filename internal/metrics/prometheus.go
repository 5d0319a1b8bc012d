package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "rattic"

// PrometheusRecorder is a Recorder and a prometheus.Collector.
type PrometheusRecorder struct {
	requestDuration   *prometheus.HistogramVec
	logins            *prometheus.CounterVec
	sessionsCreated   prometheus.Counter
	sessionsDestroyed prometheus.Counter
	staffMutations    *prometheus.CounterVec
	taskRuns          *prometheus.CounterVec
	mailSent          *prometheus.CounterVec
}

// NewPrometheus returns a Recorder backed by Prometheus metrics. Register
// it with a prometheus.Registerer to expose it.
func NewPrometheus() *PrometheusRecorder {
	return &PrometheusRecorder{
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "http_request_duration_seconds",
				Help:      "Time taken to serve HTTP requests.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method", "route", "status"},
		),
		logins: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "logins_total",
				Help:      "Login attempts by backend and outcome.",
			}, []string{"backend", "outcome"},
		),
		sessionsCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "sessions_created_total",
				Help:      "Sessions started.",
			},
		),
		sessionsDestroyed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "sessions_destroyed_total",
				Help:      "Sessions ended by logout or account removal.",
			},
		),
		staffMutations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "staff_mutations_total",
				Help:      "User and group changes made through the staff pages.",
			}, []string{"entity", "action"},
		),
		taskRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "task_runs_total",
				Help:      "Scheduled task runs by status.",
			}, []string{"task", "status"},
		),
		mailSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "mail_sent_total",
				Help:      "Outgoing mails by status.",
			}, []string{"status"},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (p *PrometheusRecorder) Describe(ch chan<- *prometheus.Desc) {
	p.requestDuration.Describe(ch)
	p.logins.Describe(ch)
	p.sessionsCreated.Describe(ch)
	p.sessionsDestroyed.Describe(ch)
	p.staffMutations.Describe(ch)
	p.taskRuns.Describe(ch)
	p.mailSent.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (p *PrometheusRecorder) Collect(ch chan<- prometheus.Metric) {
	p.requestDuration.Collect(ch)
	p.logins.Collect(ch)
	p.sessionsCreated.Collect(ch)
	p.sessionsDestroyed.Collect(ch)
	p.staffMutations.Collect(ch)
	p.taskRuns.Collect(ch)
	p.mailSent.Collect(ch)
}

// ObserveRequest records request latency.
func (p *PrometheusRecorder) ObserveRequest(method, route string, status int, duration time.Duration) {
	p.requestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(duration.Seconds())
}

// IncLogin counts a login attempt.
func (p *PrometheusRecorder) IncLogin(backend, outcome string) {
	p.logins.WithLabelValues(backend, outcome).Inc()
}

// IncSessionCreated counts a new session.
func (p *PrometheusRecorder) IncSessionCreated() {
	p.sessionsCreated.Inc()
}

// IncSessionDestroyed counts an ended session.
func (p *PrometheusRecorder) IncSessionDestroyed() {
	p.sessionsDestroyed.Inc()
}

// IncStaffMutation counts a staff change.
func (p *PrometheusRecorder) IncStaffMutation(entity, action string) {
	p.staffMutations.WithLabelValues(entity, action).Inc()
}

// IncTaskRun counts a scheduled task run.
func (p *PrometheusRecorder) IncTaskRun(task, status string) {
	p.taskRuns.WithLabelValues(task, status).Inc()
}

// IncMailSent counts an outgoing mail.
func (p *PrometheusRecorder) IncMailSent(status string) {
	p.mailSent.WithLabelValues(status).Inc()
}

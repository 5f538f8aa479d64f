// Package metrics holds the Prometheus instruments for session execution.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups every instrument. A nil *Metrics records nothing.
type Metrics struct {
	ExecutionsTotal       *prometheus.CounterVec
	ExecutionDuration     *prometheus.HistogramVec
	ActiveExecutions      prometheus.Gauge
	QueueDepth            prometheus.Gauge
	BuildRetries          prometheus.Counter
	ContainerCreationTime prometheus.Histogram
	SessionTransitions    *prometheus.CounterVec
	BilledAmount          prometheus.Counter
	RateLimitHits         prometheus.Counter
}

// New registers the instruments on reg
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ExecutionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rentrig_executions_total",
				Help: "Total number of uploads executed, by language and outcome",
			},
			[]string{"language", "status"},
		),
		ExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rentrig_execution_duration_seconds",
				Help:    "Time spent per execution phase",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"language", "phase"}, // phase: "build", "run", "total"
		),
		ActiveExecutions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "rentrig_active_executions",
				Help: "Executions currently holding an engine slot",
			},
		),
		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "rentrig_queue_depth",
				Help: "Current number of uploads waiting for a worker",
			},
		),
		BuildRetries: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "rentrig_build_retries_total",
				Help: "Image builds retried after a failure",
			},
		),
		ContainerCreationTime: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "rentrig_container_start_seconds",
				Help:    "Time to create and start a container",
				Buckets: []float64{0.05, 0.1, 0.2, 0.5, 1, 2, 5},
			},
		),
		SessionTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rentrig_session_transitions_total",
				Help: "Session status changes, by target status",
			},
			[]string{"status"},
		),
		BilledAmount: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "rentrig_billed_amount_total",
				Help: "Sum of costs charged on session completion",
			},
		),
		RateLimitHits: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "rentrig_rate_limit_hits_total",
				Help: "Total number of requests rejected by the rate limiter",
			},
		),
	}
}

func (m *Metrics) ObserveExecution(language, status string, total time.Duration) {
	if m == nil {
		return
	}
	m.ExecutionsTotal.WithLabelValues(language, status).Inc()
	m.ExecutionDuration.WithLabelValues(language, "total").Observe(total.Seconds())
}

func (m *Metrics) ObservePhase(language, phase string, d time.Duration) {
	if m == nil {
		return
	}
	m.ExecutionDuration.WithLabelValues(language, phase).Observe(d.Seconds())
}

func (m *Metrics) ObserveContainerStart(d time.Duration) {
	if m == nil {
		return
	}
	m.ContainerCreationTime.Observe(d.Seconds())
}

func (m *Metrics) ExecutionStarted() {
	if m == nil {
		return
	}
	m.ActiveExecutions.Inc()
}

func (m *Metrics) ExecutionFinished() {
	if m == nil {
		return
	}
	m.ActiveExecutions.Dec()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

func (m *Metrics) BuildRetried() {
	if m == nil {
		return
	}
	m.BuildRetries.Inc()
}

func (m *Metrics) Transitioned(status string) {
	if m == nil {
		return
	}
	m.SessionTransitions.WithLabelValues(status).Inc()
}

func (m *Metrics) Billed(amount float64) {
	if m == nil {
		return
	}
	m.BilledAmount.Add(amount)
}

func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.RateLimitHits.Inc()
}

package queue

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the scheduler's Prometheus collectors.
type Metrics struct {
	finished   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	inflight   prometheus.Gauge
	running    prometheus.Gauge
	promoted   prometheus.Counter
	loopErrors prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ads",
			Subsystem: "queue",
			Name:      "task_attempts_total",
			Help:      "Task executions by outcome.",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ads",
			Subsystem: "queue",
			Name:      "task_attempt_duration_seconds",
			Help:      "Wall time of task executions by outcome.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"outcome"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ads",
			Subsystem: "queue",
			Name:      "tasks_in_flight",
			Help:      "Tasks currently being executed.",
		}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ads",
			Subsystem: "queue",
			Name:      "running",
			Help:      "1 while the control loop accepts work.",
		}),
		promoted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ads",
			Subsystem: "queue",
			Name:      "tasks_promoted_total",
			Help:      "Queued tasks promoted to pending.",
		}),
		loopErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ads",
			Subsystem: "queue",
			Name:      "loop_errors_total",
			Help:      "Control loop failures that stopped the queue.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.finished, m.duration, m.inflight, m.running, m.promoted, m.loopErrors)
	}
	return m
}

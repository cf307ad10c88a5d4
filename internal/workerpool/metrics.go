package workerpool

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metrics mirrors the pool counters into Prometheus. A nil *metrics is a
// no-op, which is what pools built without a registerer get.
type metrics struct {
	tasksTotal   *prometheus.CounterVec
	taskDuration prometheus.Histogram
	rejected     prometheus.Counter
	faults       prometheus.Counter
	busyWorkers  prometheus.Gauge
	queueDepth   prometheus.GaugeFunc
}

func newMetrics(reg prometheus.Registerer, namespace string, depth func() float64) (*metrics, error) {
	if reg == nil {
		return nil, nil
	}

	m := &metrics{
		tasksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pool_tasks_total",
				Help:      "Total number of tasks completed by outcome",
			},
			[]string{"outcome"},
		),

		taskDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "pool_task_duration_seconds",
				Help:      "Task execution time in seconds",
				Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
			},
		),

		rejected: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pool_rejected_total",
				Help:      "Total number of submissions rejected because the queue was full",
			},
		),

		faults: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pool_worker_faults_total",
				Help:      "Total number of workers retired after a panic",
			},
		),

		busyWorkers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_busy_workers",
				Help:      "Number of workers currently executing a task",
			},
		),

		queueDepth: prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_queue_depth",
				Help:      "Number of tasks waiting for a worker",
			},
			depth,
		),
	}

	for _, c := range []prometheus.Collector{m.tasksTotal, m.taskDuration, m.rejected, m.faults, m.busyWorkers, m.queueDepth} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *metrics) observeTask(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.tasksTotal.WithLabelValues(outcome).Inc()
	m.taskDuration.Observe(seconds)
}

func (m *metrics) incRejected() {
	if m == nil {
		return
	}
	m.rejected.Inc()
}

func (m *metrics) incFaults() {
	if m == nil {
		return
	}
	m.faults.Inc()
}

func (m *metrics) busy(delta float64) {
	if m == nil {
		return
	}
	m.busyWorkers.Add(delta)
}

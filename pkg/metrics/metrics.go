// Package metrics wires the engine's observable signals to Prometheus
// (spec.md §12 "Fairness metrics" and the split-completed/split-failed
// events of §4.5.4), following the direct client_golang usage found in
// the estuary-flow and 88lin-divinesense examples.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Recorder bundles the engine's Prometheus collectors. The zero value is
// not usable; construct with New and register once per process.
type Recorder struct {
	SplitsCompleted      *prometheus.CounterVec
	SplitsFailed         *prometheus.CounterVec
	TaskStateTransitions *prometheus.CounterVec
	DriverQueueDepth     *prometheus.GaugeVec
	BufferUtilization    *prometheus.GaugeVec
	ReadyQueueWait       prometheus.Histogram
}

// New constructs a Recorder with unregistered collectors.
func New() *Recorder {
	return &Recorder{
		SplitsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskexec",
			Name:      "splits_completed_total",
			Help:      "Driver runners that completed successfully, by task.",
		}, []string{"task_id"}),
		SplitsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskexec",
			Name:      "splits_failed_total",
			Help:      "Driver runners whose process_for future failed, by task.",
		}, []string{"task_id"}),
		TaskStateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskexec",
			Name:      "task_state_transitions_total",
			Help:      "Task state machine transitions, by destination state.",
		}, []string{"state"}),
		DriverQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "taskexec",
			Name:      "driver_admission_queue_depth",
			Help:      "Drivers waiting for an admission slot, by task.",
		}, []string{"task_id"}),
		BufferUtilization: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "taskexec",
			Name:      "output_buffer_utilization",
			Help:      "OutputBuffer.Utilization() sampled per task.",
		}, []string{"task_id"}),
		ReadyQueueWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "taskexec",
			Name:      "ready_queue_wait_seconds",
			Help:      "Time an admitted runner spent in the shared ready queue before dispatch (spec.md §4.6.4 fairness).",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// MustRegister registers every collector against reg.
func (r *Recorder) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		r.SplitsCompleted,
		r.SplitsFailed,
		r.TaskStateTransitions,
		r.DriverQueueDepth,
		r.BufferUtilization,
		r.ReadyQueueWait,
	)
}

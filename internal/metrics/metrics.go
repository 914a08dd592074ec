// Package metrics exposes Prometheus collectors for the run lifecycle
// service.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsCreatedTotal   *prometheus.CounterVec
	runsCompletedTotal *prometheus.CounterVec
	runTimeoutsTotal   prometheus.Counter
	dispatchTotal      *prometheus.CounterVec
	batchJobsTotal     *prometheus.CounterVec

	once sync.Once
)

// Init registers the collectors. Safe to call multiple times.
func Init() {
	once.Do(func() {
		runsCreatedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "searchrun_runs_created_total",
				Help: "Total search runs created, labeled by source.",
			},
			[]string{"source"},
		)
		runsCompletedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "searchrun_runs_completed_total",
				Help: "Total search runs reaching a terminal status.",
			},
			[]string{"status"},
		)
		runTimeoutsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "searchrun_run_timeouts_total",
				Help: "Pending runs failed locally by the timeout detector.",
			},
		)
		dispatchTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "searchrun_worker_calls_total",
				Help: "Worker-facing calls attempted, labeled by call kind.",
			},
			[]string{"call"},
		)
		batchJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "searchrun_batch_jobs_total",
				Help: "Bulk-operation job mutations attempted, labeled by outcome.",
			},
			[]string{"outcome"},
		)
	})
}

// ObserveRunCreated counts a new run by source.
func ObserveRunCreated(source string) {
	if runsCreatedTotal != nil {
		runsCreatedTotal.WithLabelValues(source).Inc()
	}
}

// ObserveRunCompleted counts a terminal transition by status.
func ObserveRunCompleted(status string) {
	if runsCompletedTotal != nil {
		runsCompletedTotal.WithLabelValues(status).Inc()
	}
}

// ObserveRunTimeout counts a locally declared pending timeout.
func ObserveRunTimeout() {
	if runTimeoutsTotal != nil {
		runTimeoutsTotal.Inc()
	}
}

// ObserveDispatch counts a worker-facing call attempt.
func ObserveDispatch(call string) {
	if dispatchTotal != nil {
		dispatchTotal.WithLabelValues(call).Inc()
	}
}

// ObserveBatchJob counts one bulk-operation mutation attempt.
func ObserveBatchJob(outcome string) {
	if batchJobsTotal != nil {
		batchJobsTotal.WithLabelValues(outcome).Inc()
	}
}

package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	pollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pebble_agent_polls_total",
			Help: "Total number of poll requests by outcome.",
		},
		[]string{"outcome"},
	)
	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pebble_agent_jobs_total",
			Help: "Total number of executed jobs by status.",
		},
		[]string{"status"},
	)
	jobDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pebble_agent_job_duration_seconds",
			Help:    "Job execution latency including validation and connection setup.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
	)
	resultsTruncatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pebble_agent_results_truncated_total",
			Help: "Total number of results truncated by row or byte caps.",
		},
	)
	reportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pebble_agent_reports_total",
			Help: "Total number of completion reports by outcome.",
		},
		[]string{"outcome"},
	)
	loopErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pebble_agent_loop_errors_total",
			Help: "Total number of worker iterations that ended in backoff.",
		},
	)
	workersBusy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pebble_agent_workers_busy",
			Help: "Number of workers currently executing or reporting a job.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		pollsTotal,
		jobsTotal,
		jobDurationSeconds,
		resultsTruncatedTotal,
		reportsTotal,
		loopErrorsTotal,
		workersBusy,
	)
}

func ObservePoll(outcome string) {
	pollsTotal.WithLabelValues(outcome).Inc()
}

// ObserveJob records a finished job. status is "succeeded" or "failed".
func ObserveJob(status string, elapsed time.Duration, truncated bool) {
	jobsTotal.WithLabelValues(status).Inc()
	jobDurationSeconds.Observe(elapsed.Seconds())
	if truncated {
		resultsTruncatedTotal.Inc()
	}
}

func ObserveReport(outcome string) {
	reportsTotal.WithLabelValues(outcome).Inc()
}

func IncrementLoopErrors() {
	loopErrorsTotal.Inc()
}

func AddBusyWorkers(delta int) {
	workersBusy.Add(float64(delta))
}

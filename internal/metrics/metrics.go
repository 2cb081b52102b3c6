// Package metrics holds timerd's Prometheus collectors.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"timerd/internal/timer"
)

// Job results recorded by the engine.
const (
	JobSucceeded = "succeeded"
	JobFailed    = "failed"
	JobDropped   = "dropped"
	JobNoop      = "noop"
)

var (
	scheduleOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timerd_schedule_outcomes_total",
			Help: "Number of Schedule calls by outcome.",
		},
		[]string{"outcome"},
	)
	schedulePanics = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "timerd_schedule_panics_total",
			Help: "Number of panics recovered while scheduling a timer.",
		},
	)
	timersGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "timerd_timers",
			Help: "Number of registered timers by run state.",
		},
		[]string{"state"},
	)
	timersReaped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "timerd_timers_reaped_total",
			Help: "Number of timers removed because their matcher can never fire again.",
		},
	)
	jobResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timerd_jobs_total",
			Help: "Number of committed jobs by result.",
		},
		[]string{"result"},
	)
	jobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "timerd_job_duration_seconds",
			Help:    "Run time of executed jobs, retries included.",
			Buckets: prometheus.ExponentialBuckets(0.005, 4, 8),
		},
	)
	queueLength = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "timerd_engine_queue_length",
			Help: "Jobs waiting in the engine queue.",
		},
	)
	queueCapacity = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "timerd_engine_queue_capacity",
			Help: "Capacity of the engine queue.",
		},
	)
	journalErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "timerd_journal_errors_total",
			Help: "Number of dispatch journal writes that failed.",
		},
	)

	collectors = []prometheus.Collector{
		scheduleOutcomes,
		schedulePanics,
		timersGauge,
		timersReaped,
		jobResults,
		jobDuration,
		queueLength,
		queueCapacity,
		journalErrors,
	}

	metricsOnce sync.Once
)

// Init registers the collectors with the default registry. Safe to call more than once.
func Init() {
	metricsOnce.Do(func() {
		prometheus.MustRegister(collectors...)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

func ObserveOutcome(o timer.Outcome) { scheduleOutcomes.WithLabelValues(o.String()).Inc() }

func ObserveSchedulePanic() { schedulePanics.Inc() }

func ObserveReaped(n int) { timersReaped.Add(float64(n)) }

// SetTimers publishes the registry size split by run state.
func SetTimers(running, paused int) {
	timersGauge.WithLabelValues(timer.Running.String()).Set(float64(running))
	timersGauge.WithLabelValues(timer.Paused.String()).Set(float64(paused))
}

func ObserveJob(result string, d time.Duration) {
	jobResults.WithLabelValues(result).Inc()
	if result == JobSucceeded || result == JobFailed {
		jobDuration.Observe(d.Seconds())
	}
}

func SetQueue(length, capacity int) {
	queueLength.Set(float64(length))
	queueCapacity.Set(float64(capacity))
}

func ObserveJournalError() { journalErrors.Inc() }

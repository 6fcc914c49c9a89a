// ABOUTME: Prometheus collectors for worker activity: claims, waits, processed jobs and their duration.
// ABOUTME: A nil *Metrics is valid and records nothing, so components can take it unconditionally.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pueuey"

// Job outcomes used as the "outcome" label.
const (
	OutcomeSucceeded   = "succeeded"
	OutcomeFailed      = "failed"
	OutcomeInterrupted = "interrupted"
)

// Metrics holds the worker collectors.
type Metrics struct {
	jobsProcessed  *prometheus.CounterVec
	processSeconds *prometheus.HistogramVec
	lockAttempts   *prometheus.CounterVec
	waits          *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. Pass
// prometheus.DefaultRegisterer to expose them on promhttp.Handler().
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		jobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_processed_total",
			Help:      "Jobs taken through the handler, by queue and outcome.",
		}, []string{"queue", "outcome"}),
		processSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_process_seconds",
			Help:      "Time from claim to resolution of a job.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 9),
		}, []string{"queue"}),
		lockAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_attempts_total",
			Help:      "lock_head calls, by queue and whether a job was claimed.",
		}, []string{"queue", "result"}),
		waits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_waits_total",
			Help:      "Idle waits, by whether they ended on a notification or a timeout.",
		}, []string{"result"}),
	}
	reg.MustRegister(m.jobsProcessed, m.processSeconds, m.lockAttempts, m.waits)
	return m
}

// JobProcessed records one job resolution.
func (m *Metrics) JobProcessed(queue, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobsProcessed.WithLabelValues(queue, outcome).Inc()
	m.processSeconds.WithLabelValues(queue).Observe(d.Seconds())
}

// LockAttempt records one claim attempt on queue.
func (m *Metrics) LockAttempt(queue string, claimed bool) {
	if m == nil {
		return
	}
	result := "miss"
	if claimed {
		result = "hit"
	}
	m.lockAttempts.WithLabelValues(queue, result).Inc()
}

// Wait records the end of one idle wait.
func (m *Metrics) Wait(notified bool) {
	if m == nil {
		return
	}
	result := "timeout"
	if notified {
		result = "notified"
	}
	m.waits.WithLabelValues(result).Inc()
}

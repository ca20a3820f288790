// Package metrics provides Prometheus metrics for the build orchestrator.
//
// All recorders are safe to call on a nil *Metrics so components can run
// without a collector.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for storyforge.
type Metrics struct {
	BuildsStarted      prometheus.Counter
	AdmissionsRejected prometheus.Counter
	ProcessExits       *prometheus.CounterVec
	StoryRetries       prometheus.Counter
	ConflictedBranches *prometheus.GaugeVec
	CheckpointErrors   *prometheus.CounterVec
	StoryDuration      *prometheus.HistogramVec
	RequestsTotal      *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		BuildsStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "storyforge_builds_started_total",
				Help: "Build loops admitted by the per-project gate.",
			},
		),
		AdmissionsRejected: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "storyforge_build_admissions_rejected_total",
				Help: "Build loop start attempts rejected because a loop was already active.",
			},
		),
		ProcessExits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storyforge_process_exits_total",
				Help: "Agent process exits routed by result.",
			},
			[]string{"result"},
		),
		StoryRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "storyforge_story_retries_total",
				Help: "Stories reset to pending for another attempt.",
			},
		),
		ConflictedBranches: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "storyforge_conflicted_branches",
				Help: "Story branches awaiting manual conflict resolution.",
			},
			[]string{"project"},
		),
		CheckpointErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storyforge_checkpoint_errors_total",
				Help: "Durable state load/save failures by operation.",
			},
			[]string{"op"},
		),
		StoryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "storyforge_story_duration_seconds",
				Help:    "Wall time of a single story attempt by outcome.",
				Buckets: []float64{10, 30, 60, 120, 300, 600, 1200, 1800, 3600},
			},
			[]string{"outcome"},
		),
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storyforge_mgmt_requests_total",
				Help: "Management API requests by route and status class.",
			},
			[]string{"route", "status"},
		),
		registry: reg,
	}

	reg.MustRegister(m.BuildsStarted)
	reg.MustRegister(m.AdmissionsRejected)
	reg.MustRegister(m.ProcessExits)
	reg.MustRegister(m.StoryRetries)
	reg.MustRegister(m.ConflictedBranches)
	reg.MustRegister(m.CheckpointErrors)
	reg.MustRegister(m.StoryDuration)
	reg.MustRegister(m.RequestsTotal)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry (used by tests).
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordBuildAdmission counts an admitted or rejected build loop start.
func (m *Metrics) RecordBuildAdmission(admitted bool) {
	if m == nil {
		return
	}
	if admitted {
		m.BuildsStarted.Inc()
		return
	}
	m.AdmissionsRejected.Inc()
}

// RecordProcessExit counts a routed exit. result is success, failure or stale.
func (m *Metrics) RecordProcessExit(result string) {
	if m == nil {
		return
	}
	m.ProcessExits.WithLabelValues(result).Inc()
}

// RecordRetry counts a story retry.
func (m *Metrics) RecordRetry() {
	if m == nil {
		return
	}
	m.StoryRetries.Inc()
}

// SetConflictedBranches sets the conflicted branch gauge for a project.
func (m *Metrics) SetConflictedBranches(projectID string, count int) {
	if m == nil {
		return
	}
	m.ConflictedBranches.WithLabelValues(projectID).Set(float64(count))
}

// RecordCheckpointError counts a durable state failure.
func (m *Metrics) RecordCheckpointError(op string) {
	if m == nil {
		return
	}
	m.CheckpointErrors.WithLabelValues(op).Inc()
}

// ObserveStoryDuration records how long a story attempt ran.
func (m *Metrics) ObserveStoryDuration(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.StoryDuration.WithLabelValues(outcome).Observe(seconds)
}

// RecordRequest increments the management API request counter.
func (m *Metrics) RecordRequest(route, status string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(route, status).Inc()
}

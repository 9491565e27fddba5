// Package metrics exposes the orchestrator's Prometheus series.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ILLUVRSE/evolution/internal/models"
)

const namespace = "evolution"

// Metrics owns its registry so tests and multiple servers never collide on registration.
type Metrics struct {
	registry *prometheus.Registry

	Jobs              *prometheus.GaugeVec
	Transitions       *prometheus.CounterVec
	CanaryLatency     prometheus.Histogram
	CanaryOutcomes    *prometheus.CounterVec
	GateDecisions     *prometheus.CounterVec
	LedgerLength      prometheus.Gauge
	LedgerAppendFails *prometheus.CounterVec
	Promotions        prometheus.Counter
	Rollbacks         *prometheus.CounterVec
	AdmissionsRefused *prometheus.CounterVec
	TrainingTotal     prometheus.Counter
	TrainingSuccess   prometheus.Counter
	TrainingFailures  *prometheus.CounterVec
	LastHotSwap       prometheus.Gauge
	LastPolicyReload  prometheus.Gauge
	IntegrityHalt     prometheus.Gauge
	FeedSubmissions   *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		Jobs: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs",
			Help:      "Jobs currently in each status.",
		}, []string{"status"}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_transitions_total",
			Help:      "Job status transitions by target status and reason.",
		}, []string{"status", "reason"}),
		CanaryLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "canary",
			Name:      "duration_seconds",
			Help:      "Wall time of canary evaluations.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		CanaryOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "canary",
			Name:      "evaluations_total",
			Help:      "Canary evaluations by outcome.",
		}, []string{"outcome"}),
		GateDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gate",
			Name:      "decisions_total",
			Help:      "Validation gate decisions by primary reason; accepted results use reason \"accepted\".",
		}, []string{"reason"}),
		LedgerLength: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "entries",
			Help:      "Sequence number of the newest ledger entry.",
		}),
		LedgerAppendFails: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "append_failures_total",
			Help:      "Ledger appends that failed, by event type.",
		}, []string{"event"}),
		Promotions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "promotions_total",
			Help:      "Candidates promoted into a live slot.",
		}),
		Rollbacks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollbacks_total",
			Help:      "Promotions rolled back by reason.",
		}, []string{"reason"}),
		AdmissionsRefused: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "governor",
			Name:      "admissions_refused_total",
			Help:      "Job admissions refused by reason.",
		}, []string{"reason"}),
		TrainingTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "training",
			Name:      "total",
			Help:      "Training runs that reached a result or a failure.",
		}),
		TrainingSuccess: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "training",
			Name:      "success_total",
			Help:      "Training runs that delivered a result.",
		}),
		TrainingFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "training",
			Name:      "failures_total",
			Help:      "Training runs that failed, by reason.",
		}, []string{"reason"}),
		LastHotSwap: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hotswap",
			Name:      "last_swap_timestamp_seconds",
			Help:      "Unix time of the last successful live-slot swap.",
		}),
		LastPolicyReload: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "policy",
			Name:      "last_reload_timestamp_seconds",
			Help:      "Unix time of the last applied policy document.",
		}),
		IntegrityHalt: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "integrity_halt",
			Help:      "1 while the integrity halt is active.",
		}),
		FeedSubmissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "submissions_total",
			Help:      "Metrics feed submissions by outcome.",
		}, []string{"outcome"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// JobTransition moves one job between the per-status gauges. from is empty for a new job.
func (m *Metrics) JobTransition(from, to models.JobStatus, reason string) {
	if from != "" {
		m.Jobs.WithLabelValues(string(from)).Dec()
	}
	m.Jobs.WithLabelValues(string(to)).Inc()
	m.Transitions.WithLabelValues(string(to), reason).Inc()
}

// SetJobCounts overwrites the per-status gauges, used after a restart.
func (m *Metrics) SetJobCounts(counts map[models.JobStatus]int) {
	for _, st := range models.AllStatuses {
		m.Jobs.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}

func (m *Metrics) ObserveCanary(d time.Duration, passed bool, reason string) {
	m.CanaryLatency.Observe(d.Seconds())
	outcome := "passed"
	if !passed {
		outcome = reason
	}
	m.CanaryOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveGate(accepted bool, primary string) {
	if accepted {
		primary = "accepted"
	}
	m.GateDecisions.WithLabelValues(primary).Inc()
}

func (m *Metrics) RecordPromotion(at time.Time) {
	m.Promotions.Inc()
	m.LastHotSwap.Set(float64(at.Unix()))
}

func (m *Metrics) RecordRollback(reason string, at time.Time) {
	m.Rollbacks.WithLabelValues(reason).Inc()
	m.LastHotSwap.Set(float64(at.Unix()))
}

func (m *Metrics) RecordAdmissionRefused(reason string) {
	m.AdmissionsRefused.WithLabelValues(reason).Inc()
}

// RecordTraining counts a finished training run; reason is empty on success.
func (m *Metrics) RecordTraining(reason string) {
	m.TrainingTotal.Inc()
	if reason == "" {
		m.TrainingSuccess.Inc()
		return
	}
	m.TrainingFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetLedgerLength(seq int64) {
	m.LedgerLength.Set(float64(seq))
}

func (m *Metrics) RecordAppendFailure(event string) {
	m.LedgerAppendFails.WithLabelValues(event).Inc()
}

func (m *Metrics) SetPolicyReloaded(at time.Time) {
	m.LastPolicyReload.Set(float64(at.Unix()))
}

func (m *Metrics) SetHalted(halted bool) {
	if halted {
		m.IntegrityHalt.Set(1)
		return
	}
	m.IntegrityHalt.Set(0)
}

func (m *Metrics) RecordSubmission(outcome string) {
	m.FeedSubmissions.WithLabelValues(outcome).Inc()
}

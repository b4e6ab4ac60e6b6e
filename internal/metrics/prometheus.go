package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus publishes pipeline measurements to a Prometheus registry; use it
// when several workers share one metrics backend.
type Prometheus struct {
	decisions      *prometheus.CounterVec
	jobOutcomes    *prometheus.CounterVec
	attemptSeconds prometheus.Histogram
	activeAttempts prometheus.Gauge
}

// NewPrometheus registers the pipeline collectors on the given registerer.
// Pass prometheus.DefaultRegisterer for the usual global registry.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	factory := promauto.With(reg)
	return &Prometheus{
		decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orion_decisions_total",
			Help: "Finalized planner decisions, labelled by mode.",
		}, []string{"mode"}),
		jobOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orion_job_outcomes_total",
			Help: "Job attempt outcomes, labelled by outcome.",
		}, []string{"outcome"}),
		attemptSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "orion_job_attempt_duration_seconds",
			Help:    "Wall time of one job attempt.",
			Buckets: prometheus.DefBuckets,
		}),
		activeAttempts: factory.NewGauge(prometheus.GaugeOpts{
			Name: "orion_active_attempts",
			Help: "Job attempts currently in flight.",
		}),
	}
}

// IncDecision counts one finalized decision by mode.
func (p *Prometheus) IncDecision(mode string) {
	p.decisions.WithLabelValues(mode).Inc()
}

// IncJob counts one job outcome.
func (p *Prometheus) IncJob(outcome string) {
	p.jobOutcomes.WithLabelValues(outcome).Inc()
}

// ObserveAttempt records one attempt's duration.
func (p *Prometheus) ObserveAttempt(d time.Duration) {
	p.attemptSeconds.Observe(d.Seconds())
}

// AddActiveAttempts moves the in-flight attempt gauge.
func (p *Prometheus) AddActiveAttempts(delta int) {
	p.activeAttempts.Add(float64(delta))
}

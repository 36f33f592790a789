package metrics

import (
	"fmt"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

const namespace = "kiln"

// PrometheusRecorder exports compile metrics as Prometheus series.
// All methods are nil-receiver safe.
type PrometheusRecorder struct {
	registry        *prom.Registry
	jobs            *prom.CounterVec
	jobFailures     *prom.CounterVec
	attempts        *prom.CounterVec
	attemptDuration *prom.HistogramVec
	diagnostics     *prom.CounterVec
	retries         *prom.CounterVec
	storageWrites   *prom.CounterVec
}

// NewPrometheusRecorder constructs and registers the kiln series on reg.
// A nil reg gets a fresh registry.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	p := &PrometheusRecorder{
		registry: reg,
		jobs: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Compile jobs by lifecycle event",
		}, []string{"event"}),
		jobFailures: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "job_failures_total",
			Help:      "Failed compile jobs by failure reason",
		}, []string{"reason"}),
		attempts: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "Compile attempts by classified outcome",
		}, []string{"outcome"}),
		attemptDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "attempt_duration_seconds",
			Help:      "Wall-clock duration of compile attempts",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
		}, []string{"outcome"}),
		diagnostics: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "diagnostics_total",
			Help:      "Parsed compiler diagnostics by category",
		}, []string{"category"}),
		retries: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Retry controller decisions by kind",
		}, []string{"kind"}),
		storageWrites: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "storage_writes_total",
			Help:      "Artifact store writes by result",
		}, []string{"result"}),
	}
	reg.MustRegister(p.jobs, p.jobFailures, p.attempts, p.attemptDuration, p.diagnostics, p.retries, p.storageWrites)
	return p
}

// Registry returns the registry the series are registered on.
func (p *PrometheusRecorder) Registry() *prom.Registry {
	if p == nil {
		return nil
	}
	return p.registry
}

// WriteTextfile writes the current series in the node-exporter textfile format.
func (p *PrometheusRecorder) WriteTextfile(path string) error {
	if p == nil {
		return nil
	}
	if err := prom.WriteToTextfile(path, p.registry); err != nil {
		return fmt.Errorf("failed to write metrics to %s: %w", path, err)
	}
	return nil
}

func (p *PrometheusRecorder) incJob(event string) {
	if p == nil {
		return
	}
	p.jobs.WithLabelValues(event).Inc()
}

func (p *PrometheusRecorder) incJobFailure(reason string) {
	if p == nil {
		return
	}
	p.jobs.WithLabelValues("failed").Inc()
	p.jobFailures.WithLabelValues(reason).Inc()
}

func (p *PrometheusRecorder) observeAttempt(outcome string, d time.Duration, categories []string) {
	if p == nil {
		return
	}
	p.attempts.WithLabelValues(outcome).Inc()
	p.attemptDuration.WithLabelValues(outcome).Observe(d.Seconds())
	for _, cat := range categories {
		p.diagnostics.WithLabelValues(cat).Inc()
	}
}

func (p *PrometheusRecorder) incRetry(kind string) {
	if p == nil {
		return
	}
	p.retries.WithLabelValues(kind).Inc()
}

func (p *PrometheusRecorder) incStorageWrite(result string) {
	if p == nil {
		return
	}
	p.storageWrites.WithLabelValues(result).Inc()
}

// Package metrics exposes Prometheus instrumentation for edit jobs.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics records orchestrator-level job metrics.
type Metrics interface {
	IncJobsStarted()
	IncJobsCompleted(status string)
	ObserveJobDuration(seconds float64)
	AddStagedBytes(n float64)
}

// Noop implements Metrics without emitting anything.
type Noop struct{}

func (Noop) IncJobsStarted()              {}
func (Noop) IncJobsCompleted(string)      {}
func (Noop) ObserveJobDuration(float64)   {}
func (Noop) AddStagedBytes(float64)       {}

// Prom implements Metrics backed by Prometheus collectors.
type Prom struct {
	jobsStarted   prometheus.Counter
	jobsCompleted *prometheus.CounterVec
	jobDuration   prometheus.Histogram
	stagedBytes   prometheus.Counter
	once          sync.Once
}

func NewProm(namespace string) *Prom {
	p := &Prom{
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_started_total",
			Help:      "Edit jobs started",
		}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "Edit jobs completed by terminal status",
		}, []string{"status"}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall-clock duration of edit jobs",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		stagedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "staged_bytes_total",
			Help:      "Bytes downloaded into job staging directories",
		}),
	}
	p.register()
	return p
}

func (p *Prom) register() {
	p.once.Do(func() {
		prometheus.MustRegister(p.jobsStarted, p.jobsCompleted, p.jobDuration, p.stagedBytes)
	})
}

func (p *Prom) IncJobsStarted()                 { p.jobsStarted.Inc() }
func (p *Prom) IncJobsCompleted(status string)  { p.jobsCompleted.WithLabelValues(status).Inc() }
func (p *Prom) ObserveJobDuration(secs float64) { p.jobDuration.Observe(secs) }
func (p *Prom) AddStagedBytes(n float64)        { p.stagedBytes.Add(n) }

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Package metrics holds the Prometheus collectors for runs, tasks, backend calls and
// publications.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder owns a registry and the commitbot collectors registered on it.
//
// Metrics:
//   - commitbot_runs_total{run_type,status}
//   - commitbot_tasks_total{task,status,reason}
//   - commitbot_provider_calls_total{backend,outcome}
//   - commitbot_provider_fallbacks_total{reason}
//   - commitbot_publications_total{kind,result}
//   - commitbot_run_duration_seconds{run_type}
type Recorder struct {
	registry *prometheus.Registry

	RunsTotal         *prometheus.CounterVec
	TasksTotal        *prometheus.CounterVec
	ProviderCalls     *prometheus.CounterVec
	ProviderFallbacks *prometheus.CounterVec
	Publications      *prometheus.CounterVec
	RunDuration       *prometheus.HistogramVec
}

// New creates a Recorder on a fresh registry. Each Recorder is independent, so tests
// can create as many as they need without duplicate registration panics.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Recorder{
		registry: reg,
		RunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "commitbot_runs_total",
			Help: "Finalized runs by run type and terminal status",
		}, []string{"run_type", "status"}),
		TasksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "commitbot_tasks_total",
			Help: "Task outcomes by task, status and error reason",
		}, []string{"task", "status", "reason"}),
		ProviderCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "commitbot_provider_calls_total",
			Help: "Generation backend calls by backend and outcome",
		}, []string{"backend", "outcome"}),
		ProviderFallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "commitbot_provider_fallbacks_total",
			Help: "Fallbacks from the primary reviewer by reason",
		}, []string{"reason"}),
		Publications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "commitbot_publications_total",
			Help: "Publication attempts by kind and result",
		}, []string{"kind", "result"}),
		RunDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "commitbot_run_duration_seconds",
			Help:    "Wall time from run start to finalization",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"run_type"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

func (r *Recorder) RunFinished(runType, status string, d time.Duration) {
	r.RunsTotal.WithLabelValues(runType, status).Inc()
	r.RunDuration.WithLabelValues(runType).Observe(d.Seconds())
}

func (r *Recorder) TaskFinished(task, status, reason string) {
	r.TasksTotal.WithLabelValues(task, status, reason).Inc()
}

func (r *Recorder) ProviderCall(backend, outcome string) {
	r.ProviderCalls.WithLabelValues(backend, outcome).Inc()
}

func (r *Recorder) ProviderFallback(reason string) {
	r.ProviderFallbacks.WithLabelValues(reason).Inc()
}

func (r *Recorder) Published(kind string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	r.Publications.WithLabelValues(kind, result).Inc()
}

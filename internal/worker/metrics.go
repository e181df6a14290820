package worker

import (
	"github.com/dunamismax/genflow/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	registry        *prometheus.Registry
	jobsTotal       *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
	activeJobs      prometheus.Gauge
	providerCalls   *prometheus.HistogramVec
	outputsTotal    *prometheus.CounterVec
	redeliveryTotal prometheus.Counter
}

// NewMetrics registers the runner collectors on registry, creating one when
// registry is nil.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = telemetry.NewRegistry()
	}

	m := &Metrics{
		registry: registry,
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "genflow_worker_jobs_total",
			Help: "Total generation jobs by model and final status.",
		}, []string{"model", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "genflow_worker_job_duration_seconds",
			Help:    "End-to-end execution time of a generation job.",
			Buckets: []float64{1, 2.5, 5, 10, 20, 30, 60, 120, 300},
		}, []string{"model", "status"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "genflow_worker_active_jobs",
			Help: "Generation jobs currently executing.",
		}),
		providerCalls: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "genflow_worker_provider_attempts",
			Help:    "Provider attempts needed per job.",
			Buckets: []float64{1, 2, 3, 4, 5},
		}, []string{"model"}),
		outputsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "genflow_worker_outputs_total",
			Help: "Materialized outputs by result.",
		}, []string{"result"}),
		redeliveryTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "genflow_worker_redeliveries_skipped_total",
			Help: "Deliveries ignored because the job was already terminal.",
		}),
	}

	registry.MustRegister(
		m.jobsTotal,
		m.jobDuration,
		m.activeJobs,
		m.providerCalls,
		m.outputsTotal,
		m.redeliveryTotal,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

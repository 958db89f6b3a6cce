package telemetry

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"codevolve/internal/model"
)

const namespace = "codevolve"

// PrometheusReporter exports the latest generation per run as gauges and
// accumulates evaluated programs by terminal status.
type PrometheusReporter struct {
	registry *prometheus.Registry

	Generation           *prometheus.GaugeVec
	BestFitness          *prometheus.GaugeVec
	MeanFitness          *prometheus.GaugeVec
	ProgramsTotal        *prometheus.CounterVec
	OffspringTotal       *prometheus.CounterVec
	DiffApplyFailures    *prometheus.CounterVec
	GeneratorUnavailable *prometheus.CounterVec
	Degenerating         *prometheus.GaugeVec
}

// NewPrometheusReporter registers its collectors on a private registry so
// several reporters can coexist in one process.
func NewPrometheusReporter() *PrometheusReporter {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &PrometheusReporter{
		registry: reg,
		Generation: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "generation",
			Help:      "Index of the last completed generation.",
		}, []string{"run_id"}),
		BestFitness: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "best_fitness",
			Help:      "Scalar fitness of the best survivor in the last completed generation.",
		}, []string{"run_id"}),
		MeanFitness: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mean_fitness",
			Help:      "Mean scalar fitness of the survivors in the last completed generation.",
		}, []string{"run_id"}),
		ProgramsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "programs_total",
			Help:      "Programs reaching a terminal status, by status.",
		}, []string{"run_id", "status"}),
		OffspringTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offspring_total",
			Help:      "Offspring inserted into the program store.",
		}, []string{"run_id"}),
		DiffApplyFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "diff_apply_failures_total",
			Help:      "Offspring slots skipped because the proposed diff did not apply.",
		}, []string{"run_id"}),
		GeneratorUnavailable: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generator_unavailable_total",
			Help:      "Offspring slots skipped because the generator gave no usable answer.",
		}, []string{"run_id"}),
		Degenerating: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "population_degenerating",
			Help:      "1 when survivors had to be back-filled with non-Valid programs.",
		}, []string{"run_id"}),
	}
}

func (r *PrometheusReporter) ReportGeneration(_ context.Context, s model.GenerationSummary) error {
	r.Generation.WithLabelValues(s.RunID).Set(float64(s.Generation))
	r.BestFitness.WithLabelValues(s.RunID).Set(s.BestFitness)
	r.MeanFitness.WithLabelValues(s.RunID).Set(s.MeanFitness)
	for status, n := range s.StatusCounts {
		r.ProgramsTotal.WithLabelValues(s.RunID, string(status)).Add(float64(n))
	}
	r.OffspringTotal.WithLabelValues(s.RunID).Add(float64(s.Offspring))
	r.DiffApplyFailures.WithLabelValues(s.RunID).Add(float64(s.DiffApplyFailures))
	r.GeneratorUnavailable.WithLabelValues(s.RunID).Add(float64(s.GeneratorUnavailable))
	degenerating := 0.0
	if s.Degenerating {
		degenerating = 1
	}
	r.Degenerating.WithLabelValues(s.RunID).Set(degenerating)
	return nil
}

func (r *PrometheusReporter) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the reporter's registry in the Prometheus text format.
func (r *PrometheusReporter) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Package metrics exposes training and decoding counters
// to Prometheus.
package metrics

import (
	"errors"
	"net/http"

	"github.com/gordonliu0/LightForker"
	"github.com/gordonliu0/LightForker/resultlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors of one process.
//
// It implements resultlog.Store, so a resultlog.Writer can
// count decode outcomes as it stores them.
type Metrics struct {
	Decoded      *prometheus.CounterVec
	CoreErrors   *prometheus.CounterVec
	Degenerate   *prometheus.CounterVec
	TrainingLoss prometheus.Gauge
	Validation   prometheus.Gauge
	Steps        prometheus.Counter

	registry *prometheus.Registry
}

// New creates a Metrics with its own registry.
func New() *Metrics {
	m := &Metrics{
		Decoded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lightforker_decoded_samples_total",
			Help: "Decoded samples by outcome",
		}, []string{"flag"}),
		CoreErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lightforker_core_errors_total",
			Help: "Batches aborted by the numeric core, by error kind",
		}, []string{"kind"}),
		Degenerate: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lightforker_degenerate_likelihoods_total",
			Help: "Samples whose true class got zero probability",
		}, []string{"branch"}),
		TrainingLoss: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lightforker_training_loss",
			Help: "Loss of the most recent training batch",
		}),
		Validation: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lightforker_validation_loss",
			Help: "Mean validation loss of the most recent epoch",
		}),
		Steps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lightforker_training_steps_total",
			Help: "Training batches processed",
		}),
		registry: prometheus.NewRegistry(),
	}
	m.registry.MustRegister(m.Decoded, m.CoreErrors, m.Degenerate, m.TrainingLoss,
		m.Validation, m.Steps)
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Put counts the records by flag.
func (m *Metrics) Put(records []resultlog.Record) error {
	for _, r := range records {
		m.Decoded.WithLabelValues(string(r.Flag)).Inc()
	}
	return nil
}

// Close does nothing.
func (m *Metrics) Close() error {
	return nil
}

// ObserveDegenerate counts samples whose likelihood was
// degenerate on a branch.
func (m *Metrics) ObserveDegenerate(branch string, samples []string) {
	m.Degenerate.WithLabelValues(branch).Add(float64(len(samples)))
}

// ObserveError counts an error by its kind.
// It returns the kind it counted.
func (m *Metrics) ObserveError(err error) string {
	kind := ErrorKind(err)
	m.CoreErrors.WithLabelValues(kind).Inc()
	return kind
}

// ErrorKind names the kind of a core error, or "other".
func ErrorKind(err error) string {
	var mismatch *lightforker.ConfigurationMismatch
	var instability *lightforker.NumericalInstability
	var degenerate *lightforker.DegenerateLikelihood
	switch {
	case errors.As(err, &mismatch):
		return "configuration_mismatch"
	case errors.As(err, &instability):
		return "numerical_instability"
	case errors.As(err, &degenerate):
		return "degenerate_likelihood"
	default:
		return "other"
	}
}

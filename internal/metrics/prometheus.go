// Package metrics provides Prometheus metrics export for URLGuard.
// Exposes prediction counts, latencies, publish outcomes and model state.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Error kinds recorded by PredictionErrors.
const (
	KindMissingFeature = "missing_feature"
	KindUnavailable    = "unavailable"
	KindInference      = "inference"
	KindBadRequest     = "bad_request"
	KindRateLimited    = "rate_limited"
)

// Publish results recorded by Published.
const (
	PublishOK      = "ok"
	PublishFailed  = "failed"
	PublishDropped = "dropped"
)

// Metrics holds every collector exported by the service. Each instance owns
// its registry so tests can create as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	Predictions        *prometheus.CounterVec
	PredictionErrors   *prometheus.CounterVec
	ParseDegradations  prometheus.Counter
	Published          *prometheus.CounterVec
	PredictionDuration prometheus.Histogram
	ModelLoaded        prometheus.Gauge
	ConsumedMessages   *prometheus.CounterVec
}

// New creates the collectors and registers them, together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		Predictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "urlguard_predictions_total",
			Help: "URLs classified, by predicted label",
		}, []string{"label"}),

		PredictionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "urlguard_prediction_errors_total",
			Help: "Failed prediction requests, by error kind",
		}, []string{"kind"}),

		ParseDegradations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "urlguard_parse_degradations_total",
			Help: "URLs that could not be split and were featurized with empty components",
		}),

		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "urlguard_publish_total",
			Help: "Prediction publish attempts, by result",
		}, []string{"result"}),

		PredictionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "urlguard_prediction_duration_seconds",
			Help:    "Time from feature extraction to predicted label",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),

		ModelLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "urlguard_model_loaded",
			Help: "1 when a model is loaded and serving",
		}),

		ConsumedMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "urlguard_consumed_messages_total",
			Help: "Prediction messages read by the consumer, by result",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		m.Predictions,
		m.PredictionErrors,
		m.ParseDegradations,
		m.Published,
		m.PredictionDuration,
		m.ModelLoaded,
		m.ConsumedMessages,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry returns the registry the collectors are registered with.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler serving the metrics in text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObservePrediction records a successful prediction.
func (m *Metrics) ObservePrediction(label string, elapsed time.Duration) {
	m.Predictions.WithLabelValues(label).Inc()
	m.PredictionDuration.Observe(elapsed.Seconds())
}

// ObserveError records a failed prediction.
func (m *Metrics) ObserveError(kind string) {
	m.PredictionErrors.WithLabelValues(kind).Inc()
}

// ObservePublish records a publish outcome.
func (m *Metrics) ObservePublish(result string) {
	m.Published.WithLabelValues(result).Inc()
}

// SetModelLoaded sets the model gauge.
func (m *Metrics) SetModelLoaded(loaded bool) {
	if loaded {
		m.ModelLoaded.Set(1)
		return
	}
	m.ModelLoaded.Set(0)
}

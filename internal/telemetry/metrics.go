package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/conneroisu/kiln/internal/transform"
)

// Metrics holds the Prometheus collectors for one session. Each instance
// owns its registry so independent sessions do not collide.
type Metrics struct {
	registry *prometheus.Registry

	hookDuration *prometheus.HistogramVec
	hookErrors   *prometheus.CounterVec

	requestStates   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	hmrPayloads *prometheus.CounterVec
	hmrClients  prometheus.Gauge

	buildModules *prometheus.CounterVec
}

// NewMetrics creates and registers every collector.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		hookDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kiln_plugin_hook_duration_seconds",
				Help:    "Plugin hook latency in seconds",
				Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"plugin", "hook"},
		),
		hookErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kiln_plugin_hook_errors_total",
				Help: "Total number of failed plugin hook calls",
			},
			[]string{"plugin", "hook"},
		),
		requestStates: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kiln_transform_state_transitions_total",
				Help: "Transform request state transitions",
			},
			[]string{"state"},
		),
		requestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kiln_transform_request_duration_seconds",
				Help:    "Transform request latency in seconds by final state",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"state"},
		),
		hmrPayloads: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kiln_hmr_payloads_total",
				Help: "HMR payloads broadcast to clients",
			},
			[]string{"type"},
		),
		hmrClients: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "kiln_hmr_clients",
				Help: "Connected HMR clients",
			},
		),
		buildModules: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kiln_build_modules_total",
				Help: "Modules processed by the build walk",
			},
			[]string{"result"},
		),
	}
}

// ObserveHook records one plugin hook call.
func (m *Metrics) ObserveHook(plugin, hook string, d time.Duration, err error) {
	m.hookDuration.WithLabelValues(plugin, hook).Observe(d.Seconds())
	if err != nil {
		m.hookErrors.WithLabelValues(plugin, hook).Inc()
	}
}

// StateChanged counts a transform state transition.
func (m *Metrics) StateChanged(_ string, state transform.State) {
	m.requestStates.WithLabelValues(string(state)).Inc()
}

// RequestDone records a finished transform request.
func (m *Metrics) RequestDone(_ string, state transform.State, d time.Duration) {
	m.requestDuration.WithLabelValues(string(state)).Observe(d.Seconds())
}

// HMRPayload counts a broadcast payload.
func (m *Metrics) HMRPayload(payloadType string) {
	m.hmrPayloads.WithLabelValues(payloadType).Inc()
}

// HMRClients sets the connected client count.
func (m *Metrics) HMRClients(n int) {
	m.hmrClients.Set(float64(n))
}

// BuildModule counts a module finished by the build walk.
func (m *Metrics) BuildModule(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.buildModules.WithLabelValues(result).Inc()
}

// Registry exposes the underlying registry for tests and exporters.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

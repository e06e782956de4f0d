// Package metrics exposes the daemon's Prometheus instruments.
//
// Instruments are registered on a private registry so several engines (tests,
// mostly) can coexist in one process. Every method is safe on a nil *Metrics,
// which lets components run without instrumentation.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "kegleveld"

// Metrics bundles the instruments updated by the flow engine and its collaborators.
type Metrics struct {
	registry *prometheus.Registry

	pulses          *prometheus.CounterVec
	dispensed       *prometheus.CounterVec
	pours           *prometheus.CounterVec
	anomalies       *prometheus.CounterVec
	persistFailures *prometheus.CounterVec
	remaining       *prometheus.GaugeVec
	mode            prometheus.Gauge
	tick            prometheus.Histogram
}

// New creates a registry with process and Go runtime collectors plus the flow instruments.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		pulses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pulses_total",
			Help:      "Flow sensor pulses attributed by the monitor loop.",
		}, []string{"tap"}),
		dispensed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispensed_liters_total",
			Help:      "Liters accounted to kegs since start.",
		}, []string{"tap"}),
		pours: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pours_total",
			Help:      "Completed pours.",
		}, []string{"tap"}),
		anomalies: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "counter_anomalies_total",
			Help:      "Pulse counter reads that went backwards and were clamped.",
		}, []string{"tap"}),
		persistFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_failures_total",
			Help:      "Failed writes to the settings store.",
		}, []string{"op"}),
		remaining: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "remaining_liters",
			Help:      "Last known remaining keg volume per tap. May be negative.",
		}, []string{"tap"}),
		mode: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "engine_mode",
			Help:      "Engine mode (0=normal, 1=manual calibration, 2=auto calibration).",
		}),
		tick: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_seconds",
			Help:      "Duration of one monitor loop tick.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func tapLabel(tap int) string { return strconv.Itoa(tap) }

func (m *Metrics) ObservePulses(tap int, n uint64) {
	if m == nil || n == 0 {
		return
	}
	m.pulses.WithLabelValues(tapLabel(tap)).Add(float64(n))
}

func (m *Metrics) ObserveDispensed(tap int, liters float64) {
	if m == nil || liters <= 0 {
		return
	}
	m.dispensed.WithLabelValues(tapLabel(tap)).Add(liters)
}

func (m *Metrics) ObservePour(tap int) {
	if m == nil {
		return
	}
	m.pours.WithLabelValues(tapLabel(tap)).Inc()
}

func (m *Metrics) ObserveAnomaly(tap int) {
	if m == nil {
		return
	}
	m.anomalies.WithLabelValues(tapLabel(tap)).Inc()
}

func (m *Metrics) ObservePersistFailure(op string) {
	if m == nil {
		return
	}
	m.persistFailures.WithLabelValues(op).Inc()
}

func (m *Metrics) SetRemaining(tap int, liters float64) {
	if m == nil {
		return
	}
	m.remaining.WithLabelValues(tapLabel(tap)).Set(liters)
}

func (m *Metrics) SetMode(mode int) {
	if m == nil {
		return
	}
	m.mode.Set(float64(mode))
}

func (m *Metrics) ObserveTick(seconds float64) {
	if m == nil {
		return
	}
	m.tick.Observe(seconds)
}

// Package metrics exposes Prometheus collectors for the voice relay.
//
// All Record methods are safe to call on a nil *Metrics so that library
// packages can run without a registry in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "voicerelay"

// Frame directions
const (
	Inbound  = "inbound"  // telephony -> model
	Outbound = "outbound" // model -> telephony
)

// Metrics holds all Prometheus metrics for the relay
type Metrics struct {
	registry *prometheus.Registry

	// Call metrics
	CallsActive  prometheus.Gauge
	CallsTotal   *prometheus.CounterVec
	CallDuration *prometheus.HistogramVec

	// Frame metrics
	FramesRelayed *prometheus.CounterVec
	FramesDropped *prometheus.CounterVec
	AudioBytes    *prometheus.CounterVec

	// Vendor metrics
	VendorEvents *prometheus.CounterVec
	VendorErrors *prometheus.CounterVec

	// Capture metrics
	CaptureSaves     *prometheus.CounterVec
	RecordingSeconds prometheus.Histogram
}

// New creates a Metrics instance registered on its own registry
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		CallsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "calls_active",
			Help:      "Number of calls currently relayed",
		}),
		CallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Total number of relayed calls by outcome",
		}, []string{"vendor", "outcome"}),
		CallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Wall-clock duration of relayed calls",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"vendor"}),

		FramesRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_relayed_total",
			Help:      "Audio frames forwarded between telephony and model",
		}, []string{"direction"}),
		FramesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Frames dropped because they could not be decoded or arrived out of state",
		}, []string{"reason"}),
		AudioBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "Companded audio bytes forwarded",
		}, []string{"direction"}),

		VendorEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vendor_events_total",
			Help:      "Normalized events received from the voice vendor",
		}, []string{"vendor", "event"}),
		VendorErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vendor_errors_total",
			Help:      "Error events and transport failures reported by the voice vendor",
		}, []string{"vendor"}),

		CaptureSaves: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_saves_total",
			Help:      "Recording save attempts by result",
		}, []string{"result"}),
		RecordingSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recording_seconds",
			Help:      "Length of rendered call recordings",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~34 minutes
		}),
	}
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordCallStart marks a call as active
func (m *Metrics) RecordCallStart() {
	if m == nil {
		return
	}
	m.CallsActive.Inc()
}

// RecordCallEnd marks a call as finished
func (m *Metrics) RecordCallEnd(vendor, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.CallsActive.Dec()
	m.CallsTotal.WithLabelValues(vendor, outcome).Inc()
	m.CallDuration.WithLabelValues(vendor).Observe(duration.Seconds())
}

// RecordFrame counts one forwarded audio frame
func (m *Metrics) RecordFrame(direction string, bytes int) {
	if m == nil {
		return
	}
	m.FramesRelayed.WithLabelValues(direction).Inc()
	m.AudioBytes.WithLabelValues(direction).Add(float64(bytes))
}

// RecordDrop counts one dropped frame
func (m *Metrics) RecordDrop(reason string) {
	if m == nil {
		return
	}
	m.FramesDropped.WithLabelValues(reason).Inc()
}

// RecordVendorEvent counts one normalized vendor event
func (m *Metrics) RecordVendorEvent(vendor, event string) {
	if m == nil {
		return
	}
	m.VendorEvents.WithLabelValues(vendor, event).Inc()
}

// RecordVendorError counts one vendor failure
func (m *Metrics) RecordVendorError(vendor string) {
	if m == nil {
		return
	}
	m.VendorErrors.WithLabelValues(vendor).Inc()
}

// RecordCaptureSave counts one save attempt
func (m *Metrics) RecordCaptureSave(err error, recording time.Duration) {
	if m == nil {
		return
	}
	if err != nil {
		m.CaptureSaves.WithLabelValues("error").Inc()
		return
	}
	m.CaptureSaves.WithLabelValues("ok").Inc()
	m.RecordingSeconds.Observe(recording.Seconds())
}

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "trial"

// Metrics holds the collectors of the core. A nil *Metrics is valid and
// records nothing, so components can run without instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	CreditsConsumed  *prometheus.CounterVec
	SpendRejected    *prometheus.CounterVec
	Activations      *prometheus.CounterVec
	Deliveries       *prometheus.CounterVec
	Redeliveries     *prometheus.CounterVec
	FingerprintsSeen *prometheus.CounterVec
}

// New registers every collector on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		CreditsConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credits_consumed_total",
			Help:      "Credits spent by operation type.",
		}, []string{"operation"}),
		SpendRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spend_rejected_total",
			Help:      "Spends refused for insufficient credits.",
		}, []string{"operation"}),
		Activations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "license_activations_total",
			Help:      "License activation attempts by outcome.",
		}, []string{"outcome"}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_deliveries_total",
			Help:      "Direct sync deliveries by status.",
		}, []string{"status"}),
		Redeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_redeliveries_total",
			Help:      "Offline queue envelopes processed by outcome.",
		}, []string{"outcome"}),
		FingerprintsSeen: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fingerprint_sightings_total",
			Help:      "Device sightings split by first sighting and virtual machine flag.",
		}, []string{"first", "vm"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.CreditsConsumed,
		m.SpendRejected,
		m.Activations,
		m.Deliveries,
		m.Redeliveries,
		m.FingerprintsSeen,
	)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) CreditsSpent(operation string, credits int) {
	if m == nil {
		return
	}
	m.CreditsConsumed.WithLabelValues(operation).Add(float64(credits))
}

func (m *Metrics) SpendDenied(operation string) {
	if m == nil {
		return
	}
	m.SpendRejected.WithLabelValues(operation).Inc()
}

func (m *Metrics) Activation(outcome string) {
	if m == nil {
		return
	}
	m.Activations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Delivery(status string) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(status).Inc()
}

func (m *Metrics) Redelivery(outcome string) {
	if m == nil {
		return
	}
	m.Redeliveries.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Sighting(first, vm bool) {
	if m == nil {
		return
	}
	m.FingerprintsSeen.WithLabelValues(boolLabel(first), boolLabel(vm)).Inc()
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records bridge activity on a private registry.
type Metrics struct {
	registry        *prometheus.Registry
	HandshakesTotal *prometheus.CounterVec
	SuspendsTotal   *prometheus.CounterVec
	ErrorsTotal     *prometheus.CounterVec
	RelayBytes      *prometheus.CounterVec
	ConnectionOpen  prometheus.Gauge
}

func NewMetrics() *Metrics {
	r := prometheus.NewRegistry()
	m := &Metrics{
		registry: r,
		HandshakesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "netbridge",
			Name:      "handshakes_total",
			Help:      "Handshakes by outcome",
		}, []string{"outcome"}),
		SuspendsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "netbridge",
			Name:      "suspends_total",
			Help:      "Resolved emulator suspends by kind and resolution",
		}, []string{"kind", "resolution"}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "netbridge",
			Name:      "errors_total",
			Help:      "Bridge errors by kind",
		}, []string{"kind"}),
		RelayBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "netbridge",
			Name:      "relay_bytes_total",
			Help:      "Bytes relayed between emulator and proxy",
		}, []string{"direction"}),
		ConnectionOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "netbridge",
			Name:      "connection_open",
			Help:      "1 while a proxy connection is open",
		}),
	}
	r.MustRegister(m.HandshakesTotal, m.SuspendsTotal, m.ErrorsTotal, m.RelayBytes, m.ConnectionOpen)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) ObserveHandshake(status string) {
	m.HandshakesTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveResolution(kind, resolution string) {
	m.SuspendsTotal.WithLabelValues(kind, resolution).Inc()
}

func (m *Metrics) ObserveError(kind string) {
	m.ErrorsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveBytes(direction string, n int) {
	m.RelayBytes.WithLabelValues(direction).Add(float64(n))
}

func (m *Metrics) SetConnectionOpen(open bool) {
	if open {
		m.ConnectionOpen.Set(1)
	} else {
		m.ConnectionOpen.Set(0)
	}
}

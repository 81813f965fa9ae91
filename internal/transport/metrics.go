package transport

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the prometheus collectors a Transport updates as it
// moves bytes and (re)connects. A Transport constructed without
// WithMetrics uses a Metrics whose collectors are unregistered no-ops, so
// every call site can unconditionally touch them.
type Metrics struct {
	bytesSent      prometheus.Counter
	bytesReceived  prometheus.Counter
	reconnects     prometheus.Counter
	tlsEstablished prometheus.Gauge
}

// NewMetrics builds a Metrics and registers its collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rdp_transport_bytes_sent_total",
			Help: "Total bytes written to the RDP transport socket.",
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rdp_transport_bytes_received_total",
			Help: "Total bytes read from the RDP transport socket.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rdp_transport_reconnects_total",
			Help: "Total number of successful Connect calls, including reconnects.",
		}),
		tlsEstablished: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rdp_transport_tls_established",
			Help: "1 if the transport's TLS session is currently established, else 0.",
		}),
	}

	reg.MustRegister(m.bytesSent, m.bytesReceived, m.reconnects, m.tlsEstablished)
	return m
}

// noopMetrics returns a Metrics with collectors that are never
// registered, so updating them is side-effect free.
func noopMetrics() *Metrics {
	return &Metrics{
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{Name: "rdp_transport_bytes_sent_total_noop"}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rdp_transport_bytes_received_total_noop",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{Name: "rdp_transport_reconnects_total_noop"}),
		tlsEstablished: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rdp_transport_tls_established_noop",
		}),
	}
}

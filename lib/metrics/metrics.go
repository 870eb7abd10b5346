// Package metrics exposes the Prometheus instrumentation described in
// SPEC_FULL.md's ambient stack: connection, handshake, session, and VFS
// counters in the house style the teacher's own Prometheus middleware
// dependency implies (SPEC_FULL.md DOMAIN STACK).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every metric this service emits. Handlers take a
// *Registry rather than reaching for global prometheus default-registry
// state, so tests can construct an isolated instance.
type Registry struct {
	ConnectionsAccepted prometheus.Counter
	HandshakeSuccess    prometheus.Counter
	HandshakeFailure    *prometheus.CounterVec // labeled by code
	SessionsActive      prometheus.Gauge
	VFSRequests         *prometheus.CounterVec // labeled by code ("ok" or an error code)
	OutputBytesPumped   prometheus.Counter
}

// NewRegistry constructs a Registry and registers every metric with reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	m := &Registry{
		ConnectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "comacode_hostd",
			Name:      "connections_accepted_total",
			Help:      "Total QUIC connections accepted by the transport listener.",
		}),
		HandshakeSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "comacode_hostd",
			Name:      "handshake_success_total",
			Help:      "Total handshakes that reached the Authenticated state.",
		}),
		HandshakeFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "comacode_hostd",
			Name:      "handshake_failure_total",
			Help:      "Total handshake failures, labeled by error code.",
		}, []string{"code"}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "comacode_hostd",
			Name:      "pty_sessions_active",
			Help:      "Number of PTY sessions currently tracked (active or within grace period).",
		}),
		VFSRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "comacode_hostd",
			Name:      "vfs_requests_total",
			Help:      "Total ListDir requests, labeled by outcome.",
		}, []string{"code"}),
		OutputBytesPumped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "comacode_hostd",
			Name:      "pty_output_bytes_total",
			Help:      "Total bytes read from PTY masters and pumped to clients.",
		}),
	}

	reg.MustRegister(
		m.ConnectionsAccepted,
		m.HandshakeSuccess,
		m.HandshakeFailure,
		m.SessionsActive,
		m.VFSRequests,
		m.OutputBytesPumped,
	)
	return m
}

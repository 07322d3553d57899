package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ledzpl/chatrelay/internal/protocol"
)

const metricsNamespace = "chatrelay"

// Violation reasons reported by the protocol_violations_total counter.
const (
	reasonMalformed     = "malformed"
	reasonInvalid       = "invalid"
	reasonInvalidJoin   = "invalid_join"
	reasonUsernameTaken = "username_taken"
)

// Metrics holds the Prometheus collectors of one relay server.
type Metrics struct {
	connections      prometheus.Counter
	activeSessions   prometheus.Gauge
	envelopes        *prometheus.CounterVec
	deliveryFailures prometheus.Counter
	violations       *prometheus.CounterVec
}

// NewMetrics registers the relay collectors on reg. A nil reg gets a private
// registry so several servers can coexist in one process.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		connections: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connections_total",
			Help:      "Total number of accepted connections",
		}),
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_sessions",
			Help:      "Number of sessions bound to an identity",
		}),
		envelopes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "envelopes_routed_total",
			Help:      "Total number of envelopes handed to the router by kind",
		}, []string{"kind"}),
		deliveryFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "delivery_failures_total",
			Help:      "Total number of dropped deliveries",
		}),
		violations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "protocol_violations_total",
			Help:      "Total number of protocol violations by reason",
		}, []string{"reason"}),
	}
}

func (m *Metrics) routed(kind protocol.Kind) {
	label := string(kind)
	if !kind.Known() {
		label = "unknown"
	}
	m.envelopes.WithLabelValues(label).Inc()
}

func (m *Metrics) violation(reason string) {
	m.violations.WithLabelValues(reason).Inc()
}

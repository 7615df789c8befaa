// Package metric gathers prometheus metrics of the coordination layer.
package metric

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "replikv"

// Metrics holds every collector of one process. A nil *Metrics is valid and
// records nothing, so components can be built without metrics in tests.
type Metrics struct {
	registry *prometheus.Registry

	messagesSent   *prometheus.CounterVec
	sendFailures   *prometheus.CounterVec
	messagesIn     *prometheus.CounterVec
	appliedUnits   prometheus.Counter
	replicaIdx     prometheus.Gauge
	writes         *prometheus.CounterVec
	writeLatency   prometheus.Histogram
	casConflicts   prometheus.Counter
	recoveries     *prometheus.CounterVec
	nodeState      *prometheus.GaugeVec
	requestLatency *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pump",
			Name:      "messages_sent_total",
			Help:      "Number of protocol messages delivered to peer inboxes.",
		}, []string{"node"}),
		sendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pump",
			Name:      "send_failures_total",
			Help:      "Number of failed deliveries by destination peer.",
		}, []string{"node", "peer"}),
		messagesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pump",
			Name:      "messages_received_total",
			Help:      "Number of protocol messages fed into the engine.",
		}, []string{"node"}),
		appliedUnits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "materializer",
			Name:      "applied_units_total",
			Help:      "Number of decided units applied to the replica view.",
		}),
		replicaIdx: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "materializer",
			Name:      "decided_idx",
			Help:      "Decided index of the replica view.",
		}),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "writes_total",
			Help:      "Number of writes by outcome.",
		}, []string{"result"}),
		writeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "write_seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			Help:      "Time from append until the entry was observed decided.",
		}),
		casConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "cas_conflicts_total",
			Help:      "Number of compare-and-swap calls rejected by their precondition.",
		}),
		recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "attempts_total",
			Help:      "Number of recoveries by outcome.",
		}, []string{"node", "result"}),
		nodeState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "node_state",
			Help:      "Recovery state per node (1 running, 2 unreachable, 3 recovering, 4 failed).",
		}, []string{"node"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "response_seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 1.5, 3.0, 5.0, 10.0},
			Help:      "HTTP response time by route and status code.",
		}, []string{"route", "code"}),
	}

	m.registry.MustRegister(
		m.messagesSent,
		m.sendFailures,
		m.messagesIn,
		m.appliedUnits,
		m.replicaIdx,
		m.writes,
		m.writeLatency,
		m.casConflicts,
		m.recoveries,
		m.nodeState,
		m.requestLatency,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func nodeLabel(id uint64) string { return strconv.FormatUint(id, 10) }

func (m *Metrics) MessageSent(node uint64) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(nodeLabel(node)).Inc()
}

func (m *Metrics) SendFailed(node, peer uint64) {
	if m == nil {
		return
	}
	m.sendFailures.WithLabelValues(nodeLabel(node), nodeLabel(peer)).Inc()
}

func (m *Metrics) MessageReceived(node uint64) {
	if m == nil {
		return
	}
	m.messagesIn.WithLabelValues(nodeLabel(node)).Inc()
}

func (m *Metrics) Applied(units, decidedIdx uint64) {
	if m == nil {
		return
	}
	m.appliedUnits.Add(float64(units))
	m.replicaIdx.Set(float64(decidedIdx))
}

func (m *Metrics) Write(result string, took time.Duration) {
	if m == nil {
		return
	}
	m.writes.WithLabelValues(result).Inc()
	if result == "ok" {
		m.writeLatency.Observe(took.Seconds())
	}
}

func (m *Metrics) CASConflict() {
	if m == nil {
		return
	}
	m.casConflicts.Inc()
}

func (m *Metrics) Recovery(node uint64, result string) {
	if m == nil {
		return
	}
	m.recoveries.WithLabelValues(nodeLabel(node), result).Inc()
}

func (m *Metrics) NodeState(node uint64, state uint32) {
	if m == nil {
		return
	}
	m.nodeState.WithLabelValues(nodeLabel(node)).Set(float64(state))
}

func (m *Metrics) Request(route string, code int, took time.Duration) {
	if m == nil {
		return
	}
	m.requestLatency.WithLabelValues(route, strconv.Itoa(code)).Observe(took.Seconds())
}

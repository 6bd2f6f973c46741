// Package metrics defines the Prometheus collectors of a node.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "shardq"

// Metrics holds all collectors, registered in a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	HeartbeatProbes    *prometheus.CounterVec
	NodeAlive          *prometheus.GaugeVec
	ShardMapRebuilds   prometheus.Counter
	QueuePending       *prometheus.GaugeVec
	QueueApplied       *prometheus.CounterVec
	ReplicationRetries *prometheus.CounterVec
	SinglePhase        *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		HeartbeatProbes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "heartbeat",
			Name:      "probes_total",
			Help:      "Heartbeat probes by target node and result.",
		}, []string{"node", "result"}),
		NodeAlive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "heartbeat",
			Name:      "node_alive",
			Help:      "1 if the node is considered alive.",
		}, []string{"node"}),
		ShardMapRebuilds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "shardmap",
			Name:      "rebuilds_total",
			Help:      "Shard map rebuilds caused by liveness changes.",
		}),
		QueuePending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "pending",
			Help:      "Queued operations not yet done.",
		}, []string{"space"}),
		QueueApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "done_total",
			Help:      "Queued operations driven to done.",
		}, []string{"space"}),
		ReplicationRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "replication_retries_total",
			Help:      "Failed replica deliveries that will be retried.",
		}, []string{"space", "node"}),
		SinglePhase: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "single_phase",
			Name:      "requests_total",
			Help:      "Single-phase writes by space, kind and result.",
		}, []string{"space", "kind", "result"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.HeartbeatProbes,
		m.NodeAlive,
		m.ShardMapRebuilds,
		m.QueuePending,
		m.QueueApplied,
		m.ReplicationRetries,
		m.SinglePhase,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Probe(node string, ok bool) {
	if m == nil {
		return
	}
	m.HeartbeatProbes.WithLabelValues(node, result(ok)).Inc()
}

func (m *Metrics) Alive(node string, alive bool) {
	if m == nil {
		return
	}
	v := 0.0
	if alive {
		v = 1
	}
	m.NodeAlive.WithLabelValues(node).Set(v)
}

func (m *Metrics) Rebuild() {
	if m == nil {
		return
	}
	m.ShardMapRebuilds.Inc()
}

func (m *Metrics) Pending(space string, n int) {
	if m == nil {
		return
	}
	m.QueuePending.WithLabelValues(space).Set(float64(n))
}

func (m *Metrics) Done(space string) {
	if m == nil {
		return
	}
	m.QueueApplied.WithLabelValues(space).Inc()
}

func (m *Metrics) Retry(space, node string) {
	if m == nil {
		return
	}
	m.ReplicationRetries.WithLabelValues(space, node).Inc()
}

func (m *Metrics) Single(space, kind string, ok bool) {
	if m == nil {
		return
	}
	m.SinglePhase.WithLabelValues(space, kind, result(ok)).Inc()
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

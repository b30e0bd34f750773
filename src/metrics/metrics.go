package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "socket"

// Metrics holds Prometheus collectors for the connection manager.
type Metrics struct {
	ActiveConnections   prometheus.Gauge
	ConnectionsAccepted prometheus.Counter
	ConnectionsRejected *prometheus.CounterVec
	Disconnects         *prometheus.CounterVec
	MessagesSent        prometheus.Counter
	BytesSent           prometheus.Counter
	SendFailures        prometheus.Counter
	Evictions           prometheus.Counter
	QueueDepth          prometheus.Gauge
	BatchSize           prometheus.Histogram
	FlushDuration       prometheus.Histogram
	ProcessCPU          prometheus.Gauge
	ProcessMemory       prometheus.Gauge
}

// New creates and registers the collectors on the given registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of live WebSocket connections.",
		}),
		ConnectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_accepted_total",
			Help:      "Total number of accepted WebSocket connections.",
		}),
		ConnectionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_rejected_total",
			Help:      "Rejected connection attempts by reason.",
		}, []string{"reason"}),
		Disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnects_total",
			Help:      "Removed connections by reason.",
		}, []string{"reason"}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Total number of messages written to clients.",
		}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total number of payload bytes written to clients.",
		}),
		SendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Total number of failed client writes.",
		}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_evictions_total",
			Help:      "Connections evicted by the health monitor.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Work items waiting in the outbound queue.",
		}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Work items per dispatcher flush.",
			Buckets:   []float64{1, 2, 5, 10, 20, 50, 100},
		}),
		FlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flush_duration_seconds",
			Help:      "Time spent writing one batch to all recipients.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 5},
		}),
		ProcessCPU: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "process_cpu_percent",
			Help:      "Process CPU usage sampled at the last performance report.",
		}),
		ProcessMemory: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "process_memory_megabytes",
			Help:      "Process resident memory sampled at the last performance report.",
		}),
	}

	reg.MustRegister(
		m.ActiveConnections,
		m.ConnectionsAccepted,
		m.ConnectionsRejected,
		m.Disconnects,
		m.MessagesSent,
		m.BytesSent,
		m.SendFailures,
		m.Evictions,
		m.QueueDepth,
		m.BatchSize,
		m.FlushDuration,
		m.ProcessCPU,
		m.ProcessMemory,
	)
	return m
}

// Package health collects delivery metrics and runs the periodic monitor
// that evaluates the circuit breaker and relieves memory pressure.
package health

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// LatencyWeight is the smoothing factor of the send latency moving average.
const LatencyWeight = 0.1

const namespace = "gochat"

// Metrics holds process-wide delivery counters. The atomic fields back the
// JSON snapshot; the Prometheus collectors back /metrics.
type Metrics struct {
	messagesSent     atomic.Int64
	messagesReceived atomic.Int64
	bytesSent        atomic.Int64
	bytesReceived    atomic.Int64
	connectionErrors atomic.Int64
	droppedJobs      atomic.Int64

	latencyMu  sync.Mutex
	avgLatency float64 // seconds

	// MessagesTotal counts frames by direction (inbound|outbound).
	MessagesTotal *prometheus.CounterVec
	// BytesTotal counts payload bytes by direction.
	BytesTotal *prometheus.CounterVec
	// SendResults counts transport writes by result (ok|peer_unreachable|timeout).
	SendResults *prometheus.CounterVec
	// SendLatency observes write latency in seconds.
	SendLatency prometheus.Histogram
	// ConnectionErrors counts failed upgrades, rejected admissions and failed writes.
	ConnectionErrors prometheus.Counter
	// DroppedJobs counts send jobs refused by a full queue.
	DroppedJobs prometheus.Counter

	Connections   prometheus.Gauge
	Users         prometheus.Gauge
	Channels      prometheus.Gauge
	QueueDepth    prometheus.Gauge
	BreakerOpen   prometheus.Gauge
	MemoryPercent prometheus.Gauge
	CPUPercent    prometheus.Gauge
	AvgLatency    prometheus.Gauge
}

// NewMetrics registers the collectors with reg. A nil reg uses the default
// Prometheus registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		MessagesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Total number of frames by direction",
		}, []string{"direction"}),
		BytesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Total payload bytes by direction",
		}, []string{"direction"}),
		SendResults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_results_total",
			Help:      "Transport writes by result",
		}, []string{"result"}),
		SendLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "send_latency_seconds",
			Help:      "Latency of transport writes in seconds",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		}),
		ConnectionErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_errors_total",
			Help:      "Failed upgrades, rejected admissions and failed writes",
		}),
		DroppedJobs: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_jobs_total",
			Help:      "Send jobs dropped because the queue was full",
		}),
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connections", Help: "Live connections",
		}),
		Users: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connected_users", Help: "Users with at least one connection",
		}),
		Channels: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_channels", Help: "Channels with at least one member",
		}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "send_queue_depth", Help: "Jobs waiting in the send queue",
		}),
		BreakerOpen: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "circuit_breaker_open", Help: "1 while the admission breaker is open",
		}),
		MemoryPercent: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "memory_used_percent", Help: "System memory in use",
		}),
		CPUPercent: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "cpu_used_percent", Help: "System CPU in use",
		}),
		AvgLatency: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "send_latency_avg_seconds", Help: "Moving average of write latency",
		}),
	}
}

// MessageSent records one successful write.
func (m *Metrics) MessageSent(bytes int, latency time.Duration) {
	m.messagesSent.Add(1)
	m.bytesSent.Add(int64(bytes))
	m.MessagesTotal.WithLabelValues("outbound").Inc()
	m.BytesTotal.WithLabelValues("outbound").Add(float64(bytes))
	m.SendResults.WithLabelValues("ok").Inc()
	m.SendLatency.Observe(latency.Seconds())

	m.latencyMu.Lock()
	m.avgLatency = m.avgLatency*(1-LatencyWeight) + latency.Seconds()*LatencyWeight
	m.latencyMu.Unlock()
}

// SendFailed records one failed write.
func (m *Metrics) SendFailed(result string) {
	m.connectionErrors.Add(1)
	m.SendResults.WithLabelValues(result).Inc()
	m.ConnectionErrors.Inc()
}

// MessageReceived records one inbound frame.
func (m *Metrics) MessageReceived(bytes int) {
	m.messagesReceived.Add(1)
	m.bytesReceived.Add(int64(bytes))
	m.MessagesTotal.WithLabelValues("inbound").Inc()
	m.BytesTotal.WithLabelValues("inbound").Add(float64(bytes))
}

// ConnectionError records a failed upgrade or rejected admission.
func (m *Metrics) ConnectionError() {
	m.connectionErrors.Add(1)
	m.ConnectionErrors.Inc()
}

// JobDropped records a send job refused by the queue.
func (m *Metrics) JobDropped() {
	m.droppedJobs.Add(1)
	m.DroppedJobs.Inc()
}

// AvgLatencySeconds returns the moving average write latency.
func (m *Metrics) AvgLatencySeconds() float64 {
	m.latencyMu.Lock()
	defer m.latencyMu.Unlock()
	return m.avgLatency
}

// Counters is a point-in-time copy of the counters.
type Counters struct {
	MessagesSent      int64   `json:"messages_sent"`
	MessagesReceived  int64   `json:"messages_received"`
	BytesSent         int64   `json:"bytes_sent"`
	BytesReceived     int64   `json:"bytes_received"`
	ConnectionErrors  int64   `json:"connection_errors"`
	DroppedJobs       int64   `json:"dropped_jobs"`
	AvgLatencySeconds float64 `json:"avg_latency_seconds"`
}

// Counters returns the current counters.
func (m *Metrics) Counters() Counters {
	return Counters{
		MessagesSent:      m.messagesSent.Load(),
		MessagesReceived:  m.messagesReceived.Load(),
		BytesSent:         m.bytesSent.Load(),
		BytesReceived:     m.bytesReceived.Load(),
		ConnectionErrors:  m.connectionErrors.Load(),
		DroppedJobs:       m.droppedJobs.Load(),
		AvgLatencySeconds: roundMicros(m.AvgLatencySeconds()),
	}
}

func roundMicros(s float64) float64 {
	return math.Round(s*1e6) / 1e6
}

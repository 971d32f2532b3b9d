package rtmp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "rtmpsrv"

// Metrics 는 서버와 연결 매니저가 갱신하는 Prometheus 지표 모음이다.
// nil *Metrics 도 안전하게 쓸 수 있다.
type Metrics struct {
	connections      prometheus.Gauge
	accepted         prometheus.Counter
	disconnects      *prometheus.CounterVec
	bytesIn          prometheus.Counter
	bytesOut         prometheus.Counter
	publishing       prometheus.Gauge
	publishes        *prometheus.CounterVec
	mediaMessages    *prometheus.CounterVec
	droppableMessage prometheus.Counter
	loopDuration     prometheus.Histogram
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connections",
			Help:      "Number of open RTMP connections",
		}),
		accepted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connections_accepted_total",
			Help:      "Total number of accepted RTMP connections",
		}),
		disconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "disconnects_total",
			Help:      "Total number of closed RTMP connections by reason",
		}, []string{"reason"}),
		bytesIn: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "received_bytes_total",
			Help:      "Bytes read from RTMP sockets",
		}),
		bytesOut: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sent_bytes_total",
			Help:      "Bytes written to RTMP sockets",
		}),
		publishing: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "publishing_streams",
			Help:      "Number of streams currently being published",
		}),
		publishes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "publish_requests_total",
			Help:      "Publish requests by result",
		}, []string{"result"}),
		mediaMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "media_messages_total",
			Help:      "Media and metadata messages forwarded to the consumer",
		}, []string{"type"}),
		droppableMessage: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "droppable_messages_total",
			Help:      "Forwarded media messages flagged as droppable",
		}),
		loopDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "loop_iteration_seconds",
			Help:      "Duration of connection manager iterations that did work",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}),
	}
}

func (m *Metrics) connOpened() {
	if m == nil {
		return
	}
	m.accepted.Inc()
	m.connections.Inc()
}

func (m *Metrics) connClosed(reason string) {
	if m == nil {
		return
	}
	m.connections.Dec()
	m.disconnects.WithLabelValues(reason).Inc()
}

func (m *Metrics) received(n int) {
	if m == nil {
		return
	}
	m.bytesIn.Add(float64(n))
}

func (m *Metrics) sent(n int) {
	if m == nil {
		return
	}
	m.bytesOut.Add(float64(n))
}

func (m *Metrics) publish(result string) {
	if m == nil {
		return
	}
	m.publishes.WithLabelValues(result).Inc()
	if result == "accepted" {
		m.publishing.Inc()
	}
}

func (m *Metrics) unpublished() {
	if m == nil {
		return
	}
	m.publishing.Dec()
}

func (m *Metrics) media(kind string, droppable bool) {
	if m == nil {
		return
	}
	m.mediaMessages.WithLabelValues(kind).Inc()
	if droppable {
		m.droppableMessage.Inc()
	}
}

func (m *Metrics) observeLoop(seconds float64) {
	if m == nil {
		return
	}
	m.loopDuration.Observe(seconds)
}

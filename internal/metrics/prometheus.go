package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for a SoundLink node.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Transport metrics
	FramesSent           *prometheus.CounterVec
	FramesReceived       *prometheus.CounterVec
	FramesDropped        prometheus.Counter
	TransmissionDuration prometheus.Histogram
	TransmissionErrors   prometheus.Counter
	BurstsCaptured       prometheus.Counter
	DecodeFailures       prometheus.Counter
	Listening            prometheus.Gauge

	// Workflow metrics
	Pairings      *prometheus.CounterVec
	Transfers     *prometheus.CounterVec
	WorkflowState prometheus.Gauge

	// Network medium metrics
	PacketsReceived prometheus.Counter
	PacketsSent     prometheus.Counter
	ParseErrors     prometheus.Counter
	QueueSize       prometheus.Gauge

	// Stream metrics
	ActiveStreams    prometheus.Gauge
	StreamsCreated   prometheus.Counter
	StreamsDestroyed prometheus.Counter
	StreamDuration   prometheus.Histogram

	// Relay metrics
	RelayClients   prometheus.Gauge
	RelayForwarded prometheus.Counter

	// Backend forwarding metrics
	Forwards        *prometheus.CounterVec
	ForwardRetries  prometheus.Counter
	ForwardDuration prometheus.Histogram

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Transport metrics
		FramesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "soundlink_frames_sent_total",
			Help: "Total number of protocol frames transmitted",
		}, []string{"tag"}),
		FramesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "soundlink_frames_received_total",
			Help: "Total number of protocol frames received",
		}, []string{"tag"}),
		FramesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "soundlink_frames_dropped_total",
			Help: "Total number of decoded messages dropped as unrecognised or unexpected",
		}),
		TransmissionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "soundlink_transmission_duration_seconds",
			Help:    "Time from transmission start to playback end",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}),
		TransmissionErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "soundlink_transmission_errors_total",
			Help: "Total number of failed transmissions",
		}),
		BurstsCaptured: factory.NewCounter(prometheus.CounterOpts{
			Name: "soundlink_bursts_captured_total",
			Help: "Total number of signal bursts handed to the decoder",
		}),
		DecodeFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "soundlink_decode_failures_total",
			Help: "Total number of captured bursts that did not decode",
		}),
		Listening: factory.NewGauge(prometheus.GaugeOpts{
			Name: "soundlink_listening",
			Help: "1 while the capture loop is running",
		}),

		// Workflow metrics
		Pairings: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "soundlink_pairings_total",
			Help: "Total number of finished pairing sessions by outcome",
		}, []string{"outcome"}),
		Transfers: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "soundlink_transfers_total",
			Help: "Total number of data transfers by direction and outcome",
		}, []string{"direction", "outcome"}),
		WorkflowState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "soundlink_workflow_state",
			Help: "Current workflow state (0 idle, 1 pairing, 2 paired, 3 transferring, 4 error)",
		}),

		// Network medium metrics
		PacketsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "soundlink_packets_received_total",
			Help: "Total number of audio packets received from the network",
		}),
		PacketsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "soundlink_packets_sent_total",
			Help: "Total number of audio packets sent to the network",
		}),
		ParseErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "soundlink_parse_errors_total",
			Help: "Total number of audio packet parsing errors",
		}),
		QueueSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "soundlink_packet_queue_size",
			Help: "Current number of packets in the processing queue",
		}),

		// Stream metrics
		ActiveStreams: factory.NewGauge(prometheus.GaugeOpts{
			Name: "soundlink_active_streams",
			Help: "Current number of active sender streams",
		}),
		StreamsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "soundlink_streams_created_total",
			Help: "Total number of sender streams created",
		}),
		StreamsDestroyed: factory.NewCounter(prometheus.CounterOpts{
			Name: "soundlink_streams_destroyed_total",
			Help: "Total number of sender streams destroyed",
		}),
		StreamDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "soundlink_stream_duration_seconds",
			Help:    "Lifetime of sender streams in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~17 minutes
		}),

		// Relay metrics
		RelayClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "soundlink_relay_clients",
			Help: "Current number of devices connected to the relay",
		}),
		RelayForwarded: factory.NewCounter(prometheus.CounterOpts{
			Name: "soundlink_relay_forwarded_total",
			Help: "Total number of packet deliveries made by the relay",
		}),

		// Backend forwarding metrics
		Forwards: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "soundlink_forwards_total",
			Help: "Total number of received messages posted to the backend, by outcome",
		}, []string{"outcome"}),
		ForwardRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "soundlink_forward_retries_total",
			Help: "Total number of backend request retries",
		}),
		ForwardDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "soundlink_forward_duration_seconds",
			Help:    "Time to deliver a message to the backend, retries included",
			Buckets: prometheus.DefBuckets,
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "soundlink_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "soundlink_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "soundlink_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordFrameSent counts a transmitted frame
func (m *Metrics) RecordFrameSent(tag string) {
	if m == nil {
		return
	}
	m.FramesSent.WithLabelValues(tag).Inc()
}

// RecordFrameReceived counts a received frame
func (m *Metrics) RecordFrameReceived(tag string) {
	if m == nil {
		return
	}
	m.FramesReceived.WithLabelValues(tag).Inc()
}

// RecordFrameDropped counts a decoded message nobody acted on
func (m *Metrics) RecordFrameDropped() {
	if m == nil {
		return
	}
	m.FramesDropped.Inc()
}

// RecordTransmission records a finished transmission
func (m *Metrics) RecordTransmission(durationSeconds float64, ok bool) {
	if m == nil {
		return
	}
	m.TransmissionDuration.Observe(durationSeconds)
	if !ok {
		m.TransmissionErrors.Inc()
	}
}

// RecordBurst records a captured burst and whether it decoded
func (m *Metrics) RecordBurst(decoded bool) {
	if m == nil {
		return
	}
	m.BurstsCaptured.Inc()
	if !decoded {
		m.DecodeFailures.Inc()
	}
}

// SetListening reports whether the capture loop runs
func (m *Metrics) SetListening(on bool) {
	if m == nil {
		return
	}
	if on {
		m.Listening.Set(1)
	} else {
		m.Listening.Set(0)
	}
}

// RecordPairing counts a finished pairing session
func (m *Metrics) RecordPairing(outcome string) {
	if m == nil {
		return
	}
	m.Pairings.WithLabelValues(outcome).Inc()
}

// RecordTransfer counts a transfer
func (m *Metrics) RecordTransfer(direction, outcome string) {
	if m == nil {
		return
	}
	m.Transfers.WithLabelValues(direction, outcome).Inc()
}

// SetWorkflowState publishes the numeric workflow state
func (m *Metrics) SetWorkflowState(state int) {
	if m == nil {
		return
	}
	m.WorkflowState.Set(float64(state))
}

// RecordPacketReceived increments the packets received counter
func (m *Metrics) RecordPacketReceived() {
	if m == nil {
		return
	}
	m.PacketsReceived.Inc()
}

// RecordPacketSent increments the packets sent counter
func (m *Metrics) RecordPacketSent() {
	if m == nil {
		return
	}
	m.PacketsSent.Inc()
}

// RecordParseError increments the parse errors counter
func (m *Metrics) RecordParseError() {
	if m == nil {
		return
	}
	m.ParseErrors.Inc()
}

// SetQueueSize sets the current queue size
func (m *Metrics) SetQueueSize(size int) {
	if m == nil {
		return
	}
	m.QueueSize.Set(float64(size))
}

// SetActiveStreams sets the current number of active streams
func (m *Metrics) SetActiveStreams(count int) {
	if m == nil {
		return
	}
	m.ActiveStreams.Set(float64(count))
}

// RecordStreamCreated increments the streams created counter
func (m *Metrics) RecordStreamCreated() {
	if m == nil {
		return
	}
	m.StreamsCreated.Inc()
}

// RecordStreamDestroyed increments the streams destroyed counter and records duration
func (m *Metrics) RecordStreamDestroyed(durationSeconds float64) {
	if m == nil {
		return
	}
	m.StreamsDestroyed.Inc()
	m.StreamDuration.Observe(durationSeconds)
}

// SetRelayClients sets the number of connected relay clients
func (m *Metrics) SetRelayClients(count int) {
	if m == nil {
		return
	}
	m.RelayClients.Set(float64(count))
}

// RecordRelayForwarded adds n packet deliveries
func (m *Metrics) RecordRelayForwarded(n int) {
	if m == nil {
		return
	}
	m.RelayForwarded.Add(float64(n))
}

// RecordForward records one finished backend delivery
func (m *Metrics) RecordForward(outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.Forwards.WithLabelValues(outcome).Inc()
	m.ForwardDuration.Observe(durationSeconds)
}

// RecordForwardRetry counts a backend request retry
func (m *Metrics) RecordForwardRetry() {
	if m == nil {
		return
	}
	m.ForwardRetries.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}

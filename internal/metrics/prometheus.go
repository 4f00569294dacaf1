package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the voice link. The Record and
// Set methods are no-ops on a nil *Metrics.
type Metrics struct {
	// Transport metrics
	PacketsSent     prometheus.Counter
	BytesSent       prometheus.Counter
	SendErrors      prometheus.Counter
	PacketsReceived prometheus.Counter
	BytesReceived   prometheus.Counter
	ReceiveErrors   prometheus.Counter
	ForeignPackets  prometheus.Counter
	QueueDrops      prometheus.Counter
	QueueSkips      prometheus.Counter
	QueueSize       prometheus.Gauge

	// Playback metrics
	PacketsPlayed    prometheus.Counter
	Underruns        prometheus.Counter
	DecodeErrors     prometheus.Counter
	TruncatedPackets prometheus.Counter
	ShortPackets     prometheus.Counter

	// Device and pipeline metrics
	DeviceStatus     *prometheus.CounterVec
	CallbackDuration *prometheus.HistogramVec
	PipelineState    *prometheus.GaugeVec

	// Voice activity metrics
	AudioLevel    *prometheus.GaugeVec
	VoiceActive   *prometheus.GaugeVec
	VoiceSegments *prometheus.CounterVec

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg.
// A nil reg registers with the default Prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		// Transport metrics
		PacketsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "talkie_packets_sent_total",
			Help: "Total number of voice datagrams sent to the peer",
		}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "talkie_bytes_sent_total",
			Help: "Total number of payload bytes sent to the peer",
		}),
		SendErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "talkie_send_errors_total",
			Help: "Total number of failed datagram sends",
		}),
		PacketsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "talkie_packets_received_total",
			Help: "Total number of voice datagrams received",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "talkie_bytes_received_total",
			Help: "Total number of payload bytes received",
		}),
		ReceiveErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "talkie_receive_errors_total",
			Help: "Total number of socket read errors other than timeouts",
		}),
		ForeignPackets: factory.NewCounter(prometheus.CounterOpts{
			Name: "talkie_foreign_packets_total",
			Help: "Total number of datagrams dropped because they did not come from the peer",
		}),
		QueueDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "talkie_queue_drops_total",
			Help: "Total number of received datagrams dropped because the playback queue was full",
		}),
		QueueSkips: factory.NewCounter(prometheus.CounterOpts{
			Name: "talkie_queue_skips_total",
			Help: "Total number of queued datagrams discarded to bound playback latency",
		}),
		QueueSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "talkie_queue_size",
			Help: "Current number of datagrams waiting for playback",
		}),

		// Playback metrics
		PacketsPlayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "talkie_packets_played_total",
			Help: "Total number of datagrams decoded into an output buffer",
		}),
		Underruns: factory.NewCounter(prometheus.CounterOpts{
			Name: "talkie_playback_underruns_total",
			Help: "Total number of output buffers filled with silence for lack of data",
		}),
		DecodeErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "talkie_decode_errors_total",
			Help: "Total number of datagrams rejected by the wire codec",
		}),
		TruncatedPackets: factory.NewCounter(prometheus.CounterOpts{
			Name: "talkie_truncated_packets_total",
			Help: "Total number of datagrams longer than the output buffer",
		}),
		ShortPackets: factory.NewCounter(prometheus.CounterOpts{
			Name: "talkie_short_packets_total",
			Help: "Total number of datagrams shorter than the output buffer",
		}),

		// Device and pipeline metrics
		DeviceStatus: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "talkie_device_status_total",
			Help: "Total number of status flags reported by the audio device",
		}, []string{"direction", "flag"}),
		CallbackDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "talkie_callback_duration_seconds",
			Help:    "Time spent inside audio callbacks",
			Buckets: prometheus.ExponentialBuckets(0.00001, 2, 12), // 10us to ~20ms
		}, []string{"direction"}),
		PipelineState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "talkie_pipeline_state",
			Help: "Current pipeline state (0 idle, 1 running, 2 draining, 3 stopped)",
		}, []string{"direction"}),

		// Voice activity metrics
		AudioLevel: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "talkie_audio_level",
			Help: "Smoothed RMS level of the audio stream (0 to 1)",
		}, []string{"direction"}),
		VoiceActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "talkie_voice_active",
			Help: "Whether voice activity is currently detected (1) or not (0)",
		}, []string{"direction"}),
		VoiceSegments: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "talkie_voice_segments_total",
			Help: "Total number of voice activity segments started",
		}, []string{"direction"}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "talkie_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "talkie_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "talkie_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordPacketSent records one datagram sent to the peer
func (m *Metrics) RecordPacketSent(size int) {
	if m == nil {
		return
	}
	m.PacketsSent.Inc()
	m.BytesSent.Add(float64(size))
}

// RecordSendError increments the send errors counter
func (m *Metrics) RecordSendError() {
	if m == nil {
		return
	}
	m.SendErrors.Inc()
}

// RecordPacketReceived records one datagram read from the socket
func (m *Metrics) RecordPacketReceived(size int) {
	if m == nil {
		return
	}
	m.PacketsReceived.Inc()
	m.BytesReceived.Add(float64(size))
}

// RecordReceiveError increments the receive errors counter
func (m *Metrics) RecordReceiveError() {
	if m == nil {
		return
	}
	m.ReceiveErrors.Inc()
}

// RecordForeignPacket increments the foreign packets counter
func (m *Metrics) RecordForeignPacket() {
	if m == nil {
		return
	}
	m.ForeignPackets.Inc()
}

// RecordQueueDrop increments the queue drops counter
func (m *Metrics) RecordQueueDrop() {
	if m == nil {
		return
	}
	m.QueueDrops.Inc()
}

// RecordQueueSkips adds latency-bounding discards
func (m *Metrics) RecordQueueSkips(n int) {
	if m == nil {
		return
	}
	m.QueueSkips.Add(float64(n))
}

// SetQueueSize sets the current queue size
func (m *Metrics) SetQueueSize(size int) {
	if m == nil {
		return
	}
	m.QueueSize.Set(float64(size))
}

// RecordPlayed records a datagram copied into an output buffer of outLen
// samples after decoding samples samples
func (m *Metrics) RecordPlayed(samples, outLen int) {
	if m == nil {
		return
	}
	m.PacketsPlayed.Inc()
	switch {
	case samples > outLen:
		m.TruncatedPackets.Inc()
	case samples < outLen:
		m.ShortPackets.Inc()
	}
}

// RecordUnderrun increments the underrun counter
func (m *Metrics) RecordUnderrun() {
	if m == nil {
		return
	}
	m.Underruns.Inc()
}

// RecordDecodeError increments the decode errors counter
func (m *Metrics) RecordDecodeError() {
	if m == nil {
		return
	}
	m.DecodeErrors.Inc()
}

// RecordDeviceStatus records a status flag reported by the device
func (m *Metrics) RecordDeviceStatus(direction, flag string) {
	if m == nil {
		return
	}
	m.DeviceStatus.WithLabelValues(direction, flag).Inc()
}

// RecordCallback records the time spent in one audio callback
func (m *Metrics) RecordCallback(direction string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.CallbackDuration.WithLabelValues(direction).Observe(durationSeconds)
}

// SetPipelineState sets the state gauge for a pipeline direction
func (m *Metrics) SetPipelineState(direction string, state int) {
	if m == nil {
		return
	}
	m.PipelineState.WithLabelValues(direction).Set(float64(state))
}

// SetAudioLevel records the smoothed level of a direction
func (m *Metrics) SetAudioLevel(direction string, level float64) {
	if m == nil {
		return
	}
	m.AudioLevel.WithLabelValues(direction).Set(level)
}

// SetVoiceActive records a voice activity transition
func (m *Metrics) SetVoiceActive(direction string, active bool) {
	if m == nil {
		return
	}
	v := 0.0
	if active {
		v = 1
		m.VoiceSegments.WithLabelValues(direction).Inc()
	}
	m.VoiceActive.WithLabelValues(direction).Set(v)
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

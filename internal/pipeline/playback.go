package pipeline

import (
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/sergiterupri/ip-talkie/internal/metrics"
	"github.com/sergiterupri/ip-talkie/internal/protocol"
	"github.com/sergiterupri/ip-talkie/internal/transport"
)

// PacketSource yields received datagrams without blocking the caller
type PacketSource interface {
	Poll() ([]byte, bool)
}

// Receiver performs a bounded socket read
type Receiver interface {
	Receive(buf []byte, timeout time.Duration) (int, error)
}

// backlogged sources can discard old packets to bound playback latency
type backlogged interface {
	Skip(keep int) int
	Len() int
}

// PlaybackHandler fills output buffers from received datagrams
type PlaybackHandler struct {
	codec      *protocol.Codec
	source     PacketSource
	metrics    *metrics.Metrics
	logger     *slog.Logger
	maxBacklog int

	played       atomic.Uint64
	underruns    atomic.Uint64
	decodeErrors atomic.Uint64
	truncated    atomic.Uint64
	short        atomic.Uint64
}

// PlaybackStats represents playback counters
type PlaybackStats struct {
	Played       uint64 `json:"played"`
	Underruns    uint64 `json:"underruns"`
	DecodeErrors uint64 `json:"decode_errors"`
	Truncated    uint64 `json:"truncated"`
	Short        uint64 `json:"short"`
}

// NewPlayback creates the receive-then-play handler. When maxBacklog is
// positive and source supports it, packets older than the newest maxBacklog
// are discarded before each poll. m may be nil.
func NewPlayback(codec *protocol.Codec, source PacketSource, maxBacklog int, logger *slog.Logger, m *metrics.Metrics) *PlaybackHandler {
	return &PlaybackHandler{
		codec:      codec,
		source:     source,
		metrics:    m,
		logger:     logger,
		maxBacklog: maxBacklog,
	}
}

// Handle writes one received datagram into out. Samples are copied up to the
// shorter of the two lengths; any remainder of out, or all of it when no
// datagram is waiting, is set to silence. A malformed datagram is dropped.
func (h *PlaybackHandler) Handle(out []float32) error {
	if b, ok := h.source.(backlogged); ok {
		if h.maxBacklog > 0 {
			if n := b.Skip(h.maxBacklog); n > 0 {
				h.metrics.RecordQueueSkips(n)
			}
		}
		defer func() { h.metrics.SetQueueSize(b.Len()) }()
	}

	packet, ok := h.source.Poll()
	if !ok {
		clear(out)
		h.underruns.Add(1)
		h.metrics.RecordUnderrun()
		return nil
	}

	n, err := h.codec.Decode(out, packet)
	if err != nil {
		clear(out)
		h.decodeErrors.Add(1)
		h.metrics.RecordDecodeError()
		h.logger.Debug("Dropping malformed datagram",
			slog.Int("packet_size", len(packet)),
			slog.String("error", err.Error()),
		)
		return nil
	}
	clear(out[n:])

	samples := h.codec.SampleCount(len(packet))
	switch {
	case samples > len(out):
		h.truncated.Add(1)
	case samples < len(out):
		h.short.Add(1)
	}
	h.played.Add(1)
	h.metrics.RecordPlayed(samples, len(out))
	return nil
}

// Stats returns current playback counters
func (h *PlaybackHandler) Stats() PlaybackStats {
	return PlaybackStats{
		Played:       h.played.Load(),
		Underruns:    h.underruns.Load(),
		DecodeErrors: h.decodeErrors.Load(),
		Truncated:    h.truncated.Load(),
		Short:        h.short.Load(),
	}
}

// ReceiveSource polls a Receiver inline with a bounded wait. It reproduces
// the receive-inside-the-callback arrangement while keeping the wait shorter
// than a device period, so a silent peer yields silence instead of a stall.
type ReceiveSource struct {
	receiver Receiver
	timeout  time.Duration
	buf      []byte
	logger   *slog.Logger
}

// NewReceiveSource creates a source reading directly from receiver
func NewReceiveSource(receiver Receiver, timeout time.Duration, logger *slog.Logger) *ReceiveSource {
	return &ReceiveSource{
		receiver: receiver,
		timeout:  timeout,
		buf:      make([]byte, protocol.MaxDatagramSize),
		logger:   logger,
	}
}

// Poll waits at most the configured timeout for one datagram. The returned
// slice is only valid until the next call.
func (s *ReceiveSource) Poll() ([]byte, bool) {
	n, err := s.receiver.Receive(s.buf, s.timeout)
	if err != nil {
		if !errors.Is(err, transport.ErrNoData) {
			s.logger.Debug("Inline receive failed", slog.String("error", err.Error()))
		}
		return nil, false
	}
	return s.buf[:n], true
}

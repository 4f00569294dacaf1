package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/sergiterupri/ip-talkie/internal/config"
	"github.com/sergiterupri/ip-talkie/internal/metrics"
	"github.com/sergiterupri/ip-talkie/internal/protocol"
)

// ErrNoData is returned by Receive when no datagram arrived before the deadline
var ErrNoData = errors.New("no datagram available")

// PacketSink accepts received datagrams without blocking
type PacketSink interface {
	Offer(packet []byte) bool
}

// UDP is the single socket shared by the capture and playback paths.
// The capture side only calls Send and the receive side only reads, so the
// two directions never contend on the same call.
type UDP struct {
	conn    *net.UDPConn
	peer    *net.UDPAddr
	config  *config.TransportConfig
	logger  *slog.Logger
	metrics *metrics.Metrics

	packetsSent     atomic.Uint64
	bytesSent       atomic.Uint64
	sendErrors      atomic.Uint64
	packetsReceived atomic.Uint64
	bytesReceived   atomic.Uint64
	foreignPackets  atomic.Uint64
	readErrors      atomic.Uint64
	queueDrops      atomic.Uint64
	closed          atomic.Bool
}

// Statistics represents transport counters
type Statistics struct {
	LocalAddress    string `json:"local_address"`
	PeerAddress     string `json:"peer_address"`
	PacketsSent     uint64 `json:"packets_sent"`
	BytesSent       uint64 `json:"bytes_sent"`
	SendErrors      uint64 `json:"send_errors"`
	PacketsReceived uint64 `json:"packets_received"`
	BytesReceived   uint64 `json:"bytes_received"`
	ForeignPackets  uint64 `json:"foreign_packets"`
	ReadErrors      uint64 `json:"read_errors"`
	QueueDrops      uint64 `json:"queue_drops"`
}

// Open binds the local socket used to talk to peer. m may be nil.
func Open(cfg *config.TransportConfig, peer *net.UDPAddr, logger *slog.Logger, m *metrics.Metrics) (*UDP, error) {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(cfg.BindAddress, fmt.Sprintf("%d", cfg.LocalPort)))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on UDP %s: %w", addr, err)
	}

	u := &UDP{
		conn:    conn,
		peer:    peer,
		config:  cfg,
		logger:  logger,
		metrics: m,
	}

	if cfg.ReadBufferSize > 0 {
		if err := conn.SetReadBuffer(cfg.ReadBufferSize); err != nil {
			logger.Warn("Failed to set UDP read buffer size",
				slog.Int("buffer_size", cfg.ReadBufferSize),
				slog.String("error", err.Error()),
			)
		}
	}

	if cfg.WriteBufferSize > 0 {
		if err := conn.SetWriteBuffer(cfg.WriteBufferSize); err != nil {
			logger.Warn("Failed to set UDP write buffer size",
				slog.Int("buffer_size", cfg.WriteBufferSize),
				slog.String("error", err.Error()),
			)
		}
	}

	logger.Info("UDP socket bound",
		slog.String("local_address", conn.LocalAddr().String()),
		slog.String("peer_address", peer.String()),
	)

	return u, nil
}

// Send transmits one datagram to the peer. Failures are reported, never retried.
func (u *UDP) Send(packet []byte) error {
	n, err := u.conn.WriteToUDP(packet, u.peer)
	if err != nil {
		u.sendErrors.Add(1)
		u.metrics.RecordSendError()
		return fmt.Errorf("failed to send to %s: %w", u.peer, err)
	}

	u.packetsSent.Add(1)
	u.bytesSent.Add(uint64(n))
	u.metrics.RecordPacketSent(n)
	return nil
}

// Receive reads one datagram from the peer into buf, waiting at most timeout.
// It returns ErrNoData when the wait expires. Receive and RunReceiver both move
// the read deadline and must not be used at the same time.
func (u *UDP) Receive(buf []byte, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	for {
		if err := u.conn.SetReadDeadline(deadline); err != nil {
			return 0, fmt.Errorf("failed to set read deadline: %w", err)
		}

		n, ok, err := u.read(buf)
		if err != nil {
			return 0, err
		}
		if ok {
			return n, nil
		}
		// A foreign datagram does not extend the deadline.
	}
}

// RunReceiver is the dedicated network reception task. It copies every
// datagram from the peer into sink until ctx is done or the socket is closed.
func (u *UDP) RunReceiver(ctx context.Context, sink PacketSink) error {
	buffer := make([]byte, protocol.MaxDatagramSize)

	u.logger.Info("Receive loop started")
	defer u.logger.Info("Receive loop stopped")

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		// Bounded deadline so cancellation is observed even if the peer is silent
		if err := u.conn.SetReadDeadline(time.Now().Add(u.config.GetPollInterval())); err != nil {
			if u.closed.Load() {
				return nil
			}
			return fmt.Errorf("failed to set read deadline: %w", err)
		}

		n, ok, err := u.read(buffer)
		if err != nil {
			if errors.Is(err, ErrNoData) {
				continue
			}
			if u.closed.Load() || ctx.Err() != nil {
				return nil
			}
			u.logger.Error("Failed to read UDP packet", slog.String("error", err.Error()))
			continue
		}
		if !ok {
			continue
		}

		// The read buffer is reused, so the queue gets its own copy
		packet := make([]byte, n)
		copy(packet, buffer[:n])

		if !sink.Offer(packet) {
			u.queueDrops.Add(1)
			u.metrics.RecordQueueDrop()
			u.logger.Debug("Playback queue full, dropping packet", slog.Int("packet_size", n))
		}
	}
}

// read performs one socket read. ok is false for datagrams from other hosts
// when the transport only accepts the peer.
func (u *UDP) read(buf []byte) (n int, ok bool, err error) {
	n, from, err := u.conn.ReadFromUDP(buf)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return 0, false, ErrNoData
		}
		if !u.closed.Load() {
			u.readErrors.Add(1)
			u.metrics.RecordReceiveError()
		}
		return 0, false, fmt.Errorf("failed to read UDP packet: %w", err)
	}

	if !u.config.AcceptAnySource && !from.IP.Equal(u.peer.IP) {
		u.foreignPackets.Add(1)
		u.metrics.RecordForeignPacket()
		u.logger.Debug("Dropping datagram from unexpected source", slog.String("remote_addr", from.String()))
		return 0, false, nil
	}

	u.packetsReceived.Add(1)
	u.bytesReceived.Add(uint64(n))
	u.metrics.RecordPacketReceived(n)
	return n, true, nil
}

// Close releases the socket, unblocking any pending read
func (u *UDP) Close() error {
	if !u.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := u.conn.Close(); err != nil {
		return fmt.Errorf("failed to close UDP socket: %w", err)
	}
	return nil
}

// LocalAddr returns the bound local address
func (u *UDP) LocalAddr() *net.UDPAddr {
	return u.conn.LocalAddr().(*net.UDPAddr)
}

// Statistics returns current transport statistics
func (u *UDP) Statistics() Statistics {
	return Statistics{
		LocalAddress:    u.conn.LocalAddr().String(),
		PeerAddress:     u.peer.String(),
		PacketsSent:     u.packetsSent.Load(),
		BytesSent:       u.bytesSent.Load(),
		SendErrors:      u.sendErrors.Load(),
		PacketsReceived: u.packetsReceived.Load(),
		BytesReceived:   u.bytesReceived.Load(),
		ForeignPackets:  u.foreignPackets.Load(),
		ReadErrors:      u.readErrors.Load(),
		QueueDrops:      u.queueDrops.Load(),
	}
}

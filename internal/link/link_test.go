package link

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sergiterupri/ip-talkie/internal/audio"
	"github.com/sergiterupri/ip-talkie/internal/config"
	"github.com/sergiterupri/ip-talkie/internal/device"
	"github.com/sergiterupri/ip-talkie/internal/lifecycle"
	"github.com/sergiterupri/ip-talkie/internal/metrics"
	"github.com/sergiterupri/ip-talkie/internal/pipeline"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// freePort reserves and releases a loopback UDP port
func freePort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	port := conn.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, conn.Close())
	return port
}

// testConfig binds localPort and sends to peerPort on loopback with null devices
func testConfig(localPort, peerPort int, toneHz float64) *config.Config {
	cfg := config.Default()
	cfg.Peer = config.PeerConfig{Host: "127.0.0.1", Port: peerPort}
	cfg.Transport.BindAddress = "127.0.0.1"
	cfg.Transport.LocalPort = localPort
	cfg.Transport.PollInterval = 10
	cfg.Audio = config.AudioConfig{
		Backend:         "null",
		SampleRate:      8000,
		Channels:        1,
		FramesPerBuffer: 80, // 10ms
		ToneFrequency:   toneHz,
	}
	cfg.Pipeline.DrainTimeout = 100
	return cfg
}

type harness struct {
	link    *Link
	devices *device.Devices
	done    chan error
}

func start(t *testing.T, cfg *config.Config) *harness {
	t.Helper()
	require.NoError(t, cfg.Validate())

	devices, err := device.Open(cfg.Audio, testLogger(), nil)
	require.NoError(t, err)

	l, err := New(cfg, devices, lifecycle.New(), testLogger(), metrics.NewMetrics(prometheus.NewRegistry()))
	require.NoError(t, err)

	h := &harness{link: l, devices: devices, done: make(chan error, 1)}
	go func() { h.done <- l.Run(context.Background()) }()
	t.Cleanup(func() {
		l.Stop()
		<-l.Token().Stopped()
	})
	return h
}

func (h *harness) output() *device.Null {
	return h.devices.Output.(*device.Null)
}

func (h *harness) stop(t *testing.T) {
	t.Helper()
	assert.True(t, h.link.Stop())
	select {
	case err := <-h.done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("link did not stop")
	}
	assert.Equal(t, lifecycle.Stopped, h.link.Token().Phase())
}

func TestLoopbackEcho(t *testing.T) {
	port := freePort(t)
	h := start(t, testConfig(port, port, 400))

	require.Eventually(t, func() bool {
		return h.output().Peak() > 0.4
	}, 2*time.Second, 5*time.Millisecond, "tone never reached the output")

	h.stop(t)

	stats := h.link.Statistics()
	assert.Equal(t, "stopped", stats.Phase)
	assert.Equal(t, "stopped", stats.Capture.State)
	assert.Equal(t, "stopped", stats.Playback.State)
	assert.NotZero(t, stats.Transport.PacketsSent)
	assert.NotZero(t, stats.Transport.PacketsReceived)
	assert.NotZero(t, stats.Playout.Played)
	assert.Equal(t, uint64(80)*stats.Transport.PacketsSent, stats.Transport.BytesSent)
	assert.NotZero(t, stats.Activity.Capture.Segments)
	assert.NotZero(t, stats.Activity.Playback.Segments)
}

func TestTwoPeers(t *testing.T) {
	portA, portB := freePort(t), freePort(t)
	a := start(t, testConfig(portA, portB, 400))
	b := start(t, testConfig(portB, portA, 0))

	require.Eventually(t, func() bool {
		return b.output().Peak() > 0.4
	}, 2*time.Second, 5*time.Millisecond, "peer B never heard A")

	// B captures silence, which must play back as silence on A
	require.Eventually(t, func() bool {
		return a.link.Statistics().Playout.Played > 5
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, float32(0), a.output().Peak())
	assert.Zero(t, a.link.Statistics().Activity.Playback.Segments)
	assert.Zero(t, b.link.Statistics().Activity.Capture.Segments)

	a.stop(t)
	b.stop(t)
}

func TestLegacyBlockingReceive(t *testing.T) {
	port := freePort(t)
	cfg := testConfig(port, port, 400)
	cfg.Playback.LegacyBlocking = true
	cfg.Playback.ReceiveTimeout = 2
	h := start(t, cfg)

	require.Eventually(t, func() bool {
		return h.output().Peak() > 0.4
	}, 2*time.Second, 5*time.Millisecond)

	h.stop(t)
	assert.Zero(t, h.link.Statistics().Queue.Offered, "queue must be bypassed")
}

func TestSilentPeerStopsPromptly(t *testing.T) {
	h := start(t, testConfig(freePort(t), freePort(t), 0))

	require.Eventually(t, func() bool {
		return h.link.Statistics().Playout.Underruns > 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, float32(0), h.output().Peak())

	began := time.Now()
	h.stop(t)
	assert.Less(t, time.Since(began), time.Second)
	assert.Zero(t, h.link.Statistics().Playout.Played)
}

func TestContextCancelStopsLink(t *testing.T) {
	cfg := testConfig(freePort(t), freePort(t), 0)
	devices, err := device.Open(cfg.Audio, testLogger(), nil)
	require.NoError(t, err)

	token := lifecycle.New()
	l, err := New(cfg, devices, token, testLogger(), metrics.NewMetrics(prometheus.NewRegistry()))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	assert.NoError(t, l.Run(ctx))
	assert.Equal(t, lifecycle.Stopped, token.Phase())
}

func TestNewRejectsOversizedBuffer(t *testing.T) {
	cfg := testConfig(0, 50000, 0)
	cfg.Codec = config.CodecConfig{Rule: "pcm16", Scale: 32767}
	cfg.Audio.FramesPerBuffer = 40000

	devices, err := device.Open(cfg.Audio, testLogger(), nil)
	require.NoError(t, err)

	_, err = New(cfg, devices, lifecycle.New(), testLogger(), metrics.NewMetrics(prometheus.NewRegistry()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not fit in one datagram")
}

func TestNewFailsOnBusyPort(t *testing.T) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer conn.Close()

	cfg := testConfig(conn.LocalAddr().(*net.UDPAddr).Port, 50000, 0)
	devices, err := device.Open(cfg.Audio, testLogger(), nil)
	require.NoError(t, err)

	_, err = New(cfg, devices, lifecycle.New(), testLogger(), metrics.NewMetrics(prometheus.NewRegistry()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to listen")
}

func TestRecordingReceivedAudio(t *testing.T) {
	port := freePort(t)
	cfg := testConfig(port, port, 400)
	cfg.Playback.RecordPath = filepath.Join(t.TempDir(), "rx.wav")
	h := start(t, cfg)

	require.Eventually(t, func() bool {
		return h.link.Statistics().Transport.PacketsReceived >= 5
	}, 2*time.Second, 5*time.Millisecond)
	h.stop(t)

	data, err := os.ReadFile(cfg.Playback.RecordPath)
	require.NoError(t, err)

	samples, info, err := audio.DecodeWAV(data)
	require.NoError(t, err)
	assert.Equal(t, uint32(8000), info.SampleRate)
	assert.Equal(t, uint16(1), info.Channels)
	assert.Equal(t, int(h.link.Statistics().Transport.PacketsReceived)*80, len(samples))

	var peak int16
	for _, s := range samples {
		peak = max(peak, s)
	}
	assert.Greater(t, peak, int16(15000))
}

func TestRecordingBadPath(t *testing.T) {
	cfg := testConfig(0, 50000, 0)
	cfg.Playback.RecordPath = filepath.Join(t.TempDir(), "missing", "rx.wav")

	devices, err := device.Open(cfg.Audio, testLogger(), nil)
	require.NoError(t, err)

	_, err = New(cfg, devices, lifecycle.New(), testLogger(), metrics.NewMetrics(prometheus.NewRegistry()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create recording")
}

// brokenDriver fails to start, like a busy sound card
type brokenDriver struct{}

func (brokenDriver) Start(func([]float32)) error { return errors.New("device busy") }
func (brokenDriver) Stop() error                 { return nil }

// stalledOutput delivers one buffer and then hangs until stopped
type stalledOutput struct {
	release chan struct{}
}

func (s *stalledOutput) Start(callback func([]float32)) error {
	go func() {
		callback(make([]float32, 80))
		<-s.release
	}()
	return nil
}

func (s *stalledOutput) Stop() error {
	close(s.release)
	return nil
}

type failingSender struct{}

func (failingSender) Send([]byte) error { return errors.New("network unreachable") }

// newLink builds a link over the given drivers with the test format
func newLink(t *testing.T, cfg *config.Config, input, output pipeline.Driver) *Link {
	t.Helper()
	require.NoError(t, cfg.Validate())

	format := audio.Format{SampleRate: 8000, Channels: 1, FramesPerBuffer: 80}
	devices := &device.Devices{Format: format, Input: input, Output: output}

	l, err := New(cfg, devices, lifecycle.New(), testLogger(), metrics.NewMetrics(prometheus.NewRegistry()))
	require.NoError(t, err)
	return l
}

func runAsync(l *Link) chan error {
	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()
	return done
}

func TestDeviceStartFailureStopsLink(t *testing.T) {
	format := audio.Format{SampleRate: 8000, Channels: 1, FramesPerBuffer: 80}

	tests := []struct {
		name   string
		input  pipeline.Driver
		output pipeline.Driver
	}{
		{"capture", brokenDriver{}, device.NewNullOutput(format, testLogger())},
		{"playback", device.NewNullInput(format, 0, testLogger()), brokenDriver{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newLink(t, testConfig(freePort(t), freePort(t), 0), tt.input, tt.output)
			done := runAsync(l)

			select {
			case err := <-done:
				require.Error(t, err)
				assert.True(t, errors.Is(err, pipeline.ErrDriverStart))
				assert.Contains(t, err.Error(), "device busy")
			case <-time.After(2 * time.Second):
				l.Stop()
				t.Fatalf("link kept running after a device failed to start")
			}

			stats := l.Statistics()
			assert.Equal(t, "stopped", stats.Phase)
			assert.Equal(t, "stopped", stats.Capture.State)
			assert.Equal(t, "stopped", stats.Playback.State)
		})
	}
}

func TestCaptureFailureLeavesPlaybackRunning(t *testing.T) {
	cfg := testConfig(freePort(t), freePort(t), 0)
	cfg.Pipeline.FailurePolicy = "stop"
	format := audio.Format{SampleRate: 8000, Channels: 1, FramesPerBuffer: 80}

	l := newLink(t, cfg, device.NewNullInput(format, 400, testLogger()), device.NewNullOutput(format, testLogger()))
	l.captureHandler = pipeline.NewCapture(l.codec, failingSender{})
	done := runAsync(l)

	require.Eventually(t, func() bool {
		return l.Statistics().Capture.State == "stopped"
	}, 2*time.Second, 5*time.Millisecond, "capture never stopped")
	assert.Equal(t, "running", l.Statistics().Phase)

	underruns := l.Statistics().Playout.Underruns
	require.Eventually(t, func() bool {
		return l.Statistics().Playout.Underruns > underruns+5
	}, 2*time.Second, 5*time.Millisecond, "playback stalled after capture failed")
	assert.Equal(t, "running", l.Statistics().Playback.State)

	l.Stop()
	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "network unreachable")
	case <-time.After(2 * time.Second):
		t.Fatalf("link did not stop")
	}
	assert.Zero(t, l.Statistics().Transport.PacketsSent)
}

func TestStalledPlaybackLeavesCaptureRunning(t *testing.T) {
	format := audio.Format{SampleRate: 8000, Channels: 1, FramesPerBuffer: 80}
	output := &stalledOutput{release: make(chan struct{})}

	l := newLink(t, testConfig(freePort(t), freePort(t), 400), device.NewNullInput(format, 400, testLogger()), output)
	done := runAsync(l)

	require.Eventually(t, func() bool {
		return l.Statistics().Transport.PacketsSent > 0
	}, 2*time.Second, 5*time.Millisecond)
	sent := l.Statistics().Transport.PacketsSent
	require.Eventually(t, func() bool {
		return l.Statistics().Transport.PacketsSent > sent+5
	}, 2*time.Second, 5*time.Millisecond, "capture stalled behind playback")
	assert.Equal(t, uint64(1), l.Statistics().Playback.Invocations)

	l.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("link did not stop with a stalled output")
	}
	assert.Equal(t, "stopped", l.Statistics().Playback.State)
}

func TestNewRejectsReceiveWaitLongerThanPeriod(t *testing.T) {
	cfg := testConfig(0, 50000, 0)
	cfg.Playback.LegacyBlocking = true
	cfg.Playback.ReceiveTimeout = 10

	devices, err := device.Open(cfg.Audio, testLogger(), nil)
	require.NoError(t, err)

	_, err = New(cfg, devices, lifecycle.New(), testLogger(), metrics.NewMetrics(prometheus.NewRegistry()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be shorter than the device period")
}

func TestCloseReleasesSocketWithoutRun(t *testing.T) {
	port := freePort(t)
	cfg := testConfig(port, 50000, 0)
	cfg.Playback.RecordPath = filepath.Join(t.TempDir(), "rx.wav")
	l := newLink(t, cfg, brokenDriver{}, brokenDriver{})

	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	require.NoError(t, err)
	conn.Close()

	data, err := os.ReadFile(cfg.Playback.RecordPath)
	require.NoError(t, err)
	_, info, err := audio.DecodeWAV(data)
	require.NoError(t, err)
	assert.Zero(t, info.NumSamples)
}

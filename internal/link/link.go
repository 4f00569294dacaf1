package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sergiterupri/ip-talkie/internal/audio"
	"github.com/sergiterupri/ip-talkie/internal/config"
	"github.com/sergiterupri/ip-talkie/internal/device"
	"github.com/sergiterupri/ip-talkie/internal/lifecycle"
	"github.com/sergiterupri/ip-talkie/internal/metrics"
	"github.com/sergiterupri/ip-talkie/internal/pipeline"
	"github.com/sergiterupri/ip-talkie/internal/protocol"
	"github.com/sergiterupri/ip-talkie/internal/transport"
	"github.com/sergiterupri/ip-talkie/internal/vad"
)

// Link is one duplex voice session with a single peer. It owns the socket,
// the receive queue and both pipelines.
type Link struct {
	config  *config.Config
	devices *device.Devices
	token   *lifecycle.Token
	logger  *slog.Logger
	metrics *metrics.Metrics

	codec     *protocol.Codec
	queue     *audio.Queue
	transport *transport.UDP
	sink      transport.PacketSink
	recorder  *recorder

	capture         *pipeline.Pipeline
	playback        *pipeline.Pipeline
	captureHandler  *pipeline.CaptureHandler
	playbackHandler *pipeline.PlaybackHandler
	captureVoice    *vad.Detector
	playbackVoice   *vad.Detector

	startTime time.Time
	closeOnce sync.Once
	closeErr  error
}

// Statistics represents a snapshot of the whole link
type Statistics struct {
	Phase     string                 `json:"phase"`
	Uptime    string                 `json:"uptime"`
	Format    audio.Format           `json:"format"`
	Codec     string                 `json:"codec"`
	Transport transport.Statistics   `json:"transport"`
	Queue     audio.QueueStats       `json:"queue"`
	Capture   pipeline.Statistics    `json:"capture"`
	Playback  pipeline.Statistics    `json:"playback"`
	Playout   pipeline.PlaybackStats `json:"playout"`
	Activity  ActivityStatistics     `json:"activity"`
}

// ActivityStatistics represents voice activity in both directions
type ActivityStatistics struct {
	Capture  vad.Stats `json:"capture"`
	Playback vad.Stats `json:"playback"`
}

// New binds the socket and builds both pipelines. cfg must be validated.
func New(cfg *config.Config, devices *device.Devices, token *lifecycle.Token, logger *slog.Logger, m *metrics.Metrics) (*Link, error) {
	codec, err := protocol.NewCodec(protocol.Rule(cfg.Codec.Rule), cfg.Codec.Scale)
	if err != nil {
		return nil, fmt.Errorf("failed to create codec: %w", err)
	}

	if n := devices.Format.SamplesPerBuffer(); n > codec.MaxSamples() {
		return nil, fmt.Errorf("device buffer of %d samples does not fit in one datagram (max %d)", n, codec.MaxSamples())
	}

	// The inline wait must end before the device needs the next buffer
	if period := devices.Format.Period(); cfg.Playback.LegacyBlocking && period > 0 {
		if wait := cfg.Playback.GetReceiveTimeout(); wait >= period {
			return nil, fmt.Errorf("receive_timeout_ms of %v must be shorter than the device period of %v", wait, period)
		}
	}

	captureVoice, err := vad.NewDetector(pipeline.Capture.String(), cfg.Activity, logger, m)
	if err != nil {
		return nil, err
	}
	playbackVoice, err := vad.NewDetector(pipeline.Playback.String(), cfg.Activity, logger, m)
	if err != nil {
		return nil, err
	}

	peer, err := cfg.Peer.ResolveUDPAddr()
	if err != nil {
		return nil, err
	}

	udp, err := transport.Open(&cfg.Transport, peer, logger, m)
	if err != nil {
		return nil, err
	}

	l := &Link{
		config:        cfg,
		devices:       devices,
		token:         token,
		logger:        logger,
		metrics:       m,
		codec:         codec,
		queue:         audio.NewQueue(cfg.Playback.QueueCapacity),
		transport:     udp,
		captureVoice:  captureVoice,
		playbackVoice: playbackVoice,
	}
	l.sink = l.queue

	if path := cfg.Playback.RecordPath; path != "" {
		rec, err := newRecorder(path, devices.Format, codec, l.queue, logger)
		if err != nil {
			if cerr := udp.Close(); cerr != nil {
				logger.Warn("Error closing transport", slog.String("error", cerr.Error()))
			}
			return nil, err
		}
		l.recorder = rec
		l.sink = rec
	}

	opts := pipeline.Options{
		FailurePolicy: pipeline.FailurePolicy(cfg.Pipeline.FailurePolicy),
		DrainTimeout:  cfg.Pipeline.GetDrainTimeout(),
		Logger:        logger,
		Metrics:       m,
	}

	var source pipeline.PacketSource = l.queue
	if cfg.Playback.LegacyBlocking {
		source = pipeline.NewReceiveSource(udp, cfg.Playback.GetReceiveTimeout(), logger)
	}

	l.captureHandler = pipeline.NewCapture(codec, udp)
	l.playbackHandler = pipeline.NewPlayback(codec, source, cfg.Playback.MaxBacklog, logger, m)
	capture := pipeline.HandlerFunc(func(buf []float32) error {
		l.captureVoice.Observe(buf)
		return l.captureHandler.Handle(buf)
	})
	playback := pipeline.HandlerFunc(func(buf []float32) error {
		err := l.playbackHandler.Handle(buf)
		l.playbackVoice.Observe(buf)
		return err
	})

	l.capture = pipeline.New(pipeline.Capture, capture, token, opts)
	// Playback errors never stop the pipeline; bad datagrams are dropped one by one
	opts.FailurePolicy = pipeline.ContinueOnError
	l.playback = pipeline.New(pipeline.Playback, playback, token, opts)

	logger.Info("Voice link created",
		slog.String("peer", peer.String()),
		slog.String("local_address", udp.LocalAddr().String()),
		slog.String("codec_rule", string(codec.Rule())),
		slog.Float64("codec_scale", codec.Scale()),
		slog.Int("sample_width", codec.Width()),
		slog.Float64("quantization_step", codec.Step()),
		slog.String("format", devices.Format.String()),
		slog.Bool("legacy_blocking", cfg.Playback.LegacyBlocking),
	)

	return l, nil
}

// Run streams in both directions until the token stops, then releases the
// socket. A handler failure in one direction does not stop the other; the
// first pipeline error is returned once both have stopped. A device that
// fails to start stops the whole link.
func (l *Link) Run(ctx context.Context) error {
	l.startTime = time.Now()
	defer l.token.MarkStopped()

	// Cancelling ctx is another way to request shutdown
	stopOnCancel := context.AfterFunc(ctx, func() { l.token.Stop() })
	defer stopOnCancel()

	recvCtx, cancelRecv := context.WithCancel(ctx)
	defer cancelRecv()

	var receiver errgroup.Group
	if !l.config.Playback.LegacyBlocking {
		receiver.Go(func() error {
			return l.transport.RunReceiver(recvCtx, l.sink)
		})
	}

	// Plain group: an error in one pipeline must not cancel its sibling
	var pipes errgroup.Group
	pipes.Go(func() error {
		return l.runPipeline(ctx, l.capture, l.devices.Input)
	})
	pipes.Go(func() error {
		return l.runPipeline(ctx, l.playback, l.devices.Output)
	})
	runErr := pipes.Wait()

	cancelRecv()
	if err := l.transport.Close(); err != nil {
		l.logger.Warn("Error closing transport", slog.String("error", err.Error()))
	}
	if err := receiver.Wait(); err != nil {
		l.logger.Warn("Receive loop ended with error", slog.String("error", err.Error()))
	}
	if err := l.Close(); err != nil {
		l.logger.Warn("Error releasing link", slog.String("error", err.Error()))
	}

	stats := l.transport.Statistics()
	l.logger.Info("Voice link stopped",
		slog.Duration("uptime", time.Since(l.startTime)),
		slog.Uint64("packets_sent", stats.PacketsSent),
		slog.Uint64("packets_received", stats.PacketsReceived),
		slog.Uint64("send_errors", stats.SendErrors),
		slog.Uint64("queue_drops", stats.QueueDrops),
	)

	return runErr
}

func (l *Link) runPipeline(ctx context.Context, p *pipeline.Pipeline, driver pipeline.Driver) error {
	err := p.Run(ctx, driver)
	if errors.Is(err, pipeline.ErrDriverStart) {
		l.logger.Error("Audio device failed to start, stopping link",
			slog.String("pipeline", p.Direction().String()),
			slog.String("error", err.Error()),
		)
		l.token.Stop()
	}
	return err
}

// Close releases the socket and finalizes any recording. Run calls it on
// exit; call it directly only when Run is never started. Repeated calls
// return the first result.
func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		var errs []error
		if err := l.transport.Close(); err != nil {
			errs = append(errs, err)
		}
		if l.recorder != nil {
			if err := l.recorder.Close(); err != nil {
				errs = append(errs, fmt.Errorf("failed to close recording: %w", err))
			}
		}
		l.closeErr = errors.Join(errs...)
	})
	return l.closeErr
}

// Stop requests shutdown; it is safe to call from a signal handler goroutine
func (l *Link) Stop() bool {
	return l.token.Stop()
}

// Token returns the run-state shared by both pipelines
func (l *Link) Token() *lifecycle.Token {
	return l.token
}

// LocalAddr returns the bound socket address
func (l *Link) LocalAddr() string {
	return l.transport.LocalAddr().String()
}

// Statistics returns a snapshot of the link counters
func (l *Link) Statistics() Statistics {
	uptime := time.Duration(0)
	if !l.startTime.IsZero() {
		uptime = time.Since(l.startTime).Round(time.Millisecond)
	}
	return Statistics{
		Phase:     l.token.Phase().String(),
		Uptime:    uptime.String(),
		Format:    l.devices.Format,
		Codec:     l.codec.String(),
		Transport: l.transport.Statistics(),
		Queue:     l.queue.Stats(),
		Capture:   l.capture.Statistics(),
		Playback:  l.playback.Statistics(),
		Playout:   l.playbackHandler.Stats(),
		Activity: ActivityStatistics{
			Capture:  l.captureVoice.Stats(),
			Playback: l.playbackVoice.Stats(),
		},
	}
}

package device

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"

	"github.com/sergiterupri/ip-talkie/internal/audio"
	"github.com/sergiterupri/ip-talkie/internal/config"
	"github.com/sergiterupri/ip-talkie/internal/metrics"
)

// maxDefaultChannels caps the channel count taken from the output device
const maxDefaultChannels = 2

// Negotiate derives the stream format from the default output device and
// checks that the default input device accepts the same format. A mismatch
// is an error rather than an assumption.
func Negotiate(cfg config.AudioConfig) (audio.Format, error) {
	out, err := portaudio.DefaultOutputDevice()
	if err != nil {
		return audio.Format{}, fmt.Errorf("failed to get default output device: %w", err)
	}
	in, err := portaudio.DefaultInputDevice()
	if err != nil {
		return audio.Format{}, fmt.Errorf("failed to get default input device: %w", err)
	}

	format := audio.Format{
		SampleRate:      cfg.SampleRate,
		Channels:        cfg.Channels,
		FramesPerBuffer: cfg.FramesPerBuffer,
	}
	if format.SampleRate == 0 {
		format.SampleRate = out.DefaultSampleRate
	}
	if format.Channels == 0 {
		format.Channels = min(out.MaxOutputChannels, maxDefaultChannels)
	}
	if err := format.Validate(); err != nil {
		return audio.Format{}, fmt.Errorf("output device %q: %w", out.Name, err)
	}

	if format.Channels > out.MaxOutputChannels {
		return audio.Format{}, fmt.Errorf("output device %q supports %d channels, need %d",
			out.Name, out.MaxOutputChannels, format.Channels)
	}
	if format.Channels > in.MaxInputChannels {
		return audio.Format{}, fmt.Errorf("input device %q supports %d channels, need %d",
			in.Name, in.MaxInputChannels, format.Channels)
	}

	if err := portaudio.IsFormatSupported(outputParameters(out, format), func([]float32) {}); err != nil {
		return audio.Format{}, fmt.Errorf("output device %q rejects %s: %w", out.Name, format, err)
	}
	if err := portaudio.IsFormatSupported(inputParameters(in, format), func([]float32) {}); err != nil {
		return audio.Format{}, fmt.Errorf("input device %q rejects %s: %w", in.Name, format, err)
	}

	return format, nil
}

func inputParameters(dev *portaudio.DeviceInfo, format audio.Format) portaudio.StreamParameters {
	return portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: format.Channels,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      format.SampleRate,
		FramesPerBuffer: format.FramesPerBuffer,
	}
}

func outputParameters(dev *portaudio.DeviceInfo, format audio.Format) portaudio.StreamParameters {
	return portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: format.Channels,
			Latency:  dev.DefaultLowOutputLatency,
		},
		SampleRate:      format.SampleRate,
		FramesPerBuffer: format.FramesPerBuffer,
	}
}

// Stream drives a pipeline from a portaudio callback stream in one direction
type Stream struct {
	params    portaudio.StreamParameters
	direction string
	logger    *slog.Logger
	metrics   *metrics.Metrics

	stream  *portaudio.Stream
	reports atomic.Uint64
}

// NewInput prepares a capture stream on the default input device
func NewInput(format audio.Format, logger *slog.Logger, m *metrics.Metrics) (*Stream, error) {
	dev, err := portaudio.DefaultInputDevice()
	if err != nil {
		return nil, fmt.Errorf("failed to get default input device: %w", err)
	}
	return &Stream{
		params:    inputParameters(dev, format),
		direction: "capture",
		logger:    logger,
		metrics:   m,
	}, nil
}

// NewOutput prepares a playback stream on the default output device
func NewOutput(format audio.Format, logger *slog.Logger, m *metrics.Metrics) (*Stream, error) {
	dev, err := portaudio.DefaultOutputDevice()
	if err != nil {
		return nil, fmt.Errorf("failed to get default output device: %w", err)
	}
	return &Stream{
		params:    outputParameters(dev, format),
		direction: "playback",
		logger:    logger,
		metrics:   m,
	}, nil
}

// Start opens and starts the stream. portaudio calls callback on its own
// real-time thread.
func (s *Stream) Start(callback func(buf []float32)) error {
	cb := func(buf []float32, _ portaudio.StreamCallbackTimeInfo, flags portaudio.StreamCallbackFlags) {
		if flags != 0 {
			s.report(flags)
		}
		callback(buf)
	}

	stream, err := portaudio.OpenStream(s.params, cb)
	if err != nil {
		return fmt.Errorf("failed to open %s stream: %w", s.direction, err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("failed to start %s stream: %w", s.direction, err)
	}
	s.stream = stream

	info := stream.Info()
	s.logger.Info("Audio stream started",
		slog.String("direction", s.direction),
		slog.Float64("sample_rate", info.SampleRate),
		slog.Duration("input_latency", info.InputLatency),
		slog.Duration("output_latency", info.OutputLatency),
	)
	return nil
}

// Stop stops the stream, waiting for the current callback to return
func (s *Stream) Stop() error {
	if s.stream == nil {
		return nil
	}
	stopErr := s.stream.Stop()
	closeErr := s.stream.Close()
	s.stream = nil

	if stopErr != nil {
		return fmt.Errorf("failed to stop %s stream: %w", s.direction, stopErr)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close %s stream: %w", s.direction, closeErr)
	}
	return nil
}

// report records device status flags. They are not fatal to the stream.
func (s *Stream) report(flags portaudio.StreamCallbackFlags) {
	for _, f := range flagNames {
		if flags&f.flag != 0 && s.metrics != nil {
			s.metrics.RecordDeviceStatus(s.direction, f.name)
		}
	}

	n := s.reports.Add(1)
	if n == 1 || n%100 == 0 {
		s.logger.Warn("Audio device reported stream status",
			slog.String("direction", s.direction),
			slog.Int("flags", int(flags)),
			slog.Uint64("report_count", n),
		)
	}
}

var flagNames = []struct {
	flag portaudio.StreamCallbackFlags
	name string
}{
	{portaudio.InputUnderflow, "input_underflow"},
	{portaudio.InputOverflow, "input_overflow"},
	{portaudio.OutputUnderflow, "output_underflow"},
	{portaudio.OutputOverflow, "output_overflow"},
	{portaudio.PrimingOutput, "priming_output"},
}

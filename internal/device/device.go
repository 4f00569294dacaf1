package device

import (
	"fmt"
	"log/slog"

	"github.com/gordonklaus/portaudio"

	"github.com/sergiterupri/ip-talkie/internal/audio"
	"github.com/sergiterupri/ip-talkie/internal/config"
	"github.com/sergiterupri/ip-talkie/internal/metrics"
	"github.com/sergiterupri/ip-talkie/internal/pipeline"
)

// Devices is the negotiated format plus one driver per direction
type Devices struct {
	Format audio.Format
	Input  pipeline.Driver
	Output pipeline.Driver

	close func() error
}

// Close releases the audio subsystem
func (d *Devices) Close() error {
	if d.close == nil {
		return nil
	}
	return d.close()
}

// Open negotiates a format and creates both drivers for the configured backend
func Open(cfg config.AudioConfig, logger *slog.Logger, m *metrics.Metrics) (*Devices, error) {
	switch cfg.Backend {
	case "null":
		return OpenNull(cfg, logger)
	case "portaudio":
		return openPortAudio(cfg, logger, m)
	default:
		return nil, fmt.Errorf("unknown audio backend %q", cfg.Backend)
	}
}

// OpenNull creates clocked devices that need no sound hardware
func OpenNull(cfg config.AudioConfig, logger *slog.Logger) (*Devices, error) {
	format := audio.Format{
		SampleRate:      cfg.SampleRate,
		Channels:        cfg.Channels,
		FramesPerBuffer: cfg.FramesPerBuffer,
	}
	if err := format.Validate(); err != nil {
		return nil, fmt.Errorf("null backend: %w", err)
	}
	if format.FramesPerBuffer == 0 {
		return nil, fmt.Errorf("null backend: frames_per_buffer must be set")
	}

	return &Devices{
		Format: format,
		Input:  NewNullInput(format, cfg.ToneFrequency, logger),
		Output: NewNullOutput(format, logger),
	}, nil
}

func openPortAudio(cfg config.AudioConfig, logger *slog.Logger, m *metrics.Metrics) (*Devices, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize portaudio: %w", err)
	}

	devices, err := func() (*Devices, error) {
		format, err := Negotiate(cfg)
		if err != nil {
			return nil, err
		}
		input, err := NewInput(format, logger, m)
		if err != nil {
			return nil, err
		}
		output, err := NewOutput(format, logger, m)
		if err != nil {
			return nil, err
		}
		return &Devices{Format: format, Input: input, Output: output, close: portaudio.Terminate}, nil
	}()
	if err != nil {
		portaudio.Terminate()
		return nil, err
	}

	logger.Info("Audio format negotiated",
		slog.String("backend", "portaudio"),
		slog.String("format", devices.Format.String()),
	)
	return devices, nil
}

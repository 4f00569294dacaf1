package link

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/sergiterupri/ip-talkie/internal/audio"
	"github.com/sergiterupri/ip-talkie/internal/protocol"
	"github.com/sergiterupri/ip-talkie/internal/transport"
)

// recorder writes every datagram from the peer to a WAV file before passing
// it on. Offer is only called from the receive task, never from a device callback.
type recorder struct {
	next    transport.PacketSink
	codec   *protocol.Codec
	file    *os.File
	wav     *audio.WAVWriter
	samples []float32
	logger  *slog.Logger
	failed  bool
}

func newRecorder(path string, format audio.Format, codec *protocol.Codec, next transport.PacketSink, logger *slog.Logger) (*recorder, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create recording %s: %w", path, err)
	}

	wav, err := audio.NewWAVWriter(file, format)
	if err != nil {
		file.Close()
		return nil, err
	}

	logger.Info("Recording received audio", slog.String("path", path))

	return &recorder{
		next:   next,
		codec:  codec,
		file:   file,
		wav:    wav,
		logger: logger,
	}, nil
}

// Offer records packet and forwards it
func (r *recorder) Offer(packet []byte) bool {
	if !r.failed {
		r.record(packet)
	}
	return r.next.Offer(packet)
}

func (r *recorder) record(packet []byte) {
	n := r.codec.SampleCount(len(packet))
	if cap(r.samples) < n {
		r.samples = make([]float32, n)
	}
	samples := r.samples[:n]

	// Misaligned packets are counted by the playback side
	if _, err := r.codec.Decode(samples, packet); err != nil {
		return
	}

	if err := r.wav.WriteSamples(samples); err != nil {
		r.failed = true
		r.logger.Error("Recording failed, continuing without it", slog.String("error", err.Error()))
	}
}

// Close finalizes the WAV header and closes the file
func (r *recorder) Close() error {
	err := errors.Join(r.wav.Close(), r.file.Close())
	r.logger.Info("Recording closed",
		slog.String("path", r.file.Name()),
		slog.Int("samples", r.wav.Samples()),
	)
	return err
}

package audio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// wavHeaderSize is the size of a canonical PCM WAV header
const wavHeaderSize = 44

// WAVHeader represents the header structure of a WAV file
type WAVHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // File size - 8 bytes
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16  // Number of channels
	SampleRate    uint32  // Sample rate
	ByteRate      uint32  // SampleRate * NumChannels * BitsPerSample / 8
	BlockAlign    uint16  // NumChannels * BitsPerSample / 8
	BitsPerSample uint16  // Bits per sample
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // Number of bytes in the data
}

func newWAVHeader(format Format, dataSize uint32) WAVHeader {
	channels := uint16(format.Channels)
	rate := uint32(format.SampleRate)
	return WAVHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   channels,
		SampleRate:    rate,
		ByteRate:      rate * uint32(channels) * 2,
		BlockAlign:    channels * 2,
		BitsPerSample: 16,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}
}

// WAVWriter streams interleaved float samples to a 16-bit PCM WAV file.
// The header is written with zero sizes and patched on Close.
// It is not safe for concurrent use.
type WAVWriter struct {
	dst     io.WriteSeeker
	buf     *bufio.Writer
	format  Format
	scratch []byte
	written uint32
	closed  bool
}

// NewWAVWriter writes a placeholder header to dst
func NewWAVWriter(dst io.WriteSeeker, format Format) (*WAVWriter, error) {
	if err := format.Validate(); err != nil {
		return nil, fmt.Errorf("invalid WAV format: %w", err)
	}
	if format.SampleRate != math.Trunc(format.SampleRate) {
		return nil, fmt.Errorf("WAV sample rate must be integral, got %v", format.SampleRate)
	}

	w := &WAVWriter{
		dst:    dst,
		buf:    bufio.NewWriter(dst),
		format: format,
	}
	if err := binary.Write(w.buf, binary.LittleEndian, newWAVHeader(format, 0)); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}
	return w, nil
}

// WriteSamples appends samples, saturating anything outside [-1, 1]
func (w *WAVWriter) WriteSamples(samples []float32) error {
	if w.closed {
		return fmt.Errorf("WAV writer is closed")
	}

	w.scratch = w.scratch[:0]
	for _, s := range samples {
		v := math.Round(float64(s) * math.MaxInt16)
		if math.IsNaN(v) {
			v = 0
		}
		v = math.Max(math.MinInt16, math.Min(math.MaxInt16, v))
		w.scratch = binary.LittleEndian.AppendUint16(w.scratch, uint16(int16(v)))
	}

	n, err := w.buf.Write(w.scratch)
	w.written += uint32(n)
	if err != nil {
		return fmt.Errorf("failed to write audio data: %w", err)
	}
	return nil
}

// Samples returns the number of samples written so far
func (w *WAVWriter) Samples() int {
	return int(w.written / 2)
}

// Close flushes buffered data and rewrites the header with the final sizes.
// It does not close dst.
func (w *WAVWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("failed to flush audio data: %w", err)
	}
	if _, err := w.dst.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind WAV file: %w", err)
	}
	if err := binary.Write(w.dst, binary.LittleEndian, newWAVHeader(w.format, w.written)); err != nil {
		return fmt.Errorf("failed to patch WAV header: %w", err)
	}
	if _, err := w.dst.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("failed to seek to end of WAV file: %w", err)
	}
	return nil
}

// WAVInfo describes a decoded WAV file
type WAVInfo struct {
	SampleRate    uint32  `json:"sample_rate"`
	Channels      uint16  `json:"channels"`
	BitsPerSample uint16  `json:"bits_per_sample"`
	Duration      float64 `json:"duration_seconds"`
	DataSize      uint32  `json:"data_size_bytes"`
	NumSamples    uint32  `json:"num_samples"`
}

// DecodeWAV decodes a canonical 16-bit PCM WAV file into interleaved samples
func DecodeWAV(data []byte) ([]int16, *WAVInfo, error) {
	if len(data) < wavHeaderSize {
		return nil, nil, fmt.Errorf("WAV data too short: need at least %d bytes, got %d", wavHeaderSize, len(data))
	}

	var header WAVHeader
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &header); err != nil {
		return nil, nil, fmt.Errorf("failed to read WAV header: %w", err)
	}

	switch {
	case string(header.ChunkID[:]) != "RIFF":
		return nil, nil, fmt.Errorf("invalid WAV file: missing RIFF header")
	case string(header.Format[:]) != "WAVE":
		return nil, nil, fmt.Errorf("invalid WAV file: missing WAVE format")
	case string(header.Subchunk1ID[:]) != "fmt ":
		return nil, nil, fmt.Errorf("invalid WAV file: missing fmt chunk")
	case string(header.Subchunk2ID[:]) != "data":
		return nil, nil, fmt.Errorf("invalid WAV file: missing data chunk")
	case header.AudioFormat != 1:
		return nil, nil, fmt.Errorf("unsupported audio format: %d (only PCM is supported)", header.AudioFormat)
	case header.BitsPerSample != 16:
		return nil, nil, fmt.Errorf("unsupported bit depth: %d (only 16-bit is supported)", header.BitsPerSample)
	case header.NumChannels == 0 || header.SampleRate == 0:
		return nil, nil, fmt.Errorf("invalid WAV file: zero channels or sample rate")
	}

	body := data[wavHeaderSize:]
	if int(header.Subchunk2Size) > len(body) {
		return nil, nil, fmt.Errorf("WAV data truncated: header declares %d bytes, found %d", header.Subchunk2Size, len(body))
	}
	body = body[:header.Subchunk2Size]

	samples := make([]int16, len(body)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(body[i*2:]))
	}

	frames := len(samples) / int(header.NumChannels)
	info := &WAVInfo{
		SampleRate:    header.SampleRate,
		Channels:      header.NumChannels,
		BitsPerSample: header.BitsPerSample,
		Duration:      float64(frames) / float64(header.SampleRate),
		DataSize:      header.Subchunk2Size,
		NumSamples:    uint32(len(samples)),
	}
	return samples, info, nil
}

package audio

import (
	"fmt"
	"time"
)

// Format describes the negotiated audio stream: sample rate, interleaved
// channel count and frames per device buffer. Samples are float32 in [-1, 1].
// It is negotiated once at startup and never changes afterwards.
type Format struct {
	SampleRate      float64 `json:"sample_rate"`
	Channels        int     `json:"channels"`
	FramesPerBuffer int     `json:"frames_per_buffer"` // 0 = chosen by the host per callback
}

// Validate checks that the format can drive a stream
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %v", f.SampleRate)
	}
	if f.Channels < 1 {
		return fmt.Errorf("channel count must be at least 1, got %d", f.Channels)
	}
	if f.FramesPerBuffer < 0 {
		return fmt.Errorf("frames per buffer cannot be negative, got %d", f.FramesPerBuffer)
	}
	return nil
}

// SamplesPerBuffer returns the interleaved sample count of one device buffer,
// or 0 when the host picks the buffer size
func (f Format) SamplesPerBuffer() int {
	return f.FramesPerBuffer * f.Channels
}

// Period returns the device buffer period, or 0 when the host picks it
func (f Format) Period() time.Duration {
	if f.FramesPerBuffer == 0 || f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(f.FramesPerBuffer) / f.SampleRate * float64(time.Second))
}

// String returns a human-readable representation of the format
func (f Format) String() string {
	return fmt.Sprintf("%gHz/%dch/%d frames", f.SampleRate, f.Channels, f.FramesPerBuffer)
}

package device

import (
	"io"
	"log/slog"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sergiterupri/ip-talkie/internal/audio"
	"github.com/sergiterupri/ip-talkie/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testFormat = audio.Format{SampleRate: 8000, Channels: 2, FramesPerBuffer: 16} // 2ms

func TestNullInputDeliversBuffersAtCadence(t *testing.T) {
	dev := NewNullInput(testFormat, 0, testLogger())

	var calls atomic.Int64
	var size atomic.Int64
	require.NoError(t, dev.Start(func(buf []float32) {
		size.Store(int64(len(buf)))
		calls.Add(1)
	}))

	require.Eventually(t, func() bool { return calls.Load() >= 5 }, time.Second, time.Millisecond)
	require.NoError(t, dev.Stop())

	after := calls.Load()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, after, calls.Load(), "callback ran after Stop")
	assert.Equal(t, int64(32), size.Load())
	assert.Equal(t, uint64(after), dev.Buffers())
}

func TestNullInputTone(t *testing.T) {
	dev := NewNullInput(testFormat, 1000, testLogger())

	got := make(chan []float32, 1)
	require.NoError(t, dev.Start(func(buf []float32) {
		select {
		case got <- append([]float32(nil), buf...):
		default:
		}
	}))
	buf := <-got
	require.NoError(t, dev.Stop())

	var peak float64
	for f := 0; f < len(buf)/2; f++ {
		assert.Equal(t, buf[f*2], buf[f*2+1], "channels must carry the same tone")
		peak = math.Max(peak, math.Abs(float64(buf[f*2])))
	}
	assert.Greater(t, peak, 0.1)
	assert.LessOrEqual(t, peak, 0.5+1e-6)
}

func TestNullOutputTracksPeak(t *testing.T) {
	dev := NewNullOutput(testFormat, testLogger())

	require.NoError(t, dev.Start(func(buf []float32) {
		for i := range buf {
			buf[i] = -0.25
		}
	}))
	require.Eventually(t, func() bool { return dev.Peak() == 0.25 }, time.Second, time.Millisecond)
	require.NoError(t, dev.Stop())
}

func TestNullStartRules(t *testing.T) {
	dev := NewNullInput(audio.Format{SampleRate: 8000, Channels: 1}, 0, testLogger())
	assert.Error(t, dev.Start(func([]float32) {}), "host-chosen buffer size has no period")

	dev = NewNullInput(testFormat, 0, testLogger())
	require.NoError(t, dev.Start(func([]float32) {}))
	assert.Error(t, dev.Start(func([]float32) {}))
	require.NoError(t, dev.Stop())
	require.NoError(t, dev.Stop())
}

func TestOpenNull(t *testing.T) {
	cfg := config.AudioConfig{Backend: "null", SampleRate: 8000, Channels: 1, FramesPerBuffer: 80}

	devices, err := Open(cfg, testLogger(), nil)
	require.NoError(t, err)
	defer devices.Close()

	assert.Equal(t, 10*time.Millisecond, devices.Format.Period())
	assert.NotNil(t, devices.Input)
	assert.NotNil(t, devices.Output)

	_, err = OpenNull(config.AudioConfig{Backend: "null", SampleRate: 8000, Channels: 1}, testLogger())
	assert.Error(t, err)

	_, err = Open(config.AudioConfig{Backend: "jack"}, testLogger(), nil)
	assert.Error(t, err)
}

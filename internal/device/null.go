package device

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sergiterupri/ip-talkie/internal/audio"
)

// Null is a clocked stand-in for a sound card. It invokes the callback once
// per device period from its own goroutine. As an input it produces silence
// or a sine tone; as an output it keeps the peak level of what it was given.
type Null struct {
	format    audio.Format
	direction string
	toneHz    float64
	logger    *slog.Logger

	mu      sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	phase   float64
	buffers atomic.Uint64
	peak    atomic.Uint32 // float32 bits of the last output buffer's peak
}

// NewNullInput creates a null capture device. toneHz of 0 yields silence.
func NewNullInput(format audio.Format, toneHz float64, logger *slog.Logger) *Null {
	return &Null{format: format, direction: "capture", toneHz: toneHz, logger: logger}
}

// NewNullOutput creates a null playback device
func NewNullOutput(format audio.Format, logger *slog.Logger) *Null {
	return &Null{format: format, direction: "playback", logger: logger}
}

// Start begins invoking callback every device period
func (n *Null) Start(callback func(buf []float32)) error {
	if err := n.format.Validate(); err != nil {
		return err
	}
	period := n.format.Period()
	if period <= 0 {
		return fmt.Errorf("null device needs a fixed buffer size")
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stop != nil {
		return fmt.Errorf("null %s device already started", n.direction)
	}
	n.stop = make(chan struct{})
	n.done = make(chan struct{})

	go n.run(callback, period, n.stop, n.done)

	n.logger.Info("Null audio device started",
		slog.String("direction", n.direction),
		slog.String("format", n.format.String()),
		slog.Float64("tone_hz", n.toneHz),
	)
	return nil
}

func (n *Null) run(callback func([]float32), period time.Duration, stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	buf := make([]float32, n.format.SamplesPerBuffer())
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		if n.direction == "capture" {
			n.fill(buf)
		} else {
			clear(buf)
		}

		callback(buf)
		n.buffers.Add(1)

		if n.direction == "playback" {
			n.peak.Store(math.Float32bits(peakOf(buf)))
		}
	}
}

// fill writes the next period of the tone, identical on every channel
func (n *Null) fill(buf []float32) {
	if n.toneHz == 0 {
		clear(buf)
		return
	}
	step := 2 * math.Pi * n.toneHz / n.format.SampleRate
	ch := n.format.Channels
	for f := 0; f < len(buf)/ch; f++ {
		v := float32(0.5 * math.Sin(n.phase))
		for c := 0; c < ch; c++ {
			buf[f*ch+c] = v
		}
		n.phase = math.Mod(n.phase+step, 2*math.Pi)
	}
}

// Stop halts the clock and waits for an in-flight callback to return
func (n *Null) Stop() error {
	n.mu.Lock()
	stop, done := n.stop, n.done
	n.stop = nil
	n.mu.Unlock()

	if stop == nil {
		return nil
	}
	close(stop)
	<-done
	return nil
}

// Buffers returns the number of callbacks delivered
func (n *Null) Buffers() uint64 {
	return n.buffers.Load()
}

// Peak returns the absolute peak of the last buffer rendered by an output
func (n *Null) Peak() float32 {
	return math.Float32frombits(n.peak.Load())
}

func peakOf(buf []float32) float32 {
	var p float32
	for _, v := range buf {
		if v < 0 {
			v = -v
		}
		if v > p {
			p = v
		}
	}
	return p
}

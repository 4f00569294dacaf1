package vad

import (
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"

	"github.com/sergiterupri/ip-talkie/internal/config"
	"github.com/sergiterupri/ip-talkie/internal/metrics"
)

// Detector tracks voice activity on one audio direction from the smoothed
// RMS energy of each device buffer. Observe must only be called from that
// direction's callback; Stats may be read from any goroutine.
type Detector struct {
	direction string
	threshold float64
	smoothing float64
	hangover  int
	logger    *slog.Logger
	metrics   *metrics.Metrics

	// Callback-owned state
	level float64
	quiet int

	levelBits     atomic.Uint64
	active        atomic.Bool
	buffers       atomic.Uint64
	activeBuffers atomic.Uint64
	segments      atomic.Uint64
}

// Stats represents voice activity statistics for one direction
type Stats struct {
	Direction        string  `json:"direction"`
	Level            float64 `json:"level"`
	Active           bool    `json:"active"`
	Buffers          uint64  `json:"buffers"`
	ActiveBuffers    uint64  `json:"active_buffers"`
	ActivePercentage float64 `json:"active_percentage"`
	Segments         uint64  `json:"segments"`
}

// NewDetector creates a detector for direction. m may be nil.
func NewDetector(direction string, cfg config.ActivityConfig, logger *slog.Logger, m *metrics.Metrics) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid activity config: %w", err)
	}

	return &Detector{
		direction: direction,
		threshold: cfg.Threshold,
		smoothing: cfg.Smoothing,
		hangover:  cfg.Hangover,
		logger:    logger.With(slog.String("direction", direction)),
		metrics:   m,
	}, nil
}

// Observe folds one buffer into the running level and reports whether voice
// is active afterwards. Activity starts as soon as the level crosses the
// threshold and ends after more than hangover quiet buffers in a row.
func (d *Detector) Observe(buf []float32) bool {
	d.level = d.smoothing*rms(buf) + (1-d.smoothing)*d.level
	d.levelBits.Store(math.Float64bits(d.level))
	d.buffers.Add(1)

	active := d.active.Load()
	switch {
	case d.level >= d.threshold:
		d.quiet = 0
		if !active {
			d.transition(true)
			active = true
		}
	case active:
		d.quiet++
		if d.quiet > d.hangover {
			d.transition(false)
			active = false
		}
	}

	if active {
		d.activeBuffers.Add(1)
	}
	if d.metrics != nil {
		d.metrics.SetAudioLevel(d.direction, d.level)
	}
	return active
}

func (d *Detector) transition(active bool) {
	d.active.Store(active)
	if active {
		d.segments.Add(1)
		d.logger.Debug("Voice activity started", slog.Float64("level", d.level))
	} else {
		d.logger.Debug("Voice activity ended", slog.Float64("level", d.level))
	}
	if d.metrics != nil {
		d.metrics.SetVoiceActive(d.direction, active)
	}
}

// Active reports whether voice is currently detected
func (d *Detector) Active() bool {
	return d.active.Load()
}

// Level returns the current smoothed RMS level
func (d *Detector) Level() float64 {
	return math.Float64frombits(d.levelBits.Load())
}

// Stats returns current detector statistics
func (d *Detector) Stats() Stats {
	buffers := d.buffers.Load()
	activeBuffers := d.activeBuffers.Load()

	percentage := float64(0)
	if buffers > 0 {
		percentage = float64(activeBuffers) / float64(buffers) * 100
	}

	return Stats{
		Direction:        d.direction,
		Level:            d.Level(),
		Active:           d.Active(),
		Buffers:          buffers,
		ActiveBuffers:    activeBuffers,
		ActivePercentage: percentage,
		Segments:         d.segments.Load(),
	}
}

// rms returns the root mean square of buf
func rms(buf []float32) float64 {
	if len(buf) == 0 {
		return 0
	}
	var energy float64
	for _, s := range buf {
		energy += float64(s) * float64(s)
	}
	return math.Sqrt(energy / float64(len(buf)))
}

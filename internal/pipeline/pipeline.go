package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sergiterupri/ip-talkie/internal/lifecycle"
	"github.com/sergiterupri/ip-talkie/internal/metrics"
)

// ErrDriverStart wraps failures to start the audio stream driving a pipeline
var ErrDriverStart = errors.New("failed to start driver")

// Direction selects what a pipeline does with each device buffer
type Direction int

const (
	// Capture encodes captured buffers and sends them to the peer
	Capture Direction = iota
	// Playback fills output buffers from received datagrams
	Playback
)

// String returns the direction name used in logs and metric labels
func (d Direction) String() string {
	switch d {
	case Capture:
		return "capture"
	case Playback:
		return "playback"
	default:
		return fmt.Sprintf("unknown(%d)", int(d))
	}
}

// State is the state of a pipeline: Idle -> Running -> Draining -> Stopped
type State int32

const (
	Idle State = iota
	Running
	Draining
	Stopped
)

// String returns the state name
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// FailurePolicy decides what a handler error does to the pipeline
type FailurePolicy string

const (
	// ContinueOnError logs and counts the error; the buffer is lost
	ContinueOnError FailurePolicy = "continue"
	// StopOnError stops the pipeline on the first handler error
	StopOnError FailurePolicy = "stop"
)

// Handler processes one device buffer
type Handler interface {
	Handle(buf []float32) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(buf []float32) error

// Handle calls f(buf)
func (f HandlerFunc) Handle(buf []float32) error { return f(buf) }

// Driver is an audio stream that invokes a callback on its own cadence.
// Start must not block; Stop returns once no further callback will run.
type Driver interface {
	Start(callback func(buf []float32)) error
	Stop() error
}

// Options contains pipeline configuration
type Options struct {
	FailurePolicy FailurePolicy
	DrainTimeout  time.Duration
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
}

// Pipeline couples a device callback with a handler under a shared run-state.
// Capture and playback are both instances of it, differing only in direction
// and handler.
type Pipeline struct {
	direction Direction
	handler   Handler
	token     *lifecycle.Token
	opts      Options
	logger    *slog.Logger

	state atomic.Int32

	drained   chan struct{}
	drainOnce sync.Once
	failed    chan struct{}
	failOnce  sync.Once
	failErr   error

	invocations atomic.Uint64
	errors      atomic.Uint64
	dropped     atomic.Uint64
}

// Statistics represents pipeline counters
type Statistics struct {
	Direction   string `json:"direction"`
	State       string `json:"state"`
	Invocations uint64 `json:"invocations"`
	Errors      uint64 `json:"errors"`
	Dropped     uint64 `json:"dropped"`
}

// New creates an idle pipeline
func New(direction Direction, handler Handler, token *lifecycle.Token, opts Options) *Pipeline {
	if opts.FailurePolicy == "" {
		opts.FailurePolicy = ContinueOnError
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 500 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	p := &Pipeline{
		direction: direction,
		handler:   handler,
		token:     token,
		opts:      opts,
		logger:    opts.Logger.With(slog.String("pipeline", direction.String())),
		drained:   make(chan struct{}),
		failed:    make(chan struct{}),
	}
	if opts.Metrics != nil {
		opts.Metrics.SetPipelineState(direction.String(), int(Idle))
	}
	return p
}

// Callback is handed to the audio subsystem and runs once per device buffer
func (p *Pipeline) Callback(buf []float32) {
	start := time.Now()
	p.invocations.Add(1)

	if p.State() != Running {
		p.idle(buf)
		return
	}

	if !p.token.Running() {
		p.logger.Info(fmt.Sprintf("Stopping %s pipeline...", p.direction))
		p.setState(Draining)
		p.drainOnce.Do(func() { close(p.drained) })
		p.idle(buf)
		return
	}

	if err := p.handler.Handle(buf); err != nil {
		p.handleError(err)
	}

	if p.opts.Metrics != nil {
		p.opts.Metrics.RecordCallback(p.direction.String(), time.Since(start).Seconds())
	}
}

// idle performs no network action. Output buffers are silenced so the device
// never replays stale samples.
func (p *Pipeline) idle(buf []float32) {
	p.dropped.Add(1)
	if p.direction == Playback {
		clear(buf)
	}
}

func (p *Pipeline) handleError(err error) {
	n := p.errors.Add(1)

	if p.opts.FailurePolicy == StopOnError {
		p.failOnce.Do(func() {
			p.failErr = err
			p.logger.Error("Pipeline stopped by handler error", slog.String("error", err.Error()))
			p.setState(Draining)
			close(p.failed)
		})
		return
	}

	// At device cadence a persistent failure would flood the log
	if n == 1 || n%100 == 0 {
		p.logger.Warn("Buffer dropped after handler error",
			slog.String("error", err.Error()),
			slog.Uint64("error_count", n),
		)
	}
}

// Run starts driver with this pipeline's callback and blocks until the
// pipeline has stopped. It returns once a callback has observed the stopped
// token, or DrainTimeout after the token stopped if no callback arrives, so a
// stalled device cannot hold shutdown forever. Under StopOnError the first
// handler error is returned.
func (p *Pipeline) Run(ctx context.Context, driver Driver) error {
	p.setState(Running)
	p.logger.Info("Pipeline started")

	if err := driver.Start(p.Callback); err != nil {
		p.setState(Stopped)
		return fmt.Errorf("%s pipeline: %w: %w", p.direction, ErrDriverStart, err)
	}

	select {
	case <-p.drained:
	case <-p.failed:
	case <-p.token.Done():
		p.awaitDrain()
	case <-ctx.Done():
		p.awaitDrain()
	}

	p.setState(Draining)
	if err := driver.Stop(); err != nil {
		p.logger.Warn("Error stopping driver", slog.String("error", err.Error()))
	}
	p.setState(Stopped)

	p.logger.Info("Pipeline stopped",
		slog.Uint64("invocations", p.invocations.Load()),
		slog.Uint64("errors", p.errors.Load()),
	)

	select {
	case <-p.failed:
		return fmt.Errorf("%s pipeline: %w", p.direction, p.failErr)
	default:
		return nil
	}
}

// awaitDrain waits a bounded time for a callback to observe shutdown
func (p *Pipeline) awaitDrain() {
	timer := time.NewTimer(p.opts.DrainTimeout)
	defer timer.Stop()

	select {
	case <-p.drained:
	case <-p.failed:
	case <-timer.C:
		p.logger.Warn("No callback observed shutdown, stopping driver anyway",
			slog.Duration("drain_timeout", p.opts.DrainTimeout),
		)
	}
}

// Direction returns the pipeline direction
func (p *Pipeline) Direction() Direction {
	return p.direction
}

// State returns the current state
func (p *Pipeline) State() State {
	return State(p.state.Load())
}

func (p *Pipeline) setState(s State) {
	// States only move forward
	for {
		cur := p.state.Load()
		if State(cur) >= s {
			return
		}
		if p.state.CompareAndSwap(cur, int32(s)) {
			break
		}
	}
	if p.opts.Metrics != nil {
		p.opts.Metrics.SetPipelineState(p.direction.String(), int(s))
	}
}

// Statistics returns current pipeline counters
func (p *Pipeline) Statistics() Statistics {
	return Statistics{
		Direction:   p.direction.String(),
		State:       p.State().String(),
		Invocations: p.invocations.Load(),
		Errors:      p.errors.Load(),
		Dropped:     p.dropped.Load(),
	}
}

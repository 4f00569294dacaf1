package lifecycle

import (
	"context"
	"sync"
	"sync/atomic"
)

// Phase is the run-state of the link
type Phase int32

const (
	Running Phase = iota
	Stopping
	Stopped
)

// String returns the phase name
func (p Phase) String() string {
	switch p {
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Token is a cancellation token readable without locks and stoppable once
type Token struct {
	phase    atomic.Int32
	stopOnce sync.Once
	doneOnce sync.Once
	done     chan struct{}
	stopped  chan struct{}
}

// New returns a token in the Running phase
func New() *Token {
	return &Token{
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Cancelled returns a token that is already Stopping
func Cancelled() *Token {
	t := New()
	t.Stop()
	return t
}

// Stop moves the token to Stopping. Only the first call has an effect;
// it reports whether this call performed the transition.
func (t *Token) Stop() bool {
	first := false
	t.stopOnce.Do(func() {
		t.phase.CompareAndSwap(int32(Running), int32(Stopping))
		close(t.done)
		first = true
	})
	return first
}

// MarkStopped records that every pipeline has observed Stopping and exited.
// It implies Stop.
func (t *Token) MarkStopped() {
	t.Stop()
	t.doneOnce.Do(func() {
		t.phase.Store(int32(Stopped))
		close(t.stopped)
	})
}

// Running reports whether the pipelines should keep iterating
func (t *Token) Running() bool {
	return Phase(t.phase.Load()) == Running
}

// Phase returns the current phase
func (t *Token) Phase() Phase {
	return Phase(t.phase.Load())
}

// Done is closed when the token leaves Running
func (t *Token) Done() <-chan struct{} {
	return t.done
}

// Stopped is closed when the token reaches Stopped
func (t *Token) Stopped() <-chan struct{} {
	return t.stopped
}

// Context returns a context cancelled when the token leaves Running
func (t *Token) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-t.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

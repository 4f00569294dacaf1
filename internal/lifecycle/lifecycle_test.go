package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTokenStartsRunning(t *testing.T) {
	tok := New()

	assert.True(t, tok.Running())
	assert.Equal(t, Running, tok.Phase())
	select {
	case <-tok.Done():
		t.Fatal("Done closed on a running token")
	default:
	}
}

func TestStopIsIdempotent(t *testing.T) {
	tok := New()

	assert.True(t, tok.Stop())
	assert.False(t, tok.Stop())
	assert.False(t, tok.Stop())
	assert.False(t, tok.Running())
	assert.Equal(t, Stopping, tok.Phase())
	<-tok.Done()
}

func TestConcurrentStop(t *testing.T) {
	tok := New()

	var wg sync.WaitGroup
	var mu sync.Mutex
	firsts := 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tok.Stop() {
				mu.Lock()
				firsts++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, firsts)
	assert.Equal(t, Stopping, tok.Phase())
}

func TestPhaseNeverGoesBackward(t *testing.T) {
	tok := New()
	tok.MarkStopped()

	assert.Equal(t, Stopped, tok.Phase())
	<-tok.Done()
	<-tok.Stopped()

	tok.Stop()
	assert.Equal(t, Stopped, tok.Phase())
	assert.False(t, tok.Running())
}

func TestCancelled(t *testing.T) {
	tok := Cancelled()

	assert.False(t, tok.Running())
	assert.Equal(t, Stopping, tok.Phase())
}

func TestContextFollowsToken(t *testing.T) {
	tok := New()
	ctx, cancel := tok.Context(context.Background())
	defer cancel()

	tok.Stop()

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled after Stop")
	}
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "stopping", Stopping.String())
	assert.Equal(t, "stopped", Stopped.String())
	assert.Equal(t, "unknown", Phase(9).String())
}

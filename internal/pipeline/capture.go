package pipeline

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/sergiterupri/ip-talkie/internal/protocol"
)

// ErrOversized is returned when one device buffer does not fit in a datagram
var ErrOversized = errors.New("buffer exceeds maximum datagram size")

// Sender transmits one datagram to the peer
type Sender interface {
	Send(packet []byte) error
}

// CaptureHandler encodes each captured buffer and sends it as one datagram
type CaptureHandler struct {
	codec   *protocol.Codec
	sender  Sender
	scratch []byte

	sent atomic.Uint64
}

// NewCapture creates the capture-then-send handler
func NewCapture(codec *protocol.Codec, sender Sender) *CaptureHandler {
	return &CaptureHandler{
		codec:  codec,
		sender: sender,
	}
}

// Handle encodes buf and sends it. The payload buffer is reused across calls,
// so the sender must not retain it.
func (c *CaptureHandler) Handle(buf []float32) error {
	if len(buf) == 0 {
		return nil
	}

	if c.codec.EncodedLen(len(buf)) > protocol.MaxDatagramSize {
		return fmt.Errorf("%w: %d samples", ErrOversized, len(buf))
	}

	c.scratch = c.codec.Encode(c.scratch[:0], buf)
	if err := c.sender.Send(c.scratch); err != nil {
		return err
	}

	c.sent.Add(1)
	return nil
}

// Sent returns the number of datagrams handed to the sender successfully
func (c *CaptureHandler) Sent() uint64 {
	return c.sent.Load()
}

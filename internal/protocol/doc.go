// Package protocol implements the wire codec for voice datagrams.
// A datagram is the quantized sample buffer of one capture callback with no
// header or framing; this package maps float samples to bytes and back.
package protocol

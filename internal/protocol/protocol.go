package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Wire format constants
const (
	// MaxDatagramSize is the largest UDP payload over IPv4
	MaxDatagramSize = 65507

	// Sample widths on the wire
	Width8  = 1
	Width16 = 2

	// MaxScale bounds the peak scale for every rule
	MaxScale = 32767
)

// ByteOrder is the byte order of multi-byte samples (pcm16)
var ByteOrder = binary.LittleEndian

// ErrMisaligned is returned when a packet length is not a multiple of the sample width
var ErrMisaligned = errors.New("packet length is not a multiple of the sample width")

// Rule names a quantization rule
type Rule string

// Quantization rules
const (
	// RuleOffset maps [-1, 1] onto [1, 255] around a midpoint of 128
	RuleOffset Rule = "offset"
	// RuleSigned stores round(x*scale) as a two's complement int8
	RuleSigned Rule = "signed"
	// RuleSaturate truncates x*scale into [0, 255]; negative samples become 0
	RuleSaturate Rule = "saturate"
	// RulePCM16 stores round(x*scale) as a little-endian int16
	RulePCM16 Rule = "pcm16"
)

// Codec converts device sample buffers to and from datagram payloads.
// It carries no state between calls and is safe for concurrent use.
type Codec struct {
	rule  Rule
	scale float64
	width int
}

// NewCodec creates a codec for the given rule and peak scale
func NewCodec(rule Rule, scale float64) (*Codec, error) {
	if math.IsNaN(scale) || scale <= 0 || scale > MaxScale {
		return nil, fmt.Errorf("scale must be in (0, %d], got %v", MaxScale, scale)
	}

	c := &Codec{rule: rule, scale: scale}
	switch rule {
	case RuleOffset, RuleSigned, RuleSaturate:
		c.width = Width8
	case RulePCM16:
		c.width = Width16
	default:
		return nil, fmt.Errorf("unknown quantization rule: %q", rule)
	}

	return c, nil
}

// Rule returns the quantization rule
func (c *Codec) Rule() Rule { return c.rule }

// Scale returns the peak scale
func (c *Codec) Scale() float64 { return c.scale }

// Width returns the number of bytes per sample on the wire
func (c *Codec) Width() int { return c.width }

// Step returns one quantization step in sample units
func (c *Codec) Step() float64 { return 1 / c.scale }

// EncodedLen returns the payload length for n samples
func (c *Codec) EncodedLen(n int) int { return n * c.width }

// SampleCount returns the number of whole samples in a payload of n bytes
func (c *Codec) SampleCount(n int) int { return n / c.width }

// MaxSamples returns the largest buffer that still fits in one datagram
func (c *Codec) MaxSamples() int { return MaxDatagramSize / c.width }

// Encode appends the wire form of samples to dst and returns the extended slice.
// Out-of-range input saturates; NaN encodes as silence.
func (c *Codec) Encode(dst []byte, samples []float32) []byte {
	switch c.rule {
	case RuleOffset:
		for _, s := range samples {
			dst = append(dst, byte(c.quantize(s, -128, 127)+128))
		}
	case RuleSigned:
		for _, s := range samples {
			dst = append(dst, byte(int8(c.quantize(s, -128, 127))))
		}
	case RuleSaturate:
		for _, s := range samples {
			v := float64(s) * c.scale
			if math.IsNaN(v) {
				v = 0
			}
			dst = append(dst, byte(clamp(math.Trunc(v), 0, 255)))
		}
	case RulePCM16:
		for _, s := range samples {
			dst = ByteOrder.AppendUint16(dst, uint16(int16(c.quantize(s, math.MinInt16, math.MaxInt16))))
		}
	}
	return dst
}

// Decode writes the samples carried by packet into dst.
// At most len(dst) samples are written and packet is never read past its end;
// it returns the number of samples written. A packet whose length is not a
// multiple of Width is rejected without touching dst.
func (c *Codec) Decode(dst []float32, packet []byte) (int, error) {
	if len(packet)%c.width != 0 {
		return 0, fmt.Errorf("%w: %d bytes, width %d", ErrMisaligned, len(packet), c.width)
	}

	n := min(len(dst), len(packet)/c.width)
	switch c.rule {
	case RuleOffset:
		for i := 0; i < n; i++ {
			dst[i] = float32(float64(int(packet[i])-128) / c.scale)
		}
	case RuleSigned:
		for i := 0; i < n; i++ {
			dst[i] = float32(float64(int8(packet[i])) / c.scale)
		}
	case RuleSaturate:
		for i := 0; i < n; i++ {
			dst[i] = float32(float64(packet[i]) / c.scale)
		}
	case RulePCM16:
		for i := 0; i < n; i++ {
			v := int16(ByteOrder.Uint16(packet[i*2:]))
			dst[i] = float32(float64(v) / c.scale)
		}
	}
	return n, nil
}

// String returns a human-readable representation of the codec
func (c *Codec) String() string {
	return fmt.Sprintf("Codec{Rule:%s, Scale:%g, Width:%d}", c.rule, c.scale, c.width)
}

// quantize rounds s*scale half away from zero and clamps it to [lo, hi]
func (c *Codec) quantize(s float32, lo, hi float64) int {
	v := float64(s) * c.scale
	if math.IsNaN(v) {
		return 0
	}
	return int(clamp(math.Round(v), lo, hi))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

package audio

import (
	"encoding/binary"
	"math"
)

// Encoding names an on-the-wire sample format.
type Encoding string

const (
	EncodingPCM16 Encoding = "pcm16" // 16-bit signed little-endian
	EncodingMuLaw Encoding = "mulaw" // G.711 μ-law, 8 bits per sample
)

// Decode converts raw bytes in enc into normalized float32 samples.
// Unknown encodings are treated as PCM16.
func Decode(enc Encoding, data []byte) []float32 {
	if enc == EncodingMuLaw {
		return DecodeMuLaw(data)
	}
	return DecodePCM16(data)
}

// DecodePCM16 converts 16-bit little-endian PCM to float32 in [-1, 1).
// A trailing odd byte is ignored.
func DecodePCM16(data []byte) []float32 {
	n := len(data) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(data[i*2:]))
		out[i] = float32(s) / 32768
	}
	return out
}

// EncodePCM16 converts float32 samples to 16-bit little-endian PCM,
// clipping anything outside [-1, 1].
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(floatToInt16(s)))
	}
	return out
}

func floatToInt16(s float32) int16 {
	switch {
	case s >= 1:
		return math.MaxInt16
	case s <= -1:
		return math.MinInt16 + 1
	default:
		return int16(s * math.MaxInt16)
	}
}

// G.711 μ-law constants.
const (
	muLawBias = 0x84
	muLawClip = 32635
)

// MuLawToLinear expands one μ-law byte into a 16-bit sample.
func MuLawToLinear(u byte) int16 {
	u = ^u
	exponent := (u >> 4) & 0x07
	mantissa := int(u & 0x0f)
	sample := ((mantissa << 3) + muLawBias) << exponent
	sample -= muLawBias
	if u&0x80 != 0 {
		return int16(-sample)
	}
	return int16(sample)
}

// LinearToMuLaw compresses one 16-bit sample into μ-law.
func LinearToMuLaw(s int16) byte {
	v := int(s)
	var sign byte
	if v < 0 {
		v = -v
		sign = 0x80
	}
	if v > muLawClip {
		v = muLawClip
	}
	v += muLawBias

	exponent := 7
	for mask := 0x4000; v&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := (v >> (exponent + 3)) & 0x0f
	return ^(sign | byte(exponent<<4) | byte(mantissa))
}

// DecodeMuLaw converts μ-law bytes to float32 samples.
func DecodeMuLaw(data []byte) []float32 {
	out := make([]float32, len(data))
	for i, b := range data {
		out[i] = float32(MuLawToLinear(b)) / 32768
	}
	return out
}

// EncodeMuLaw converts float32 samples to μ-law bytes.
func EncodeMuLaw(samples []float32) []byte {
	out := make([]byte, len(samples))
	for i, s := range samples {
		out[i] = LinearToMuLaw(floatToInt16(s))
	}
	return out
}

// RMS returns the root-mean-square level of samples, 0 for an empty slice.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Clock converts a running sample count into session-relative timestamps.
// Transports use it so chunk timestamps stay monotonic regardless of
// wall-clock jitter. It is not safe for concurrent use.
type Clock struct {
	sampleRate int
	samples    int64
}

// NewClock returns a clock starting at zero.
func NewClock(sampleRate int) *Clock {
	return &Clock{sampleRate: sampleRate}
}

// Stamp returns a Chunk for samples timestamped at the current position and
// advances the clock past them.
func (c *Clock) Stamp(samples []float32) Chunk {
	ts := float64(c.samples) / float64(c.sampleRate)
	c.samples += int64(len(samples))
	return Chunk{Samples: samples, Timestamp: ts}
}

// Now returns the timestamp the next chunk will receive.
func (c *Clock) Now() float64 {
	return float64(c.samples) / float64(c.sampleRate)
}

// Reset rewinds the clock to zero.
func (c *Clock) Reset() {
	c.samples = 0
}

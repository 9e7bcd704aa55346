// ABOUTME: PCM sample format description
// ABOUTME: Defines the sample encodings a Multi and its clients share
package pcmformat

import "fmt"

// Encoding identifies a PCM sample encoding.
type Encoding int

const (
	// U8 is unsigned 8-bit PCM.
	U8 Encoding = iota
	// S16LE is signed 16-bit little-endian PCM.
	S16LE
	// S24LE32 is signed 24-bit PCM packed into a 32-bit little-endian word.
	S24LE32
	// S32LE is signed 32-bit little-endian PCM.
	S32LE
)

func (e Encoding) String() string {
	switch e {
	case U8:
		return "U8"
	case S16LE:
		return "S16LE"
	case S24LE32:
		return "S24LE32"
	case S32LE:
		return "S32LE"
	default:
		return fmt.Sprintf("Encoding(%d)", int(e))
	}
}

// SampleBytes returns the on-wire width, in bytes, of one sample.
func (e Encoding) SampleBytes() int {
	switch e {
	case U8:
		return 1
	case S16LE:
		return 2
	case S24LE32:
		return 4
	case S32LE:
		return 4
	default:
		return 0
	}
}

// AccumulatorBits returns the width of the mix-buffer accumulator cell for
// this encoding: one size class wider than the sample itself, per the
// additive-mixing overflow analysis (worst case MAX_CLIENTS * max sample
// value must fit).
func (e Encoding) AccumulatorBits() int {
	switch e {
	case U8:
		return 16
	case S16LE:
		return 32
	case S24LE32:
		return 32
	case S32LE:
		return 64
	default:
		return 0
	}
}

// Range returns the signed representable range of this encoding, used for
// saturating the accumulator on read-out. U8 is treated as signed-centered
// around 128 for mixing purposes (the accumulator stores signed deviation).
func (e Encoding) Range() (min, max int64) {
	switch e {
	case U8:
		return -128, 127
	case S16LE:
		return -32768, 32767
	case S24LE32:
		return -(1 << 23), (1 << 23) - 1
	case S32LE:
		return -(1 << 31), (1 << 31) - 1
	default:
		return 0, 0
	}
}

// Valid reports whether e is one of the four recognized encodings.
func (e Encoding) Valid() bool {
	switch e {
	case U8, S16LE, S24LE32, S32LE:
		return true
	default:
		return false
	}
}

// Format describes the PCM stream shared by a transport-facing Multi and
// all of its clients. Non-goals (spec §1) exclude per-client format
// conversion: every client of a given Multi uses exactly this Format.
type Format struct {
	Encoding Encoding
	Channels int // 1..8
	RateHz   int
}

// Valid reports whether f is a well-formed format.
func (f Format) Valid() bool {
	return f.Encoding.Valid() && f.Channels >= 1 && f.Channels <= 8 && f.RateHz > 0
}

// FrameSize returns the number of bytes per frame (Channels * sample width).
func (f Format) FrameSize() int {
	return f.Channels * f.Encoding.SampleBytes()
}

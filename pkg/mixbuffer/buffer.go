// ABOUTME: Fixed-point ring mix buffer for additive multi-client PCM mixing
// ABOUTME: One writer cursor per client, one reader cursor for the transport
package mixbuffer

import (
	"errors"

	"github.com/bluealsa-go/pcmmux/pkg/pcmformat"
)

// ErrInvalidFormat is returned by New when the requested format/channels
// combination cannot back a mix buffer.
var ErrInvalidFormat = errors.New("mixbuffer: invalid format")

// ErrOutOfMemory is returned by New when the accumulator storage cannot be
// allocated at the requested size. In Go this only occurs for pathological
// sizes (overflow of the capacity computation); a real allocation failure
// would panic like any other Go allocation.
var ErrOutOfMemory = errors.New("mixbuffer: out of memory")

// Buffer is the ring mix buffer described in spec §3.2/§4.1: a fixed-point
// accumulator ring with one slack frame, shared by every client of a
// playback Multi. mixOffset and end are monotonically increasing sample
// counters (never wrapped); only storage indexing wraps them modulo size.
// This is the Go-idiomatic rendition of "mix_offset and end are advanced
// monotonically modulo size" (spec §3.2) — tracking them unwrapped avoids
// a separate wrap-aware comparison helper for every cursor comparison,
// while still wrapping on the one operation (storage indexing) that needs
// it.
type Buffer struct {
	format       pcmformat.Format
	channels     int
	frameSize    int
	size         int // capacity, in samples
	period       int // samples per period
	mixThreshold int // periods, see spec §9 Design constants

	mixOffset int64
	end       int64
	acc       []int64
}

// New allocates a ring mix buffer. bufferFrames is the total capacity in
// frames (spec §4.3 computes this as BUFFER_PERIODS*period_frames);
// periodFrames is the period size in frames; mixThreshold is MIX_THRESHOLD
// in periods (2..4 per spec §4.1 Design constants).
func New(format pcmformat.Format, bufferFrames, periodFrames, mixThreshold int) (*Buffer, error) {
	if !format.Valid() {
		return nil, ErrInvalidFormat
	}
	if bufferFrames <= 0 || periodFrames <= 0 || mixThreshold <= 0 {
		return nil, ErrInvalidFormat
	}
	size := (bufferFrames + 1) * format.Channels
	if size <= 0 {
		return nil, ErrOutOfMemory
	}
	return &Buffer{
		format:       format,
		channels:     format.Channels,
		frameSize:    format.FrameSize(),
		size:         size,
		period:       periodFrames * format.Channels,
		mixThreshold: mixThreshold,
		acc:          make([]int64, size),
	}, nil
}

func wrapIndex(pos int64, size int) int {
	return int(pos % int64(size))
}

// avail returns the number of samples readable between a and b, where
// b is logically "ahead of" a in the monotonic counter space.
func avail(a, b int64) int64 {
	d := b - a
	if d < 0 {
		d = 0
	}
	return d
}

// Avail returns the number of samples currently readable by the mix
// thread: avail(mix_offset, end) from spec §3.2.
func (b *Buffer) Avail() int64 {
	return avail(b.mixOffset, b.end)
}

// Limit returns the absolute position a client's cursor may not reach or
// exceed: mix_offset + (MIX_THRESHOLD+1)*period, the hard back-pressure
// bound from spec §3.2.
func (b *Buffer) Limit() int64 {
	return b.mixOffset + int64(b.mixThreshold+1)*int64(b.period)
}

// MixOffset returns the current read cursor, for callers (notably
// pcmclient.Client) that need to resolve their own cursor against it.
func (b *Buffer) MixOffset() int64 { return b.mixOffset }

// Period returns the period size in samples.
func (b *Buffer) Period() int { return b.period }

// Add mixes frame-aligned PCM from data into the buffer starting at the
// position resolved from cursor, per spec §4.1:
//
//   - cursor < 0 means the client is |cursor| samples ahead of the current
//     mix head (start-up pre-roll encoding, spec §3.3/§9).
//   - cursor >= 0 is the client's absolute write position.
//
// It returns the client's new cursor (always >= 0 once any data has been
// accepted) and the number of source bytes consumed, always a whole
// number of frames. Add returns consumed == 0 (back-pressure) without
// advancing cursor once the client's resolved start reaches Limit().
func (b *Buffer) Add(cursor int64, data []byte) (newCursor int64, consumed int) {
	mix := b.mixOffset
	limit := b.Limit()

	var start int64
	if cursor < 0 {
		start = mix - cursor // mix + |cursor|
	} else {
		start = cursor
		if start < mix {
			start = mix
		}
	}

	if start >= limit {
		return cursor, 0
	}

	frames := len(data) / b.frameSize
	data = data[:frames*b.frameSize]

	maxSamples := limit - start
	maxFrames := int(maxSamples) / b.channels
	if frames > maxFrames {
		frames = maxFrames
	}
	if frames <= 0 {
		return cursor, 0
	}

	sampleBytes := b.format.Encoding.SampleBytes()
	samples := frames * b.channels
	for i := 0; i < samples; i++ {
		idx := wrapIndex(start+int64(i), b.size)
		v := pcmformat.Decode(b.format.Encoding, data, i*sampleBytes)
		b.acc[idx] += v
	}

	newCursor = start + int64(samples)
	consumed = frames * b.frameSize

	if newCursor > b.end {
		b.end = newCursor
	}
	return newCursor, consumed
}

// Read delivers up to one period of mixed, scaled PCM into out, per spec
// §4.1. samples is clipped to a multiple of channels, then to at most one
// period, then to Avail(). scale holds one multiplier per channel: a zero
// entry writes silence without scaling the accumulator value (spec §4.1's
// "hardware-muted channels" fast path). Delivered accumulator cells,
// muted or not, are
// zeroed after being read, satisfying the "after a read, delivered cells
// reset to zero" invariant (spec §3.2, §8).
func (b *Buffer) Read(out []byte, samples int, scale []float32) int {
	samples -= samples % b.channels
	if samples > b.period {
		samples = b.period
	}
	if a := b.Avail(); int64(samples) > a {
		samples = int(a)
		samples -= samples % b.channels
	}
	if samples <= 0 {
		return 0
	}

	sampleBytes := b.format.Encoding.SampleBytes()
	for i := 0; i < samples; i++ {
		idx := wrapIndex(b.mixOffset+int64(i), b.size)
		ch := i % b.channels

		var outVal int64
		if scale[ch] != 0 {
			outVal = pcmformat.ScaleSaturate(b.format.Encoding, b.acc[idx], scale[ch])
		}
		pcmformat.Encode(b.format.Encoding, out, i*sampleBytes, outVal)
		b.acc[idx] = 0
	}

	b.mixOffset += int64(samples)
	return samples
}

// AtThreshold reports whether enough audio has accumulated to start
// transport delivery: avail, converted to frames, has reached
// MIX_THRESHOLD periods (spec §4.1).
func (b *Buffer) AtThreshold() bool {
	availFrames := b.Avail() / int64(b.channels)
	periodFrames := int64(b.period / b.channels)
	return availFrames >= int64(b.mixThreshold)*periodFrames
}

// Empty reports whether the mix buffer has nothing left to deliver.
func (b *Buffer) Empty() bool {
	return b.mixOffset == b.end
}

// Clear resets both cursors and zeroes the entire accumulator, per spec
// §4.1. Used when the last client leaves and on single-client Drop (spec
// §4.2.1, §9).
func (b *Buffer) Clear() {
	b.mixOffset = 0
	b.end = 0
	for i := range b.acc {
		b.acc[i] = 0
	}
}

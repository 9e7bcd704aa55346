// ABOUTME: Per-sample PCM decode/encode and saturating scale
// ABOUTME: Shared by the ring mix buffer's add/read paths
package pcmformat

import "encoding/binary"

// Decode reads one sample at byte offset off of buf, encoded per enc, and
// returns it sign-extended into an int64 accumulator value.
func Decode(enc Encoding, buf []byte, off int) int64 {
	switch enc {
	case U8:
		return int64(buf[off]) - 128
	case S16LE:
		return int64(int16(binary.LittleEndian.Uint16(buf[off:])))
	case S24LE32:
		v := binary.LittleEndian.Uint32(buf[off:])
		// sign-extend the low 24 bits
		s := int32(v<<8) >> 8
		return int64(s)
	case S32LE:
		return int64(int32(binary.LittleEndian.Uint32(buf[off:])))
	default:
		return 0
	}
}

// Encode writes v, saturated to enc's signed range, at byte offset off of
// buf. v is the post-scale accumulator value.
func Encode(enc Encoding, buf []byte, off int, v int64) {
	lo, hi := enc.Range()
	if v < lo {
		v = lo
	} else if v > hi {
		v = hi
	}
	switch enc {
	case U8:
		buf[off] = byte(v + 128)
	case S16LE:
		binary.LittleEndian.PutUint16(buf[off:], uint16(int16(v)))
	case S24LE32:
		// store with the top byte sign-extended, mirroring Decode's
		// (v<<8)>>8 sign-extension so a decode(encode(v)) round-trips.
		binary.LittleEndian.PutUint32(buf[off:], uint32((int32(v)<<8)>>8))
	case S32LE:
		binary.LittleEndian.PutUint32(buf[off:], uint32(int32(v)))
	}
}

// Saturate clamps v to enc's signed range without encoding it.
func Saturate(enc Encoding, v int64) int64 {
	lo, hi := enc.Range()
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ScaleSaturate multiplies v by scale and saturates the result to enc's
// signed range. scale == 0 is handled by the caller (silence, no read of
// the accumulator needed) per spec §4.1.
func ScaleSaturate(enc Encoding, v int64, scale float32) int64 {
	scaled := int64(float64(v) * float64(scale))
	return Saturate(enc, scaled)
}

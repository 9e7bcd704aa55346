package pcmformat

import "testing"

func TestDecodeEncodeRoundTrip(t *testing.T) {
	cases := []struct {
		enc Encoding
		in  int64
	}{
		{U8, 100},
		{U8, -100},
		{S16LE, 30000},
		{S16LE, -30000},
		{S24LE32, 8388000},
		{S24LE32, -8388000},
		{S32LE, 2000000000},
		{S32LE, -2000000000},
	}

	for _, c := range cases {
		buf := make([]byte, 4)
		Encode(c.enc, buf, 0, c.in)
		got := Decode(c.enc, buf, 0)
		if got != c.in {
			t.Errorf("%s: round trip %d -> %d", c.enc, c.in, got)
		}
	}
}

func TestEncodeSaturates(t *testing.T) {
	buf := make([]byte, 4)

	Encode(S16LE, buf, 0, 1<<20)
	if got := Decode(S16LE, buf, 0); got != 32767 {
		t.Errorf("expected saturation to 32767, got %d", got)
	}

	Encode(S16LE, buf, 0, -(1 << 20))
	if got := Decode(S16LE, buf, 0); got != -32768 {
		t.Errorf("expected saturation to -32768, got %d", got)
	}
}

func TestScaleSaturateZeroIsSilence(t *testing.T) {
	if got := ScaleSaturate(S16LE, 12345, 0); got != 0 {
		t.Errorf("expected 0, got %d", got)
	}
}

func TestFrameSize(t *testing.T) {
	f := Format{Encoding: S16LE, Channels: 2, RateHz: 48000}
	if f.FrameSize() != 4 {
		t.Errorf("expected frame size 4, got %d", f.FrameSize())
	}
	if !f.Valid() {
		t.Errorf("expected format to be valid")
	}
}

func TestFormatInvalidChannels(t *testing.T) {
	f := Format{Encoding: S16LE, Channels: 9, RateHz: 48000}
	if f.Valid() {
		t.Errorf("expected format with 9 channels to be invalid")
	}
}

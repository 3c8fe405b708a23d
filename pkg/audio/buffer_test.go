package audio

import (
	"math"
	"testing"
)

func TestAddSaturatingClamps(t *testing.T) {
	dst := []float32{0.8, -0.8, 0.0}
	src := []float32{0.5, -0.5, 0.25}

	AddSaturating(dst, src, 1.0)

	if dst[0] != 1.0 {
		t.Errorf("Positive overflow not clamped: got %f, want 1.0", dst[0])
	}
	if dst[1] != -1.0 {
		t.Errorf("Negative overflow not clamped: got %f, want -1.0", dst[1])
	}
	if dst[2] != 0.25 {
		t.Errorf("In-range sum altered: got %f, want 0.25", dst[2])
	}
}

func TestAddSaturatingGain(t *testing.T) {
	dst := []float32{0.1, 0.1}
	src := []float32{0.2, 0.4}

	AddSaturating(dst, src, 0.5)

	if math.Abs(float64(dst[0]-0.2)) > 1e-6 {
		t.Errorf("Gain not applied: got %f, want 0.2", dst[0])
	}
	if math.Abs(float64(dst[1]-0.3)) > 1e-6 {
		t.Errorf("Gain not applied: got %f, want 0.3", dst[1])
	}
}

func TestSoftClipBelowThresholdUnchanged(t *testing.T) {
	buf := []float32{0.1, -0.3, 0.5}
	want := []float32{0.1, -0.3, 0.5}

	SoftClip(buf, 0.8)

	for i := range buf {
		if buf[i] != want[i] {
			t.Errorf("Sample %d changed below threshold: got %f, want %f", i, buf[i], want[i])
		}
	}
}

func TestSoftClipBoundsOutput(t *testing.T) {
	buf := []float32{2.0, -2.0, 10.0}
	SoftClip(buf, 0.8)

	for i, s := range buf {
		if s > 1.0 || s < -1.0 {
			t.Errorf("Sample %d not bounded: got %f", i, s)
		}
	}
}

func TestPanGains(t *testing.T) {
	tests := []struct {
		pan   float32
		wantL float64
		wantR float64
	}{
		{-1.0, 1.0, 0.0},
		{0.0, math.Sqrt2 / 2, math.Sqrt2 / 2},
		{1.0, 0.0, 1.0},
	}

	for _, tc := range tests {
		l, r := PanGains(tc.pan)
		if math.Abs(float64(l)-tc.wantL) > 1e-6 {
			t.Errorf("pan %f: left gain %f, want %f", tc.pan, l, tc.wantL)
		}
		if math.Abs(float64(r)-tc.wantR) > 1e-6 {
			t.Errorf("pan %f: right gain %f, want %f", tc.pan, r, tc.wantR)
		}
	}
}

func TestDBConversionRoundTrip(t *testing.T) {
	for _, db := range []float64{-60, -20, -6, 0, 6} {
		gain := DBToLinear(db)
		back := LinearToDB(float64(gain))
		if math.Abs(back-db) > 0.01 {
			t.Errorf("Round trip failed for %f dB: got %f", db, back)
		}
	}

	if DBToLinear(MinDB) != 0 {
		t.Error("MinDB should convert to zero gain")
	}
}

func TestBufferShape(t *testing.T) {
	b := NewBuffer(Stereo, 256, SampleRate48k)
	if b.NumChannels() != 2 {
		t.Errorf("Channel count: got %d, want 2", b.NumChannels())
	}
	if b.Frames() != 256 {
		t.Errorf("Frame count: got %d, want 256", b.Frames())
	}

	b.Channels[0][0] = 1
	b.Clear()
	if b.Channels[0][0] != 0 {
		t.Error("Clear did not zero samples")
	}
}

func TestFrameAccessors(t *testing.T) {
	f := NewRGBAFrame(4, 4)
	f.Set(1, 2, 10, 20, 30, 255)

	r, g, b, a := f.At(1, 2)
	if r != 10 || g != 20 || b != 30 || a != 255 {
		t.Errorf("Pixel mismatch: got (%d,%d,%d,%d)", r, g, b, a)
	}

	// Out-of-bounds access must be inert.
	f.Set(-1, 0, 1, 1, 1, 1)
	if r, _, _, _ := f.At(99, 99); r != 0 {
		t.Error("Out-of-bounds read should return zero")
	}
}

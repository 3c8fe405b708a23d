package mixbus

import (
	"testing"

	"github.com/openmixer/mixcore/pkg/audio"
)

// stubSource serves a fixed solid-color frame, optionally not ready.
type stubSource struct {
	frame *audio.Frame
	ready bool
}

func (s *stubSource) Frame() (*audio.Frame, bool) { return s.frame, s.ready }

func solidFrame(w, h int, r, g, b uint8) *audio.Frame {
	f := audio.NewRGBAFrame(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			f.Set(x, y, r, g, b, 255)
		}
	}
	return f
}

func TestCompositePainterOrder(t *testing.T) {
	c := NewCompositor(8, 8)
	c.AddNode(&Node{Source: &stubSource{frame: solidFrame(8, 8, 255, 0, 0), ready: true}})
	c.AddNode(&Node{Source: &stubSource{frame: solidFrame(8, 8, 0, 255, 0), ready: true}})

	out := c.Compose()
	r, g, _, _ := out.At(4, 4)
	if g != 255 || r != 0 {
		t.Errorf("Later node should paint over earlier: got r=%d g=%d", r, g)
	}
}

func TestCompositeSkipsUnreadySource(t *testing.T) {
	c := NewCompositor(8, 8)
	c.AddNode(&Node{Source: &stubSource{frame: solidFrame(8, 8, 255, 0, 0), ready: true}})
	c.AddNode(&Node{Source: &stubSource{frame: solidFrame(8, 8, 0, 255, 0), ready: false}})

	out := c.Compose()
	r, g, _, _ := out.At(4, 4)
	if r != 255 || g != 0 {
		t.Errorf("Unready node should be skipped, not drawn: r=%d g=%d", r, g)
	}
}

func TestCompositeOpacity(t *testing.T) {
	c := NewCompositor(8, 8)
	c.AddNode(&Node{Source: &stubSource{frame: solidFrame(8, 8, 200, 0, 0), ready: true}})
	c.AddNode(&Node{
		Source:  &stubSource{frame: solidFrame(8, 8, 0, 200, 0), ready: true},
		Opacity: 0.5,
	})

	out := c.Compose()
	r, g, _, _ := out.At(4, 4)
	if r < 90 || r > 110 {
		t.Errorf("Half-opacity red remainder: got %d, want ~100", r)
	}
	if g < 90 || g > 110 {
		t.Errorf("Half-opacity green contribution: got %d, want ~100", g)
	}
}

func TestCompositeBlendModes(t *testing.T) {
	tests := []struct {
		mode BlendMode
		want uint8 // red channel at center, base 100 + overlay 100
	}{
		{BlendAdd, 200},
		{BlendMultiply, uint8(uint16(100) * 100 / 255)},
		{BlendScreen, 255 - uint8(uint16(155)*155/255)},
	}

	for _, tc := range tests {
		c := NewCompositor(4, 4)
		c.AddNode(&Node{Source: &stubSource{frame: solidFrame(4, 4, 100, 0, 0), ready: true}})
		c.AddNode(&Node{
			Source: &stubSource{frame: solidFrame(4, 4, 100, 0, 0), ready: true},
			Blend:  tc.mode,
		})

		out := c.Compose()
		r, _, _, _ := out.At(2, 2)
		if d := int(r) - int(tc.want); d > 1 || d < -1 {
			t.Errorf("Blend mode %d: got %d, want %d", tc.mode, r, tc.want)
		}
	}
}

func TestCompositorResolutionDivisor(t *testing.T) {
	c := NewCompositor(16, 16)
	c.AddNode(&Node{Source: &stubSource{frame: solidFrame(16, 16, 255, 255, 255), ready: true}})

	c.SetResolutionDivisor(2)
	out := c.Compose()
	if out.Width != 8 || out.Height != 8 {
		t.Errorf("Reduced frame: got %dx%d, want 8x8", out.Width, out.Height)
	}

	// Restore is one call and idempotent.
	c.SetResolutionDivisor(1)
	c.SetResolutionDivisor(1)
	out = c.Compose()
	if out.Width != 16 {
		t.Errorf("Restored frame: got %dx%d", out.Width, out.Height)
	}
}

func TestHideNonEssential(t *testing.T) {
	c := NewCompositor(8, 8)
	c.AddNode(&Node{
		Source:    &stubSource{frame: solidFrame(8, 8, 255, 0, 0), ready: true},
		Essential: true,
	})
	c.AddNode(&Node{Source: &stubSource{frame: solidFrame(8, 8, 0, 255, 0), ready: true}})

	if !c.HideNonEssential() {
		t.Fatal("No victim found")
	}
	out := c.Compose()
	r, g, _, _ := out.At(4, 4)
	if r != 255 || g != 0 {
		t.Errorf("Essential node should remain: r=%d g=%d", r, g)
	}

	// Only one non-essential node, so a second hide finds nothing.
	if c.HideNonEssential() {
		t.Error("Second hide should report false")
	}

	if !c.ShowHidden() {
		t.Fatal("ShowHidden found nothing to restore")
	}
	out = c.Compose()
	if _, g, _, _ := out.At(4, 4); g != 255 {
		t.Error("Restored node not drawn")
	}
}

func TestCompositeScaleCropsSource(t *testing.T) {
	c := NewCompositor(8, 8)
	// A 2x-scaled 8x8 source: only its center 4x4 lands in the target.
	c.AddNode(&Node{
		Source: &stubSource{frame: solidFrame(8, 8, 255, 0, 0), ready: true},
		Scale:  2,
	})

	out := c.Compose()
	if r, _, _, _ := out.At(4, 4); r != 255 {
		t.Error("Scaled source missing at center")
	}
}

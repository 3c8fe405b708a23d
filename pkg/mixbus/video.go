package mixbus

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/openmixer/mixcore/pkg/audio"
)

// BlendMode selects how a node's pixels combine with the frame below.
type BlendMode int

const (
	BlendNormal BlendMode = iota
	BlendAdd
	BlendMultiply
	BlendScreen
)

// FrameSource produces the current frame for a video node. Frame returns
// false while the source does not yet have enough data; the compositor
// then skips the node for that tick instead of erroring.
type FrameSource interface {
	Frame() (*audio.Frame, bool)
}

// Node is one video layer: a source plus its per-node transform. Nodes are
// composited in insertion order (painter's algorithm).
type Node struct {
	ID        uuid.UUID
	Source    FrameSource
	Position  time.Duration
	Duration  time.Duration
	Opacity   float64 // [0,1]
	Scale     float64 // 1 = native size
	Rotation  float64 // radians, around the node center
	Blend     BlendMode
	Essential bool // survives quality degradation
	hidden    bool // set by the optimizer, not callers
}

// Compositor owns the video output target and the node list. It runs on
// its own frame clock, entirely decoupled from the audio path, and skips
// ticks when it falls behind.
type Compositor struct {
	nodes  []*Node
	target *audio.Frame
	width  int
	height int

	// divisor > 1 renders at reduced resolution; an optimizer control.
	divisor int
}

// NewCompositor creates a compositor with the given output resolution.
func NewCompositor(width, height int) *Compositor {
	return &Compositor{
		target:  audio.NewRGBAFrame(width, height),
		width:   width,
		height:  height,
		divisor: 1,
	}
}

// AddNode appends a node; composite order is insertion order.
func (c *Compositor) AddNode(n *Node) uuid.UUID {
	if n.ID == (uuid.UUID{}) {
		n.ID = uuid.New()
	}
	if n.Opacity == 0 {
		n.Opacity = 1
	}
	if n.Scale == 0 {
		n.Scale = 1
	}
	c.nodes = append(c.nodes, n)
	return n.ID
}

// RemoveNode deletes a node by id.
func (c *Compositor) RemoveNode(id uuid.UUID) {
	for i, n := range c.nodes {
		if n.ID == id {
			c.nodes = append(c.nodes[:i], c.nodes[i+1:]...)
			return
		}
	}
}

// Nodes returns the node list in composite order.
func (c *Compositor) Nodes() []*Node {
	out := make([]*Node, len(c.nodes))
	copy(out, c.nodes)
	return out
}

// SetResolutionDivisor reduces the render resolution by the given factor.
// A divisor of 1 restores full quality. Idempotent.
func (c *Compositor) SetResolutionDivisor(d int) {
	if d < 1 {
		d = 1
	}
	if d > 8 {
		d = 8
	}
	c.divisor = d
}

// ResolutionDivisor returns the current divisor.
func (c *Compositor) ResolutionDivisor() int { return c.divisor }

// HideNonEssential hides one visible non-essential node and reports
// whether it found a victim. The optimizer's video degradation step.
func (c *Compositor) HideNonEssential() bool {
	for _, n := range c.nodes {
		if !n.Essential && !n.hidden {
			n.hidden = true
			return true
		}
	}
	return false
}

// ShowHidden re-shows one optimizer-hidden node, reversing
// HideNonEssential one step at a time.
func (c *Compositor) ShowHidden() bool {
	for i := len(c.nodes) - 1; i >= 0; i-- {
		if c.nodes[i].hidden {
			c.nodes[i].hidden = false
			return true
		}
	}
	return false
}

// Compose renders all visible, ready nodes into the output frame and
// returns it. The returned frame is reused across calls.
func (c *Compositor) Compose() *audio.Frame {
	w := c.width / c.divisor
	h := c.height / c.divisor
	if c.target.Width != w || c.target.Height != h {
		c.target = audio.NewRGBAFrame(w, h)
	}
	c.target.Clear()

	for _, n := range c.nodes {
		if n.hidden {
			continue
		}
		src, ok := n.Source.Frame()
		if !ok {
			continue // not enough data yet; graceful skip, not an error
		}
		c.drawNode(n, src)
	}
	return c.target
}

// drawNode maps every destination pixel back into the source through the
// node's scale and rotation, then blends.
func (c *Compositor) drawNode(n *Node, src *audio.Frame) {
	dst := c.target
	// Account for the reduced-resolution target.
	scale := n.Scale / float64(c.divisor)
	if scale <= 0 {
		return
	}
	sin, cos := math.Sincos(-n.Rotation)

	dcx := float64(dst.Width) / 2
	dcy := float64(dst.Height) / 2
	scx := float64(src.Width) / 2
	scy := float64(src.Height) / 2

	for y := 0; y < dst.Height; y++ {
		for x := 0; x < dst.Width; x++ {
			// Inverse transform: dest -> source coordinates.
			dx := (float64(x) - dcx) / scale
			dy := (float64(y) - dcy) / scale
			sx := int(dx*cos - dy*sin + scx)
			sy := int(dx*sin + dy*cos + scy)
			if sx < 0 || sy < 0 || sx >= src.Width || sy >= src.Height {
				continue
			}

			sr, sg, sb, sa := src.At(sx, sy)
			if sa == 0 {
				continue
			}
			dr, dg, db, _ := dst.At(x, y)

			br, bg, bb := blend(n.Blend, dr, dg, db, sr, sg, sb)
			a := n.Opacity * float64(sa) / 255.0
			outR := uint8(float64(dr)*(1-a) + float64(br)*a)
			outG := uint8(float64(dg)*(1-a) + float64(bg)*a)
			outB := uint8(float64(db)*(1-a) + float64(bb)*a)
			dst.Set(x, y, outR, outG, outB, 255)
		}
	}
}

func blend(mode BlendMode, dr, dg, db, sr, sg, sb uint8) (uint8, uint8, uint8) {
	switch mode {
	case BlendAdd:
		return addClamp(dr, sr), addClamp(dg, sg), addClamp(db, sb)
	case BlendMultiply:
		return mul(dr, sr), mul(dg, sg), mul(db, sb)
	case BlendScreen:
		return screen(dr, sr), screen(dg, sg), screen(db, sb)
	default:
		return sr, sg, sb
	}
}

func addClamp(a, b uint8) uint8 {
	s := uint16(a) + uint16(b)
	if s > 255 {
		return 255
	}
	return uint8(s)
}

func mul(a, b uint8) uint8 {
	return uint8(uint16(a) * uint16(b) / 255)
}

func screen(a, b uint8) uint8 {
	return 255 - mul(255-a, 255-b)
}

// Run drives the compositor from its own frame clock until the context
// ends. Each tick produces one frame through emit; if composition overruns
// the frame interval the next tick is simply late, never queued, so load
// sheds as dropped frames.
func (c *Compositor) Run(ctx context.Context, fps int, emit func(*audio.Frame)) {
	if fps <= 0 {
		fps = 30
	}
	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			emit(c.Compose())
		}
	}
}

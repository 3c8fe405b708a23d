// Package mixbus combines deck outputs into the master audio signal and
// composites video nodes into the program frame. The bus references decks
// and nodes without owning their lifetime.
package mixbus

import (
	"math"
	"sync/atomic"

	"github.com/openmixer/mixcore/pkg/audio"
	"github.com/openmixer/mixcore/pkg/deck"
)

// CrossfaderSide assigns a strip to one end of the crossfader.
type CrossfaderSide int

const (
	// SideThrough bypasses the crossfader for this strip.
	SideThrough CrossfaderSide = iota
	SideA
	SideB
)

// Strip is one deck's channel strip on the bus: trim, volume, pan and
// crossfader assignment, applied before summation.
type Strip struct {
	Deck   *deck.Deck
	Volume float32 // fader, [0,1]
	Trim   float32 // gain correction, linear
	Pan    float32 // [-1,1]
	Side   CrossfaderSide
}

// Bus sums all strips into the master output. Summation saturates instead
// of wrapping; the optional soft limiter shapes what remains. Process runs
// on the real-time path; the mutating setters must be called from the
// engine's command context only.
type Bus struct {
	strips     []*Strip
	crossfader float64 // 0 = full A, 1 = full B
	limiter    bool
	scratch    *audio.Buffer

	// Master meters, written by the render path, read via atomics.
	meterPeak atomic.Uint32
	meterRMS  atomic.Uint32
}

// New creates a bus over the given decks with unity strips.
func New(chunk int, sampleRate float64, decks ...*deck.Deck) *Bus {
	b := &Bus{
		crossfader: 0.5,
		limiter:    true,
		scratch:    audio.NewBuffer(audio.Stereo, chunk, sampleRate),
	}
	for _, d := range decks {
		b.strips = append(b.strips, &Strip{Deck: d, Volume: 1, Trim: 1, Side: SideThrough})
	}
	return b
}

// Strip returns the channel strip for a deck id, or nil.
func (b *Bus) Strip(deckID int) *Strip {
	for _, s := range b.strips {
		if s.Deck.ID == deckID {
			return s
		}
	}
	return nil
}

// SetCrossfader positions the crossfader, 0 full A to 1 full B.
func (b *Bus) SetCrossfader(pos float64) {
	if pos < 0 {
		pos = 0
	}
	if pos > 1 {
		pos = 1
	}
	b.crossfader = pos
}

// Crossfader returns the current crossfader position.
func (b *Bus) Crossfader() float64 { return b.crossfader }

// SetLimiter switches the master soft limiter.
func (b *Bus) SetLimiter(on bool) { b.limiter = on }

// sideGain returns the equal-power crossfader gain for a strip.
func (b *Bus) sideGain(side CrossfaderSide) float32 {
	angle := b.crossfader * math.Pi / 2
	switch side {
	case SideA:
		return float32(math.Cos(angle))
	case SideB:
		return float32(math.Sin(angle))
	default:
		return 1
	}
}

// Process renders every deck, applies strip gains and panning, and sums
// into out. out is cleared first; its length defines the chunk.
func (b *Bus) Process(out *audio.Buffer) {
	out.Clear()
	n := out.Frames()
	if b.scratch.Frames() != n {
		// Chunk size changed; reallocation happens only on that event.
		b.scratch = audio.NewBuffer(b.scratch.NumChannels(), n, out.SampleRate)
	}

	for _, s := range b.strips {
		s.Deck.Render(b.scratch)

		gain := s.Volume * s.Trim * b.sideGain(s.Side)
		if gain == 0 {
			continue
		}
		left, right := audio.PanGains(s.Pan)
		audio.AddSaturating(out.Channels[0][:n], b.scratch.Channels[0][:n], gain*left)
		if out.NumChannels() > 1 && b.scratch.NumChannels() > 1 {
			audio.AddSaturating(out.Channels[1][:n], b.scratch.Channels[1][:n], gain*right)
		}
	}

	if b.limiter {
		for _, ch := range out.Channels {
			audio.SoftClip(ch, 0.9)
		}
	}

	b.meterPeak.Store(math.Float32bits(audio.Peak(out.Channels[0])))
	b.meterRMS.Store(math.Float32bits(audio.RMS(out.Channels[0])))
}

// Meters returns the master peak and RMS levels of the last chunk.
// Safe to call from any goroutine.
func (b *Bus) Meters() (peak, rms float32) {
	return math.Float32frombits(b.meterPeak.Load()),
		math.Float32frombits(b.meterRMS.Load())
}

// Snapshot is the read-only view of the bus for presentation.
type Snapshot struct {
	Crossfader float64
	Limiter    bool
	Peak       float32
	RMS        float32
	Strips     []StripInfo
}

// StripInfo mirrors one channel strip.
type StripInfo struct {
	DeckID int
	Volume float32
	Trim   float32
	Pan    float32
	Side   CrossfaderSide
}

// Snapshot captures the bus state.
func (b *Bus) Snapshot() Snapshot {
	peak, rms := b.Meters()
	snap := Snapshot{
		Crossfader: b.crossfader,
		Limiter:    b.limiter,
		Peak:       peak,
		RMS:        rms,
	}
	for _, s := range b.strips {
		snap.Strips = append(snap.Strips, StripInfo{
			DeckID: s.Deck.ID,
			Volume: s.Volume,
			Trim:   s.Trim,
			Pan:    s.Pan,
			Side:   s.Side,
		})
	}
	return snap
}

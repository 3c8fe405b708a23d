package deck

import (
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/openmixer/mixcore/pkg/audio"
	"github.com/openmixer/mixcore/pkg/fx"
)

var (
	// ErrNoTrackLoaded is returned by transport operations on an empty deck.
	ErrNoTrackLoaded = errors.New("deck: no track loaded")
	// ErrIncompatibleFormat is returned when a track cannot be played.
	ErrIncompatibleFormat = errors.New("deck: incompatible track format")
	// ErrInvalidRange is returned for loop or cue positions outside the
	// track, or loops whose start is not before their end.
	ErrInvalidRange = errors.New("deck: invalid range")
	// ErrUnknownCue is returned when jumping to a cue id that does not exist.
	ErrUnknownCue = errors.New("deck: unknown hot cue")
)

// TransportState is the deck's top-level playback state.
type TransportState int

const (
	Stopped TransportState = iota
	Playing
	Paused
)

func (s TransportState) String() string {
	switch s {
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	default:
		return "stopped"
	}
}

// SyncMode selects how the deck derives its effective playback rate.
type SyncMode int

const (
	// SyncFree plays at the deck's own pitch ratio.
	SyncFree SyncMode = iota
	// SyncFollow derives the rate from the sync group's master tempo.
	SyncFollow
	// SyncMaster makes this deck the tempo reference for followers.
	SyncMaster
)

func (m SyncMode) String() string {
	switch m {
	case SyncFollow:
		return "follow"
	case SyncMaster:
		return "master"
	default:
		return "free"
	}
}

// HotCue is an instantly recallable position within the loaded track.
type HotCue struct {
	ID       uuid.UUID
	Position int64
	Color    string
}

// Loop is an active loop region. Start is inclusive, End exclusive,
// Start < End always holds.
type Loop struct {
	Start int64
	End   int64
}

// Pitch ratio bounds. ±100% around unity is the widest range the engine
// accepts; the configured range may be narrower.
const (
	MinPitchRatio = 0.5
	MaxPitchRatio = 2.0
)

// Deck is one playback unit. It is created once per mixer session and has
// tracks swapped into it, never recreated. The deck exclusively owns its
// effects chain. All methods must be called from the engine's single
// command context; concurrent readers use Snapshot.
type Deck struct {
	ID   int
	Name string

	track    *Track
	state    TransportState
	position float64 // fractional sample position into the track

	pitch    float64
	minPitch float64
	maxPitch float64
	keylock  bool

	hotCues  []HotCue
	loop     *Loop
	quantize bool

	syncMode SyncMode
	group    *Group

	chain *fx.Chain
}

// New creates a deck with an empty effects chain and unity pitch.
func New(id int, name string) *Deck {
	return &Deck{
		ID:       id,
		Name:     name,
		pitch:    1.0,
		minPitch: MinPitchRatio,
		maxPitch: MaxPitchRatio,
		chain:    fx.NewChain(),
	}
}

// Chain returns the deck's effects chain. The chain's lifetime equals the
// deck's; it is never shared between decks.
func (d *Deck) Chain() *fx.Chain { return d.chain }

// Track returns the loaded track, or nil.
func (d *Deck) Track() *Track { return d.track }

// State returns the transport state.
func (d *Deck) State() TransportState { return d.state }

// Position returns the sample-accurate transport position.
func (d *Deck) Position() int64 { return int64(d.position) }

// SetPitchRange narrows the accepted pitch ratio range. Bounds outside the
// engine maximum are clamped; the current pitch is re-clamped to fit.
func (d *Deck) SetPitchRange(min, max float64) {
	if min < MinPitchRatio {
		min = MinPitchRatio
	}
	if max > MaxPitchRatio {
		max = MaxPitchRatio
	}
	if min > max {
		min, max = max, min
	}
	d.minPitch = min
	d.maxPitch = max
	d.SetPitch(d.pitch)
}

// Load binds a track to the deck. Position resets to zero, hot cues and
// the loop are cleared, pitch and keylock are preserved. Any in-flight
// analysis subscription for the previous track is the analyzer's to cancel;
// the deck only swaps state. Fails with ErrIncompatibleFormat if the track
// cannot be played, leaving the deck unchanged.
func (d *Deck) Load(t *Track) error {
	if t == nil || t.SampleRate <= 0 || t.Channels() < audio.Mono || t.Channels() > audio.Stereo {
		return fmt.Errorf("%w: unsupported channel layout or rate", ErrIncompatibleFormat)
	}
	d.track = t
	d.position = 0
	d.hotCues = nil
	d.loop = nil
	d.state = Stopped
	d.chain.Reset()
	return nil
}

// Unload removes the bound track and stops playback.
func (d *Deck) Unload() {
	d.track = nil
	d.position = 0
	d.hotCues = nil
	d.loop = nil
	d.state = Stopped
}

// Play starts or resumes playback. Fails with ErrNoTrackLoaded on an empty
// deck and changes nothing.
func (d *Deck) Play() error {
	if d.track == nil {
		return ErrNoTrackLoaded
	}
	d.state = Playing
	return nil
}

// Pause halts playback keeping the position.
func (d *Deck) Pause() {
	if d.state == Playing {
		d.state = Paused
	}
}

// Stop halts playback and rewinds to the start.
func (d *Deck) Stop() {
	d.state = Stopped
	d.position = 0
}

// SetPitch sets the deck's own pitch ratio, clamped to the configured
// range. Under follow sync the effective rate still comes from the master.
func (d *Deck) SetPitch(ratio float64) {
	if ratio < d.minPitch {
		ratio = d.minPitch
	}
	if ratio > d.maxPitch {
		ratio = d.maxPitch
	}
	d.pitch = ratio
}

// Pitch returns the deck's own pitch ratio.
func (d *Deck) Pitch() float64 { return d.pitch }

// SetKeylock decouples audible pitch from tempo changes.
func (d *Deck) SetKeylock(on bool) { d.keylock = on }

// Keylock reports whether keylock is enabled.
func (d *Deck) Keylock() bool { return d.keylock }

// EffectiveRatio is the playback rate actually applied. For a follower it
// is recomputed from the master's detected BPM and this track's BPM every
// call; deriving from source values each time keeps repeated recomputation
// idempotent and free of cumulative drift.
func (d *Deck) EffectiveRatio() float64 {
	if d.syncMode == SyncFollow && d.group != nil {
		if master := d.group.Master(); master != nil && master != d {
			masterBPM := master.currentBPM()
			ownBPM := 0.0
			if d.track != nil {
				ownBPM = d.track.BPM()
			}
			if masterBPM > 0 && ownBPM > 0 {
				ratio := masterBPM / ownBPM
				if ratio < d.minPitch {
					ratio = d.minPitch
				}
				if ratio > d.maxPitch {
					ratio = d.maxPitch
				}
				return ratio
			}
		}
	}
	return d.pitch
}

// currentBPM is the tempo this deck propagates to followers: track BPM
// scaled by the deck's own pitch.
func (d *Deck) currentBPM() float64 {
	if d.track == nil {
		return 0
	}
	return d.track.BPM() * d.pitch
}

// StretchFactor returns the time-stretch factor applied to playback. It
// always equals the effective ratio, keylock or not.
func (d *Deck) StretchFactor() float64 { return d.EffectiveRatio() }

// ShiftFactor returns the pitch-shift factor applied to the audible signal.
// With keylock on, the shifter compensates the varispeed transposition, so
// the factor is the reciprocal of the ratio; with keylock off the pitch
// follows the rate naturally.
func (d *Deck) ShiftFactor() float64 {
	r := d.EffectiveRatio()
	if d.keylock {
		return 1.0 / r
	}
	return r
}

// SyncMode returns the deck's sync mode.
func (d *Deck) SyncMode() SyncMode { return d.syncMode }

// AddHotCue stores a cue at the given sample position. Fails with
// ErrInvalidRange outside [0, frames).
func (d *Deck) AddHotCue(position int64, color string) (uuid.UUID, error) {
	if d.track == nil {
		return uuid.UUID{}, ErrNoTrackLoaded
	}
	if position < 0 || position >= d.track.Frames() {
		return uuid.UUID{}, fmt.Errorf("%w: cue at %d outside track", ErrInvalidRange, position)
	}
	if d.quantize {
		position = d.snapToBeat(position)
	}
	cue := HotCue{ID: uuid.New(), Position: position, Color: color}
	d.hotCues = append(d.hotCues, cue)
	return cue.ID, nil
}

// SetQuantize toggles beat snapping for new hot cues. Snapping needs a
// finished analysis with a beat grid; until then cues land where placed.
func (d *Deck) SetQuantize(on bool) { d.quantize = on }

// Quantize reports whether new hot cues snap to the beat grid.
func (d *Deck) Quantize() bool { return d.quantize }

// snapToBeat moves a position to the nearest grid line, clamped to the
// track.
func (d *Deck) snapToBeat(position int64) int64 {
	a := d.track.Analysis()
	if !a.Ready || a.BeatInterval <= 0 {
		return position
	}
	rel := position - a.BeatOffset
	beats := math.Round(float64(rel) / float64(a.BeatInterval))
	snapped := a.BeatOffset + int64(beats)*a.BeatInterval
	if snapped < 0 {
		snapped = 0
	}
	if max := d.track.Frames() - 1; snapped > max {
		snapped = max
	}
	return snapped
}

// RemoveHotCue deletes a stored cue.
func (d *Deck) RemoveHotCue(id uuid.UUID) error {
	for i, c := range d.hotCues {
		if c.ID == id {
			d.hotCues = append(d.hotCues[:i], d.hotCues[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownCue, id)
}

// HotCues returns the cues in creation order.
func (d *Deck) HotCues() []HotCue {
	out := make([]HotCue, len(d.hotCues))
	copy(out, d.hotCues)
	return out
}

// JumpToHotCue moves the transport to a stored cue. Jumping to a cue that
// lies outside an active loop clears the loop.
func (d *Deck) JumpToHotCue(id uuid.UUID) error {
	for _, c := range d.hotCues {
		if c.ID != id {
			continue
		}
		if d.loop != nil && (c.Position < d.loop.Start || c.Position >= d.loop.End) {
			d.loop = nil
		}
		d.position = float64(c.Position)
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnknownCue, id)
}

// SetLoop activates a loop over [start, end). Fails with ErrInvalidRange
// when start >= end or either bound is outside the track; an existing loop
// is left untouched on failure.
func (d *Deck) SetLoop(start, end int64) error {
	if d.track == nil {
		return ErrNoTrackLoaded
	}
	if start >= end || start < 0 || end > d.track.Frames() {
		return fmt.Errorf("%w: loop [%d, %d)", ErrInvalidRange, start, end)
	}
	d.loop = &Loop{Start: start, End: end}
	return nil
}

// ClearLoop deactivates any loop.
func (d *Deck) ClearLoop() { d.loop = nil }

// Loop returns the active loop, or nil.
func (d *Deck) Loop() *Loop {
	if d.loop == nil {
		return nil
	}
	l := *d.loop
	return &l
}

// Seek moves the transport position, clamped to the track bounds.
func (d *Deck) Seek(position int64) {
	if d.track == nil {
		return
	}
	if position < 0 {
		position = 0
	}
	if max := d.track.Frames(); position > max {
		position = max
	}
	d.position = float64(position)
}

// ApplyAnalysis publishes finished analysis results for the loaded track.
// Results for a track that is no longer loaded are dropped.
func (d *Deck) ApplyAnalysis(trackID uuid.UUID, a Analysis) {
	if d.track == nil || d.track.ID != trackID {
		return
	}
	a.Ready = true
	d.track.analysis = a
}

// Render reads the next buffer of audio from the track at the effective
// rate, honoring the loop region, and runs it through the effects chain.
// Varispeed reads use linear interpolation. While stopped or paused the
// buffer is cleared. Returns false once the track end has been reached.
func (d *Deck) Render(buf *audio.Buffer) bool {
	if d.state != Playing || d.track == nil {
		buf.Clear()
		return d.track != nil
	}

	ratio := d.EffectiveRatio()
	frames := d.track.Frames()
	n := buf.Frames()
	channels := buf.NumChannels()

	for i := 0; i < n; i++ {
		// Loop wrap happens on the advancing position, carrying overshoot.
		// A loop ending at the track end wraps at the last playable frame
		// so the end-of-track stop below never fires inside it.
		if d.loop != nil {
			end := d.loop.End
			if last := frames - 1; end > last {
				end = last
			}
			if int64(d.position) >= end {
				d.position = float64(d.loop.Start) + (d.position - float64(end))
			}
		}
		if int64(d.position) >= frames-1 {
			for ch := 0; ch < channels; ch++ {
				audio.Clear(buf.Channels[ch][i:])
			}
			d.state = Stopped
			d.position = 0
			return false
		}

		idx := int64(d.position)
		frac := float32(d.position - float64(idx))
		for ch := 0; ch < channels; ch++ {
			src := d.track.Samples[ch%d.track.Channels()]
			s1 := src[idx]
			s2 := src[idx+1]
			buf.Channels[ch][i] = s1*(1-frac) + s2*frac
		}
		d.position += ratio
	}

	d.chain.Process(buf)
	return true
}

// Snapshot is a read-only copy of the deck state for presentation.
type Snapshot struct {
	ID             int
	Name           string
	TrackID        uuid.UUID
	TrackTitle     string
	State          string
	Position       int64
	Pitch          float64
	EffectiveRatio float64
	Keylock        bool
	SyncMode       string
	BPM            float64
	HotCues        []HotCue
	Loop           *Loop
	Effects        []fx.SlotInfo
}

// Snapshot captures the deck state. The returned value shares nothing with
// the live deck.
func (d *Deck) Snapshot() Snapshot {
	s := Snapshot{
		ID:             d.ID,
		Name:           d.Name,
		State:          d.state.String(),
		Position:       d.Position(),
		Pitch:          d.pitch,
		EffectiveRatio: d.EffectiveRatio(),
		Keylock:        d.keylock,
		SyncMode:       d.syncMode.String(),
		HotCues:        d.HotCues(),
		Loop:           d.Loop(),
		Effects:        d.chain.Snapshot(),
	}
	if d.track != nil {
		s.TrackID = d.track.ID
		s.TrackTitle = d.track.Title
		s.BPM = d.track.BPM()
	}
	return s
}

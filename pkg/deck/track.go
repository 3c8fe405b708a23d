// Package deck implements the per-deck playback engine: transport state,
// pitch and keylock, hot cues, loops, and master/follower tempo sync.
package deck

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Mode is the tonality of a detected musical key.
type Mode int

const (
	ModeMajor Mode = iota
	ModeMinor
)

var pitchClassNames = [12]string{
	"C", "C#", "D", "D#", "E", "F", "F#", "G", "G#", "A", "A#", "B",
}

// Key is a symbolic musical key: pitch class plus mode.
type Key struct {
	PitchClass int // 0 = C .. 11 = B
	Mode       Mode
}

func (k Key) String() string {
	name := pitchClassNames[((k.PitchClass%12)+12)%12]
	if k.Mode == ModeMinor {
		return name + "m"
	}
	return name
}

// Analysis holds the derived description of a track. Ready reports whether
// the values come from a finished analysis pass; until then decks sync on
// provisional defaults.
type Analysis struct {
	BPM          float64
	Key          Key
	Energy       float64 // [0,1]
	BeatOffset   int64   // first beat position in samples
	BeatInterval int64   // samples per beat
	Ready        bool
}

// Track is an immutable handle to decoded audio plus its analysis. Samples
// are channel planar. The analysis may be recomputed asynchronously; a new
// Analysis value is swapped in through the owning deck without touching
// playback.
type Track struct {
	ID         uuid.UUID
	Title      string
	SampleRate float64
	Samples    [][]float32

	analysis Analysis
}

// NewTrack builds a track from decoded samples. The sample data is adopted,
// not copied; callers must not mutate it afterwards.
func NewTrack(title string, sampleRate float64, samples [][]float32) (*Track, error) {
	if sampleRate <= 0 || len(samples) == 0 || len(samples[0]) == 0 {
		return nil, fmt.Errorf("%w: empty or unsampled audio", ErrIncompatibleFormat)
	}
	for _, ch := range samples[1:] {
		if len(ch) != len(samples[0]) {
			return nil, fmt.Errorf("%w: ragged channel lengths", ErrIncompatibleFormat)
		}
	}
	return &Track{
		ID:         uuid.New(),
		Title:      title,
		SampleRate: sampleRate,
		Samples:    samples,
	}, nil
}

// Channels returns the channel count.
func (t *Track) Channels() int { return len(t.Samples) }

// Frames returns the per-channel sample count.
func (t *Track) Frames() int64 { return int64(len(t.Samples[0])) }

// Duration returns the playing time at unity pitch.
func (t *Track) Duration() time.Duration {
	return time.Duration(float64(t.Frames()) / t.SampleRate * float64(time.Second))
}

// Analysis returns the current analysis values.
func (t *Track) Analysis() Analysis { return t.analysis }

// BPM returns the detected tempo, or 0 if analysis has not completed.
func (t *Track) BPM() float64 {
	if !t.analysis.Ready {
		return 0
	}
	return t.analysis.BPM
}

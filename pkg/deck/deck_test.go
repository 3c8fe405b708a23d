package deck

import (
	"errors"
	"math"
	"testing"

	"github.com/google/uuid"
	"github.com/openmixer/mixcore/pkg/audio"
)

// toneTrack builds a stereo test track of the given length in seconds.
func toneTrack(t *testing.T, title string, seconds float64) *Track {
	t.Helper()
	frames := int(seconds * audio.SampleRate44k1)
	samples := make([][]float32, 2)
	for ch := range samples {
		samples[ch] = make([]float32, frames)
		for i := range samples[ch] {
			samples[ch][i] = float32(0.5 * math.Sin(2*math.Pi*220*float64(i)/audio.SampleRate44k1))
		}
	}
	tr, err := NewTrack(title, audio.SampleRate44k1, samples)
	if err != nil {
		t.Fatalf("NewTrack: %v", err)
	}
	return tr
}

func analyzedTrack(t *testing.T, title string, bpm float64) *Track {
	t.Helper()
	tr := toneTrack(t, title, 2)
	tr.analysis = Analysis{BPM: bpm, Ready: true}
	return tr
}

func TestPlayWithoutTrack(t *testing.T) {
	d := New(1, "deck 1")
	if err := d.Play(); !errors.Is(err, ErrNoTrackLoaded) {
		t.Errorf("Play on empty deck: got %v, want ErrNoTrackLoaded", err)
	}
	if d.State() != Stopped {
		t.Errorf("Failed Play mutated state: got %s", d.State())
	}
}

func TestTransportStateMachine(t *testing.T) {
	d := New(1, "deck 1")
	if err := d.Load(toneTrack(t, "a", 1)); err != nil {
		t.Fatal(err)
	}

	if err := d.Play(); err != nil {
		t.Fatal(err)
	}
	if d.State() != Playing {
		t.Errorf("After Play: %s", d.State())
	}

	d.Pause()
	if d.State() != Paused {
		t.Errorf("After Pause: %s", d.State())
	}

	if err := d.Play(); err != nil {
		t.Fatal(err)
	}
	if d.State() != Playing {
		t.Errorf("After resume: %s", d.State())
	}

	d.Seek(1000)
	d.Stop()
	if d.State() != Stopped || d.Position() != 0 {
		t.Errorf("After Stop: state %s, position %d", d.State(), d.Position())
	}
}

func TestLoadResetsPlaybackKeepsPitch(t *testing.T) {
	d := New(1, "deck 1")
	if err := d.Load(toneTrack(t, "a", 1)); err != nil {
		t.Fatal(err)
	}
	d.SetPitch(1.25)
	d.SetKeylock(true)
	if _, err := d.AddHotCue(100, "red"); err != nil {
		t.Fatal(err)
	}
	if err := d.SetLoop(0, 500); err != nil {
		t.Fatal(err)
	}
	d.Seek(2000)

	if err := d.Load(toneTrack(t, "b", 1)); err != nil {
		t.Fatal(err)
	}

	if d.Position() != 0 {
		t.Errorf("Position not reset: %d", d.Position())
	}
	if len(d.HotCues()) != 0 {
		t.Error("Hot cues survived load")
	}
	if d.Loop() != nil {
		t.Error("Loop survived load")
	}
	if d.Pitch() != 1.25 || !d.Keylock() {
		t.Error("Pitch or keylock not preserved across load")
	}
}

func TestLoadIncompatibleFormat(t *testing.T) {
	d := New(1, "deck 1")
	good := toneTrack(t, "a", 1)
	if err := d.Load(good); err != nil {
		t.Fatal(err)
	}
	d.Seek(123)

	bad := &Track{ID: uuid.New(), SampleRate: 0, Samples: [][]float32{make([]float32, 10)}}
	if err := d.Load(bad); !errors.Is(err, ErrIncompatibleFormat) {
		t.Errorf("Got %v, want ErrIncompatibleFormat", err)
	}
	// Prior state untouched.
	if d.Track() != good || d.Position() != 123 {
		t.Error("Failed load mutated deck state")
	}
}

func TestPitchClamping(t *testing.T) {
	d := New(1, "deck 1")
	d.SetPitch(5.0)
	if d.Pitch() != MaxPitchRatio {
		t.Errorf("Over-range pitch: got %f, want %f", d.Pitch(), MaxPitchRatio)
	}
	d.SetPitch(0.1)
	if d.Pitch() != MinPitchRatio {
		t.Errorf("Under-range pitch: got %f, want %f", d.Pitch(), MinPitchRatio)
	}
}

func TestKeylockFactorContract(t *testing.T) {
	d := New(1, "deck 1")
	if err := d.Load(toneTrack(t, "a", 1)); err != nil {
		t.Fatal(err)
	}

	for _, ratio := range []float64{0.5, 0.8, 1.0, 1.333, 2.0} {
		d.SetPitch(ratio)

		d.SetKeylock(false)
		if got := d.StretchFactor(); got != ratio {
			t.Errorf("Stretch without keylock: got %f, want %f", got, ratio)
		}
		if got := d.ShiftFactor(); got != ratio {
			t.Errorf("Shift without keylock: got %f, want %f", got, ratio)
		}

		d.SetKeylock(true)
		if got := d.StretchFactor(); got != ratio {
			t.Errorf("Stretch with keylock: got %f, want %f", got, ratio)
		}
		if got := d.ShiftFactor(); math.Abs(got-1.0/ratio) > 1e-12 {
			t.Errorf("Shift with keylock: got %f, want %f", got, 1.0/ratio)
		}
	}
}

func TestSingleMasterAtATime(t *testing.T) {
	d1 := New(1, "deck 1")
	d2 := New(2, "deck 2")
	d3 := New(3, "deck 3")
	g := NewGroup(d1, d2, d3)

	g.SetSync(d1, SyncMaster)
	if g.Master() != d1 || d1.SyncMode() != SyncMaster {
		t.Fatal("First master not set")
	}

	g.SetSync(d2, SyncMaster)
	if g.Master() != d2 {
		t.Error("Second master not promoted")
	}
	if d1.SyncMode() == SyncMaster {
		t.Error("First master not demoted")
	}

	masters := 0
	for _, d := range g.Decks() {
		if d.SyncMode() == SyncMaster {
			masters++
		}
	}
	if masters != 1 {
		t.Errorf("Master count: got %d, want 1", masters)
	}

	g.SetSync(d2, SyncFree)
	if g.Master() != nil {
		t.Error("Clearing the master left a stale reference")
	}
}

func TestFollowerRatioFromMasterBPM(t *testing.T) {
	d1 := New(1, "deck 1")
	d2 := New(2, "deck 2")
	g := NewGroup(d1, d2)

	if err := d1.Load(analyzedTrack(t, "a", 128)); err != nil {
		t.Fatal(err)
	}
	if err := d2.Load(analyzedTrack(t, "b", 96)); err != nil {
		t.Fatal(err)
	}
	g.SetSync(d1, SyncMaster)
	g.SetSync(d2, SyncFollow)

	want := 128.0 / 96.0
	if got := d2.EffectiveRatio(); math.Abs(got-want) > 1e-9 {
		t.Errorf("Follower ratio: got %f, want %f", got, want)
	}

	// Recomputation from the same master tempo never compounds.
	first := d2.EffectiveRatio()
	second := d2.EffectiveRatio()
	if first != second {
		t.Errorf("Follower ratio drifted: %f then %f", first, second)
	}

	// Master pitch shifts propagate through detected tempo.
	d1.SetPitch(0.9)
	want = 128.0 * 0.9 / 96.0
	if got := d2.EffectiveRatio(); math.Abs(got-want) > 1e-9 {
		t.Errorf("Follower ratio after master pitch: got %f, want %f", got, want)
	}
}

func TestFollowerWithoutAnalysisUsesOwnPitch(t *testing.T) {
	d1 := New(1, "deck 1")
	d2 := New(2, "deck 2")
	g := NewGroup(d1, d2)

	if err := d1.Load(analyzedTrack(t, "a", 128)); err != nil {
		t.Fatal(err)
	}
	if err := d2.Load(toneTrack(t, "b", 1)); err != nil { // no analysis yet
		t.Fatal(err)
	}
	g.SetSync(d1, SyncMaster)
	g.SetSync(d2, SyncFollow)
	d2.SetPitch(1.1)

	if got := d2.EffectiveRatio(); got != 1.1 {
		t.Errorf("Provisional ratio: got %f, want own pitch 1.1", got)
	}
}

func TestSetLoopInvalidRange(t *testing.T) {
	d := New(1, "deck 1")
	if err := d.Load(toneTrack(t, "a", 1)); err != nil {
		t.Fatal(err)
	}
	if err := d.SetLoop(100, 200); err != nil {
		t.Fatal(err)
	}

	cases := []struct{ start, end int64 }{
		{200, 200},   // start == end
		{300, 200},   // start > end
		{-1, 100},    // negative start
		{0, 1 << 40}, // end past track
	}
	for _, tc := range cases {
		if err := d.SetLoop(tc.start, tc.end); !errors.Is(err, ErrInvalidRange) {
			t.Errorf("SetLoop(%d, %d): got %v, want ErrInvalidRange", tc.start, tc.end, err)
		}
	}

	// Prior loop untouched by the failures.
	if l := d.Loop(); l == nil || l.Start != 100 || l.End != 200 {
		t.Errorf("Existing loop mutated: %+v", d.Loop())
	}
}

func TestHotCueBoundsAndJump(t *testing.T) {
	d := New(1, "deck 1")
	tr := toneTrack(t, "a", 1)
	if err := d.Load(tr); err != nil {
		t.Fatal(err)
	}

	if _, err := d.AddHotCue(tr.Frames(), "red"); !errors.Is(err, ErrInvalidRange) {
		t.Errorf("Cue at duration: got %v, want ErrInvalidRange", err)
	}
	if _, err := d.AddHotCue(-1, "red"); !errors.Is(err, ErrInvalidRange) {
		t.Errorf("Negative cue: got %v, want ErrInvalidRange", err)
	}

	inside, err := d.AddHotCue(150, "green")
	if err != nil {
		t.Fatal(err)
	}
	outside, err := d.AddHotCue(5000, "blue")
	if err != nil {
		t.Fatal(err)
	}
	if err := d.SetLoop(100, 200); err != nil {
		t.Fatal(err)
	}

	// Jump inside the loop keeps it.
	if err := d.JumpToHotCue(inside); err != nil {
		t.Fatal(err)
	}
	if d.Loop() == nil {
		t.Error("Jump inside loop cleared it")
	}
	if d.Position() != 150 {
		t.Errorf("Position after jump: %d", d.Position())
	}

	// Jump outside the loop clears it.
	if err := d.JumpToHotCue(outside); err != nil {
		t.Fatal(err)
	}
	if d.Loop() != nil {
		t.Error("Jump outside loop did not clear it")
	}

	if err := d.JumpToHotCue(uuid.New()); !errors.Is(err, ErrUnknownCue) {
		t.Errorf("Unknown cue: got %v, want ErrUnknownCue", err)
	}
}

func TestQuantizedHotCueSnapsToGrid(t *testing.T) {
	d := New(1, "deck 1")
	tr := toneTrack(t, "a", 2)
	tr.analysis = Analysis{BPM: 120, BeatOffset: 1000, BeatInterval: 22050, Ready: true}
	if err := d.Load(tr); err != nil {
		t.Fatal(err)
	}
	d.SetQuantize(true)

	// 1000 + 22050 = 23050 is the nearest grid line to 24000.
	id, err := d.AddHotCue(24000, "red")
	if err != nil {
		t.Fatal(err)
	}
	cues := d.HotCues()
	if len(cues) != 1 || cues[0].ID != id {
		t.Fatalf("HotCues after add: %v", cues)
	}
	if got := cues[0].Position; got != 23050 {
		t.Errorf("Snapped position: got %d, want 23050", got)
	}

	// Without quantize the position lands where placed.
	d.SetQuantize(false)
	if _, err := d.AddHotCue(24000, "blue"); err != nil {
		t.Fatal(err)
	}
	if got := d.HotCues()[1].Position; got != 24000 {
		t.Errorf("Unquantized position: got %d, want 24000", got)
	}
}

func TestRenderLoopWraps(t *testing.T) {
	d := New(1, "deck 1")
	if err := d.Load(toneTrack(t, "a", 1)); err != nil {
		t.Fatal(err)
	}
	if err := d.SetLoop(0, 1000); err != nil {
		t.Fatal(err)
	}
	if err := d.Play(); err != nil {
		t.Fatal(err)
	}

	buf := audio.NewBuffer(audio.Stereo, 512, audio.SampleRate44k1)
	for i := 0; i < 10; i++ {
		d.Render(buf)
	}

	if pos := d.Position(); pos >= 1000 {
		t.Errorf("Loop did not wrap: position %d", pos)
	}
	if d.State() != Playing {
		t.Errorf("Loop playback stopped: %s", d.State())
	}
}

func TestRenderLoopAtTrackEndWraps(t *testing.T) {
	samples := make([][]float32, 2)
	for ch := range samples {
		samples[ch] = make([]float32, 1000)
	}
	tr, err := NewTrack("short", audio.SampleRate44k1, samples)
	if err != nil {
		t.Fatal(err)
	}

	d := New(1, "deck 1")
	if err := d.Load(tr); err != nil {
		t.Fatal(err)
	}
	// A loop reaching the track end must wrap, not hit the end-of-track
	// stop.
	if err := d.SetLoop(100, tr.Frames()); err != nil {
		t.Fatal(err)
	}
	if err := d.Play(); err != nil {
		t.Fatal(err)
	}

	buf := audio.NewBuffer(audio.Stereo, 512, audio.SampleRate44k1)
	for i := 0; i < 10; i++ {
		d.Render(buf)
	}

	if d.State() != Playing {
		t.Fatalf("Loop at track end stopped playback: %s", d.State())
	}
	if pos := d.Position(); pos < 100 || pos >= tr.Frames() {
		t.Errorf("Position outside loop after wrap: %d", pos)
	}
}

func TestRenderStopsAtTrackEnd(t *testing.T) {
	d := New(1, "deck 1")
	if err := d.Load(toneTrack(t, "a", 0.05)); err != nil {
		t.Fatal(err)
	}
	if err := d.Play(); err != nil {
		t.Fatal(err)
	}

	buf := audio.NewBuffer(audio.Stereo, 512, audio.SampleRate44k1)
	alive := true
	for i := 0; i < 20 && alive; i++ {
		alive = d.Render(buf)
	}
	if alive {
		t.Fatal("Render never reported track end")
	}
	if d.State() != Stopped {
		t.Errorf("State at end: %s", d.State())
	}
}

func TestRenderSilentWhilePaused(t *testing.T) {
	d := New(1, "deck 1")
	if err := d.Load(toneTrack(t, "a", 1)); err != nil {
		t.Fatal(err)
	}

	buf := audio.NewBuffer(audio.Stereo, 256, audio.SampleRate44k1)
	buf.Channels[0][0] = 0.9 // stale data must be cleared
	d.Render(buf)
	if audio.Peak(buf.Channels[0]) != 0 {
		t.Error("Stopped deck rendered non-silence")
	}
}

func TestApplyAnalysisIgnoresStaleTrack(t *testing.T) {
	d := New(1, "deck 1")
	old := toneTrack(t, "old", 1)
	if err := d.Load(old); err != nil {
		t.Fatal(err)
	}
	current := toneTrack(t, "new", 1)
	if err := d.Load(current); err != nil {
		t.Fatal(err)
	}

	d.ApplyAnalysis(old.ID, Analysis{BPM: 140})
	if current.Analysis().Ready {
		t.Error("Stale analysis applied to the wrong track")
	}

	d.ApplyAnalysis(current.ID, Analysis{BPM: 124})
	if got := current.BPM(); got != 124 {
		t.Errorf("BPM after analysis: got %f, want 124", got)
	}
}

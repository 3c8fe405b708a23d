package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/openmixer/mixcore/pkg/audio"
	"github.com/openmixer/mixcore/pkg/control"
	"github.com/openmixer/mixcore/pkg/deck"
	"github.com/openmixer/mixcore/pkg/fx"
	"github.com/openmixer/mixcore/pkg/mixbus"
)

func testTrack(t *testing.T, frames int) *deck.Track {
	t.Helper()
	samples := [][]float32{make([]float32, frames), make([]float32, frames)}
	for i := range samples[0] {
		samples[0][i] = 0.5
		samples[1][i] = 0.5
	}
	tr, err := deck.NewTrack("test", audio.SampleRate48k, samples)
	if err != nil {
		t.Fatalf("NewTrack: %v", err)
	}
	return tr
}

func newTestSession(t *testing.T) *Session {
	t.Helper()
	return New(Config{Decks: 2, SampleRate: audio.SampleRate48k, ChunkFrames: 256}, nil)
}

func TestStepAppliesQueuedCommands(t *testing.T) {
	s := newTestSession(t)
	tr := testTrack(t, audio.SampleRate48k)

	s.Submit(Command{Kind: CmdLoad, Deck: 0, Ptr: tr})
	s.Submit(Command{Kind: CmdPlay, Deck: 0})
	s.Step(nil)

	d := s.Decks()[0]
	if d.State() != deck.Playing {
		t.Fatalf("deck state = %v, want playing", d.State())
	}
	if d.Position() == 0 {
		t.Error("position did not advance after a rendered chunk")
	}
}

func TestStepDeliversAudioToSink(t *testing.T) {
	s := newTestSession(t)
	tr := testTrack(t, audio.SampleRate48k)
	s.Submit(Command{Kind: CmdLoad, Deck: 0, Ptr: tr})
	s.Submit(Command{Kind: CmdPlay, Deck: 0})

	var got *audio.Buffer
	s.Step(func(b *audio.Buffer) { got = b })
	if got == nil {
		t.Fatal("sink never called")
	}
	if got.Frames() != 256 {
		t.Errorf("chunk frames = %d, want 256", got.Frames())
	}
	if audio.Peak(got.Channels[0]) == 0 {
		t.Error("playing deck produced silence")
	}
}

func TestMixerCommandsReachBus(t *testing.T) {
	s := newTestSession(t)
	s.Submit(Command{Kind: CmdSetVolume, Deck: 0, Value: 0.25})
	s.Submit(Command{Kind: CmdSetCrossfader, Value: 1.0})
	s.Step(nil)

	if v := s.Bus().Strip(0).Volume; v != 0.25 {
		t.Errorf("strip volume = %v, want 0.25", v)
	}
	if x := s.Bus().Crossfader(); x != 1.0 {
		t.Errorf("crossfader = %v, want 1", x)
	}
}

func TestInvalidDeckCommandCountsError(t *testing.T) {
	s := newTestSession(t)
	s.Submit(Command{Kind: CmdPlay, Deck: 9})
	s.Step(nil)
	if s.cmdErrs.Load() != 1 {
		t.Errorf("cmdErrs = %d, want 1", s.cmdErrs.Load())
	}
}

func TestShedAndRestoreEffects(t *testing.T) {
	s := newTestSession(t)
	d := s.Decks()[0]
	r, err := fx.New(fx.TypeReverb, audio.SampleRate48k)
	if err != nil {
		t.Fatalf("fx.New: %v", err)
	}
	id := d.Chain().Append(r)

	if !s.ReduceEffects() {
		t.Fatal("ReduceEffects rejected")
	}
	s.Step(nil)
	if d.Chain().EnabledCount() != 0 {
		t.Fatal("shed did not disable the unit")
	}

	if !s.RestoreEffects() {
		t.Fatal("RestoreEffects rejected")
	}
	s.Step(nil)
	if d.Chain().EnabledCount() != 1 {
		t.Fatal("restore did not re-enable the unit")
	}
	for _, slot := range d.Chain().Snapshot() {
		if slot.ID == id && !slot.Enabled {
			t.Error("restored slot still disabled")
		}
	}
}

func TestChunkShrinksAndRestores(t *testing.T) {
	s := newTestSession(t)
	if !s.ReduceLatency() {
		t.Fatal("ReduceLatency rejected at default chunk")
	}
	s.Step(nil)
	if s.out.Frames() != 128 {
		t.Errorf("chunk after reduce = %d, want 128", s.out.Frames())
	}

	if !s.RestoreLatency() {
		t.Fatal("RestoreLatency rejected")
	}
	s.Step(nil)
	if s.out.Frames() != 256 {
		t.Errorf("chunk after restore = %d, want 256", s.out.Frames())
	}
	// At the configured size there is nothing left to restore.
	if s.RestoreLatency() {
		t.Error("RestoreLatency exceeded the configured chunk size")
	}
}

func TestChunkFloor(t *testing.T) {
	s := newTestSession(t)
	for s.ReduceLatency() {
	}
	s.Step(nil)
	if s.out.Frames() < audio.MinChunkSize {
		t.Errorf("chunk = %d, below floor %d", s.out.Frames(), audio.MinChunkSize)
	}
}

type solidSource struct{}

func (solidSource) Frame() (*audio.Frame, bool) {
	f := audio.NewRGBAFrame(8, 8)
	return f, true
}

func TestVideoDegradationLadder(t *testing.T) {
	s := newTestSession(t)
	s.Compositor().AddNode(&mixbus.Node{Source: solidSource{}})

	// Two divisor steps, then node hiding.
	if !s.ReduceVideo() || s.Compositor().ResolutionDivisor() != 2 {
		t.Fatalf("step 1: divisor = %d, want 2", s.Compositor().ResolutionDivisor())
	}
	if !s.ReduceVideo() || s.Compositor().ResolutionDivisor() != 4 {
		t.Fatalf("step 2: divisor = %d, want 4", s.Compositor().ResolutionDivisor())
	}
	if !s.ReduceVideo() {
		t.Fatal("step 3: expected a node to be hidden")
	}
	// The only node is non-essential and now hidden; nothing left.
	if s.ReduceVideo() {
		t.Error("step 4: degraded past the floor")
	}

	// Restoration unwinds in reverse order.
	if !s.RestoreVideo() {
		t.Fatal("restore 1 failed")
	}
	if !s.RestoreVideo() || s.Compositor().ResolutionDivisor() != 2 {
		t.Fatalf("restore 2: divisor = %d, want 2", s.Compositor().ResolutionDivisor())
	}
	if !s.RestoreVideo() || s.Compositor().ResolutionDivisor() != 1 {
		t.Fatalf("restore 3: divisor = %d, want 1", s.Compositor().ResolutionDivisor())
	}
	if s.RestoreVideo() {
		t.Error("restore past full quality succeeded")
	}
}

func TestDispatchRoutesControlEvents(t *testing.T) {
	s := newTestSession(t)
	tr := testTrack(t, audio.SampleRate48k)
	s.Submit(Command{Kind: CmdLoad, Deck: 0, Ptr: tr})
	s.Step(nil)

	s.Dispatch(control.Mapping{Action: control.ActionPlay, Target: "0"}, 1.0)
	s.Dispatch(control.Mapping{Action: control.ActionVolume, Target: "1"}, 0.5)
	s.Dispatch(control.Mapping{Action: control.ActionCrossfader}, 0.0)
	s.Step(nil)

	if s.Decks()[0].State() != deck.Playing {
		t.Error("play gesture did not start the deck")
	}
	if v := s.Bus().Strip(1).Volume; v != 0.5 {
		t.Errorf("volume = %v, want 0.5", v)
	}
	if x := s.Bus().Crossfader(); x != 0 {
		t.Errorf("crossfader = %v, want 0", x)
	}
}

func TestDispatchButtonBelowThresholdIgnored(t *testing.T) {
	s := newTestSession(t)
	tr := testTrack(t, audio.SampleRate48k)
	s.Submit(Command{Kind: CmdLoad, Deck: 0, Ptr: tr})
	s.Step(nil)

	s.Dispatch(control.Mapping{Action: control.ActionPlay, Target: "0"}, 0.2)
	s.Step(nil)
	if s.Decks()[0].State() == deck.Playing {
		t.Error("sub-threshold button value started playback")
	}
}

func TestDispatchPitchCenterIsUnity(t *testing.T) {
	s := newTestSession(t)
	tr := testTrack(t, audio.SampleRate48k)
	s.Submit(Command{Kind: CmdLoad, Deck: 0, Ptr: tr})
	s.Step(nil)

	s.Dispatch(control.Mapping{Action: control.ActionPitch, Target: "0"}, 0.5)
	s.Step(nil)
	if p := s.Decks()[0].Pitch(); p < 0.999 || p > 1.001 {
		t.Errorf("pitch at fader center = %v, want 1.0", p)
	}

	s.Dispatch(control.Mapping{Action: control.ActionPitch, Target: "0"}, 1.0)
	s.Step(nil)
	if p := s.Decks()[0].Pitch(); p != deck.MaxPitchRatio {
		t.Errorf("pitch at fader max = %v, want %v", p, deck.MaxPitchRatio)
	}
}

func TestSnapshotReflectsSession(t *testing.T) {
	s := newTestSession(t)
	tr := testTrack(t, audio.SampleRate48k)
	s.Submit(Command{Kind: CmdLoad, Deck: 0, Ptr: tr})
	s.Submit(Command{Kind: CmdPlay, Deck: 0})
	s.Step(nil)

	snap := s.Snapshot()
	if len(snap.Decks) != 2 {
		t.Fatalf("snapshot decks = %d, want 2", len(snap.Decks))
	}
	if snap.Decks[0].State != "playing" {
		t.Errorf("deck 0 state = %q, want playing", snap.Decks[0].State)
	}
	if snap.ChunkFrames != 256 {
		t.Errorf("chunk frames = %d, want 256", snap.ChunkFrames)
	}
}

func TestCacheEvictionSkipsLoadedTracks(t *testing.T) {
	s := newTestSession(t)
	loaded := testTrack(t, audio.SampleRate48k)
	idle := testTrack(t, audio.SampleRate48k)

	s.cache.Put(loaded)
	s.cache.Put(idle)
	s.Submit(Command{Kind: CmdLoad, Deck: 0, Ptr: loaded})
	s.Step(nil)

	// loaded was cached first, so it is the LRU candidate, but the pin
	// protects it.
	if !s.ReduceMemory() {
		t.Fatal("eviction found no victim")
	}
	if _, ok := s.cache.Get(loaded.ID); !ok {
		t.Error("loaded track was evicted")
	}
	if _, ok := s.cache.Get(idle.ID); ok {
		t.Error("idle track survived eviction")
	}
	// Only the pinned track remains; nothing more to evict.
	if s.ReduceMemory() {
		t.Error("eviction removed a pinned track")
	}
}

func TestSnapshotIsPublishedByRenderStep(t *testing.T) {
	s := newTestSession(t)
	if got := len(s.Snapshot().Decks); got != 2 {
		t.Fatalf("fresh snapshot decks = %d, want 2", got)
	}

	tr := testTrack(t, audio.SampleRate48k)
	s.Submit(Command{Kind: CmdLoad, Deck: 0, Ptr: tr})
	s.Submit(Command{Kind: CmdPlay, Deck: 0})

	// Queued commands are invisible until the render loop publishes.
	if st := s.Snapshot().Decks[0].State; st != "stopped" {
		t.Errorf("pre-step snapshot state = %q, want stopped", st)
	}
	s.Step(nil)
	if st := s.Snapshot().Decks[0].State; st != "playing" {
		t.Errorf("post-step snapshot state = %q, want playing", st)
	}
}

func TestSetSyncAppliedOnRenderStep(t *testing.T) {
	s := newTestSession(t)
	if err := s.SetSync(0, deck.SyncMaster); err != nil {
		t.Fatal(err)
	}
	if mode := s.Decks()[0].SyncMode(); mode != deck.SyncFree {
		t.Fatalf("sync mode changed before the render step: %v", mode)
	}
	s.Step(nil)
	if mode := s.Decks()[0].SyncMode(); mode != deck.SyncMaster {
		t.Errorf("sync mode after step = %v, want master", mode)
	}

	s.Dispatch(control.Mapping{Action: control.ActionSync, Target: "1", Parameter: "follow"}, 1.0)
	s.Step(nil)
	if mode := s.Decks()[1].SyncMode(); mode != deck.SyncFollow {
		t.Errorf("dispatched sync mode = %v, want follow", mode)
	}
}

func TestLoadTrackCancelsDisplacedAnalysis(t *testing.T) {
	s := newTestSession(t)
	var cancelled []uuid.UUID
	s.cancelAnalysis = func(id uuid.UUID) { cancelled = append(cancelled, id) }

	a := testTrack(t, audio.SampleRate48k)
	b := testTrack(t, audio.SampleRate48k)
	ctx := context.Background()

	if err := s.LoadTrack(ctx, 0, a); err != nil {
		t.Fatal(err)
	}
	if len(cancelled) != 0 {
		t.Fatalf("first load cancelled %v", cancelled)
	}

	// Loading the same track on another deck must not cancel it.
	if err := s.LoadTrack(ctx, 1, a); err != nil {
		t.Fatal(err)
	}
	if err := s.LoadTrack(ctx, 1, b); err != nil {
		t.Fatal(err)
	}
	if len(cancelled) != 0 {
		t.Fatalf("displacing a track still held by deck 0 cancelled %v", cancelled)
	}

	// Displacing the last copy cancels its analysis.
	if err := s.LoadTrack(ctx, 0, b); err != nil {
		t.Fatal(err)
	}
	if len(cancelled) != 1 || cancelled[0] != a.ID {
		t.Errorf("cancelled = %v, want [%s]", cancelled, a.ID)
	}
}

func TestUnloadTrackClearsDeckAndCancelsAnalysis(t *testing.T) {
	s := newTestSession(t)
	var cancelled []uuid.UUID
	s.cancelAnalysis = func(id uuid.UUID) { cancelled = append(cancelled, id) }

	tr := testTrack(t, audio.SampleRate48k)
	if err := s.LoadTrack(context.Background(), 0, tr); err != nil {
		t.Fatal(err)
	}
	s.Step(nil)
	if s.Decks()[0].Track() == nil {
		t.Fatal("track not loaded after step")
	}

	if err := s.UnloadTrack(0); err != nil {
		t.Fatal(err)
	}
	s.Step(nil)

	d := s.Decks()[0]
	if d.Track() != nil {
		t.Error("track still loaded after unload")
	}
	if d.State() != deck.Stopped {
		t.Errorf("state after unload = %v, want stopped", d.State())
	}
	if len(cancelled) != 1 || cancelled[0] != tr.ID {
		t.Errorf("cancelled = %v, want [%s]", cancelled, tr.ID)
	}
	if s.trackPinned(tr.ID) {
		t.Error("unloaded track still pinned in the cache")
	}
}

func TestSnapshotConcurrentWithRenderSteps(t *testing.T) {
	s := newTestSession(t)
	d := s.Decks()[0]
	unit, err := fx.New(fx.TypeFilter, audio.SampleRate48k)
	if err != nil {
		t.Fatalf("fx.New: %v", err)
	}
	slot := d.Chain().Append(unit)

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
				snap := s.Snapshot()
				if len(snap.Decks) != 2 {
					t.Errorf("snapshot decks = %d", len(snap.Decks))
					return
				}
			}
		}
	}()

	// Parameter writes land on the render goroutine while the reader
	// hammers snapshots; the published view keeps both sides apart.
	for i := 0; i < 500; i++ {
		s.Submit(Command{Kind: CmdFXParam, Deck: 0, ID: slot, Name: "cutoff", Value: float64(i%100) / 100})
		s.Step(nil)
	}
	close(done)
	wg.Wait()
}

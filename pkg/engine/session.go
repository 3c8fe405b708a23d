package engine

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openmixer/mixcore/pkg/audio"
	"github.com/openmixer/mixcore/pkg/control"
	"github.com/openmixer/mixcore/pkg/deck"
	"github.com/openmixer/mixcore/pkg/mixbus"
	"github.com/openmixer/mixcore/pkg/monitor"
)

// Config sizes a session. Zero values fall back to sensible defaults.
type Config struct {
	Decks       int
	SampleRate  float64
	ChunkFrames int
	VideoWidth  int
	VideoHeight int
	VideoFPS    int
	// VideoDisabled skips the compositor goroutine entirely; the health
	// probe then reports no frame rate and video never degrades.
	VideoDisabled bool
	CacheBytes    int64
}

const (
	minDecks = 2
	maxDecks = 4

	// Commands drained per chunk. Keeps a flooded ring from starving
	// the audio deadline.
	drainBudget = 256

	shedCapacity = 64
)

func (c *Config) applyDefaults() {
	if c.Decks < minDecks {
		c.Decks = minDecks
	}
	if c.Decks > maxDecks {
		c.Decks = maxDecks
	}
	if c.SampleRate <= 0 {
		c.SampleRate = audio.SampleRate48k
	}
	if c.ChunkFrames <= 0 {
		c.ChunkFrames = audio.DefaultChunkSize
	}
	if c.VideoWidth <= 0 {
		c.VideoWidth = 1280
	}
	if c.VideoHeight <= 0 {
		c.VideoHeight = 720
	}
	if c.VideoFPS <= 0 {
		c.VideoFPS = 30
	}
	if c.CacheBytes <= 0 {
		c.CacheBytes = 512 << 20
	}
}

type shedEntry struct {
	deckIndex int
	slot      uuid.UUID
}

// Session owns a full mixer: the decks, the sync group, the mix bus, the
// video compositor, the control binder, background analysis, and the
// adaptive optimizer. The render loop started by Run is the only
// goroutine that mutates deck, chain and bus state; everything else
// submits commands through the ring.
type Session struct {
	cfg Config
	log *zap.Logger

	decks    []*deck.Deck
	group    *deck.Group
	bus      *mixbus.Bus
	analyzer *deck.Analyzer
	binder   *control.Binder
	ring     *Ring
	cache    *trackCache

	window    *monitor.Window
	optimizer *monitor.Optimizer

	// Video state is guarded by videoMu; the compositor itself has no
	// locking and the audio path never touches it.
	videoMu    sync.Mutex
	compositor *mixbus.Compositor
	videoSteps []videoStep

	// Render-loop-owned state.
	out        *audio.Buffer
	shed       [shedCapacity]shedEntry
	shedLen    int
	cmdErrs    atomic.Uint64
	loadedHint [maxDecks]atomic.Uint64 // low 64 bits of the loaded track id

	desiredChunk atomic.Int64
	renderNanos  atomic.Int64 // last chunk's processing time
	videoFPS     atomic.Uint64

	// snap is the display-plane view, rebuilt by the render loop after
	// every chunk so readers never touch live deck or chain state.
	snap atomic.Pointer[SessionSnapshot]

	// loadMu guards the control-plane record of which track occupies
	// which deck, used to cancel superseded analysis passes.
	loadMu         sync.Mutex
	loadedIDs      [maxDecks]uuid.UUID
	cancelAnalysis func(uuid.UUID)
}

type videoStep int

const (
	videoStepDivisor videoStep = iota
	videoStepHide
)

// New creates a session. A nil logger disables logging.
func New(cfg Config, log *zap.Logger) *Session {
	cfg.applyDefaults()
	if log == nil {
		log = zap.NewNop()
	}

	s := &Session{
		cfg:        cfg,
		log:        log,
		analyzer:   deck.NewAnalyzer(),
		ring:       NewRing(1024),
		compositor: mixbus.NewCompositor(cfg.VideoWidth, cfg.VideoHeight),
		window:     monitor.NewWindow(64),
	}
	for i := 0; i < cfg.Decks; i++ {
		s.decks = append(s.decks, deck.New(i, fmt.Sprintf("deck-%c", 'A'+i)))
	}
	s.group = deck.NewGroup(s.decks...)
	s.bus = mixbus.New(cfg.ChunkFrames, cfg.SampleRate, s.decks...)
	s.cache = newTrackCache(cfg.CacheBytes, s.trackPinned)
	s.binder = control.NewBinder(s.Dispatch, log.Named("control"))
	s.optimizer = monitor.NewOptimizer(s.window, monitor.DefaultThresholds(), s, log.Named("monitor"))
	s.desiredChunk.Store(int64(cfg.ChunkFrames))
	s.cancelAnalysis = s.analyzer.Cancel
	s.publishSnapshot()
	return s
}

// Binder returns the control surface binder.
func (s *Session) Binder() *control.Binder { return s.binder }

// Bus returns the mix bus.
func (s *Session) Bus() *mixbus.Bus { return s.bus }

// Compositor returns the video compositor. Callers must treat it as
// owned by the video goroutine once Run has started; use the session's
// video methods instead of mutating it directly.
func (s *Session) Compositor() *mixbus.Compositor { return s.compositor }

// Decks returns the session's decks in order.
func (s *Session) Decks() []*deck.Deck {
	out := make([]*deck.Deck, len(s.decks))
	copy(out, s.decks)
	return out
}

// Submit queues a command for the render loop. False means the ring was
// full and the command was dropped.
func (s *Session) Submit(c Command) bool {
	return s.ring.Push(c)
}

// trackPinned reports whether a track is loaded on any deck, using the
// hint the render loop publishes on load. Hash collisions at 64 bits are
// not a practical concern for a four deck session.
func (s *Session) trackPinned(id uuid.UUID) bool {
	h := idHint(id)
	for i := range s.decks {
		if s.loadedHint[i].Load() == h {
			return true
		}
	}
	return false
}

func idHint(id uuid.UUID) uint64 {
	var h uint64
	for i := 0; i < 8; i++ {
		h = h<<8 | uint64(id[i])
	}
	return h
}

// LoadTrack caches the track, queues it onto the deck, and kicks off
// background analysis. The deck starts playing it at the provisional
// 1.0 ratio until the analysis lands.
func (s *Session) LoadTrack(ctx context.Context, deckIndex int, t *deck.Track) error {
	if deckIndex < 0 || deckIndex >= len(s.decks) {
		return fmt.Errorf("deck %d: no such deck", deckIndex)
	}
	s.cache.Put(t)
	if !s.Submit(Command{Kind: CmdLoad, Deck: deckIndex, Ptr: t}) {
		return fmt.Errorf("deck %d: command ring full", deckIndex)
	}
	s.recordLoaded(deckIndex, t.ID)
	s.analyzer.Analyze(ctx, t)
	s.log.Info("track queued for load",
		zap.Int("deck", deckIndex),
		zap.String("track", t.Title),
		zap.String("track_id", t.ID.String()))
	return nil
}

// UnloadTrack ejects a deck's track and cancels its in-flight analysis.
func (s *Session) UnloadTrack(deckIndex int) error {
	if deckIndex < 0 || deckIndex >= len(s.decks) {
		return fmt.Errorf("deck %d: no such deck", deckIndex)
	}
	if !s.Submit(Command{Kind: CmdUnload, Deck: deckIndex}) {
		return fmt.Errorf("deck %d: command ring full", deckIndex)
	}
	s.recordLoaded(deckIndex, uuid.UUID{})
	return nil
}

// recordLoaded notes which track a deck holds and cancels the analysis
// of the track it displaces, unless another deck still holds it.
func (s *Session) recordLoaded(deckIndex int, id uuid.UUID) {
	s.loadMu.Lock()
	prev := s.loadedIDs[deckIndex]
	s.loadedIDs[deckIndex] = id
	stillLoaded := false
	if prev != (uuid.UUID{}) && prev != id {
		for i := range s.decks {
			if s.loadedIDs[i] == prev {
				stillLoaded = true
				break
			}
		}
	}
	s.loadMu.Unlock()

	if prev != (uuid.UUID{}) && prev != id && !stillLoaded {
		s.cancelAnalysis(prev)
	}
}

// SetSync changes a deck's sync role on the render loop. Master promotion
// demotes the previous master in the same command.
func (s *Session) SetSync(deckIndex int, mode deck.SyncMode) error {
	if deckIndex < 0 || deckIndex >= len(s.decks) {
		return fmt.Errorf("deck %d: no such deck", deckIndex)
	}
	if !s.Submit(Command{Kind: CmdSetSync, Deck: deckIndex, Value: float64(mode)}) {
		return fmt.Errorf("deck %d: command ring full", deckIndex)
	}
	return nil
}

// Run drives the audio render loop, the analysis result pump, the video
// clock, and the performance sampler until ctx ends.
func (s *Session) Run(ctx context.Context, sink func(*audio.Buffer)) {
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		s.pumpAnalysis(ctx)
	}()
	go func() {
		defer wg.Done()
		s.runVideo(ctx)
	}()
	go func() {
		defer wg.Done()
		s.optimizer.Run(ctx, 250*time.Millisecond, s.probe)
	}()

	s.log.Info("render loop starting",
		zap.Float64("sample_rate", s.cfg.SampleRate),
		zap.Int("chunk_frames", s.cfg.ChunkFrames),
		zap.Int("decks", len(s.decks)))

	next := time.Now()
	for ctx.Err() == nil {
		budget := s.Step(sink)
		next = next.Add(budget)
		if wait := time.Until(next); wait > 0 {
			time.Sleep(wait)
		} else {
			// Fell behind; re-anchor rather than racing to catch up.
			next = time.Now()
		}
	}

	s.analyzer.Close()
	wg.Wait()
	s.log.Info("render loop stopped")
}

// Step renders exactly one chunk: drain commands, mix, deliver. Returns
// the chunk's wall-clock budget. Exposed so tests and offline callers
// can drive the loop without the timer.
func (s *Session) Step(sink func(*audio.Buffer)) time.Duration {
	chunk := int(s.desiredChunk.Load())
	if s.out == nil || s.out.Frames() != chunk {
		s.out = audio.NewBuffer(audio.Stereo, chunk, s.cfg.SampleRate)
	}

	start := time.Now()
	for i := 0; i < drainBudget; i++ {
		c, ok := s.ring.Pop()
		if !ok {
			break
		}
		s.apply(c)
	}
	s.bus.Process(s.out)
	s.renderNanos.Store(int64(time.Since(start)))
	s.publishSnapshot()

	if sink != nil {
		sink(s.out)
	}
	return time.Duration(float64(chunk) / s.cfg.SampleRate * float64(time.Second))
}

// apply executes one command on the render goroutine. Failures bump a
// counter instead of logging; the render path stays allocation and
// syscall free.
func (s *Session) apply(c Command) {
	if c.Deck < 0 || c.Deck >= len(s.decks) {
		if c.Kind != CmdSetCrossfader && c.Kind != CmdFXShed && c.Kind != CmdFXRestore {
			s.cmdErrs.Add(1)
			return
		}
	}
	var d *deck.Deck
	if c.Deck >= 0 && c.Deck < len(s.decks) {
		d = s.decks[c.Deck]
	}

	var err error
	switch c.Kind {
	case CmdLoad:
		t, ok := c.Ptr.(*deck.Track)
		if !ok {
			s.cmdErrs.Add(1)
			return
		}
		if err = d.Load(t); err == nil {
			s.loadedHint[c.Deck].Store(idHint(t.ID))
		}
	case CmdUnload:
		d.Unload()
		s.loadedHint[c.Deck].Store(0)
	case CmdPlay:
		err = d.Play()
	case CmdPause:
		d.Pause()
	case CmdStop:
		d.Stop()
	case CmdSeek:
		d.Seek(int64(c.Value))
	case CmdSetPitch:
		d.SetPitch(c.Value)
	case CmdSetSync:
		s.group.SetSync(d, deck.SyncMode(int(c.Value)))
	case CmdSetKeylock:
		d.SetKeylock(c.Value >= 0.5)
	case CmdJumpCue:
		err = d.JumpToHotCue(c.ID)
	case CmdSetLoop:
		err = d.SetLoop(int64(c.Value), int64(c.Aux))
	case CmdClearLoop:
		d.ClearLoop()
	case CmdSetVolume:
		if st := s.bus.Strip(c.Deck); st != nil {
			st.Volume = float32(clamp01(c.Value))
		}
	case CmdSetTrim:
		if st := s.bus.Strip(c.Deck); st != nil {
			st.Trim = float32(c.Value)
		}
	case CmdSetPan:
		if st := s.bus.Strip(c.Deck); st != nil {
			st.Pan = float32(clampRange(c.Value, -1, 1))
		}
	case CmdSetCrossfader:
		s.bus.SetCrossfader(c.Value)
	case CmdFXParam:
		err = d.Chain().SetParam(c.ID, c.Name, c.Value)
	case CmdFXToggle:
		err = d.Chain().SetEnabled(c.ID, c.Value >= 0.5)
	case CmdFXShed:
		s.shedOneEffect()
	case CmdFXRestore:
		s.restoreOneEffect()
	case CmdApplyAnalysis:
		r, ok := c.Ptr.(deck.Result)
		if !ok {
			s.cmdErrs.Add(1)
			return
		}
		for _, dk := range s.decks {
			dk.ApplyAnalysis(r.TrackID, r.Analysis)
		}
	default:
		s.cmdErrs.Add(1)
	}
	if err != nil {
		s.cmdErrs.Add(1)
	}
}

// shedOneEffect disables the lowest-priority unit on the deck running
// the most enabled effects and remembers the victim for restoration.
func (s *Session) shedOneEffect() {
	if s.shedLen == len(s.shed) {
		return
	}
	best, most := -1, 0
	for i, d := range s.decks {
		if n := d.Chain().EnabledCount(); n > most {
			best, most = i, n
		}
	}
	if best < 0 {
		return
	}
	id, ok := s.decks[best].Chain().DisableLowestPriority()
	if !ok {
		return
	}
	s.shed[s.shedLen] = shedEntry{deckIndex: best, slot: id}
	s.shedLen++
}

// restoreOneEffect re-enables the most recently shed unit.
func (s *Session) restoreOneEffect() {
	if s.shedLen == 0 {
		return
	}
	s.shedLen--
	e := s.shed[s.shedLen]
	if err := s.decks[e.deckIndex].Chain().SetEnabled(e.slot, true); err != nil {
		s.cmdErrs.Add(1)
	}
}

// pumpAnalysis forwards finished analysis passes into the render loop.
func (s *Session) pumpAnalysis(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-s.analyzer.Results():
			if !ok {
				return
			}
			s.log.Info("analysis ready",
				zap.String("track_id", r.TrackID.String()),
				zap.Float64("bpm", r.Analysis.BPM),
				zap.String("key", r.Analysis.Key.String()))
			s.Submit(Command{Kind: CmdApplyAnalysis, Ptr: r})
		}
	}
}

// runVideo drives the compositor on its own frame clock and measures the
// achieved frame rate for the performance sampler.
func (s *Session) runVideo(ctx context.Context) {
	if s.cfg.VideoDisabled {
		return
	}
	interval := time.Second / time.Duration(s.cfg.VideoFPS)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			s.videoMu.Lock()
			s.compositor.Compose()
			s.videoMu.Unlock()
			elapsed := time.Since(start)

			fps := float64(s.cfg.VideoFPS)
			if elapsed > interval {
				// Overrunning the frame budget means dropped ticks.
				fps = float64(time.Second) / float64(elapsed)
			}
			s.videoFPS.Store(math.Float64bits(fps))
		}
	}
}

// probe builds one performance sample for the optimizer.
func (s *Session) probe() monitor.Sample {
	chunk := float64(s.desiredChunk.Load())
	budget := chunk / s.cfg.SampleRate * float64(time.Second)
	render := float64(s.renderNanos.Load())

	latency := chunk / s.cfg.SampleRate * 1000
	if render > budget {
		latency += (render - budget) / float64(time.Millisecond)
	}

	return monitor.Sample{
		CPUUsage:    render / budget * 100,
		MemoryUsage: float64(s.cache.Bytes()) / float64(s.cfg.CacheBytes) * 100,
		LatencyMs:   latency,
		FPS:         math.Float64frombits(s.videoFPS.Load()),
		At:          time.Now(),
	}
}

// ReduceEffects asks the render loop to shed one effect unit.
func (s *Session) ReduceEffects() bool {
	return s.Submit(Command{Kind: CmdFXShed, Deck: -1})
}

// RestoreEffects re-enables the most recently shed effect unit.
func (s *Session) RestoreEffects() bool {
	return s.Submit(Command{Kind: CmdFXRestore, Deck: -1})
}

// ReduceMemory evicts the least recently used unloaded track.
func (s *Session) ReduceMemory() bool {
	return s.cache.EvictOldest()
}

// ReduceLatency halves the chunk size down to the floor.
func (s *Session) ReduceLatency() bool {
	cur := s.desiredChunk.Load()
	if cur/2 < audio.MinChunkSize {
		return false
	}
	return s.desiredChunk.CompareAndSwap(cur, cur/2)
}

// RestoreLatency doubles the chunk size back toward the configured value.
func (s *Session) RestoreLatency() bool {
	cur := s.desiredChunk.Load()
	if cur*2 > int64(s.cfg.ChunkFrames) {
		return false
	}
	return s.desiredChunk.CompareAndSwap(cur, cur*2)
}

// ReduceVideo lowers compositor quality one step: first the resolution
// divisor, then hiding non-essential nodes.
func (s *Session) ReduceVideo() bool {
	s.videoMu.Lock()
	defer s.videoMu.Unlock()
	switch d := s.compositor.ResolutionDivisor(); d {
	case 1, 2:
		s.compositor.SetResolutionDivisor(d * 2)
		s.videoSteps = append(s.videoSteps, videoStepDivisor)
		return true
	default:
		if s.compositor.HideNonEssential() {
			s.videoSteps = append(s.videoSteps, videoStepHide)
			return true
		}
		return false
	}
}

// RestoreVideo reverses the most recent video degradation step.
func (s *Session) RestoreVideo() bool {
	s.videoMu.Lock()
	defer s.videoMu.Unlock()
	if len(s.videoSteps) == 0 {
		return false
	}
	last := s.videoSteps[len(s.videoSteps)-1]
	s.videoSteps = s.videoSteps[:len(s.videoSteps)-1]
	switch last {
	case videoStepHide:
		return s.compositor.ShowHidden()
	default:
		s.compositor.SetResolutionDivisor(s.compositor.ResolutionDivisor() / 2)
		return true
	}
}

// Dispatch translates a bound control event into a render command. It is
// the binder's dispatcher: v is already normalized to [0,1].
func (s *Session) Dispatch(m control.Mapping, v float64) {
	deckIndex := parseDeckTarget(m.Target)

	switch m.Action {
	case control.ActionPlay:
		if v > 0.5 {
			s.Submit(Command{Kind: CmdPlay, Deck: deckIndex})
		}
	case control.ActionPause:
		if v > 0.5 {
			s.Submit(Command{Kind: CmdPause, Deck: deckIndex})
		}
	case control.ActionStop:
		if v > 0.5 {
			s.Submit(Command{Kind: CmdStop, Deck: deckIndex})
		}
	case control.ActionPitch:
		// Fader center lands on ratio 1.0; the extremes hit the
		// deck's ratio bounds.
		ratio := deck.MinPitchRatio * math.Pow(deck.MaxPitchRatio/deck.MinPitchRatio, v)
		s.Submit(Command{Kind: CmdSetPitch, Deck: deckIndex, Value: ratio})
	case control.ActionVolume:
		s.Submit(Command{Kind: CmdSetVolume, Deck: deckIndex, Value: v})
	case control.ActionPan:
		s.Submit(Command{Kind: CmdSetPan, Deck: deckIndex, Value: v*2 - 1})
	case control.ActionCrossfader:
		s.Submit(Command{Kind: CmdSetCrossfader, Value: v})
	case control.ActionHotCue:
		if v > 0.5 {
			if id, err := uuid.Parse(m.Parameter); err == nil {
				s.Submit(Command{Kind: CmdJumpCue, Deck: deckIndex, ID: id})
			}
		}
	case control.ActionSync:
		if v > 0.5 {
			s.Submit(Command{Kind: CmdSetSync, Deck: deckIndex, Value: float64(syncModeByName(m.Parameter))})
		}
	case control.ActionFXParam:
		slot, param, ok := strings.Cut(m.Parameter, "/")
		if !ok {
			return
		}
		if id, err := uuid.Parse(slot); err == nil {
			s.Submit(Command{Kind: CmdFXParam, Deck: deckIndex, ID: id, Name: param, Value: v})
		}
	case control.ActionFXToggle:
		if id, err := uuid.Parse(m.Parameter); err == nil {
			s.Submit(Command{Kind: CmdFXToggle, Deck: deckIndex, ID: id, Value: v})
		}
	}
}

// parseDeckTarget accepts both bare indexes ("1") and the prefixed form
// ("deck:1") used in mapping files. Returns -1 when the target names no
// deck.
func parseDeckTarget(target string) int {
	target = strings.TrimPrefix(target, "deck:")
	if target == "" {
		return -1
	}
	n, err := strconv.Atoi(target)
	if err != nil {
		return -1
	}
	return n
}

func syncModeByName(name string) deck.SyncMode {
	switch name {
	case "master":
		return deck.SyncMaster
	case "follow":
		return deck.SyncFollow
	default:
		return deck.SyncFree
	}
}

// Snapshot is a control-plane view of the whole session.
type SessionSnapshot struct {
	Decks       []deck.Snapshot `json:"decks"`
	Mix         mixbus.Snapshot `json:"mix"`
	Health      monitor.Sample  `json:"health"`
	Degraded    int             `json:"degraded_steps"`
	ChunkFrames int             `json:"chunk_frames"`
	DroppedCmds uint64          `json:"dropped_commands"`
}

// Snapshot returns the view published by the render loop after its last
// chunk. The value is immutable; callers may hold it as long as they
// like without touching live session state.
func (s *Session) Snapshot() SessionSnapshot {
	return *s.snap.Load()
}

// publishSnapshot rebuilds the display-plane view. Called from New before
// any goroutine exists, then only from the render loop, which owns every
// deck and chain it reads.
func (s *Session) publishSnapshot() {
	snap := &SessionSnapshot{
		Mix:         s.bus.Snapshot(),
		Health:      s.window.Latest(),
		Degraded:    s.optimizer.Degraded(),
		ChunkFrames: int(s.desiredChunk.Load()),
		DroppedCmds: s.ring.Dropped(),
	}
	for _, d := range s.decks {
		snap.Decks = append(snap.Decks, d.Snapshot())
	}
	s.snap.Store(snap)
}

func clamp01(v float64) float64 {
	return clampRange(v, 0, 1)
}

func clampRange(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

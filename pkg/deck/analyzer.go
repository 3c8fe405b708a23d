package deck

import (
	"context"
	"math"
	"sync"

	"github.com/google/uuid"
)

// Analysis tuning constants.
const (
	analysisWindow  = 1024
	analysisHop     = 512
	analysisMinBPM  = 60.0
	analysisMaxBPM  = 180.0
	analysisMaxSecs = 60.0 // analyze at most this much material
	chromaOctaves   = 4
	chromaBaseFreq  = 65.406 // C2
)

// Result is a finished analysis pass for one track.
type Result struct {
	TrackID  uuid.UUID
	Analysis Analysis
}

// Analyzer runs BPM, key and energy detection off the real-time path.
// Each Analyze call gets its own goroutine and cancel handle; cancelling
// never blocks the caller. Finished results are delivered on Results and
// are applied to a deck only if the track is still loaded there.
type Analyzer struct {
	mu      sync.Mutex
	jobs    map[uuid.UUID]*analysisJob
	results chan Result
	wg      sync.WaitGroup
}

type analysisJob struct {
	cancel context.CancelFunc
}

// NewAnalyzer creates an analyzer with a buffered result channel.
func NewAnalyzer() *Analyzer {
	return &Analyzer{
		jobs:    make(map[uuid.UUID]*analysisJob),
		results: make(chan Result, 16),
	}
}

// Results delivers finished analysis passes.
func (a *Analyzer) Results() <-chan Result { return a.results }

// Analyze schedules a background pass over the track. A pass already in
// flight for the same track is cancelled and replaced.
func (a *Analyzer) Analyze(ctx context.Context, t *Track) {
	ctx, cancel := context.WithCancel(ctx)
	job := &analysisJob{cancel: cancel}

	a.mu.Lock()
	if prev, ok := a.jobs[t.ID]; ok {
		prev.cancel()
	}
	a.jobs[t.ID] = job
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer func() {
			a.mu.Lock()
			// A replacement pass may have taken the slot already.
			if a.jobs[t.ID] == job {
				delete(a.jobs, t.ID)
			}
			a.mu.Unlock()
		}()

		analysis, err := analyze(ctx, t)
		if err != nil {
			return // cancelled
		}
		select {
		case a.results <- Result{TrackID: t.ID, Analysis: analysis}:
		case <-ctx.Done():
		}
	}()
}

// Cancel aborts any in-flight pass for the track. Returns immediately.
func (a *Analyzer) Cancel(trackID uuid.UUID) {
	a.mu.Lock()
	if job, ok := a.jobs[trackID]; ok {
		job.cancel()
		delete(a.jobs, trackID)
	}
	a.mu.Unlock()
}

// Close cancels everything and waits for worker exit.
func (a *Analyzer) Close() {
	a.mu.Lock()
	for id, job := range a.jobs {
		job.cancel()
		delete(a.jobs, id)
	}
	a.mu.Unlock()
	a.wg.Wait()
}

// analyze runs the full pass, checking for cancellation between stages.
func analyze(ctx context.Context, t *Track) (Analysis, error) {
	mono := monoMix(t)

	onsets, energy := onsetEnvelope(mono)
	if err := ctx.Err(); err != nil {
		return Analysis{}, err
	}

	interval, offset := detectBeats(onsets, t.SampleRate)
	if err := ctx.Err(); err != nil {
		return Analysis{}, err
	}

	key := detectKey(mono, t.SampleRate)
	if err := ctx.Err(); err != nil {
		return Analysis{}, err
	}

	bpm := 0.0
	if interval > 0 {
		bpm = 60.0 * t.SampleRate / float64(interval)
	}
	return Analysis{
		BPM:          math.Round(bpm*10) / 10,
		Key:          key,
		Energy:       energy,
		BeatOffset:   offset,
		BeatInterval: interval,
		Ready:        true,
	}, nil
}

// monoMix folds the analyzed portion of the track down to one channel.
func monoMix(t *Track) []float32 {
	frames := t.Frames()
	if max := int64(analysisMaxSecs * t.SampleRate); frames > max {
		frames = max
	}
	mono := make([]float32, frames)
	scale := 1.0 / float32(t.Channels())
	for _, ch := range t.Samples {
		for i := int64(0); i < frames; i++ {
			mono[i] += ch[i] * scale
		}
	}
	return mono
}

// onsetEnvelope returns the positive energy flux per hop and the overall
// energy of the material, normalized to [0,1].
func onsetEnvelope(mono []float32) ([]float64, float64) {
	hops := (len(mono) - analysisWindow) / analysisHop
	if hops <= 0 {
		return nil, 0
	}
	onsets := make([]float64, hops)
	prev := 0.0
	sumRMS := 0.0
	for h := 0; h < hops; h++ {
		start := h * analysisHop
		e := 0.0
		for _, s := range mono[start : start+analysisWindow] {
			e += float64(s) * float64(s)
		}
		rms := math.Sqrt(e / analysisWindow)
		sumRMS += rms
		if flux := rms - prev; flux > 0 {
			onsets[h] = flux
		}
		prev = rms
	}
	// RMS of a full-scale sine is ~0.707; treat that as maximum energy.
	energy := sumRMS / float64(hops) / 0.707
	if energy > 1 {
		energy = 1
	}
	return onsets, energy
}

// detectBeats finds the dominant beat interval by comb correlation over the
// onset envelope, then the comb phase with the strongest alignment.
// Both are returned in samples; zero means no confident tempo.
func detectBeats(onsets []float64, sampleRate float64) (interval, offset int64) {
	if len(onsets) == 0 {
		return 0, 0
	}
	hopRate := sampleRate / analysisHop
	minLag := int(hopRate * 60.0 / analysisMaxBPM)
	maxLag := int(hopRate * 60.0 / analysisMinBPM)
	if maxLag >= len(onsets) {
		maxLag = len(onsets) - 1
	}
	if minLag < 1 || minLag >= maxLag {
		return 0, 0
	}

	bestLag, bestScore := 0, 0.0
	for lag := minLag; lag <= maxLag; lag++ {
		score := 0.0
		for i := 0; i+lag < len(onsets); i++ {
			score += onsets[i] * onsets[i+lag]
		}
		// Normalize so long lags are not penalized for fewer terms.
		score /= float64(len(onsets) - lag)
		if score > bestScore {
			bestScore = score
			bestLag = lag
		}
	}
	if bestLag == 0 {
		return 0, 0
	}

	bestPhase, bestSum := 0, -1.0
	for phase := 0; phase < bestLag; phase++ {
		sum := 0.0
		for i := phase; i < len(onsets); i += bestLag {
			sum += onsets[i]
		}
		if sum > bestSum {
			bestSum = sum
			bestPhase = phase
		}
	}

	interval = int64(float64(bestLag) * analysisHop)
	offset = int64(float64(bestPhase) * analysisHop)
	return interval, offset
}

// Krumhansl-style major and minor key profiles.
var (
	majorProfile = [12]float64{6.35, 2.23, 3.48, 2.33, 4.38, 4.09, 2.52, 5.19, 2.39, 3.66, 2.29, 2.88}
	minorProfile = [12]float64{6.33, 2.68, 3.52, 5.38, 2.60, 3.53, 2.54, 4.75, 3.98, 2.69, 3.34, 3.17}
)

// detectKey accumulates a chroma vector with Goertzel probes at semitone
// frequencies and matches it against major/minor profiles.
func detectKey(mono []float32, sampleRate float64) Key {
	var chroma [12]float64
	n := len(mono)
	if n > int(10*sampleRate) {
		n = int(10 * sampleRate)
	}
	if n == 0 {
		return Key{}
	}
	segment := mono[:n]

	for oct := 0; oct < chromaOctaves; oct++ {
		for pc := 0; pc < 12; pc++ {
			freq := chromaBaseFreq * math.Pow(2, float64(oct)+float64(pc)/12.0)
			chroma[pc] += goertzel(segment, freq, sampleRate)
		}
	}

	bestKey := Key{}
	bestScore := math.Inf(-1)
	for tonic := 0; tonic < 12; tonic++ {
		for _, mode := range []Mode{ModeMajor, ModeMinor} {
			profile := majorProfile
			if mode == ModeMinor {
				profile = minorProfile
			}
			score := 0.0
			for pc := 0; pc < 12; pc++ {
				score += chroma[(tonic+pc)%12] * profile[pc]
			}
			if score > bestScore {
				bestScore = score
				bestKey = Key{PitchClass: tonic, Mode: mode}
			}
		}
	}
	return bestKey
}

// goertzel returns the spectral magnitude of one frequency over the block.
func goertzel(block []float32, freq, sampleRate float64) float64 {
	w := 2 * math.Pi * freq / sampleRate
	coeff := 2 * math.Cos(w)
	s0, s1, s2 := 0.0, 0.0, 0.0
	for _, x := range block {
		s0 = float64(x) + coeff*s1 - s2
		s2 = s1
		s1 = s0
	}
	return math.Sqrt(s1*s1 + s2*s2 - coeff*s1*s2)
}

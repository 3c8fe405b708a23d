package fx

import (
	"github.com/openmixer/mixcore/pkg/audio"
)

// Reverb parameter names.
const (
	ParamSize    = "size"    // room size, feeds comb feedback
	ParamDamping = "damping" // high-frequency absorption in the tail
	// ParamMix is shared with Delay.
)

// Comb and allpass delay lengths in samples at 44.1 kHz, scaled to the
// session rate. Taken from the classic Freeverb tuning, reduced to four
// combs and two allpasses per channel.
var (
	reverbCombTuning    = [4]int{1116, 1277, 1422, 1617}
	reverbAllpassTuning = [2]int{556, 341}
)

const (
	reverbStereoSpread = 23
	reverbScaleRoom    = 0.28
	reverbOffsetRoom   = 0.7
	reverbScaleDamp    = 0.4
	reverbFixedGain    = 0.03
)

// comb is a feedback comb filter with a one-pole damped feedback path.
type comb struct {
	buf      []float32
	pos      int
	feedback float32
	damp     float32
	store    float32
}

func newComb(size int) *comb {
	return &comb{buf: make([]float32, size)}
}

func (c *comb) process(in float32) float32 {
	out := c.buf[c.pos]
	c.store = out*(1-c.damp) + c.store*c.damp
	c.buf[c.pos] = in + c.store*c.feedback
	c.pos++
	if c.pos >= len(c.buf) {
		c.pos = 0
	}
	return out
}

func (c *comb) reset() {
	for i := range c.buf {
		c.buf[i] = 0
	}
	c.pos = 0
	c.store = 0
}

// allpass is a Schroeder allpass diffuser with fixed feedback.
type allpass struct {
	buf []float32
	pos int
}

func newAllpass(size int) *allpass {
	return &allpass{buf: make([]float32, size)}
}

func (a *allpass) process(in float32) float32 {
	const feedback = 0.5
	delayed := a.buf[a.pos]
	out := delayed - in
	a.buf[a.pos] = in + delayed*feedback
	a.pos++
	if a.pos >= len(a.buf) {
		a.pos = 0
	}
	return out
}

func (a *allpass) reset() {
	for i := range a.buf {
		a.buf[i] = 0
	}
	a.pos = 0
}

// Reverb is a Freeverb-style comb/allpass network per channel.
type Reverb struct {
	params   paramSet
	combs    [audio.Stereo][]*comb
	allpass  [audio.Stereo][]*allpass
	channels int
}

// NewReverb creates a reverb tuned for the session sample rate.
func NewReverb(sampleRate float64) *Reverb {
	r := &Reverb{
		params: newParamSet(map[string]float64{
			ParamSize:    0.5,
			ParamDamping: 0.5,
			ParamMix:     0.3,
		}, ParamSize, ParamDamping, ParamMix),
		channels: audio.Stereo,
	}
	scale := sampleRate / audio.SampleRate44k1
	for ch := 0; ch < audio.Stereo; ch++ {
		spread := ch * reverbStereoSpread
		for _, t := range reverbCombTuning {
			r.combs[ch] = append(r.combs[ch], newComb(int(float64(t+spread)*scale)))
		}
		for _, t := range reverbAllpassTuning {
			r.allpass[ch] = append(r.allpass[ch], newAllpass(int(float64(t+spread)*scale)))
		}
	}
	r.update()
	return r
}

// Type implements Unit.
func (r *Reverb) Type() Type { return TypeReverb }

// Latency implements Unit. The dry path passes straight through, so the
// unit reports no alignment delay despite the long tail.
func (r *Reverb) Latency() int { return 0 }

// SetParam implements Unit.
func (r *Reverb) SetParam(name string, value float64) error {
	if _, err := r.params.set(name, value); err != nil {
		return err
	}
	r.update()
	return nil
}

// Param implements Unit.
func (r *Reverb) Param(name string) (float64, bool) { return r.params.get(name) }

// ParamNames implements Unit.
func (r *Reverb) ParamNames() []string { return r.params.names }

// Reset implements Unit.
func (r *Reverb) Reset() {
	for ch := 0; ch < r.channels; ch++ {
		for _, c := range r.combs[ch] {
			c.reset()
		}
		for _, a := range r.allpass[ch] {
			a.reset()
		}
	}
}

func (r *Reverb) update() {
	size, _ := r.params.get(ParamSize)
	damp, _ := r.params.get(ParamDamping)

	feedback := float32(size*reverbScaleRoom + reverbOffsetRoom)
	damping := float32(damp * reverbScaleDamp)
	for ch := 0; ch < r.channels; ch++ {
		for _, c := range r.combs[ch] {
			c.feedback = feedback
			c.damp = damping
		}
	}
}

// Process implements Unit.
func (r *Reverb) Process(buf *audio.Buffer) {
	mixN, _ := r.params.get(ParamMix)
	mix := float32(mixN)
	dry := 1.0 - mix

	for ch, samples := range buf.Channels {
		if ch >= r.channels {
			break
		}
		combs := r.combs[ch]
		aps := r.allpass[ch]
		for i, in := range samples {
			input := in * reverbFixedGain
			wet := float32(0)
			for _, c := range combs {
				wet += c.process(input)
			}
			for _, a := range aps {
				wet = a.process(wet)
			}
			samples[i] = in*dry + wet*mix
		}
	}
}

package fx

import (
	"math"

	"github.com/openmixer/mixcore/pkg/audio"
)

// Chorus parameter names.
const (
	ParamRate  = "rate"  // LFO rate 0.05 .. 5 Hz, log mapped
	ParamDepth = "depth" // modulation depth 0 .. 8 ms
	// ParamMix is shared with Delay.
)

const (
	chorusMinRate   = 0.05
	chorusMaxRate   = 5.0
	chorusMaxDepth  = 8.0  // ms
	chorusBaseDelay = 15.0 // ms
	chorusMaxMs     = chorusBaseDelay + chorusMaxDepth + 1
)

// Chorus is a single-voice modulated delay. The right channel's LFO runs a
// quarter cycle behind the left for stereo width.
type Chorus struct {
	params     paramSet
	sampleRate float64
	lines      [audio.Stereo]*line
	phase      [audio.Stereo]float64
}

// NewChorus creates a chorus with a gentle default sweep.
func NewChorus(sampleRate float64) *Chorus {
	c := &Chorus{
		params: newParamSet(map[string]float64{
			ParamRate:  0.5,
			ParamDepth: 0.4,
			ParamMix:   0.5,
		}, ParamRate, ParamDepth, ParamMix),
		sampleRate: sampleRate,
	}
	maxSamples := int(chorusMaxMs*sampleRate/1000.0) + 2
	for i := range c.lines {
		c.lines[i] = newLine(maxSamples)
	}
	c.phase[1] = 0.25
	return c
}

// Type implements Unit.
func (c *Chorus) Type() Type { return TypeChorus }

// Latency implements Unit. The dry path is undelayed.
func (c *Chorus) Latency() int { return 0 }

// SetParam implements Unit.
func (c *Chorus) SetParam(name string, value float64) error {
	_, err := c.params.set(name, value)
	return err
}

// Param implements Unit.
func (c *Chorus) Param(name string) (float64, bool) { return c.params.get(name) }

// ParamNames implements Unit.
func (c *Chorus) ParamNames() []string { return c.params.names }

// Reset implements Unit.
func (c *Chorus) Reset() {
	for _, l := range c.lines {
		l.reset()
	}
	c.phase[0] = 0
	c.phase[1] = 0.25
}

// Process implements Unit.
func (c *Chorus) Process(buf *audio.Buffer) {
	rateN, _ := c.params.get(ParamRate)
	depthN, _ := c.params.get(ParamDepth)
	mixN, _ := c.params.get(ParamMix)

	rate := logMap(rateN, chorusMinRate, chorusMaxRate)
	depthMs := depthN * chorusMaxDepth
	mix := float32(mixN)
	dry := 1.0 - mix
	phaseInc := rate / c.sampleRate

	for ch, samples := range buf.Channels {
		if ch >= len(c.lines) {
			break
		}
		l := c.lines[ch]
		phase := c.phase[ch]
		for i, in := range samples {
			mod := math.Sin(2 * math.Pi * phase)
			delayMs := chorusBaseDelay + depthMs*mod
			delaySamples := delayMs * c.sampleRate / 1000.0

			wet := l.read(delaySamples)
			l.write(in)
			samples[i] = in*dry + wet*mix

			phase += phaseInc
			if phase >= 1.0 {
				phase -= 1.0
			}
		}
		c.phase[ch] = phase
	}
}

package fx

import (
	"math"

	"github.com/openmixer/mixcore/pkg/audio"
)

// Compressor parameter names.
const (
	ParamThreshold = "threshold" // -60 .. 0 dB
	ParamRatio     = "ratio"     // 1:1 .. 20:1
	ParamAttack    = "attack"    // 0.1 .. 100 ms, log mapped
	ParamRelease   = "release"   // 10 .. 1000 ms, log mapped
	ParamMakeup    = "makeup"    // 0 .. 24 dB
)

const (
	compMinThreshold = -60.0
	compMaxThreshold = 0.0
	compMaxRatio     = 20.0
	compMinAttackMs  = 0.1
	compMaxAttackMs  = 100.0
	compMinReleaseMs = 10.0
	compMaxReleaseMs = 1000.0
	compMaxMakeup    = 24.0
	compLookaheadSec = 0.005
)

// Compressor is a feed-forward compressor with a short fixed lookahead.
// The audio path is delayed by the lookahead so the gain computer reacts
// before transients land; that delay is the unit's reported latency.
type Compressor struct {
	params     paramSet
	sampleRate float64

	envelope     float64 // linear peak envelope, shared across channels
	attackCoeff  float64
	releaseCoeff float64

	lookahead    [audio.Stereo][]float32
	lookaheadPos int
}

// NewCompressor creates a compressor with moderate program defaults.
func NewCompressor(sampleRate float64) *Compressor {
	c := &Compressor{
		params: newParamSet(map[string]float64{
			ParamThreshold: 2.0 / 3.0, // -20 dB
			ParamRatio:     3.0 / 19.0,
			ParamAttack:    0.56, // ~5 ms
			ParamRelease:   0.35, // ~50 ms
			ParamMakeup:    0.0,
		}, ParamThreshold, ParamRatio, ParamAttack, ParamRelease, ParamMakeup),
		sampleRate: sampleRate,
	}
	size := int(compLookaheadSec * sampleRate)
	if size < 1 {
		size = 1
	}
	for i := range c.lookahead {
		c.lookahead[i] = make([]float32, size)
	}
	c.update()
	return c
}

// Type implements Unit.
func (c *Compressor) Type() Type { return TypeCompressor }

// Latency implements Unit.
func (c *Compressor) Latency() int { return len(c.lookahead[0]) }

// SetParam implements Unit.
func (c *Compressor) SetParam(name string, value float64) error {
	if _, err := c.params.set(name, value); err != nil {
		return err
	}
	c.update()
	return nil
}

// Param implements Unit.
func (c *Compressor) Param(name string) (float64, bool) { return c.params.get(name) }

// ParamNames implements Unit.
func (c *Compressor) ParamNames() []string { return c.params.names }

// Reset implements Unit.
func (c *Compressor) Reset() {
	c.envelope = 0
	for i := range c.lookahead {
		for j := range c.lookahead[i] {
			c.lookahead[i][j] = 0
		}
	}
	c.lookaheadPos = 0
}

func (c *Compressor) update() {
	attackN, _ := c.params.get(ParamAttack)
	releaseN, _ := c.params.get(ParamRelease)

	attackSec := logMap(attackN, compMinAttackMs, compMaxAttackMs) / 1000.0
	releaseSec := logMap(releaseN, compMinReleaseMs, compMaxReleaseMs) / 1000.0

	c.attackCoeff = math.Exp(-1.0 / (attackSec * c.sampleRate))
	c.releaseCoeff = math.Exp(-1.0 / (releaseSec * c.sampleRate))
}

// gainAt returns the linear gain for a detector level in dB.
func (c *Compressor) gainAt(levelDB float64) float64 {
	thresholdN, _ := c.params.get(ParamThreshold)
	ratioN, _ := c.params.get(ParamRatio)
	makeupN, _ := c.params.get(ParamMakeup)

	threshold := linMap(thresholdN, compMinThreshold, compMaxThreshold)
	ratio := linMap(ratioN, 1.0, compMaxRatio)
	makeup := makeupN * compMaxMakeup

	reduction := 0.0
	if levelDB > threshold {
		reduction = (levelDB - threshold) * (1.0 - 1.0/ratio)
	}
	return float64(audio.DBToLinear(makeup - reduction))
}

// Process implements Unit.
func (c *Compressor) Process(buf *audio.Buffer) {
	n := buf.Frames()
	channels := buf.NumChannels()
	if channels > audio.Stereo {
		channels = audio.Stereo
	}
	size := len(c.lookahead[0])

	for i := 0; i < n; i++ {
		// Detector input: peak across channels of the incoming sample.
		peak := float64(0)
		for ch := 0; ch < channels; ch++ {
			s := float64(buf.Channels[ch][i])
			if s < 0 {
				s = -s
			}
			if s > peak {
				peak = s
			}
		}

		// One-pole peak envelope in the linear domain.
		if peak > c.envelope {
			c.envelope = c.attackCoeff*c.envelope + (1-c.attackCoeff)*peak
		} else {
			c.envelope = c.releaseCoeff*c.envelope + (1-c.releaseCoeff)*peak
		}

		gain := float32(c.gainAt(audio.LinearToDB(c.envelope)))

		// Swap the incoming sample with the delayed one and apply the gain
		// computed from the newer material.
		for ch := 0; ch < channels; ch++ {
			delayed := c.lookahead[ch][c.lookaheadPos]
			c.lookahead[ch][c.lookaheadPos] = buf.Channels[ch][i]
			buf.Channels[ch][i] = delayed * gain
		}
		c.lookaheadPos++
		if c.lookaheadPos >= size {
			c.lookaheadPos = 0
		}
	}
}

package fx

import (
	"math"

	"github.com/openmixer/mixcore/pkg/audio"
)

// Filter parameter names.
const (
	ParamCutoff    = "cutoff"    // 20 Hz .. 20 kHz, log mapped
	ParamResonance = "resonance" // Q 0.5 .. 10
	ParamMode      = "mode"      // <1/3 lowpass, <2/3 bandpass, else highpass
)

const (
	filterMinFreq = 20.0
	filterMaxFreq = 20000.0
	filterMinQ    = 0.5
	filterMaxQ    = 10.0
)

// Filter is a state variable filter with selectable low/band/high output.
// Zero-delay feedback topology, one integrator pair per channel.
type Filter struct {
	params     paramSet
	sampleRate float64

	g float32 // frequency coefficient
	k float32 // damping (1/Q)

	ic1eq [audio.Stereo]float32
	ic2eq [audio.Stereo]float32
}

// NewFilter creates a filter with the cutoff wide open.
func NewFilter(sampleRate float64) *Filter {
	f := &Filter{
		params: newParamSet(map[string]float64{
			ParamCutoff:    1.0,
			ParamResonance: 0.05,
			ParamMode:      0.0,
		}, ParamCutoff, ParamResonance, ParamMode),
		sampleRate: sampleRate,
	}
	f.update()
	return f
}

// Type implements Unit.
func (f *Filter) Type() Type { return TypeFilter }

// Latency implements Unit. The filter has no group delay to report.
func (f *Filter) Latency() int { return 0 }

// SetParam implements Unit.
func (f *Filter) SetParam(name string, value float64) error {
	if _, err := f.params.set(name, value); err != nil {
		return err
	}
	f.update()
	return nil
}

// Param implements Unit.
func (f *Filter) Param(name string) (float64, bool) { return f.params.get(name) }

// ParamNames implements Unit.
func (f *Filter) ParamNames() []string { return f.params.names }

// Reset implements Unit.
func (f *Filter) Reset() {
	for i := range f.ic1eq {
		f.ic1eq[i] = 0
		f.ic2eq[i] = 0
	}
}

func (f *Filter) update() {
	cutoff, _ := f.params.get(ParamCutoff)
	res, _ := f.params.get(ParamResonance)

	freq := logMap(cutoff, filterMinFreq, filterMaxFreq)
	if max := f.sampleRate * 0.49; freq > max {
		freq = max
	}
	q := linMap(res, filterMinQ, filterMaxQ)

	f.g = float32(math.Tan(math.Pi * freq / f.sampleRate))
	f.k = float32(1.0 / q)
}

// Process implements Unit.
func (f *Filter) Process(buf *audio.Buffer) {
	mode, _ := f.params.get(ParamMode)

	for ch, samples := range buf.Channels {
		if ch >= len(f.ic1eq) {
			break
		}
		ic1eq := f.ic1eq[ch]
		ic2eq := f.ic2eq[ch]

		g := f.g
		k := f.k
		a1 := 1.0 / (1.0 + g*(g+k))
		a2 := g * a1
		a3 := g * a2

		for i, in := range samples {
			v3 := in - ic2eq
			v1 := a1*ic1eq + a2*v3
			v2 := ic2eq + a2*ic1eq + a3*v3

			ic1eq = 2.0*v1 - ic1eq
			ic2eq = 2.0*v2 - ic2eq

			low := v2
			band := v1
			high := in - k*v1 - v2

			switch {
			case mode < 1.0/3.0:
				samples[i] = low
			case mode < 2.0/3.0:
				samples[i] = band
			default:
				samples[i] = high
			}
		}

		f.ic1eq[ch] = ic1eq
		f.ic2eq[ch] = ic2eq
	}
}

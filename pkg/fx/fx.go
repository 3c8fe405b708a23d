// Package fx implements per-deck effect units and the ordered chain that
// routes a deck's signal through them. Every unit exposes its parameters
// normalized to [0,1]; mapping a normalized value to the unit's internal
// range is the unit's own responsibility and is a pure function of the
// input. Units process buffers in place: N samples in, N samples out,
// always. A unit with inherent group delay reports it through Latency so
// the transport can offset position reporting, but never changes buffer
// length.
package fx

import (
	"errors"
	"fmt"
	"math"

	"github.com/openmixer/mixcore/pkg/audio"
)

// Type identifies an effect unit implementation.
type Type string

const (
	TypeFilter     Type = "filter"
	TypeDelay      Type = "delay"
	TypeReverb     Type = "reverb"
	TypeDistortion Type = "distortion"
	TypeChorus     Type = "chorus"
	TypeCompressor Type = "compressor"
)

var (
	// ErrUnknownType is returned by New for an unrecognized effect type.
	ErrUnknownType = errors.New("fx: unknown effect type")
	// ErrUnknownUnit is returned by chain operations for an id that is not
	// in the chain.
	ErrUnknownUnit = errors.New("fx: unknown unit id")
	// ErrUnknownParam is returned by SetParam for a name the unit does not
	// expose.
	ErrUnknownParam = errors.New("fx: unknown parameter")
)

// Unit is one signal processor in a chain.
type Unit interface {
	// Type returns the unit's effect type.
	Type() Type

	// Process transforms the buffer in place.
	Process(buf *audio.Buffer)

	// Reset clears all internal state (delay lines, envelopes, filters).
	Reset()

	// SetParam sets a parameter from its normalized [0,1] value. Values
	// outside the range are clamped before mapping.
	SetParam(name string, value float64) error

	// Param returns the normalized value of a parameter.
	Param(name string) (float64, bool)

	// ParamNames lists the parameters the unit exposes.
	ParamNames() []string

	// Latency returns the unit's group delay in samples.
	Latency() int
}

// New constructs an effect unit of the given type for the session sample
// rate, with every parameter at its default.
func New(typ Type, sampleRate float64) (Unit, error) {
	switch typ {
	case TypeFilter:
		return NewFilter(sampleRate), nil
	case TypeDelay:
		return NewDelay(sampleRate), nil
	case TypeReverb:
		return NewReverb(sampleRate), nil
	case TypeDistortion:
		return NewDistortion(), nil
	case TypeChorus:
		return NewChorus(sampleRate), nil
	case TypeCompressor:
		return NewCompressor(sampleRate), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
}

// paramSet stores normalized parameter values and backs the Param and
// ParamNames methods shared by all units.
type paramSet struct {
	names  []string
	values map[string]float64
}

func newParamSet(defaults map[string]float64, order ...string) paramSet {
	v := make(map[string]float64, len(defaults))
	for k, d := range defaults {
		v[k] = d
	}
	return paramSet{names: order, values: v}
}

func (p *paramSet) set(name string, value float64) (float64, error) {
	if _, ok := p.values[name]; !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownParam, name)
	}
	v := clamp01(value)
	p.values[name] = v
	return v, nil
}

func (p *paramSet) get(name string) (float64, bool) {
	v, ok := p.values[name]
	return v, ok
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// linMap maps a normalized value onto [min, max] linearly.
func linMap(norm, min, max float64) float64 {
	return min + norm*(max-min)
}

// logMap maps a normalized value onto [min, max] exponentially; both bounds
// must be positive. Used for frequency-like parameters where equal control
// travel should cover equal octaves.
func logMap(norm, min, max float64) float64 {
	return min * math.Pow(max/min, norm)
}

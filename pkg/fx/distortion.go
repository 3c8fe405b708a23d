package fx

import (
	"math"

	"github.com/openmixer/mixcore/pkg/audio"
)

// Distortion parameter names.
const (
	ParamDrive = "drive" // 1x .. 20x pre-gain
	// ParamMix is shared with Delay.
)

const (
	distortionMinDrive = 1.0
	distortionMaxDrive = 20.0
)

// Distortion is a stateless tanh waveshaper with drive and dry/wet mix.
type Distortion struct {
	params paramSet
}

// NewDistortion creates a distortion with mild default drive.
func NewDistortion() *Distortion {
	return &Distortion{
		params: newParamSet(map[string]float64{
			ParamDrive: 0.25,
			ParamMix:   1.0,
		}, ParamDrive, ParamMix),
	}
}

// Type implements Unit.
func (d *Distortion) Type() Type { return TypeDistortion }

// Latency implements Unit.
func (d *Distortion) Latency() int { return 0 }

// SetParam implements Unit.
func (d *Distortion) SetParam(name string, value float64) error {
	_, err := d.params.set(name, value)
	return err
}

// Param implements Unit.
func (d *Distortion) Param(name string) (float64, bool) { return d.params.get(name) }

// ParamNames implements Unit.
func (d *Distortion) ParamNames() []string { return d.params.names }

// Reset implements Unit. The waveshaper carries no state.
func (d *Distortion) Reset() {}

// Process implements Unit.
func (d *Distortion) Process(buf *audio.Buffer) {
	driveN, _ := d.params.get(ParamDrive)
	mixN, _ := d.params.get(ParamMix)

	drive := logMap(driveN, distortionMinDrive, distortionMaxDrive)
	// Normalize so full drive does not also raise the output level.
	norm := float32(1.0 / math.Tanh(drive))
	mix := float32(mixN)
	dry := 1.0 - mix

	for _, samples := range buf.Channels {
		for i, in := range samples {
			wet := float32(math.Tanh(float64(in)*drive)) * norm
			samples[i] = in*dry + wet*mix
		}
	}
}

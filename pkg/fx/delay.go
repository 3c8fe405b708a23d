package fx

import (
	"github.com/openmixer/mixcore/pkg/audio"
)

// Delay parameter names.
const (
	ParamTime     = "time"     // 10 ms .. 2 s, log mapped
	ParamFeedback = "feedback" // 0 .. 0.95
	ParamMix      = "mix"      // dry/wet
)

const (
	delayMinMs      = 10.0
	delayMaxMs      = 2000.0
	delayMaxFeed    = 0.95
	delayMaxSeconds = 2.0
)

// line is a circular delay buffer with linear interpolated reads.
type line struct {
	buf      []float32
	writePos int
}

func newLine(maxSamples int) *line {
	return &line{buf: make([]float32, maxSamples+1)}
}

func (l *line) reset() {
	for i := range l.buf {
		l.buf[i] = 0
	}
	l.writePos = 0
}

func (l *line) write(s float32) {
	l.buf[l.writePos] = s
	l.writePos++
	if l.writePos >= len(l.buf) {
		l.writePos = 0
	}
}

func (l *line) read(delaySamples float64) float32 {
	pos := float64(l.writePos) - delaySamples
	size := float64(len(l.buf))
	if pos < 0 {
		pos += size
	}
	idx := int(pos)
	frac := float32(pos - float64(idx))
	s1 := l.buf[idx%len(l.buf)]
	s2 := l.buf[(idx+1)%len(l.buf)]
	return s1*(1.0-frac) + s2*frac
}

// Delay is a feedback echo with dry/wet mix.
type Delay struct {
	params     paramSet
	sampleRate float64
	lines      [audio.Stereo]*line
}

// NewDelay creates a delay with a quarter-second default time.
func NewDelay(sampleRate float64) *Delay {
	d := &Delay{
		params: newParamSet(map[string]float64{
			ParamTime:     0.6,
			ParamFeedback: 0.4,
			ParamMix:      0.35,
		}, ParamTime, ParamFeedback, ParamMix),
		sampleRate: sampleRate,
	}
	maxSamples := int(delayMaxSeconds * sampleRate)
	for i := range d.lines {
		d.lines[i] = newLine(maxSamples)
	}
	return d
}

// Type implements Unit.
func (d *Delay) Type() Type { return TypeDelay }

// Latency implements Unit. The dry path is undelayed.
func (d *Delay) Latency() int { return 0 }

// SetParam implements Unit.
func (d *Delay) SetParam(name string, value float64) error {
	_, err := d.params.set(name, value)
	return err
}

// Param implements Unit.
func (d *Delay) Param(name string) (float64, bool) { return d.params.get(name) }

// ParamNames implements Unit.
func (d *Delay) ParamNames() []string { return d.params.names }

// Reset implements Unit.
func (d *Delay) Reset() {
	for _, l := range d.lines {
		l.reset()
	}
}

// Process implements Unit.
func (d *Delay) Process(buf *audio.Buffer) {
	timeN, _ := d.params.get(ParamTime)
	feedN, _ := d.params.get(ParamFeedback)
	mixN, _ := d.params.get(ParamMix)

	delaySamples := logMap(timeN, delayMinMs, delayMaxMs) * d.sampleRate / 1000.0
	feedback := float32(feedN * delayMaxFeed)
	mix := float32(mixN)
	dry := 1.0 - mix

	for ch, samples := range buf.Channels {
		if ch >= len(d.lines) {
			break
		}
		l := d.lines[ch]
		for i, in := range samples {
			wet := l.read(delaySamples)
			l.write(in + wet*feedback)
			samples[i] = in*dry + wet*mix
		}
	}
}

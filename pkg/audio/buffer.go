// Package audio provides the shared buffer and frame model for the mixing
// core: decoded sample blocks, saturating accumulation, level conversion and
// panning gains. All buffer operations work in place and allocate nothing,
// so they are safe on the real-time path.
package audio

import "math"

// Common engine constants.
const (
	Mono   = 1
	Stereo = 2

	SampleRate44k1 = 44100.0
	SampleRate48k  = 48000.0

	MinChunkSize     = 64
	DefaultChunkSize = 512
	MaxChunkSize     = 4096

	// MinDB is treated as silence when converting levels.
	MinDB = -120.0
)

// Buffer is one channel-planar block of decoded samples. Channels hold one
// slice per channel, all of equal length. The owner of a Buffer may hand it
// to processing stages, which mutate it in place and never retain it.
type Buffer struct {
	Channels   [][]float32
	SampleRate float64
}

// NewBuffer allocates a buffer with the given channel count and frame length.
func NewBuffer(channels, frames int, sampleRate float64) *Buffer {
	ch := make([][]float32, channels)
	for i := range ch {
		ch[i] = make([]float32, frames)
	}
	return &Buffer{Channels: ch, SampleRate: sampleRate}
}

// Frames returns the per-channel length of the buffer.
func (b *Buffer) Frames() int {
	if len(b.Channels) == 0 {
		return 0
	}
	return len(b.Channels[0])
}

// NumChannels returns the channel count.
func (b *Buffer) NumChannels() int { return len(b.Channels) }

// Clear zeroes every channel.
func (b *Buffer) Clear() {
	for _, ch := range b.Channels {
		Clear(ch)
	}
}

// Clear zeroes a sample slice.
func Clear(buf []float32) {
	for i := range buf {
		buf[i] = 0
	}
}

// AddScaled adds src scaled by gain into dst.
func AddScaled(dst, src []float32, gain float32) {
	n := len(dst)
	if len(src) < n {
		n = len(src)
	}
	for i := 0; i < n; i++ {
		dst[i] += src[i] * gain
	}
}

// AddSaturating adds src scaled by gain into dst, clamping the running sum
// to [-1, 1]. Overlapping decks saturate instead of wrapping, which keeps
// overload artifacts bounded.
func AddSaturating(dst, src []float32, gain float32) {
	n := len(dst)
	if len(src) < n {
		n = len(src)
	}
	for i := 0; i < n; i++ {
		s := dst[i] + src[i]*gain
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		dst[i] = s
	}
}

// Scale multiplies every sample by gain.
func Scale(buf []float32, gain float32) {
	for i := range buf {
		buf[i] *= gain
	}
}

// SoftClip applies tanh saturation above threshold, leaving the signal below
// it untouched. Used as the optional master-bus limiter.
func SoftClip(buf []float32, threshold float32) {
	for i := range buf {
		s := buf[i]
		if s > threshold {
			buf[i] = threshold + (1.0-threshold)*float32(math.Tanh(float64(s-threshold)))
		} else if s < -threshold {
			buf[i] = -threshold + (-1.0+threshold)*float32(math.Tanh(float64(s+threshold)))
		}
	}
}

// Peak returns the maximum absolute sample value.
func Peak(buf []float32) float32 {
	peak := float32(0)
	for _, s := range buf {
		if s < 0 {
			s = -s
		}
		if s > peak {
			peak = s
		}
	}
	return peak
}

// RMS returns the root mean square level of the slice.
func RMS(buf []float32) float32 {
	if len(buf) == 0 {
		return 0
	}
	sum := float32(0)
	for _, s := range buf {
		sum += s * s
	}
	return float32(math.Sqrt(float64(sum / float32(len(buf)))))
}

// DBToLinear converts decibels to a linear gain factor.
func DBToLinear(db float64) float32 {
	if db <= MinDB {
		return 0
	}
	return float32(math.Pow(10, db/20))
}

// LinearToDB converts a linear gain factor to decibels.
func LinearToDB(gain float64) float64 {
	if gain <= 0 {
		return MinDB
	}
	return 20 * math.Log10(gain)
}

// PanGains computes constant-power stereo gains for a pan position in
// [-1, 1], -1 hard left and +1 hard right.
func PanGains(pan float32) (left, right float32) {
	if pan < -1 {
		pan = -1
	} else if pan > 1 {
		pan = 1
	}
	angle := float64(pan+1) * math.Pi / 4
	return float32(math.Cos(angle)), float32(math.Sin(angle))
}

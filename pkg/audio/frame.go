package audio

import "time"

// FrameFormat identifies the pixel layout of a video frame.
type FrameFormat int

const (
	// FormatRGBA is 8-bit interleaved RGBA, the compositor's working format.
	FormatRGBA FrameFormat = iota
	// FormatNV12 is planar Y with interleaved UV, as delivered by decoders.
	FormatNV12
)

// Frame is one decoded video frame. Data is owned by the producing source
// until the compositor returns from its draw; composited output frames are
// owned by the compositor and reused across ticks.
type Frame struct {
	Width  int
	Height int
	Stride int
	Format FrameFormat
	Data   []byte
	PTS    time.Duration
}

// NewRGBAFrame allocates a zeroed RGBA frame.
func NewRGBAFrame(width, height int) *Frame {
	return &Frame{
		Width:  width,
		Height: height,
		Stride: width * 4,
		Format: FormatRGBA,
		Data:   make([]byte, width*height*4),
	}
}

// Clear zeroes the frame to transparent black.
func (f *Frame) Clear() {
	for i := range f.Data {
		f.Data[i] = 0
	}
}

// At returns the RGBA value at (x, y). Out-of-bounds reads return zero.
func (f *Frame) At(x, y int) (r, g, b, a uint8) {
	if x < 0 || y < 0 || x >= f.Width || y >= f.Height {
		return 0, 0, 0, 0
	}
	i := y*f.Stride + x*4
	return f.Data[i], f.Data[i+1], f.Data[i+2], f.Data[i+3]
}

// Set writes the RGBA value at (x, y). Out-of-bounds writes are dropped.
func (f *Frame) Set(x, y int, r, g, b, a uint8) {
	if x < 0 || y < 0 || x >= f.Width || y >= f.Height {
		return
	}
	i := y*f.Stride + x*4
	f.Data[i] = r
	f.Data[i+1] = g
	f.Data[i+2] = b
	f.Data[i+3] = a
}

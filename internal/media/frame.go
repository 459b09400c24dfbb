// Package media defines the frame types that flow through the dualcast
// engine, from window capture through encoding and transport fan-out.
package media

import (
	"image"
	"time"
)

// Placeholder frame geometry used when the capture target is unavailable.
const (
	PlaceholderWidth  = 640
	PlaceholderHeight = 360
)

// Frame is a single raw capture of the target window. The engine owns it for
// the duration of one tick; it is never retained across ticks.
type Frame struct {
	Image      image.Image
	CapturedAt time.Time
}

// Width returns the pixel width of the frame, or 0 for an empty frame.
func (f *Frame) Width() int {
	if f == nil || f.Image == nil {
		return 0
	}
	return f.Image.Bounds().Dx()
}

// Height returns the pixel height of the frame, or 0 for an empty frame.
func (f *Frame) Height() int {
	if f == nil || f.Image == nil {
		return 0
	}
	return f.Image.Bounds().Dy()
}

// Payload is one encoded frame ready for distribution. It is produced once
// per tick and shared read-only by both transports, so Data must not be
// modified after construction.
type Payload struct {
	FrameID     uint16
	Data        []byte
	Width       int
	Height      int
	Quality     int
	Placeholder bool // true when Data is the "window unavailable" image
	EncodedAt   time.Time
}

// Size returns the encoded payload length in bytes.
func (p Payload) Size() int { return len(p.Data) }

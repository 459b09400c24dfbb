// Package capture adapts the external window-capture backend to the engine.
// The backend is an opaque function returning the latest window image; this
// package turns it into a Source and renders the placeholder shown to
// viewers while the window is missing.
package capture

import (
	"errors"
	"image"
	"time"

	"github.com/zsiec/dualcast/internal/media"
)

var (
	// ErrUnavailable reports that no frame could be captured this tick.
	ErrUnavailable = errors.New("capture: frame unavailable")

	// ErrWindowNotFound reports that the target window does not exist or
	// has been closed. It wraps ErrUnavailable.
	ErrWindowNotFound = &unavailableError{reason: "target window not found"}
)

type unavailableError struct {
	reason string
}

func (e *unavailableError) Error() string { return "capture: " + e.reason }
func (e *unavailableError) Unwrap() error { return ErrUnavailable }

// Source yields the latest raw frame of the capture target on demand.
// Implementations return an error wrapping ErrUnavailable when the target
// cannot be captured.
type Source interface {
	Capture() (*media.Frame, error)
}

// Func adapts a plain capture function to Source. A nil image with a nil
// error is treated as ErrUnavailable.
type Func func() (image.Image, error)

// Capture implements Source.
func (f Func) Capture() (*media.Frame, error) {
	img, err := f()
	if err != nil {
		return nil, err
	}
	if img == nil || img.Bounds().Empty() {
		return nil, ErrUnavailable
	}
	return &media.Frame{Image: img, CapturedAt: time.Now()}, nil
}

// Acquire captures one frame from src. A nil frame or an empty image is
// reported as ErrUnavailable, so callers only ever see a usable frame or an
// error.
func Acquire(src Source) (*media.Frame, error) {
	if src == nil {
		return nil, ErrUnavailable
	}
	frame, err := src.Capture()
	if err != nil {
		return nil, err
	}
	if frame == nil || frame.Image == nil || frame.Image.Bounds().Empty() {
		return nil, ErrUnavailable
	}
	return frame, nil
}

// Reason returns the human-readable text shown on the placeholder frame for
// a capture error.
func Reason(err error) string {
	var ue *unavailableError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ue):
		return ue.reason
	case errors.Is(err, ErrUnavailable):
		return "frame unavailable"
	default:
		return "capture failed: " + err.Error()
	}
}

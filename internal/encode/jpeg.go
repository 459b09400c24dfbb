// Package encode compresses captured frames into JPEG payloads and picks
// the compression quality for each tick.
package encode

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/zsiec/dualcast/internal/config"
)

// JPEG encodes frames as baseline JPEG, which every browser and image
// viewer can decode without negotiation.
type JPEG struct {
	// SizeHint pre-sizes the output buffer. Zero uses a guess derived from
	// the image area.
	SizeHint int
}

// Encode compresses img at the given quality. Quality is clamped to
// [1, 100]; higher values produce larger, more faithful output.
func (e JPEG) Encode(img image.Image, quality int) ([]byte, error) {
	if img == nil {
		return nil, fmt.Errorf("encode: nil image")
	}
	quality = min(max(quality, config.MinQuality), config.MaxQuality)

	hint := e.SizeHint
	if hint <= 0 {
		b := img.Bounds()
		hint = b.Dx() * b.Dy() / 8
	}
	var buf bytes.Buffer
	buf.Grow(hint)
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode: jpeg at quality %d: %w", quality, err)
	}
	return buf.Bytes(), nil
}

package capture

import (
	"image"
	"image/color"
	"image/draw"
	"sync/atomic"
	"time"

	"github.com/zsiec/dualcast/internal/media"
)

var barColors = []color.RGBA{
	{0xc0, 0xc0, 0xc0, 0xff},
	{0xc0, 0xc0, 0x00, 0xff},
	{0x00, 0xc0, 0xc0, 0xff},
	{0x00, 0xc0, 0x00, 0xff},
	{0xc0, 0x00, 0xc0, 0xff},
	{0xc0, 0x00, 0x00, 0xff},
	{0x00, 0x00, 0xc0, 0xff},
}

// TestPattern is a synthetic Source producing scrolling color bars with a
// moving marker and a wall-clock caption. It stands in for a real window
// capture backend and can simulate the window disappearing.
type TestPattern struct {
	width, height int
	title         string
	frames        atomic.Uint64
	missing       atomic.Bool
}

// NewTestPattern creates a pattern source of the given size. Dimensions
// below 1 are raised to 1.
func NewTestPattern(width, height int, title string) *TestPattern {
	return &TestPattern{width: max(width, 1), height: max(height, 1), title: title}
}

// SetAvailable toggles whether Capture succeeds. While unavailable it
// returns ErrWindowNotFound.
func (p *TestPattern) SetAvailable(ok bool) {
	p.missing.Store(!ok)
}

// Captured returns how many frames have been produced.
func (p *TestPattern) Captured() uint64 {
	return p.frames.Load()
}

// Capture implements Source.
func (p *TestPattern) Capture() (*media.Frame, error) {
	if p.missing.Load() {
		return nil, ErrWindowNotFound
	}
	n := p.frames.Add(1)
	now := time.Now()

	img := image.NewRGBA(image.Rect(0, 0, p.width, p.height))
	barW := max(p.width/len(barColors), 1)
	shift := int(n) % p.width
	for i := range barColors {
		x0 := (i*barW + shift) % p.width
		r := image.Rect(x0, 0, min(x0+barW, p.width), p.height*3/4)
		draw.Draw(img, r, image.NewUniform(barColors[i]), image.Point{}, draw.Src)
		if x0+barW > p.width {
			wrap := image.Rect(0, 0, x0+barW-p.width, p.height*3/4)
			draw.Draw(img, wrap, image.NewUniform(barColors[i]), image.Point{}, draw.Src)
		}
	}

	band := image.Rect(0, p.height*3/4, p.width, p.height)
	draw.Draw(img, band, image.NewUniform(color.RGBA{R: 0x20, G: 0x20, B: 0x20, A: 0xff}), image.Point{}, draw.Src)

	size := max(p.height/12, 4)
	mx := int(n*4) % max(p.width-size, 1)
	marker := image.Rect(mx, p.height*3/4+4, mx+size, p.height*3/4+4+size)
	draw.Draw(img, marker.Intersect(band), image.NewUniform(color.White), image.Point{}, draw.Src)

	drawText(img, p.title+" "+now.Format("15:04:05.000"), 8, p.height-8, color.White, 1)
	return &media.Frame{Image: img, CapturedAt: now}, nil
}

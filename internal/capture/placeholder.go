package capture

import (
	"image"
	"image/color"
	"image/draw"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/zsiec/dualcast/internal/media"
)

var (
	placeholderBG    = color.RGBA{R: 0x10, G: 0x10, B: 0x1b, A: 0xff}
	placeholderWarn  = color.RGBA{R: 0xff, G: 0xff, B: 0x00, A: 0xff}
	placeholderMuted = color.RGBA{R: 0xc8, G: 0xc8, B: 0xc8, A: 0xff}
	overlayText      = color.RGBA{R: 0x00, G: 0xff, B: 0x00, A: 0xff}
	overlayShade     = color.RGBA{A: 0xa0}
)

// Placeholder renders the fixed-size frame sent while the capture target is
// unavailable. The reason and the configured window title are printed so
// viewers get feedback without access to server logs.
func Placeholder(reason, title string) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, media.PlaceholderWidth, media.PlaceholderHeight))
	draw.Draw(img, img.Bounds(), image.NewUniform(placeholderBG), image.Point{}, draw.Src)

	if reason == "" {
		reason = "frame unavailable"
	}
	drawText(img, "! "+reason, 80, 130, placeholderWarn, 2)
	drawText(img, "title: '"+title+"'", 120, 190, placeholderMuted, 1)
	return img
}

// Annotate returns a copy of img with text drawn in a shaded bar across the
// top-left corner. The source image is not modified.
func Annotate(img image.Image, text string) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)

	face := basicfont.Face7x13
	width := font.MeasureString(face, text).Ceil() + 12
	bar := image.Rect(0, 0, min(width, b.Dx()), min(face.Height+10, b.Dy()))
	draw.Draw(out, bar, image.NewUniform(overlayShade), image.Point{}, draw.Over)

	drawText(out, text, 6, face.Ascent+5, overlayText, 1)
	return out
}

// drawText draws s with its baseline at (x, y). Scales above 1 render the
// bitmap font into a scratch image and upscale it with nearest-neighbor so
// glyph edges stay crisp.
func drawText(dst *image.RGBA, s string, x, y int, c color.Color, scale int) {
	face := basicfont.Face7x13
	if scale <= 1 {
		d := font.Drawer{
			Dst:  dst,
			Src:  image.NewUniform(c),
			Face: face,
			Dot:  fixed.P(x, y),
		}
		d.DrawString(s)
		return
	}

	w := font.MeasureString(face, s).Ceil()
	if w == 0 {
		return
	}
	scratch := image.NewRGBA(image.Rect(0, 0, w, face.Height))
	d := font.Drawer{
		Dst:  scratch,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P(0, face.Ascent),
	}
	d.DrawString(s)

	top := y - face.Ascent*scale
	target := image.Rect(x, top, x+w*scale, top+face.Height*scale)
	xdraw.NearestNeighbor.Scale(dst, target, scratch, scratch.Bounds(), xdraw.Over, nil)
}

package encode

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"
)

func gradient(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 255 / w), G: uint8(y * 255 / h), B: uint8((x ^ y) & 0xff), A: 0xff})
		}
	}
	return img
}

func TestJPEGEncodeDecodes(t *testing.T) {
	t.Parallel()

	data, err := JPEG{}.Encode(gradient(640, 480), 65)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(data) < 2 || data[0] != 0xFF || data[1] != 0xD8 {
		t.Fatal("payload does not start with a JPEG SOI marker")
	}

	cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("DecodeConfig: %v", err)
	}
	if cfg.Width != 640 || cfg.Height != 480 {
		t.Errorf("decoded size %dx%d, want 640x480", cfg.Width, cfg.Height)
	}
}

func TestJPEGHigherQualityIsLarger(t *testing.T) {
	t.Parallel()

	img := gradient(320, 240)
	low, err := JPEG{}.Encode(img, 20)
	if err != nil {
		t.Fatal(err)
	}
	high, err := JPEG{}.Encode(img, 95)
	if err != nil {
		t.Fatal(err)
	}
	if len(high) <= len(low) {
		t.Errorf("quality 95 produced %d bytes, quality 20 produced %d", len(high), len(low))
	}
}

func TestJPEGClampsQuality(t *testing.T) {
	t.Parallel()

	img := gradient(64, 64)
	for _, q := range []int{-5, 0, 150} {
		if _, err := (JPEG{}).Encode(img, q); err != nil {
			t.Errorf("Encode(q=%d): %v", q, err)
		}
	}
}

func TestJPEGNilImage(t *testing.T) {
	t.Parallel()
	if _, err := (JPEG{}).Encode(nil, 50); err == nil {
		t.Fatal("expected error for nil image")
	}
}

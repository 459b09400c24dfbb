package feed

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"testing"
	"time"

	"github.com/zsiec/dualcast/internal/capture"
	"github.com/zsiec/dualcast/internal/config"
	"github.com/zsiec/dualcast/internal/encode"
	"github.com/zsiec/dualcast/internal/media"
)

func feedConfig(fps int) config.Config {
	cfg := config.Default()
	cfg.FPS = fps
	cfg.WindowTitle = "Feed"
	return cfg
}

func TestNextFramePaces(t *testing.T) {
	t.Parallel()

	p := NewPuller(capture.NewTestPattern(64, 36, "Feed"), encode.JPEG{}, feedConfig(10), nil)
	ctx := context.Background()

	start := time.Now()
	var last uint64
	for range 3 {
		data, meta, err := p.NextFrame(ctx)
		if err != nil {
			t.Fatalf("NextFrame: %v", err)
		}
		if meta.Seq != last+1 {
			t.Errorf("Seq = %d, want %d", meta.Seq, last+1)
		}
		last = meta.Seq
		if meta.Width != 64 || meta.Height != 36 || meta.Placeholder {
			t.Errorf("unexpected meta %+v", meta)
		}
		if _, err := jpeg.Decode(bytes.NewReader(data)); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	// First frame is immediate, the next two wait one interval each.
	if elapsed := time.Since(start); elapsed < 190*time.Millisecond {
		t.Errorf("three frames at 10 fps took %v, want at least 200ms", elapsed)
	}
}

func TestNextFramePlaceholder(t *testing.T) {
	t.Parallel()

	src := capture.NewTestPattern(64, 36, "Feed")
	src.SetAvailable(false)
	p := NewPuller(src, encode.JPEG{}, feedConfig(30), nil)

	data, meta, err := p.NextFrame(context.Background())
	if err != nil {
		t.Fatalf("NextFrame: %v", err)
	}
	if !meta.Placeholder || meta.Quality != PlaceholderQuality {
		t.Errorf("meta = %+v, want placeholder at quality %d", meta, PlaceholderQuality)
	}
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 640 || b.Dy() != 360 {
		t.Errorf("placeholder size %dx%d, want 640x360", b.Dx(), b.Dy())
	}
}

func TestNextFrameCancelled(t *testing.T) {
	t.Parallel()

	p := NewPuller(capture.NewTestPattern(32, 32, "Feed"), encode.JPEG{}, feedConfig(1), nil)
	if _, _, err := p.NextFrame(context.Background()); err != nil {
		t.Fatalf("first NextFrame: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, _, err := p.NextFrame(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("NextFrame() = %v, want DeadlineExceeded", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("cancellation was not observed promptly")
	}
}

type failingEncoder struct{}

func (failingEncoder) Encode(image.Image, int) ([]byte, error) {
	return nil, errors.New("no encoder")
}

func TestNextFrameEncodeError(t *testing.T) {
	t.Parallel()

	p := NewPuller(capture.NewTestPattern(32, 32, "Feed"), failingEncoder{}, feedConfig(30), nil)
	if _, _, err := p.NextFrame(context.Background()); err == nil {
		t.Fatal("expected encode error")
	}
}

type emptySource struct{}

func (emptySource) Capture() (*media.Frame, error) { return nil, nil }

func TestNextFrameNoFrameFromSource(t *testing.T) {
	t.Parallel()

	p := NewPuller(emptySource{}, encode.JPEG{}, feedConfig(30), nil)
	data, meta, err := p.NextFrame(context.Background())
	if err != nil {
		t.Fatalf("NextFrame: %v", err)
	}
	if !meta.Placeholder || meta.Quality != PlaceholderQuality {
		t.Errorf("meta = %+v, want placeholder", meta)
	}
	if meta.Width != 640 || meta.Height != 360 {
		t.Errorf("size %dx%d, want 640x360", meta.Width, meta.Height)
	}
	if _, err := jpeg.Decode(bytes.NewReader(data)); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

// Package feed provides a pull interface over a capture source for
// consumers that request frames one at a time, such as an HTTP page
// serving an MJPEG stream. It paces itself independently of the engine.
package feed

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/zsiec/dualcast/internal/capture"
	"github.com/zsiec/dualcast/internal/config"
	"github.com/zsiec/dualcast/internal/encode"
)

// PlaceholderQuality matches the encoder quality the engine uses for
// placeholder frames.
const PlaceholderQuality = 60

// Encoder turns an image into a compressed payload.
type Encoder interface {
	Encode(img image.Image, quality int) ([]byte, error)
}

// Meta describes a frame returned by NextFrame.
type Meta struct {
	Seq         uint64
	Width       int
	Height      int
	Quality     int
	Placeholder bool
	CapturedAt  time.Time
}

// Puller hands out encoded frames at most once per frame interval.
// Concurrent callers are served one at a time, each getting its own slot.
type Puller struct {
	log      *slog.Logger
	src      capture.Source
	enc      Encoder
	title    string
	quality  int
	interval time.Duration

	mu   sync.Mutex
	next time.Time
	seq  uint64
}

// NewPuller creates a Puller pacing at cfg.FPS with the static quality from
// cfg. If log is nil, slog.Default() is used.
func NewPuller(src capture.Source, enc Encoder, cfg config.Config, log *slog.Logger) *Puller {
	if log == nil {
		log = slog.Default()
	}
	return &Puller{
		log:      log.With("component", "feed"),
		src:      src,
		enc:      enc,
		title:    cfg.WindowTitle,
		quality:  encode.NewPolicy(cfg).Quality(encode.Signal{}),
		interval: cfg.FrameInterval(),
	}
}

// NextFrame blocks until the next pacing slot, then captures and encodes a
// frame. A missing window yields a placeholder frame rather than an error.
// It returns ctx.Err() if ctx ends first.
func (p *Puller) NextFrame(ctx context.Context) ([]byte, Meta, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if wait := time.Until(p.next); wait > 0 {
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, Meta{}, ctx.Err()
		case <-t.C:
		}
	} else if err := ctx.Err(); err != nil {
		return nil, Meta{}, err
	}

	now := time.Now()
	p.next = now.Add(p.interval)

	var (
		img  image.Image
		meta = Meta{Quality: p.quality, CapturedAt: now}
	)
	frame, err := capture.Acquire(p.src)
	if err != nil {
		p.log.Debug("capture unavailable", "error", err)
		img = capture.Placeholder(capture.Reason(err), p.title)
		meta.Quality = PlaceholderQuality
		meta.Placeholder = true
	} else {
		img = frame.Image
		meta.CapturedAt = frame.CapturedAt
	}

	data, err := p.enc.Encode(img, meta.Quality)
	if err != nil {
		return nil, Meta{}, fmt.Errorf("encoding frame: %w", err)
	}

	b := img.Bounds()
	meta.Width, meta.Height = b.Dx(), b.Dy()
	p.seq++
	meta.Seq = p.seq
	return data, meta, nil
}

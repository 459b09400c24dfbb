// Package engine orchestrates a streaming session: it paces frame
// acquisition, encodes each frame once and fans the payload out to both
// transports, tracking liveness and session statistics along the way.
package engine

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/dualcast/internal/capture"
	"github.com/zsiec/dualcast/internal/config"
	"github.com/zsiec/dualcast/internal/encode"
	"github.com/zsiec/dualcast/internal/media"
	"github.com/zsiec/dualcast/internal/metrics"
	"github.com/zsiec/dualcast/internal/reliable"
	"github.com/zsiec/dualcast/internal/unreliable"
)

const (
	// PlaceholderQuality is the fixed encoder quality for placeholder frames.
	PlaceholderQuality = 60

	// pollQuantum is how long the pacing loop sleeps between checks while
	// waiting for the next frame slot.
	pollQuantum = 5 * time.Millisecond

	// lateTickThreshold is the gap between tick starts above which a tick is
	// reported late. Slow frame rates get their own interval plus slack.
	lateTickThreshold = 100 * time.Millisecond

	// shutdownTimeout bounds how long Stop waits for background tasks.
	shutdownTimeout = 3 * time.Second
)

var (
	ErrAlreadyStarted = errors.New("engine: already started")
	ErrStopped        = errors.New("engine: stopped")
)

// Encoder turns an image into a self-describing compressed payload.
type Encoder interface {
	Encode(img image.Image, quality int) ([]byte, error)
}

// Stoppable is a component that can be asked to release its resources.
// Stop must be idempotent.
type Stoppable interface {
	Stop()
}

// Status is a point-in-time snapshot of the session.
type Status struct {
	Running           bool      `json:"running"`
	StartTime         time.Time `json:"startTime"`
	FrameCount        uint64    `json:"frameCount"`
	CurrentFrameID    uint16    `json:"currentFrameId"`
	FPS               float64   `json:"fps"`
	TargetFPS         int       `json:"targetFps"`
	Placeholders      uint64    `json:"placeholders"`
	EncodeErrors      uint64    `json:"encodeErrors"`
	LastQuality       int       `json:"lastQuality"`
	LastFrameBytes    int       `json:"lastFrameBytes"`
	LateTicks         uint64    `json:"lateTicks"`
	ReliableAddr      string    `json:"reliableAddr,omitempty"`
	UnreliableAddr    string    `json:"unreliableAddr,omitempty"`
	ReliableClients   int       `json:"reliableClients"`
	UnreliableClients int       `json:"unreliableClients"`
	PreviewOverwrites uint64    `json:"previewOverwrites"`

	Reliable   reliable.Stats   `json:"reliable"`
	Unreliable unreliable.Stats `json:"unreliable"`
}

// Engine runs one streaming session. Create it with New, then either call
// Start and Stop, or Run with a context.
type Engine struct {
	log    *slog.Logger
	cfg    config.Config
	src    capture.Source
	enc    Encoder
	policy encode.Policy

	reliable   *reliable.Manager
	unreliable *unreliable.Manager
	stoppables []Stoppable

	tasks    errgroup.Group
	started  atomic.Bool
	launched atomic.Bool
	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}

	preview previewSlot

	mu            sync.Mutex
	startTime     time.Time
	frameCount    uint64
	frameID       uint16
	placeholders  uint64
	encodeErrors  uint64
	lateTicks     uint64
	lastQuality   int
	lastBytes     int
	inPlaceholder bool
	signal        encode.Signal
	fps           float64
	fpsWindow     time.Time
	fpsFrames     int
}

// New creates an Engine for cfg. The configuration is not validated here;
// callers pass the result of config.Load or config.Default. If log is nil,
// slog.Default() is used.
func New(cfg config.Config, src capture.Source, enc Encoder, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		log:    log.With("component", "engine"),
		cfg:    cfg,
		src:    src,
		enc:    enc,
		policy: encode.NewPolicy(cfg),
		reliable: reliable.New(reliable.Config{
			Addr: cfg.ReliableAddr(),
		}, log),
		unreliable: unreliable.New(unreliable.Config{
			Addr:                cfg.UnreliableAddr(),
			InactivityThreshold: cfg.InactivityThreshold.Duration,
		}, log),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	// Shutdown order: stop accepting viewers, then stop sending video.
	e.stoppables = []Stoppable{e.reliable, e.unreliable}
	return e
}

// Start binds both transports and launches the accept loop, the
// registration loop and the pacing loop. A bind failure is returned and
// leaves nothing running.
func (e *Engine) Start() error {
	if !e.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	select {
	case <-e.stopCh:
		return ErrStopped
	default:
	}

	if err := e.reliable.Listen(); err != nil {
		e.Stop()
		return fmt.Errorf("starting reliable transport: %w", err)
	}
	if err := e.unreliable.Listen(); err != nil {
		e.Stop()
		return fmt.Errorf("starting unreliable transport: %w", err)
	}

	now := time.Now()
	e.mu.Lock()
	e.startTime = now
	e.fpsWindow = now
	e.mu.Unlock()
	e.running.Store(true)
	e.launched.Store(true)

	e.tasks.Go(func() error {
		e.reliable.AcceptLoop()
		return nil
	})
	e.tasks.Go(func() error {
		e.unreliable.RegisterLoop()
		return nil
	})
	e.tasks.Go(e.pace)
	go func() {
		if err := e.tasks.Wait(); err != nil {
			e.log.Error("background task failed", "error", err)
		}
		close(e.done)
	}()

	e.log.Info("streaming started",
		"tcp", e.reliable.Addr(),
		"udp", e.unreliable.Addr(),
		"fps", e.cfg.FPS,
		"window", e.cfg.WindowTitle,
	)
	return nil
}

// Stop halts the pacing loop, stops both transports and waits a bounded
// time for background tasks to exit. It is safe to call more than once and
// before Start.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.running.Store(false)
		close(e.stopCh)
		for _, s := range e.stoppables {
			s.Stop()
		}

		if !e.launched.Load() {
			return
		}
		select {
		case <-e.done:
		case <-time.After(shutdownTimeout):
			// Still running tasks only hold closed sockets.
			e.log.Warn("timed out waiting for background tasks", "timeout", shutdownTimeout)
		}

		e.mu.Lock()
		frames := e.frameCount
		e.mu.Unlock()
		e.log.Info("streaming stopped", "frames", frames)
	})
}

// Run starts the engine, blocks until ctx is cancelled, then stops it.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	e.Stop()
	return nil
}

// pace ticks at the configured frame rate until stopped, sleeping in small
// quanta so a stop request is observed quickly.
func (e *Engine) pace() error {
	interval := e.cfg.FrameInterval()
	timer := time.NewTimer(pollQuantum)
	defer timer.Stop()

	var last time.Time
	for e.running.Load() {
		if since := time.Since(last); since < interval {
			timer.Reset(min(pollQuantum, interval-since))
			select {
			case <-e.stopCh:
				return nil
			case <-timer.C:
			}
			continue
		}
		now := time.Now()
		if !last.IsZero() {
			e.checkGap(now.Sub(last), interval)
		}
		last = now
		e.tick()
	}
	return nil
}

// checkGap reports a tick that started too long after the previous one,
// typically because capture or fan-out overran the frame interval.
func (e *Engine) checkGap(gap, interval time.Duration) bool {
	limit := max(lateTickThreshold, interval+2*pollQuantum)
	if gap <= limit {
		return false
	}
	e.mu.Lock()
	e.lateTicks++
	e.mu.Unlock()
	metrics.RecordLateTick()
	e.log.Warn("frame gap exceeded", "gap", gap, "limit", limit)
	return true
}

// tick produces and distributes one frame. Payload N reaches both
// transports before tick N+1 captures.
func (e *Engine) tick() {
	start := time.Now()

	img, quality, placeholder := e.acquire()
	data, err := e.enc.Encode(img, quality)
	if err != nil {
		e.mu.Lock()
		e.encodeErrors++
		e.mu.Unlock()
		e.log.Warn("encode failed", "error", err)
		return
	}

	e.mu.Lock()
	id := e.frameID
	e.mu.Unlock()

	b := img.Bounds()
	payload := media.Payload{
		FrameID:     id,
		Data:        data,
		Width:       b.Dx(),
		Height:      b.Dy(),
		Quality:     quality,
		Placeholder: placeholder,
		EncodedAt:   time.Now(),
	}
	e.preview.publish(payload)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		e.reliable.Notify(id, payload.Size())
	}()
	go func() {
		defer wg.Done()
		e.unreliable.Fanout(payload.Data, id)
	}()
	wg.Wait()

	e.unreliable.Reap(time.Now())

	now := time.Now()
	e.mu.Lock()
	e.frameCount++
	e.frameID++
	e.lastQuality = quality
	e.lastBytes = len(data)
	if placeholder {
		e.placeholders++
	}
	e.fpsFrames++
	if elapsed := now.Sub(e.fpsWindow); elapsed >= time.Second {
		e.fps = float64(e.fpsFrames) / elapsed.Seconds()
		e.fpsWindow = now
		e.fpsFrames = 0
	}
	e.mu.Unlock()

	metrics.RecordFrame(placeholder, payload.Size(), time.Since(start))
}

// acquire captures the next image, substituting the placeholder when the
// window is unavailable.
func (e *Engine) acquire() (image.Image, int, bool) {
	frame, err := capture.Acquire(e.src)
	if err != nil {
		reason := capture.Reason(err)
		e.mu.Lock()
		entering := !e.inPlaceholder
		e.inPlaceholder = true
		e.mu.Unlock()
		if entering {
			e.log.Warn("capture unavailable, sending placeholder", "reason", reason, "window", e.cfg.WindowTitle)
		}
		return capture.Placeholder(reason, e.cfg.WindowTitle), PlaceholderQuality, true
	}

	e.mu.Lock()
	resumed := e.inPlaceholder
	e.inPlaceholder = false
	sig := e.signal
	fps := e.fps
	e.mu.Unlock()
	if resumed {
		e.log.Info("capture resumed", "window", e.cfg.WindowTitle)
	}

	if !e.cfg.Adaptive {
		sig = encode.Signal{}
	}
	quality := e.policy.Quality(sig)

	img := frame.Image
	if e.cfg.ShowDebug {
		img = capture.Annotate(img, fmt.Sprintf("%s | %dx%d | FPS:%.1f",
			e.cfg.WindowTitle, frame.Width(), frame.Height(), fps))
	}
	return img, quality, false
}

// SetNetworkQuality supplies a network-quality measurement in [0,1] used
// to pick the encoder quality when adaptive mode is enabled.
func (e *Engine) SetNetworkQuality(v float64) {
	v = min(max(v, 0), 1)
	e.mu.Lock()
	e.signal = encode.SignalOf(v)
	e.mu.Unlock()
}

// ClearNetworkQuality discards the measurement; the static quality applies.
func (e *Engine) ClearNetworkQuality() {
	e.mu.Lock()
	e.signal = encode.Signal{}
	e.mu.Unlock()
}

// Preview returns the most recently produced payload, if any.
func (e *Engine) Preview() (media.Payload, bool) {
	return e.preview.latest()
}

// Status returns a snapshot of the session.
func (e *Engine) Status() Status {
	e.mu.Lock()
	s := Status{
		StartTime:      e.startTime,
		FrameCount:     e.frameCount,
		CurrentFrameID: e.frameID,
		FPS:            e.fps,
		Placeholders:   e.placeholders,
		EncodeErrors:   e.encodeErrors,
		LastQuality:    e.lastQuality,
		LastFrameBytes: e.lastBytes,
		LateTicks:      e.lateTicks,
	}
	e.mu.Unlock()

	s.Running = e.running.Load()
	s.TargetFPS = e.cfg.FPS
	if a := e.reliable.Addr(); a != nil {
		s.ReliableAddr = a.String()
	}
	if a := e.unreliable.Addr(); a != nil {
		s.UnreliableAddr = a.String()
	}
	s.ReliableClients = e.reliable.Count()
	s.UnreliableClients = e.unreliable.Count()
	s.PreviewOverwrites = e.preview.overwritten()
	s.Reliable = e.reliable.Stats()
	s.Unreliable = e.unreliable.Stats()
	return s
}

// ReliableClients returns the handshaken reliable clients.
func (e *Engine) ReliableClients() []reliable.ClientInfo {
	return e.reliable.Clients()
}

// UnreliableClients returns the registered unreliable clients.
func (e *Engine) UnreliableClients() []unreliable.Client {
	return e.unreliable.Clients()
}

// previewSlot holds the latest payload. Publishing overwrites; an
// overwrite of a payload nobody read is counted.
type previewSlot struct {
	mu         sync.Mutex
	payload    media.Payload
	ok         bool
	unread     bool
	overwrites uint64
}

func (s *previewSlot) publish(p media.Payload) {
	s.mu.Lock()
	if s.unread {
		s.overwrites++
	}
	s.payload = p
	s.ok = true
	s.unread = true
	s.mu.Unlock()
}

func (s *previewSlot) latest() (media.Payload, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unread = false
	return s.payload, s.ok
}

func (s *previewSlot) overwritten() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overwrites
}

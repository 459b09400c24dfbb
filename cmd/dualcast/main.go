package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/dualcast/internal/api"
	"github.com/zsiec/dualcast/internal/capture"
	"github.com/zsiec/dualcast/internal/config"
	"github.com/zsiec/dualcast/internal/encode"
	"github.com/zsiec/dualcast/internal/engine"
	"github.com/zsiec/dualcast/internal/feed"
	"github.com/zsiec/dualcast/internal/metrics"
)

var version = "dev"

const (
	patternWidth  = 960
	patternHeight = 540
)

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if err := run(); err != nil {
		slog.Error("dualcast failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Getenv(config.EnvConfigPath))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	metrics.Register()

	// No platform capture backend is linked into this binary; the test
	// pattern stands in for the target window.
	src := capture.NewTestPattern(patternWidth, patternHeight, cfg.WindowTitle)
	eng := engine.New(cfg, src, encode.JPEG{}, nil)

	lan := localIP()
	slog.Info("dualcast starting",
		"version", version,
		"window", cfg.WindowTitle,
		"tcp", fmt.Sprintf("%s:%d", lan, cfg.Port),
		"udp", fmt.Sprintf("%s:%d", lan, cfg.UnreliablePort()),
		"api", cfg.APIAddr,
		"fps", cfg.FPS,
		"quality", cfg.Quality,
		"adaptive", cfg.Adaptive,
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := eng.Run(ctx); err != nil {
			return fmt.Errorf("engine: %w", err)
		}
		return nil
	})

	if cfg.APIAddr != "" {
		apiSrv, err := api.NewServer(api.Config{
			Addr:    cfg.APIAddr,
			Session: eng,
			Feed:    feed.NewPuller(src, encode.JPEG{}, cfg, nil),
		}, nil)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return apiSrv.Start(ctx)
		})
	}

	return g.Wait()
}

// localIP returns the address of the interface used for outbound traffic,
// which is what LAN viewers should connect to. Dialing UDP sends nothing.
func localIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "127.0.0.1"
}

// Package api serves the operator HTTP endpoints: session status, client
// tables, the latest preview frame, an MJPEG monitor stream and Prometheus
// metrics. It is not the viewer page.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"strconv"
	"time"

	"github.com/zsiec/dualcast/internal/engine"
	"github.com/zsiec/dualcast/internal/feed"
	"github.com/zsiec/dualcast/internal/media"
	"github.com/zsiec/dualcast/internal/metrics"
	"github.com/zsiec/dualcast/internal/reliable"
	"github.com/zsiec/dualcast/internal/unreliable"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 2 * time.Second
)

// Session is the subset of engine.Engine the API reads from.
type Session interface {
	Status() engine.Status
	ReliableClients() []reliable.ClientInfo
	UnreliableClients() []unreliable.Client
	Preview() (media.Payload, bool)
}

// FramePuller supplies frames for the MJPEG monitor.
type FramePuller interface {
	NextFrame(ctx context.Context) ([]byte, feed.Meta, error)
}

// Config holds the configuration for Server.
type Config struct {
	Addr    string
	Session Session

	// Feed enables /api/live.mjpeg when set.
	Feed FramePuller
}

// ClientsResponse is the JSON body of /api/clients.
type ClientsResponse struct {
	Reliable   []reliable.ClientInfo `json:"reliable"`
	Unreliable []unreliable.Client   `json:"unreliable"`
}

// Server is the operator HTTP server.
type Server struct {
	log *slog.Logger
	cfg Config
}

// NewServer creates a Server. It returns an error if required fields are
// missing. If log is nil, slog.Default() is used.
func NewServer(cfg Config, log *slog.Logger) (*Server, error) {
	if cfg.Session == nil {
		return nil, errors.New("api: Session is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Server{log: log.With("component", "api"), cfg: cfg}, nil
}

// Handler returns the routed API handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/clients", s.handleClients)
	mux.HandleFunc("GET /api/preview.jpg", s.handlePreview)
	if s.cfg.Feed != nil {
		mux.HandleFunc("GET /api/live.mjpeg", s.handleLive)
	}
	mux.Handle("GET /metrics", metrics.Handler())
	return corsMiddleware(mux)
}

// Start listens on cfg.Addr and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("API listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Debug("shutdown", "error", err)
			_ = srv.Close()
		}
	})
	defer stop()

	s.log.Info("API server listening", "addr", ln.Addr())
	err := srv.Serve(ln)
	if ctx.Err() != nil || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Session.Status())
}

func (s *Server) handleClients(w http.ResponseWriter, _ *http.Request) {
	resp := ClientsResponse{
		Reliable:   s.cfg.Session.ReliableClients(),
		Unreliable: s.cfg.Session.UnreliableClients(),
	}
	if resp.Reliable == nil {
		resp.Reliable = []reliable.ClientInfo{}
	}
	if resp.Unreliable == nil {
		resp.Unreliable = []unreliable.Client{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePreview(w http.ResponseWriter, _ *http.Request) {
	p, ok := s.cfg.Session.Preview()
	if !ok {
		writeError(w, http.StatusNotFound, "no frame produced yet")
		return
	}
	h := w.Header()
	h.Set("Content-Type", "image/jpeg")
	h.Set("Content-Length", strconv.Itoa(len(p.Data)))
	h.Set("Cache-Control", "no-store")
	h.Set("X-Frame-Id", strconv.Itoa(int(p.FrameID)))
	h.Set("X-Frame-Placeholder", strconv.FormatBool(p.Placeholder))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(p.Data)
}

// handleLive streams frames from the feed as multipart/x-mixed-replace
// until the client disconnects.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	mw := multipart.NewWriter(w)
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+mw.Boundary())
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)

	s.log.Debug("live viewer connected", "remote", r.RemoteAddr)
	defer s.log.Debug("live viewer disconnected", "remote", r.RemoteAddr)

	for {
		data, meta, err := s.cfg.Feed.NextFrame(r.Context())
		if err != nil {
			if r.Context().Err() == nil {
				s.log.Warn("live feed error", "error", err)
			}
			return
		}
		part, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":   {"image/jpeg"},
			"Content-Length": {strconv.Itoa(len(data))},
			"X-Frame-Seq":    {strconv.FormatUint(meta.Seq, 10)},
		})
		if err != nil {
			return
		}
		if _, err := part.Write(data); err != nil {
			return
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

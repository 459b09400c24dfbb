// Package reliable implements the connection-oriented control channel.
// Viewers connect over TCP, complete a fixed token handshake and are then
// held open and sent a short notification for every produced frame. Video
// data itself travels over the unreliable transport.
package reliable

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/dualcast/internal/metrics"
)

// Protocol tokens.
var (
	Greeting  = []byte("STREAM_OK")
	Ready     = []byte("READY")
	FrameInfo = []byte("FRAME_INFO")
)

// ErrHandshake is returned when a client answers the greeting with anything
// other than Ready.
var ErrHandshake = errors.New("reliable: unexpected handshake reply")

const (
	defaultHandshakeTimeout = 2 * time.Second
	defaultAcceptPoll       = time.Second
	defaultIdlePoll         = 500 * time.Millisecond
	defaultWriteTimeout     = 500 * time.Millisecond

	// acceptRetryDelay throttles the accept loop after a non-fatal error
	// such as running out of file descriptors.
	acceptRetryDelay = 50 * time.Millisecond

	idleReadBufferSize = 512

	// trailingGrace is how long the handshake waits for bytes following
	// Ready. A reply is accepted only if nothing else arrives.
	trailingGrace = 20 * time.Millisecond
)

// Config configures a Manager.
type Config struct {
	Addr string

	HandshakeTimeout time.Duration
	AcceptPoll       time.Duration
	IdlePoll         time.Duration
	WriteTimeout     time.Duration

	// Listen overrides net.Listen.
	Listen func(network, address string) (net.Listener, error)
}

// Stats captures cumulative channel counters.
type Stats struct {
	Accepted    int64 `json:"accepted"`
	Rejected    int64 `json:"rejected"`
	Notified    int64 `json:"notified"`
	WriteErrors int64 `json:"writeErrors"`
}

// Manager accepts reliable connections, runs the handshake and keeps the
// set of connected clients. The set is only mutated by the Manager.
type Manager struct {
	log *slog.Logger
	cfg Config

	ln       atomic.Pointer[net.Listener]
	clients  *clientSet
	stopped  atomic.Bool
	stopOnce sync.Once
	handlers sync.WaitGroup

	pendingMu sync.Mutex
	pending   map[net.Conn]struct{}

	accepted    atomic.Int64
	rejected    atomic.Int64
	notified    atomic.Int64
	writeErrors atomic.Int64
}

// New creates a Manager. Call Listen before AcceptLoop. If log is nil,
// slog.Default() is used.
func New(cfg Config, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.AcceptPoll <= 0 {
		cfg.AcceptPoll = defaultAcceptPoll
	}
	if cfg.IdlePoll <= 0 {
		cfg.IdlePoll = defaultIdlePoll
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Listen == nil {
		cfg.Listen = net.Listen
	}
	log = log.With("component", "tcp")
	return &Manager{
		log:     log,
		cfg:     cfg,
		clients: newClientSet(log),
		pending: make(map[net.Conn]struct{}),
	}
}

// Listen binds the listening socket.
func (m *Manager) Listen() error {
	ln, err := m.cfg.Listen("tcp", m.cfg.Addr)
	if err != nil {
		return fmt.Errorf("TCP listen on %s: %w", m.cfg.Addr, err)
	}
	m.ln.Store(&ln)
	m.log.Info("listening", "addr", ln.Addr())
	return nil
}

func (m *Manager) listener() net.Listener {
	if p := m.ln.Load(); p != nil {
		return *p
	}
	return nil
}

// Addr returns the bound listener address, or nil before Listen.
func (m *Manager) Addr() net.Addr {
	if ln := m.listener(); ln != nil {
		return ln.Addr()
	}
	return nil
}

type deadliner interface {
	SetDeadline(t time.Time) error
}

// AcceptLoop accepts connections until Stop is called, serving each on its
// own goroutine. Accepts are bounded by the poll interval so a stop request
// is observed even when the listener cannot be interrupted by Close.
// AcceptLoop returns only after every client goroutine it started has
// exited.
func (m *Manager) AcceptLoop() {
	ln := m.listener()
	if ln == nil {
		return
	}
	defer m.handlers.Wait()

	dl, canPoll := ln.(deadliner)
	for !m.stopped.Load() {
		if canPoll {
			_ = dl.SetDeadline(time.Now().Add(m.cfg.AcceptPoll))
		}
		conn, err := ln.Accept()
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if m.stopped.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			m.log.Warn("accept error", "error", err)
			time.Sleep(acceptRetryDelay)
			continue
		}

		m.accepted.Add(1)
		m.handlers.Add(1)
		go func() {
			defer m.handlers.Done()
			m.HandleClient(conn)
		}()
	}
}

// HandleClient runs the handshake on conn and, if it succeeds, holds the
// connection in the client set until Stop is called or the peer goes away.
// Any failure is confined to this connection: it is closed and logged,
// never reported to the caller.
func (m *Manager) HandleClient(conn net.Conn) {
	remote := conn.RemoteAddr()
	if !m.trackPending(conn) {
		_ = conn.Close()
		return
	}

	err := m.handshake(conn)
	m.untrackPending(conn)
	if err != nil {
		m.rejected.Add(1)
		metrics.RecordHandshakeFailure()
		m.log.Debug("handshake failed", "remote", remote, "error", err)
		_ = conn.Close()
		return
	}

	c := newClient(conn)
	n := m.clients.add(c)
	metrics.SetClients(metrics.TransportReliable, n)
	defer m.drop(c)

	// Stop may have drained the set between the handshake and add.
	if m.stopped.Load() {
		return
	}
	m.idle(c)
}

func (m *Manager) handshake(conn net.Conn) error {
	deadline := time.Now().Add(m.cfg.HandshakeTimeout)

	_ = conn.SetWriteDeadline(deadline)
	if _, err := conn.Write(Greeting); err != nil {
		return fmt.Errorf("send greeting: %w", err)
	}

	_ = conn.SetReadDeadline(deadline)
	reply := make([]byte, len(Ready))
	if _, err := io.ReadFull(conn, reply); err != nil {
		return fmt.Errorf("read reply: %w", err)
	}
	if !bytes.Equal(reply, Ready) {
		return fmt.Errorf("%w: %q", ErrHandshake, reply)
	}

	// Ready must be the whole reply, not a prefix of something longer.
	grace := time.Now().Add(trailingGrace)
	if grace.After(deadline) {
		grace = deadline
	}
	_ = conn.SetReadDeadline(grace)
	extra := make([]byte, 64)
	n, err := conn.Read(extra)
	switch {
	case n > 0:
		return fmt.Errorf("%w: %q followed by %q", ErrHandshake, reply, extra[:n])
	case err != nil && !isTimeout(err):
		return fmt.Errorf("read reply: %w", err)
	}

	_ = conn.SetDeadline(time.Time{})
	return nil
}

// idle holds the connection open. Inbound bytes are discarded; a read
// error other than a poll timeout means the peer is gone.
func (m *Manager) idle(c *Client) {
	buf := make([]byte, idleReadBufferSize)
	for !m.stopped.Load() {
		_ = c.conn.SetReadDeadline(time.Now().Add(m.cfg.IdlePoll))
		if _, err := c.conn.Read(buf); err != nil {
			if isTimeout(err) {
				continue
			}
			if !m.stopped.Load() && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				m.log.Debug("read error", "client", c.ID, "error", err)
			}
			return
		}
	}
}

func (m *Manager) drop(c *Client) {
	n, ok := m.clients.remove(c)
	c.close()
	if ok {
		metrics.SetClients(metrics.TransportReliable, n)
	}
}

// Notify writes FrameInfo to every connected client. Writes run
// concurrently and are bounded by the write timeout, so a stalled client
// cannot delay the others. Clients whose write fails are removed and
// closed. Notify returns the number of clients that were notified.
func (m *Manager) Notify(frameID uint16, size int) int {
	if m.stopped.Load() {
		return 0
	}
	snap := m.clients.snapshot()
	if len(snap) == 0 {
		return 0
	}

	var (
		wg        sync.WaitGroup
		delivered atomic.Int64
	)
	for _, c := range snap {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
			if _, err := c.conn.Write(FrameInfo); err != nil {
				m.writeErrors.Add(1)
				metrics.RecordSendError(metrics.TransportReliable)
				m.log.Warn("notify failed, dropping client",
					"client", c.ID, "remote", c.Addr, "frame", frameID, "size", size, "error", err)
				m.drop(c)
				return
			}
			delivered.Add(1)
		}()
	}
	wg.Wait()

	n := delivered.Load()
	m.notified.Add(n)
	return int(n)
}

// Stop closes the listener and every client connection and clears the
// client set. It is safe to call more than once and while AcceptLoop is
// polling; AcceptLoop returns at its next poll boundary.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.stopped.Store(true)
		if ln := m.listener(); ln != nil {
			if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				m.log.Debug("listener close error", "error", err)
			}
		}

		m.pendingMu.Lock()
		for conn := range m.pending {
			_ = conn.Close()
		}
		clear(m.pending)
		m.pendingMu.Unlock()

		for _, c := range m.clients.drain() {
			c.close()
		}
		metrics.SetClients(metrics.TransportReliable, 0)
		m.log.Info("stopped")
	})
}

// Clients returns a snapshot of connected clients ordered by join time.
func (m *Manager) Clients() []ClientInfo {
	return m.clients.infos()
}

// Count returns the number of connected clients.
func (m *Manager) Count() int {
	return m.clients.count()
}

// Stats returns cumulative channel counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Accepted:    m.accepted.Load(),
		Rejected:    m.rejected.Load(),
		Notified:    m.notified.Load(),
		WriteErrors: m.writeErrors.Load(),
	}
}

func (m *Manager) trackPending(conn net.Conn) bool {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	if m.stopped.Load() {
		return false
	}
	m.pending[conn] = struct{}{}
	return true
}

func (m *Manager) untrackPending(conn net.Conn) {
	m.pendingMu.Lock()
	delete(m.pending, conn)
	m.pendingMu.Unlock()
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Package unreliable implements the best-effort datagram transport. Viewers
// register by sending a marker datagram; every encoded frame is split into
// fragments and sent to each registered address. Clients that stop
// refreshing are reaped after an inactivity threshold.
package unreliable

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/zsiec/dualcast/internal/metrics"
)

// RegisterMarker is the datagram a viewer sends to subscribe or refresh.
var RegisterMarker = []byte("UDP_CLIENT_REGISTER")

const (
	defaultReadTimeout  = 100 * time.Millisecond
	defaultWriteTimeout = 100 * time.Millisecond
	defaultInactivity   = 60 * time.Second

	// registerBufferSize only needs to hold the marker; longer datagrams
	// are truncated and therefore never match it.
	registerBufferSize = 1024

	// tosAF41 marks packets as DSCP AF41 (interactive video).
	tosAF41 = 0x88
)

// Config configures a Manager.
type Config struct {
	Addr                string
	InactivityThreshold time.Duration

	// ChunkSize is the maximum fragment body. Zero uses MaxChunkSize.
	ChunkSize int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// ListenPacket overrides net.ListenPacket.
	ListenPacket func(network, address string) (net.PacketConn, error)

	// Now overrides time.Now for liveness bookkeeping.
	Now func() time.Time
}

// Client is a point-in-time view of one registered address.
type Client struct {
	Addr       netip.AddrPort `json:"addr"`
	LastSeenAt time.Time      `json:"lastSeenAt"`
}

// Stats captures cumulative transport counters.
type Stats struct {
	Registrations int64 `json:"registrations"`
	FragmentsSent int64 `json:"fragmentsSent"`
	SendErrors    int64 `json:"sendErrors"`
	Reaped        int64 `json:"reaped"`
}

// Manager owns the datagram socket and the table of registered clients.
// The table is only mutated by the Manager; readers get snapshots.
type Manager struct {
	log *slog.Logger
	cfg Config
	now func() time.Time

	conn     atomic.Pointer[net.PacketConn]
	stopped  atomic.Bool
	stopOnce sync.Once

	mu      sync.Mutex
	clients map[netip.AddrPort]time.Time

	registrations atomic.Int64
	fragmentsSent atomic.Int64
	sendErrors    atomic.Int64
	reaped        atomic.Int64
}

// New creates a Manager. Call Listen before RegisterLoop or Fanout. If log
// is nil, slog.Default() is used.
func New(cfg Config, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if cfg.InactivityThreshold <= 0 {
		cfg.InactivityThreshold = defaultInactivity
	}
	if cfg.ChunkSize <= 0 || cfg.ChunkSize > MaxChunkSize {
		cfg.ChunkSize = MaxChunkSize
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.ListenPacket == nil {
		cfg.ListenPacket = net.ListenPacket
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		log:     log.With("component", "udp"),
		cfg:     cfg,
		now:     now,
		clients: make(map[netip.AddrPort]time.Time),
	}
}

// Listen binds the datagram socket.
func (m *Manager) Listen() error {
	conn, err := m.cfg.ListenPacket("udp", m.cfg.Addr)
	if err != nil {
		return fmt.Errorf("UDP listen on %s: %w", m.cfg.Addr, err)
	}
	m.conn.Store(&conn)

	if uc, ok := conn.(*net.UDPConn); ok {
		if err := ipv4.NewPacketConn(uc).SetTOS(tosAF41); err != nil {
			m.log.Debug("could not set DSCP marking", "error", err)
		}
	}

	m.log.Info("listening", "addr", conn.LocalAddr())
	return nil
}

func (m *Manager) socket() net.PacketConn {
	if p := m.conn.Load(); p != nil {
		return *p
	}
	return nil
}

// Addr returns the bound socket address, or nil before Listen.
func (m *Manager) Addr() net.Addr {
	if conn := m.socket(); conn != nil {
		return conn.LocalAddr()
	}
	return nil
}

// RegisterLoop receives registration datagrams until Stop is called. Each
// read is bounded by the read timeout so a stop request is observed
// promptly. Datagrams other than RegisterMarker are ignored.
func (m *Manager) RegisterLoop() {
	conn := m.socket()
	if conn == nil {
		return
	}
	buf := make([]byte, registerBufferSize)
	for !m.stopped.Load() {
		_ = conn.SetReadDeadline(time.Now().Add(m.cfg.ReadTimeout))
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if m.stopped.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			// Stray ICMP errors surface here on some platforms; they are
			// not fatal to the listener.
			m.log.Debug("receive error", "error", err)
			continue
		}
		if !bytes.Equal(buf[:n], RegisterMarker) {
			continue
		}
		addr, ok := toAddrPort(from)
		if !ok {
			continue
		}
		m.Register(addr)
	}
}

// Register inserts addr into the client table or refreshes its liveness.
func (m *Manager) Register(addr netip.AddrPort) {
	addr = normalize(addr)

	m.mu.Lock()
	// Checked under mu so an entry cannot land after Stop clears the table.
	if m.stopped.Load() {
		m.mu.Unlock()
		return
	}
	_, existed := m.clients[addr]
	m.clients[addr] = m.now()
	n := len(m.clients)
	m.mu.Unlock()

	m.registrations.Add(1)
	if !existed {
		metrics.SetClients(metrics.TransportUnreliable, n)
		m.log.Info("client registered", "remote", addr, "clients", n)
	}
}

// Fanout splits payload into fragments and sends each fragment, in index
// order, to every registered address. A send failure only affects its
// destination: the address is skipped for the remaining fragments and
// removed from the table once the pass completes. Successful destinations
// have their liveness refreshed. Fanout returns the number of datagrams
// written.
func (m *Manager) Fanout(payload []byte, frameID uint16) int {
	conn := m.socket()
	if conn == nil || m.stopped.Load() {
		return 0
	}
	frags := Split(payload, frameID, m.cfg.ChunkSize)
	if len(frags) == 0 {
		return 0
	}

	targets := m.addrs()
	if len(targets) == 0 {
		return 0
	}
	dests := make([]*net.UDPAddr, len(targets))
	for i, a := range targets {
		dests[i] = net.UDPAddrFromAddrPort(a)
	}

	delivered := make([]bool, len(targets))
	failed := make([]bool, len(targets))
	pkt := make([]byte, 0, HeaderSize+m.cfg.ChunkSize)
	sent := 0

	for _, f := range frags {
		pkt = f.AppendPacket(pkt[:0])
		for i, dst := range dests {
			if failed[i] {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
			if _, err := conn.WriteTo(pkt, dst); err != nil {
				failed[i] = true
				m.log.Warn("send failed, dropping client",
					"remote", targets[i], "frame", frameID, "fragment", f.Index, "error", err)
				continue
			}
			delivered[i] = true
			sent++
		}
	}

	now := m.now()
	removed := 0
	m.mu.Lock()
	for i, a := range targets {
		if _, ok := m.clients[a]; !ok {
			continue
		}
		switch {
		case failed[i]:
			delete(m.clients, a)
			removed++
		case delivered[i]:
			m.clients[a] = now
		}
	}
	n := len(m.clients)
	m.mu.Unlock()

	m.fragmentsSent.Add(int64(sent))
	metrics.AddFragmentsSent(sent)
	if removed > 0 {
		m.sendErrors.Add(int64(removed))
		for range removed {
			metrics.RecordSendError(metrics.TransportUnreliable)
		}
		metrics.SetClients(metrics.TransportUnreliable, n)
	}
	return sent
}

// Reap removes every client whose last activity is more than the
// inactivity threshold before now, and returns how many were removed.
func (m *Manager) Reap(now time.Time) int {
	var gone []netip.AddrPort

	m.mu.Lock()
	for a, seen := range m.clients {
		if now.Sub(seen) > m.cfg.InactivityThreshold {
			delete(m.clients, a)
			gone = append(gone, a)
		}
	}
	n := len(m.clients)
	m.mu.Unlock()

	if len(gone) == 0 {
		return 0
	}
	for _, a := range gone {
		m.log.Info("removing inactive client", "remote", a)
	}
	m.reaped.Add(int64(len(gone)))
	metrics.AddClientsReaped(len(gone))
	metrics.SetClients(metrics.TransportUnreliable, n)
	return len(gone)
}

// Stop closes the socket and clears the client table. It is safe to call
// more than once and while RegisterLoop is running.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.stopped.Store(true)
		m.mu.Unlock()
		if conn := m.socket(); conn != nil {
			if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				m.log.Debug("close error", "error", err)
			}
		}
		m.mu.Lock()
		clear(m.clients)
		m.mu.Unlock()
		metrics.SetClients(metrics.TransportUnreliable, 0)
		m.log.Info("stopped")
	})
}

// Clients returns a snapshot of the client table ordered by address.
func (m *Manager) Clients() []Client {
	m.mu.Lock()
	out := make([]Client, 0, len(m.clients))
	for a, seen := range m.clients {
		out = append(out, Client{Addr: a, LastSeenAt: seen})
	}
	m.mu.Unlock()

	slices.SortFunc(out, func(a, b Client) int { return a.Addr.Compare(b.Addr) })
	return out
}

// Count returns the number of registered clients.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

// Stats returns cumulative transport counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Registrations: m.registrations.Load(),
		FragmentsSent: m.fragmentsSent.Load(),
		SendErrors:    m.sendErrors.Load(),
		Reaped:        m.reaped.Load(),
	}
}

func (m *Manager) addrs() []netip.AddrPort {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]netip.AddrPort, 0, len(m.clients))
	for a := range m.clients {
		out = append(out, a)
	}
	return out
}

// normalize unmaps IPv4-in-IPv6 addresses so a peer seen over a dual-stack
// socket has a single table key.
func normalize(a netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(a.Addr().Unmap(), a.Port())
}

func toAddrPort(addr net.Addr) (netip.AddrPort, bool) {
	switch a := addr.(type) {
	case *net.UDPAddr:
		ap := a.AddrPort()
		return normalize(ap), ap.IsValid()
	default:
		ap, err := netip.ParseAddrPort(addr.String())
		if err != nil {
			return netip.AddrPort{}, false
		}
		return normalize(ap), true
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

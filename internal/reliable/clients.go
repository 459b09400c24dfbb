package reliable

import (
	"log/slog"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Client is one connection that completed the handshake.
type Client struct {
	ID       string
	Addr     net.Addr
	JoinedAt time.Time

	conn      net.Conn
	closeOnce sync.Once
}

func newClient(conn net.Conn) *Client {
	return &Client{
		ID:       uuid.NewString(),
		Addr:     conn.RemoteAddr(),
		JoinedAt: time.Now(),
		conn:     conn,
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() { _ = c.conn.Close() })
}

// ClientInfo is a point-in-time view of a Client, safe to hand to status
// readers.
type ClientInfo struct {
	ID       string    `json:"id"`
	Addr     string    `json:"addr"`
	JoinedAt time.Time `json:"joinedAt"`
}

// clientSet tracks handshaken clients by ID. Iteration always works on a
// snapshot so removals during a notify pass are safe.
type clientSet struct {
	log     *slog.Logger
	mu      sync.RWMutex
	clients map[string]*Client
}

func newClientSet(log *slog.Logger) *clientSet {
	return &clientSet{
		log:     log,
		clients: make(map[string]*Client),
	}
}

func (s *clientSet) add(c *Client) int {
	s.mu.Lock()
	s.clients[c.ID] = c
	n := len(s.clients)
	s.mu.Unlock()

	s.log.Info("client joined", "client", c.ID, "remote", c.Addr, "clients", n)
	return n
}

// remove deletes c and reports whether it was present, so callers can log
// and count a departure exactly once.
func (s *clientSet) remove(c *Client) (int, bool) {
	s.mu.Lock()
	_, ok := s.clients[c.ID]
	if ok {
		delete(s.clients, c.ID)
	}
	n := len(s.clients)
	s.mu.Unlock()

	if ok {
		s.log.Info("client left", "client", c.ID, "remote", c.Addr, "clients", n)
	}
	return n, ok
}

func (s *clientSet) snapshot() []*Client {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c)
	}
	return out
}

// drain empties the set and returns what it held.
func (s *clientSet) drain() []*Client {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c)
	}
	clear(s.clients)
	return out
}

func (s *clientSet) count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *clientSet) infos() []ClientInfo {
	snap := s.snapshot()
	out := make([]ClientInfo, len(snap))
	for i, c := range snap {
		out[i] = ClientInfo{ID: c.ID, Addr: c.Addr.String(), JoinedAt: c.JoinedAt}
	}
	slices.SortFunc(out, func(a, b ClientInfo) int { return a.JoinedAt.Compare(b.JoinedAt) })
	return out
}

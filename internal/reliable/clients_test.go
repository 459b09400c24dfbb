package reliable

import (
	"log/slog"
	"net"
	"testing"
	"time"
)

func TestClientSet(t *testing.T) {
	t.Parallel()

	s := newClientSet(slog.Default())
	var conns []net.Conn
	var clients []*Client
	for range 3 {
		a, b := net.Pipe()
		conns = append(conns, a, b)
		c := newClient(a)
		clients = append(clients, c)
		if n := s.add(c); n != len(clients) {
			t.Fatalf("add returned %d, want %d", n, len(clients))
		}
		time.Sleep(time.Millisecond)
	}
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()

	infos := s.infos()
	if len(infos) != 3 {
		t.Fatalf("infos len = %d", len(infos))
	}
	for i, info := range infos {
		if info.ID != clients[i].ID {
			t.Errorf("infos[%d] = %s, want join order", i, info.ID)
		}
	}

	if n, ok := s.remove(clients[1]); !ok || n != 2 {
		t.Errorf("remove = (%d, %v), want (2, true)", n, ok)
	}
	if _, ok := s.remove(clients[1]); ok {
		t.Error("second remove reported the client as present")
	}

	drained := s.drain()
	if len(drained) != 2 || s.count() != 0 {
		t.Errorf("drain returned %d, count now %d", len(drained), s.count())
	}
}

func TestClientCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	a, b := net.Pipe()
	defer b.Close()
	c := newClient(a)
	c.close()
	c.close()
	if _, err := a.Write([]byte("x")); err == nil {
		t.Error("write on closed client conn succeeded")
	}
}

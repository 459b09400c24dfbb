package api

import (
	"context"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/zsiec/dualcast/internal/engine"
	"github.com/zsiec/dualcast/internal/feed"
	"github.com/zsiec/dualcast/internal/media"
	"github.com/zsiec/dualcast/internal/reliable"
	"github.com/zsiec/dualcast/internal/unreliable"
)

type fakeSession struct {
	status     engine.Status
	reliable   []reliable.ClientInfo
	unreliable []unreliable.Client
	preview    *media.Payload
}

func (f *fakeSession) Status() engine.Status { return f.status }

func (f *fakeSession) ReliableClients() []reliable.ClientInfo { return f.reliable }

func (f *fakeSession) UnreliableClients() []unreliable.Client { return f.unreliable }

func (f *fakeSession) Preview() (media.Payload, bool) {
	if f.preview == nil {
		return media.Payload{}, false
	}
	return *f.preview, true
}

type fakeFeed struct {
	data []byte
}

func (f *fakeFeed) NextFrame(ctx context.Context) ([]byte, feed.Meta, error) {
	select {
	case <-ctx.Done():
		return nil, feed.Meta{}, ctx.Err()
	case <-time.After(5 * time.Millisecond):
	}
	return f.data, feed.Meta{Seq: 1}, nil
}

func newTestServer(t *testing.T, sess *fakeSession, fd FramePuller) http.Handler {
	t.Helper()
	srv, err := NewServer(Config{Addr: "127.0.0.1:0", Session: sess, Feed: fd}, nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return srv.Handler()
}

func TestNewServerRequiresSession(t *testing.T) {
	t.Parallel()
	if _, err := NewServer(Config{Addr: ":0"}, nil); err == nil {
		t.Fatal("expected error without Session")
	}
}

func TestHandleStatus(t *testing.T) {
	t.Parallel()

	sess := &fakeSession{status: engine.Status{
		Running:         true,
		FrameCount:      42,
		CurrentFrameID:  42,
		TargetFPS:       12,
		ReliableClients: 1,
	}}
	handler := newTestServer(t, sess, nil)

	req := httptest.NewRequest("GET", "/api/status", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("CORS header = %q", got)
	}
	var st engine.Status
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !st.Running || st.FrameCount != 42 || st.ReliableClients != 1 {
		t.Errorf("unexpected status %+v", st)
	}
}

func TestHandleClients(t *testing.T) {
	t.Parallel()

	sess := &fakeSession{
		reliable: []reliable.ClientInfo{{ID: "abc", Addr: "10.0.0.2:50000"}},
		unreliable: []unreliable.Client{
			{Addr: netip.MustParseAddrPort("10.0.0.3:6000"), LastSeenAt: time.Now()},
		},
	}
	handler := newTestServer(t, sess, nil)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/api/clients", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp ClientsResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Reliable) != 1 || resp.Reliable[0].ID != "abc" {
		t.Errorf("reliable = %+v", resp.Reliable)
	}
	if len(resp.Unreliable) != 1 || resp.Unreliable[0].Addr.String() != "10.0.0.3:6000" {
		t.Errorf("unreliable = %+v", resp.Unreliable)
	}
}

func TestHandleClientsEmptyIsArray(t *testing.T) {
	t.Parallel()

	handler := newTestServer(t, &fakeSession{}, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/api/clients", nil))

	body := rec.Body.String()
	if !strings.Contains(body, `"reliable":[]`) || !strings.Contains(body, `"unreliable":[]`) {
		t.Errorf("body = %s, want empty arrays", body)
	}
}

func TestHandlePreview(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		preview  *media.Payload
		wantCode int
		wantType string
	}{
		{name: "before first frame", wantCode: http.StatusNotFound, wantType: "application/json"},
		{
			name:     "latest frame",
			preview:  &media.Payload{FrameID: 7, Data: []byte{0xff, 0xd8, 0xff, 0xd9}},
			wantCode: http.StatusOK,
			wantType: "image/jpeg",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			handler := newTestServer(t, &fakeSession{preview: tc.preview}, nil)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest("GET", "/api/preview.jpg", nil))

			if rec.Code != tc.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tc.wantCode)
			}
			if got := rec.Header().Get("Content-Type"); got != tc.wantType {
				t.Errorf("Content-Type = %q, want %q", got, tc.wantType)
			}
			if tc.preview != nil {
				if rec.Body.String() != string(tc.preview.Data) {
					t.Error("body does not match preview payload")
				}
				if got := rec.Header().Get("X-Frame-Id"); got != "7" {
					t.Errorf("X-Frame-Id = %q", got)
				}
			}
		})
	}
}

func TestLiveDisabledWithoutFeed(t *testing.T) {
	t.Parallel()

	handler := newTestServer(t, &fakeSession{}, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/api/live.mjpeg", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestLiveStreamsParts(t *testing.T) {
	t.Parallel()

	frame := []byte("not-really-a-jpeg")
	ts := httptest.NewServer(newTestServer(t, &fakeSession{}, &fakeFeed{data: frame}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", ts.URL+"/api/live.mjpeg", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		t.Fatalf("content type: %v", err)
	}
	if mediaType != "multipart/x-mixed-replace" {
		t.Fatalf("media type = %q", mediaType)
	}

	mr := multipart.NewReader(resp.Body, params["boundary"])
	for i := range 2 {
		part, err := mr.NextPart()
		if err != nil {
			t.Fatalf("part %d: %v", i, err)
		}
		if got := part.Header.Get("Content-Type"); got != "image/jpeg" {
			t.Errorf("part content type = %q", got)
		}
		body, err := io.ReadAll(part)
		if err != nil {
			t.Fatalf("read part %d: %v", i, err)
		}
		if string(body) != string(frame) {
			t.Errorf("part %d body = %q", i, body)
		}
	}
}

func TestHandleMetrics(t *testing.T) {
	t.Parallel()

	handler := newTestServer(t, &fakeSession{}, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "dualcast_") {
		t.Error("metrics output missing dualcast collectors")
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	t.Parallel()

	srv, err := NewServer(Config{Session: &fakeSession{}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/api/status")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Serve() = %v, want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

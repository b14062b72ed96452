package mjpeg

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeConn struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (c *fakeConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, errors.New("use of closed connection")
	}
	return c.buf.Write(p)
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func TestHubAddClientWritesPreamble(t *testing.T) {
	hub := NewHub(time.Second, testLogger(), nil)
	conn := &fakeConn{}

	if _, err := hub.AddClient(conn); err != nil {
		t.Fatal(err)
	}

	out := conn.String()
	for _, want := range []string{
		"HTTP/1.1 200 OK\r\n",
		"Content-Type: multipart/x-mixed-replace;boundary=mjpeg_boundary\r\n",
		"Cache-Control: no-cache, no-store, must-revalidate\r\n",
		"Pragma: no-cache\r\n",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("preamble missing %q", want)
		}
	}
	if !strings.HasSuffix(out, "\r\n\r\n") {
		t.Errorf("preamble must end the header block, got %q", out)
	}
	if hub.ClientCount() != 1 {
		t.Errorf("client count = %d, want 1", hub.ClientCount())
	}
}

func TestHubUpdateFrameWritesChunk(t *testing.T) {
	hub := NewHub(time.Second, testLogger(), nil)
	conn := &fakeConn{}
	hub.AddClient(conn)
	before := len(conn.String())

	frame := []byte{0xFF, 0xD8, 0x01, 0x02, 0xFF, 0xD9}
	hub.UpdateFrame(frame)

	chunk := conn.String()[before:]
	want := "--mjpeg_boundary\r\nContent-Type: image/jpeg\r\nContent-Length: 6\r\n\r\n" + string(frame) + "\r\n"
	if chunk != want {
		t.Errorf("chunk = %q, want %q", chunk, want)
	}
	if !bytes.Equal(hub.LatestFrame(), frame) {
		t.Error("latest frame not stored")
	}
}

func TestHubLatestFrameSurvivesBufferReuse(t *testing.T) {
	hub := NewHub(time.Second, testLogger(), nil)

	buf := []byte{0xFF, 0xD8, 0x01, 0xFF, 0xD9}
	hub.UpdateFrame(buf)
	buf[2] = 0x99

	if got := hub.LatestFrame(); got[2] != 0x01 {
		t.Errorf("latest frame changed with caller buffer: % x", got)
	}
}

func TestHubFailingClientIsIsolated(t *testing.T) {
	hub := NewHub(time.Second, testLogger(), nil)
	good1, bad, good2 := &fakeConn{}, &fakeConn{}, &fakeConn{}
	hub.AddClient(good1)
	badID, _ := hub.AddClient(bad)
	hub.AddClient(good2)

	// Connection closed from outside mid-broadcast
	bad.Close()
	hub.UpdateFrame([]byte{0xFF, 0xD8, 0xFF, 0xD9})

	if hub.ClientCount() != 2 {
		t.Fatalf("client count = %d, want 2", hub.ClientCount())
	}
	hub.mu.RLock()
	_, stillThere := hub.clients[badID]
	hub.mu.RUnlock()
	if stillThere {
		t.Error("failed client should be removed")
	}

	hub.UpdateFrame([]byte{0xFF, 0xD8, 0x00, 0xFF, 0xD9})
	for i, c := range []*fakeConn{good1, good2} {
		if n := strings.Count(c.String(), "--"+Boundary); n != 2 {
			t.Errorf("client %d received %d frames, want 2", i, n)
		}
	}
}

func TestHubRemoveClientIsIdempotent(t *testing.T) {
	hub := NewHub(time.Second, testLogger(), nil)
	conn := &fakeConn{}
	id, _ := hub.AddClient(conn)

	hub.RemoveClient(id)
	hub.RemoveClient(id)
	hub.RemoveClient("unknown")

	if !conn.isClosed() {
		t.Error("connection should be closed")
	}
	if hub.ClientCount() != 0 {
		t.Errorf("client count = %d, want 0", hub.ClientCount())
	}
}

func TestHubShutdown(t *testing.T) {
	hub := NewHub(time.Second, testLogger(), nil)
	a, b := &fakeConn{}, &fakeConn{}
	hub.AddClient(a)
	hub.AddClient(b)

	hub.Shutdown()

	if !a.isClosed() || !b.isClosed() {
		t.Error("all clients should be closed")
	}
	late := &fakeConn{}
	if _, err := hub.AddClient(late); !errors.Is(err, ErrHubClosed) {
		t.Errorf("AddClient after shutdown = %v, want ErrHubClosed", err)
	}
	if !late.isClosed() {
		t.Error("rejected connection should be closed")
	}
}

func TestHubServeBlocksUntilPeerLeaves(t *testing.T) {
	hub := NewHub(time.Second, testLogger(), nil)
	conn := &fakeConn{}
	pr, pw := io.Pipe()

	done := make(chan error, 1)
	go func() { done <- hub.Serve(conn, pr) }()

	deadline := time.Now().Add(time.Second)
	for hub.ClientCount() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hub.ClientCount() != 1 {
		t.Fatal("client was not registered")
	}

	pw.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after the peer left")
	}
	if hub.ClientCount() != 0 {
		t.Error("client should be removed after the peer left")
	}
}

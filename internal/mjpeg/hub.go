package mjpeg

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"camrelay/internal/metrics"
)

// Boundary separates parts of the multipart stream
const Boundary = "mjpeg_boundary"

// ContentType is the multipart stream content type
const ContentType = "multipart/x-mixed-replace;boundary=" + Boundary

// ErrHubClosed is returned by AddClient once the hub stopped accepting
var ErrHubClosed = errors.New("mjpeg hub closed")

const surface = "mjpeg"

// Conn is the raw client connection the hub writes the response to
type Conn interface {
	io.Writer
	io.Closer
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

type client struct {
	id   string
	conn Conn
}

// Hub fans the latest JPEG frame out to multipart push clients
type Hub struct {
	log          *slog.Logger
	metrics      *metrics.Metrics
	writeTimeout time.Duration

	mu        sync.RWMutex
	clients   map[string]*client
	accepting bool

	// broadcastMu orders preamble writes and frame chunks on each connection
	broadcastMu sync.Mutex

	frameMu sync.RWMutex
	latest  []byte
}

// NewHub creates a hub. writeTimeout bounds every write to a client whose
// connection supports deadlines.
func NewHub(writeTimeout time.Duration, log *slog.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		log:          log.With("component", "mjpeg_hub"),
		metrics:      m,
		writeTimeout: writeTimeout,
		clients:      make(map[string]*client),
		accepting:    true,
	}
}

// AddClient writes the response preamble to conn and registers it. The
// connection is closed when the preamble cannot be written.
func (h *Hub) AddClient(conn Conn) (string, error) {
	h.broadcastMu.Lock()
	defer h.broadcastMu.Unlock()

	h.mu.RLock()
	accepting := h.accepting
	h.mu.RUnlock()
	if !accepting {
		conn.Close()
		return "", ErrHubClosed
	}

	id := uuid.NewString()
	if err := h.write(conn, preamble()); err != nil {
		conn.Close()
		return "", fmt.Errorf("failed to send stream headers: %w", err)
	}

	h.mu.Lock()
	h.clients[id] = &client{id: id, conn: conn}
	n := len(h.clients)
	h.mu.Unlock()

	h.metrics.SetActiveClients(surface, n)
	h.log.Info("client connected", "client_id", id, "clients", n)
	return id, nil
}

// RemoveClient closes and forgets a client. Unknown ids are ignored.
func (h *Hub) RemoveClient(id string) {
	h.mu.Lock()
	c, ok := h.clients[id]
	delete(h.clients, id)
	n := len(h.clients)
	h.mu.Unlock()
	if !ok {
		return
	}

	c.conn.Close()
	h.metrics.SetActiveClients(surface, n)
	h.log.Info("client disconnected", "client_id", id, "clients", n)
}

// UpdateFrame stores the frame as the latest one and pushes it to every
// client. Clients whose write fails are removed; the rest still get the frame.
// The frame is copied, so the caller may reuse its buffer.
func (h *Hub) UpdateFrame(jpeg []byte) {
	jpeg = bytes.Clone(jpeg)
	h.frameMu.Lock()
	h.latest = jpeg
	h.frameMu.Unlock()

	h.broadcastMu.Lock()
	defer h.broadcastMu.Unlock()

	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	if len(targets) == 0 {
		return
	}

	chunk := frameChunk(jpeg)
	sent := 0
	for _, c := range targets {
		if err := h.write(c.conn, chunk); err != nil {
			h.log.Warn("client stream error", "client_id", c.id, "error", err)
			h.metrics.RecordClientDropped(surface)
			h.RemoveClient(c.id)
			continue
		}
		sent++
	}
	h.metrics.RecordMessagesSent(surface, "frame", sent)
}

// LatestFrame returns the most recent frame, or nil before the first one.
// The returned slice is shared and must not be modified.
func (h *Hub) LatestFrame() []byte {
	h.frameMu.RLock()
	defer h.frameMu.RUnlock()
	return h.latest
}

// ClientCount returns the number of registered clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// StopAccepting makes further AddClient calls fail with ErrHubClosed
func (h *Hub) StopAccepting() {
	h.mu.Lock()
	h.accepting = false
	h.mu.Unlock()
}

// CloseAll closes every registered client
func (h *Hub) CloseAll() {
	h.mu.RLock()
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	h.mu.RUnlock()

	for _, id := range ids {
		h.RemoveClient(id)
	}
}

// Shutdown stops accepting and closes all clients
func (h *Hub) Shutdown() {
	h.StopAccepting()
	h.CloseAll()
}

// Serve registers a hijacked connection and blocks until the peer goes away
// or the hub closes it
func (h *Hub) Serve(conn Conn, r io.Reader) error {
	id, err := h.AddClient(conn)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, r)
	h.RemoveClient(id)
	return nil
}

func (h *Hub) write(conn Conn, p []byte) error {
	if d, ok := conn.(writeDeadliner); ok && h.writeTimeout > 0 {
		if err := d.SetWriteDeadline(time.Now().Add(h.writeTimeout)); err != nil {
			return err
		}
	}
	_, err := conn.Write(p)
	return err
}

func preamble() []byte {
	var b bytes.Buffer
	b.WriteString("HTTP/1.1 200 OK\r\n")
	b.WriteString("Content-Type: " + ContentType + "\r\n")
	b.WriteString("Cache-Control: no-cache, no-store, must-revalidate\r\n")
	b.WriteString("Pragma: no-cache\r\n")
	b.WriteString("Expires: 0\r\n")
	b.WriteString("Connection: close\r\n")
	b.WriteString("Access-Control-Allow-Origin: *\r\n")
	b.WriteString("\r\n")
	return b.Bytes()
}

func frameChunk(jpeg []byte) []byte {
	var b bytes.Buffer
	b.Grow(len(jpeg) + 96)
	b.WriteString("--" + Boundary + "\r\n")
	b.WriteString("Content-Type: image/jpeg\r\n")
	b.WriteString("Content-Length: " + strconv.Itoa(len(jpeg)) + "\r\n")
	b.WriteString("\r\n")
	b.Write(jpeg)
	b.WriteString("\r\n")
	return b.Bytes()
}

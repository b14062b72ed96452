package wsstream

import (
	"bytes"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"camrelay/internal/metrics"
	"camrelay/internal/muxer"
	"camrelay/pkg/models"
)

// DefaultPath is the only path that accepts streaming connections
const DefaultPath = "/stream"

// ErrClosed is returned by Accept once the broadcaster stopped accepting
var ErrClosed = errors.New("broadcaster closed")

const surface = "ws"

// Conn is a client connection that takes whole binary messages
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

type controlWriter interface {
	WriteControl(messageType int, data []byte, deadline time.Time) error
}

// Broadcaster sends encoder output to WebSocket clients as binary frames.
// New clients get the latest codec configuration before any media.
type Broadcaster struct {
	path         string
	writeTimeout time.Duration
	upgrader     websocket.Upgrader
	log          *slog.Logger
	metrics      *metrics.Metrics

	params muxer.ParameterSetCache

	cfgMu       sync.RWMutex
	audioConfig []byte

	mu        sync.RWMutex
	clients   map[string]Conn
	accepting bool

	// broadcastMu orders config-on-accept before any media for that client
	broadcastMu sync.Mutex
}

// NewBroadcaster creates a broadcaster serving path
func NewBroadcaster(path string, writeTimeout time.Duration, log *slog.Logger, m *metrics.Metrics) *Broadcaster {
	if path == "" {
		path = DefaultPath
	}
	return &Broadcaster{
		path:         path,
		writeTimeout: writeTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log:       log.With("component", "ws_broadcaster"),
		metrics:   m,
		clients:   make(map[string]Conn),
		accepting: true,
	}
}

// Path returns the streaming path
func (b *Broadcaster) Path() string {
	return b.path
}

// ServeHTTP upgrades the request. Connections to any other path than the
// streaming path are closed with a policy violation.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	if r.URL.Path != b.path {
		b.log.Warn("blocked websocket connection to invalid path", "path", r.URL.Path, "remote", r.RemoteAddr)
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "Invalid WebSocket path. Use "+b.path)
		ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		ws.Close()
		return
	}

	id, err := b.Accept(ws)
	if err != nil {
		b.log.Warn("websocket connection rejected", "remote", r.RemoteAddr, "error", err)
		return
	}

	// Client messages are ignored; reading surfaces the close
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			break
		}
	}
	b.Remove(id)
}

// Accept sends the current configuration to conn and registers it
func (b *Broadcaster) Accept(conn Conn) (string, error) {
	b.broadcastMu.Lock()
	defer b.broadcastMu.Unlock()

	b.mu.RLock()
	accepting := b.accepting
	b.mu.RUnlock()
	if !accepting {
		b.closeConn(conn, websocket.CloseGoingAway, "Server shutting down")
		return "", ErrClosed
	}

	id := uuid.NewString()
	for _, msg := range b.configMessages() {
		if err := b.send(conn, msg); err != nil {
			conn.Close()
			return "", err
		}
	}

	b.mu.Lock()
	b.clients[id] = conn
	n := len(b.clients)
	b.mu.Unlock()

	b.metrics.SetActiveClients(surface, n)
	b.log.Info("websocket client connected", "client_id", id, "clients", n)
	return id, nil
}

// Remove closes and forgets a client. Unknown ids are ignored.
func (b *Broadcaster) Remove(id string) {
	b.remove(id, websocket.CloseNormalClosure, "")
}

func (b *Broadcaster) remove(id string, code int, reason string) {
	b.mu.Lock()
	conn, ok := b.clients[id]
	delete(b.clients, id)
	n := len(b.clients)
	b.mu.Unlock()
	if !ok {
		return
	}

	b.closeConn(conn, code, reason)
	b.metrics.SetActiveClients(surface, n)
	b.log.Info("websocket client disconnected", "client_id", id, "clients", n)
}

// SetVideoFormat refreshes the parameter-set cache from a video format
func (b *Broadcaster) SetVideoFormat(format *models.FormatDescriptor) {
	layout, ok := muxer.ExtractParameterSets(&b.params, format.Config, format.SecondaryConfig)
	if !ok {
		b.log.Warn("failed to extract SPS/PPS from any known layout")
		return
	}
	b.log.Debug("parameter sets extracted", "layout", layout.String(), "complete", b.params.Populated())
}

// SetAudioFormat stores the audio decoder configuration
func (b *Broadcaster) SetAudioFormat(format *models.FormatDescriptor) {
	b.cfgMu.Lock()
	b.audioConfig = bytes.Clone(format.Config)
	b.cfgMu.Unlock()
}

// BroadcastVideo sends a video sample. Keyframes carry SPS and PPS in front
// of the payload once both are known.
func (b *Broadcaster) BroadcastVideo(sample *models.EncodedSample) {
	if sample.Flags.ConfigOnly {
		muxer.ExtractParameterSets(&b.params, sample.Payload, nil)
		return
	}

	f := Frame{Type: FrameVideo, TimestampUs: sample.PresentationTimeUs, Payload: sample.Payload}
	if sample.Flags.Keyframe {
		f.Flags = FlagKeyframe
		if p := b.params.Get(); p.Complete() {
			f.Payload = muxer.PrependParameterSets(sample.Payload, p.SPS, p.PPS)
		}
	}
	b.broadcast(f)
}

// BroadcastAudio sends an audio sample unchanged
func (b *Broadcaster) BroadcastAudio(sample *models.EncodedSample) {
	if sample.Flags.ConfigOnly {
		return
	}
	b.broadcast(Frame{Type: FrameAudio, TimestampUs: sample.PresentationTimeUs, Payload: sample.Payload})
}

func (b *Broadcaster) broadcast(f Frame) {
	b.broadcastMu.Lock()
	defer b.broadcastMu.Unlock()

	b.mu.RLock()
	if len(b.clients) == 0 {
		b.mu.RUnlock()
		return
	}
	ids := make([]string, 0, len(b.clients))
	conns := make([]Conn, 0, len(b.clients))
	for id, c := range b.clients {
		ids = append(ids, id)
		conns = append(conns, c)
	}
	b.mu.RUnlock()

	msg := EncodeFrame(f)
	sent := 0
	for i, conn := range conns {
		if err := b.send(conn, msg); err != nil {
			b.log.Warn("error broadcasting to client", "client_id", ids[i], "error", err)
			b.metrics.RecordClientDropped(surface)
			b.remove(ids[i], websocket.CloseNormalClosure, "Broadcasting error")
			continue
		}
		sent++
	}
	b.metrics.RecordMessagesSent(surface, f.Type.String(), sent)
}

// configMessages returns the video and audio configuration messages that are
// currently known
func (b *Broadcaster) configMessages() [][]byte {
	var msgs [][]byte
	if p := b.params.Get(); p.Complete() {
		msgs = append(msgs, EncodeFrame(Frame{Type: FrameVideoConfig, Payload: p.Concat()}))
	}
	b.cfgMu.RLock()
	audio := b.audioConfig
	b.cfgMu.RUnlock()
	if len(audio) > 0 {
		msgs = append(msgs, EncodeFrame(Frame{Type: FrameAudioConfig, Payload: audio}))
	}
	return msgs
}

// ClientCount returns the number of registered clients
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// HasVideoConfig reports whether SPS and PPS are both known
func (b *Broadcaster) HasVideoConfig() bool {
	return b.params.Populated()
}

// StopAccepting rejects further connections
func (b *Broadcaster) StopAccepting() {
	b.mu.Lock()
	b.accepting = false
	b.mu.Unlock()
}

// CloseAll closes every client with a normal closure
func (b *Broadcaster) CloseAll() {
	b.mu.RLock()
	ids := make([]string, 0, len(b.clients))
	for id := range b.clients {
		ids = append(ids, id)
	}
	b.mu.RUnlock()

	for _, id := range ids {
		b.remove(id, websocket.CloseNormalClosure, "Server shutting down")
	}
}

// Shutdown stops accepting and closes all clients
func (b *Broadcaster) Shutdown() {
	b.StopAccepting()
	b.CloseAll()
}

func (b *Broadcaster) send(conn Conn, msg []byte) error {
	if d, ok := conn.(writeDeadliner); ok && b.writeTimeout > 0 {
		if err := d.SetWriteDeadline(time.Now().Add(b.writeTimeout)); err != nil {
			return err
		}
	}
	return conn.WriteMessage(websocket.BinaryMessage, msg)
}

func (b *Broadcaster) closeConn(conn Conn, code int, reason string) {
	if cw, ok := conn.(controlWriter); ok {
		cw.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	}
	conn.Close()
}

package wsstream

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"camrelay/pkg/models"
)

var (
	sps = []byte{0, 0, 0, 1, 0x67, 0x42, 0xC0, 0x1E}
	pps = []byte{0, 0, 0, 1, 0x68, 0xCE, 0x3C, 0x80}
	idr = []byte{0, 0, 0, 1, 0x65, 0x88, 0x84}
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func newConfiguredBroadcaster() *Broadcaster {
	b := NewBroadcaster(DefaultPath, time.Second, testLogger(), nil)
	b.SetVideoFormat(&models.FormatDescriptor{Track: models.TrackVideo, Config: concat(sps, pps)})
	b.SetAudioFormat(&models.FormatDescriptor{Track: models.TrackAudio, Config: []byte{0x12, 0x10}})
	return b
}

type fakeConn struct {
	mu     sync.Mutex
	msgs   [][]byte
	fail   bool
	closed bool
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail || c.closed {
		return errors.New("broken pipe")
	}
	c.msgs = append(c.msgs, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) frames(t *testing.T) []Frame {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Frame
	for _, m := range c.msgs {
		f, err := DecodeFrame(m)
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, f)
	}
	return out
}

func TestAcceptSendsConfigFirst(t *testing.T) {
	b := newConfiguredBroadcaster()
	conn := &fakeConn{}
	if _, err := b.Accept(conn); err != nil {
		t.Fatal(err)
	}

	frames := conn.frames(t)
	if len(frames) != 2 {
		t.Fatalf("expected 2 config messages, got %d", len(frames))
	}
	if frames[0].Type != FrameVideoConfig || !bytes.Equal(frames[0].Payload, concat(sps, pps)) {
		t.Errorf("video config = %v % x", frames[0].Type, frames[0].Payload)
	}
	if frames[1].Type != FrameAudioConfig || !bytes.Equal(frames[1].Payload, []byte{0x12, 0x10}) {
		t.Errorf("audio config = %v % x", frames[1].Type, frames[1].Payload)
	}
}

func TestAcceptWithoutConfigSendsNothing(t *testing.T) {
	b := NewBroadcaster(DefaultPath, time.Second, testLogger(), nil)
	conn := &fakeConn{}
	b.Accept(conn)
	if n := len(conn.frames(t)); n != 0 {
		t.Errorf("expected no messages, got %d", n)
	}
}

func TestBroadcastVideoPrefixesKeyframes(t *testing.T) {
	b := newConfiguredBroadcaster()
	conn := &fakeConn{}
	b.Accept(conn)

	b.BroadcastVideo(&models.EncodedSample{Payload: idr, PresentationTimeUs: 1000, Flags: models.SampleFlags{Keyframe: true}})
	b.BroadcastVideo(&models.EncodedSample{Payload: []byte{0, 0, 0, 1, 0x41}, PresentationTimeUs: 2000})
	b.BroadcastAudio(&models.EncodedSample{Payload: []byte{0x21}, PresentationTimeUs: 1500})

	frames := conn.frames(t)[2:]
	if len(frames) != 3 {
		t.Fatalf("expected 3 media messages, got %d", len(frames))
	}

	key := frames[0]
	if key.Type != FrameVideo || !key.Keyframe() || key.TimestampUs != 1000 {
		t.Errorf("keyframe header = %+v", key)
	}
	if !bytes.Equal(key.Payload, concat(sps, pps, idr)) {
		t.Errorf("keyframe payload = % x", key.Payload)
	}

	delta := frames[1]
	if delta.Keyframe() || !bytes.Equal(delta.Payload, []byte{0, 0, 0, 1, 0x41}) {
		t.Errorf("delta frame = %+v", delta)
	}

	audio := frames[2]
	if audio.Type != FrameAudio || audio.Flags != 0 || audio.TimestampUs != 1500 {
		t.Errorf("audio frame = %+v", audio)
	}
}

func TestKeyframeWithoutParameterSetsIsRaw(t *testing.T) {
	b := NewBroadcaster(DefaultPath, time.Second, testLogger(), nil)
	conn := &fakeConn{}
	b.Accept(conn)

	b.BroadcastVideo(&models.EncodedSample{Payload: idr, Flags: models.SampleFlags{Keyframe: true}})

	frames := conn.frames(t)
	if len(frames) != 1 || !bytes.Equal(frames[0].Payload, idr) || !frames[0].Keyframe() {
		t.Errorf("frames = %+v", frames)
	}
}

func TestConfigOnlySampleFillsCache(t *testing.T) {
	b := NewBroadcaster(DefaultPath, time.Second, testLogger(), nil)
	b.BroadcastVideo(&models.EncodedSample{Payload: concat(sps, pps), Flags: models.SampleFlags{ConfigOnly: true}})
	if !b.HasVideoConfig() {
		t.Fatal("config-only sample should populate the parameter sets")
	}
}

func TestFailingClientIsRemoved(t *testing.T) {
	b := newConfiguredBroadcaster()
	good, bad := &fakeConn{}, &fakeConn{}
	b.Accept(good)
	b.Accept(bad)
	bad.mu.Lock()
	bad.fail = true
	bad.mu.Unlock()

	b.BroadcastAudio(&models.EncodedSample{Payload: []byte{1}})
	b.BroadcastAudio(&models.EncodedSample{Payload: []byte{2}})

	if b.ClientCount() != 1 {
		t.Errorf("client count = %d, want 1", b.ClientCount())
	}
	if !bad.closed {
		t.Error("failed client should be closed")
	}
	if n := len(good.frames(t)); n != 4 {
		t.Errorf("good client got %d messages, want 4", n)
	}
}

func TestShutdownRejectsNewClients(t *testing.T) {
	b := newConfiguredBroadcaster()
	existing := &fakeConn{}
	b.Accept(existing)

	b.Shutdown()

	if !existing.closed {
		t.Error("existing client should be closed")
	}
	late := &fakeConn{}
	if _, err := b.Accept(late); !errors.Is(err, ErrClosed) {
		t.Errorf("Accept after shutdown = %v, want ErrClosed", err)
	}
	if len(late.frames(t)) != 0 {
		t.Error("rejected client must not receive config")
	}
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) Frame {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if mt != websocket.BinaryMessage {
		t.Fatalf("message type = %d, want binary", mt)
	}
	f, err := DecodeFrame(data)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestWebSocketConfigPrecedesMedia(t *testing.T) {
	b := newConfiguredBroadcaster()
	srv := httptest.NewServer(b)
	defer srv.Close()

	// Media keeps flowing while the client connects
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ts := int64(0)
		for {
			select {
			case <-stop:
				return
			default:
			}
			ts += 33_000
			b.BroadcastVideo(&models.EncodedSample{Payload: idr, PresentationTimeUs: ts, Flags: models.SampleFlags{Keyframe: true}})
			time.Sleep(time.Millisecond)
		}
	}()
	defer func() {
		close(stop)
		wg.Wait()
	}()

	ws := dial(t, srv, DefaultPath)
	defer ws.Close()

	if f := readFrame(t, ws); f.Type != FrameVideoConfig {
		t.Fatalf("first message = %v, want video_config", f.Type)
	}
	if f := readFrame(t, ws); f.Type != FrameAudioConfig {
		t.Fatalf("second message = %v, want audio_config", f.Type)
	}
	f := readFrame(t, ws)
	if f.Type != FrameVideo || !bytes.HasPrefix(f.Payload, concat(sps, pps)) {
		t.Errorf("media message = %v % x", f.Type, f.Payload)
	}
}

func TestWebSocketWrongPathIsPolicyViolation(t *testing.T) {
	b := newConfiguredBroadcaster()
	srv := httptest.NewServer(b)
	defer srv.Close()

	ws := dial(t, srv, "/other")
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("expected close error, got %v", err)
	}
	if closeErr.Code != websocket.ClosePolicyViolation {
		t.Errorf("close code = %d, want %d", closeErr.Code, websocket.ClosePolicyViolation)
	}
	if b.ClientCount() != 0 {
		t.Error("client on the wrong path must not be registered")
	}
}

func TestWebSocketClientCloseUnregisters(t *testing.T) {
	b := newConfiguredBroadcaster()
	srv := httptest.NewServer(b)
	defer srv.Close()

	ws := dial(t, srv, DefaultPath)
	readFrame(t, ws)
	if !waitForClients(b, 1) {
		t.Fatalf("client count = %d, want 1", b.ClientCount())
	}
	ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	ws.Close()

	if !waitForClients(b, 0) {
		t.Error("closed client should be removed")
	}
}

func waitForClients(b *Broadcaster, n int) bool {
	deadline := time.Now().Add(2 * time.Second)
	for b.ClientCount() != n && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	return b.ClientCount() == n
}

package httpServer

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"camrelay/internal/auth"
	"camrelay/internal/mjpeg"
	"camrelay/internal/storage"
	"camrelay/internal/streammanager"
	"camrelay/internal/wsstream"
	"camrelay/pkg/models"
)

type fixture struct {
	srv *Server
	dir string
	hub *mjpeg.Hub
	ws  *wsstream.Broadcaster
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T, withAuth bool) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dir := t.TempDir()
	hls, err := storage.NewLocalStorage(dir)
	if err != nil {
		t.Fatal(err)
	}
	log := testLogger()
	hub := mjpeg.NewHub(time.Second, log, nil)
	ws := wsstream.NewBroadcaster(wsstream.DefaultPath, time.Second, log, nil)

	deps := Deps{
		Manager:        streammanager.New(nil, ws, hub, log, nil),
		Hub:            hub,
		WS:             ws,
		HLS:            hls,
		RTMPIngestAddr: "rtmp://example.com:1935",
		AudioEnabled:   true,
	}
	if withAuth {
		deps.Auth = auth.New(time.Hour, 24*time.Hour, log)
	}
	return &fixture{srv: New(":0", deps, log), dir: dir, hub: hub, ws: ws}
}

func (f *fixture) do(method, target string, body io.Reader) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, target, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	f.srv.Handler().ServeHTTP(w, req)
	return w
}

func TestPlaylistAndSegments(t *testing.T) {
	f := newFixture(t, false)

	if w := f.do(http.MethodGet, "/stream.m3u8", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing playlist = %d", w.Code)
	}

	os.WriteFile(filepath.Join(f.dir, "stream.m3u8"), []byte("#EXTM3U\n"), 0644)
	os.WriteFile(filepath.Join(f.dir, "segment_3.ts"), bytes.Repeat([]byte{0x47}, 188), 0644)
	os.WriteFile(filepath.Join(f.dir, "notes.txt"), []byte("x"), 0644)

	w := f.do(http.MethodGet, "/stream.m3u8", nil)
	if w.Code != http.StatusOK || w.Body.String() != "#EXTM3U\n" {
		t.Fatalf("playlist = %d %q", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/vnd.apple.mpegurl" {
		t.Errorf("playlist content type = %q", ct)
	}
	if cc := w.Header().Get("Cache-Control"); !strings.Contains(cc, "no-cache") {
		t.Errorf("playlist cache control = %q", cc)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}

	w = f.do(http.MethodGet, "/segment_3.ts", nil)
	if w.Code != http.StatusOK || w.Body.Len() != 188 {
		t.Fatalf("segment = %d, %d bytes", w.Code, w.Body.Len())
	}
	if ct := w.Header().Get("Content-Type"); ct != "video/mp2t" {
		t.Errorf("segment content type = %q", ct)
	}

	for _, target := range []string{"/segment_9.ts", "/notes.txt", "/segment_3.mp4"} {
		if w := f.do(http.MethodGet, target, nil); w.Code != http.StatusNotFound {
			t.Errorf("GET %s = %d, want 404", target, w.Code)
		}
	}
}

func TestSnapshot(t *testing.T) {
	f := newFixture(t, false)
	if w := f.do(http.MethodGet, "/snapshot.jpg", nil); w.Code != http.StatusNotFound {
		t.Errorf("snapshot before frame = %d", w.Code)
	}

	jpeg := []byte{0xFF, 0xD8, 0x01, 0xFF, 0xD9}
	f.hub.UpdateFrame(jpeg)

	w := f.do(http.MethodGet, "/snapshot.jpg", nil)
	if w.Code != http.StatusOK || !bytes.Equal(w.Body.Bytes(), jpeg) {
		t.Fatalf("snapshot = %d % x", w.Code, w.Body.Bytes())
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/jpeg" {
		t.Errorf("content type = %q", ct)
	}
}

func TestStatusAndWSInfo(t *testing.T) {
	f := newFixture(t, false)
	f.hub.UpdateFrame([]byte{0xFF, 0xD8, 0xFF, 0xD9})

	var st models.StatusResponse
	w := f.do(http.MethodGet, "/status", nil)
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if st.Status != "ok" || !st.AudioEnabled || !st.SnapshotReady || !st.WSAvailable || st.HLSAvailable {
		t.Errorf("status = %+v", st)
	}

	var info models.WSInfoResponse
	w = f.do(http.MethodGet, "/ws-info", nil)
	if err := json.Unmarshal(w.Body.Bytes(), &info); err != nil {
		t.Fatal(err)
	}
	if info.Endpoint != "/stream" || info.HeaderSize != 14 || info.FrameTypes["video_config"] != 3 || info.Flags["keyframe"] != 1 {
		t.Errorf("ws-info = %+v", info)
	}
}

func TestPreflight(t *testing.T) {
	f := newFixture(t, false)
	w := f.do(http.MethodOptions, "/status", nil)
	if w.Code != http.StatusNoContent {
		t.Errorf("OPTIONS = %d, want 204", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Methods") == "" {
		t.Error("missing allow-methods")
	}
}

func TestPublishToken(t *testing.T) {
	f := newFixture(t, true)

	w := f.do(http.MethodPost, "/api/publish-token", strings.NewReader(`{"streamKey":"cam","expiresIn":60}`))
	if w.Code != http.StatusOK {
		t.Fatalf("publish-token = %d %s", w.Code, w.Body.String())
	}
	var resp models.PublishResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.StreamKey != "cam" || len(resp.Token) != 64 {
		t.Errorf("response = %+v", resp)
	}
	if want := "rtmp://example.com:1935/live/cam?token=" + resp.Token; resp.PublishURL != want {
		t.Errorf("publish url = %q, want %q", resp.PublishURL, want)
	}

	if w := f.do(http.MethodPost, "/api/publish-token", strings.NewReader(`{}`)); w.Code != http.StatusBadRequest {
		t.Errorf("missing stream key = %d, want 400", w.Code)
	}

	disabled := newFixture(t, false)
	if w := disabled.do(http.MethodPost, "/api/publish-token", strings.NewReader(`{"streamKey":"cam"}`)); w.Code != http.StatusNotFound {
		t.Errorf("disabled auth = %d, want 404", w.Code)
	}
}

func TestMJPEGStream(t *testing.T) {
	f := newFixture(t, false)
	srv := httptest.NewServer(f.srv.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/mjpeg")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != mjpeg.ContentType {
		t.Fatalf("content type = %q", ct)
	}

	f.hub.UpdateFrame([]byte{0xFF, 0xD8, 0xAA, 0xFF, 0xD9})

	br := bufio.NewReader(resp.Body)
	line, err := br.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if line != "--"+mjpeg.Boundary+"\r\n" {
		t.Errorf("first part line = %q", line)
	}

	f.hub.CloseAll()
	if f.hub.ClientCount() != 0 {
		t.Error("client should be gone after CloseAll")
	}
}

func TestWebSocketRouting(t *testing.T) {
	f := newFixture(t, false)
	srv := httptest.NewServer(f.srv.Handler())
	defer srv.Close()
	base := "ws" + strings.TrimPrefix(srv.URL, "http")

	ws, _, err := websocket.DefaultDialer.Dial(base+"/stream", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ws.Close()

	deadline := time.Now().Add(2 * time.Second)
	for f.ws.ClientCount() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if f.ws.ClientCount() != 1 {
		t.Fatalf("ws clients = %d", f.ws.ClientCount())
	}

	bad, _, err := websocket.DefaultDialer.Dial(base+"/status", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer bad.Close()
	bad.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = bad.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != websocket.ClosePolicyViolation {
		t.Errorf("wrong path read = %v, want policy violation", err)
	}
}

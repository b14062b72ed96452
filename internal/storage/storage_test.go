package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"camrelay/internal/metrics"
	"camrelay/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLocalStorageWriteOpenExists(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStorage(filepath.Join(t.TempDir(), "archive"))
	if err != nil {
		t.Fatal(err)
	}

	if ok, _ := s.Exists(ctx, "segment_0.ts"); ok {
		t.Fatal("file should not exist yet")
	}
	if err := s.Write(ctx, "segment_0.ts", []byte("payload")); err != nil {
		t.Fatal(err)
	}
	if ok, err := s.Exists(ctx, "segment_0.ts"); !ok || err != nil {
		t.Fatalf("Exists = %v, %v", ok, err)
	}

	f, info, err := s.Open("segment_0.ts")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if info.Size() != int64(len("payload")) {
		t.Errorf("size = %d", info.Size())
	}
	if _, err := os.Stat(s.GetFullPath("segment_0.ts.tmp")); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}
}

func TestLocalStorageRejectsTraversal(t *testing.T) {
	s, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"../etc/passwd", "..", "", "/"} {
		if _, _, err := s.Open(name); !errors.Is(err, ErrInvalidPath) {
			t.Errorf("Open(%q) = %v, want ErrInvalidPath", name, err)
		}
	}
}

func TestLocalStorageOpenMissing(t *testing.T) {
	s, _ := NewLocalStorage(t.TempDir())
	if _, _, err := s.Open("segment_9.ts"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Open missing = %v, want not exist", err)
	}
}

func TestContentType(t *testing.T) {
	tests := map[string]string{
		"stream.m3u8":  "application/vnd.apple.mpegurl",
		"segment_1.ts": "video/mp2t",
		"snapshot.jpg": "image/jpeg",
		"other.bin":    "application/octet-stream",
	}
	for name, want := range tests {
		if got := ContentType(name); got != want {
			t.Errorf("ContentType(%q) = %q, want %q", name, got, want)
		}
	}
	if got := CacheControl("stream.m3u8"); got != "no-cache, no-store, must-revalidate" {
		t.Errorf("playlist cache control = %q", got)
	}
}

type recordingStore struct {
	mu      sync.Mutex
	written map[string][]byte
	err     error
}

func (r *recordingStore) Write(_ context.Context, path string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if r.written == nil {
		r.written = make(map[string][]byte)
	}
	r.written[path] = data
	return nil
}

func (r *recordingStore) Exists(_ context.Context, path string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.written[path]
	return ok, nil
}

func writeSegment(t *testing.T, dir, name string) models.Segment {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("ts-"+name), 0644); err != nil {
		t.Fatal(err)
	}
	return models.Segment{FileName: name, FilePath: path}
}

func TestArchiverUploadsQueuedSegments(t *testing.T) {
	dir := t.TempDir()
	store := &recordingStore{}
	m := metrics.New()
	a := NewArchiver(store, 4, testLogger(), m)

	a.Enqueue(writeSegment(t, dir, "segment_0.ts"))
	a.Enqueue(writeSegment(t, dir, "segment_1.ts"))
	a.Enqueue(models.Segment{FileName: "segment_2.ts", FilePath: filepath.Join(dir, "gone.ts")})
	a.Close()

	if err := a.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{"segment_0.ts", "segment_1.ts"} {
		if ok, _ := store.Exists(context.Background(), a.Key(models.Segment{FileName: name})); !ok {
			t.Errorf("%s not archived", name)
		}
	}
	if got := testutil.ToFloat64(m.ArchiveUploads.WithLabelValues("ok")); got != 2 {
		t.Errorf("ok uploads = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ArchiveUploads.WithLabelValues("error")); got != 1 {
		t.Errorf("failed uploads = %v, want 1", got)
	}
}

func TestArchiverDropsWhenFull(t *testing.T) {
	dir := t.TempDir()
	a := NewArchiver(&recordingStore{}, 1, testLogger(), nil)

	if !a.Enqueue(writeSegment(t, dir, "segment_0.ts")) {
		t.Fatal("first enqueue should succeed")
	}
	if a.Enqueue(writeSegment(t, dir, "segment_1.ts")) {
		t.Fatal("second enqueue should be dropped")
	}
	a.Close()
	a.Close()
	if a.Enqueue(writeSegment(t, dir, "segment_2.ts")) {
		t.Fatal("enqueue after close should be rejected")
	}
}

func TestArchiverToLocalStorage(t *testing.T) {
	src := t.TempDir()
	dst, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	a := NewArchiver(dst, 2, testLogger(), nil)
	a.Enqueue(writeSegment(t, src, "segment_3.ts"))
	a.Close()
	a.Run(context.Background())

	data, err := os.ReadFile(dst.GetFullPath(a.RunID() + "/segment_3.ts"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "ts-segment_3.ts" {
		t.Errorf("archived content = %q", data)
	}
}

func TestArchiverRunsDoNotOverwriteEachOther(t *testing.T) {
	dst, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	var keys []string
	for _, content := range []string{"first-run", "second-run"} {
		src := t.TempDir()
		path := filepath.Join(src, "segment_0.ts")
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
		a := NewArchiver(dst, 1, testLogger(), nil)
		seg := models.Segment{FileName: "segment_0.ts", FilePath: path}
		a.Enqueue(seg)
		a.Close()
		a.Run(context.Background())
		keys = append(keys, a.Key(seg))
	}

	if keys[0] == keys[1] {
		t.Fatalf("both runs archived to %q", keys[0])
	}
	for i, want := range []string{"first-run", "second-run"} {
		data, err := os.ReadFile(dst.GetFullPath(keys[i]))
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		if string(data) != want {
			t.Errorf("run %d content = %q, want %q", i, data, want)
		}
	}
}

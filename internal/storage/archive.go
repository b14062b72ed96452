package storage

import (
	"context"
	"log/slog"
	"os"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"

	"camrelay/internal/metrics"
	"camrelay/pkg/models"
)

// Archiver copies finished segments to a Storage on a single worker.
// Enqueue never blocks; a full queue drops the segment.
// Segment numbering restarts with every process, so objects are stored under
// a per-run prefix.
type Archiver struct {
	store   Storage
	runID   string
	log     *slog.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	closed bool
	queue  chan models.Segment
}

// NewArchiver creates an archiver with a queue of queueSize segments
func NewArchiver(store Storage, queueSize int, log *slog.Logger, m *metrics.Metrics) *Archiver {
	if queueSize <= 0 {
		queueSize = 16
	}
	runID := time.Now().UTC().Format("20060102T150405Z") + "-" + uuid.NewString()[:8]
	return &Archiver{
		store:   store,
		runID:   runID,
		log:     log.With("component", "archiver", "run_id", runID),
		metrics: m,
		queue:   make(chan models.Segment, queueSize),
	}
}

// RunID returns the prefix this archiver stores segments under
func (a *Archiver) RunID() string {
	return a.runID
}

// Key returns the storage path of an archived segment
func (a *Archiver) Key(seg models.Segment) string {
	return path.Join(a.runID, seg.FileName)
}

// Enqueue schedules a segment for upload. It reports false when the segment
// was dropped.
func (a *Archiver) Enqueue(seg models.Segment) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return false
	}

	select {
	case a.queue <- seg:
		return true
	default:
		a.log.Warn("archive queue full, dropping segment", "segment", seg.FileName)
		a.metrics.RecordArchiveUpload("dropped")
		return false
	}
}

// Run uploads queued segments until Close is called and the queue is drained
func (a *Archiver) Run(ctx context.Context) error {
	for seg := range a.queue {
		a.upload(ctx, seg)
	}
	return nil
}

// Close stops accepting segments. Run returns once the queue is empty.
func (a *Archiver) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.closed = true
	close(a.queue)
}

func (a *Archiver) upload(ctx context.Context, seg models.Segment) {
	data, err := os.ReadFile(seg.FilePath)
	if err != nil {
		// Evicted from the live window before the worker reached it
		a.log.Warn("segment no longer on disk, skipping archive", "segment", seg.FileName, "error", err)
		a.metrics.RecordArchiveUpload("error")
		return
	}

	key := a.Key(seg)
	if err := a.store.Write(ctx, key, data); err != nil {
		a.log.Error("failed to archive segment", "segment", seg.FileName, "error", err)
		a.metrics.RecordArchiveUpload("error")
		return
	}

	a.metrics.RecordArchiveUpload("ok")
	a.log.Debug("segment archived", "segment", seg.FileName, "key", key, "size", len(data))
}

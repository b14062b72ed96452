package segmenter

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"camrelay/internal/metrics"
	"camrelay/internal/muxer"
	"camrelay/pkg/models"
)

// ErrClosed is returned by mutating calls after Close
var ErrClosed = errors.New("segmenter closed")

// State is the writer's position in its segment lifecycle
type State int

const (
	StateAwaitingFormats State = iota
	StateAwaitingAudioGrace
	StateMuxing
	StateRotating
	StateFinalized
)

func (s State) String() string {
	switch s {
	case StateAwaitingFormats:
		return "awaiting_formats"
	case StateAwaitingAudioGrace:
		return "awaiting_audio_grace"
	case StateMuxing:
		return "muxing"
	case StateRotating:
		return "rotating"
	case StateFinalized:
		return "finalized"
	default:
		return "unknown"
	}
}

// ContainerWriter muxes one segment file
type ContainerWriter interface {
	AddTrack(format *models.FormatDescriptor) error
	Start() error
	WriteSample(s *models.EncodedSample) error
	Stop() error
	Release() error
}

// ContainerFactory creates a writer for a new segment file. An error here
// means the segment file could not be created, which is fatal.
type ContainerFactory func(path string) (ContainerWriter, error)

// Config holds the segment rotation settings
type Config struct {
	OutputDir       string
	PlaylistName    string
	SegmentDuration time.Duration
	MaxSegments     int
	AudioRequired   bool
	AudioGrace      time.Duration
}

// Option customises a Segmenter
type Option func(*Segmenter)

// WithContainerFactory replaces the MPEG-TS writer
func WithContainerFactory(f ContainerFactory) Option {
	return func(s *Segmenter) { s.newContainer = f }
}

// WithClock replaces the wall clock used for the audio grace period
func WithClock(now func() time.Time) Option {
	return func(s *Segmenter) { s.now = now }
}

// WithSegmentHook registers a callback invoked, under the writer lock, after
// each segment is published
func WithSegmentHook(fn func(models.Segment)) Option {
	return func(s *Segmenter) { s.onSegment = fn }
}

// WithMetrics attaches Prometheus metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Segmenter) { s.metrics = m }
}

// Segmenter turns the encoder's sample stream into rotating HLS segments and
// a sliding-window playlist. All mutating calls are serialised on one mutex.
type Segmenter struct {
	cfg          Config
	log          *slog.Logger
	metrics      *metrics.Metrics
	newContainer ContainerFactory
	now          func() time.Time
	onSegment    func(models.Segment)

	mu          sync.Mutex
	state       State
	closed      bool
	videoFormat *models.FormatDescriptor
	audioFormat *models.FormatDescriptor
	hasBase     bool
	baseUs      int64
	lastVideoUs int64
	nextSeq     uint64
	current     *openSegment
	window      []models.Segment
}

// openSegment is the in-progress segment
type openSegment struct {
	seq        uint64
	name       string
	path       string
	writer     ContainerWriter
	startPtsUs int64
	createdAt  time.Time
	opened     bool
	failed     bool
	withAudio  bool
	samples    uint64

	pendingVideo []*models.EncodedSample
	pendingAudio []*models.EncodedSample
}

// New creates a segmenter, clears stale segment files from the output
// directory and writes an empty playlist. Errors are fatal.
func New(cfg Config, log *slog.Logger, opts ...Option) (*Segmenter, error) {
	if cfg.PlaylistName == "" {
		cfg.PlaylistName = "stream.m3u8"
	}
	if cfg.SegmentDuration <= 0 {
		cfg.SegmentDuration = 4 * time.Second
	}
	if cfg.MaxSegments <= 0 {
		cfg.MaxSegments = 6
	}
	if cfg.AudioGrace <= 0 {
		cfg.AudioGrace = 400 * time.Millisecond
	}

	s := &Segmenter{
		cfg: cfg,
		log: log.With("component", "segmenter"),
		newContainer: func(path string) (ContainerWriter, error) {
			return muxer.CreateTSWriter(path)
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(cfg.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	stale, _ := filepath.Glob(filepath.Join(cfg.OutputDir, "segment_*.ts"))
	for _, f := range stale {
		os.Remove(f)
	}
	if err := s.writePlaylistLocked(); err != nil {
		return nil, err
	}

	s.log.Info("HLS segmenter initialized",
		"dir", cfg.OutputDir,
		"segment_duration", cfg.SegmentDuration,
		"max_segments", cfg.MaxSegments,
		"audio_required", cfg.AudioRequired,
	)
	return s, nil
}

// PlaylistPath returns the absolute path of the playlist file
func (s *Segmenter) PlaylistPath() string {
	return filepath.Join(s.cfg.OutputDir, s.cfg.PlaylistName)
}

// State returns the current lifecycle state
func (s *Segmenter) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Playlist returns a snapshot of the sliding window
func (s *Segmenter) Playlist() models.Playlist {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playlistLocked()
}

// OnFormat records a track format and tries to open the pending segment
func (s *Segmenter) OnFormat(track models.Track, format *models.FormatDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	switch track {
	case models.TrackVideo:
		s.videoFormat = format.Clone()
		s.videoFormat.Track = models.TrackVideo
	case models.TrackAudio:
		s.audioFormat = format.Clone()
		s.audioFormat.Track = models.TrackAudio
	default:
		return fmt.Errorf("unknown track %d", track)
	}
	s.log.Info("format set", "track", track.String(), "mime", format.MimeType)

	s.tryOpenLocked()
	return nil
}

// OnSample re-bases, routes and writes (or buffers) one encoded sample.
// The only error that is not absorbed is failure to create a segment file.
func (s *Segmenter) OnSample(track models.Track, sample *models.EncodedSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if sample.Flags.ConfigOnly {
		return nil
	}
	if sample.Flags.EndOfStream && len(sample.Payload) == 0 {
		if s.current != nil {
			s.log.Info("end of stream, finalizing segment", "sequence", s.current.seq)
			s.finalizeLocked()
		}
		return nil
	}

	var err error
	switch track {
	case models.TrackVideo:
		err = s.onVideoLocked(sample)
	case models.TrackAudio:
		s.onAudioLocked(sample)
	default:
		return fmt.Errorf("unknown track %d", track)
	}
	if err != nil {
		return err
	}

	if sample.Flags.EndOfStream && s.current != nil {
		s.log.Info("end of stream, finalizing segment", "sequence", s.current.seq)
		s.finalizeLocked()
	}
	return nil
}

func (s *Segmenter) onVideoLocked(sample *models.EncodedSample) error {
	if !s.hasBase {
		s.baseUs = sample.DecodeTimeUs()
		s.hasBase = true
	}
	// Rotation and durations follow the decode clock, which must not go back
	dts := sample.DecodeTimeUs() - s.baseUs
	if dts < s.lastVideoUs {
		dts = s.lastVideoUs
	}
	s.lastVideoUs = dts
	pts := sample.PresentationTimeUs - s.baseUs

	if sample.Flags.Keyframe && s.shouldRotateLocked(dts) {
		if s.current != nil {
			s.finalizeLocked()
		}
		if err := s.startSegmentLocked(dts); err != nil {
			return err
		}
	}

	if s.current == nil {
		// Nothing decodable before the first keyframe
		s.metrics.RecordSampleDropped(models.TrackVideo.String(), "before_keyframe")
		return nil
	}

	s.tryOpenLocked()
	s.writeOrBufferLocked(rebased(sample, models.TrackVideo, pts, dts))
	return nil
}

func (s *Segmenter) onAudioLocked(sample *models.EncodedSample) {
	if !s.hasBase {
		s.metrics.RecordSampleDropped(models.TrackAudio.String(), "no_video_base")
		return
	}
	pts := sample.PresentationTimeUs - s.baseUs
	if pts < 0 || s.current == nil {
		s.metrics.RecordSampleDropped(models.TrackAudio.String(), "no_segment")
		return
	}

	s.tryOpenLocked()
	seg := s.current
	if seg.opened && !seg.withAudio {
		s.metrics.RecordSampleDropped(models.TrackAudio.String(), "video_only")
		return
	}
	s.writeOrBufferLocked(rebased(sample, models.TrackAudio, pts, pts))
}

func (s *Segmenter) shouldRotateLocked(pts int64) bool {
	if s.current == nil {
		return true
	}
	return pts-s.current.startPtsUs >= s.cfg.SegmentDuration.Microseconds()
}

func (s *Segmenter) startSegmentLocked(startPts int64) error {
	seq := s.nextSeq
	name := fmt.Sprintf("segment_%d.ts", seq)
	path := filepath.Join(s.cfg.OutputDir, name)

	w, err := s.newContainer(path)
	if err != nil {
		s.state = StateAwaitingFormats
		return fmt.Errorf("segment %d: %w", seq, err)
	}
	s.nextSeq++

	s.current = &openSegment{
		seq:        seq,
		name:       name,
		path:       path,
		writer:     w,
		startPtsUs: startPts,
		createdAt:  s.now(),
	}
	s.state = StateAwaitingFormats
	s.log.Debug("started new segment",
		"segment", name,
		"start_pts_us", startPts,
		"video_format", s.videoFormat != nil,
		"audio_format", s.audioFormat != nil,
	)
	return nil
}

// tryOpenLocked starts the container writer of the current segment once the
// required formats are known or the audio grace period has run out
func (s *Segmenter) tryOpenLocked() {
	seg := s.current
	if seg == nil || seg.opened || seg.failed {
		return
	}
	if s.videoFormat == nil {
		s.state = StateAwaitingFormats
		return
	}

	withAudio := false
	if s.cfg.AudioRequired {
		if s.audioFormat != nil {
			withAudio = true
		} else if s.now().Sub(seg.createdAt) < s.cfg.AudioGrace {
			s.state = StateAwaitingAudioGrace
			return
		} else {
			s.log.Warn("audio format not available after grace period, opening video-only segment",
				"segment", seg.name, "grace", s.cfg.AudioGrace)
			for range seg.pendingAudio {
				s.metrics.RecordSampleDropped(models.TrackAudio.String(), "grace_expired")
			}
			seg.pendingAudio = nil
		}
	}

	if err := seg.writer.AddTrack(s.videoFormat); err != nil {
		s.failSegmentLocked(seg, fmt.Errorf("add video track: %w", err))
		return
	}
	if withAudio {
		if err := seg.writer.AddTrack(s.audioFormat); err != nil {
			s.log.Warn("failed to add audio track, opening video-only", "segment", seg.name, "error", err)
			withAudio = false
		}
	}
	if err := seg.writer.Start(); err != nil {
		s.failSegmentLocked(seg, fmt.Errorf("start: %w", err))
		return
	}

	seg.opened = true
	seg.withAudio = withAudio
	s.state = StateMuxing

	for _, v := range seg.pendingVideo {
		s.writeLocked(seg, v)
	}
	seg.pendingVideo = nil
	if withAudio {
		for _, a := range seg.pendingAudio {
			s.writeLocked(seg, a)
		}
	}
	seg.pendingAudio = nil

	s.log.Info("container writer started", "segment", seg.name, "audio", withAudio)
}

func (s *Segmenter) failSegmentLocked(seg *openSegment, err error) {
	s.log.Error("failed to open container writer", "segment", seg.name, "error", err)
	seg.failed = true
	seg.pendingVideo = nil
	seg.pendingAudio = nil
	s.state = StateMuxing
}

func (s *Segmenter) writeOrBufferLocked(sample *models.EncodedSample) {
	seg := s.current
	switch {
	case seg.failed:
		s.metrics.RecordSampleDropped(sample.Track.String(), "writer_failed")
	case seg.opened:
		s.writeLocked(seg, sample)
	case sample.Track == models.TrackVideo:
		seg.pendingVideo = append(seg.pendingVideo, sample)
	default:
		seg.pendingAudio = append(seg.pendingAudio, sample)
	}
}

func (s *Segmenter) writeLocked(seg *openSegment, sample *models.EncodedSample) {
	if err := seg.writer.WriteSample(sample); err != nil {
		s.log.Error("failed to write sample", "segment", seg.name, "track", sample.Track.String(), "error", err)
		s.metrics.RecordSampleDropped(sample.Track.String(), "write_error")
		return
	}
	seg.samples++
}

// finalizeLocked closes the current segment and publishes it when its file is
// non-empty. Container errors are logged and do not stop the pipeline.
func (s *Segmenter) finalizeLocked() {
	seg := s.current
	s.current = nil
	s.state = StateRotating

	if seg.opened {
		if err := seg.writer.Stop(); err != nil {
			s.log.Error("error stopping container writer", "segment", seg.name, "error", err)
		}
	}
	if err := seg.writer.Release(); err != nil {
		s.log.Error("error releasing container writer", "segment", seg.name, "error", err)
	}

	duration := s.cfg.SegmentDuration.Seconds()
	if seg.samples > 0 && s.lastVideoUs >= seg.startPtsUs {
		duration = float64(s.lastVideoUs-seg.startPtsUs) / 1e6
	}

	info, err := os.Stat(seg.path)
	if err != nil || info.Size() == 0 {
		s.log.Warn("segment file is empty or missing, not publishing", "segment", seg.name)
		os.Remove(seg.path)
		s.metrics.RecordSegmentDropped()
		s.state = StateAwaitingFormats
		return
	}

	published := models.Segment{
		SequenceNum: seg.seq,
		FileName:    seg.name,
		FilePath:    seg.path,
		StartPtsUs:  seg.startPtsUs,
		Duration:    duration,
		SampleCount: seg.samples,
		FileSize:    info.Size(),
		CreatedAt:   seg.createdAt,
	}
	s.window = append(s.window, published)
	s.metrics.RecordSegment(duration, info.Size())

	for len(s.window) > s.cfg.MaxSegments {
		old := s.window[0]
		s.window = s.window[1:]
		if err := os.Remove(old.FilePath); err != nil && !os.IsNotExist(err) {
			s.log.Warn("failed to delete evicted segment", "segment", old.FileName, "error", err)
		}
		s.metrics.RecordSegmentEvicted()
		s.log.Debug("evicted segment", "segment", old.FileName)
	}

	if err := s.writePlaylistLocked(); err != nil {
		s.log.Error("error updating playlist", "error", err)
	}
	s.log.Info("finished segment",
		"segment", seg.name,
		"duration", duration,
		"samples", seg.samples,
		"size", info.Size(),
	)

	if s.onSegment != nil {
		s.onSegment(published)
	}
	s.state = StateAwaitingFormats
}

func (s *Segmenter) playlistLocked() models.Playlist {
	pl := models.Playlist{
		TargetDuration: targetDuration(s.cfg.SegmentDuration, s.window),
		Segments:       append([]models.Segment(nil), s.window...),
	}
	if len(s.window) > 0 {
		pl.MediaSequence = s.window[0].SequenceNum
	}
	return pl
}

// writePlaylistLocked rewrites the playlist through a temp file and rename so
// readers never see a partial write
func (s *Segmenter) writePlaylistLocked() error {
	content := BuildPlaylist(s.playlistLocked(), fileExists)

	final := s.PlaylistPath()
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write playlist: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to publish playlist: %w", err)
	}
	return nil
}

// Close finalizes the in-progress segment and releases the writer.
// Further calls return nil.
func (s *Segmenter) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	if s.current != nil {
		s.finalizeLocked()
	}
	s.videoFormat = nil
	s.audioFormat = nil
	s.state = StateFinalized
	s.log.Info("HLS segmenter closed", "segments", len(s.window))
	return nil
}

func rebased(sample *models.EncodedSample, track models.Track, pts, dts int64) *models.EncodedSample {
	return &models.EncodedSample{
		Track:               track,
		Payload:             sample.Payload,
		PresentationTimeUs:  pts,
		CompositionOffsetUs: pts - dts,
		Flags:               sample.Flags,
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

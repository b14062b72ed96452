package streammanager

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hashicorp/go-multierror"

	"camrelay/internal/metrics"
	"camrelay/pkg/models"
)

var (
	// ErrSourceBusy is returned when a second publisher tries to go live
	ErrSourceBusy = errors.New("source is already live")
	// ErrClosed is returned once the manager has been shut down
	ErrClosed = errors.New("stream manager closed")
)

// SegmentWriter is the HLS side of the pipeline
type SegmentWriter interface {
	OnFormat(track models.Track, format *models.FormatDescriptor) error
	OnSample(track models.Track, sample *models.EncodedSample) error
	Playlist() models.Playlist
	Close() error
}

// FrameBroadcaster is the WebSocket side of the pipeline
type FrameBroadcaster interface {
	SetVideoFormat(format *models.FormatDescriptor)
	SetAudioFormat(format *models.FormatDescriptor)
	BroadcastVideo(sample *models.EncodedSample)
	BroadcastAudio(sample *models.EncodedSample)
	ClientCount() int
	StopAccepting()
	CloseAll()
}

// ClientHub is a viewer surface that only needs shutting down
type ClientHub interface {
	ClientCount() int
	StopAccepting()
	CloseAll()
}

type closer struct {
	name string
	fn   func() error
}

// Manager fans encoder output out to every consumer and tracks the single
// publishing source
type Manager struct {
	seg     SegmentWriter
	ws      FrameBroadcaster
	hub     ClientHub
	log     *slog.Logger
	metrics *metrics.Metrics

	mu      sync.RWMutex
	source  *models.Source
	closers []closer
	closed  bool
}

// New creates a new stream manager. Any of seg, ws and hub may be nil.
func New(seg SegmentWriter, ws FrameBroadcaster, hub ClientHub, log *slog.Logger, m *metrics.Metrics) *Manager {
	return &Manager{
		seg:     seg,
		ws:      ws,
		hub:     hub,
		log:     log.With("component", "stream_manager"),
		metrics: m,
	}
}

// AddCloser registers fn to run on Close after the pipeline is released
func (m *Manager) AddCloser(name string, fn func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closers = append(m.closers, closer{name: name, fn: fn})
}

// BeginSource marks a publisher as live. Only one source may be live.
func (m *Manager) BeginSource(name, remoteAddr string) (*models.Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if m.source != nil && m.source.GetState() == models.SourceStateLive {
		return nil, fmt.Errorf("%w: %s", ErrSourceBusy, m.source.Name)
	}

	src := &models.Source{Name: name, RemoteAddr: remoteAddr}
	src.SetState(models.SourceStateLive)
	m.source = src

	m.log.Info("source live", "name", name, "remote", remoteAddr)
	return src, nil
}

// EndSource marks src as stopped. The last source stays visible in Status.
func (m *Manager) EndSource(src *models.Source) {
	if src == nil {
		return
	}
	m.mu.RLock()
	current := m.source == src
	m.mu.RUnlock()
	if !current {
		return
	}

	src.SetState(models.SourceStateStopped)
	info := src.Info()
	m.log.Info("source stopped",
		"name", info.Name,
		"video_samples", info.VideoSamples,
		"audio_samples", info.AudioSamples,
		"duration_s", info.Duration,
	)
}

// Source returns a snapshot of the current or last source
func (m *Manager) Source() (models.SourceInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.source == nil {
		return models.SourceInfo{}, false
	}
	return m.source.Info(), true
}

// Status summarizes every surface
func (m *Manager) Status() models.StatusResponse {
	st := models.StatusResponse{Status: "ok"}
	if m.hub != nil {
		st.MJPEGClients = m.hub.ClientCount()
	}
	if m.ws != nil {
		st.WSClients = m.ws.ClientCount()
		st.WSAvailable = true
	}
	if m.seg != nil {
		pl := m.seg.Playlist()
		st.Segments = len(pl.Segments)
		st.MediaSequence = pl.MediaSequence
		st.HLSAvailable = len(pl.Segments) > 0
	}
	if info, ok := m.Source(); ok {
		st.Source = &info
	}
	return st
}

// OnFormat forwards a new track format to every consumer
func (m *Manager) OnFormat(track models.Track, format *models.FormatDescriptor) error {
	if m.isClosed() {
		return ErrClosed
	}

	if m.ws != nil {
		switch track {
		case models.TrackVideo:
			m.ws.SetVideoFormat(format)
		case models.TrackAudio:
			m.ws.SetAudioFormat(format)
		}
	}
	if m.seg != nil {
		if err := m.seg.OnFormat(track, format); err != nil {
			return fmt.Errorf("segmenter format: %w", err)
		}
	}
	m.log.Debug("track format", "track", track.String(), "mime", format.MimeType, "config_bytes", len(format.Config))
	return nil
}

// OnSample forwards one encoded sample to every consumer
func (m *Manager) OnSample(track models.Track, sample *models.EncodedSample) error {
	m.mu.RLock()
	closed, src := m.closed, m.source
	m.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	// An empty end-of-stream sample is a marker for the segmenter only
	marker := sample.Flags.EndOfStream && len(sample.Payload) == 0
	if !marker {
		if src != nil && !sample.Flags.ConfigOnly {
			src.UpdateStats(sample)
		}
		m.metrics.RecordSample(track.String(), sample.Flags.Keyframe)
	}

	if m.ws != nil && !marker {
		switch track {
		case models.TrackVideo:
			m.ws.BroadcastVideo(sample)
		case models.TrackAudio:
			m.ws.BroadcastAudio(sample)
		}
	}
	if m.seg != nil {
		if err := m.seg.OnSample(track, sample); err != nil {
			return fmt.Errorf("segmenter sample: %w", err)
		}
	}
	return nil
}

// Close shuts the pipeline down in order: stop accepting viewers, close
// viewers, finalize the segmenter, then run registered closers. Subsequent
// calls return nil.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	closers := m.closers
	src := m.source
	m.mu.Unlock()

	if src != nil && src.GetState() == models.SourceStateLive {
		src.SetState(models.SourceStateStopped)
	}

	if m.ws != nil {
		m.ws.StopAccepting()
	}
	if m.hub != nil {
		m.hub.StopAccepting()
	}
	if m.ws != nil {
		m.ws.CloseAll()
	}
	if m.hub != nil {
		m.hub.CloseAll()
	}

	var result *multierror.Error
	if m.seg != nil {
		if err := m.seg.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("segmenter: %w", err))
		}
	}
	for _, c := range closers {
		if err := c.fn(); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", c.name, err))
		}
	}

	err := result.ErrorOrNil()
	if err != nil {
		m.log.Error("shutdown finished with errors", "error", err)
	} else {
		m.log.Info("pipeline released")
	}
	return err
}

func (m *Manager) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

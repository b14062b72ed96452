package models

import (
	"sync"
	"time"
)

// SourceState represents the current state of the encoder source
type SourceState string

const (
	SourceStateIdle    SourceState = "idle"
	SourceStateLive    SourceState = "live"
	SourceStateStopped SourceState = "stopped"
)

// Source is the single publisher currently feeding the engine
type Source struct {
	Name       string      // Publishing name or "encoder" for the local pipeline
	RemoteAddr string      // Address of the publisher, empty for the local pipeline
	State      SourceState // Current state
	StartedAt  time.Time   // When the source went live
	StoppedAt  *time.Time  // When the source stopped (if stopped)

	// Stats
	Stats SourceStats

	mu sync.RWMutex // Protects concurrent access
}

// SourceStats tracks source statistics
type SourceStats struct {
	BytesReceived  uint64    // Total payload bytes received
	VideoSamples   uint64    // Total video samples received
	AudioSamples   uint64    // Total audio samples received
	KeyFrames      uint64    // Total keyframes received
	LastSampleTime time.Time // Time of last sample received
}

// UpdateStats records one sample
func (s *Source) UpdateStats(sample *EncodedSample) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Stats.BytesReceived += uint64(len(sample.Payload))
	s.Stats.LastSampleTime = time.Now()
	switch sample.Track {
	case TrackVideo:
		s.Stats.VideoSamples++
		if sample.Flags.Keyframe {
			s.Stats.KeyFrames++
		}
	case TrackAudio:
		s.Stats.AudioSamples++
	}
}

// SetState safely updates the source state
func (s *Source) SetState(state SourceState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = state

	if state == SourceStateLive && s.StartedAt.IsZero() {
		s.StartedAt = time.Now()
	} else if state == SourceStateStopped {
		now := time.Now()
		s.StoppedAt = &now
	}
}

// GetState safely returns the current source state
func (s *Source) GetState() SourceState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.State
}

// Info returns a JSON-friendly snapshot
func (s *Source) Info() SourceInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := SourceInfo{
		Name:         s.Name,
		RemoteAddr:   s.RemoteAddr,
		State:        string(s.State),
		VideoSamples: s.Stats.VideoSamples,
		AudioSamples: s.Stats.AudioSamples,
		KeyFrames:    s.Stats.KeyFrames,
		Bytes:        s.Stats.BytesReceived,
	}
	if !s.StartedAt.IsZero() {
		info.StartedAt = s.StartedAt.UTC().Format(time.RFC3339)
		end := time.Now()
		if s.StoppedAt != nil {
			end = *s.StoppedAt
		}
		info.Duration = int(end.Sub(s.StartedAt).Seconds())
	}
	return info
}

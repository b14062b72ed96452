package models

import "time"

// Segment represents a finalized HLS media segment
type Segment struct {
	SequenceNum uint64    // Segment sequence number
	FileName    string    // Name referenced from the playlist, e.g. "segment_3.ts"
	FilePath    string    // Absolute path on disk
	StartPtsUs  int64     // Re-based start time of the segment
	Duration    float64   // Realized duration in seconds
	SampleCount uint64    // Samples written (both tracks)
	FileSize    int64     // Size in bytes
	CreatedAt   time.Time // When segment was opened
}

// Playlist is a snapshot of the HLS sliding window
type Playlist struct {
	TargetDuration int       // EXT-X-TARGETDURATION
	MediaSequence  uint64    // EXT-X-MEDIA-SEQUENCE
	Segments       []Segment // Retained segments, oldest first
}

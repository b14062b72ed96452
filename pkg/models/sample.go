package models

// Track identifies which elementary stream a sample or format belongs to
type Track int

const (
	TrackVideo Track = iota
	TrackAudio
)

// String returns the metric/log label for the track
func (t Track) String() string {
	switch t {
	case TrackVideo:
		return "video"
	case TrackAudio:
		return "audio"
	default:
		return "unknown"
	}
}

// SampleFlags carries the encoder's per-sample buffer flags
type SampleFlags struct {
	Keyframe    bool // random access point (video only)
	ConfigOnly  bool // codec configuration, not media
	EndOfStream bool // last sample the encoder will produce
}

// EncodedSample is a single encoded access unit produced by the encoder.
// PresentationTimeUs is on the encoder's clock; consumers re-base it.
// Samples arrive in decode order, so with B-frames PresentationTimeUs can go
// backwards while DecodeTimeUs never does.
type EncodedSample struct {
	Track               Track
	Payload             []byte // Annex-B H.264 or raw AAC
	PresentationTimeUs  int64
	CompositionOffsetUs int64 // PTS - DTS, zero without reordering
	Flags               SampleFlags
}

// DecodeTimeUs returns the decode timestamp of the sample
func (s *EncodedSample) DecodeTimeUs() int64 {
	return s.PresentationTimeUs - s.CompositionOffsetUs
}

// FormatDescriptor is per-track codec metadata delivered by the encoder
type FormatDescriptor struct {
	Track           Track
	MimeType        string // "video/avc", "audio/mp4a-latm"
	Config          []byte // csd-0: SPS/PPS (video) or AudioSpecificConfig (audio)
	SecondaryConfig []byte // csd-1: PPS on encoders that split them
	Width           int
	Height          int
	SampleRate      int
	Channels        int
}

// Clone returns a deep copy so a descriptor can be retained past the callback
func (f *FormatDescriptor) Clone() *FormatDescriptor {
	if f == nil {
		return nil
	}
	c := *f
	c.Config = append([]byte(nil), f.Config...)
	c.SecondaryConfig = append([]byte(nil), f.SecondaryConfig...)
	return &c
}

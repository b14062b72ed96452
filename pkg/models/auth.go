package models

import "time"

// PublishToken represents a token for publishing over RTMP
type PublishToken struct {
	Token       string    // The actual token string
	StreamKey   string    // Publishing name this token is valid for
	CreatedAt   time.Time // When token was created
	ExpiresAt   time.Time // When token expires
	PublisherIP string    // IP address that requested the token
	IsUsed      bool      // Whether token has been used
}

// IsValidAt checks if the token is still usable at now
func (t *PublishToken) IsValidAt(now time.Time) bool {
	return !t.IsUsed && now.Before(t.ExpiresAt)
}

// PublishRequest represents a request to create a publish token
type PublishRequest struct {
	StreamKey string `json:"streamKey" binding:"required"`
	ExpiresIn int    `json:"expiresIn"` // Seconds until expiration (default 3600)
}

// PublishResponse represents the response to a publish request
type PublishResponse struct {
	PublishURL string `json:"publishUrl"`
	StreamKey  string `json:"streamKey"`
	Token      string `json:"token"`
	ExpiresAt  string `json:"expiresAt"`
}

// SourceInfo represents the active source returned by the API
type SourceInfo struct {
	Name         string `json:"name"`
	RemoteAddr   string `json:"remoteAddr,omitempty"`
	State        string `json:"state"`
	StartedAt    string `json:"startedAt,omitempty"`
	Duration     int    `json:"duration,omitempty"` // seconds
	VideoSamples uint64 `json:"videoSamples"`
	AudioSamples uint64 `json:"audioSamples"`
	KeyFrames    uint64 `json:"keyFrames"`
	Bytes        uint64 `json:"bytes"`
}

// StatusResponse is the body of GET /status
type StatusResponse struct {
	Status        string      `json:"status"`
	MJPEGClients  int         `json:"mjpegClients"`
	WSClients     int         `json:"wsClients"`
	Segments      int         `json:"segments"`
	MediaSequence uint64      `json:"mediaSequence"`
	HLSAvailable  bool        `json:"hlsAvailable"`
	WSAvailable   bool        `json:"wsAvailable"`
	AudioEnabled  bool        `json:"audioEnabled"`
	SnapshotReady bool        `json:"snapshotReady"`
	PullFrameRate float64     `json:"pullFrameRate,omitempty"`
	Source        *SourceInfo `json:"source,omitempty"`
}

// WSInfoResponse describes the binary WebSocket protocol
type WSInfoResponse struct {
	Endpoint   string            `json:"endpoint"`
	Protocol   string            `json:"protocol"`
	HeaderSize int               `json:"headerSize"`
	Header     []string          `json:"header"`
	FrameTypes map[string]int    `json:"frameTypes"`
	Flags      map[string]int    `json:"flags"`
	Notes      map[string]string `json:"notes"`
}

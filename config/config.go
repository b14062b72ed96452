package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// HTTP Server
	HTTPAddr string

	// RTMP Server
	RTMPEnabled    bool
	RTMPAddr       string
	RTMPIngestAddr string // Public RTMP URL for publishers
	RequireToken   bool
	PublishRate    float64 // Publish attempts per second
	PublishBurst   int

	// HLS
	HLSDir             string
	HLSSegmentDuration time.Duration
	HLSMaxSegments     int
	AudioRequired      bool
	AudioGrace         time.Duration

	// Viewers
	WSPath             string
	ClientWriteTimeout time.Duration

	// MJPEG pull
	UpstreamMJPEGURL   string
	PullBackoffFloor   time.Duration
	PullBackoffCeiling time.Duration
	PullBackoffJitter  time.Duration
	PullIdleTimeout    time.Duration
	PullMaxFrameSize   int // bytes

	// Archive
	StorageType   string // none, local or gcs
	ArchiveDir    string
	ArchiveQueue  int
	GCSProjectID  string
	GCSBucketName string
	GCSBaseDir    string

	// Auth
	DefaultTokenExpiration time.Duration
	MaxTokenExpiration     time.Duration

	// Logging
	LogLevel  string
	LogFormat string

	ShutdownTimeout time.Duration
}

// Load reads an optional .env file and then builds the configuration from
// environment variables with defaults. Variables already set in the
// environment win over the file.
func Load(paths ...string) (*Config, error) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	if err := godotenv.Load(paths...); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}

	cfg := &Config{
		HTTPAddr:               getEnv("HTTP_ADDR", ":8080"),
		RTMPEnabled:            getBoolEnv("RTMP_ENABLED", true),
		RTMPAddr:               getEnv("RTMP_ADDR", ":1935"),
		RTMPIngestAddr:         getEnv("RTMP_INGEST_ADDR", "rtmp://localhost:1935"),
		RequireToken:           getBoolEnv("RTMP_REQUIRE_TOKEN", false),
		PublishRate:            getFloatEnv("RTMP_PUBLISH_RATE", 1),
		PublishBurst:           getIntEnv("RTMP_PUBLISH_BURST", 5),
		HLSDir:                 getEnv("HLS_DIR", "./data/hls"),
		HLSSegmentDuration:     getDurationEnv("HLS_SEGMENT_DURATION", 4*time.Second),
		HLSMaxSegments:         getIntEnv("HLS_MAX_SEGMENTS", 6),
		AudioRequired:          getBoolEnv("AUDIO_REQUIRED", true),
		AudioGrace:             getDurationEnv("AUDIO_GRACE", 400*time.Millisecond),
		WSPath:                 getEnv("WS_PATH", "/stream"),
		ClientWriteTimeout:     getDurationEnv("CLIENT_WRITE_TIMEOUT", 2*time.Second),
		UpstreamMJPEGURL:       getEnv("UPSTREAM_MJPEG_URL", ""),
		PullBackoffFloor:       getDurationEnv("PULL_BACKOFF_FLOOR", time.Second),
		PullBackoffCeiling:     getDurationEnv("PULL_BACKOFF_CEILING", 30*time.Second),
		PullBackoffJitter:      getDurationEnv("PULL_BACKOFF_JITTER", 500*time.Millisecond),
		PullIdleTimeout:        getDurationEnv("PULL_IDLE_TIMEOUT", 15*time.Second),
		PullMaxFrameSize:       getIntEnv("PULL_MAX_FRAME_SIZE", 8<<20),
		StorageType:            strings.ToLower(getEnv("STORAGE_TYPE", "none")),
		ArchiveDir:             getEnv("ARCHIVE_DIR", "./data/archive"),
		ArchiveQueue:           getIntEnv("ARCHIVE_QUEUE", 32),
		GCSProjectID:           getEnv("GCS_PROJECT_ID", ""),
		GCSBucketName:          getEnv("GCS_BUCKET_NAME", ""),
		GCSBaseDir:             getEnv("GCS_BASE_DIR", "segments"),
		DefaultTokenExpiration: getDurationEnv("DEFAULT_TOKEN_EXPIRATION", 1*time.Hour),
		MaxTokenExpiration:     getDurationEnv("MAX_TOKEN_EXPIRATION", 24*time.Hour),
		LogLevel:               getEnv("LOG_LEVEL", "info"),
		LogFormat:              getEnv("LOG_FORMAT", "json"),
		ShutdownTimeout:        getDurationEnv("SHUTDOWN_TIMEOUT", 10*time.Second),
	}
	return cfg, cfg.Validate()
}

// Validate reports settings that cannot work together
func (c *Config) Validate() error {
	switch c.StorageType {
	case "none", "local":
	case "gcs":
		if c.GCSBucketName == "" {
			return fmt.Errorf("GCS_BUCKET_NAME must be set when STORAGE_TYPE=gcs")
		}
	default:
		return fmt.Errorf("unknown STORAGE_TYPE %q", c.StorageType)
	}
	if !strings.HasPrefix(c.WSPath, "/") {
		return fmt.Errorf("WS_PATH must start with /: %q", c.WSPath)
	}
	if c.PullBackoffCeiling < c.PullBackoffFloor {
		return fmt.Errorf("PULL_BACKOFF_CEILING %v is below PULL_BACKOFF_FLOOR %v", c.PullBackoffCeiling, c.PullBackoffFloor)
	}
	if c.HLSMaxSegments < 1 {
		return fmt.Errorf("HLS_MAX_SEGMENTS must be at least 1")
	}
	return nil
}

// Helper functions to get environment variables with defaults

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

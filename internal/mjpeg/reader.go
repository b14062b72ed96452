package mjpeg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

var (
	// ErrStatus is returned when the upstream answers with a non-2xx status
	ErrStatus = errors.New("unexpected upstream status")
	// ErrUpstreamClosed is returned when the upstream ends the stream
	ErrUpstreamClosed = errors.New("upstream closed the stream")
	// ErrIdle is returned when no bytes arrived within the idle timeout
	ErrIdle = errors.New("upstream idle timeout")
)

const readBufferSize = 8192

// Reader opens an MJPEG stream over HTTP and emits the JPEG frames in it
type Reader struct {
	client       *http.Client
	idleTimeout  time.Duration
	maxFrameSize int
}

// NewReader creates a reader. A zero idleTimeout disables the idle check and
// maxFrameSize <= 0 uses DefaultMaxFrameSize.
func NewReader(client *http.Client, idleTimeout time.Duration, maxFrameSize int) *Reader {
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: 10 * time.Second,
				IdleConnTimeout:       30 * time.Second,
			},
		}
	}
	return &Reader{client: client, idleTimeout: idleTimeout, maxFrameSize: maxFrameSize}
}

// Stream connects to url and calls emit for each frame until the stream
// fails, ctx is cancelled or emit returns an error. Every call opens a new
// connection. Stream always returns a non-nil error.
func (r *Reader) Stream(ctx context.Context, url string, emit func([]byte) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to upstream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: HTTP %d", ErrStatus, resp.StatusCode)
	}

	var (
		idle      *time.Timer
		idleOnce  sync.Once
		idleFired = make(chan struct{})
	)
	if r.idleTimeout > 0 {
		idle = time.AfterFunc(r.idleTimeout, func() {
			idleOnce.Do(func() { close(idleFired) })
			cancel()
		})
		defer idle.Stop()
	}

	scanner := NewFrameScanner(r.maxFrameSize)
	buf := make([]byte, readBufferSize)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if idle != nil {
				idle.Reset(r.idleTimeout)
			}
			if emitErr := scanner.Feed(buf[:n], emit); emitErr != nil {
				return emitErr
			}
		}
		if err == nil {
			continue
		}

		select {
		case <-idleFired:
			return ErrIdle
		default:
		}
		if errors.Is(err, io.EOF) {
			return ErrUpstreamClosed
		}
		return fmt.Errorf("failed to read upstream: %w", err)
	}
}

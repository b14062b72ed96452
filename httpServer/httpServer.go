package httpServer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"camrelay/internal/auth"
	"camrelay/internal/logger"
	"camrelay/internal/metrics"
	"camrelay/internal/mjpeg"
	"camrelay/internal/storage"
	"camrelay/internal/streammanager"
	"camrelay/internal/wsstream"
	"camrelay/pkg/models"
)

// RateSource reports the measured upstream frame rate
type RateSource interface {
	Rate() float64
}

// Deps are the components the HTTP surface serves
type Deps struct {
	Manager        *streammanager.Manager
	Auth           *auth.Manager // nil disables the publish-token API
	Hub            *mjpeg.Hub
	WS             *wsstream.Broadcaster
	HLS            *storage.LocalStorage // rooted at the segment directory
	PlaylistName   string
	Puller         RateSource // optional
	Metrics        *metrics.Metrics
	RTMPIngestAddr string // e.g., "rtmp://localhost:1935"
	AudioEnabled   bool
}

// Server wraps the HTTP server with dependencies
type Server struct {
	deps   Deps
	log    *slog.Logger
	router *gin.Engine
	srv    *http.Server
}

// New creates a new HTTP server listening on addr
func New(addr string, deps Deps, log *slog.Logger) *Server {
	if deps.PlaylistName == "" {
		deps.PlaylistName = "stream.m3u8"
	}
	s := &Server{
		deps: deps,
		log:  log.With("component", "http"),
	}

	s.setupRoutes()
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(logger.RequestLogger(s.log))
	router.Use(s.metricsMiddleware())
	router.Use(corsMiddleware())
	if s.deps.WS != nil {
		router.Use(s.websocketMiddleware())
	}

	router.GET("/"+s.deps.PlaylistName, s.handlePlaylist)
	router.GET("/:file", s.handleSegment)

	router.GET("/mjpeg", s.handleMJPEG)
	router.GET("/snapshot.jpg", s.handleSnapshot)
	router.GET("/status", s.handleStatus)
	router.GET("/ws-info", s.handleWSInfo)
	if s.deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(s.deps.Metrics.Handler()))
	}

	api := router.Group("/api")
	{
		api.GET("/ping", s.handlePing)
		api.POST("/publish-token", s.handlePublishToken)
	}

	s.router = router
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run starts the HTTP server and blocks until Shutdown
func (s *Server) Run() error {
	s.log.Info("HTTP server listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones. Hijacked
// viewer connections are closed by the stream manager.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Middleware

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *Server) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		s.deps.Metrics.RecordHTTPRequest(c.Request.Method, route, c.Writer.Status(), time.Since(start).Seconds())
	}
}

// websocketMiddleware hands every upgrade request to the broadcaster, which
// rejects paths other than its own with a policy violation
func (s *Server) websocketMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !websocket.IsWebSocketUpgrade(c.Request) {
			c.Next()
			return
		}
		s.deps.WS.ServeHTTP(c.Writer, c.Request)
		c.Abort()
	}
}

// Handler implementations

func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "pong",
		"time":    time.Now().Unix(),
	})
}

func (s *Server) handlePlaylist(c *gin.Context) {
	s.serveHLSFile(c, s.deps.PlaylistName)
}

func (s *Server) handleSegment(c *gin.Context) {
	name := c.Param("file")
	if !strings.HasPrefix(name, "segment_") || path.Ext(name) != ".ts" {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	s.serveHLSFile(c, name)
}

func (s *Server) serveHLSFile(c *gin.Context, name string) {
	if s.deps.HLS == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "HLS not available"})
		return
	}
	f, info, err := s.deps.HLS.Open(name)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	defer f.Close()

	c.Header("Content-Type", storage.ContentType(name))
	c.Header("Cache-Control", storage.CacheControl(name))
	if path.Ext(name) == ".m3u8" {
		c.Header("Pragma", "no-cache")
		c.Header("Expires", "0")
	}
	http.ServeContent(c.Writer, c.Request, name, info.ModTime(), f)
}

func (s *Server) handleMJPEG(c *gin.Context) {
	if s.deps.Hub == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "MJPEG not available"})
		return
	}
	conn, rw, err := c.Writer.Hijack()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	// Serve owns the connection from here and returns when the viewer leaves
	if err := s.deps.Hub.Serve(conn, rw); err != nil {
		s.log.Debug("mjpeg client rejected", "remote", conn.RemoteAddr().String(), "error", err)
	}
}

func (s *Server) handleSnapshot(c *gin.Context) {
	var frame []byte
	if s.deps.Hub != nil {
		frame = s.deps.Hub.LatestFrame()
	}
	if frame == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no frame available"})
		return
	}
	c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
	c.Data(http.StatusOK, "image/jpeg", frame)
}

func (s *Server) handleStatus(c *gin.Context) {
	var st models.StatusResponse
	if s.deps.Manager != nil {
		st = s.deps.Manager.Status()
	} else {
		st.Status = "ok"
	}
	st.AudioEnabled = s.deps.AudioEnabled
	if s.deps.Hub != nil {
		st.SnapshotReady = s.deps.Hub.LatestFrame() != nil
	}
	if s.deps.Puller != nil {
		st.PullFrameRate = s.deps.Puller.Rate()
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) handleWSInfo(c *gin.Context) {
	endpoint := wsstream.DefaultPath
	if s.deps.WS != nil {
		endpoint = s.deps.WS.Path()
	}
	c.JSON(http.StatusOK, models.WSInfoResponse{
		Endpoint:   endpoint,
		Protocol:   "binary",
		HeaderSize: wsstream.HeaderSize,
		Header:     []string{"type:u8", "flags:u8", "timestamp_us:u64be", "length:u32be"},
		FrameTypes: map[string]int{
			wsstream.FrameVideo.String():       int(wsstream.FrameVideo),
			wsstream.FrameAudio.String():       int(wsstream.FrameAudio),
			wsstream.FrameVideoConfig.String(): int(wsstream.FrameVideoConfig),
			wsstream.FrameAudioConfig.String(): int(wsstream.FrameAudioConfig),
		},
		Flags: map[string]int{"keyframe": int(wsstream.FlagKeyframe)},
		Notes: map[string]string{
			"video":        "H.264 Annex-B, keyframes carry SPS and PPS",
			"audio":        "raw AAC frames, no ADTS",
			"video_config": "SPS and PPS with start codes",
			"audio_config": "AudioSpecificConfig",
		},
	})
}

func (s *Server) handlePublishToken(c *gin.Context) {
	if s.deps.Auth == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "RTMP ingest disabled"})
		return
	}

	var req models.PublishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	token, err := s.deps.Auth.GeneratePublishToken(req.StreamKey, req.ExpiresIn, c.ClientIP())
	if err != nil {
		s.log.Error("failed to generate token", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}

	c.JSON(http.StatusOK, models.PublishResponse{
		PublishURL: fmt.Sprintf("%s/live/%s?token=%s", s.deps.RTMPIngestAddr, req.StreamKey, token.Token),
		StreamKey:  req.StreamKey,
		Token:      token.Token,
		ExpiresAt:  token.ExpiresAt.Format(time.RFC3339),
	})
}

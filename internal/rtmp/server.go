package rtmp

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/Eyevinn/mp4ff/aac"
	"github.com/yutopp/go-rtmp"
	rtmpmsg "github.com/yutopp/go-rtmp/message"
	"golang.org/x/time/rate"

	"camrelay/internal/metrics"
	"camrelay/internal/muxer"
	"camrelay/pkg/models"
)

var (
	ErrTokenRequired     = errors.New("publish token required")
	ErrRateLimited       = errors.New("too many publish attempts")
	ErrAlreadyPublishing = errors.New("connection is already publishing")
)

// Pipeline receives the decoded encoder output of the live publisher
type Pipeline interface {
	OnFormat(track models.Track, format *models.FormatDescriptor) error
	OnSample(track models.Track, sample *models.EncodedSample) error
	BeginSource(name, remoteAddr string) (*models.Source, error)
	EndSource(src *models.Source)
}

// TokenValidator checks and consumes single-use publish tokens
type TokenValidator interface {
	Consume(token, streamKey string) error
}

// Config controls the RTMP ingest
type Config struct {
	Addr         string
	RequireToken bool
	PublishRate  rate.Limit // Publish attempts per second
	PublishBurst int
}

// Server represents the RTMP server
type Server struct {
	cfg      Config
	pipeline Pipeline
	tokens   TokenValidator
	log      *slog.Logger
	metrics  *metrics.Metrics
	limiter  *rate.Limiter
	timeline timeline
	server   *rtmp.Server

	mu      sync.Mutex
	closing bool
}

// New creates a new RTMP server. tokens may be nil when RequireToken is off.
func New(cfg Config, pipeline Pipeline, tokens TokenValidator, log *slog.Logger, m *metrics.Metrics) *Server {
	if cfg.PublishRate <= 0 {
		cfg.PublishRate = rate.Limit(1)
	}
	if cfg.PublishBurst <= 0 {
		cfg.PublishBurst = 5
	}
	s := &Server{
		cfg:      cfg,
		pipeline: pipeline,
		tokens:   tokens,
		log:      log.With("component", "rtmp"),
		metrics:  m,
		limiter:  rate.NewLimiter(cfg.PublishRate, cfg.PublishBurst),
	}

	// Create RTMP server with handler
	s.server = rtmp.NewServer(&rtmp.ServerConfig{
		OnConnect: s.onConnect,
	})

	return s
}

// ListenAndServe starts the RTMP server
func (s *Server) ListenAndServe() error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(listener)
}

// Serve accepts RTMP connections on l until Close
func (s *Server) Serve(l net.Listener) error {
	s.log.Info("RTMP server listening", "addr", l.Addr().String())
	err := s.server.Serve(l)

	s.mu.Lock()
	closing := s.closing
	s.mu.Unlock()
	if closing || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// onConnect handles new RTMP connections
func (s *Server) onConnect(conn net.Conn) (io.ReadWriteCloser, *rtmp.ConnConfig) {
	remote := conn.RemoteAddr().String()
	s.log.Info("new RTMP connection", "remote", remote)
	s.metrics.RecordRTMPConnection()

	return conn, &rtmp.ConnConfig{
		Handler: s.newHandler(remote),

		ControlState: rtmp.StreamControlStateConfig{
			DefaultBandwidthWindowSize: 6 * 1024 * 1024, // 6MB
		},

		Logger: newConnLogger(s.log),
	}
}

func (s *Server) newHandler(remote string) *ConnHandler {
	return &ConnHandler{server: s, remote: remote, log: s.log.With("remote", remote)}
}

// Close gracefully shuts down the RTMP server
func (s *Server) Close() error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

// ConnHandler handles RTMP connection events
type ConnHandler struct {
	rtmp.DefaultHandler

	server     *Server
	remote     string
	log        *slog.Logger
	streamKey  string
	source     *models.Source
	naluLength int // NALU length size from avcC
	offsetUs   int64
	mu         sync.RWMutex
}

// OnConnect is called when RTMP connect command is received
func (h *ConnHandler) OnConnect(timestamp uint32, cmd *rtmpmsg.NetConnectionConnect) error {
	h.log.Debug("connect", "app", cmd.Command.App, "tc_url", cmd.Command.TCURL)
	return nil
}

// OnPublish is called when a client wants to publish a stream
func (h *ConnHandler) OnPublish(_ *rtmp.StreamContext, timestamp uint32, cmd *rtmpmsg.NetStreamPublish) error {
	s := h.server

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.source != nil {
		return ErrAlreadyPublishing
	}
	if !s.limiter.Allow() {
		s.metrics.RecordRTMPError()
		h.log.Warn("publish attempt rate limited")
		return ErrRateLimited
	}

	// Format: "streamkey?token=xxx" or just "streamkey"
	streamKey, token := parseStreamKeyAndToken(cmd.PublishingName)
	if err := h.authorize(streamKey, token); err != nil {
		s.metrics.RecordRTMPError()
		h.log.Warn("publish rejected", "stream_key", streamKey, "error", err)
		return fmt.Errorf("authentication failed: %w", err)
	}

	src, err := s.pipeline.BeginSource(streamKey, h.remote)
	if err != nil {
		s.metrics.RecordRTMPError()
		h.log.Warn("publish rejected", "stream_key", streamKey, "error", err)
		return err
	}

	h.streamKey = streamKey
	h.source = src
	h.naluLength = 4
	h.offsetUs = s.timeline.begin()

	h.log.Info("stream is now live", "stream_key", streamKey, "type", cmd.PublishingType)
	return nil
}

func (h *ConnHandler) authorize(streamKey, token string) error {
	s := h.server
	if streamKey == "" {
		return errors.New("empty publishing name")
	}
	if token == "" {
		if s.cfg.RequireToken {
			return ErrTokenRequired
		}
		return nil
	}
	if s.tokens == nil {
		return ErrTokenRequired
	}
	return s.tokens.Consume(token, streamKey)
}

// OnSetDataFrame is called when metadata is received
func (h *ConnHandler) OnSetDataFrame(timestamp uint32, data *rtmpmsg.NetStreamSetDataFrame) error {
	h.log.Debug("metadata received", "stream_key", h.streamKey)
	return nil
}

// OnAudio is called when audio data is received
func (h *ConnHandler) OnAudio(timestamp uint32, payload io.Reader) error {
	h.mu.RLock()
	live := h.source != nil
	offset := h.offsetUs
	h.mu.RUnlock()

	if !live {
		return nil // Ignore audio before publish
	}

	data, err := io.ReadAll(payload)
	if err != nil {
		return err
	}
	h.server.metrics.RecordRTMPBytes(len(data))
	if len(data) == 0 {
		return nil
	}

	pkt, err := muxer.ParseFLVAudioPacket(data)
	if err != nil {
		h.log.Debug("skipping audio packet", "error", err)
		return nil
	}

	if pkt.IsSequenceHeader {
		format := &models.FormatDescriptor{
			Track:    models.TrackAudio,
			MimeType: "audio/mp4a-latm",
			Config:   bytes.Clone(pkt.Data),
		}
		if asc, err := aac.DecodeAudioSpecificConfig(bytes.NewReader(pkt.Data)); err == nil {
			format.SampleRate = asc.SamplingFrequency
			format.Channels = int(asc.ChannelConfiguration)
		} else {
			h.log.Warn("failed to decode AudioSpecificConfig", "error", err)
		}
		h.log.Info("received AAC sequence header", "sample_rate", format.SampleRate, "channels", format.Channels)
		return h.server.pipeline.OnFormat(models.TrackAudio, format)
	}

	sample := &models.EncodedSample{
		Track:              models.TrackAudio,
		Payload:            pkt.Data,
		PresentationTimeUs: h.server.timeline.stamp(offset, int64(timestamp)*1000),
	}
	return h.server.pipeline.OnSample(models.TrackAudio, sample)
}

// OnVideo is called when video data is received
func (h *ConnHandler) OnVideo(timestamp uint32, payload io.Reader) error {
	h.mu.RLock()
	live := h.source != nil
	offset := h.offsetUs
	naluLength := h.naluLength
	h.mu.RUnlock()

	if !live {
		return nil // Ignore video before publish
	}

	data, err := io.ReadAll(payload)
	if err != nil {
		return err
	}
	h.server.metrics.RecordRTMPBytes(len(data))
	if len(data) == 0 {
		return nil
	}

	pkt, err := muxer.ParseFLVVideoPacket(data)
	if err != nil {
		h.log.Debug("skipping video packet", "error", err)
		return nil
	}

	// Handle AVC sequence header (contains SPS/PPS)
	if pkt.IsSequenceHeader {
		record, err := muxer.ParseAVCDecoderConfigurationRecord(pkt.Data)
		if err != nil {
			h.log.Warn("failed to parse AVCDecoderConfigurationRecord", "error", err)
			return nil
		}

		h.mu.Lock()
		h.naluLength = int(record.NALUnitLength)
		h.mu.Unlock()

		h.log.Info("received AVC sequence header",
			"sps", len(record.SPS), "pps", len(record.PPS), "nalu_length", record.NALUnitLength)

		return h.server.pipeline.OnFormat(models.TrackVideo, &models.FormatDescriptor{
			Track:    models.TrackVideo,
			MimeType: "video/avc",
			Config:   bytes.Clone(pkt.Data),
		})
	}
	if len(pkt.Data) == 0 {
		return nil // AVC end of sequence
	}

	annexB, err := muxer.ConvertLengthPrefixedToAnnexB(pkt.Data, naluLength)
	if err != nil {
		h.log.Debug("failed to convert AVCC to Annex-B", "error", err)
		return nil
	}

	// The tag timestamp is the decode time; the timeline tracks decode order
	dts := h.server.timeline.stamp(offset, int64(timestamp)*1000)
	cts := int64(pkt.CompositionTime) * 1000
	sample := &models.EncodedSample{
		Track:               models.TrackVideo,
		Payload:             annexB,
		PresentationTimeUs:  dts + cts,
		CompositionOffsetUs: cts,
		Flags:               models.SampleFlags{Keyframe: pkt.IsKeyFrame},
	}
	return h.server.pipeline.OnSample(models.TrackVideo, sample)
}

// OnClose is called when the connection is closed
func (h *ConnHandler) OnClose() {
	h.mu.Lock()
	src := h.source
	h.source = nil
	h.mu.Unlock()

	h.log.Info("connection closed", "stream_key", h.streamKey)
	if src == nil {
		return
	}

	eos := &models.EncodedSample{
		Track:              models.TrackVideo,
		PresentationTimeUs: h.server.timeline.last(),
		Flags:              models.SampleFlags{EndOfStream: true},
	}
	if err := h.server.pipeline.OnSample(models.TrackVideo, eos); err != nil {
		h.log.Debug("end of stream not delivered", "error", err)
	}
	h.server.pipeline.EndSource(src)
}

// Helper functions

func parseStreamKeyAndToken(publishingName string) (streamKey, token string) {
	streamKey, query, found := strings.Cut(publishingName, "?")
	if !found {
		return streamKey, ""
	}
	for _, kv := range strings.Split(query, "&") {
		if v, ok := strings.CutPrefix(kv, "token="); ok {
			return streamKey, v
		}
	}
	return streamKey, ""
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"camrelay/config"
	"camrelay/httpServer"
	"camrelay/internal/auth"
	"camrelay/internal/logger"
	"camrelay/internal/metrics"
	"camrelay/internal/mjpeg"
	"camrelay/internal/rtmp"
	"camrelay/internal/segmenter"
	"camrelay/internal/storage"
	"camrelay/internal/streammanager"
	"camrelay/internal/wsstream"
	"camrelay/pkg/models"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "camrelay: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)
	gin.SetMode(gin.ReleaseMode)

	m := metrics.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize archive storage
	archiver, closeStore, err := newArchiver(ctx, cfg, log, m)
	if err != nil {
		return err
	}
	defer closeStore()

	// Initialize segmenter
	segOpts := []segmenter.Option{segmenter.WithMetrics(m)}
	if archiver != nil {
		segOpts = append(segOpts, segmenter.WithSegmentHook(func(seg models.Segment) {
			archiver.Enqueue(seg)
		}))
	}
	seg, err := segmenter.New(segmenter.Config{
		OutputDir:       cfg.HLSDir,
		SegmentDuration: cfg.HLSSegmentDuration,
		MaxSegments:     cfg.HLSMaxSegments,
		AudioRequired:   cfg.AudioRequired,
		AudioGrace:      cfg.AudioGrace,
	}, log, segOpts...)
	if err != nil {
		return fmt.Errorf("failed to initialize segmenter: %w", err)
	}
	hls, err := storage.NewLocalStorage(cfg.HLSDir)
	if err != nil {
		return fmt.Errorf("failed to open HLS directory: %w", err)
	}

	// Initialize viewer surfaces and the fan-out
	hub := mjpeg.NewHub(cfg.ClientWriteTimeout, log, m)
	ws := wsstream.NewBroadcaster(cfg.WSPath, cfg.ClientWriteTimeout, log, m)
	manager := streammanager.New(seg, ws, hub, log, m)
	if archiver != nil {
		manager.AddCloser("archive", func() error {
			archiver.Close()
			return nil
		})
	}

	deps := httpServer.Deps{
		Manager:        manager,
		Hub:            hub,
		WS:             ws,
		HLS:            hls,
		Metrics:        m,
		RTMPIngestAddr: cfg.RTMPIngestAddr,
		AudioEnabled:   cfg.AudioRequired,
	}

	g, gctx := errgroup.WithContext(ctx)

	var rtmpSrv *rtmp.Server
	if cfg.RTMPEnabled {
		authManager := auth.New(cfg.DefaultTokenExpiration, cfg.MaxTokenExpiration, log)
		deps.Auth = authManager
		rtmpSrv = rtmp.New(rtmp.Config{
			Addr:         cfg.RTMPAddr,
			RequireToken: cfg.RequireToken,
			PublishRate:  rate.Limit(cfg.PublishRate),
			PublishBurst: cfg.PublishBurst,
		}, manager, authManager, log, m)

		g.Go(rtmpSrv.ListenAndServe)
		g.Go(func() error { return authManager.Run(gctx, time.Minute) })
	}

	if cfg.UpstreamMJPEGURL != "" {
		puller := mjpeg.NewPuller(mjpeg.PullerConfig{
			URL:            cfg.UpstreamMJPEGURL,
			BackoffFloor:   cfg.PullBackoffFloor,
			BackoffCeiling: cfg.PullBackoffCeiling,
			BackoffJitter:  cfg.PullBackoffJitter,
		}, mjpeg.NewReader(nil, cfg.PullIdleTimeout, cfg.PullMaxFrameSize), func(frame []byte) error {
			hub.UpdateFrame(frame)
			return nil
		}, log, m)
		deps.Puller = puller

		g.Go(func() error { return puller.Run(gctx) })
	}

	if archiver != nil {
		// Uploads keep going through shutdown until the queue drains
		g.Go(func() error { return archiver.Run(context.WithoutCancel(gctx)) })
	}

	httpSrv := httpServer.New(cfg.HTTPAddr, deps, log)
	g.Go(httpSrv.Run)

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Warn("HTTP shutdown incomplete", "error", err)
		}
		if rtmpSrv != nil {
			if err := rtmpSrv.Close(); err != nil {
				log.Warn("RTMP shutdown incomplete", "error", err)
			}
		}
		return manager.Close()
	})

	log.Info("camrelay started",
		"http", cfg.HTTPAddr,
		"rtmp", cfg.RTMPEnabled,
		"hls_dir", cfg.HLSDir,
		"ws_path", cfg.WSPath,
		"upstream", cfg.UpstreamMJPEGURL != "",
		"storage", cfg.StorageType,
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("camrelay stopped")
	return nil
}

// newArchiver builds the segment archive for STORAGE_TYPE. It returns a nil
// archiver when archiving is off.
func newArchiver(ctx context.Context, cfg *config.Config, log *slog.Logger, m *metrics.Metrics) (*storage.Archiver, func(), error) {
	switch cfg.StorageType {
	case "local":
		local, err := storage.NewLocalStorage(cfg.ArchiveDir)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize local archive: %w", err)
		}
		log.Info("archive initialized", "type", "local", "dir", cfg.ArchiveDir)
		return storage.NewArchiver(local, cfg.ArchiveQueue, log, m), func() {}, nil

	case "gcs":
		gcs, err := storage.NewGCSStorage(ctx, cfg.GCSProjectID, cfg.GCSBucketName, cfg.GCSBaseDir)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize GCS storage: %w", err)
		}
		if n, err := gcs.Count(ctx); err != nil {
			log.Warn("could not list archived segments", "error", err)
		} else {
			log.Info("archive initialized", "type", "gcs", "bucket", cfg.GCSBucketName, "base_dir", cfg.GCSBaseDir, "existing", n)
		}
		closeFn := func() {
			if err := gcs.Close(); err != nil {
				log.Warn("failed to close GCS client", "error", err)
			}
		}
		return storage.NewArchiver(gcs, cfg.ArchiveQueue, log, m), closeFn, nil

	default:
		return nil, func() {}, nil
	}
}

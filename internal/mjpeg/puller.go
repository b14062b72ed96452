package mjpeg

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"camrelay/internal/metrics"
)

// PullerConfig holds the upstream address and reconnect policy
type PullerConfig struct {
	URL            string
	BackoffFloor   time.Duration
	BackoffCeiling time.Duration
	BackoffJitter  time.Duration
}

// Puller keeps an upstream MJPEG stream connected and hands the newest frame
// to a consumer. The network read and the consumer run on separate
// goroutines joined by a Latest slot, so a slow consumer only loses frames.
type Puller struct {
	url     string
	reader  *Reader
	consume func([]byte) error
	backoff *Backoff
	rate    RateMeter
	log     *slog.Logger
	metrics *metrics.Metrics

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// NewPuller creates a puller. consume errors abort the current connection.
func NewPuller(cfg PullerConfig, reader *Reader, consume func([]byte) error, log *slog.Logger, m *metrics.Metrics) *Puller {
	return &Puller{
		url:     cfg.URL,
		reader:  reader,
		consume: consume,
		backoff: NewBackoff(cfg.BackoffFloor, cfg.BackoffCeiling, cfg.BackoffJitter),
		log:     log.With("component", "mjpeg_puller", "url", cfg.URL),
		metrics: m,
		sleep:   sleepContext,
		now:     time.Now,
	}
}

// Rate returns the observed delivery rate in frames per second
func (p *Puller) Rate() float64 {
	return p.rate.Rate()
}

// Run connects, streams and reconnects with backoff until ctx is done
func (p *Puller) Run(ctx context.Context) error {
	p.log.Info("starting upstream pull")
	for {
		err := p.session(ctx)
		if ctx.Err() != nil {
			p.log.Info("upstream pull stopped")
			return nil
		}

		delay := p.backoff.Next()
		p.log.Warn("upstream stream failed, retrying", "error", err, "delay", delay)
		p.metrics.RecordPullReconnect()
		if err := p.sleep(ctx, delay); err != nil {
			p.log.Info("upstream pull stopped")
			return nil
		}
	}
}

// session runs one connection. It returns the reason the connection ended.
func (p *Puller) session(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	latest := NewLatest[[]byte]()
	var (
		wg          sync.WaitGroup
		consumerErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := p.consumeLoop(ctx, latest); err != nil {
			consumerErr = err
			cancel()
		}
	}()

	streamErr := p.reader.Stream(ctx, p.url, func(frame []byte) error {
		latest.Store(frame)
		return nil
	})
	cancel()
	wg.Wait()

	if dropped := latest.Dropped(); dropped > 0 {
		p.log.Debug("consumer fell behind, frames conflated", "dropped", dropped)
	}
	if consumerErr != nil {
		return fmt.Errorf("frame consumer: %w", consumerErr)
	}
	return streamErr
}

func (p *Puller) consumeLoop(ctx context.Context, latest *Latest[[]byte]) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-latest.Ready():
		}

		frame, ok := latest.Take()
		if !ok {
			continue
		}
		if err := p.consume(frame); err != nil {
			return err
		}
		p.backoff.Reset()
		p.metrics.SetPullFrameRate(p.rate.Observe(p.now()))
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

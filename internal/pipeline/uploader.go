package pipeline

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"golang.org/x/time/rate"

	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/logger"
)

// RetryConfig holds the per-event retry behavior of the uploader. Retries
// apply to the current event only; failed events are never re-queued.
type RetryConfig struct {
	Attempts     int           // total attempts per event, 1 means no retry
	InitialDelay time.Duration // delay before the first retry
	MaxDelay     time.Duration // cap of the backoff delay
	Multiplier   float64       // backoff multiplier per retry
}

// UploaderConfig configures the uploader.
type UploaderConfig struct {
	PopTimeout time.Duration // upload queue poll timeout
	Grace      time.Duration // drain time after cancellation
	RateLimit  float64       // uploads per second, 0 is unlimited
	Retry      RetryConfig
}

// DefaultUploaderConfig returns the uploader defaults.
func DefaultUploaderConfig() UploaderConfig {
	return UploaderConfig{
		PopTimeout: 250 * time.Millisecond,
		Grace:      3 * time.Second,
		Retry: RetryConfig{
			Attempts:     1,
			InitialDelay: 200 * time.Millisecond,
			MaxDelay:     2 * time.Second,
			Multiplier:   2,
		},
	}
}

// UploaderWorker sends queued events to the sink.
type UploaderWorker struct {
	cfg     UploaderConfig
	events  *BoundedDropOldestQueue[UploadEvent]
	sink    Sink
	limiter *rate.Limiter
	metrics Metrics
	log     logger.Logger
}

// NewUploaderWorker wires an uploader.
func NewUploaderWorker(cfg UploaderConfig, events *BoundedDropOldestQueue[UploadEvent], sink Sink, metrics Metrics) *UploaderWorker {
	cfg.Retry.Attempts = max(cfg.Retry.Attempts, 1)
	w := &UploaderWorker{
		cfg:     cfg,
		events:  events,
		sink:    sink,
		metrics: metricsOrNoop(metrics),
		log:     GetLogger().Module("uploader"),
	}
	if cfg.RateLimit > 0 {
		w.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return w
}

// Run uploads until ctx is cancelled, then keeps draining the queue until it
// is empty or the grace period has passed.
func (w *UploaderWorker) Run(ctx context.Context) error {
	sinkCtx, stop := graceContext(ctx, w.cfg.Grace)
	defer stop()

	w.log.Info("uploader started", logger.Int("retry_attempts", w.cfg.Retry.Attempts))

	for ctx.Err() == nil {
		ev, ok := w.events.PopBlocking(ctx, w.cfg.PopTimeout)
		if !ok {
			continue
		}
		w.upload(sinkCtx, ev)
	}

	drained := 0
	for sinkCtx.Err() == nil {
		ev, ok := w.events.TryPop()
		if !ok {
			w.log.Info("uploader stopped", logger.Int("drained", drained))
			return nil
		}
		w.upload(sinkCtx, ev)
		drained++
	}

	w.log.Warn("uploader grace period expired",
		logger.Int("drained", drained),
		logger.Int("abandoned", w.events.Len()))
	return nil
}

// upload sends ev with up to Attempts tries. Failures are logged and the
// event is dropped.
func (w *UploaderWorker) upload(ctx context.Context, ev UploadEvent) {
	log := w.log.WithContext(logger.WithTraceID(ctx, ev.ID))

	var err error
	for attempt := 1; attempt <= w.cfg.Retry.Attempts; attempt++ {
		if w.limiter != nil {
			if err = w.limiter.Wait(ctx); err != nil {
				break
			}
		}

		if err = w.sink.Upload(ctx, ev); err == nil {
			break
		}
		if attempt == w.cfg.Retry.Attempts || ctx.Err() != nil {
			break
		}

		delay := calculateBackoffDelay(w.cfg.Retry, attempt-1)
		log.Debug("upload failed, retrying",
			logger.Int("attempt", attempt),
			logger.Duration("delay", delay),
			logger.Error(err))
		if !sleepCtx(ctx, realClock{}, delay) {
			err = ctx.Err()
			break
		}
	}

	w.metrics.UploadResult(ev.Kind, err)
	w.metrics.QueueDepth(QueueUploads, w.events.Len())
	switch {
	case err == nil:
		log.Trace("event uploaded", logger.String("kind", string(ev.Kind)))
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		log.Debug("upload abandoned at shutdown", logger.String("kind", string(ev.Kind)))
	default:
		log.Warn("upload failed, event dropped", logger.String("kind", string(ev.Kind)), logger.Error(err))
	}
}

// calculateBackoffDelay returns InitialDelay * Multiplier^retry with ±10%
// jitter, capped at MaxDelay.
func calculateBackoffDelay(cfg RetryConfig, retry int) time.Duration {
	backoff := float64(cfg.InitialDelay) * math.Pow(max(cfg.Multiplier, 1), float64(retry))
	backoff *= 0.9 + 0.2*rand.Float64() //nolint:gosec // jitter only

	if cfg.MaxDelay > 0 && backoff > float64(cfg.MaxDelay) {
		backoff = float64(cfg.MaxDelay)
	}
	return time.Duration(backoff)
}

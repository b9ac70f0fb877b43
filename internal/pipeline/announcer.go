package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/logger"
)

// AnnouncerConfig configures the announcer.
type AnnouncerConfig struct {
	PopTimeout time.Duration // alert queue poll timeout
	Grace      time.Duration // time to finish the current utterance after cancellation
}

// DefaultAnnouncerConfig returns the announcer defaults.
func DefaultAnnouncerConfig() AnnouncerConfig {
	return AnnouncerConfig{PopTimeout: 250 * time.Millisecond, Grace: time.Second}
}

// AnnouncerWorker speaks alerts one at a time, most urgent first.
type AnnouncerWorker struct {
	cfg     AnnouncerConfig
	alerts  *PriorityQueue[AlertEvent]
	speaker Speaker
	metrics Metrics
	log     logger.Logger
}

// NewAnnouncerWorker wires an announcer.
func NewAnnouncerWorker(cfg AnnouncerConfig, alerts *PriorityQueue[AlertEvent], speaker Speaker, metrics Metrics) *AnnouncerWorker {
	return &AnnouncerWorker{
		cfg:     cfg,
		alerts:  alerts,
		speaker: speaker,
		metrics: metricsOrNoop(metrics),
		log:     GetLogger().Module("announcer"),
	}
}

// Run speaks alerts until ctx is cancelled or the stop sentinel is popped.
// An utterance in progress at cancellation gets the grace period to finish.
func (w *AnnouncerWorker) Run(ctx context.Context) error {
	speakCtx, stop := graceContext(ctx, w.cfg.Grace)
	defer stop()

	w.log.Info("announcer started")
	defer w.log.Info("announcer stopped", logger.Int("pending_alerts", w.alerts.Len()))

	for ctx.Err() == nil && !w.alerts.Stopped() {
		alert, ok := w.alerts.PopBlocking(ctx, w.cfg.PopTimeout)
		if !ok {
			continue
		}

		w.log.Debug("speaking", logger.String("text", alert.Text), logger.Int("priority", alert.Priority))
		err := w.speaker.Speak(speakCtx, alert.Text)
		w.metrics.AlertSpoken(err)
		if err != nil && !errors.Is(err, context.Canceled) {
			w.log.Warn("speech failed", logger.String("text", alert.Text), logger.Error(err))
		}
	}
	return nil
}

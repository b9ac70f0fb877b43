package pipeline

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/logger"
)

// fpsWindow is the sampling window of the capture rate.
const fpsWindow = time.Second

// CaptureWorker reads frames from a FrameSource into the frame cell and
// tracks the capture rate.
type CaptureWorker struct {
	source       FrameSource
	frames       *LatestValueCell[Frame]
	clock        Clock
	metrics      Metrics
	errorBackoff time.Duration
	log          logger.Logger

	seq     uint64
	fpsBits atomic.Uint64
}

// NewCaptureWorker wires a capture worker.
func NewCaptureWorker(source FrameSource, frames *LatestValueCell[Frame], errorBackoff time.Duration, clock Clock, metrics Metrics) *CaptureWorker {
	if clock == nil {
		clock = realClock{}
	}
	return &CaptureWorker{
		source:       source,
		frames:       frames,
		clock:        clock,
		metrics:      metricsOrNoop(metrics),
		errorBackoff: errorBackoff,
		log:          GetLogger().Module("capture"),
	}
}

// FPS returns the capture rate measured over the last full window.
func (w *CaptureWorker) FPS() float64 {
	return math.Float64frombits(w.fpsBits.Load())
}

// Run captures until ctx is cancelled. It always returns nil.
func (w *CaptureWorker) Run(ctx context.Context) error {
	w.log.Info("capture worker started")
	defer w.log.Info("capture worker stopped")

	windowStart := w.clock.Now()
	frames := 0
	failures := 0

	for ctx.Err() == nil {
		img, err := w.source.Capture(ctx)
		now := w.clock.Now()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			// log the first failure of a streak, then every 50th
			if failures%50 == 1 {
				w.log.Warn("frame capture failed", logger.Int("consecutive_failures", failures), logger.Error(err))
			}
			if !sleepCtx(ctx, w.clock, w.errorBackoff) {
				return nil
			}
			continue
		}
		failures = 0

		w.seq++
		w.frames.Write(Frame{Seq: w.seq, Image: img, CapturedAt: now})
		frames++

		if elapsed := now.Sub(windowStart); elapsed >= fpsWindow {
			fps := float64(frames) / elapsed.Seconds()
			w.fpsBits.Store(math.Float64bits(fps))
			w.metrics.CaptureFPS(fps)
			windowStart, frames = now, 0
		}
	}
	return nil
}

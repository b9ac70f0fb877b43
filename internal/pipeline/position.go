package pipeline

import (
	"context"
	"time"

	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/logger"
)

// PositionWorker reads GPS fixes into the position cell.
type PositionWorker struct {
	source       PositionSource
	positions    *LatestValueCell[Position]
	clock        Clock
	errorBackoff time.Duration
	log          logger.Logger
}

// NewPositionWorker wires a position worker.
func NewPositionWorker(source PositionSource, positions *LatestValueCell[Position], errorBackoff time.Duration, clock Clock) *PositionWorker {
	if clock == nil {
		clock = realClock{}
	}
	return &PositionWorker{
		source:       source,
		positions:    positions,
		clock:        clock,
		errorBackoff: errorBackoff,
		log:          GetLogger().Module("position"),
	}
}

// Run reads fixes until ctx is cancelled. It always returns nil.
func (w *PositionWorker) Run(ctx context.Context) error {
	w.log.Info("position worker started")
	defer w.log.Info("position worker stopped")

	failures := 0
	for ctx.Err() == nil {
		pos, err := w.source.ReadFix(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			if failures%50 == 1 {
				w.log.Warn("gps read failed", logger.Int("consecutive_failures", failures), logger.Error(err))
			}
			if !sleepCtx(ctx, w.clock, w.errorBackoff) {
				return nil
			}
			continue
		}
		if failures > 0 {
			w.log.Info("gps fix acquired", logger.Int("failed_reads", failures))
		}
		failures = 0

		if pos.FixedAt.IsZero() {
			pos.FixedAt = w.clock.Now()
		}
		w.positions.Write(pos)
	}
	return nil
}

package pipeline

import (
	"context"
	"time"

	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/errors"
	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/logger"
)

// Spoken SOS confirmations.
const (
	SOSSendingText = "SOS detected. Sending emergency alert now."
	SOSSentText    = "Your SOS has been sent. Help is on the way."
	SOSFailedText  = "SOS could not be sent."
	SOSNoFixText   = "Cannot send SOS. No GPS fix."
)

var (
	// ErrNoFix is returned when no GPS fix is recent enough.
	ErrNoFix = errors.NewStd("no recent GPS fix")
	// ErrStopped is returned once Shutdown has begun.
	ErrStopped = errors.NewStd("pipeline is shutting down")
)

// SOSConfig configures emergency calls.
type SOSConfig struct {
	MaxFixAge            time.Duration // older fixes are refused, zero accepts any
	UploadTimeout        time.Duration
	PositionErrorBackoff time.Duration
}

// DefaultSOSConfig returns the SOS defaults.
func DefaultSOSConfig() SOSConfig {
	return SOSConfig{
		MaxFixAge:            2 * time.Minute,
		UploadTimeout:        10 * time.Second,
		PositionErrorBackoff: time.Second,
	}
}

// Position returns the latest GPS fix.
func (s *Supervisor) Position() (Position, bool) {
	return s.positions.Read()
}

// Announce queues text for the announcer. It returns false when speech is
// disabled or the pipeline is stopping.
func (s *Supervisor) Announce(text string, priority int) bool {
	if s.announcer == nil || text == "" {
		return false
	}
	s.mu.Lock()
	stopping := s.stopping
	s.mu.Unlock()
	if stopping {
		return false
	}
	s.alerts.Push(AlertEvent{Text: text, Priority: priority, CreatedAt: s.deps.Clock.Now()}, priority)
	s.deps.Metrics.AlertEnqueued("manual", priority)
	return true
}

// SendSOS uploads the latest fix directly to the sink, bypassing the
// drop-oldest queue, and announces the outcome.
func (s *Supervisor) SendSOS(ctx context.Context) (UploadEvent, error) {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return UploadEvent{}, ErrStopped
	}
	s.sends.Add(1)
	s.mu.Unlock()
	defer s.sends.Done()

	log := s.log.With(logger.String("operation", "sos"))
	now := s.deps.Clock.Now()

	pos, ok := s.positions.Read()
	if !ok || (s.cfg.SOS.MaxFixAge > 0 && now.Sub(pos.FixedAt) > s.cfg.SOS.MaxFixAge) {
		s.Announce(SOSNoFixText, PriorityStop)
		log.Warn("sos refused without a recent fix", logger.Bool("has_fix", ok))
		return UploadEvent{}, errors.New(ErrNoFix).
			Component("pipeline").
			Category(errors.CategoryResourceUnavailable).
			Context("operation", "sos").
			Build()
	}

	s.Announce(SOSSendingText, PriorityStop)
	ev := NewSOSEvent(pos, now, s.cfg.Range.Location)

	if s.cfg.SOS.UploadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.SOS.UploadTimeout)
		defer cancel()
	}
	err := s.deps.Sink.Upload(ctx, ev)
	s.deps.Metrics.UploadResult(ev.Kind, err)
	if err != nil {
		s.Announce(SOSFailedText, PriorityStop)
		log.Error("sos upload failed", logger.Error(err))
		return ev, err
	}

	s.Announce(SOSSentText, PriorityStop)
	log.Info("sos sent",
		logger.Float64("latitude", pos.Latitude),
		logger.Float64("longitude", pos.Longitude))
	return ev, nil
}

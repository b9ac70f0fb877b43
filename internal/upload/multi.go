// Package upload fans pipeline events out to every enabled remote backend.
package upload

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/errors"
	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/logger"
	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/pipeline"
)

const componentName = "upload"

// Named is a sink with the name used in logs and errors. Auxiliary sinks
// such as push notifications never decide whether an event was uploaded;
// their failures are only logged.
type Named struct {
	Name      string
	Sink      pipeline.Sink
	Auxiliary bool
}

// Multi uploads every event to all sinks concurrently. An event counts as
// uploaded when at least one primary sink accepted it; when all primary
// sinks fail their errors are joined.
type Multi struct {
	sinks []Named
	log   logger.Logger
}

// NewMulti creates a fan-out sink.
func NewMulti(sinks ...Named) *Multi {
	return &Multi{
		sinks: sinks,
		log:   logger.Global().Module(componentName),
	}
}

// Names returns the sink names in order.
func (m *Multi) Names() []string {
	names := make([]string, 0, len(m.sinks))
	for _, s := range m.sinks {
		names = append(names, s.Name)
	}
	return names
}

// Upload sends ev to every sink. With a single sink its error is returned
// unchanged.
func (m *Multi) Upload(ctx context.Context, ev pipeline.UploadEvent) error {
	if len(m.sinks) == 1 {
		return m.sinks[0].Sink.Upload(ctx, ev)
	}

	errs := make([]error, len(m.sinks))
	var wg sync.WaitGroup
	for i, s := range m.sinks {
		wg.Go(func() {
			start := time.Now()
			if err := s.Sink.Upload(ctx, ev); err != nil {
				errs[i] = fmt.Errorf("%s: %w", s.Name, err)
				return
			}
			m.log.WithContext(ctx).Trace("sink accepted event",
				logger.String("sink", s.Name),
				logger.Duration("elapsed", time.Since(start)))
		})
	}
	wg.Wait()

	var (
		primary   int
		delivered bool
		failed    []error
	)
	for i, s := range m.sinks {
		if s.Auxiliary {
			if errs[i] != nil {
				m.log.WithContext(ctx).Warn("auxiliary sink failed", logger.Error(errs[i]))
			}
			continue
		}
		primary++
		if errs[i] != nil {
			failed = append(failed, errs[i])
		} else {
			delivered = true
		}
	}

	if primary > 0 && !delivered {
		return errors.Join(failed...)
	}
	for _, err := range failed {
		m.log.WithContext(ctx).Warn("sink failed, event delivered elsewhere",
			logger.String("event_id", ev.ID),
			logger.Error(err))
	}
	return nil
}

// Close closes every sink and joins their errors.
func (m *Multi) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", s.Name, err))
		}
	}
	return errors.Join(errs...)
}

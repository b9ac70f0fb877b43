// Package ultrasonic measures distances with HC-SR04 sensors on GPIO pins.
package ultrasonic

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"

	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/errors"
	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/logger"
)

const componentName = "ultrasonic"

const (
	// SpeedOfSoundFactor converts an echo pulse in seconds to centimeters:
	// 34300 cm/s halved for the round trip.
	SpeedOfSoundFactor = 17150.0

	// TriggerPulse is the length of the trigger pulse.
	TriggerPulse = 10 * time.Microsecond

	DefaultSamples       = 5
	DefaultSampleSpacing = 50 * time.Millisecond
	DefaultSettleDelay   = 2 * time.Second
)

var (
	hostOnce sync.Once
	hostErr  error
)

// Config configures one sensor.
type Config struct {
	Name          string
	TriggerPin    string // periph pin name, e.g. "GPIO23"
	EchoPin       string // periph pin name, e.g. "GPIO24"
	Samples       int    // samples per measurement, the median is reported
	SampleSpacing time.Duration
	SettleDelay   time.Duration // trigger held low after open
}

type triggerPin interface {
	Out(l gpio.Level) error
}

type echoPin interface {
	Read() gpio.Level
	WaitForEdge(timeout time.Duration) bool
}

// Sensor is a pipeline.RangeSensor for one HC-SR04.
type Sensor struct {
	mu       sync.Mutex
	cfg      Config
	trigger  triggerPin
	echo     echoPin
	haltPins []gpio.PinIO
	sleep    func(time.Duration)
	log      logger.Logger
}

// Open initializes the GPIO host once and claims the sensor pins.
func Open(cfg Config) (*Sensor, error) {
	hostOnce.Do(func() {
		_, hostErr = host.Init()
	})
	if hostErr != nil {
		return nil, errors.ResourceUnavailable(fmt.Errorf("gpio host init: %w", hostErr), componentName)
	}

	trig := gpioreg.ByName(cfg.TriggerPin)
	echo := gpioreg.ByName(cfg.EchoPin)
	if trig == nil || echo == nil {
		return nil, errors.Newf("unknown GPIO pin (trigger %q, echo %q)", cfg.TriggerPin, cfg.EchoPin).
			Component(componentName).
			Category(errors.CategoryResourceUnavailable).
			Context("sensor", cfg.Name).
			Build()
	}
	if err := trig.Out(gpio.Low); err != nil {
		return nil, errors.New(err).Component(componentName).Category(errors.CategoryHardware).
			Context("pin", cfg.TriggerPin).Build()
	}
	if err := echo.In(gpio.PullDown, gpio.BothEdges); err != nil {
		return nil, errors.New(err).Component(componentName).Category(errors.CategoryHardware).
			Context("pin", cfg.EchoPin).Build()
	}

	s := newSensor(cfg, trig, echo, time.Sleep)
	s.haltPins = []gpio.PinIO{trig, echo}

	s.log.Info("waiting for sensor to settle", logger.Duration("delay", s.cfg.SettleDelay))
	time.Sleep(s.cfg.SettleDelay)
	return s, nil
}

func newSensor(cfg Config, trigger triggerPin, echo echoPin, sleep func(time.Duration)) *Sensor {
	if cfg.Samples <= 0 {
		cfg.Samples = DefaultSamples
	}
	if cfg.SampleSpacing <= 0 {
		cfg.SampleSpacing = DefaultSampleSpacing
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = DefaultSettleDelay
	}
	return &Sensor{
		cfg:     cfg,
		trigger: trigger,
		echo:    echo,
		sleep:   sleep,
		log: logger.Global().Module(componentName).With(
			logger.String("sensor", cfg.Name),
			logger.String("trigger", cfg.TriggerPin),
			logger.String("echo", cfg.EchoPin)),
	}
}

// Measure takes Samples readings and returns their median in centimeters
// rounded to two decimals. Each echo edge is awaited at most timeout. A
// missing edge fails the whole measurement with a transient error.
func (s *Sensor) Measure(ctx context.Context, timeout time.Duration) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	samples := make([]float64, 0, s.cfg.Samples)
	for i := range s.cfg.Samples {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if i > 0 {
			s.sleep(s.cfg.SampleSpacing)
		}

		d, err := s.pulse(timeout)
		if err != nil {
			return 0, errors.New(err).
				Component(componentName).
				Category(errors.CategoryTransientIO).
				Context("sensor", s.cfg.Name).
				Context("sample", i).
				Build()
		}
		samples = append(samples, PulseToCM(d))
	}

	return Round2(Median(samples)), nil
}

// pulse triggers the sensor and returns the width of the echo pulse.
func (s *Sensor) pulse(timeout time.Duration) (time.Duration, error) {
	if err := s.trigger.Out(gpio.High); err != nil {
		return 0, fmt.Errorf("trigger high: %w", err)
	}
	s.sleep(TriggerPulse)
	if err := s.trigger.Out(gpio.Low); err != nil {
		return 0, fmt.Errorf("trigger low: %w", err)
	}

	if !s.waitLevel(gpio.High, timeout) {
		return 0, fmt.Errorf("echo start not seen within %v", timeout)
	}
	start := time.Now()
	if !s.waitLevel(gpio.Low, timeout) {
		return 0, fmt.Errorf("echo end not seen within %v", timeout)
	}
	return time.Since(start), nil
}

// waitLevel waits until the echo pin reads level or timeout passes.
func (s *Sensor) waitLevel(level gpio.Level, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if s.echo.Read() == level {
			return true
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		s.echo.WaitForEdge(remaining)
	}
}

// Close halts the pins.
func (s *Sensor) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for _, p := range s.haltPins {
		if err := p.Halt(); err != nil {
			errs = append(errs, fmt.Errorf("halt %s: %w", p.Name(), err))
		}
	}
	s.haltPins = nil
	return errors.Join(errs...)
}

// PulseToCM converts an echo pulse to centimeters.
func PulseToCM(d time.Duration) float64 {
	return d.Seconds() * SpeedOfSoundFactor
}

// Median returns the median of values, averaging the middle pair for an
// even count. It returns 0 for no values.
func Median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

// Round2 rounds v to two decimals.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

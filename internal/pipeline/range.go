package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/logger"
)

// Thresholds are the ascending tier boundaries in centimeters. A distance
// below Stop is Stop, below Warning is Warning, below Caution is Caution and
// anything else is Clear.
type Thresholds struct {
	Stop    float64
	Warning float64
	Caution float64
}

// Classify maps a distance to its tier.
func (th Thresholds) Classify(cm float64) Tier {
	switch {
	case cm < th.Stop:
		return TierStop
	case cm < th.Warning:
		return TierWarning
	case cm < th.Caution:
		return TierCaution
	default:
		return TierClear
	}
}

// TierStyle is the spoken label and preview color of a tier.
type TierStyle struct {
	Label string   `json:"label"`
	Color [3]uint8 `json:"color"`
}

// TierStyles maps every tier to its style.
type TierStyles map[Tier]TierStyle

// DefaultTierStyles returns the built-in labels and colors.
func DefaultTierStyles() TierStyles {
	return TierStyles{
		TierStop:    {Label: "Stop", Color: [3]uint8{255, 0, 0}},
		TierWarning: {Label: "Warning", Color: [3]uint8{255, 165, 0}},
		TierCaution: {Label: "Caution", Color: [3]uint8{255, 255, 0}},
		TierClear:   {Label: "Clear", Color: [3]uint8{0, 255, 0}},
		TierError:   {Label: "Sensor Error", Color: [3]uint8{255, 0, 0}},
	}
}

// Label returns the label of t, falling back to its name.
func (s TierStyles) Label(t Tier) string {
	if style, ok := s[t]; ok && style.Label != "" {
		return style.Label
	}
	return t.String()
}

// RangeConfig configures a range worker.
type RangeConfig struct {
	Thresholds       Thresholds
	Styles           TierStyles
	CyclePeriod      time.Duration // period of one cycle
	ErrorPeriod      time.Duration // period after a failed measurement
	AnnounceInterval time.Duration // repeat interval of an unchanged tier
	MeasureTimeout   time.Duration // passed to RangeSensor.Measure
	NameInAlerts     bool          // prefix alerts with the sensor name
	Location         *time.Location
}

// DefaultRangeConfig returns the ranging defaults.
func DefaultRangeConfig() RangeConfig {
	return RangeConfig{
		Thresholds:       Thresholds{Stop: 50, Warning: 100, Caution: 200},
		Styles:           DefaultTierStyles(),
		CyclePeriod:      time.Second,
		ErrorPeriod:      200 * time.Millisecond,
		AnnounceInterval: 3 * time.Second,
		MeasureTimeout:   20 * time.Millisecond,
	}
}

// RangeWorker measures one sensor, publishes the reading, queues it for
// upload and announces tier changes and repeats.
type RangeWorker struct {
	name      string
	cfg       RangeConfig
	sensor    RangeSensor
	readings  *LatestValueCell[RangeReading]
	cooldowns *CooldownRegistry
	alerts    *PriorityQueue[AlertEvent]
	events    *BoundedDropOldestQueue[UploadEvent]
	clock     Clock
	throttle  *Throttle
	metrics   Metrics
	log       logger.Logger

	lastTier    Tier
	hasLastTier bool
}

// NewRangeWorker wires a range worker for the named sensor.
func NewRangeWorker(
	name string,
	cfg RangeConfig,
	sensor RangeSensor,
	readings *LatestValueCell[RangeReading],
	cooldowns *CooldownRegistry,
	alerts *PriorityQueue[AlertEvent],
	events *BoundedDropOldestQueue[UploadEvent],
	clock Clock,
	metrics Metrics,
) *RangeWorker {
	if clock == nil {
		clock = realClock{}
	}
	if cfg.Styles == nil {
		cfg.Styles = DefaultTierStyles()
	}
	return &RangeWorker{
		name:      name,
		cfg:       cfg,
		sensor:    sensor,
		readings:  readings,
		cooldowns: cooldowns,
		alerts:    alerts,
		events:    events,
		clock:     clock,
		throttle:  NewThrottle(clock),
		metrics:   metricsOrNoop(metrics),
		log:       GetLogger().Module("range").With(logger.String("sensor", name)),
	}
}

// Name returns the sensor name.
func (w *RangeWorker) Name() string { return w.name }

// Run loops until ctx is cancelled. It always returns nil.
func (w *RangeWorker) Run(ctx context.Context) error {
	w.log.Info("range worker started",
		logger.Duration("cycle_period", w.cfg.CyclePeriod),
		logger.Float64("stop_cm", w.cfg.Thresholds.Stop),
		logger.Float64("warning_cm", w.cfg.Thresholds.Warning),
		logger.Float64("caution_cm", w.cfg.Thresholds.Caution))
	defer w.log.Info("range worker stopped")

	for ctx.Err() == nil {
		start := w.clock.Now()
		period := w.cfg.CyclePeriod
		if reading := w.cycle(ctx); reading.Tier == TierError {
			if ctx.Err() != nil {
				return nil
			}
			period = w.cfg.ErrorPeriod
		}
		w.metrics.CycleDuration("range", w.clock.Now().Sub(start))

		if !w.throttle.SleepRemainder(ctx, start, period) {
			return nil
		}
	}
	return nil
}

// cycle runs one Measure, Classify, Publish, Cooldown-Gate pass and returns
// the published reading.
func (w *RangeWorker) cycle(ctx context.Context) RangeReading {
	cm, err := w.sensor.Measure(ctx, w.cfg.MeasureTimeout)
	now := w.clock.Now()

	reading := RangeReading{Sensor: w.name, MeasuredAt: now}
	if err != nil {
		if ctx.Err() != nil {
			reading.Tier = TierError
			return reading
		}
		w.log.Debug("measurement failed", logger.Error(err))
		reading.Tier = TierError
	} else {
		reading.DistanceCM = Round2(cm)
		reading.Tier = w.cfg.Thresholds.Classify(reading.DistanceCM)
	}

	w.publish(reading)
	w.gate(reading.Tier, now)
	return reading
}

func (w *RangeWorker) publish(reading RangeReading) {
	w.readings.Write(reading)
	w.metrics.RangeReading(reading)

	ev := NewRangeEvent(reading, w.cfg.Styles.Label(reading.Tier), w.cfg.Location)
	evicted := w.events.TryPush(ev)
	w.metrics.QueuePushed(QueueUploads, evicted)
	w.metrics.QueueDepth(QueueUploads, w.events.Len())
}

// gate decides whether tier is announced. A tier change always fires and
// restarts that tier's cooldown. An unchanged tier repeats once per
// AnnounceInterval. Clear forgets the last tier; Error is silent and keeps
// it.
func (w *RangeWorker) gate(tier Tier, now time.Time) {
	switch tier {
	case TierClear:
		w.hasLastTier = false
		return
	case TierError:
		return
	}

	key := w.cooldownKey(tier)
	var fire bool
	if !w.hasLastTier || tier != w.lastTier {
		w.cooldowns.Mark(key, w.cfg.AnnounceInterval, now)
		fire = true
	} else {
		fire = w.cooldowns.TryFire(key, w.cfg.AnnounceInterval, now)
	}
	w.lastTier, w.hasLastTier = tier, true

	if !fire {
		return
	}
	priority := tier.Priority()
	w.alerts.Push(AlertEvent{Text: w.alertText(tier), Priority: priority, CreatedAt: now}, priority)
	w.metrics.AlertEnqueued("range", priority)
	w.log.Debug("tier announced", logger.String("tier", tier.String()))
}

func (w *RangeWorker) cooldownKey(tier Tier) string {
	return fmt.Sprintf("range/%s/%s", w.name, tier)
}

func (w *RangeWorker) alertText(tier Tier) string {
	label := w.cfg.Styles.Label(tier)
	if w.cfg.NameInAlerts && w.name != "" {
		return w.name + " " + label
	}
	return label
}

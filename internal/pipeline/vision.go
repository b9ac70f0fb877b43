package pipeline

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/errors"
	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/logger"
)

// VisionConfig configures the vision worker.
type VisionConfig struct {
	Interval         time.Duration // minimum period between inference cycles
	ConfidenceFloor  float64       // detections below are discarded
	AllowList        []string      // classes kept after filtering
	AnnounceCooldown time.Duration // per-class announcement cooldown
	FrameBackoff     time.Duration // wait for a fresh frame
	ErrorBackoff     time.Duration // pause after a failed inference
	Location         *time.Location
}

// DefaultVisionConfig returns the vision defaults.
func DefaultVisionConfig() VisionConfig {
	return VisionConfig{
		Interval:         500 * time.Millisecond,
		ConfidenceFloor:  0.35,
		AllowList:        []string{"person", "car"},
		AnnounceCooldown: 5 * time.Second,
		FrameBackoff:     20 * time.Millisecond,
		ErrorBackoff:     200 * time.Millisecond,
	}
}

// VisionWorker runs inference on the latest frame, publishes the filtered
// detections, announces new classes and queues vision records for upload.
type VisionWorker struct {
	cfg        VisionConfig
	allow      map[string]struct{}
	detector   Detector
	frames     *LatestValueCell[Frame]
	detections *LatestValueCell[DetectionSet]
	cooldowns  *CooldownRegistry
	alerts     *PriorityQueue[AlertEvent]
	events     *BoundedDropOldestQueue[UploadEvent]
	clock      Clock
	throttle   *Throttle
	metrics    Metrics
	log        logger.Logger

	lastSeq uint64
}

// NewVisionWorker wires a vision worker. Nil clock and metrics use the wall
// clock and NoopMetrics.
func NewVisionWorker(
	cfg VisionConfig,
	detector Detector,
	frames *LatestValueCell[Frame],
	detections *LatestValueCell[DetectionSet],
	cooldowns *CooldownRegistry,
	alerts *PriorityQueue[AlertEvent],
	events *BoundedDropOldestQueue[UploadEvent],
	clock Clock,
	metrics Metrics,
) *VisionWorker {
	if clock == nil {
		clock = realClock{}
	}
	allow := make(map[string]struct{}, len(cfg.AllowList))
	for _, name := range cfg.AllowList {
		allow[name] = struct{}{}
	}
	return &VisionWorker{
		cfg:        cfg,
		allow:      allow,
		detector:   detector,
		frames:     frames,
		detections: detections,
		cooldowns:  cooldowns,
		alerts:     alerts,
		events:     events,
		clock:      clock,
		throttle:   NewThrottle(clock),
		metrics:    metricsOrNoop(metrics),
		log:        GetLogger().Module("vision"),
	}
}

// Run loops until ctx is cancelled. It always returns nil.
func (w *VisionWorker) Run(ctx context.Context) error {
	w.log.Info("vision worker started",
		logger.Duration("interval", w.cfg.Interval),
		logger.Float64("confidence_floor", w.cfg.ConfidenceFloor))
	defer w.log.Info("vision worker stopped")

	for ctx.Err() == nil {
		frame, ok := w.frames.Read()
		if !ok || frame.Seq == w.lastSeq {
			if !sleepCtx(ctx, w.clock, w.cfg.FrameBackoff) {
				return nil
			}
			continue
		}

		start := w.clock.Now()
		w.lastSeq = frame.Seq
		if err := w.cycle(ctx, frame); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.log.Warn("inference failed", logger.Uint64("frame_seq", frame.Seq), logger.Error(err))
			if !sleepCtx(ctx, w.clock, w.cfg.ErrorBackoff) {
				return nil
			}
		}
		w.metrics.CycleDuration("vision", w.clock.Now().Sub(start))

		if !w.throttle.SleepRemainder(ctx, start, w.cfg.Interval) {
			return nil
		}
	}
	return nil
}

// cycle runs one Infer, Filter, Publish pass on frame. Malformed detector
// output counts as an empty detection set; other errors are returned and
// leave the published detections unchanged.
func (w *VisionWorker) cycle(ctx context.Context, frame Frame) error {
	dets, err := w.detector.Detect(ctx, frame)
	if err != nil {
		if !errors.IsCategory(err, errors.CategoryMalformedInference) {
			return err
		}
		w.log.Debug("malformed detector output treated as no detections", logger.Error(err))
		dets = nil
	}

	filtered := FilterDetections(dets, w.allow, w.cfg.ConfidenceFloor)
	w.publish(filtered)
	return nil
}

func (w *VisionWorker) publish(dets DetectionSet) {
	w.detections.Write(dets)

	now := w.clock.Now()
	var fired []string
	for _, class := range distinctClasses(dets) {
		if w.cooldowns.TryFire("vision/"+class, w.cfg.AnnounceCooldown, now) {
			fired = append(fired, class)
		}
	}
	if len(fired) > 0 {
		w.alerts.Push(AlertEvent{
			Text:      AnnouncementText(fired),
			Priority:  PriorityInformational,
			CreatedAt: now,
		}, PriorityInformational)
		w.metrics.AlertEnqueued("vision", PriorityInformational)
	}

	if len(dets) == 0 {
		return
	}
	evicted := w.events.TryPush(NewVisionEvent(dets, now, w.cfg.Location))
	w.metrics.QueuePushed(QueueUploads, evicted)
	w.metrics.QueueDepth(QueueUploads, w.events.Len())
	if evicted {
		w.log.Trace("upload queue full, dropped oldest event")
	}
}

// FilterDetections keeps detections of allowed classes at or above floor
// and rounds their confidence to two decimals. Boxes are normalized so that
// x1<=x2 and y1<=y2.
func FilterDetections(dets DetectionSet, allow map[string]struct{}, floor float64) DetectionSet {
	out := make(DetectionSet, 0, len(dets))
	for _, d := range dets {
		if _, ok := allow[d.ClassName]; !ok {
			continue
		}
		if d.Confidence < floor {
			continue
		}
		d.Confidence = Round2(d.Confidence)
		if d.BBox[0] > d.BBox[2] {
			d.BBox[0], d.BBox[2] = d.BBox[2], d.BBox[0]
		}
		if d.BBox[1] > d.BBox[3] {
			d.BBox[1], d.BBox[3] = d.BBox[3], d.BBox[1]
		}
		out = append(out, d)
	}
	return out
}

// AnnouncementText joins class names as "car, person detected".
func AnnouncementText(classes []string) string {
	sorted := slices.Clone(classes)
	slices.Sort(sorted)
	return strings.Join(sorted, ", ") + " detected"
}

func distinctClasses(dets DetectionSet) []string {
	seen := make(map[string]struct{}, len(dets))
	classes := make([]string, 0, len(dets))
	for _, d := range dets {
		if _, ok := seen[d.ClassName]; ok {
			continue
		}
		seen[d.ClassName] = struct{}{}
		classes = append(classes, d.ClassName)
	}
	return classes
}

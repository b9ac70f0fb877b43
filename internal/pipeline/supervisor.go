package pipeline

import (
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/errors"
	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/logger"
)

// SentinelPriority ranks the announcer stop marker ahead of every alert.
const SentinelPriority = 0

// NamedSensor is a range sensor with its configured name.
type NamedSensor struct {
	Name   string
	Sensor RangeSensor
}

// Resource is a hardware handle released at the end of shutdown.
type Resource struct {
	Name   string
	Closer io.Closer
}

// Dependencies are the collaborators of a Supervisor. FrameSource and
// Detector must both be set for vision to run; nil Speaker disables
// announcements.
type Dependencies struct {
	FrameSource FrameSource
	Detector    Detector
	Sensors     []NamedSensor
	Speaker     Speaker
	Sink        Sink
	Positions   PositionSource // nil disables location and SOS
	Resources   []Resource // closed last, in order
	Metrics     Metrics
	Clock       Clock
}

// ShutdownConfig bounds every shutdown step.
type ShutdownConfig struct {
	UploaderTimeout  time.Duration // on top of the uploader grace
	AnnouncerTimeout time.Duration // on top of the announcer grace
	ProducerTimeout  time.Duration // join of capture, vision and range workers
	CloseTimeout     time.Duration // each Close call
}

// Config configures a Supervisor.
type Config struct {
	UploadCapacity      int
	CooldownRetention   time.Duration
	CaptureErrorBackoff time.Duration
	Vision              VisionConfig
	Range               RangeConfig
	Announcer           AnnouncerConfig
	Uploader            UploaderConfig
	SOS                 SOSConfig
	Shutdown            ShutdownConfig
}

// DefaultConfig returns the pipeline defaults.
func DefaultConfig() Config {
	return Config{
		UploadCapacity:      100,
		CooldownRetention:   DefaultCooldownRetention,
		CaptureErrorBackoff: 100 * time.Millisecond,
		Vision:              DefaultVisionConfig(),
		Range:               DefaultRangeConfig(),
		Announcer:           DefaultAnnouncerConfig(),
		Uploader:            DefaultUploaderConfig(),
		SOS:                 DefaultSOSConfig(),
		Shutdown: ShutdownConfig{
			UploaderTimeout:  time.Second,
			AnnouncerTimeout: time.Second,
			ProducerTimeout:  2 * time.Second,
			CloseTimeout:     2 * time.Second,
		},
	}
}

// Supervisor owns the cells, queues and workers of one pipeline and runs
// the ordered shutdown.
type Supervisor struct {
	cfg  Config
	deps Dependencies
	log  logger.Logger

	frames     *LatestValueCell[Frame]
	detections *LatestValueCell[DetectionSet]
	readings   map[string]*LatestValueCell[RangeReading]
	cooldowns  *CooldownRegistry
	alerts     *PriorityQueue[AlertEvent]
	events     *BoundedDropOldestQueue[UploadEvent]
	positions  *LatestValueCell[Position]

	capture   *CaptureWorker
	vision    *VisionWorker
	ranges    []*RangeWorker
	position  *PositionWorker
	announcer *AnnouncerWorker
	uploader  *UploaderWorker

	mu            sync.Mutex
	started       bool
	stopping      bool
	sends         sync.WaitGroup
	cancel        context.CancelFunc
	producers     errgroup.Group
	producersDone chan struct{}
	uploaderDone  chan struct{}
	announcerDone chan struct{}
	shutdownOnce  sync.Once
	done          chan struct{}
}

// NewSupervisor builds the pipeline. Sink is required.
func NewSupervisor(cfg Config, deps Dependencies) (*Supervisor, error) {
	if deps.Sink == nil {
		return nil, errors.Newf("pipeline requires a sink").
			Component("pipeline").
			Category(errors.CategoryConfiguration).
			Build()
	}
	names := make(map[string]bool, len(deps.Sensors))
	for _, s := range deps.Sensors {
		if s.Sensor == nil || s.Name == "" || names[s.Name] {
			return nil, errors.Newf("invalid or duplicate range sensor %q", s.Name).
				Component("pipeline").
				Category(errors.CategoryConfiguration).
				Build()
		}
		names[s.Name] = true
	}
	deps.Metrics = metricsOrNoop(deps.Metrics)
	if cfg.Range.Styles == nil {
		cfg.Range.Styles = DefaultTierStyles()
	}
	if deps.Clock == nil {
		deps.Clock = realClock{}
	}

	s := &Supervisor{
		cfg:        cfg,
		deps:       deps,
		log:        GetLogger().Module("supervisor"),
		frames:     &LatestValueCell[Frame]{},
		detections: &LatestValueCell[DetectionSet]{},
		readings:   make(map[string]*LatestValueCell[RangeReading], len(deps.Sensors)),
		cooldowns:  NewCooldownRegistry(cfg.CooldownRetention),
		alerts:     NewPriorityQueue[AlertEvent](),
		events:     NewBoundedDropOldestQueue[UploadEvent](cfg.UploadCapacity),
		positions:  &LatestValueCell[Position]{},
		done:       make(chan struct{}),
	}

	if deps.FrameSource != nil && deps.Detector != nil {
		s.capture = NewCaptureWorker(deps.FrameSource, s.frames, cfg.CaptureErrorBackoff, deps.Clock, deps.Metrics)
		s.vision = NewVisionWorker(cfg.Vision, deps.Detector, s.frames, s.detections,
			s.cooldowns, s.alerts, s.events, deps.Clock, deps.Metrics)
	}

	rangeCfg := cfg.Range
	rangeCfg.NameInAlerts = rangeCfg.NameInAlerts || len(deps.Sensors) > 1
	for _, sensor := range deps.Sensors {
		cell := &LatestValueCell[RangeReading]{}
		s.readings[sensor.Name] = cell
		s.ranges = append(s.ranges, NewRangeWorker(sensor.Name, rangeCfg, sensor.Sensor, cell,
			s.cooldowns, s.alerts, s.events, deps.Clock, deps.Metrics))
	}

	if deps.Positions != nil {
		s.position = NewPositionWorker(deps.Positions, s.positions, cfg.SOS.PositionErrorBackoff, deps.Clock)
	}

	if deps.Speaker != nil {
		s.announcer = NewAnnouncerWorker(cfg.Announcer, s.alerts, deps.Speaker, deps.Metrics)
	}
	s.uploader = NewUploaderWorker(cfg.Uploader, s.events, deps.Sink, deps.Metrics)

	return s, nil
}

// Start launches every worker under a context derived from ctx. Cancelling
// ctx stops the workers but does not release resources; call Shutdown.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("supervisor already started")
	}
	s.started = true

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if s.capture != nil {
		s.producers.Go(func() error { return s.capture.Run(runCtx) })
		s.producers.Go(func() error { return s.vision.Run(runCtx) })
	}
	for _, w := range s.ranges {
		s.producers.Go(func() error { return w.Run(runCtx) })
	}
	if s.position != nil {
		s.producers.Go(func() error { return s.position.Run(runCtx) })
	}
	s.producersDone = make(chan struct{})
	go func() {
		if err := s.producers.Wait(); err != nil {
			s.log.Error("producer exited with error", logger.Error(err))
		}
		close(s.producersDone)
	}()

	s.uploaderDone = runWorker(runCtx, s.uploader.Run)
	if s.announcer != nil {
		s.announcerDone = runWorker(runCtx, s.announcer.Run)
	}

	s.log.Info("pipeline started",
		logger.Bool("vision", s.vision != nil),
		logger.Int("range_sensors", len(s.ranges)),
		logger.Bool("gps", s.position != nil),
		logger.Bool("speech", s.announcer != nil),
		logger.Int("upload_capacity", s.cfg.UploadCapacity))
	return nil
}

func waitDone(wg *sync.WaitGroup) chan struct{} {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	return done
}

func runWorker(ctx context.Context, run func(context.Context) error) chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = run(ctx)
	}()
	return done
}

// Shutdown stops the pipeline in order: cancel, join the uploader, stop and
// join the announcer, close the speaker, join the producers and any SOS in
// flight, close the sink, then the camera, the GPS receiver and the other
// hardware resources. Every step has its own timeout and a step that times
// out does not prevent the following ones. Shutdown is idempotent.
func (s *Supervisor) Shutdown() {
	s.shutdownOnce.Do(func() {
		defer close(s.done)

		s.mu.Lock()
		started := s.started
		cancel := s.cancel
		s.stopping = true
		s.mu.Unlock()

		if started {
			s.log.Info("shutting down pipeline")
			cancel()

			s.join("uploader", s.uploaderDone, s.cfg.Uploader.Grace+s.cfg.Shutdown.UploaderTimeout)

			s.alerts.PushSentinel(SentinelPriority)
			if s.announcerDone != nil {
				s.join("announcer", s.announcerDone, s.cfg.Announcer.Grace+s.cfg.Shutdown.AnnouncerTimeout)
			}
		}

		if s.deps.Speaker != nil {
			s.closeWithTimeout("speaker", s.deps.Speaker)
		}

		if started {
			s.join("producers", s.producersDone, s.cfg.Shutdown.ProducerTimeout)
		}
		s.join("sos", waitDone(&s.sends), s.cfg.SOS.UploadTimeout)
		s.events.Close()
		s.closeWithTimeout("sink", s.deps.Sink)

		if s.deps.FrameSource != nil {
			s.closeWithTimeout("camera", s.deps.FrameSource)
		}
		if s.deps.Positions != nil {
			s.closeWithTimeout("gps", s.deps.Positions)
		}
		for _, r := range s.deps.Resources {
			s.closeWithTimeout(r.Name, r.Closer)
		}

		stats := s.events.Stats()
		s.log.Info("pipeline stopped",
			logger.Uint64("events_pushed", stats.Pushed),
			logger.Uint64("events_dropped", stats.Dropped),
			logger.Int("events_abandoned", stats.Len))
	})
}

// Wait blocks until Shutdown has finished.
func (s *Supervisor) Wait() {
	<-s.done
}

func (s *Supervisor) join(name string, done <-chan struct{}, timeout time.Duration) {
	if done == nil {
		return
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		s.log.Debug("worker joined", logger.String("worker", name))
	case <-timer.C:
		s.log.Warn("worker did not stop in time", logger.String("worker", name), logger.Duration("timeout", timeout))
	}
}

func (s *Supervisor) closeWithTimeout(name string, c io.Closer) {
	if c == nil {
		return
	}
	errCh := make(chan error, 1)
	go func() { errCh <- c.Close() }()

	timer := time.NewTimer(s.cfg.Shutdown.CloseTimeout)
	defer timer.Stop()

	select {
	case err := <-errCh:
		if err != nil {
			s.log.Warn("failed to release resource", logger.String("resource", name), logger.Error(err))
		}
	case <-timer.C:
		s.log.Warn("resource close timed out", logger.String("resource", name),
			logger.Duration("timeout", s.cfg.Shutdown.CloseTimeout))
	}
}

// ReadingState is a range reading with the style of its tier.
type ReadingState struct {
	RangeReading
	Label string   `json:"label"`
	Color [3]uint8 `json:"color"`
}

// State is a snapshot of the latest pipeline state for the preview.
type State struct {
	FrameSeq      uint64         `json:"frame_seq"`
	FPS           float64        `json:"fps"`
	Detections    DetectionSet   `json:"detections"`
	Readings      []ReadingState `json:"readings"`
	UploadQueue   QueueStats     `json:"upload_queue"`
	PendingAlerts int            `json:"pending_alerts"`
	Position      *Position      `json:"position,omitempty"`
}

// State reads every cell without blocking the workers.
func (s *Supervisor) State() State {
	st := State{
		Detections:    DetectionSet{},
		Readings:      make([]ReadingState, 0, len(s.readings)),
		UploadQueue:   s.events.Stats(),
		PendingAlerts: s.alerts.Len(),
	}
	if f, ok := s.frames.Read(); ok {
		st.FrameSeq = f.Seq
	}
	if s.capture != nil {
		st.FPS = s.capture.FPS()
	}
	if dets, ok := s.detections.Read(); ok && dets != nil {
		st.Detections = dets
	}
	if pos, ok := s.positions.Read(); ok {
		st.Position = &pos
	}
	for _, name := range slices.Sorted(maps.Keys(s.readings)) {
		r, ok := s.readings[name].Read()
		if !ok {
			continue
		}
		style := s.cfg.Range.Styles[r.Tier]
		st.Readings = append(st.Readings, ReadingState{
			RangeReading: r,
			Label:        s.cfg.Range.Styles.Label(r.Tier),
			Color:        style.Color,
		})
	}
	return st
}

// LatestFrame returns the most recent captured frame.
func (s *Supervisor) LatestFrame() (Frame, bool) {
	return s.frames.Read()
}

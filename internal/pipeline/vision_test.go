package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sidperrors "github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/errors"
)

type visionFixture struct {
	worker     *VisionWorker
	detector   *fakeDetector
	frames     *LatestValueCell[Frame]
	detections *LatestValueCell[DetectionSet]
	alerts     *PriorityQueue[AlertEvent]
	events     *BoundedDropOldestQueue[UploadEvent]
	clock      *MockClock
}

func newVisionFixture(t *testing.T, cfg VisionConfig) *visionFixture {
	t.Helper()

	f := &visionFixture{
		detector:   &fakeDetector{},
		frames:     &LatestValueCell[Frame]{},
		detections: &LatestValueCell[DetectionSet]{},
		alerts:     NewPriorityQueue[AlertEvent](),
		events:     NewBoundedDropOldestQueue[UploadEvent](10),
		clock:      NewMockClock(testEpoch),
	}
	f.worker = NewVisionWorker(cfg, f.detector, f.frames, f.detections,
		NewCooldownRegistry(0), f.alerts, f.events, f.clock, nil)
	return f
}

func TestVisionFiltersToAllowList(t *testing.T) {
	t.Parallel()

	cfg := DefaultVisionConfig()
	cfg.AllowList = []string{"person", "car"}
	f := newVisionFixture(t, cfg)
	f.detector.set(DetectionSet{
		{ClassName: "person", Confidence: 0.9, BBox: [4]int{0, 0, 10, 10}},
		{ClassName: "bicycle", Confidence: 0.8, BBox: [4]int{5, 5, 20, 20}},
	}, nil)

	require.NoError(t, f.worker.cycle(context.Background(), Frame{Seq: 1}))

	dets, ok := f.detections.Read()
	require.True(t, ok)
	require.Len(t, dets, 1)
	assert.Equal(t, "person", dets[0].ClassName)

	events := drainEvents(f.events)
	require.Len(t, events, 1)
	assert.Equal(t, EventKindVision, events[0].Kind)
	assert.NotEmpty(t, events[0].ID)

	record, ok := events[0].Record().(VisionRecord)
	require.True(t, ok)
	require.Len(t, record.ObjectsDetected, 1)
	assert.Equal(t, "person", record.ObjectsDetected[0].Name)
	assert.Equal(t, [4]int{0, 0, 10, 10}, record.ObjectsDetected[0].BBox)

	alerts := drainAlerts(f.alerts)
	require.Len(t, alerts, 1)
	assert.Equal(t, "person detected", alerts[0].Text)
	assert.Equal(t, PriorityInformational, alerts[0].Priority)
}

func TestVisionConfidenceFloorAndRounding(t *testing.T) {
	t.Parallel()

	f := newVisionFixture(t, DefaultVisionConfig())
	f.detector.set(DetectionSet{
		{ClassName: "person", Confidence: 0.34999},
		{ClassName: "car", Confidence: 0.87654, BBox: [4]int{30, 40, 10, 20}},
	}, nil)

	require.NoError(t, f.worker.cycle(context.Background(), Frame{Seq: 1}))

	dets, _ := f.detections.Read()
	require.Len(t, dets, 1)
	assert.Equal(t, "car", dets[0].ClassName)
	assert.InDelta(t, 0.88, dets[0].Confidence, 1e-9)
	assert.Equal(t, [4]int{10, 20, 30, 40}, dets[0].BBox, "boxes are normalized")
}

func TestVisionAnnouncementCooldownPerClass(t *testing.T) {
	t.Parallel()

	f := newVisionFixture(t, DefaultVisionConfig())
	f.detector.set(DetectionSet{
		{ClassName: "person", Confidence: 0.9},
		{ClassName: "car", Confidence: 0.8},
		{ClassName: "person", Confidence: 0.7},
	}, nil)

	require.NoError(t, f.worker.cycle(context.Background(), Frame{Seq: 1}))
	alerts := drainAlerts(f.alerts)
	require.Len(t, alerts, 1, "one combined alert per cycle")
	assert.Equal(t, "car, person detected", alerts[0].Text)

	f.clock.Advance(2 * time.Second)
	require.NoError(t, f.worker.cycle(context.Background(), Frame{Seq: 2}))
	assert.Empty(t, drainAlerts(f.alerts), "classes are cooling down")
	assert.Len(t, drainEvents(f.events), 2, "uploads are not gated by the cooldown")

	f.clock.Advance(3 * time.Second)
	f.detector.set(DetectionSet{{ClassName: "car", Confidence: 0.8}}, nil)
	require.NoError(t, f.worker.cycle(context.Background(), Frame{Seq: 3}))
	alerts = drainAlerts(f.alerts)
	require.Len(t, alerts, 1)
	assert.Equal(t, "car detected", alerts[0].Text)
}

func TestVisionEmptySetIsPublishedButNotUploaded(t *testing.T) {
	t.Parallel()

	f := newVisionFixture(t, DefaultVisionConfig())
	f.detections.Write(DetectionSet{{ClassName: "person"}})
	f.detector.set(nil, nil)

	require.NoError(t, f.worker.cycle(context.Background(), Frame{Seq: 1}))

	dets, ok := f.detections.Read()
	require.True(t, ok)
	assert.Empty(t, dets)
	assert.Zero(t, f.events.Len())
	assert.Zero(t, f.alerts.Len())
}

func TestVisionMalformedOutputCountsAsNoDetections(t *testing.T) {
	t.Parallel()

	f := newVisionFixture(t, DefaultVisionConfig())
	f.detections.Write(DetectionSet{{ClassName: "person"}})
	f.detector.set(nil, sidperrors.MalformedInference(errors.New("expected 4 output tensors, got 2"), "detector"))

	require.NoError(t, f.worker.cycle(context.Background(), Frame{Seq: 1}))

	dets, ok := f.detections.Read()
	require.True(t, ok)
	assert.Empty(t, dets, "cell is cleared")
}

func TestVisionDetectorErrorKeepsLastDetections(t *testing.T) {
	t.Parallel()

	f := newVisionFixture(t, DefaultVisionConfig())
	f.detections.Write(DetectionSet{{ClassName: "person"}})
	f.detector.set(nil, errors.New("interpreter invoke failed"))

	require.Error(t, f.worker.cycle(context.Background(), Frame{Seq: 1}))

	dets, _ := f.detections.Read()
	require.Len(t, dets, 1)
	assert.Zero(t, f.events.Len())
}

func TestVisionRunSkipsAlreadyInferredFrames(t *testing.T) {
	t.Parallel()

	cfg := DefaultVisionConfig()
	cfg.Interval = 5 * time.Millisecond
	cfg.FrameBackoff = time.Millisecond

	frames := &LatestValueCell[Frame]{}
	detector := &fakeDetector{}
	w := NewVisionWorker(cfg, detector, frames, &LatestValueCell[DetectionSet]{},
		NewCooldownRegistry(0), NewPriorityQueue[AlertEvent](),
		NewBoundedDropOldestQueue[UploadEvent](4), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := runWorker(ctx, w.Run)

	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, detector.callCount(), "no frame, no inference")

	frames.Write(Frame{Seq: 1})
	require.Eventually(t, func() bool { return detector.callCount() == 1 }, ShortTestTimeout, time.Millisecond)
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, 1, detector.callCount(), "the same frame is inferred once")

	frames.Write(Frame{Seq: 2})
	require.Eventually(t, func() bool { return detector.callCount() == 2 }, ShortTestTimeout, time.Millisecond)

	cancel()
	waitForChannel(t, done, ShortTestTimeout, "vision worker did not stop")
}

func TestVisionRunRespectsInterval(t *testing.T) {
	t.Parallel()

	cfg := DefaultVisionConfig()
	cfg.Interval = 100 * time.Millisecond
	cfg.FrameBackoff = time.Millisecond

	frames := &LatestValueCell[Frame]{}
	detector := &fakeDetector{}
	w := NewVisionWorker(cfg, detector, frames, &LatestValueCell[DetectionSet]{},
		NewCooldownRegistry(0), NewPriorityQueue[AlertEvent](),
		NewBoundedDropOldestQueue[UploadEvent](4), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := runWorker(ctx, w.Run)

	// a fresh frame every millisecond
	stopFeed := make(chan struct{})
	feedDone := make(chan struct{})
	go func() {
		defer close(feedDone)
		for seq := uint64(1); ; seq++ {
			select {
			case <-stopFeed:
				return
			case <-time.After(time.Millisecond):
				frames.Write(Frame{Seq: seq})
			}
		}
	}()

	time.Sleep(250 * time.Millisecond)
	close(stopFeed)
	<-feedDone
	cancel()
	waitForChannel(t, done, ShortTestTimeout, "vision worker did not stop")

	calls := detector.callCount()
	assert.GreaterOrEqual(t, calls, 2)
	assert.LessOrEqual(t, calls, 4, "inference ran faster than the interval")
}

func TestAnnouncementText(t *testing.T) {
	t.Parallel()

	in := []string{"person", "car", "bus"}
	assert.Equal(t, "bus, car, person detected", AnnouncementText(in))
	assert.Equal(t, []string{"person", "car", "bus"}, in, "input is not reordered")
}

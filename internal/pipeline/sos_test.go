package pipeline

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/errors"
)

// fakePositionSource returns its fixes in order, then blocks until ctx is
// done.
type fakePositionSource struct {
	mu      sync.Mutex
	fixes   []Position
	closed  bool
	onClose func()
}

func (f *fakePositionSource) ReadFix(ctx context.Context) (Position, error) {
	f.mu.Lock()
	if len(f.fixes) > 0 {
		pos := f.fixes[0]
		f.fixes = f.fixes[1:]
		f.mu.Unlock()
		return pos, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return Position{}, ctx.Err()
}

func (f *fakePositionSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	if f.onClose != nil {
		f.onClose()
	}
	return nil
}

func startGPSSupervisor(t *testing.T, gps *fakePositionSource, sink *recordingSink, speaker *recordingSpeaker) *Supervisor {
	t.Helper()
	deps := Dependencies{Sink: sink, Positions: gps}
	if speaker != nil {
		deps.Speaker = speaker
	}
	s, err := NewSupervisor(testSupervisorConfig(), deps)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Shutdown)
	return s
}

func TestSupervisorPublishesPosition(t *testing.T) {
	t.Parallel()

	fixedAt := time.Now()
	gps := &fakePositionSource{fixes: []Position{{Latitude: 3.1390, Longitude: 101.6869, Satellites: 7, FixedAt: fixedAt}}}
	s := startGPSSupervisor(t, gps, &recordingSink{}, nil)

	require.Eventually(t, func() bool { _, ok := s.Position(); return ok }, DefaultTestTimeout, 5*time.Millisecond)
	pos, _ := s.Position()
	assert.InDelta(t, 3.1390, pos.Latitude, 1e-9)
	assert.Equal(t, 7, pos.Satellites)

	state := s.State()
	require.NotNil(t, state.Position)
	assert.InDelta(t, 101.6869, state.Position.Longitude, 1e-9)

	s.Shutdown()
	gps.mu.Lock()
	defer gps.mu.Unlock()
	assert.True(t, gps.closed, "gps is released on shutdown")
}

func TestSendSOSUploadsAndConfirms(t *testing.T) {
	t.Parallel()

	gps := &fakePositionSource{fixes: []Position{{Latitude: 3.1390, Longitude: 101.6869, FixedAt: time.Now()}}}
	sink := &recordingSink{}
	speaker := newRecordingSpeaker(0)
	s := startGPSSupervisor(t, gps, sink, speaker)
	require.Eventually(t, func() bool { _, ok := s.Position(); return ok }, DefaultTestTimeout, 5*time.Millisecond)

	ev, err := s.SendSOS(context.Background())
	require.NoError(t, err)
	assert.Equal(t, EventKindSOS, ev.Kind)

	uploaded := sink.uploaded()
	require.Len(t, uploaded, 1, "sos bypasses the upload queue")
	record, ok := uploaded[0].Record().(SOSRecord)
	require.True(t, ok)
	assert.InDelta(t, 3.1390, record.Latitude, 1e-9)
	assert.InDelta(t, 101.6869, record.Longitude, 1e-9)
	assert.NotEmpty(t, record.LocalTime)
	assert.Positive(t, record.Timestamp)

	require.Eventually(t, func() bool {
		return slices.Equal(speaker.texts(), []string{SOSSendingText, SOSSentText})
	}, DefaultTestTimeout, 5*time.Millisecond)
}

func TestSendSOSWithoutFix(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	speaker := newRecordingSpeaker(0)
	s := startGPSSupervisor(t, &fakePositionSource{}, sink, speaker)

	_, err := s.SendSOS(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoFix)
	assert.True(t, errors.IsCategory(err, errors.CategoryResourceUnavailable))
	assert.Empty(t, sink.uploaded())

	require.Eventually(t, func() bool {
		return slices.Contains(speaker.texts(), SOSNoFixText)
	}, DefaultTestTimeout, 5*time.Millisecond)
}

func TestSendSOSRefusesStaleFix(t *testing.T) {
	t.Parallel()

	gps := &fakePositionSource{fixes: []Position{{Latitude: 1, Longitude: 2, FixedAt: time.Now().Add(-time.Hour)}}}
	sink := &recordingSink{}
	s := startGPSSupervisor(t, gps, sink, nil)
	require.Eventually(t, func() bool { _, ok := s.Position(); return ok }, DefaultTestTimeout, 5*time.Millisecond)

	_, err := s.SendSOS(context.Background())
	assert.ErrorIs(t, err, ErrNoFix)
	assert.Empty(t, sink.uploaded())
}

func TestSendSOSUploadFailure(t *testing.T) {
	t.Parallel()

	gps := &fakePositionSource{fixes: []Position{{Latitude: 1, Longitude: 2, FixedAt: time.Now()}}}
	sink := &recordingSink{failures: 1}
	speaker := newRecordingSpeaker(0)
	s := startGPSSupervisor(t, gps, sink, speaker)
	require.Eventually(t, func() bool { _, ok := s.Position(); return ok }, DefaultTestTimeout, 5*time.Millisecond)

	_, err := s.SendSOS(context.Background())
	require.Error(t, err)
	require.Eventually(t, func() bool {
		return slices.Contains(speaker.texts(), SOSFailedText)
	}, DefaultTestTimeout, 5*time.Millisecond)
	assert.NotContains(t, speaker.texts(), SOSSentText)
}

func TestSendSOSAfterShutdown(t *testing.T) {
	t.Parallel()

	gps := &fakePositionSource{fixes: []Position{{Latitude: 1, Longitude: 2, FixedAt: time.Now()}}}
	sink := &recordingSink{}
	s := startGPSSupervisor(t, gps, sink, nil)
	s.Shutdown()

	_, err := s.SendSOS(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
	assert.Empty(t, sink.uploaded())
}

func TestAnnounceWithoutSpeaker(t *testing.T) {
	t.Parallel()

	s := startGPSSupervisor(t, &fakePositionSource{}, &recordingSink{}, nil)
	assert.False(t, s.Announce("hello", PriorityInformational))
}

// slowSOSSink signals when an SOS upload starts and records it after a delay.
type slowSOSSink struct {
	recordingSink
	started chan struct{}
	once    sync.Once
	rec     *closeRecorder
}

func (s *slowSOSSink) Upload(ctx context.Context, ev UploadEvent) error {
	if ev.Kind == EventKindSOS {
		s.once.Do(func() { close(s.started) })
		time.Sleep(100 * time.Millisecond)
		s.rec.hook("sos-uploaded")()
	}
	return s.recordingSink.Upload(ctx, ev)
}

func TestShutdownWaitsForInFlightSOS(t *testing.T) {
	t.Parallel()

	rec := &closeRecorder{}
	gps := &fakePositionSource{
		fixes:   []Position{{Latitude: 3.1390, Longitude: 101.6869, FixedAt: time.Now()}},
		onClose: rec.hook("gps"),
	}
	sink := &slowSOSSink{started: make(chan struct{}), rec: rec}
	sink.onClose = rec.hook("sink")

	s, err := NewSupervisor(testSupervisorConfig(), Dependencies{Sink: sink, Positions: gps})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool {
		_, ok := s.Position()
		return ok
	}, DefaultTestTimeout, 5*time.Millisecond)

	sent := make(chan error, 1)
	go func() {
		_, err := s.SendSOS(context.Background())
		sent <- err
	}()
	<-sink.started

	s.Shutdown()
	s.Wait()

	require.NoError(t, <-sent)
	assert.Equal(t, []string{"sos-uploaded", "sink", "gps"}, rec.names())
}

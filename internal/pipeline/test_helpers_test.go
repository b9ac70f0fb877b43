// test_helpers_test.go - shared fakes and helpers for pipeline tests
package pipeline

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	// DefaultTestTimeout is the standard timeout for async test operations.
	DefaultTestTimeout = 5 * time.Second

	// ShortTestTimeout is for operations expected to complete quickly.
	ShortTestTimeout = 1 * time.Second
)

// waitForChannel waits for a signal on the channel or fails after timeout.
func waitForChannel(t *testing.T, ch <-chan struct{}, timeout time.Duration, msg string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(timeout):
		require.Fail(t, msg)
	}
}

// --- Mock clock ---

// MockClock is a manually advanced Clock.
type MockClock struct {
	mu            sync.Mutex
	currentTime   time.Time
	afterChannels []mockAfterChannel
}

type mockAfterChannel struct {
	triggerTime time.Time
	ch          chan time.Time
}

// NewMockClock creates a MockClock at initialTime.
func NewMockClock(initialTime time.Time) *MockClock {
	return &MockClock{currentTime: initialTime}
}

func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentTime
}

func (m *MockClock) After(d time.Duration) <-chan time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- m.currentTime
		return ch
	}
	m.afterChannels = append(m.afterChannels, mockAfterChannel{
		triggerTime: m.currentTime.Add(d),
		ch:          ch,
	})
	return ch
}

// Advance moves the clock forward and fires due After channels.
func (m *MockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.currentTime = m.currentTime.Add(d)

	var remaining []mockAfterChannel
	for _, ac := range m.afterChannels {
		if !m.currentTime.Before(ac.triggerTime) {
			ac.ch <- m.currentTime
			continue
		}
		remaining = append(remaining, ac)
	}
	m.afterChannels = remaining
}

// PendingTimers returns the number of After channels not yet fired.
func (m *MockClock) PendingTimers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.afterChannels)
}

// waitForTimers waits until n After channels are pending on clock.
func waitForTimers(t *testing.T, clock *MockClock, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return clock.PendingTimers() >= n },
		ShortTestTimeout, time.Millisecond, "expected %d pending timers", n)
}

// --- Fakes ---

// fakeDetector returns scripted results and counts calls.
type fakeDetector struct {
	mu     sync.Mutex
	result DetectionSet
	err    error
	calls  int
	seqs   []uint64
}

func (d *fakeDetector) Detect(_ context.Context, f Frame) (DetectionSet, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.seqs = append(d.seqs, f.Seq)
	return d.result, d.err
}

func (d *fakeDetector) set(result DetectionSet, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.result, d.err = result, err
}

func (d *fakeDetector) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// errNoEcho is a scripted sensor failure.
var errNoEcho = errors.New("no echo")

// scriptedSensor returns readings in order, then repeats the last one. A
// negative value is returned as errNoEcho.
type scriptedSensor struct {
	mu       sync.Mutex
	readings []float64
	next     int
	closed   atomic.Bool
	onClose  func()
}

func (s *scriptedSensor) Measure(context.Context, time.Duration) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := min(s.next, len(s.readings)-1)
	s.next++
	if v := s.readings[idx]; v >= 0 {
		return v, nil
	}
	return 0, errNoEcho
}

func (s *scriptedSensor) Close() error {
	s.closed.Store(true)
	if s.onClose != nil {
		s.onClose()
	}
	return nil
}

// recordingSpeaker records spoken text. Each Speak takes delay unless ctx
// ends first.
type recordingSpeaker struct {
	mu       sync.Mutex
	spoken   []string
	started  chan string
	delay    time.Duration
	failText string
	closed   atomic.Bool
	onClose  func()
}

func newRecordingSpeaker(delay time.Duration) *recordingSpeaker {
	return &recordingSpeaker{delay: delay, started: make(chan string, 64)}
}

func (s *recordingSpeaker) Speak(ctx context.Context, text string) error {
	select {
	case s.started <- text:
	default:
	}

	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.delay):
		}
	}
	if text == s.failText {
		return errors.New("speech engine busy")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.spoken = append(s.spoken, text)
	return nil
}

func (s *recordingSpeaker) Close() error {
	s.closed.Store(true)
	if s.onClose != nil {
		s.onClose()
	}
	return nil
}

func (s *recordingSpeaker) texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.spoken...)
}

// recordingSink records uploads. The first failures uploads fail.
type recordingSink struct {
	mu       sync.Mutex
	events   []UploadEvent
	calls    int
	failures int
	delay    time.Duration
	closed   atomic.Bool
	onClose  func()
}

func (s *recordingSink) Upload(ctx context.Context, ev UploadEvent) error {
	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.delay):
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failures {
		return errors.New("503 service unavailable")
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) Close() error {
	s.closed.Store(true)
	if s.onClose != nil {
		s.onClose()
	}
	return nil
}

func (s *recordingSink) uploaded() []UploadEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]UploadEvent(nil), s.events...)
}

func (s *recordingSink) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// fakeFrameSource produces blank frames at a fixed pace.
type fakeFrameSource struct {
	pace    time.Duration
	closed  atomic.Bool
	onClose func()
}

func (f *fakeFrameSource) Capture(ctx context.Context) (image.Image, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(f.pace):
	}
	return image.NewRGBA(image.Rect(0, 0, 4, 4)), nil
}

func (f *fakeFrameSource) Close() error {
	f.closed.Store(true)
	if f.onClose != nil {
		f.onClose()
	}
	return nil
}

// drainAlerts pops every queued alert without waiting.
func drainAlerts(q *PriorityQueue[AlertEvent]) []AlertEvent {
	var out []AlertEvent
	for {
		a, ok := q.PopBlocking(context.Background(), time.Millisecond)
		if !ok {
			return out
		}
		out = append(out, a)
	}
}

// drainEvents pops every queued upload event without waiting.
func drainEvents(q *BoundedDropOldestQueue[UploadEvent]) []UploadEvent {
	var out []UploadEvent
	for {
		ev, ok := q.TryPop()
		if !ok {
			return out
		}
		out = append(out, ev)
	}
}

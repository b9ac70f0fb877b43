package httpcontroller

import (
	"context"
	"encoding/json"
	"image"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/datastore"
	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/pipeline"
)

var testEpoch = time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

type fakeState struct {
	mu    sync.Mutex
	state pipeline.State
	frame pipeline.Frame
	has   bool
}

func (f *fakeState) State() pipeline.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeState) LatestFrame() (pipeline.Frame, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frame, f.has
}

type fakeStore struct {
	events   []datastore.Event
	counts   []datastore.KindCount
	err      error
	gotKind  pipeline.EventKind
	gotLimit int
}

func (f *fakeStore) Recent(_ context.Context, kind pipeline.EventKind, limit int) ([]datastore.Event, error) {
	f.gotKind, f.gotLimit = kind, limit
	return f.events, f.err
}

func (f *fakeStore) CountByKind(context.Context) ([]datastore.KindCount, error) {
	return f.counts, f.err
}

func sampleState() pipeline.State {
	return pipeline.State{
		FrameSeq:   42,
		FPS:        9.5,
		Detections: pipeline.DetectionSet{{ClassName: "person", Confidence: 0.91, BBox: [4]int{1, 2, 30, 40}}},
		Readings: []pipeline.ReadingState{{
			RangeReading: pipeline.RangeReading{Sensor: "front", DistanceCM: 42, Tier: pipeline.TierStop, MeasuredAt: testEpoch},
			Label:        "Stop",
			Color:        [3]uint8{255, 0, 0},
		}},
		UploadQueue:   pipeline.QueueStats{Capacity: 100, Len: 3, Pushed: 10, Popped: 7},
		PendingAlerts: 1,
	}
}

func newTestServer(t *testing.T, deps Dependencies) *Server {
	t.Helper()
	if deps.State == nil {
		deps.State = &fakeState{state: sampleState()}
	}
	s, err := New(Config{Listen: "127.0.0.1:0", PushInterval: 20 * time.Millisecond, Device: "cane-01"}, deps)
	require.NoError(t, err)
	return s
}

func doGet(t *testing.T, s *Server, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, http.NoBody)
	rec := httptest.NewRecorder()
	s.Echo.ServeHTTP(rec, req)
	return rec
}

func TestNewRequiresStateSource(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, Dependencies{})
	require.Error(t, err)
}

func TestGetState(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, Dependencies{})
	rec := doGet(t, s, "/api/v1/state")
	require.Equal(t, http.StatusOK, rec.Code)

	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.InDelta(t, 42, got["frame_seq"], 0)
	assert.InDelta(t, 9.5, got["fps"], 0.001)
	assert.InDelta(t, 1, got["pending_alerts"], 0)

	readings, ok := got["readings"].([]any)
	require.True(t, ok)
	require.Len(t, readings, 1)
	first, ok := readings[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Stop", first["label"])
}

func TestGetFrame(t *testing.T) {
	t.Parallel()

	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	encode := func(got image.Image) ([]byte, error) {
		assert.Same(t, img, got)
		return []byte("jpeg-bytes"), nil
	}

	t.Run("disabled without encoder", func(t *testing.T) {
		t.Parallel()
		s := newTestServer(t, Dependencies{})
		assert.Equal(t, http.StatusNotFound, doGet(t, s, "/api/v1/frame.jpg").Code)
	})

	t.Run("no frame yet", func(t *testing.T) {
		t.Parallel()
		s := newTestServer(t, Dependencies{State: &fakeState{}, Encoder: encode})
		assert.Equal(t, http.StatusServiceUnavailable, doGet(t, s, "/api/v1/frame.jpg").Code)
	})

	t.Run("latest frame", func(t *testing.T) {
		t.Parallel()
		src := &fakeState{frame: pipeline.Frame{Seq: 7, Image: img, CapturedAt: testEpoch}, has: true}
		s := newTestServer(t, Dependencies{State: src, Encoder: encode})

		rec := doGet(t, s, "/api/v1/frame.jpg")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
		assert.Equal(t, "7", rec.Header().Get("X-Frame-Seq"))
		assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
		assert.Equal(t, "jpeg-bytes", rec.Body.String())
	})
}

func TestGetEvents(t *testing.T) {
	t.Parallel()

	t.Run("disabled without store", func(t *testing.T) {
		t.Parallel()
		s := newTestServer(t, Dependencies{})
		assert.Equal(t, http.StatusNotFound, doGet(t, s, "/api/v1/events").Code)
	})

	t.Run("lists records", func(t *testing.T) {
		t.Parallel()
		store := &fakeStore{
			events: []datastore.Event{{
				UUID:       "c0ffee00-0000-4000-8000-000000000001",
				Kind:       string(pipeline.EventKindRange),
				Timestamp:  "2025/03/14 09:26:53",
				CreatedAt:  testEpoch,
				Sensor:     "front",
				DistanceCM: 21,
				Message:    "Stop",
			}},
			counts: []datastore.KindCount{{Kind: "range", Count: 1}},
		}
		s := newTestServer(t, Dependencies{Store: store})

		rec := doGet(t, s, "/api/v1/events?kind=range&limit=5")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, pipeline.EventKindRange, store.gotKind)
		assert.Equal(t, 5, store.gotLimit)

		var got EventsResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		require.Len(t, got.Events, 1)
		assert.Equal(t, "c0ffee00-0000-4000-8000-000000000001", got.Events[0].ID)
		record, ok := got.Events[0].Record.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "Stop", record["message"])
		assert.Equal(t, "2025/03/14 09:26:53", record["timestamp"])
		assert.Equal(t, []datastore.KindCount{{Kind: "range", Count: 1}}, got.Counts)
	})

	t.Run("default limit", func(t *testing.T) {
		t.Parallel()
		store := &fakeStore{}
		s := newTestServer(t, Dependencies{Store: store})

		rec := doGet(t, s, "/api/v1/events")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, defaultEventLimit, store.gotLimit)
		assert.Empty(t, store.gotKind)
		assert.Contains(t, rec.Body.String(), `"events":[]`)
		assert.Contains(t, rec.Body.String(), `"counts":[]`)
	})

	badQueries := []string{"?kind=audio", "?kind=SOS", "?limit=0", "?limit=abc", "?limit=501"}
	for _, q := range badQueries {
		t.Run("bad query "+q, func(t *testing.T) {
			t.Parallel()
			s := newTestServer(t, Dependencies{Store: &fakeStore{}})
			assert.Equal(t, http.StatusBadRequest, doGet(t, s, "/api/v1/events"+q).Code)
		})
	}

	t.Run("store failure", func(t *testing.T) {
		t.Parallel()
		s := newTestServer(t, Dependencies{Store: &fakeStore{err: assert.AnError}})
		rec := doGet(t, s, "/api/v1/events")
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.NotContains(t, rec.Body.String(), assert.AnError.Error())
	})
}

func TestGetHealth(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, Dependencies{})
	rec := doGet(t, s, "/api/v1/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var got HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "ok", got.Status)
	assert.Equal(t, "cane-01", got.Device)
	assert.Positive(t, got.Goroutines)
	assert.InDelta(t, 9.5, got.Pipeline.FPS, 0.001)
	assert.Equal(t, 1, got.Pipeline.Sensors)
	assert.Equal(t, 3, got.Pipeline.UploadQueue.Len)
	assert.NotNil(t, got.Temperatures)
}

func TestGetHealthDegradedWhenQueueFull(t *testing.T) {
	t.Parallel()

	st := sampleState()
	st.UploadQueue.Len = st.UploadQueue.Capacity
	s := newTestServer(t, Dependencies{State: &fakeState{state: st}})

	hs := s.systemHealth(context.Background())
	assert.Equal(t, "degraded", hs.Status)
}

func TestMetricsRoute(t *testing.T) {
	t.Parallel()

	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("sidp_capture_fps 9.5\n"))
	})

	s := newTestServer(t, Dependencies{Metrics: metrics})
	rec := doGet(t, s, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "sidp_capture_fps")

	s = newTestServer(t, Dependencies{})
	assert.Equal(t, http.StatusNotFound, doGet(t, s, "/metrics").Code)
}

// wsFrame is the part of the pushed state the feed test inspects.
type wsFrame struct {
	FrameSeq uint64           `json:"frame_seq"`
	Readings []map[string]any `json:"readings"`
}

func TestWebSocketPushesState(t *testing.T) {
	t.Parallel()

	src := &fakeState{state: sampleState()}
	s := newTestServer(t, Dependencies{State: src})
	ts := httptest.NewServer(s.Echo)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var first wsFrame
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, uint64(42), first.FrameSeq)
	assert.Len(t, first.Readings, 1)

	src.mu.Lock()
	src.state.FrameSeq = 43
	src.mu.Unlock()

	for {
		var next wsFrame
		require.NoError(t, conn.ReadJSON(&next))
		if next.FrameSeq == 43 {
			break
		}
	}

	// Shutdown closes open feeds with a going-away close frame.
	require.NoError(t, s.Shutdown(context.Background()))
	for {
		var st wsFrame
		err := conn.ReadJSON(&st)
		if err == nil {
			continue
		}
		assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "unexpected error: %v", err)
		break
	}
}

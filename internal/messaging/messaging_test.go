package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sidperrors "github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/errors"
	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/logger"
	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/pipeline"
)

type fakeConn struct {
	msgs       []*nats.Msg
	publishErr error
	flushErr   error
	drainErr   error
	deadline   bool
	drained    bool
	closed     bool
}

func (f *fakeConn) PublishMsg(m *nats.Msg) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.msgs = append(f.msgs, m)
	return nil
}

func (f *fakeConn) FlushWithContext(ctx context.Context) error {
	_, f.deadline = ctx.Deadline()
	return f.flushErr
}

func (f *fakeConn) IsConnected() bool { return !f.closed }
func (f *fakeConn) Drain() error      { f.drained = true; return f.drainErr }
func (f *fakeConn) Close()            { f.closed = true }

func visionEvent() pipeline.UploadEvent {
	return pipeline.NewVisionEvent(pipeline.DetectionSet{
		{ClassName: "car", Confidence: 0.77, BBox: [4]int{1, 2, 3, 4}},
	}, time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC), time.UTC)
}

func TestUploadPublishesWithHeaders(t *testing.T) {
	t.Parallel()

	fc := &fakeConn{}
	s := newService(Config{Name: "cane-01", SubjectPrefix: "lab.sidp"}, fc, logger.NewDiscard())

	ev := visionEvent()
	require.NoError(t, s.Upload(context.Background(), ev))
	assert.True(t, fc.deadline, "flush needs a deadline")

	require.Len(t, fc.msgs, 1)
	msg := fc.msgs[0]
	assert.Equal(t, "lab.sidp.vision", msg.Subject)
	assert.Equal(t, ev.ID, msg.Header.Get(HeaderMsgID))
	assert.Equal(t, "cane-01", msg.Header.Get(HeaderDevice))
	assert.Equal(t, "vision", msg.Header.Get(HeaderKind))

	var record pipeline.VisionRecord
	require.NoError(t, json.Unmarshal(msg.Data, &record))
	assert.Equal(t, "2025/03/14 09:26:53", record.Timestamp)
	require.Len(t, record.ObjectsDetected, 1)
	assert.Equal(t, "car", record.ObjectsDetected[0].Name)
}

func TestUploadErrors(t *testing.T) {
	t.Parallel()

	s := newService(Config{}, &fakeConn{publishErr: nats.ErrConnectionClosed}, logger.NewDiscard())
	err := s.Upload(context.Background(), visionEvent())
	require.ErrorIs(t, err, nats.ErrConnectionClosed)
	assert.True(t, sidperrors.IsCategory(err, sidperrors.CategoryTransientIO))

	s = newService(Config{}, &fakeConn{flushErr: nats.ErrTimeout}, logger.NewDiscard())
	err = s.Upload(context.Background(), visionEvent())
	require.ErrorIs(t, err, nats.ErrTimeout)
	assert.True(t, sidperrors.IsTransient(err))

	s = newService(Config{}, &fakeConn{flushErr: context.Canceled}, logger.NewDiscard())
	err = s.Upload(context.Background(), visionEvent())
	assert.Equal(t, context.Canceled, err)
}

func TestCloseDrains(t *testing.T) {
	t.Parallel()

	fc := &fakeConn{}
	s := newService(Config{}, fc, logger.NewDiscard())
	require.NoError(t, s.Close())
	assert.True(t, fc.drained)
	assert.False(t, fc.closed)

	fc = &fakeConn{drainErr: errors.New("drain failed")}
	s = newService(Config{}, fc, logger.NewDiscard())
	require.NoError(t, s.Close())
	assert.True(t, fc.closed)
	assert.False(t, s.IsConnected())
}

func TestDefaults(t *testing.T) {
	t.Parallel()

	s := newService(Config{}, &fakeConn{}, logger.NewDiscard())
	assert.Equal(t, "sidp.events.range", s.Subject(pipeline.EventKindRange))
	assert.Equal(t, "sidp.events.sos", s.Subject(pipeline.EventKindSOS))
	assert.Equal(t, nats.DefaultURL, s.cfg.URL)
	assert.Equal(t, -1, s.cfg.MaxReconnects)
}

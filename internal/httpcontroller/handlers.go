package httpcontroller

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/datastore"
	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/logger"
	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/pipeline"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 500
)

// GetState returns the latest pipeline snapshot.
func (s *Server) GetState(c echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.State.State())
}

// GetFrame returns the most recent captured frame as JPEG.
func (s *Server) GetFrame(c echo.Context) error {
	if s.deps.Encoder == nil {
		return echo.NewHTTPError(http.StatusNotFound, "frame preview is disabled")
	}
	frame, ok := s.deps.State.LatestFrame()
	if !ok || frame.Image == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "no frame captured yet")
	}

	data, err := s.deps.Encoder(frame.Image)
	if err != nil {
		s.log.Warn("failed to encode preview frame", logger.Uint64("frame_seq", frame.Seq), logger.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to encode frame")
	}

	h := c.Response().Header()
	h.Set(echo.HeaderCacheControl, "no-store")
	h.Set("X-Frame-Seq", strconv.FormatUint(frame.Seq, 10))
	h.Set("X-Captured-At", frame.CapturedAt.Format(time.RFC3339Nano))
	return c.Blob(http.StatusOK, "image/jpeg", data)
}

// EventResponse is one stored event in the /api/v1/events listing.
type EventResponse struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
	Record    any       `json:"record"`
}

// EventsResponse is the /api/v1/events body.
type EventsResponse struct {
	Counts []datastore.KindCount `json:"counts"`
	Events []EventResponse       `json:"events"`
}

// GetEvents lists the most recent stored events. Query parameters: kind
// (vision, range or sos) and limit.
func (s *Server) GetEvents(c echo.Context) error {
	if s.deps.Store == nil {
		return echo.NewHTTPError(http.StatusNotFound, "event store is disabled")
	}

	var kind pipeline.EventKind
	if k := c.QueryParam("kind"); k != "" {
		parsed, ok := pipeline.ParseEventKind(k)
		if !ok {
			return echo.NewHTTPError(http.StatusBadRequest, "kind must be vision, range or sos")
		}
		kind = parsed
	}

	limit := defaultEventLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxEventLimit {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be between 1 and "+strconv.Itoa(maxEventLimit))
		}
		limit = n
	}

	ctx := c.Request().Context()
	events, err := s.deps.Store.Recent(ctx, kind, limit)
	if err != nil {
		s.log.Error("failed to query events", logger.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to query events")
	}
	counts, err := s.deps.Store.CountByKind(ctx)
	if err != nil {
		s.log.Error("failed to count events", logger.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to count events")
	}

	resp := EventsResponse{
		Counts: counts,
		Events: make([]EventResponse, 0, len(events)),
	}
	if resp.Counts == nil {
		resp.Counts = []datastore.KindCount{}
	}
	for i := range events {
		resp.Events = append(resp.Events, EventResponse{
			ID:        events[i].UUID,
			Kind:      events[i].Kind,
			CreatedAt: events[i].CreatedAt,
			Record:    events[i].Record(),
		})
	}
	return c.JSON(http.StatusOK, resp)
}

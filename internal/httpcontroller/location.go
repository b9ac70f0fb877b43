package httpcontroller

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/errors"
	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/logger"
	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/pipeline"
)

// NoFixText is spoken when a location is requested without a GPS fix.
const NoFixText = "Location unavailable. No GPS fix."

// LocationResponse is the /api/v1/location body.
type LocationResponse struct {
	Position pipeline.Position `json:"position"`
	Address  string            `json:"address,omitempty"`
	Spoken   []string          `json:"spoken,omitempty"`
}

// SOSResponse is the /api/v1/sos body.
type SOSResponse struct {
	ID     string             `json:"id"`
	Record pipeline.SOSRecord `json:"record"`
}

// CoordinatesText is the spoken form of pos.
func CoordinatesText(pos pipeline.Position) string {
	return fmt.Sprintf("Your coordinates are latitude %.5f and longitude %.5f.", pos.Latitude, pos.Longitude)
}

// AddressText is the spoken form of a reverse geocoded address.
func AddressText(address string) string {
	return "You are currently at: " + address + "."
}

// GetLocation returns the latest GPS fix and, with a geocoder, its address.
func (s *Server) GetLocation(c echo.Context) error {
	if s.deps.Assist == nil {
		return echo.NewHTTPError(http.StatusNotFound, "gps is disabled")
	}
	pos, ok := s.deps.Assist.Position()
	if !ok {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "no gps fix yet")
	}
	return c.JSON(http.StatusOK, LocationResponse{Position: pos, Address: s.address(c, pos)})
}

// AnnounceLocation speaks the coordinates and address of the latest fix.
func (s *Server) AnnounceLocation(c echo.Context) error {
	if s.deps.Assist == nil {
		return echo.NewHTTPError(http.StatusNotFound, "gps is disabled")
	}
	pos, ok := s.deps.Assist.Position()
	if !ok {
		s.deps.Assist.Announce(NoFixText, pipeline.PriorityInformational)
		return echo.NewHTTPError(http.StatusServiceUnavailable, "no gps fix yet")
	}

	resp := LocationResponse{Position: pos, Address: s.address(c, pos)}
	texts := []string{CoordinatesText(pos)}
	if resp.Address != "" {
		texts = append(texts, AddressText(resp.Address))
	}
	for _, text := range texts {
		if s.deps.Assist.Announce(text, pipeline.PriorityInformational) {
			resp.Spoken = append(resp.Spoken, text)
		}
	}
	return c.JSON(http.StatusAccepted, resp)
}

// address reverse geocodes pos. Failures are logged and leave it empty.
func (s *Server) address(c echo.Context, pos pipeline.Position) string {
	if s.deps.Geocode == nil {
		return ""
	}
	addr, err := s.deps.Geocode.ReverseGeocode(c.Request().Context(), pos.Latitude, pos.Longitude)
	if err != nil {
		s.log.Warn("reverse geocoding failed", logger.Error(err))
		return ""
	}
	return addr
}

// PostSOS sends an emergency call with the latest fix.
func (s *Server) PostSOS(c echo.Context) error {
	if s.deps.Assist == nil {
		return echo.NewHTTPError(http.StatusNotFound, "gps is disabled")
	}
	ev, err := s.deps.Assist.SendSOS(c.Request().Context())
	switch {
	case err == nil:
	case errors.Is(err, pipeline.ErrNoFix):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "no recent gps fix")
	case errors.Is(err, pipeline.ErrStopped):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "pipeline is shutting down")
	default:
		s.log.Error("sos failed", logger.Error(err))
		return echo.NewHTTPError(http.StatusBadGateway, "sos upload failed")
	}

	record, _ := ev.Record().(pipeline.SOSRecord)
	return c.JSON(http.StatusCreated, SOSResponse{ID: ev.ID, Record: record})
}

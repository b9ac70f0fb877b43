package httpcontroller

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/logger"
)

const (
	wsWriteTimeout = 5 * time.Second
	wsReadLimit    = 512
)

// HandleWebSocket upgrades the connection and pushes the pipeline state as
// JSON every PushInterval until the client goes away or the server shuts
// down. Client messages are read and discarded.
func (s *Server) HandleWebSocket(c echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.log.Debug("websocket upgrade failed", logger.Error(err))
		return nil
	}
	defer func() { _ = ws.Close() }()

	remote := c.RealIP()
	s.log.Debug("websocket client connected", logger.String("remote_ip", remote))

	gone := make(chan struct{})
	ws.SetReadLimit(wsReadLimit)
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.cfg.PushInterval)
	defer ticker.Stop()

	push := func() bool {
		_ = ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := ws.WriteJSON(s.deps.State.State()); err != nil {
			s.log.Debug("websocket write failed", logger.String("remote_ip", remote), logger.Error(err))
			return false
		}
		return true
	}

	if !push() {
		return nil
	}
	for {
		select {
		case <-ticker.C:
			if !push() {
				return nil
			}
		case <-gone:
			s.log.Debug("websocket client disconnected", logger.String("remote_ip", remote))
			return nil
		case <-s.done:
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
			_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			return nil
		}
	}
}

// Package httpcontroller serves the live preview of the pipeline: the latest
// state, the last frame, host health, stored events, Prometheus metrics and a
// websocket feed of the state. Handlers only read the pipeline cells; the
// location and SOS routes go through the supervisor's own methods.
package httpcontroller

import (
	"context"
	"image"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/datastore"
	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/errors"
	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/logger"
	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/pipeline"
)

const componentName = "httpcontroller"

// StateSource is the read side of the pipeline supervisor.
type StateSource interface {
	State() pipeline.State
	LatestFrame() (pipeline.Frame, bool)
}

// EventStore is the query side of the local datastore.
type EventStore interface {
	Recent(ctx context.Context, kind pipeline.EventKind, limit int) ([]datastore.Event, error)
	CountByKind(ctx context.Context) ([]datastore.KindCount, error)
}

// Assistant is the GPS side of the pipeline supervisor.
type Assistant interface {
	Position() (pipeline.Position, bool)
	Announce(text string, priority int) bool
	SendSOS(ctx context.Context) (pipeline.UploadEvent, error)
}

// Geocoder turns coordinates into a street address.
type Geocoder interface {
	ReverseGeocode(ctx context.Context, lat, lng float64) (string, error)
}

// FrameEncoder turns a captured frame into a JPEG.
type FrameEncoder func(img image.Image) ([]byte, error)

// Config holds the listener settings.
type Config struct {
	Listen          string
	PushInterval    time.Duration // websocket state push period
	ShutdownTimeout time.Duration
	Device          string // reported by /api/v1/health
	Version         string
	Commit          string
}

// Dependencies are the collaborators the handlers read from. Only State is
// required.
type Dependencies struct {
	State   StateSource
	Store   EventStore   // nil disables /api/v1/events
	Metrics http.Handler // nil disables /metrics
	Encoder FrameEncoder // nil disables /api/v1/frame.jpg
	Assist  Assistant    // nil disables /api/v1/location and /api/v1/sos
	Geocode Geocoder     // nil reports coordinates only
}

// Server wraps the echo instance serving the preview API.
type Server struct {
	Echo *echo.Echo

	cfg       Config
	deps      Dependencies
	upgrader  websocket.Upgrader
	startTime time.Time
	health    func(ctx context.Context) HealthStatus
	log       logger.Logger

	done     chan struct{} // closed on shutdown, stops websocket pushers
	doneOnce sync.Once
	errChan  chan error
}

// New builds the server and registers its routes. It does not listen until
// Start is called.
func New(cfg Config, deps Dependencies) (*Server, error) {
	if deps.State == nil {
		return nil, errors.Newf("http server requires a state source").
			Component(componentName).
			Category(errors.CategoryConfiguration).
			Build()
	}
	if cfg.PushInterval <= 0 {
		cfg.PushInterval = 500 * time.Millisecond
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 3 * time.Second
	}

	s := &Server{
		Echo:      echo.New(),
		cfg:       cfg,
		deps:      deps,
		startTime: time.Now(),
		log:       GetLogger(),
		done:      make(chan struct{}),
		errChan:   make(chan error, 1),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true // preview is served on the device LAN
			},
		},
	}
	s.health = s.systemHealth

	s.Echo.HideBanner = true
	s.Echo.HidePort = true
	s.Echo.IPExtractor = echo.ExtractIPDirect()

	s.configureMiddleware()
	s.initRoutes()
	return s, nil
}

// configureMiddleware sets up middleware for the server.
func (s *Server) configureMiddleware() {
	s.Echo.Use(middleware.Recover())
	s.Echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:   true,
		LogURI:      true,
		LogMethod:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []logger.Field{
				logger.String("method", v.Method),
				logger.String("uri", v.URI),
				logger.Int("status", v.Status),
				logger.Duration("latency", v.Latency),
				logger.String("remote_ip", v.RemoteIP),
			}
			if v.Error != nil {
				s.log.Warn("request failed", append(fields, logger.Error(v.Error))...)
				return nil
			}
			s.log.Debug("request", fields...)
			return nil
		},
	}))
}

// initRoutes registers the preview routes.
func (s *Server) initRoutes() {
	api := s.Echo.Group("/api/v1")
	api.GET("/state", s.GetState)
	api.GET("/health", s.GetHealth)
	api.GET("/frame.jpg", s.GetFrame)
	api.GET("/events", s.GetEvents)
	api.GET("/location", s.GetLocation)
	api.POST("/location/announce", s.AnnounceLocation)
	api.POST("/sos", s.PostSOS)

	s.Echo.GET("/ws", s.HandleWebSocket)
	if s.deps.Metrics != nil {
		s.Echo.GET("/metrics", echo.WrapHandler(s.deps.Metrics))
	}
}

// Start listens in the background. Listener failures are logged and
// delivered on Errors.
func (s *Server) Start() {
	go func() {
		err := s.Echo.Start(s.cfg.Listen)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server stopped", logger.String("listen", s.cfg.Listen), logger.Error(err))
			s.errChan <- errors.New(err).
				Component(componentName).
				Category(errors.CategoryNetwork).
				Context("listen", s.cfg.Listen).
				Build()
		}
	}()
	s.log.Info("http server started", logger.String("listen", s.cfg.Listen))
}

// Errors reports a listener failure after Start.
func (s *Server) Errors() <-chan error {
	return s.errChan
}

// Shutdown stops the websocket pushers and gracefully shuts the listener down
// within the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	s.doneOnce.Do(func() { close(s.done) })

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.Echo.Shutdown(ctx); err != nil {
		_ = s.Echo.Close()
		return errors.New(err).
			Component(componentName).
			Category(errors.CategoryTimeout).
			Timing("http-shutdown", s.cfg.ShutdownTimeout).
			Build()
	}
	s.log.Info("http server stopped")
	return nil
}

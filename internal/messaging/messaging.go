// Package messaging publishes pipeline records to NATS subjects.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/errors"
	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/logger"
	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/pipeline"
)

const componentName = "messaging"

// Message headers set on every record.
const (
	HeaderMsgID  = "Nats-Msg-Id" // event id, lets JetStream streams drop duplicates
	HeaderDevice = "Sidp-Device"
	HeaderKind   = "Sidp-Kind"
)

// Config configures the NATS publisher.
type Config struct {
	URL           string
	Name          string // connection name, usually the device name
	SubjectPrefix string // records go to {SubjectPrefix}.{kind}
	Timeout       time.Duration
	ReconnectWait time.Duration
	MaxReconnects int
}

// DefaultConfig returns the publisher defaults.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Name:          "sidp",
		SubjectPrefix: "sidp.events",
		Timeout:       5 * time.Second,
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// conn is the part of *nats.Conn the service uses.
type conn interface {
	PublishMsg(m *nats.Msg) error
	FlushWithContext(ctx context.Context) error
	IsConnected() bool
	Drain() error
	Close()
}

// Service publishes upload events as JSON. It implements pipeline.Sink.
type Service struct {
	cfg  Config
	conn conn
	log  logger.Logger
}

// NewService connects to the NATS server. The client reconnects forever by
// default; publishes made while disconnected are buffered by the client and
// confirmed by the flush in Upload.
func NewService(cfg Config) (*Service, error) {
	cfg = withDefaults(cfg)
	log := logger.Global().Module(componentName)

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.Timeout(cfg.Timeout),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.RetryOnFailedConnect(true),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", logger.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", logger.String("url", logger.RedactURL(nc.ConnectedUrl())))
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, errors.New(fmt.Errorf("failed to connect to nats: %w", err)).
			Component(componentName).
			Category(errors.CategoryResourceUnavailable).
			Context("url", logger.RedactURL(cfg.URL)).
			Build()
	}

	log.Info("nats connection established",
		logger.String("url", logger.RedactURL(cfg.URL)),
		logger.Bool("connected", nc.IsConnected()))
	return newService(cfg, nc, log), nil
}

func newService(cfg Config, c conn, log logger.Logger) *Service {
	return &Service{cfg: withDefaults(cfg), conn: c, log: log}
}

func withDefaults(cfg Config) Config {
	def := DefaultConfig()
	if cfg.URL == "" {
		cfg.URL = def.URL
	}
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = def.SubjectPrefix
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = def.ReconnectWait
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = def.MaxReconnects
	}
	return cfg
}

// Subject returns the subject of events of kind.
func (s *Service) Subject(kind pipeline.EventKind) string {
	return s.cfg.SubjectPrefix + "." + string(kind)
}

// Upload publishes the record of ev and waits until the server has
// processed it.
func (s *Service) Upload(ctx context.Context, ev pipeline.UploadEvent) error {
	payload, err := json.Marshal(ev.Record())
	if err != nil {
		return errors.New(err).
			Component(componentName).
			Category(errors.CategoryValidation).
			Build()
	}

	msg := nats.NewMsg(s.Subject(ev.Kind))
	msg.Data = payload
	msg.Header.Set(HeaderMsgID, ev.ID)
	msg.Header.Set(HeaderDevice, s.cfg.Name)
	msg.Header.Set(HeaderKind, string(ev.Kind))

	if err := s.conn.PublishMsg(msg); err != nil {
		return errors.TransientIO(fmt.Errorf("publish to %s: %w", msg.Subject, err), componentName)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}
	if err := s.conn.FlushWithContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return errors.NetworkError(fmt.Errorf("flush after publish to %s: %w", msg.Subject, err), logger.RedactURL(s.cfg.URL), s.cfg.Timeout)
	}

	s.log.WithContext(ctx).Trace("published",
		logger.String("subject", msg.Subject),
		logger.Int("size", len(payload)))
	return nil
}

// IsConnected reports whether the connection is up.
func (s *Service) IsConnected() bool {
	return s.conn != nil && s.conn.IsConnected()
}

// Close drains the connection so buffered messages are sent, falling back
// to an immediate close.
func (s *Service) Close() error {
	if s.conn == nil {
		return nil
	}
	if err := s.conn.Drain(); err != nil {
		s.log.Warn("failed to drain nats connection, closing immediately", logger.Error(err))
		s.conn.Close()
	}
	return nil
}

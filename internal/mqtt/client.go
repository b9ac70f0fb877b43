package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/errors"
	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/logger"
	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/pipeline"
)

const componentName = "mqtt"

// Client publishes upload events as JSON. It implements pipeline.Sink.
type Client struct {
	config Config
	mu     sync.Mutex
	conn   conn
	dial   func(*mqtt.ClientOptions) conn
	log    logger.Logger
	closed bool
}

// Option configures a Client.
type Option func(*Client)

// withDialer replaces the paho client factory.
func withDialer(dial func(*mqtt.ClientOptions) conn) Option {
	return func(c *Client) {
		c.dial = dial
	}
}

// NewClient creates an unconnected client.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	def := DefaultConfig()
	if cfg.Broker == "" {
		return nil, errors.Newf("mqtt broker is required").
			Component(componentName).
			Category(errors.CategoryConfiguration).
			Build()
	}
	if cfg.QoS > 2 {
		return nil, errors.Newf("invalid mqtt qos %d", cfg.QoS).
			Component(componentName).
			Category(errors.CategoryConfiguration).
			Build()
	}
	if cfg.Topic == "" {
		cfg.Topic = def.Topic
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = def.PublishTimeout
	}
	if cfg.DisconnectTimeout <= 0 {
		cfg.DisconnectTimeout = def.DisconnectTimeout
	}
	if cfg.ConnectRetryInterval <= 0 {
		cfg.ConnectRetryInterval = def.ConnectRetryInterval
	}
	if cfg.MaxReconnectInterval <= 0 {
		cfg.MaxReconnectInterval = def.MaxReconnectInterval
	}

	c := &Client{
		config: cfg,
		dial: func(o *mqtt.ClientOptions) conn {
			return pahoConn{c: mqtt.NewClient(o)}
		},
		log: logger.Global().Module(componentName),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Connect resolves the broker and connects. The paho client keeps retrying
// in the background when the first attempt times out, so a timeout is
// returned as a transient error and later publishes may still succeed.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errors.Newf("mqtt client is closed").
			Component(componentName).
			Category(errors.CategoryResourceUnavailable).
			Build()
	}
	if c.conn != nil {
		return nil
	}

	u, err := url.Parse(c.config.Broker)
	if err != nil {
		return errors.New(fmt.Errorf("invalid broker URL: %w", err)).
			Component(componentName).
			Category(errors.CategoryConfiguration).
			Build()
	}

	host := u.Hostname()
	if net.ParseIP(host) == nil {
		if _, err := net.DefaultResolver.LookupHost(ctx, host); err != nil {
			return errors.NetworkError(fmt.Errorf("failed to resolve hostname %s: %w", host, err), host, c.config.ConnectTimeout)
		}
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.config.Broker)
	opts.SetClientID(c.config.ClientID)
	opts.SetUsername(c.config.Username)
	opts.SetPassword(c.config.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(c.config.ConnectRetryInterval)
	opts.SetMaxReconnectInterval(c.config.MaxReconnectInterval)
	opts.SetConnectTimeout(c.config.ConnectTimeout)
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)

	c.conn = c.dial(opts)

	start := time.Now()
	tok := c.conn.Connect()
	if !tok.WaitTimeout(c.config.ConnectTimeout) {
		c.log.Warn("mqtt connection pending, retrying in background",
			logger.String("broker", logger.RedactURL(c.config.Broker)),
			logger.Duration("waited", time.Since(start)))
		return errors.NetworkError(fmt.Errorf("connection timeout"), logger.RedactURL(c.config.Broker), c.config.ConnectTimeout)
	}
	if err := tok.Error(); err != nil {
		return errors.New(fmt.Errorf("connection error: %w", err)).
			Component(componentName).
			Category(errors.CategoryTransientIO).
			Context("broker", logger.RedactURL(c.config.Broker)).
			Build()
	}
	return nil
}

// Publish sends payload to topic and waits for the broker acknowledgement
// of the configured QoS.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	c.mu.Lock()
	cn := c.conn
	c.mu.Unlock()

	if cn == nil || !cn.IsConnected() {
		return errors.New(fmt.Errorf("not connected to MQTT broker")).
			Component(componentName).
			Category(errors.CategoryTransientIO).
			Context("topic", topic).
			Build()
	}

	wait := c.config.PublishTimeout
	if deadline, ok := ctx.Deadline(); ok {
		wait = min(wait, time.Until(deadline))
	}

	tok := cn.Publish(topic, c.config.QoS, c.config.Retain, payload)
	if !tok.WaitTimeout(wait) {
		if err := ctx.Err(); err != nil {
			return err
		}
		return errors.NetworkError(fmt.Errorf("publish timeout for topic %s", topic), topic, wait)
	}
	if err := tok.Error(); err != nil {
		return errors.New(fmt.Errorf("publish failed: %w", err)).
			Component(componentName).
			Category(errors.CategoryTransientIO).
			Context("topic", topic).
			Build()
	}

	c.log.Trace("published",
		logger.String("topic", topic),
		logger.Int("size", len(payload)))
	return nil
}

// Upload publishes the record of ev to {topic}/{kind}.
func (c *Client) Upload(ctx context.Context, ev pipeline.UploadEvent) error {
	payload, err := json.Marshal(ev.Record())
	if err != nil {
		return errors.New(err).
			Component(componentName).
			Category(errors.CategoryValidation).
			Build()
	}
	return c.Publish(ctx, c.Topic(ev.Kind), payload)
}

// Topic returns the topic of events of kind.
func (c *Client) Topic(kind pipeline.EventKind) string {
	return c.config.Topic + "/" + string(kind)
}

// IsConnected returns true if the client is currently connected to the MQTT broker.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && c.conn.IsConnected()
}

// Close disconnects from the broker, letting in-flight messages finish for
// the disconnect timeout. It is idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	if c.conn != nil {
		c.conn.Disconnect(uint(c.config.DisconnectTimeout / time.Millisecond))
		c.log.Info("mqtt disconnected")
	}
	return nil
}

func (c *Client) onConnect(_ mqtt.Client) {
	c.log.Info("connected to mqtt broker", logger.String("broker", logger.RedactURL(c.config.Broker)))
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.log.Warn("connection to mqtt broker lost, will auto-reconnect",
		logger.String("broker", logger.RedactURL(c.config.Broker)),
		logger.Error(err))
}

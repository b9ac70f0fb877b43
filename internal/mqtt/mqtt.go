// mqtt.go: Package mqtt publishes pipeline records to an MQTT broker.
package mqtt

import (
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Config holds the configuration for the MQTT client.
type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string // base topic, records go to {Topic}/{kind}
	QoS      byte
	Retain   bool // true to retain messages at the broker
	// Connection timeouts
	ConnectTimeout    time.Duration
	PublishTimeout    time.Duration
	DisconnectTimeout time.Duration
	// Reconnect backoff of the paho client
	ConnectRetryInterval time.Duration
	MaxReconnectInterval time.Duration
}

// DefaultConfig returns a Config with reasonable default values
func DefaultConfig() Config {
	return Config{
		Topic:                "sidp",
		ConnectTimeout:       10 * time.Second,
		PublishTimeout:       5 * time.Second,
		DisconnectTimeout:    250 * time.Millisecond,
		ConnectRetryInterval: 2 * time.Second,
		MaxReconnectInterval: 30 * time.Second,
	}
}

// token is the part of mqtt.Token the client waits on.
type token interface {
	WaitTimeout(d time.Duration) bool
	Error() error
}

// conn is the part of mqtt.Client the sink uses.
type conn interface {
	Connect() token
	Publish(topic string, qos byte, retained bool, payload any) token
	IsConnected() bool
	Disconnect(quiesce uint)
}

// pahoConn adapts mqtt.Client to conn.
type pahoConn struct {
	c mqtt.Client
}

func (p pahoConn) Connect() token { return p.c.Connect() }

func (p pahoConn) Publish(topic string, qos byte, retained bool, payload any) token {
	return p.c.Publish(topic, qos, retained, payload)
}

func (p pahoConn) IsConnected() bool { return p.c.IsConnected() }

func (p pahoConn) Disconnect(quiesce uint) { p.c.Disconnect(quiesce) }

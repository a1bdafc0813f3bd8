// Package mqtt subscribes to the regeneration pipeline's MQTT topic and
// republishes each notification onto the regeneration event bus.
package mqtt

import (
	"context"
	"time"

	"github.com/catalogkit/assetview/internal/conf"
	"github.com/catalogkit/assetview/internal/events"
)

// Client defines the interface for the MQTT subscription.
type Client interface {
	// Connect connects to the broker and subscribes to the configured topic.
	Connect(ctx context.Context) error

	// IsConnected returns true if the client is currently connected to the broker.
	IsConnected() bool

	// Disconnect closes the connection to the broker.
	Disconnect()

	// Stats returns message counters.
	Stats() Stats
}

// Publisher accepts decoded events. events.Bus implements it.
type Publisher interface {
	TryPublish(event events.RegenerationEvent) bool
}

// Config holds the configuration for the MQTT client.
type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string
	QoS      byte

	ConnectTimeout    time.Duration
	SubscribeTimeout  time.Duration
	DisconnectTimeout time.Duration
	MaxReconnectDelay time.Duration
}

// Stats contains message counters
type Stats struct {
	Connected    bool   `json:"connected"`
	Received     uint64 `json:"received"`
	Published    uint64 `json:"published"`
	Dropped      uint64 `json:"dropped"`
	DecodeErrors uint64 `json:"decode_errors"`
}

// DefaultConfig returns a Config with reasonable default values
func DefaultConfig() Config {
	return Config{
		ClientID:          "assetview",
		Topic:             conf.DefaultRegenerationTopic,
		QoS:               1,
		ConnectTimeout:    30 * time.Second,
		SubscribeTimeout:  10 * time.Second,
		DisconnectTimeout: 250 * time.Millisecond,
		MaxReconnectDelay: 2 * time.Minute,
	}
}

// ConfigFromSettings builds a Config from the mqtt settings section
func ConfigFromSettings(s *conf.MQTTSettings) Config {
	c := DefaultConfig()
	c.Broker = s.Broker
	c.Username = s.Username
	c.Password = s.Password
	c.QoS = s.QoS
	if s.ClientID != "" {
		c.ClientID = s.ClientID
	}
	if s.Topic != "" {
		c.Topic = s.Topic
	}
	return c
}

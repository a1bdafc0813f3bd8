package mqtt

import (
	"context"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/catalogkit/assetview/internal/errors"
	"github.com/catalogkit/assetview/internal/logger"
	"github.com/catalogkit/assetview/internal/observability/metrics"
)

// client implements the Client interface.
type client struct {
	config    Config
	publisher Publisher
	newClient func(*paho.ClientOptions) paho.Client

	mu             sync.Mutex
	internalClient paho.Client

	received     atomic.Uint64
	published    atomic.Uint64
	dropped      atomic.Uint64
	decodeErrors atomic.Uint64

	logger  logger.Logger
	metrics *metrics.MQTTMetrics
}

// NewClient creates a subscriber that forwards decoded events to publisher.
func NewClient(config Config, publisher Publisher, log logger.Logger, m *metrics.MQTTMetrics) (Client, error) {
	if publisher == nil {
		return nil, errors.Newf("mqtt client requires a publisher").
			Component("mqtt").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if _, err := url.Parse(config.Broker); err != nil || config.Broker == "" {
		return nil, errors.Newf("invalid broker URL %q", config.Broker).
			Component("mqtt").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if log == nil {
		log = logger.Global().Module("mqtt")
	}
	defaults := DefaultConfig()
	if config.Topic == "" {
		config.Topic = defaults.Topic
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = defaults.ConnectTimeout
	}
	if config.SubscribeTimeout <= 0 {
		config.SubscribeTimeout = defaults.SubscribeTimeout
	}
	if config.DisconnectTimeout <= 0 {
		config.DisconnectTimeout = defaults.DisconnectTimeout
	}
	if config.MaxReconnectDelay <= 0 {
		config.MaxReconnectDelay = defaults.MaxReconnectDelay
	}

	return &client{
		config:    config,
		publisher: publisher,
		newClient: paho.NewClient,
		logger:    log.With(logger.String("broker", config.Broker), logger.String("topic", config.Topic)),
		metrics:   m,
	}, nil
}

// Connect resolves the broker host, connects and subscribes. Subscriptions
// are renewed by the on-connect handler after every automatic reconnect.
func (c *client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.internalClient != nil && c.internalClient.IsConnected() {
		return nil
	}

	u, err := url.Parse(c.config.Broker)
	if err != nil {
		return errors.New(err).
			Component("mqtt").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if host := u.Hostname(); host != "" && net.ParseIP(host) == nil {
		if _, err := net.DefaultResolver.LookupHost(ctx, host); err != nil {
			return errors.New(err).
				Component("mqtt").
				Category(errors.CategoryMQTT).
				Context("operation", "resolve_broker").
				Context("host", host).
				Build()
		}
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(c.config.Broker)
	opts.SetClientID(c.config.ClientID)
	opts.SetUsername(c.config.Username)
	opts.SetPassword(c.config.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(c.config.MaxReconnectDelay)
	opts.SetConnectTimeout(c.config.ConnectTimeout)
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetReconnectingHandler(c.onReconnecting)

	c.internalClient = c.newClient(opts)

	token := c.internalClient.Connect()
	if !waitToken(ctx, token, c.config.ConnectTimeout) {
		return errors.Newf("connection timeout").
			Component("mqtt").
			Category(errors.CategoryTimeout).
			Timing("connect", c.config.ConnectTimeout).
			Build()
	}
	if err := token.Error(); err != nil {
		return errors.New(err).
			Component("mqtt").
			Category(errors.CategoryMQTT).
			Context("operation", "connect").
			Build()
	}
	return nil
}

// waitToken waits for token until timeout or ctx is done
func waitToken(ctx context.Context, token paho.Token, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (c *client) onConnect(pc paho.Client) {
	c.metrics.UpdateConnectionStatus(true)
	c.logger.Info("connected to MQTT broker")

	token := pc.Subscribe(c.config.Topic, c.config.QoS, c.handleMessage)
	if !token.WaitTimeout(c.config.SubscribeTimeout) {
		c.logger.Error("subscribe timeout")
		return
	}
	if err := token.Error(); err != nil {
		err = errors.New(err).
			Component("mqtt").
			Category(errors.CategoryMQTT).
			Context("operation", "subscribe").
			Build()
		c.logger.Error("failed to subscribe", logger.Error(err))
	}
}

func (c *client) onConnectionLost(_ paho.Client, err error) {
	c.metrics.UpdateConnectionStatus(false)
	c.logger.Warn("connection to MQTT broker lost", logger.Error(err))
}

func (c *client) onReconnecting(paho.Client, *paho.ClientOptions) {
	c.metrics.IncrementReconnectAttempts()
	c.logger.Debug("reconnecting to MQTT broker")
}

// handleMessage decodes one message and forwards it without blocking
func (c *client) handleMessage(_ paho.Client, msg paho.Message) {
	payload := msg.Payload()
	c.received.Add(1)
	c.metrics.ObserveMessage(len(payload))

	event, err := decode(payload)
	if err != nil {
		c.decodeErrors.Add(1)
		c.metrics.IncrementDecodeErrors()
		c.logger.Warn("discarding undecodable regeneration message",
			logger.String("message_topic", msg.Topic()),
			logger.Int("size", len(payload)),
			logger.Error(err))
		return
	}

	if !c.publisher.TryPublish(event) {
		c.dropped.Add(1)
		c.logger.Debug("regeneration event not accepted by bus",
			logger.String("product_id", event.ProductID))
		return
	}
	c.published.Add(1)
}

// IsConnected returns true if the client is currently connected to the broker.
func (c *client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.internalClient != nil && c.internalClient.IsConnected()
}

// Disconnect unsubscribes and closes the connection to the broker.
func (c *client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.internalClient == nil {
		return
	}
	if c.internalClient.IsConnected() {
		c.internalClient.Unsubscribe(c.config.Topic).WaitTimeout(c.config.DisconnectTimeout)
	}
	c.internalClient.Disconnect(uint(c.config.DisconnectTimeout.Milliseconds()))
	c.internalClient = nil
	c.metrics.UpdateConnectionStatus(false)
	c.logger.Info("disconnected from MQTT broker")
}

// Stats returns message counters
func (c *client) Stats() Stats {
	return Stats{
		Connected:    c.IsConnected(),
		Received:     c.received.Load(),
		Published:    c.published.Load(),
		Dropped:      c.dropped.Load(),
		DecodeErrors: c.decodeErrors.Load(),
	}
}

// Package mqtt publishes position and routing telemetry to an MQTT broker.
package mqtt

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"

	"github.com/waypt/navcore/pkg"
	"github.com/waypt/navcore/pkg/config"
	"github.com/waypt/navcore/pkg/logx"
)

// Client publishes navcored telemetry. Disabled configuration makes every
// method a no-op, so callers never have to branch on it.
type Client struct {
	mu        sync.Mutex
	client    MQTT.Client
	logger    *logx.Logger
	config    config.MQTTConfig
	connected bool
}

// NewClient creates an MQTT publisher from the daemon configuration.
func NewClient(cfg config.MQTTConfig, logger *logx.Logger) *Client {
	return &Client{
		logger: logger,
		config: cfg,
	}
}

// Connect establishes the broker connection.
func (c *Client) Connect() error {
	if !c.config.Enabled {
		c.logger.Debug("MQTT publisher disabled")
		return nil
	}

	opts := MQTT.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", c.config.Broker, c.config.Port))
	opts.SetClientID(c.config.ClientID)
	if c.config.Username != "" {
		opts.SetUsername(c.config.Username)
		opts.SetPassword(c.config.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetOnConnectHandler(func(MQTT.Client) {
		c.mu.Lock()
		c.connected = true
		c.mu.Unlock()
		c.logger.Info("connected to MQTT broker", "broker", c.config.Broker)
	})
	opts.SetConnectionLostHandler(func(_ MQTT.Client, err error) {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		c.logger.Warn("MQTT connection lost", "error", err)
	})

	client := MQTT.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("timeout connecting to MQTT broker %s", c.config.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker %s: %w", c.config.Broker, err)
	}

	c.mu.Lock()
	c.client = client
	c.connected = true
	c.mu.Unlock()
	return nil
}

// Disconnect closes the broker connection.
func (c *Client) Disconnect() {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.connected = false
	c.mu.Unlock()

	if client != nil {
		client.Disconnect(250)
	}
}

// PublishPosition publishes an accepted fix on <prefix>/position.
func (c *Client) PublishPosition(fix pkg.Fix) {
	c.publish("position", fix)
}

// PublishEvent publishes a session event on <prefix>/events/<type>.
func (c *Client) PublishEvent(event pkg.Event) {
	c.publish("events/"+event.Type, event)
}

// PublishRouteState publishes the routing phase and build state on
// <prefix>/route.
func (c *Client) PublishRouteState(phase, build string) {
	c.publish("route", map[string]string{
		"phase": phase,
		"build": build,
	})
}

func (c *Client) publish(topic string, payload interface{}) {
	c.mu.Lock()
	client := c.client
	connected := c.connected
	c.mu.Unlock()

	if !c.config.Enabled || client == nil || !connected {
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		c.logger.Warn("failed to marshal MQTT payload", "topic", topic, "error", err)
		return
	}

	full := fmt.Sprintf("%s/%s", c.config.TopicPrefix, topic)
	token := client.Publish(full, byte(c.config.QoS), c.config.Retain, data)
	if !token.WaitTimeout(5 * time.Second) {
		c.logger.Warn("MQTT publish timed out", "topic", full)
		return
	}
	if err := token.Error(); err != nil {
		c.logger.Warn("MQTT publish failed", "topic", full, "error", err)
	}
}

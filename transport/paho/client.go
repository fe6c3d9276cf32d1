// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package paho implements the message-queue bridge client with the Eclipse
// Paho MQTT library.
package paho

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/mangoh/datarouter/internal/bridge/mqtt"
	"github.com/mangoh/datarouter/transport"
)

// ErrNotConnected is returned by Send while there is no open connection.
var ErrNotConnected = errors.New("mqtt client not connected")

// Options tunes the adapter. Zero values select defaults.
type Options struct {
	ConnectTimeout time.Duration
	QoS            byte
	// MessagesTopic and TasksTopic are formats taking the client ID.
	MessagesTopic string
	TasksTopic    string
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = transport.DefaultConnectTimeout
	}
	if o.MessagesTopic == "" {
		o.MessagesTopic = "%s/messages/json"
	}
	if o.TasksTopic == "" {
		o.TasksTopic = "%s/tasks/json"
	}
	return o
}

// Client implements mqtt.Client. Paho runs its callbacks on its own
// goroutines; registered handlers are invoked from there.
type Client struct {
	cfg  mqtt.ClientConfig
	opts Options
	log  *slog.Logger

	mu       sync.Mutex
	client   pahomqtt.Client
	next     int
	states   map[int]mqtt.StateHandler
	messages map[int]mqtt.MessageHandler
}

// NewFactory returns a mqtt.ClientFactory creating paho clients.
func NewFactory(opts Options, log *slog.Logger) mqtt.ClientFactory {
	return func(cfg mqtt.ClientConfig) (mqtt.Client, error) {
		return New(cfg, opts, log)
	}
}

// New creates an unconnected client.
func New(cfg mqtt.ClientConfig, opts Options, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	if _, err := transport.BrokerURL(cfg.Broker, cfg.Port); err != nil {
		return nil, err
	}
	return &Client{
		cfg:      cfg,
		opts:     opts.withDefaults(),
		log:      log.With("client", cfg.ClientID),
		states:   make(map[int]mqtt.StateHandler),
		messages: make(map[int]mqtt.MessageHandler),
	}, nil
}

func (c *Client) messagesTopic() string { return fmt.Sprintf(c.opts.MessagesTopic, c.cfg.ClientID) }

func (c *Client) tasksTopic() string { return fmt.Sprintf(c.opts.TasksTopic, c.cfg.ClientID) }

// Connect starts a connection attempt. The outcome is reported to the state
// handlers.
func (c *Client) Connect(password string) error {
	broker, err := transport.BrokerURL(c.cfg.Broker, c.cfg.Port)
	if err != nil {
		return err
	}

	o := pahomqtt.NewClientOptions()
	o.AddBroker(broker)
	o.SetClientID(c.cfg.ClientID)
	o.SetUsername(c.cfg.ClientID)
	o.SetPassword(password)
	o.SetKeepAlive(c.cfg.KeepAlive)
	o.SetConnectTimeout(c.opts.ConnectTimeout)
	o.SetCleanSession(true)
	// Reconnects are driven by the bridge's own timer.
	o.SetAutoReconnect(false)
	o.SetConnectRetry(false)
	o.SetOnConnectHandler(c.onConnect)
	o.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.log.Warn("MQTT connection lost", "err", err)
		c.emitState(false, err)
	})

	client := pahomqtt.NewClient(o)
	c.mu.Lock()
	old := c.client
	c.client = client
	c.mu.Unlock()
	if old != nil && old.IsConnected() {
		go old.Disconnect(uint(transport.DisconnectQuiesce / time.Millisecond))
	}

	c.log.Debug("Connecting", "broker", broker)
	token := client.Connect()
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			c.log.Error("MQTT connect failed", "broker", broker, "err", err)
			c.emitState(false, err)
		}
	}()
	return nil
}

func (c *Client) onConnect(client pahomqtt.Client) {
	topic := c.tasksTopic()
	token := client.Subscribe(topic, c.opts.QoS, c.onTask)
	if token.WaitTimeout(c.opts.ConnectTimeout) && token.Error() != nil {
		c.log.Error("Failed to subscribe to tasks", "topic", topic, "err", token.Error())
	}
	c.log.Info("MQTT connected", "topic", topic)
	c.emitState(true, nil)
}

func (c *Client) onTask(_ pahomqtt.Client, msg pahomqtt.Message) {
	var p transport.Payload
	if err := json.Unmarshal(msg.Payload(), &p); err != nil {
		c.log.Error("Invalid task payload", "topic", msg.Topic(), "err", err)
		return
	}
	if p.Key == "" {
		c.log.Error("Task payload without key", "topic", msg.Topic())
		return
	}
	c.mu.Lock()
	handlers := make([]mqtt.MessageHandler, 0, len(c.messages))
	for _, fn := range c.messages {
		handlers = append(handlers, fn)
	}
	c.mu.Unlock()
	for _, fn := range handlers {
		fn(mqtt.Message{Key: p.Key, Value: p.Value, Timestamp: p.Timestamp})
	}
}

func (c *Client) emitState(connected bool, err error) {
	c.mu.Lock()
	handlers := make([]mqtt.StateHandler, 0, len(c.states))
	for _, fn := range c.states {
		handlers = append(handlers, fn)
	}
	c.mu.Unlock()
	for _, fn := range handlers {
		fn(connected, err)
	}
}

// Disconnect closes the connection if there is one. In-flight messages get
// DisconnectQuiesce to finish in the background.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.mu.Unlock()
	if client == nil {
		return nil
	}
	if client.IsConnected() {
		go client.Disconnect(uint(transport.DisconnectQuiesce / time.Millisecond))
	}
	return nil
}

// Send publishes msg on the messages topic. It does not wait for delivery;
// delivery failures are logged.
func (c *Client) Send(msg mqtt.Message) error {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil || !client.IsConnectionOpen() {
		return ErrNotConnected
	}

	payload, err := json.Marshal(transport.Payload{Key: msg.Key, Value: msg.Value, Timestamp: msg.Timestamp})
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	topic := c.messagesTopic()
	token := client.Publish(topic, c.opts.QoS, false, payload)
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			c.log.Error("MQTT publish failed", "topic", topic, "key", msg.Key, "err", err)
		}
	}()
	return nil
}

// OnStateChange registers fn for connection state changes.
func (c *Client) OnStateChange(fn mqtt.StateHandler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.next
	c.next++
	c.states[id] = fn
	return func() {
		c.mu.Lock()
		delete(c.states, id)
		c.mu.Unlock()
	}
}

// OnMessage registers fn for updates received on the tasks topic.
func (c *Client) OnMessage(fn mqtt.MessageHandler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.next
	c.next++
	c.messages[id] = fn
	return func() {
		c.mu.Lock()
		delete(c.messages, id)
		c.mu.Unlock()
	}
}

// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package mqtt is the message-queue bridge. Each pushing session owns one
// upstream client, a bounded queue of updates written while the client is
// not connected, and a reconnect timer.
package mqtt

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mangoh/datarouter/internal/bridge"
	"github.com/mangoh/datarouter/internal/eventloop"
	"github.com/mangoh/datarouter/internal/metrics"
	"github.com/mangoh/datarouter/internal/session"
	"github.com/mangoh/datarouter/internal/store"
)

// ErrQueueFull is returned by Push when an update had to be dropped.
var ErrQueueFull = errors.New("outstanding request queue full")

const (
	DefaultPort              = 1883
	DefaultKeepAlive         = 20 * time.Second
	DefaultQueueCapacity     = 30
	DefaultReconnectInterval = 5 * time.Second
)

// State is the connection state of a bridge session.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	ConnectedPendingDisconnect
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case ConnectedPendingDisconnect:
		return "connected-pending-disconnect"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config holds bridge wide settings.
type Config struct {
	Port              int
	KeepAlive         time.Duration
	QueueCapacity     int
	ReconnectInterval time.Duration
	// ClientID overrides the client identifier. Empty uses the session ID.
	ClientID string
}

// DefaultConfig returns the stock broker settings.
func DefaultConfig() Config {
	return Config{
		Port:              DefaultPort,
		KeepAlive:         DefaultKeepAlive,
		QueueCapacity:     DefaultQueueCapacity,
		ReconnectInterval: DefaultReconnectInterval,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Port <= 0 {
		c.Port = d.Port
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = d.KeepAlive
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = d.QueueCapacity
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = d.ReconnectInterval
	}
	return c
}

// Request is a queued update. It is a copy of the item taken at push time.
type Request struct {
	Key       string
	Value     store.Value
	Timestamp uint32
}

func (r Request) message() Message {
	return Message{Key: r.Key, Value: bridge.FormatValue(r.Value), Timestamp: r.Timestamp}
}

// Session is the bridge state of one pushing router session. All methods
// must be called on the event loop.
type Session struct {
	id       session.ID
	cfg      Config
	password string
	client   Client
	sched    eventloop.Scheduler
	host     bridge.Host
	metrics  *metrics.Metrics
	log      *slog.Logger

	state   State
	queue   []Request
	timer   eventloop.Timer
	removes []func()

	// pendingEnd is set when the session ended while a connect was in flight.
	pendingEnd bool
	onEnded    func()
	closed     bool
}

// Deps bundles the collaborators of a bridge session.
type Deps struct {
	Factory   ClientFactory
	Scheduler eventloop.Scheduler
	Host      bridge.Host
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Start creates the upstream client for id and issues the first connect.
func Start(cfg Config, id session.ID, url, password string, deps Deps) (*Session, error) {
	cfg = cfg.withDefaults()
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = id.String()
	}
	client, err := deps.Factory(ClientConfig{
		Broker:    url,
		Port:      cfg.Port,
		KeepAlive: cfg.KeepAlive,
		ClientID:  clientID,
	})
	if err != nil {
		return nil, fmt.Errorf("create mqtt client: %w", err)
	}

	s := &Session{
		id:       id,
		cfg:      cfg,
		password: password,
		client:   client,
		sched:    deps.Scheduler,
		host:     deps.Host,
		metrics:  deps.Metrics,
		log:      log.With("session", id, "protocol", "mqtt"),
	}

	s.removes = append(s.removes,
		client.OnStateChange(func(connected bool, err error) {
			s.sched.Post(func() { s.handleState(connected, err) })
		}),
		client.OnMessage(func(msg Message) {
			s.sched.Post(func() { s.handleMessage(msg) })
		}),
	)

	s.log.Debug("Configured MQTT session", "broker", url, "port", cfg.Port, "keepalive", cfg.KeepAlive)
	s.connect()
	return s, nil
}

// State returns the connection state.
func (s *Session) State() State { return s.state }

// Queued returns the number of outstanding requests.
func (s *Session) Queued() int { return len(s.queue) }

func (s *Session) connect() {
	s.state = Connecting
	s.log.Debug("Connecting to broker")
	if err := s.client.Connect(s.password); err != nil {
		s.log.Error("MQTT connect failed", "err", err)
		s.metrics.UpstreamError("mqtt")
		s.handleState(false, err)
	}
}

func (s *Session) armReconnect() {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = s.sched.AfterFunc(s.cfg.ReconnectInterval, func() {
		s.timer = nil
		if s.closed {
			return
		}
		s.log.Debug("Reconnecting MQTT session")
		s.connect()
	})
}

func (s *Session) handleState(connected bool, err error) {
	if s.closed {
		return
	}
	s.log.Info("MQTT session state", "connected", connected, "err", err)

	if !connected {
		s.state = Disconnected
		if s.pendingEnd {
			// The deferred end cannot complete on this connection. Finish the
			// teardown instead of retrying.
			s.log.Debug("Deferred MQTT session end after failed connect", "dropped", len(s.queue))
			s.queue = nil
			s.teardown()
			return
		}
		s.armReconnect()
		return
	}

	s.state = Connected
	if s.pendingEnd {
		s.state = ConnectedPendingDisconnect
	}
	s.drain()

	if s.pendingEnd {
		s.log.Debug("Disconnecting MQTT session after deferred end")
		s.teardown()
	}
}

func (s *Session) drain() {
	pending := s.queue
	s.queue = nil
	for _, r := range pending {
		s.send(r)
	}
}

func (s *Session) send(r Request) {
	msg := r.message()
	s.log.Debug("MQTT <--", "key", msg.Key, "value", msg.Value, "timestamp", msg.Timestamp)
	if err := s.client.Send(msg); err != nil {
		s.log.Error("MQTT send failed", "key", msg.Key, "err", err)
		s.metrics.UpstreamError("mqtt")
		return
	}
	s.metrics.UpstreamSent("mqtt")
}

// Push forwards the item upstream, or queues a copy of it while the client
// is not connected. ErrQueueFull means the update was dropped.
func (s *Session) Push(it *store.Item) error {
	if s.closed {
		return nil
	}
	r := Request{Key: it.Key(), Value: it.Value(), Timestamp: it.Timestamp()}

	if s.state == Connected {
		s.send(r)
		return nil
	}

	if len(s.queue) >= s.cfg.QueueCapacity {
		s.log.Warn("Cannot queue data update", "key", r.Key, "capacity", s.cfg.QueueCapacity)
		s.metrics.QueueDropped("mqtt")
		return ErrQueueFull
	}
	s.log.Debug("Queued data update", "key", r.Key, "queued", len(s.queue)+1)
	s.queue = append(s.queue, r)
	return nil
}

// End ends the bridge session. It reports true when the session is torn
// down on return. While a connect is in flight the end is deferred and
// done is called once the connect resolves and queued updates are sent.
func (s *Session) End(done func()) bool {
	if s.closed {
		return true
	}
	if s.state == Connecting {
		s.log.Debug("Delayed MQTT session disconnect", "queued", len(s.queue))
		s.pendingEnd = true
		s.onEnded = done
		return false
	}

	if len(s.queue) > 0 {
		s.log.Warn("Dropping queued data updates on session end", "dropped", len(s.queue))
		s.queue = nil
	}
	s.onEnded = nil
	s.teardown()
	return true
}

func (s *Session) teardown() {
	s.closed = true
	if err := s.client.Disconnect(); err != nil {
		s.log.Error("MQTT disconnect failed", "err", err)
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	for _, remove := range s.removes {
		if remove != nil {
			remove()
		}
	}
	s.removes = nil
	s.state = Disconnected
	s.log.Debug("Removed MQTT session")

	if s.onEnded != nil {
		done := s.onEnded
		s.onEnded = nil
		done()
	}
}

// handleMessage applies an update from the broker to an existing item.
func (s *Session) handleMessage(msg Message) {
	if s.closed {
		return
	}
	s.log.Debug("MQTT -->", "key", msg.Key, "value", msg.Value, "timestamp", msg.Timestamp)

	it := s.host.Item(msg.Key)
	if it == nil || !it.HasValue() {
		s.log.Error("No data item for incoming MQTT message", "key", msg.Key)
		return
	}
	v, err := bridge.ParseValue(it.Type(), msg.Value)
	if err != nil {
		s.log.Error("Invalid incoming MQTT value", "key", msg.Key, "err", err)
		return
	}
	if err := it.Overwrite(v, msg.Timestamp); err != nil {
		s.log.Error("Failed to apply incoming MQTT value", "key", msg.Key, "err", err)
		return
	}
	s.host.Notify(session.MQTT, it)
}

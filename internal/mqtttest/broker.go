// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package mqtttest runs an in-process MQTT broker for adapter tests.
package mqtttest

import (
	"bytes"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"
)

// Message is a publish observed by the broker.
type Message struct {
	Topic   string
	Payload []byte
	Retain  bool
}

// Broker wraps a mochi server listening on a loopback port.
type Broker struct {
	Host string
	Port int

	server *mqtt.Server
	close  sync.Once

	mu         sync.Mutex
	published  []Message
	subscribed map[string]int
	changed    chan struct{}
	hold       chan struct{}
}

// Start launches a broker and stops it when the test ends.
func Start(t testing.TB) *Broker {
	t.Helper()

	port := freePort(t)
	b := &Broker{
		Host:       "127.0.0.1",
		Port:       port,
		server:     mqtt.New(&mqtt.Options{InlineClient: true}),
		subscribed: make(map[string]int),
		changed:    make(chan struct{}),
	}
	if err := b.server.AddHook(new(auth.AllowHook), nil); err != nil {
		t.Fatalf("add allow hook: %v", err)
	}
	if err := b.server.AddHook(&recorder{broker: b}, nil); err != nil {
		t.Fatalf("add recorder hook: %v", err)
	}
	tcp := listeners.NewTCP(listeners.Config{
		ID:      "t1",
		Address: net.JoinHostPort(b.Host, strconv.Itoa(port)),
	})
	if err := b.server.AddListener(tcp); err != nil {
		t.Fatalf("add listener: %v", err)
	}
	go func() {
		_ = b.server.Serve()
	}()
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func freePort(t testing.TB) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// Publish injects a message as if sent by a remote client.
func (b *Broker) Publish(topic string, payload []byte, retain bool) error {
	return b.server.Publish(topic, payload, retain, 0)
}

// Close stops the broker, dropping every client connection.
func (b *Broker) Close() error {
	var err error
	b.close.Do(func() { err = b.server.Close() })
	return err
}

// Published returns the messages observed on topic so far.
func (b *Broker) Published(topic string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Message
	for _, m := range b.published {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// WaitPublished waits until n messages were observed on topic.
func (b *Broker) WaitPublished(t testing.TB, topic string, n int, timeout time.Duration) []Message {
	t.Helper()
	var msgs []Message
	ok := b.wait(timeout, func() bool {
		msgs = b.Published(topic)
		return len(msgs) >= n
	})
	if !ok {
		t.Fatalf("got %d messages on %s, want %d", len(msgs), topic, n)
	}
	return msgs
}

// HoldSubscriptions stalls SUBSCRIBE and UNSUBSCRIBE handling until the
// returned release func is called. Release also runs when the test ends.
func (b *Broker) HoldSubscriptions(t testing.TB) (release func()) {
	hold := make(chan struct{})
	b.mu.Lock()
	b.hold = hold
	b.mu.Unlock()
	var once sync.Once
	release = func() {
		once.Do(func() {
			b.mu.Lock()
			b.hold = nil
			b.mu.Unlock()
			close(hold)
		})
	}
	t.Cleanup(release)
	return release
}

func (b *Broker) held() {
	b.mu.Lock()
	hold := b.hold
	b.mu.Unlock()
	if hold != nil {
		<-hold
	}
}

// Subscriptions returns the number of live subscriptions to filter.
func (b *Broker) Subscriptions(filter string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subscribed[filter]
}

// WaitSubscribed waits until some client subscribed to filter.
func (b *Broker) WaitSubscribed(t testing.TB, filter string, timeout time.Duration) {
	t.Helper()
	ok := b.wait(timeout, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.subscribed[filter] > 0
	})
	if !ok {
		t.Fatalf("no subscription to %s", filter)
	}
}

// WaitUnsubscribed waits until no subscription to filter is left.
func (b *Broker) WaitUnsubscribed(t testing.TB, filter string, timeout time.Duration) {
	t.Helper()
	ok := b.wait(timeout, func() bool {
		return b.Subscriptions(filter) == 0
	})
	if !ok {
		t.Fatalf("subscription to %s still present", filter)
	}
}

func (b *Broker) wait(timeout time.Duration, cond func() bool) bool {
	deadline := time.After(timeout)
	for {
		b.mu.Lock()
		changed := b.changed
		b.mu.Unlock()
		if cond() {
			return true
		}
		select {
		case <-changed:
		case <-deadline:
			return cond()
		}
	}
}

func (b *Broker) signal() {
	close(b.changed)
	b.changed = make(chan struct{})
}

type recorder struct {
	mqtt.HookBase
	broker *Broker
}

func (h *recorder) ID() string {
	return "recorder"
}

func (h *recorder) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mqtt.OnPublish,
		mqtt.OnSubscribe,
		mqtt.OnSubscribed,
		mqtt.OnUnsubscribe,
		mqtt.OnUnsubscribed,
	}, []byte{b})
}

func (h *recorder) OnSubscribe(_ *mqtt.Client, pk packets.Packet) packets.Packet {
	h.broker.held()
	return pk
}

func (h *recorder) OnUnsubscribe(_ *mqtt.Client, pk packets.Packet) packets.Packet {
	h.broker.held()
	return pk
}

func (h *recorder) OnPublish(_ *mqtt.Client, pk packets.Packet) (packets.Packet, error) {
	b := h.broker
	b.mu.Lock()
	b.published = append(b.published, Message{
		Topic:   pk.TopicName,
		Payload: append([]byte(nil), pk.Payload...),
		Retain:  pk.FixedHeader.Retain,
	})
	b.signal()
	b.mu.Unlock()
	return pk, nil
}

func (h *recorder) OnSubscribed(_ *mqtt.Client, pk packets.Packet, _ []byte) {
	b := h.broker
	b.mu.Lock()
	for _, f := range pk.Filters {
		b.subscribed[f.Filter]++
	}
	b.signal()
	b.mu.Unlock()
}

func (h *recorder) OnUnsubscribed(_ *mqtt.Client, pk packets.Packet) {
	b := h.broker
	b.mu.Lock()
	for _, f := range pk.Filters {
		if b.subscribed[f.Filter] > 0 {
			b.subscribed[f.Filter]--
		}
	}
	b.signal()
	b.mu.Unlock()
}

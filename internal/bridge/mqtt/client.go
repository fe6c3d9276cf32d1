// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package mqtt

import "time"

// Message is one key/value update exchanged with the broker.
type Message struct {
	Key       string
	Value     string
	Timestamp uint32
}

// StateHandler receives connection state changes. err is set when a
// connect attempt failed or the connection was lost.
type StateHandler func(connected bool, err error)

// MessageHandler receives updates sent down by the broker.
type MessageHandler func(msg Message)

// Client is the upstream message-queue client used by one bridge session.
//
// Connect and Disconnect return once the request is issued; the outcome is
// reported through the state handler. Handlers may be called on any goroutine.
type Client interface {
	Connect(password string) error
	Disconnect() error
	Send(msg Message) error
	OnStateChange(fn StateHandler) (remove func())
	OnMessage(fn MessageHandler) (remove func())
}

// ClientConfig describes the broker a session connects to.
type ClientConfig struct {
	Broker    string
	Port      int
	KeepAlive time.Duration
	ClientID  string
}

// ClientFactory creates the client for a new session.
type ClientFactory func(cfg ClientConfig) (Client, error)

// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package transport holds what the upstream adapters share.
//
// The router core never talks to the network itself. Each bridge consumes
// a small client interface (mqtt.Client, lwm2m.Service) and the packages
// below transport implement those interfaces on top of a real broker
// connection:
//
//   - transport/paho: the message-queue client, one connection per session.
//   - transport/avdata: asset instances for the device-management bridge,
//     all sharing one connection.
package transport

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	// DisconnectQuiesce is how long a client may finish in-flight work on disconnect.
	DisconnectQuiesce = 250 * time.Millisecond
	// DefaultConnectTimeout bounds a single connect attempt.
	DefaultConnectTimeout = 10 * time.Second
)

// BrokerURL turns a configured broker address into a URL the client
// library understands. Addresses without a scheme use tcp, and the port is
// added when the address does not carry one.
func BrokerURL(address string, port int) (string, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return "", fmt.Errorf("empty broker address")
	}
	if !strings.Contains(address, "://") {
		address = "tcp://" + address
	}
	u, err := url.Parse(address)
	if err != nil {
		return "", fmt.Errorf("invalid broker address %q: %w", address, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid broker address %q: missing host", address)
	}
	if u.Port() == "" && port > 0 {
		u.Host = net.JoinHostPort(u.Hostname(), strconv.Itoa(port))
	}
	return u.Scheme + "://" + u.Host, nil
}

// Payload is the JSON body of a key/value update on the wire.
type Payload struct {
	Key       string `json:"key"`
	Value     string `json:"value"`
	Timestamp uint32 `json:"timestamp"`
}

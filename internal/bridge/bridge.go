// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package bridge holds what the protocol bridges share: the protocol
// selector, the host callbacks they feed upstream data into, and the
// value text encoding used on the wire.
package bridge

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cast"

	"github.com/mangoh/datarouter/internal/session"
	"github.com/mangoh/datarouter/internal/store"
)

// Protocol selects the upstream bridge. It is chosen once per process.
type Protocol int

const (
	None Protocol = iota
	MQTT
	LWM2M
)

func (p Protocol) String() string {
	switch p {
	case MQTT:
		return "mqtt"
	case LWM2M:
		return "lwm2m"
	default:
		return "none"
	}
}

// ParseProtocol parses a protocol name from configuration.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "mqtt":
		return MQTT, nil
	case "lwm2m", "avc", "avdata":
		return LWM2M, nil
	case "none", "off":
		return None, nil
	default:
		return None, fmt.Errorf("unknown protocol: %q", s)
	}
}

// Host is implemented by the router. Bridges use it to apply values that
// arrive from upstream.
type Host interface {
	// Item returns the item for key or nil.
	Item(key string) *store.Item
	// Notify fans the item out to every handler not owned by writer.
	Notify(writer session.ID, it *store.Item)
}

// FormatValue renders v the way upstream peers expect it. Booleans are 1 or 0
// and floats use six decimals.
func FormatValue(v store.Value) string {
	switch v.Type() {
	case store.TypeBoolean:
		b, _ := v.AsBool()
		if b {
			return "1"
		}
		return "0"
	case store.TypeInteger:
		i, _ := v.AsInt()
		return strconv.FormatInt(int64(i), 10)
	case store.TypeFloat:
		f, _ := v.AsFloat()
		return strconv.FormatFloat(f, 'f', 6, 64)
	default:
		s, _ := v.AsString()
		return s
	}
}

// ParseValue converts upstream text into a value of type t.
func ParseValue(t store.Type, s string) (store.Value, error) {
	s = strings.TrimSpace(s)
	switch t {
	case store.TypeBoolean:
		b, err := cast.ToBoolE(s)
		if err != nil {
			return store.Value{}, fmt.Errorf("%w: bool %q", store.ErrInvalidValue, s)
		}
		return store.Bool(b), nil
	case store.TypeInteger:
		i, err := strconv.ParseInt(s, 10, 32)
		if err != nil {
			return store.Value{}, fmt.Errorf("%w: int %q", store.ErrInvalidValue, s)
		}
		return store.Int(int32(i)), nil
	case store.TypeFloat:
		f, err := cast.ToFloat64E(s)
		if err != nil {
			return store.Value{}, fmt.Errorf("%w: float %q", store.ErrInvalidValue, s)
		}
		return store.Float(f), nil
	case store.TypeString:
		v := store.String(s)
		if err := v.Validate(); err != nil {
			return store.Value{}, err
		}
		return v, nil
	default:
		return store.Value{}, fmt.Errorf("%w: type %d", store.ErrInvalidValue, t)
	}
}

// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package ipc carries router requests from local applications over
// websocket connections. Each connection is one caller identity.
package ipc

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/mangoh/datarouter/internal/bridge"
	"github.com/mangoh/datarouter/internal/router"
	"github.com/mangoh/datarouter/internal/store"
)

// Operations.
const (
	OpSessionStart = "session.start"
	OpSessionEnd   = "session.end"
	OpWrite        = "write"
	OpRead         = "read"
	OpSubscribe    = "subscribe"
	OpUnsubscribe  = "unsubscribe"
)

// Response statuses.
const (
	StatusOK              = "ok"
	StatusNotFound        = "not_found"
	StatusTypeMismatch    = "type_mismatch"
	StatusUnauthenticated = "unauthenticated"
	StatusInvalidArgument = "invalid_argument"
	StatusInternal        = "internal"
)

// EventUpdate is sent when a subscribed key was changed by someone else.
const EventUpdate = "update"

// ErrInvalidRequest is returned for malformed requests.
var ErrInvalidRequest = errors.New("invalid request")

// Request is one call from a client. Type is a type code (b, i, f, s) and
// Value is encoded with EncodeValue.
type Request struct {
	ID        uint64 `json:"id"`
	Op        string `json:"op"`
	Key       string `json:"key,omitempty"`
	Type      string `json:"type,omitempty"`
	Value     string `json:"value,omitempty"`
	Timestamp uint32 `json:"timestamp,omitempty"`

	// session.start
	App      string `json:"app,omitempty"`
	Push     bool   `json:"push,omitempty"`
	URL      string `json:"url,omitempty"`
	Password string `json:"password,omitempty"`
	Storage  string `json:"storage,omitempty"`

	// unsubscribe
	Handle uint64 `json:"handle,omitempty"`
}

// Response answers the request with the same ID.
type Response struct {
	ID        uint64 `json:"id"`
	Status    string `json:"status"`
	Type      string `json:"type,omitempty"`
	Value     string `json:"value,omitempty"`
	Timestamp uint32 `json:"timestamp,omitempty"`
	Handle    uint64 `json:"handle,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Event is an unsolicited update notification.
type Event struct {
	Event string `json:"event"`
	Key   string `json:"key"`
	Type  string `json:"type"`
}

// frame is what the client decodes: either a Response or an Event.
type frame struct {
	Response
	Event string `json:"event,omitempty"`
	Key   string `json:"key,omitempty"`
}

// EncodeValue renders v for the IPC wire. Floats use the shortest form that
// parses back to the same bits; strings are sent verbatim.
func EncodeValue(v store.Value) string {
	if f, err := v.AsFloat(); err == nil {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	return bridge.FormatValue(v)
}

// DecodeValue is the inverse of EncodeValue.
func DecodeValue(t store.Type, s string) (store.Value, error) {
	switch t {
	case store.TypeString:
		v := store.String(s)
		if err := v.Validate(); err != nil {
			return store.Value{}, err
		}
		return v, nil
	case store.TypeFloat:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return store.Value{}, fmt.Errorf("%w: float %q", store.ErrInvalidValue, s)
		}
		return store.Float(f), nil
	default:
		return bridge.ParseValue(t, s)
	}
}

// StatusOf maps an error to a response status.
func StatusOf(err error) string {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, store.ErrNotFound):
		return StatusNotFound
	case errors.Is(err, store.ErrTypeMismatch):
		return StatusTypeMismatch
	case errors.Is(err, router.ErrUnauthenticated):
		return StatusUnauthenticated
	case errors.Is(err, store.ErrInvalidKey),
		errors.Is(err, store.ErrInvalidValue),
		errors.Is(err, ErrInvalidRequest):
		return StatusInvalidArgument
	default:
		return StatusInternal
	}
}

// ErrorOf maps a response back to an error wrapping the matching sentinel.
func ErrorOf(resp Response) error {
	var sentinel error
	switch resp.Status {
	case StatusOK:
		return nil
	case StatusNotFound:
		sentinel = store.ErrNotFound
	case StatusTypeMismatch:
		sentinel = store.ErrTypeMismatch
	case StatusUnauthenticated:
		sentinel = router.ErrUnauthenticated
	case StatusInvalidArgument:
		sentinel = ErrInvalidRequest
	default:
		return fmt.Errorf("data router error: %s", resp.Error)
	}
	if resp.Error == "" {
		return sentinel
	}
	return fmt.Errorf("%w: %s", sentinel, resp.Error)
}

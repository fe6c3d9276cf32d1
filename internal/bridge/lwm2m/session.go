// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package lwm2m is the device-management bridge. A pushing session maps each
// key it writes to a field of its asset instance, and field changes made by
// the server flow back into the store.
package lwm2m

import (
	"fmt"
	"log/slog"

	"github.com/mangoh/datarouter/internal/bridge"
	"github.com/mangoh/datarouter/internal/eventloop"
	"github.com/mangoh/datarouter/internal/metrics"
	"github.com/mangoh/datarouter/internal/session"
	"github.com/mangoh/datarouter/internal/store"
)

// Deps bundles the collaborators of a bridge session.
type Deps struct {
	Service   Service
	Scheduler eventloop.Scheduler
	Host      bridge.Host
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Session is the bridge state of one pushing router session. All methods
// must be called on the event loop.
type Session struct {
	asset    string
	instance Instance
	sched    eventloop.Scheduler
	host     bridge.Host
	metrics  *metrics.Metrics
	log      *slog.Logger

	// fields maps field name to the remover of its change handler.
	fields map[string]func()
	closed bool
}

// Start creates the asset instance for a session.
func Start(id session.ID, asset string, deps Deps) (*Session, error) {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	inst, err := deps.Service.Create(asset)
	if err != nil {
		return nil, fmt.Errorf("create asset instance %q: %w", asset, err)
	}
	s := &Session{
		asset:    asset,
		instance: inst,
		sched:    deps.Scheduler,
		host:     deps.Host,
		metrics:  deps.Metrics,
		log:      log.With("session", id, "protocol", "lwm2m", "asset", asset),
		fields:   make(map[string]func()),
	}
	s.log.Debug("Created asset instance")
	return s, nil
}

// Fields returns the number of fields with a registered change handler.
func (s *Session) Fields() int { return len(s.fields) }

// Push sets the field named after the item key and makes sure server side
// changes to that field are observed.
func (s *Session) Push(it *store.Item) error {
	if s.closed {
		return nil
	}
	key := it.Key()
	v := it.Value()

	var err error
	switch v.Type() {
	case store.TypeBoolean:
		b, _ := v.AsBool()
		err = s.instance.SetBool(key, b)
	case store.TypeInteger:
		i, _ := v.AsInt()
		err = s.instance.SetInt(key, i)
	case store.TypeFloat:
		f, _ := v.AsFloat()
		err = s.instance.SetFloat(key, f)
	case store.TypeString:
		str, _ := v.AsString()
		err = s.instance.SetString(key, str)
	}
	if err != nil {
		s.log.Error("Failed to set asset field", "key", key, "err", err)
		s.metrics.UpstreamError("lwm2m")
		return err
	}
	s.log.Debug("LWM2M <--", "key", key, "value", v, "timestamp", it.Timestamp())
	s.metrics.UpstreamSent("lwm2m")

	if _, ok := s.fields[key]; ok {
		return nil
	}
	remove, err := s.instance.AddFieldEventHandler(key, func(field string) {
		s.sched.Post(func() { s.handleFieldEvent(field) })
	})
	if err != nil {
		s.log.Error("Failed to add field event handler", "key", key, "err", err)
		return err
	}
	s.fields[key] = remove
	return nil
}

func (s *Session) handleFieldEvent(field string) {
	if s.closed {
		return
	}
	if _, ok := s.fields[field]; !ok {
		return
	}
	it := s.host.Item(field)
	if it == nil || !it.HasValue() {
		s.log.Error("No data item for asset field", "key", field)
		return
	}

	var (
		v   store.Value
		err error
	)
	switch it.Type() {
	case store.TypeBoolean:
		var b bool
		b, err = s.instance.GetBool(field)
		v = store.Bool(b)
	case store.TypeInteger:
		var i int32
		i, err = s.instance.GetInt(field)
		v = store.Int(i)
	case store.TypeFloat:
		var f float64
		f, err = s.instance.GetFloat(field)
		v = store.Float(f)
	case store.TypeString:
		var str string
		str, err = s.instance.GetString(field)
		v = store.String(str)
	}
	if err != nil {
		s.log.Error("Failed to read asset field", "key", field, "err", err)
		return
	}
	if err := it.Overwrite(v, it.Timestamp()); err != nil {
		s.log.Error("Failed to apply asset field", "key", field, "err", err)
		return
	}
	s.log.Debug("LWM2M -->", "key", field, "value", v)
	s.host.Notify(session.LWM2M, it)
}

// End removes every field handler and deletes the asset instance.
func (s *Session) End() {
	if s.closed {
		return
	}
	s.closed = true
	for field, remove := range s.fields {
		if remove != nil {
			remove()
		}
		delete(s.fields, field)
	}
	if err := s.instance.Delete(); err != nil {
		s.log.Error("Failed to delete asset instance", "err", err)
	}
	s.log.Debug("Removed asset instance")
}

// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package router is the data router core. It validates caller sessions,
// applies writes to the store, forwards them to the session's upstream
// bridge and notifies the other sessions.
//
// A Router is not safe for concurrent use. All methods must be called on
// the event loop goroutine.
package router

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/mangoh/datarouter/internal/bridge"
	"github.com/mangoh/datarouter/internal/bridge/lwm2m"
	"github.com/mangoh/datarouter/internal/bridge/mqtt"
	"github.com/mangoh/datarouter/internal/eventloop"
	"github.com/mangoh/datarouter/internal/metrics"
	"github.com/mangoh/datarouter/internal/notify"
	"github.com/mangoh/datarouter/internal/persistence"
	"github.com/mangoh/datarouter/internal/session"
	"github.com/mangoh/datarouter/internal/store"
)

// ErrUnauthenticated is returned when the caller has no active session.
var ErrUnauthenticated = errors.New("no data router session")

// Config holds process wide router settings.
type Config struct {
	Protocol bridge.Protocol
	MQTT     mqtt.Config
}

// Deps bundles the router's collaborators. Nil persistence substrates
// disable the matching persistence.
type Deps struct {
	Store       *store.Store
	Scheduler   eventloop.Scheduler
	MQTTClients mqtt.ClientFactory
	Assets      lwm2m.Service
	Tree        persistence.Tree
	Vault       persistence.Vault
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// Router is the explicit router context.
type Router struct {
	cfg      Config
	store    *store.Store
	notify   *notify.Engine
	sessions *sessions

	sched       eventloop.Scheduler
	mqttClients mqtt.ClientFactory
	assets      lwm2m.Service
	tree        persistence.Tree
	vault       persistence.Vault
	metrics     *metrics.Metrics
	log         *slog.Logger
}

// New creates a router.
func New(cfg Config, deps Deps) *Router {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	st := deps.Store
	if st == nil {
		st = store.New(log)
	}
	return &Router{
		cfg:         cfg,
		store:       st,
		notify:      notify.New(st, deps.Metrics, log),
		sessions:    newSessions(),
		sched:       deps.Scheduler,
		mqttClients: deps.MQTTClients,
		assets:      deps.Assets,
		tree:        deps.Tree,
		vault:       deps.Vault,
		metrics:     deps.Metrics,
		log:         log,
	}
}

// Store returns the underlying store.
func (r *Router) Store() *store.Store { return r.store }

// Protocol returns the process wide upstream protocol.
func (r *Router) Protocol() bridge.Protocol { return r.cfg.Protocol }

// Session returns the session record for id, including ending sessions.
func (r *Router) Session(id session.ID) *Session { return r.sessions.get(id) }

// Sessions returns the number of session records.
func (r *Router) Sessions() int { return r.sessions.len() }

// Item implements bridge.Host.
func (r *Router) Item(key string) *store.Item { return r.store.Get(key) }

// Notify implements bridge.Host.
func (r *Router) Notify(writer session.ID, it *store.Item) {
	r.notify.Notify(writer, it)
}

// SessionStart creates a session for id. Starting an existing session is a
// no-op. When push is enabled the session gets a bridge for the configured
// protocol; a bridge that fails to start is logged and the session carries on
// without one.
func (r *Router) SessionStart(id session.ID, push PushConfig, policy store.Policy) error {
	if s := r.sessions.get(id); s != nil {
		r.log.Warn("Data router session already exists", "session", id, "ending", s.ending)
		return nil
	}

	s := &Session{id: id, policy: policy, push: push.Enabled}
	if push.Enabled {
		r.startBridge(s, push)
	}
	r.sessions.add(s)
	r.metrics.SessionStarted()
	r.log.Debug("Added session", "session", id, "push", push.Enabled, "protocol", s.protocol, "storage", policy)
	return nil
}

func (r *Router) startBridge(s *Session, push PushConfig) {
	switch r.cfg.Protocol {
	case bridge.MQTT:
		if r.mqttClients == nil {
			r.log.Error("No MQTT client available", "session", s.id)
			return
		}
		ms, err := mqtt.Start(r.cfg.MQTT, s.id, push.URL, push.Password, mqtt.Deps{
			Factory:   r.mqttClients,
			Scheduler: r.sched,
			Host:      r,
			Metrics:   r.metrics,
			Logger:    r.log,
		})
		if err != nil {
			r.log.Error("Failed to start MQTT session", "session", s.id, "err", err)
			return
		}
		s.protocol, s.mqtt = bridge.MQTT, ms

	case bridge.LWM2M:
		if r.assets == nil {
			r.log.Error("No asset service available", "session", s.id)
			return
		}
		ls, err := lwm2m.Start(s.id, push.URL, lwm2m.Deps{
			Service:   r.assets,
			Scheduler: r.sched,
			Host:      r,
			Metrics:   r.metrics,
			Logger:    r.log,
		})
		if err != nil {
			r.log.Error("Failed to start LWM2M session", "session", s.id, "err", err)
			return
		}
		s.protocol, s.lwm2m = bridge.LWM2M, ls

	case bridge.None:
	}
}

// SessionEnd ends the session of id. Its handlers are purged at once. The
// record is removed when the bridge has torn down, which for MQTT may happen
// after a pending connect resolves. Ending an unknown session only purges.
func (r *Router) SessionEnd(id session.ID) error {
	s := r.sessions.get(id)
	if s == nil {
		r.log.Warn("Session not found", "session", id)
		r.notify.Purge(id)
		return nil
	}
	if s.ending {
		return nil
	}

	r.log.Debug("Cleaning up session", "session", id)
	r.notify.Purge(id)

	switch s.protocol {
	case bridge.MQTT:
		s.ending = true
		if !s.mqtt.End(func() { r.removeSession(id) }) {
			r.log.Debug("Deferred session removal until MQTT connect resolves", "session", id)
			return nil
		}
	case bridge.LWM2M:
		s.lwm2m.End()
	}
	r.removeSession(id)
	return nil
}

func (r *Router) removeSession(id session.ID) {
	if r.sessions.remove(id) {
		r.metrics.SessionRemoved()
		r.log.Debug("Removed session", "session", id)
	}
}

func (r *Router) caller(id session.ID, op string) (*Session, error) {
	s := r.sessions.active(id)
	if s == nil {
		r.log.Error("Session not found. Call SessionStart() to create a session.", "session", id, "op", op)
		return nil, fmt.Errorf("%s: %w", op, ErrUnauthenticated)
	}
	return s, nil
}

func (r *Router) write(id session.ID, key string, v store.Value, timestamp uint32) error {
	s, err := r.caller(id, "write")
	if err != nil {
		return err
	}
	r.log.Debug("Write", "session", id, "key", key, "value", v, "timestamp", timestamp)

	if err := v.Validate(); err != nil {
		return err
	}
	it, err := r.store.CreateIfAbsent(key)
	if err != nil {
		return err
	}
	if err := r.store.Set(it, v, timestamp, s.policy); err != nil {
		return err
	}
	r.metrics.Write(v.Type().String())

	r.push(s, it)
	r.notify.Notify(id, it)
	return nil
}

func (r *Router) push(s *Session, it *store.Item) {
	if !s.push {
		return
	}
	switch s.protocol {
	case bridge.MQTT:
		// Drops are logged and counted by the bridge; the local write stands.
		_ = s.mqtt.Push(it)
	case bridge.LWM2M:
		_ = s.lwm2m.Push(it)
	}
}

// WriteBool writes a boolean value for key.
func (r *Router) WriteBool(id session.ID, key string, v bool, timestamp uint32) error {
	return r.write(id, key, store.Bool(v), timestamp)
}

// WriteInt writes an integer value for key.
func (r *Router) WriteInt(id session.ID, key string, v int32, timestamp uint32) error {
	return r.write(id, key, store.Int(v), timestamp)
}

// WriteFloat writes a floating point value for key.
func (r *Router) WriteFloat(id session.ID, key string, v float64, timestamp uint32) error {
	return r.write(id, key, store.Float(v), timestamp)
}

// WriteString writes a string value for key.
func (r *Router) WriteString(id session.ID, key string, v string, timestamp uint32) error {
	return r.write(id, key, store.String(v), timestamp)
}

func (r *Router) read(id session.ID, key string, t store.Type) (store.Value, uint32, error) {
	if _, err := r.caller(id, "read"); err != nil {
		return store.Value{}, 0, err
	}
	v, ts, err := r.store.Read(key, t)
	switch {
	case err == nil:
		r.metrics.Read("ok")
	case errors.Is(err, store.ErrNotFound):
		r.metrics.Read("not_found")
		r.log.Debug("Key not found", "session", id, "key", key)
	case errors.Is(err, store.ErrTypeMismatch):
		r.metrics.Read("type_mismatch")
		r.log.Warn("Type mismatch on read", "session", id, "key", key, "want", t)
	}
	return v, ts, err
}

// ReadBool reads a boolean value. On error the value is false.
func (r *Router) ReadBool(id session.ID, key string) (bool, uint32, error) {
	v, ts, err := r.read(id, key, store.TypeBoolean)
	if err != nil {
		return false, 0, err
	}
	b, _ := v.AsBool()
	return b, ts, nil
}

// ReadInt reads an integer value. On error the value is 0.
func (r *Router) ReadInt(id session.ID, key string) (int32, uint32, error) {
	v, ts, err := r.read(id, key, store.TypeInteger)
	if err != nil {
		return 0, 0, err
	}
	i, _ := v.AsInt()
	return i, ts, nil
}

// ReadFloat reads a floating point value. On error the value is 0.
func (r *Router) ReadFloat(id session.ID, key string) (float64, uint32, error) {
	v, ts, err := r.read(id, key, store.TypeFloat)
	if err != nil {
		return 0, 0, err
	}
	f, _ := v.AsFloat()
	return f, ts, nil
}

// ReadString reads a string value. On error the value is "".
func (r *Router) ReadString(id session.ID, key string) (string, uint32, error) {
	v, ts, err := r.read(id, key, store.TypeString)
	if err != nil {
		return "", 0, err
	}
	s, _ := v.AsString()
	return s, ts, nil
}

// AddUpdateHandler subscribes the caller to updates of key made by other
// sessions or by the upstream bridge.
func (r *Router) AddUpdateHandler(id session.ID, key string, fn store.HandlerFunc, ctx any) (*store.Handler, error) {
	if _, err := r.caller(id, "subscribe"); err != nil {
		return nil, err
	}
	return r.notify.Subscribe(id, key, fn, ctx)
}

// RemoveUpdateHandler removes a handler previously returned to the caller.
// Handlers owned by other sessions are left alone.
func (r *Router) RemoveUpdateHandler(id session.ID, h *store.Handler) error {
	if _, err := r.caller(id, "unsubscribe"); err != nil {
		return err
	}
	if h == nil {
		return nil
	}
	if h.Owner() != id {
		r.log.Warn("Handler belongs to another session", "session", id, "owner", h.Owner())
		return nil
	}
	r.notify.Unsubscribe(h)
	return nil
}

// Restore loads persisted items into the store.
func (r *Router) Restore() (int, error) {
	n, err := persistence.Restore(r.store, r.tree, r.vault, r.log)
	if err != nil {
		r.metrics.PersistenceFailure("restore")
	}
	r.log.Info("Restored persisted data", "items", n)
	return n, err
}

// Flush writes persist-eligible items to their substrates.
func (r *Router) Flush() error {
	r.log.Info("Data router persistence started")
	err := persistence.Flush(r.store, r.tree, r.vault, r.log)
	if err != nil {
		r.metrics.PersistenceFailure("flush")
		r.log.Error("Data router persistence failed", "err", err)
		return err
	}
	r.log.Info("Data router persistence completed")
	return nil
}

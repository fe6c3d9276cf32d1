// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package notify manages update handlers and fans committed values out to them.
package notify

import (
	"log/slog"

	"github.com/mangoh/datarouter/internal/metrics"
	"github.com/mangoh/datarouter/internal/session"
	"github.com/mangoh/datarouter/internal/store"
)

// Engine owns the subscription lifecycle on top of the store's per-item handler lists.
type Engine struct {
	store   *store.Store
	log     *slog.Logger
	metrics *metrics.Metrics
}

// New creates an Engine over s.
func New(s *store.Store, m *metrics.Metrics, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{store: s, log: log, metrics: m}
}

// Subscribe installs a handler for owner on key, creating the item if needed.
// If owner already has a handler on key, that handler is returned unchanged.
func (e *Engine) Subscribe(owner session.ID, key string, fn store.HandlerFunc, ctx any) (*store.Handler, error) {
	it, err := e.store.CreateIfAbsent(key)
	if err != nil {
		return nil, err
	}

	if h := it.HandlerFor(owner); h != nil {
		e.log.Warn("Session already has a handler for key", "session", owner, "key", key)
		return h, nil
	}

	h := store.NewHandler(owner, fn, ctx)
	it.AddHandler(h)
	e.log.Debug("Registered update handler", "session", owner, "key", key)
	return h, nil
}

// Unsubscribe removes h from its item. Removing an already removed handler is a no-op.
func (e *Engine) Unsubscribe(h *store.Handler) bool {
	if h == nil || h.Removed() || h.Item() == nil {
		return false
	}
	removed := h.Item().RemoveHandler(h)
	if removed {
		e.log.Debug("Removed update handler", "session", h.Owner(), "key", h.Item().Key())
	}
	return removed
}

// Notify invokes every handler on it that is not owned by writer, in registration order.
// It returns the number of handlers invoked.
func (e *Engine) Notify(writer session.ID, it *store.Item) int {
	n := 0
	for _, h := range it.Handlers() {
		// A handler may have been removed by an earlier callback in this pass.
		if h.Removed() || h.Owner() == writer {
			continue
		}
		e.log.Debug("Calling update handler", "key", it.Key(), "session", h.Owner(), "writer", writer)
		h.Invoke()
		n++
	}
	e.metrics.Notified(n)
	return n
}

// Purge removes every handler owned by owner from every item.
func (e *Engine) Purge(owner session.ID) int {
	total := 0
	e.store.Range(func(it *store.Item) bool {
		total += it.RemoveHandlers(func(h *store.Handler) bool { return h.Owner() == owner })
		return true
	})
	if total > 0 {
		e.log.Debug("Purged update handlers", "session", owner, "count", total)
	}
	return total
}

// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package store

import "github.com/mangoh/datarouter/internal/session"

// HandlerFunc is called when an item a session subscribed to is updated by someone else.
type HandlerFunc func(t Type, key string, ctx any)

// Handler is one subscription: a callback owned by a session and bound to one item.
type Handler struct {
	owner   session.ID
	fn      HandlerFunc
	ctx     any
	item    *Item
	removed bool
}

// NewHandler creates a handler owned by owner. It is not attached to any item yet.
func NewHandler(owner session.ID, fn HandlerFunc, ctx any) *Handler {
	return &Handler{owner: owner, fn: fn, ctx: ctx}
}

// Owner returns the session that registered the handler.
func (h *Handler) Owner() session.ID { return h.owner }

// Item returns the item the handler is installed on.
func (h *Handler) Item() *Item { return h.item }

// Removed reports whether the handler has been detached from its item.
func (h *Handler) Removed() bool { return h.removed }

// Invoke calls the callback with the item's current type.
func (h *Handler) Invoke() {
	if h.fn == nil || h.item == nil {
		return
	}
	h.fn(h.item.value.typ, h.item.key, h.ctx)
}

// Snapshot is a copy of an item's data, detached from the live item.
type Snapshot struct {
	Key       string
	Value     Value
	Timestamp uint32
}

// Item is one typed, timestamped value addressed by key.
type Item struct {
	key       string
	value     Value
	timestamp uint32
	policy    Policy
	valid     bool
	handlers  []*Handler
}

func newItem(key string) *Item {
	return &Item{key: key}
}

// Key returns the item key.
func (it *Item) Key() string { return it.key }

// Value returns the current value. Meaningless unless HasValue is true.
func (it *Item) Value() Value { return it.value }

// Type returns the type of the current value.
func (it *Item) Type() Type { return it.value.typ }

// Timestamp returns the producer supplied timestamp of the current value.
func (it *Item) Timestamp() uint32 { return it.timestamp }

// Policy returns the storage policy of the item.
func (it *Item) Policy() Policy { return it.policy }

// HasValue reports whether the item has been written at least once.
// Items created by a subscription have no value until the first write.
func (it *Item) HasValue() bool { return it.valid }

// Snapshot returns a copy of the item's key, value and timestamp.
func (it *Item) Snapshot() Snapshot {
	return Snapshot{Key: it.key, Value: it.value, Timestamp: it.timestamp}
}

// Overwrite replaces value and timestamp without touching the storage policy.
// It is used by upstream sync paths, which do not own the item's policy.
func (it *Item) Overwrite(v Value, timestamp uint32) error {
	if err := v.Validate(); err != nil {
		return err
	}
	it.value = v
	it.timestamp = timestamp
	it.valid = true
	return nil
}

// Handlers returns a copy of the handler list in registration order.
func (it *Item) Handlers() []*Handler {
	out := make([]*Handler, len(it.handlers))
	copy(out, it.handlers)
	return out
}

// HandlerFor returns the handler owned by owner, or nil.
func (it *Item) HandlerFor(owner session.ID) *Handler {
	for _, h := range it.handlers {
		if h.owner == owner {
			return h
		}
	}
	return nil
}

// AddHandler appends h to the handler list and binds it to the item.
func (it *Item) AddHandler(h *Handler) {
	h.item = it
	h.removed = false
	it.handlers = append(it.handlers, h)
}

// RemoveHandler detaches h. It returns false if h was not installed on the item.
func (it *Item) RemoveHandler(h *Handler) bool {
	return it.RemoveHandlers(func(c *Handler) bool { return c == h }) == 1
}

// RemoveHandlers detaches every handler matching fn and returns how many were removed.
func (it *Item) RemoveHandlers(match func(*Handler) bool) int {
	kept := it.handlers[:0]
	removed := 0
	for _, h := range it.handlers {
		if match(h) {
			h.removed = true
			removed++
			continue
		}
		kept = append(kept, h)
	}
	for i := len(kept); i < len(it.handlers); i++ {
		it.handlers[i] = nil
	}
	it.handlers = kept
	return removed
}

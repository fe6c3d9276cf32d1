// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package store holds the router's typed key/value items.
//
// The store is not safe for concurrent use. All access happens on the router's
// event loop goroutine.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

var (
	// ErrNotFound is returned when reading a key that has never been written.
	ErrNotFound = errors.New("key not found")
	// ErrTypeMismatch is returned when the read accessor does not match the stored type.
	ErrTypeMismatch = errors.New("type mismatch")
	// ErrInvalidKey is returned for empty, oversized or malformed keys.
	ErrInvalidKey = errors.New("invalid key")
	// ErrInvalidValue is returned for values the store cannot hold.
	ErrInvalidValue = errors.New("invalid value")
)

// Store maps keys to items. Items are never deleted during the process lifetime.
type Store struct {
	items map[string]*Item
	log   *slog.Logger
}

// New creates an empty store.
func New(log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		items: make(map[string]*Item),
		log:   log,
	}
}

// ValidateKey checks that key can be used as an item key.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if len(key) > MaxKeyLen {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalidKey, len(key), MaxKeyLen)
	}
	if strings.ContainsRune(key, 0) {
		return fmt.Errorf("%w: contains NUL", ErrInvalidKey)
	}
	return nil
}

// Get returns the item for key, or nil.
func (s *Store) Get(key string) *Item {
	return s.items[key]
}

// CreateIfAbsent returns the item for key, creating an empty one if needed.
func (s *Store) CreateIfAbsent(key string) (*Item, error) {
	if it, ok := s.items[key]; ok {
		return it, nil
	}
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	it := newItem(key)
	s.install(it)
	return it, nil
}

// install puts it into the map. A previously installed item for the same key is
// discarded and the replacement is logged.
func (s *Store) install(it *Item) {
	if old, ok := s.items[it.key]; ok && old != it {
		s.log.Warn("Replaced existing data item", "key", it.key)
	}
	s.log.Debug("Create data item", "key", it.key)
	s.items[it.key] = it
}

// Set overwrites type, value, timestamp and policy of it as a single update.
// Nothing is changed if the value is rejected.
func (s *Store) Set(it *Item, v Value, timestamp uint32, policy Policy) error {
	if err := v.Validate(); err != nil {
		return err
	}
	it.value = v
	it.timestamp = timestamp
	it.policy = policy
	it.valid = true
	return nil
}

// Restore installs a fully populated item, replacing any existing item for key.
// It is used when loading persisted data at startup.
func (s *Store) Restore(key string, v Value, timestamp uint32, policy Policy) (*Item, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if err := v.Validate(); err != nil {
		return nil, err
	}
	it := newItem(key)
	it.value = v
	it.timestamp = timestamp
	it.policy = policy
	it.valid = true
	s.install(it)
	return it, nil
}

// Read returns the value and timestamp of key, checked against the wanted type.
func (s *Store) Read(key string, want Type) (Value, uint32, error) {
	it, ok := s.items[key]
	if !ok || !it.valid {
		return Value{typ: want}, 0, ErrNotFound
	}
	if it.value.typ != want {
		return Value{typ: want}, 0, ErrTypeMismatch
	}
	return it.value, it.timestamp, nil
}

// ReadBool returns the boolean value of key. On error the value is false.
func (s *Store) ReadBool(key string) (bool, uint32, error) {
	v, ts, err := s.Read(key, TypeBoolean)
	if err != nil {
		return false, 0, err
	}
	b, _ := v.AsBool()
	return b, ts, nil
}

// ReadInt returns the integer value of key. On error the value is 0.
func (s *Store) ReadInt(key string) (int32, uint32, error) {
	v, ts, err := s.Read(key, TypeInteger)
	if err != nil {
		return 0, 0, err
	}
	i, _ := v.AsInt()
	return i, ts, nil
}

// ReadFloat returns the floating point value of key. On error the value is 0.
func (s *Store) ReadFloat(key string) (float64, uint32, error) {
	v, ts, err := s.Read(key, TypeFloat)
	if err != nil {
		return 0, 0, err
	}
	f, _ := v.AsFloat()
	return f, ts, nil
}

// ReadString returns the string value of key. On error the value is "".
func (s *Store) ReadString(key string) (string, uint32, error) {
	v, ts, err := s.Read(key, TypeString)
	if err != nil {
		return "", 0, err
	}
	str, _ := v.AsString()
	return str, ts, nil
}

// Len returns the number of items.
func (s *Store) Len() int {
	return len(s.items)
}

// Range calls fn for every item in key order until fn returns false.
func (s *Store) Range(fn func(*Item) bool) {
	keys := make([]string, 0, len(s.items))
	for k := range s.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !fn(s.items[k]) {
			return
		}
	}
}

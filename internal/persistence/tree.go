// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package persistence stores router items across restarts. Plaintext items
// live in a hierarchical config tree, encrypted items in a sealed blob vault.
package persistence

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrNotFound is returned when a path or blob does not exist.
var ErrNotFound = errors.New("not found")

// Tree is a hierarchical config store addressed by slash separated paths.
// Leaves hold bool, integer, float or string values. Changes become durable
// on Commit.
type Tree interface {
	// Get returns the leaf value at path.
	Get(path string) (any, bool)
	// Set writes a leaf, creating intermediate nodes.
	Set(path string, v any) error
	// Children returns the sorted names of the direct children of path.
	Children(path string) []string
	// Delete removes the node at path and everything below it.
	Delete(path string)
	// Commit makes all changes durable.
	Commit() error
	Close() error
}

// Join builds a tree path from segments.
func Join(segments ...string) string {
	return "/" + strings.Join(segments, "/")
}

func splitPath(path string) []string {
	var parts []string
	for _, p := range strings.Split(path, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

// nodeTree is the in-memory tree shared by every backend. Interior nodes are
// map[string]any and everything else is a leaf.
type nodeTree struct {
	root map[string]any
}

func newNodeTree() *nodeTree {
	return &nodeTree{root: make(map[string]any)}
}

func (t *nodeTree) lookup(path string) (any, bool) {
	var cur any = t.root
	for _, p := range splitPath(path) {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func (t *nodeTree) Get(path string) (any, bool) {
	v, ok := t.lookup(path)
	if !ok {
		return nil, false
	}
	if _, dir := v.(map[string]any); dir {
		return nil, false
	}
	return v, true
}

func (t *nodeTree) Set(path string, v any) error {
	parts := splitPath(path)
	if len(parts) == 0 {
		return fmt.Errorf("set %q: empty path", path)
	}
	switch v.(type) {
	case bool, int, int32, int64, uint32, float32, float64, string:
	default:
		return fmt.Errorf("set %q: unsupported leaf type %T", path, v)
	}

	cur := t.root
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[p] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = v
	return nil
}

func (t *nodeTree) Children(path string) []string {
	v, ok := t.lookup(path)
	if !ok {
		return nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (t *nodeTree) Delete(path string) {
	parts := splitPath(path)
	if len(parts) == 0 {
		t.root = make(map[string]any)
		return
	}
	v, ok := t.lookup(Join(parts[:len(parts)-1]...))
	if !ok {
		return
	}
	if m, ok := v.(map[string]any); ok {
		delete(m, parts[len(parts)-1])
	}
}

// replace swaps in a decoded document, normalizing nested maps.
func (t *nodeTree) replace(doc map[string]any) {
	if doc == nil {
		doc = make(map[string]any)
	}
	t.root = normalize(doc)
}

func normalize(m map[string]any) map[string]any {
	for k, v := range m {
		switch c := v.(type) {
		case map[string]any:
			m[k] = normalize(c)
		case map[any]any:
			n := make(map[string]any, len(c))
			for ck, cv := range c {
				n[fmt.Sprint(ck)] = cv
			}
			m[k] = normalize(n)
		}
	}
	return m
}

// leaves walks the tree and calls fn for every leaf with its full path.
func (t *nodeTree) leaves(fn func(path string, v any)) {
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			p := prefix + "/" + k
			if child, ok := m[k].(map[string]any); ok {
				walk(p, child)
				continue
			}
			fn(p, m[k])
		}
	}
	walk("", t.root)
}

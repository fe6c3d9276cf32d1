// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import "fmt"

// MemoryTree is a non-persistent tree.
type MemoryTree struct {
	*nodeTree
}

func NewMemoryTree() *MemoryTree {
	return &MemoryTree{nodeTree: newNodeTree()}
}

func (mt *MemoryTree) Commit() error { return nil }

func (mt *MemoryTree) Close() error { return nil }

// MemoryVault keeps blobs in memory. It does not encrypt.
type MemoryVault struct {
	blobs map[string][]byte
}

func NewMemoryVault() *MemoryVault {
	return &MemoryVault{blobs: make(map[string][]byte)}
}

func (mv *MemoryVault) Read(name string) ([]byte, error) {
	b, ok := mv.blobs[name]
	if !ok {
		return nil, fmt.Errorf("read %q: %w", name, ErrNotFound)
	}
	return append([]byte(nil), b...), nil
}

func (mv *MemoryVault) Write(name string, data []byte) error {
	mv.blobs[name] = append([]byte(nil), data...)
	return nil
}

func (mv *MemoryVault) Delete(name string) error {
	delete(mv.blobs, name)
	return nil
}

func (mv *MemoryVault) Close() error { return nil }

// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"
	"gopkg.in/yaml.v3"
)

const (
	mmapHeaderSize  = 8
	mmapInitialSize = 64 * 1024
)

// MmapTree keeps the tree in a memory-mapped file.
//
// Layout:
// - Length: 8 bytes, little endian (Offset 0)
// - Document: YAML encoded tree (Offset 8)
//
// The file grows by doubling when a commit does not fit.
type MmapTree struct {
	*nodeTree
	path string
	file *os.File
	data mmap.MMap
}

// NewMmapTree creates a new MmapTree. Call Load before use.
func NewMmapTree(path string) *MmapTree {
	return &MmapTree{
		nodeTree: newNodeTree(),
		path:     path,
	}
}

// Load maps the file, creating it if necessary, and decodes the tree.
func (mt *MmapTree) Load() error {
	f, err := os.OpenFile(mt.path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("failed to open mmap file: %w", err)
	}
	mt.file = f

	fi, err := f.Stat()
	if err != nil {
		mt.Close()
		return err
	}
	if fi.Size() < mmapInitialSize {
		if err := f.Truncate(mmapInitialSize); err != nil {
			mt.Close()
			return fmt.Errorf("failed to resize mmap file: %w", err)
		}
	}

	if err := mt.mapFile(); err != nil {
		mt.Close()
		return err
	}

	n := binary.LittleEndian.Uint64(mt.data[:mmapHeaderSize])
	if n == 0 {
		return nil
	}
	if n > uint64(len(mt.data)-mmapHeaderSize) {
		mt.Close()
		return fmt.Errorf("corrupt mmap tree: length %d exceeds file", n)
	}

	var doc map[string]any
	if err := yaml.Unmarshal(mt.data[mmapHeaderSize:mmapHeaderSize+n], &doc); err != nil {
		mt.Close()
		return fmt.Errorf("failed to decode mmap tree: %w", err)
	}
	mt.replace(doc)
	return nil
}

func (mt *MmapTree) mapFile() error {
	data, err := mmap.Map(mt.file, mmap.RDWR, 0)
	if err != nil {
		return fmt.Errorf("mmap failed: %w", err)
	}
	mt.data = data
	return nil
}

func (mt *MmapTree) grow(need int) error {
	size := len(mt.data)
	for size < need {
		size *= 2
	}
	if err := mt.data.Unmap(); err != nil {
		return fmt.Errorf("unmap failed: %w", err)
	}
	mt.data = nil
	if err := mt.file.Truncate(int64(size)); err != nil {
		return fmt.Errorf("failed to resize mmap file: %w", err)
	}
	return mt.mapFile()
}

// Commit encodes the tree into the mapping and flushes it to disk.
func (mt *MmapTree) Commit() error {
	if mt.data == nil {
		return fmt.Errorf("mmap data is nil")
	}
	doc, err := yaml.Marshal(mt.root)
	if err != nil {
		return fmt.Errorf("failed to encode tree: %w", err)
	}

	need := mmapHeaderSize + len(doc)
	if need > len(mt.data) {
		if err := mt.grow(need); err != nil {
			return err
		}
	}

	copy(mt.data[mmapHeaderSize:], doc)
	binary.LittleEndian.PutUint64(mt.data[:mmapHeaderSize], uint64(len(doc)))
	return mt.data.Flush()
}

// Close unmaps and closes the file.
func (mt *MmapTree) Close() error {
	var err error
	if mt.data != nil {
		if e := mt.data.Unmap(); e != nil {
			err = e
		}
		mt.data = nil
	}
	if mt.file != nil {
		if e := mt.file.Close(); e != nil {
			err = e
		}
		mt.file = nil
	}
	return err
}

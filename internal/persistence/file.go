// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// FileTree keeps the tree as a YAML document. Commit writes a temporary
// file next to the target and renames it into place.
type FileTree struct {
	*nodeTree
	path string
}

// NewFileTree creates a FileTree. Call Load before use.
func NewFileTree(path string) *FileTree {
	return &FileTree{
		nodeTree: newNodeTree(),
		path:     path,
	}
}

// Load reads the document. A missing file yields an empty tree.
func (ft *FileTree) Load() error {
	data, err := os.ReadFile(ft.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read tree file: %w", err)
	}
	return ft.decode(data)
}

func (ft *FileTree) decode(data []byte) error {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to decode tree file: %w", err)
	}
	ft.replace(doc)
	return nil
}

// Commit writes the whole tree and syncs it to disk.
func (ft *FileTree) Commit() error {
	data, err := yaml.Marshal(ft.root)
	if err != nil {
		return fmt.Errorf("failed to encode tree: %w", err)
	}

	dir := filepath.Dir(ft.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create tree directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(ft.path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync file to disk: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), ft.path); err != nil {
		return fmt.Errorf("failed to replace tree file: %w", err)
	}
	return nil
}

func (ft *FileTree) Close() error { return nil }

// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import "fmt"

// OpenTree creates and loads the tree backend named by kind.
func OpenTree(kind, path string) (Tree, error) {
	switch kind {
	case "", "memory":
		return NewMemoryTree(), nil
	case "file":
		ft := NewFileTree(path)
		if err := ft.Load(); err != nil {
			return nil, err
		}
		return ft, nil
	case "mmap":
		mt := NewMmapTree(path)
		if err := mt.Load(); err != nil {
			return nil, err
		}
		return mt, nil
	case "sql", "sqlite", "sqlite3":
		st := NewSQLTree("sqlite3", path)
		if err := st.Load(); err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown tree type: %s", kind)
	}
}

// OpenVault creates the secure storage backend named by kind.
func OpenVault(kind, dir, keyFile string) (Vault, error) {
	switch kind {
	case "", "memory":
		return NewMemoryVault(), nil
	case "file":
		return NewFileVault(dir, keyFile)
	default:
		return nil, fmt.Errorf("unknown secure storage type: %s", kind)
	}
}

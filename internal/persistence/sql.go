// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"database/sql"
	"fmt"
	"strconv"

	_ "github.com/mattn/go-sqlite3"
)

// Leaf kinds stored in the kind column.
const (
	kindBool = iota
	kindInt
	kindFloat
	kindString
)

// SQLTree keeps every leaf of the tree as one row of a SQL table.
// It assumes a table `config_tree` exists (or creates it).
type SQLTree struct {
	*nodeTree
	driver string
	dsn    string
	db     *sql.DB
}

// NewSQLTree creates a new SQLTree. The sqlite3 driver is registered by
// this package; other drivers must be imported by the caller.
func NewSQLTree(driver, dsn string) *SQLTree {
	return &SQLTree{
		nodeTree: newNodeTree(),
		driver:   driver,
		dsn:      dsn,
	}
}

// Load connects to the DB and loads all leaves.
func (s *SQLTree) Load() error {
	db, err := sql.Open(s.driver, s.dsn)
	if err != nil {
		return fmt.Errorf("failed to open db: %w", err)
	}
	s.db = db

	if err := s.initSchema(); err != nil {
		db.Close()
		s.db = nil
		return fmt.Errorf("failed to init schema: %w", err)
	}

	rows, err := db.Query("SELECT path, kind, value FROM config_tree")
	if err != nil {
		return fmt.Errorf("failed to query tree: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var path, raw string
		var kind int
		if err := rows.Scan(&path, &kind, &raw); err != nil {
			return fmt.Errorf("failed to scan tree row: %w", err)
		}
		v, err := decodeLeaf(kind, raw)
		if err != nil {
			return fmt.Errorf("leaf %q: %w", path, err)
		}
		if err := s.nodeTree.Set(path, v); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *SQLTree) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS config_tree (
		path TEXT PRIMARY KEY,
		kind INTEGER NOT NULL,
		value TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(query)
	return err
}

// Commit replaces the table contents with the current tree in one transaction.
func (s *SQLTree) Commit() error {
	if s.db == nil {
		return fmt.Errorf("sql tree not loaded")
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM config_tree"); err != nil {
		return fmt.Errorf("failed to clear tree: %w", err)
	}
	stmt, err := tx.Prepare("INSERT INTO config_tree (path, kind, value) VALUES (?, ?, ?) ON CONFLICT(path) DO UPDATE SET kind=excluded.kind, value=excluded.value")
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	var werr error
	s.leaves(func(path string, v any) {
		if werr != nil {
			return
		}
		kind, raw := encodeLeaf(v)
		if _, err := stmt.Exec(path, kind, raw); err != nil {
			werr = fmt.Errorf("failed to persist leaf %q: %w", path, err)
		}
	})
	if werr != nil {
		return werr
	}
	return tx.Commit()
}

func (s *SQLTree) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func encodeLeaf(v any) (int, string) {
	switch x := v.(type) {
	case bool:
		return kindBool, strconv.FormatBool(x)
	case int:
		return kindInt, strconv.FormatInt(int64(x), 10)
	case int32:
		return kindInt, strconv.FormatInt(int64(x), 10)
	case int64:
		return kindInt, strconv.FormatInt(x, 10)
	case uint32:
		return kindInt, strconv.FormatUint(uint64(x), 10)
	case float32:
		return kindFloat, strconv.FormatFloat(float64(x), 'g', -1, 32)
	case float64:
		return kindFloat, strconv.FormatFloat(x, 'g', -1, 64)
	default:
		return kindString, fmt.Sprint(v)
	}
}

func decodeLeaf(kind int, raw string) (any, error) {
	switch kind {
	case kindBool:
		return strconv.ParseBool(raw)
	case kindInt:
		return strconv.ParseInt(raw, 10, 64)
	case kindFloat:
		return strconv.ParseFloat(raw, 64)
	case kindString:
		return raw, nil
	default:
		return nil, fmt.Errorf("unknown leaf kind %d", kind)
	}
}

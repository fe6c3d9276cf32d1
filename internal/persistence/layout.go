// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/spf13/cast"

	"github.com/mangoh/datarouter/internal/store"
)

// Persisted layout.
//
// Plaintext items: /Database/<escaped key>/{key,type,value,timestamp}, type
// being the integer enum of store.Type.
//
// Encrypted items: one blob per key plus the index blob "Database" holding
// the comma separated keys.
const (
	TreeBase       = "Database"
	IndexBlob      = "Database"
	IndexSeparator = ","
	MaxIndexLen    = 16384

	leafKey       = "key"
	leafType      = "type"
	leafValue     = "value"
	leafTimestamp = "timestamp"
)

// record is the content of one encrypted blob. Float values are stored as
// strings so NaN and infinities survive JSON.
type record struct {
	Key       string `json:"key"`
	Type      int    `json:"type"`
	Value     any    `json:"value"`
	Timestamp uint32 `json:"timestamp"`
}

func recordValue(v store.Value) any {
	if f, err := v.AsFloat(); err == nil {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	return v.Interface()
}

func nodeName(key string) string {
	return url.PathEscape(key)
}

// decodeValue coerces a loosely typed leaf into a value of type t.
func decodeValue(t store.Type, raw any) (store.Value, error) {
	switch t {
	case store.TypeBoolean:
		b, err := cast.ToBoolE(raw)
		return store.Bool(b), err
	case store.TypeInteger:
		i, err := cast.ToInt32E(raw)
		return store.Int(i), err
	case store.TypeFloat:
		f, err := cast.ToFloat64E(raw)
		return store.Float(f), err
	case store.TypeString:
		s, err := cast.ToStringE(raw)
		return store.String(s), err
	default:
		return store.Value{}, fmt.Errorf("%w: type %d", store.ErrInvalidValue, t)
	}
}

// Restore loads persisted items into st. Plaintext items are restored with
// PolicyPersist and encrypted items with PolicyPersistEncrypted. Broken
// entries are logged and skipped. It returns the number of restored items.
func Restore(st *store.Store, tree Tree, vault Vault, log *slog.Logger) (int, error) {
	if log == nil {
		log = slog.Default()
	}
	n := 0
	var errs []error

	if tree != nil {
		for _, name := range tree.Children(Join(TreeBase)) {
			if err := restoreNode(st, tree, name, log); err != nil {
				log.Error("Failed to restore persisted item", "node", name, "err", err)
				errs = append(errs, err)
				continue
			}
			n++
		}
	}

	if vault != nil {
		keys, err := readIndex(vault)
		if err != nil {
			errs = append(errs, err)
		}
		for _, key := range keys {
			if err := restoreBlob(st, vault, key, log); err != nil {
				log.Error("Failed to restore encrypted item", "key", key, "err", err)
				errs = append(errs, err)
				continue
			}
			n++
		}
	}

	return n, errors.Join(errs...)
}

func restoreNode(st *store.Store, tree Tree, name string, log *slog.Logger) error {
	leaf := func(l string) (any, error) {
		v, ok := tree.Get(Join(TreeBase, name, l))
		if !ok {
			return nil, fmt.Errorf("missing %s: %w", l, ErrNotFound)
		}
		return v, nil
	}

	rawKey, err := leaf(leafKey)
	if err != nil {
		return err
	}
	key, err := cast.ToStringE(rawKey)
	if err != nil {
		return err
	}
	rawType, err := leaf(leafType)
	if err != nil {
		return err
	}
	ti, err := cast.ToIntE(rawType)
	if err != nil {
		return err
	}
	typ := store.Type(ti)
	if !typ.Valid() {
		return fmt.Errorf("%w: type %d", store.ErrInvalidValue, ti)
	}
	rawValue, err := leaf(leafValue)
	if err != nil {
		return err
	}
	v, err := decodeValue(typ, rawValue)
	if err != nil {
		return err
	}
	var ts uint32
	if rawTS, ok := tree.Get(Join(TreeBase, name, leafTimestamp)); ok {
		if ts, err = cast.ToUint32E(rawTS); err != nil {
			return err
		}
	}

	if _, err := st.Restore(key, v, ts, store.PolicyPersist); err != nil {
		return err
	}
	log.Debug("Restored item", "key", key, "type", typ, "value", v, "storage", store.PolicyPersist)
	return nil
}

func readIndex(vault Vault) ([]string, error) {
	raw, err := vault.Read(IndexBlob)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read encrypted index: %w", err)
	}
	var keys []string
	for _, k := range strings.Split(string(raw), IndexSeparator) {
		if k != "" {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func restoreBlob(st *store.Store, vault Vault, key string, log *slog.Logger) error {
	raw, err := vault.Read(key)
	if err != nil {
		return err
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return fmt.Errorf("decode blob: %w", err)
	}
	typ := store.Type(rec.Type)
	if !typ.Valid() {
		return fmt.Errorf("%w: type %d", store.ErrInvalidValue, rec.Type)
	}
	v, err := decodeValue(typ, rec.Value)
	if err != nil {
		return err
	}
	if _, err := st.Restore(key, v, rec.Timestamp, store.PolicyPersistEncrypted); err != nil {
		return err
	}
	log.Debug("Restored item", "key", key, "type", typ, "value", v, "storage", store.PolicyPersistEncrypted)
	return nil
}

// Flush writes every persist-eligible item. The plaintext subtree is
// replaced as a whole and blobs of keys dropped from the encrypted index
// are deleted.
func Flush(st *store.Store, tree Tree, vault Vault, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	var errs []error
	if tree != nil {
		if err := flushTree(st, tree, log); err != nil {
			errs = append(errs, fmt.Errorf("config tree: %w", err))
		}
	}
	if vault != nil {
		if err := flushVault(st, vault, log); err != nil {
			errs = append(errs, fmt.Errorf("secure storage: %w", err))
		}
	}
	return errors.Join(errs...)
}

func flushTree(st *store.Store, tree Tree, log *slog.Logger) error {
	tree.Delete(Join(TreeBase))

	var errs []error
	st.Range(func(it *store.Item) bool {
		if it.Policy() != store.PolicyPersist || !it.HasValue() {
			return true
		}
		node := nodeName(it.Key())
		set := func(l string, v any) {
			if err := tree.Set(Join(TreeBase, node, l), v); err != nil {
				errs = append(errs, err)
			}
		}
		set(leafKey, it.Key())
		set(leafType, int(it.Type()))
		set(leafValue, it.Value().Interface())
		set(leafTimestamp, int64(it.Timestamp()))
		log.Debug("Store item", "key", it.Key(), "value", it.Value(), "storage", it.Policy())
		return true
	})
	if err := tree.Commit(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func flushVault(st *store.Store, vault Vault, log *slog.Logger) error {
	previous, err := readIndex(vault)
	if err != nil {
		log.Warn("Cannot read previous encrypted index", "err", err)
	}

	var (
		errs  []error
		index strings.Builder
		kept  = make(map[string]bool)
	)
	st.Range(func(it *store.Item) bool {
		if it.Policy() != store.PolicyPersistEncrypted || !it.HasValue() {
			return true
		}
		key := it.Key()
		if strings.Contains(key, IndexSeparator) || key == IndexBlob {
			log.Error("Cannot index encrypted key", "key", key)
			errs = append(errs, fmt.Errorf("key %q cannot be indexed", key))
			return true
		}
		if index.Len()+len(key)+len(IndexSeparator) > MaxIndexLen {
			log.Error("Maximum encrypted keys reached", "key", key, "max", MaxIndexLen)
			errs = append(errs, fmt.Errorf("encrypted index full at key %q", key))
			return false
		}

		raw, err := json.Marshal(record{
			Key:       key,
			Type:      int(it.Type()),
			Value:     recordValue(it.Value()),
			Timestamp: it.Timestamp(),
		})
		if err != nil {
			errs = append(errs, err)
			return true
		}
		if err := vault.Write(key, raw); err != nil {
			log.Error("Failed to write encrypted item", "key", key, "err", err)
			errs = append(errs, err)
			return true
		}
		index.WriteString(key)
		index.WriteString(IndexSeparator)
		kept[key] = true
		return true
	})

	if err := vault.Write(IndexBlob, []byte(index.String())); err != nil {
		return errors.Join(append(errs, fmt.Errorf("write encrypted index: %w", err))...)
	}

	for _, key := range previous {
		if kept[key] {
			continue
		}
		if err := vault.Delete(key); err != nil {
			log.Warn("Failed to delete stale encrypted item", "key", key, "err", err)
			continue
		}
		log.Debug("Deleted stale encrypted item", "key", key)
	}
	return errors.Join(errs...)
}

// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package store

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mangoh/datarouter/internal/session"
)

func TestStore_WriteThenReadEachType(t *testing.T) {
	s := New(nil)

	cases := []struct {
		key   string
		value Value
	}{
		{"bool", Bool(true)},
		{"int", Int(-81)},
		{"float", Float(3.14159)},
		{"string", String("some string")},
	}

	for i, c := range cases {
		it, err := s.CreateIfAbsent(c.key)
		require.NoError(t, err)
		require.NoError(t, s.Set(it, c.value, uint32(100+i), PolicyCache))
	}

	b, ts, err := s.ReadBool("bool")
	require.NoError(t, err)
	assert.True(t, b)
	assert.Equal(t, uint32(100), ts)

	i, ts, err := s.ReadInt("int")
	require.NoError(t, err)
	assert.Equal(t, int32(-81), i)
	assert.Equal(t, uint32(101), ts)

	f, ts, err := s.ReadFloat("float")
	require.NoError(t, err)
	assert.Equal(t, 3.14159, f)
	assert.Equal(t, uint32(102), ts)

	str, ts, err := s.ReadString("string")
	require.NoError(t, err)
	assert.Equal(t, "some string", str)
	assert.Equal(t, uint32(103), ts)
}

func TestStore_ReadUnknownKey(t *testing.T) {
	s := New(nil)

	_, _, err := s.ReadInt("missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Nil(t, s.Get("missing"))
}

func TestStore_ReadItemWithoutValue(t *testing.T) {
	s := New(nil)
	_, err := s.CreateIfAbsent("subscribed-only")
	require.NoError(t, err)

	_, _, err = s.ReadString("subscribed-only")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_TypeMismatchLeavesDefault(t *testing.T) {
	s := New(nil)
	it, err := s.CreateIfAbsent("k")
	require.NoError(t, err)
	require.NoError(t, s.Set(it, Int(7), 1, PolicyNone))

	b, ts, err := s.ReadBool("k")
	assert.ErrorIs(t, err, ErrTypeMismatch)
	assert.False(t, b)
	assert.Zero(t, ts)

	str, _, err := s.ReadString("k")
	assert.ErrorIs(t, err, ErrTypeMismatch)
	assert.Empty(t, str)
}

func TestStore_CreateIfAbsentIsIdempotent(t *testing.T) {
	s := New(nil)
	a, err := s.CreateIfAbsent("k")
	require.NoError(t, err)
	b, err := s.CreateIfAbsent("k")
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, 1, s.Len())
}

func TestStore_InvalidKeys(t *testing.T) {
	s := New(nil)

	_, err := s.CreateIfAbsent("")
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = s.CreateIfAbsent(strings.Repeat("k", MaxKeyLen+1))
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = s.CreateIfAbsent(strings.Repeat("k", MaxKeyLen))
	assert.NoError(t, err)
}

func TestStore_SetRejectsOversizedStringWithoutPartialUpdate(t *testing.T) {
	s := New(nil)
	it, err := s.CreateIfAbsent("k")
	require.NoError(t, err)
	require.NoError(t, s.Set(it, Int(1), 10, PolicyPersist))

	err = s.Set(it, String(strings.Repeat("x", MaxStringLen+1)), 20, PolicyNone)
	assert.ErrorIs(t, err, ErrInvalidValue)

	assert.Equal(t, TypeInteger, it.Type())
	assert.Equal(t, uint32(10), it.Timestamp())
	assert.Equal(t, PolicyPersist, it.Policy())
}

func TestStore_RestoreReplacesExisting(t *testing.T) {
	s := New(nil)
	first, err := s.Restore("k", Int(1), 1, PolicyPersist)
	require.NoError(t, err)
	second, err := s.Restore("k", String("secret"), 2, PolicyPersistEncrypted)
	require.NoError(t, err)

	assert.NotSame(t, first, second)
	assert.Same(t, second, s.Get("k"))
	str, ts, err := s.ReadString("k")
	require.NoError(t, err)
	assert.Equal(t, "secret", str)
	assert.Equal(t, uint32(2), ts)
}

func TestStore_RangeIsOrdered(t *testing.T) {
	s := New(nil)
	for _, k := range []string{"c", "a", "b"} {
		_, err := s.CreateIfAbsent(k)
		require.NoError(t, err)
	}

	var keys []string
	s.Range(func(it *Item) bool {
		keys = append(keys, it.Key())
		return true
	})
	assert.Equal(t, []string{"a", "b", "c"}, keys)
}

func TestItem_HandlerListMaintenance(t *testing.T) {
	it := newItem("k")
	a := NewHandler(session.ID("a"), nil, nil)
	b := NewHandler(session.ID("b"), nil, nil)
	c := NewHandler(session.ID("a"), nil, nil)
	it.AddHandler(a)
	it.AddHandler(b)
	it.AddHandler(c)

	assert.Same(t, a, it.HandlerFor("a"))
	assert.True(t, it.RemoveHandler(b))
	assert.False(t, it.RemoveHandler(b))
	assert.True(t, b.Removed())

	n := it.RemoveHandlers(func(h *Handler) bool { return h.Owner() == "a" })
	assert.Equal(t, 2, n)
	assert.Empty(t, it.Handlers())
}

func TestParseTypeChar(t *testing.T) {
	for _, typ := range []Type{TypeBoolean, TypeInteger, TypeFloat, TypeString} {
		got, err := ParseTypeChar(string(typ.Char()))
		require.NoError(t, err)
		assert.Equal(t, typ, got)
	}
	_, err := ParseTypeChar("x")
	assert.Error(t, err)
	_, err = ParseTypeChar("bi")
	assert.Error(t, err)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("encrypted")
	require.NoError(t, err)
	assert.Equal(t, PolicyPersistEncrypted, p)

	p, err = ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyNone, p)

	_, err = ParsePolicy("cloud")
	assert.Error(t, err)
}

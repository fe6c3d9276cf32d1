// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package store

import (
	"fmt"
	"strings"
)

const (
	// MaxKeyLen is the longest key accepted by the store, in bytes.
	MaxKeyLen = 127
	// MaxStringLen is the longest string value accepted by the store, in bytes.
	MaxStringLen = 127
)

// Type is the data type of an item value. The numeric values are part of the
// persisted layout and must not be reordered.
type Type int

const (
	TypeBoolean Type = iota
	TypeInteger
	TypeFloat
	TypeString
)

// String returns the lowercase type name.
func (t Type) String() string {
	switch t {
	case TypeBoolean:
		return "boolean"
	case TypeInteger:
		return "integer"
	case TypeFloat:
		return "float"
	case TypeString:
		return "string"
	default:
		return fmt.Sprintf("type(%d)", int(t))
	}
}

// Char returns the one letter type code used on the command line (b, i, f, s).
func (t Type) Char() byte {
	switch t {
	case TypeBoolean:
		return 'b'
	case TypeInteger:
		return 'i'
	case TypeFloat:
		return 'f'
	case TypeString:
		return 's'
	default:
		return 0
	}
}

// Valid reports whether t is one of the four supported types.
func (t Type) Valid() bool {
	return t >= TypeBoolean && t <= TypeString
}

// ParseTypeChar converts a type code (b, i, f, s) into a Type.
func ParseTypeChar(s string) (Type, error) {
	if len(s) != 1 {
		return 0, fmt.Errorf("type specifier %q is not of length 1", s)
	}
	switch s[0] {
	case 'b':
		return TypeBoolean, nil
	case 'i':
		return TypeInteger, nil
	case 'f':
		return TypeFloat, nil
	case 's':
		return TypeString, nil
	default:
		return 0, fmt.Errorf("invalid type specifier %q", s)
	}
}

// Value is a typed data value. Exactly one of the typed fields is meaningful,
// selected by the type tag.
type Value struct {
	typ Type
	b   bool
	i   int32
	f   float64
	s   string
}

// Bool returns a boolean Value.
func Bool(v bool) Value { return Value{typ: TypeBoolean, b: v} }

// Int returns an integer Value.
func Int(v int32) Value { return Value{typ: TypeInteger, i: v} }

// Float returns a floating point Value.
func Float(v float64) Value { return Value{typ: TypeFloat, f: v} }

// String returns a string Value.
func String(v string) Value { return Value{typ: TypeString, s: v} }

// Type returns the type tag of v.
func (v Value) Type() Type { return v.typ }

// AsBool returns the boolean value, or false and ErrTypeMismatch.
func (v Value) AsBool() (bool, error) {
	if v.typ != TypeBoolean {
		return false, ErrTypeMismatch
	}
	return v.b, nil
}

// AsInt returns the integer value, or 0 and ErrTypeMismatch.
func (v Value) AsInt() (int32, error) {
	if v.typ != TypeInteger {
		return 0, ErrTypeMismatch
	}
	return v.i, nil
}

// AsFloat returns the floating point value, or 0 and ErrTypeMismatch.
func (v Value) AsFloat() (float64, error) {
	if v.typ != TypeFloat {
		return 0, ErrTypeMismatch
	}
	return v.f, nil
}

// AsString returns the string value, or "" and ErrTypeMismatch.
func (v Value) AsString() (string, error) {
	if v.typ != TypeString {
		return "", ErrTypeMismatch
	}
	return v.s, nil
}

// Interface returns the value as a plain Go value (bool, int32, float64 or string).
func (v Value) Interface() any {
	switch v.typ {
	case TypeBoolean:
		return v.b
	case TypeInteger:
		return v.i
	case TypeFloat:
		return v.f
	default:
		return v.s
	}
}

// Validate checks the value against the store limits.
func (v Value) Validate() error {
	if !v.typ.Valid() {
		return fmt.Errorf("%w: unsupported type %v", ErrInvalidValue, v.typ)
	}
	if v.typ == TypeString && len(v.s) > MaxStringLen {
		return fmt.Errorf("%w: string of %d bytes exceeds %d", ErrInvalidValue, len(v.s), MaxStringLen)
	}
	return nil
}

// String implements fmt.Stringer for logging.
func (v Value) String() string {
	if v.typ == TypeString {
		return fmt.Sprintf("%q", v.s)
	}
	return fmt.Sprint(v.Interface())
}

// Policy selects whether and where an item survives a restart.
type Policy int

const (
	PolicyNone Policy = iota
	PolicyCache
	PolicyPersist
	PolicyPersistEncrypted
)

// String returns the configuration name of the policy.
func (p Policy) String() string {
	switch p {
	case PolicyNone:
		return "none"
	case PolicyCache:
		return "cache"
	case PolicyPersist:
		return "persist"
	case PolicyPersistEncrypted:
		return "encrypted"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParsePolicy converts a configuration name into a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return PolicyNone, nil
	case "cache":
		return PolicyCache, nil
	case "persist", "plaintext":
		return PolicyPersist, nil
	case "encrypted", "persist-encrypted":
		return PolicyPersistEncrypted, nil
	default:
		return PolicyNone, fmt.Errorf("unknown storage policy %q", s)
	}
}

// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package session defines the caller identity used to scope router calls.
package session

import "github.com/google/uuid"

// ID identifies one connected caller. IDs are opaque and only compared for equality.
type ID string

// Pseudo identities used when a value arrives from upstream rather than from a local caller.
// They never collide with IDs returned by New.
const (
	MQTT  ID = "MQTT"
	LWM2M ID = "LWM2M"
)

// New returns a fresh caller identity.
func New() ID {
	return ID(uuid.NewString())
}

// String implements fmt.Stringer.
func (id ID) String() string {
	return string(id)
}

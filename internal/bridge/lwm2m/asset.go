// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package lwm2m

// FieldHandler is called when the server changes a field. It may be called
// on any goroutine.
type FieldHandler func(field string)

// Instance is one asset instance on the device-management service.
type Instance interface {
	SetBool(field string, v bool) error
	SetInt(field string, v int32) error
	SetFloat(field string, v float64) error
	SetString(field string, v string) error

	GetBool(field string) (bool, error)
	GetInt(field string) (int32, error)
	GetFloat(field string) (float64, error)
	GetString(field string) (string, error)

	AddFieldEventHandler(field string, fn FieldHandler) (remove func(), err error)
	Delete() error
}

// Service creates asset instances.
type Service interface {
	Create(asset string) (Instance, error)
}

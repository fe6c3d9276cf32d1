// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package router

import (
	"github.com/mangoh/datarouter/internal/bridge"
	"github.com/mangoh/datarouter/internal/bridge/lwm2m"
	"github.com/mangoh/datarouter/internal/bridge/mqtt"
	"github.com/mangoh/datarouter/internal/session"
	"github.com/mangoh/datarouter/internal/store"
)

// PushConfig selects whether a session's writes are forwarded upstream.
type PushConfig struct {
	Enabled bool
	// URL is the broker address for MQTT or the asset name for LWM2M.
	URL      string
	Password string
}

// Session is one producer session.
type Session struct {
	id     session.ID
	policy store.Policy
	push   bool

	// Bridge state. protocol tells which of the payloads is set.
	protocol bridge.Protocol
	mqtt     *mqtt.Session
	lwm2m    *lwm2m.Session

	// ending is set while a deferred bridge teardown is in progress.
	ending bool
}

// ID returns the session identity.
func (s *Session) ID() session.ID { return s.id }

// Policy returns the storage policy applied to the session's writes.
func (s *Session) Policy() store.Policy { return s.policy }

// Pushing reports whether the session forwards writes upstream.
func (s *Session) Pushing() bool { return s.push }

// Protocol returns the bridge kind held by the session, or bridge.None.
func (s *Session) Protocol() bridge.Protocol { return s.protocol }

// Ending reports whether the session is waiting for its bridge to finish.
func (s *Session) Ending() bool { return s.ending }

// sessions is the registry of live sessions keyed by caller identity.
type sessions struct {
	byID map[session.ID]*Session
}

func newSessions() *sessions {
	return &sessions{byID: make(map[session.ID]*Session)}
}

func (r *sessions) get(id session.ID) *Session {
	return r.byID[id]
}

// active returns the session for id unless it is unknown or ending.
func (r *sessions) active(id session.ID) *Session {
	s := r.byID[id]
	if s == nil || s.ending {
		return nil
	}
	return s
}

func (r *sessions) add(s *Session) {
	r.byID[s.id] = s
}

func (r *sessions) remove(id session.ID) bool {
	if _, ok := r.byID[id]; !ok {
		return false
	}
	delete(r.byID, id)
	return true
}

func (r *sessions) len() int {
	return len(r.byID)
}

// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package eventloop

import (
	"sort"
	"time"
)

// Manual is a Scheduler driven explicitly by the caller. Posted tasks run on
// Drain and timers fire on Advance. It is meant for tests of code that
// normally runs on a Loop.
type Manual struct {
	now    time.Duration
	tasks  []func()
	timers []*manualTimer
	seq    int
}

type manualTimer struct {
	at      time.Duration
	seq     int
	fn      func()
	pending bool
}

func (t *manualTimer) Stop() bool {
	was := t.pending
	t.pending = false
	return was
}

// NewManual creates a manual scheduler at time zero.
func NewManual() *Manual {
	return &Manual{}
}

// Post queues fn until the next Drain.
func (m *Manual) Post(fn func()) {
	m.tasks = append(m.tasks, fn)
}

// AfterFunc registers fn to fire once Advance moves past d from now.
func (m *Manual) AfterFunc(d time.Duration, fn func()) Timer {
	m.seq++
	t := &manualTimer{at: m.now + d, seq: m.seq, fn: fn, pending: true}
	m.timers = append(m.timers, t)
	return t
}

// Drain runs queued tasks, including tasks queued by those tasks, and
// returns how many ran.
func (m *Manual) Drain() int {
	n := 0
	for len(m.tasks) > 0 {
		fn := m.tasks[0]
		m.tasks = m.tasks[1:]
		fn()
		n++
	}
	return n
}

// Advance moves the clock forward by d, firing due timers in deadline order
// and draining tasks after each one.
func (m *Manual) Advance(d time.Duration) {
	target := m.now + d
	m.Drain()
	for {
		due := m.nextDue(target)
		if due == nil {
			break
		}
		m.now = due.at
		due.pending = false
		due.fn()
		m.Drain()
	}
	m.now = target
}

// Pending returns the number of timers that have not fired or been stopped.
func (m *Manual) Pending() int {
	n := 0
	for _, t := range m.timers {
		if t.pending {
			n++
		}
	}
	return n
}

func (m *Manual) nextDue(target time.Duration) *manualTimer {
	live := m.timers[:0]
	for _, t := range m.timers {
		if t.pending {
			live = append(live, t)
		}
	}
	m.timers = live
	sort.Slice(live, func(i, j int) bool {
		if live[i].at != live[j].at {
			return live[i].at < live[j].at
		}
		return live[i].seq < live[j].seq
	})
	if len(live) == 0 || live[0].at > target {
		return nil
	}
	return live[0]
}

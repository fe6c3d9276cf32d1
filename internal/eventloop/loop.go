// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package eventloop serializes all router work onto a single goroutine.
//
// Store access, session bookkeeping, handler invocation and bridge state
// transitions all run as tasks on the loop. Other goroutines (IPC connections,
// upstream client callbacks, timers) hand work over with Post or Call.
package eventloop

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"
)

// ErrStopped is returned by Call once the loop is no longer running.
var ErrStopped = errors.New("event loop stopped")

// Timer is a pending callback created by AfterFunc.
type Timer interface {
	// Stop prevents the callback from running. It reports whether the
	// callback was still pending.
	Stop() bool
}

// Scheduler is the part of the loop that bridges depend on.
type Scheduler interface {
	// Post queues fn to run on the loop goroutine.
	Post(fn func())
	// AfterFunc runs fn on the loop goroutine after d.
	AfterFunc(d time.Duration, fn func()) Timer
}

// Loop is a single goroutine task queue.
type Loop struct {
	tasks chan func()
	done  chan struct{}
	log   *slog.Logger
}

// New creates a loop with a task buffer of the given size.
func New(buffer int, log *slog.Logger) *Loop {
	if buffer <= 0 {
		buffer = 64
	}
	if log == nil {
		log = slog.Default()
	}
	return &Loop{
		tasks: make(chan func(), buffer),
		done:  make(chan struct{}),
		log:   log,
	}
}

// Run processes tasks until ctx is cancelled. Tasks still queued at that
// point are discarded.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-l.tasks:
			l.run(fn)
		}
	}
}

func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("Event loop task panicked", "panic", r)
		}
	}()
	fn()
}

// Post queues fn. It blocks while the buffer is full and returns without
// queueing once the loop has stopped. Must not be called from the loop
// goroutine when the buffer may be full.
func (l *Loop) Post(fn func()) {
	select {
	case l.tasks <- fn:
	case <-l.done:
		l.log.Debug("Dropping task posted after event loop stopped")
	}
}

// Call runs fn on the loop and waits for its result. It must not be called
// from the loop goroutine.
func (l *Loop) Call(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	task := func() { result <- fn() }

	select {
	case l.tasks <- task:
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-result:
		return err
	case <-l.done:
		// The task may have completed just before the loop stopped.
		select {
		case err := <-result:
			return err
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when Run returns.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

type loopTimer struct {
	t       *time.Timer
	stopped atomic.Bool
}

func (lt *loopTimer) Stop() bool {
	lt.stopped.Store(true)
	return lt.t.Stop()
}

// AfterFunc runs fn on the loop after d. A timer stopped from the loop
// goroutine never runs fn, even if it had already fired and its task was queued.
func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	lt := &loopTimer{}
	lt.t = time.AfterFunc(d, func() {
		l.Post(func() {
			if lt.stopped.Load() {
				return
			}
			lt.stopped.Store(true)
			fn()
		})
	})
	return lt
}

// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package client

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/creachadair/mds/queue"
)

// An Executor runs functions on behalf of a subscriber. Post must not block;
// it schedules f to run later in the context chosen by the executor.
type Executor interface {
	Post(f func())
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(func())

// Post implements the Executor interface.
func (e ExecutorFunc) Post(f func()) { e(f) }

// goExecutor runs each function in a new goroutine.
var goExecutor = ExecutorFunc(func(f func()) { go f() })

// A Watcher delivers a notification when a pending call finishes.
//
// Notifications are always scheduled through the watcher's executor, and are
// never run by OnFinished itself or by the worker goroutine that completed
// the call. This is true even if the call has already finished when the
// callback is registered.
type Watcher struct {
	*PendingCall

	exec    Executor
	stopped atomic.Bool
}

// NewWatcher constructs a watcher for call. Notifications are scheduled on
// exec; if exec == nil, each notification runs in its own goroutine.
func NewWatcher(call *PendingCall, exec Executor) *Watcher {
	if exec == nil {
		exec = goExecutor
	}
	return &Watcher{PendingCall: call, exec: exec}
}

// OnFinished registers f to be called exactly once, with w as its argument,
// after the call finishes. Multiple callbacks may be registered; each is
// called once. OnFinished returns w to permit chaining.
func (w *Watcher) OnFinished(f func(*Watcher)) *Watcher {
	w.t.subscribe(func() {
		w.exec.Post(func() {
			if !w.stopped.Load() {
				f(w)
			}
		})
	})
	return w
}

// Stop disconnects w from its call. Callbacks that have not yet been called
// will not be called. Stop does not affect the call itself.
func (w *Watcher) Stop() { w.stopped.Store(true) }

// An EventLoop is a cooperative single-goroutine event loop. Functions posted
// to the loop are run in order by the goroutine executing Run. An EventLoop
// implements the Executor interface, so a goroutine that runs its own loop
// can receive call notifications on it.
type EventLoop struct {
	wake chan struct{}

	μ    sync.Mutex
	fns  queue.Queue[func()]
	stop bool
}

// NewEventLoop constructs a new empty event loop.
func NewEventLoop() *EventLoop { return &EventLoop{wake: make(chan struct{}, 1)} }

// Post adds f to the end of the loop's queue. It is safe to call Post from
// any goroutine, including from a function running on the loop.
func (e *EventLoop) Post(f func()) {
	e.μ.Lock()
	e.fns.Add(f)
	e.μ.Unlock()
	e.signal()
}

// Run executes posted functions in order until Stop is called or ctx ends.
// If Run returns because of Stop it reports nil; otherwise it reports the
// error from ctx. Functions still queued when Run returns remain queued.
func (e *EventLoop) Run(ctx context.Context) error {
	for {
		e.μ.Lock()
		if e.stop {
			e.stop = false
			e.μ.Unlock()
			return nil
		}
		f, ok := e.fns.Pop()
		e.μ.Unlock()

		if ok {
			f()
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.wake:
		}
	}
}

// Stop causes the current or next call to Run to return after the function
// it is executing, if any.
func (e *EventLoop) Stop() {
	e.μ.Lock()
	e.stop = true
	e.μ.Unlock()
	e.signal()
}

// Len reports the number of functions waiting to run.
func (e *EventLoop) Len() int {
	e.μ.Lock()
	defer e.μ.Unlock()
	return e.fns.Len()
}

func (e *EventLoop) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

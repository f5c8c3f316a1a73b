// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package client

import (
	"sync"

	"github.com/creachadair/mds/queue"
)

// A callQueue hands tasks from calling goroutines to the worker goroutine of
// an Interface. Tasks are delivered in the order they were added.
type callQueue struct {
	μ        sync.Mutex
	nonEmpty sync.Cond // signaled when a task is added or the queue stops
	tasks    queue.Queue[*task]
	stopped  bool
}

func newCallQueue() *callQueue {
	q := new(callQueue)
	q.nonEmpty.L = &q.μ
	return q
}

// add appends t to the queue and wakes the worker if it is idle. It reports
// false without adding t if the queue has been stopped.
func (q *callQueue) add(t *task) bool {
	q.μ.Lock()
	defer q.μ.Unlock()
	if q.stopped {
		return false
	}
	q.tasks.Add(t)
	q.nonEmpty.Signal()
	return true
}

// next blocks until a task is available or the queue stops. It reports nil if
// the queue has stopped.
func (q *callQueue) next() *task {
	q.μ.Lock()
	defer q.μ.Unlock()
	for !q.stopped && q.tasks.IsEmpty() {
		q.nonEmpty.Wait()
	}
	if q.stopped {
		return nil
	}
	t, _ := q.tasks.Pop()
	return t
}

// stop marks the queue stopped, wakes the worker, and returns the tasks that
// were queued but not yet started.
func (q *callQueue) stop() []*task {
	q.μ.Lock()
	defer q.μ.Unlock()
	q.stopped = true
	q.nonEmpty.Broadcast()

	var rest []*task
	for {
		t, ok := q.tasks.Pop()
		if !ok {
			break
		}
		rest = append(rest, t)
	}
	return rest
}

// len reports the number of tasks waiting in the queue.
func (q *callQueue) len() int {
	q.μ.Lock()
	defer q.μ.Unlock()
	return q.tasks.Len()
}

// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package client

import (
	"context"
	"errors"
	"sync"

	"github.com/creachadair/soapcall"
)

// ErrPending is reported when the result of a call is requested before the
// call has finished.
var ErrPending = errors.New("call is not finished")

// A task is one queued call. It is mutated only by the worker goroutine until
// it finishes, after which its results are read-only.
type task struct {
	method string
	req    *soapcall.Envelope
	auth   AuthFunc
	done   chan struct{} // closed when the task finishes

	μ        sync.Mutex
	finished bool
	rsp      *soapcall.Message
	hdr      soapcall.Headers
	subs     []func() // run once when the task finishes
}

func newTask(method string, req *soapcall.Envelope, auth AuthFunc) *task {
	return &task{method: method, req: req, auth: auth, done: make(chan struct{})}
}

// finish records the results of t and notifies its subscribers. Only the
// first call to finish has any effect; it reports whether this call did.
func (t *task) finish(rsp *soapcall.Message, hdr soapcall.Headers) bool {
	t.μ.Lock()
	if t.finished {
		t.μ.Unlock()
		return false
	}
	t.finished = true
	t.rsp, t.hdr = rsp, hdr
	subs := t.subs
	t.subs = nil
	close(t.done)
	t.μ.Unlock()

	soapcall.Metrics.CallsPending.Add(-1)
	for _, sub := range subs {
		sub()
	}
	return true
}

// isDone reports whether t has finished.
func (t *task) isDone() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// fail finishes t with a fault-shaped reply.
func (t *task) fail(f soapcall.Fault) bool { return t.finish(f.Body(), nil) }

// subscribe arranges for f to be called once t finishes. If t has already
// finished, f is called immediately.
func (t *task) subscribe(f func()) {
	t.μ.Lock()
	if !t.finished {
		t.subs = append(t.subs, f)
		t.μ.Unlock()
		return
	}
	t.μ.Unlock()
	f()
}

// A PendingCall is a handle to a call that is in flight or has finished. A
// call moves from pending to finished exactly once, and never back.
//
// Copies of a PendingCall, and any Watcher constructed from it, share the
// same underlying call. Discarding every handle to a pending call abandons
// interest in its result, but does not abort the exchange.
type PendingCall struct {
	t *task
}

// Method reports the name of the operation invoked by p.
func (p *PendingCall) Method() string { return p.t.method }

// IsFinished reports whether the call has finished.
func (p *PendingCall) IsFinished() bool { return p.t.isDone() }

// Done returns a channel that is closed when the call finishes.
func (p *PendingCall) Done() <-chan struct{} { return p.t.done }

// WaitForFinished blocks until the call has finished. If the call has
// already finished, it returns immediately.
func (p *PendingCall) WaitForFinished() { <-p.t.done }

// Wait blocks until the call has finished or ctx ends. If ctx ends first,
// Wait stops waiting and reports the error from ctx; the call itself is not
// affected, and may still finish later.
func (p *PendingCall) Wait(ctx context.Context) error {
	select {
	case <-p.t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReturnMessage reports the reply to the call. For a call that failed, the
// reply is fault-shaped. If the call has not finished, it reports
// ErrPending.
func (p *PendingCall) ReturnMessage() (*soapcall.Message, error) {
	if !p.IsFinished() {
		return nil, ErrPending
	}
	return p.t.rsp, nil
}

// ReturnHeaders reports the headers returned with the reply to the call. If
// the call has not finished, it reports ErrPending.
func (p *PendingCall) ReturnHeaders() (soapcall.Headers, error) {
	if !p.IsFinished() {
		return nil, ErrPending
	}
	return p.t.hdr, nil
}

// Fault reports the fault returned by a finished call, if there is one.
func (p *PendingCall) Fault() (soapcall.Fault, bool) {
	rsp, err := p.ReturnMessage()
	if err != nil {
		return soapcall.Fault{}, false
	}
	return soapcall.FaultOf(rsp)
}

// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package client implements the calling side of a soapcall exchange.
//
// An [Interface] owns a single worker goroutine, started on the first call.
// The worker has exclusive use of the [Transport]. Calls issued from any
// goroutine are added to a queue, and the worker takes them off the queue in
// order, submits each to the transport, and drives the exchange to completion
// before it starts the next one.
package client

import (
	"context"
	"io"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/creachadair/soapcall"
	"github.com/creachadair/taskgroup"
	"go.uber.org/zap"
)

// Options are settings for an Interface. A nil *Options provides defaults.
type Options struct {
	// Endpoint is the address of the remote service.
	Endpoint string

	// Namespace is the message namespace of the remote service. It is set on
	// request messages that do not have one, and is the prefix of the default
	// action for a call.
	Namespace string

	// Session is the initial connection configuration. If Endpoint is set,
	// it replaces the endpoint of the session.
	Session Session

	// Auth, if set, resolves authentication challenges for calls that do not
	// specify their own.
	Auth AuthFunc

	// Logger, if set, receives logs from the worker. If nil, logs are
	// discarded.
	Logger *zap.Logger
}

// CallOptions are optional settings for a single call. A nil *CallOptions
// provides defaults.
type CallOptions struct {
	// Action identifies the target of the call. If empty, it defaults to the
	// namespace of the Interface followed by the method name.
	Action string

	// Headers are sent with the call, ahead of the persistent headers of the
	// Interface. A per-call header replaces a persistent one of the same name.
	Headers soapcall.Headers

	// Auth, if set, resolves authentication challenges for this call.
	Auth AuthFunc
}

func (o *CallOptions) action() string {
	if o == nil {
		return ""
	}
	return o.Action
}

func (o *CallOptions) headers() soapcall.Headers {
	if o == nil {
		return nil
	}
	return o.Headers
}

func (o *CallOptions) auth() AuthFunc {
	if o == nil {
		return nil
	}
	return o.Auth
}

// An Interface issues calls to a remote service through a transport.
// Its methods are safe for concurrent use by multiple goroutines.
type Interface struct {
	tr    Transport
	ns    string
	log   *zap.Logger
	queue *callQueue
	nexto atomic.Uint32

	start sync.Once
	tasks *taskgroup.Group // set by start

	μ       sync.Mutex
	session Session
	headers soapcall.Headers
	auth    AuthFunc
}

// New constructs an Interface that submits calls to tr.
func New(tr Transport, opts *Options) *Interface {
	c := &Interface{tr: tr, log: zap.NewNop(), queue: newCallQueue()}
	if opts != nil {
		c.ns = opts.Namespace
		c.session = opts.Session.Clone()
		if opts.Endpoint != "" {
			c.session.Endpoint = opts.Endpoint
		}
		c.auth = opts.Auth
		if opts.Logger != nil {
			c.log = opts.Logger
		}
	}
	return c
}

// Endpoint reports the endpoint of the current session.
func (c *Interface) Endpoint() string {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.session.Endpoint
}

// SetSession replaces the connection configuration used by calls that have
// not yet been started by the worker.
func (c *Interface) SetSession(s Session) {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.session = s.Clone()
}

// SetAuthentication sets the default credential resolver for calls that do
// not specify their own. Passing nil removes it.
func (c *Interface) SetAuthentication(auth AuthFunc) {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.auth = auth
}

// SetHeader adds a persistent header that is sent with every subsequent
// call, replacing any existing persistent header with the same name.
func (c *Interface) SetHeader(name, value string) {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.headers = slices.DeleteFunc(slices.Clone(c.headers), func(a soapcall.Arg) bool {
		return a.Name == name
	})
	c.headers = append(c.headers, soapcall.Arg{Name: name, Value: value})
}

// ClearHeader removes the persistent header with the given name, if any.
func (c *Interface) ClearHeader(name string) {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.headers = slices.DeleteFunc(slices.Clone(c.headers), func(a soapcall.Arg) bool {
		return a.Name == name
	})
}

// Call invokes method with the arguments of msg, and blocks until the reply
// arrives or ctx ends. If ctx ends first, Call stops waiting and reports the
// error from ctx, but the call is not retracted.
//
// Faults, including failures of the transport, are reported as fault-shaped
// replies rather than as errors. Use [soapcall.FaultOf] to decode them.
func (c *Interface) Call(ctx context.Context, method string, msg *soapcall.Message, opts *CallOptions) (*soapcall.Message, error) {
	pc := c.AsyncCall(method, msg, opts)
	if err := pc.Wait(ctx); err != nil {
		return nil, err
	}
	return pc.ReturnMessage()
}

// AsyncCall enqueues a call to method with the arguments of msg, and returns
// without waiting for the reply. The caller retains ownership of msg.
//
// If c has been stopped, the call is returned already finished, with a fault
// whose code is [soapcall.CodeStopped].
func (c *Interface) AsyncCall(method string, msg *soapcall.Message, opts *CallOptions) *PendingCall {
	var body soapcall.Message
	if msg != nil {
		body = *msg
		body.Args = slices.Clone(msg.Args)
	}
	body.Name = method
	if body.Namespace == "" {
		body.Namespace = c.ns
	}
	action := opts.action()
	if action == "" {
		action = c.ns + method
	}

	c.μ.Lock()
	headers := opts.headers().Merge(c.headers)
	auth := opts.auth()
	if auth == nil {
		auth = c.auth
	}
	c.μ.Unlock()

	t := newTask(method, &soapcall.Envelope{
		ID:      c.nexto.Add(1),
		Action:  action,
		Headers: headers,
		Body:    body,
	}, auth)
	soapcall.Metrics.CallsOut.Add(1)
	soapcall.Metrics.CallsPending.Add(1)

	c.start.Do(c.startWorker)
	if !c.queue.add(t) {
		t.fail(soapcall.Fault{
			Code:    soapcall.CodeStopped,
			Message: "client is stopped",
		})
	}
	return &PendingCall{t: t}
}

// Queued reports the number of calls waiting for the worker.
func (c *Interface) Queued() int { return c.queue.len() }

// Stop stops the worker goroutine and blocks until it has exited. A call in
// progress is allowed to finish, but calls still waiting in the queue are
// not started; they finish with a fault whose code is
// [soapcall.CodeStopped]. Calls issued after Stop fail in the same way.
func (c *Interface) Stop() {
	c.start.Do(func() {}) // do not start a worker after this point
	rest := c.queue.stop()
	for _, t := range rest {
		t.fail(soapcall.Fault{
			Code:    soapcall.CodeStopped,
			Message: "client stopped before the call was sent",
		})
	}
	if c.tasks != nil {
		c.tasks.Wait()
	}
}

func (c *Interface) startWorker() {
	c.tasks = taskgroup.New(nil)
	c.tasks.Go(func() error {
		defer func() {
			if cl, ok := c.tr.(io.Closer); ok {
				if err := cl.Close(); err != nil {
					c.log.Debug("closing transport", zap.Error(err))
				}
			}
		}()
		for {
			t := c.queue.next()
			if t == nil {
				return nil
			}
			c.process(t)
		}
	})
}

// process submits t to the transport and drives its exchange to completion.
// It runs only on the worker goroutine.
func (c *Interface) process(t *task) {
	c.μ.Lock()
	sess := c.session.Clone()
	c.μ.Unlock()

	log := c.log.With(zap.String("method", t.method), zap.Uint32("id", t.req.ID))
	log.Debug("submitting call", zap.String("endpoint", sess.Endpoint))

	events, err := c.tr.Submit(sess, t.req)
	if err != nil {
		c.transportFailed(log, t, err)
		return
	}
	for ev := range events {
		switch {
		case ev.Challenge != nil:
			ev.Challenge.Respond(c.resolve(log, t, ev.Challenge))
		case ev.Err != nil:
			c.transportFailed(log, t, ev.Err)
		case ev.Reply != nil:
			if t.finish(&ev.Reply.Body, ev.Reply.Headers) {
				log.Debug("call finished", zap.Bool("fault", ev.Reply.Body.Fault))
			}
		}
	}
	if !t.isDone() {
		c.transportFailed(log, t, io.ErrUnexpectedEOF)
	}
}

// resolve obtains a credential for ch from the resolver of t.
func (c *Interface) resolve(log *zap.Logger, t *task, ch *Challenge) *Credential {
	if t.auth == nil {
		log.Warn("authentication required, but no credential available",
			zap.String("scheme", ch.Scheme), zap.String("realm", ch.Realm))
		return nil
	}
	cred, err := t.auth(ch)
	if err != nil {
		log.Warn("resolving credential", zap.String("realm", ch.Realm), zap.Error(err))
		return nil
	}
	return cred
}

func (c *Interface) transportFailed(log *zap.Logger, t *task, err error) {
	if t.fail(soapcall.Fault{
		Code:    soapcall.CodeTransport,
		Message: err.Error(),
		Actor:   t.req.Action,
	}) {
		soapcall.Metrics.CallsFailed.Add(1)
		log.Info("call failed in transport", zap.Error(err))
	}
}

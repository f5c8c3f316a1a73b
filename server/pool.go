// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package server

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/creachadair/mds/queue"
	"github.com/creachadair/soapcall"
	"github.com/creachadair/taskgroup"
	"go.uber.org/zap"
)

// PoolOptions are settings for a Pool. A nil *PoolOptions provides defaults.
type PoolOptions struct {
	// MaxThreads is the maximum number of workers the pool may run at once.
	// If it is zero or negative, the number of workers is not bounded.
	MaxThreads int

	// IdleTimeout, if positive, is how long a worker may sit idle before it
	// exits and its object is released. If zero, idle workers wait for more
	// work until the pool is closed.
	IdleTimeout time.Duration

	// Logger, if set, receives logs from the pool. If nil, logs are
	// discarded.
	Logger *zap.Logger
}

func (o *PoolOptions) maxThreads() int {
	if o == nil {
		return 0
	}
	return o.MaxThreads
}

func (o *PoolOptions) idleTimeout() time.Duration {
	if o == nil {
		return 0
	}
	return o.IdleTimeout
}

func (o *PoolOptions) logger() *zap.Logger {
	if o == nil || o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

// A Pool is a bounded set of worker goroutines that serve requests. Each
// worker owns one Object, created on the first request the worker serves and
// released when the worker exits, so an object is only ever used by the
// worker that created it.
//
// Requests are served in the order they arrive. When all the workers allowed
// are busy, further requests wait in a queue until a worker is free.
type Pool struct {
	newObject func() Object
	idleTime  time.Duration
	log       *zap.Logger
	tasks     *taskgroup.Group

	μ        sync.Mutex
	max      int       // maximum workers; ≤ 0 means unbounded
	nworkers int       // workers running, busy or idle
	busy     int       // workers serving a request
	idle     []*worker // idle workers, most recent last
	nextID   int       // ID of the most recent worker
	pending  queue.Queue[*job]
	closed   bool
}

// NewPool constructs a Pool that calls newObject to construct an object for
// each of its workers.
func NewPool(newObject func() Object, opts *PoolOptions) *Pool {
	return &Pool{
		newObject: newObject,
		idleTime:  opts.idleTimeout(),
		log:       opts.logger(),
		tasks:     taskgroup.New(nil),
		max:       opts.maxThreads(),
	}
}

type job struct {
	ctx  context.Context
	req  *soapcall.Envelope
	done func(*soapcall.Envelope)
}

type worker struct {
	id   int
	jobs chan *job // buffered; closed to make an idle worker exit
}

// SetMaxThreadCount sets the maximum number of workers the pool may run at
// once. If n ≤ 0, the number of workers is not bounded. Raising the limit
// starts serving waiting requests at once; when the limit is lowered, idle
// workers above the limit exit, and busy workers above the limit exit when
// they finish their current request.
func (p *Pool) SetMaxThreadCount(n int) {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.max = n
	for n > 0 && p.nworkers > n && len(p.idle) != 0 {
		w := p.popIdleLocked()
		close(w.jobs)
		p.nworkers--
	}
	p.dispatchLocked()
}

// MaxThreadCount reports the current maximum number of workers.
func (p *Pool) MaxThreadCount() int {
	p.μ.Lock()
	defer p.μ.Unlock()
	return p.max
}

// PoolStats record a snapshot of the state of a Pool.
type PoolStats struct {
	Workers int // workers running
	Busy    int // workers serving a request
	Idle    int // workers waiting for a request
	Queued  int // requests waiting for a worker
	Max     int // maximum workers (≤ 0 means unbounded)
}

// Stats reports a snapshot of the current state of p.
func (p *Pool) Stats() PoolStats {
	p.μ.Lock()
	defer p.μ.Unlock()
	return PoolStats{
		Workers: p.nworkers,
		Busy:    p.busy,
		Idle:    len(p.idle),
		Queued:  p.pending.Len(),
		Max:     p.max,
	}
}

// Dispatch serves req on a worker of p, and blocks until its response is
// ready.
func (p *Pool) Dispatch(ctx context.Context, req *soapcall.Envelope) *soapcall.Envelope {
	ready := make(chan *soapcall.Envelope, 1)
	p.Submit(ctx, req, func(rsp *soapcall.Envelope) { ready <- rsp })
	return <-ready
}

// Submit adds req to the queue of p and returns without waiting for it to be
// served. When the response is ready, Submit calls done with it from the
// worker that served the request. If p is closed, done is called with a
// fault before Submit returns. If ctx ends before a worker takes the request,
// the request is not run, and done is called with a fault whose code is
// [soapcall.CodeCanceled].
func (p *Pool) Submit(ctx context.Context, req *soapcall.Envelope, done func(*soapcall.Envelope)) {
	p.μ.Lock()
	if p.closed {
		p.μ.Unlock()
		done(shutdownReply(req))
		return
	}
	p.pending.Add(&job{ctx: ctx, req: req, done: done})
	soapcall.Metrics.Queued.Add(1)
	p.dispatchLocked()
	p.μ.Unlock()
}

// Close stops p from accepting further requests, and blocks until every
// request already accepted has been served and all the workers have exited.
func (p *Pool) Close() error {
	p.μ.Lock()
	p.closed = true
	for len(p.idle) != 0 {
		close(p.popIdleLocked().jobs)
		p.nworkers--
	}
	p.μ.Unlock()
	return p.tasks.Wait()
}

func shutdownReply(req *soapcall.Envelope) *soapcall.Envelope {
	return &soapcall.Envelope{
		ID: req.ID,
		Body: *soapcall.Fault{
			Code:    soapcall.CodeShutdown,
			Message: "server is shutting down",
		}.Body(),
	}
}

// canceledReply answers a request whose context ended while it was waiting
// for a worker.
func canceledReply(req *soapcall.Envelope, err error) *soapcall.Envelope {
	return &soapcall.Envelope{
		ID: req.ID,
		Body: *soapcall.Fault{
			Code:    soapcall.CodeCanceled,
			Message: "request canceled before it ran: " + err.Error(),
		}.Body(),
	}
}

// dispatchLocked assigns waiting jobs to idle workers, or to new workers,
// while the limit permits. The caller must hold p.μ.
func (p *Pool) dispatchLocked() {
	for !p.pending.IsEmpty() {
		if len(p.idle) != 0 && (p.max <= 0 || p.busy < p.max) {
			w := p.popIdleLocked()
			p.busy++
			w.jobs <- p.popJobLocked()
		} else if p.max <= 0 || p.nworkers < p.max {
			p.nextID++
			w := &worker{id: p.nextID, jobs: make(chan *job, 1)}
			p.nworkers++
			p.busy++
			first := p.popJobLocked()
			p.tasks.Go(func() error { p.run(w, first); return nil })
		} else {
			return
		}
	}
}

func (p *Pool) popIdleLocked() *worker {
	n := len(p.idle) - 1
	w := p.idle[n]
	p.idle = p.idle[:n]
	return w
}

func (p *Pool) popJobLocked() *job {
	j, _ := p.pending.Pop()
	soapcall.Metrics.Queued.Add(-1)
	return j
}

// run is the main loop of a worker, starting with its first job.
func (p *Pool) run(w *worker, j *job) {
	log := p.log.With(zap.Int("worker", w.id))
	log.Debug("worker started")
	defer log.Debug("worker exited")

	var obj Object
	defer func() {
		if obj != nil {
			destroy(obj, log)
		}
	}()
	for {
		if err := j.ctx.Err(); err != nil {
			log.Debug("dropped canceled request", zap.Uint32("id", j.req.ID), zap.Error(err))
			j.done(canceledReply(j.req, err))
		} else {
			if obj == nil {
				obj = newObject(p.newObject)
			}
			j.done(invoke(j.ctx, obj, w.id, j.req, p.log))
		}

		next, exit := p.finish(w)
		if exit {
			return
		} else if next == nil {
			var ok bool
			if next, ok = p.wait(w); !ok {
				return
			}
		}
		j = next
	}
}

// finish reports the next job for w after it completes a request, or that it
// should exit. If finish reports neither, w has been made idle.
func (p *Pool) finish(w *worker) (next *job, exit bool) {
	p.μ.Lock()
	defer p.μ.Unlock()
	if !p.pending.IsEmpty() && (p.max <= 0 || p.busy <= p.max) {
		return p.popJobLocked(), false
	}
	p.busy--
	if p.closed || (p.max > 0 && p.nworkers > p.max) {
		p.nworkers--
		return nil, true
	}
	p.idle = append(p.idle, w)
	return nil, false
}

// wait blocks until an idle worker is given a job. It reports false if the
// worker should exit instead.
func (p *Pool) wait(w *worker) (*job, bool) {
	if p.idleTime <= 0 {
		j, ok := <-w.jobs
		return j, ok
	}
	t := time.NewTimer(p.idleTime)
	defer t.Stop()
	select {
	case j, ok := <-w.jobs:
		return j, ok
	case <-t.C:
	}

	p.μ.Lock()
	if i := slices.Index(p.idle, w); i >= 0 {
		p.idle = slices.Delete(p.idle, i, i+1)
		p.nworkers--
		p.μ.Unlock()
		return nil, false
	}
	p.μ.Unlock()

	// The worker was taken from the idle list after the timer fired, so a job
	// or a close is on its way.
	j, ok := <-w.jobs
	return j, ok
}

// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package server_test

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/creachadair/soapcall"
	"github.com/creachadair/soapcall/server"
)

// registry tracks the country objects constructed by a test.
type registry struct {
	gate chan struct{} // if non-nil, getEmployeeCountry blocks until closed

	μ       sync.Mutex
	created int
	live    int
	active  int
	peak    int
	workers map[int][]int // object ID → worker IDs that used it
}

func newRegistry() *registry { return &registry{workers: make(map[int][]int)} }

// gated makes getEmployeeCountry block until the returned function is called.
func (r *registry) gated() (release func()) {
	r.gate = make(chan struct{})
	var once sync.Once
	return func() { once.Do(func() { close(r.gate) }) }
}

func (r *registry) newObject() server.Object {
	r.μ.Lock()
	defer r.μ.Unlock()
	r.created++
	r.live++
	return &countryObject{reg: r, id: r.created}
}

func (r *registry) stats() (created, live, peak int) {
	r.μ.Lock()
	defer r.μ.Unlock()
	return r.created, r.live, r.peak
}

// running reports the number of requests currently inside a handler.
func (r *registry) running() int {
	r.μ.Lock()
	defer r.μ.Unlock()
	return r.active
}

func (r *registry) usedBy(id int) []int {
	r.μ.Lock()
	defer r.μ.Unlock()
	return slices.Clone(r.workers[id])
}

func (r *registry) enter(obj, worker int) {
	r.μ.Lock()
	defer r.μ.Unlock()
	r.active++
	r.peak = max(r.peak, r.active)
	r.workers[obj] = append(r.workers[obj], worker)
}

func (r *registry) leave() {
	r.μ.Lock()
	defer r.μ.Unlock()
	r.active--
}

type countryObject struct {
	server.Base
	reg *registry
	id  int
}

func (o *countryObject) Close() error {
	o.reg.μ.Lock()
	defer o.reg.μ.Unlock()
	o.reg.live--
	return nil
}

func (o *countryObject) ProcessRequest(ctx context.Context, req, rsp *soapcall.Message) {
	o.Dispatch(ctx, server.Methods{
		"getEmployeeCountry": o.getEmployeeCountry,
		"getStuff":           o.getStuff,
		"leaveFault":         o.leaveFault,
		"echoHeader":         o.echoHeader,
		"explode":            func(context.Context, *soapcall.Message, *soapcall.Message) { panic("kaboom") },
		"badFault":           func(context.Context, *soapcall.Message, *soapcall.Message) { o.SetFault("", "no code", "", "") },
	}, req, rsp)
}

func (o *countryObject) getEmployeeCountry(ctx context.Context, req, rsp *soapcall.Message) {
	o.reg.enter(o.id, server.WorkerID(ctx))
	defer o.reg.leave()
	if o.reg.gate != nil {
		<-o.reg.gate
	}

	if req.Arg("employeeName") == "" {
		o.SetFault("Client.Data", "Empty employee name", "CountryServerObject",
			"Employee name must not be empty")
		return
	}
	rsp.Add("employeeCountry", "France")
	rsp.Add("object", strconv.Itoa(o.id))
	rsp.Add("worker", strconv.Itoa(server.WorkerID(ctx)))
}

func (o *countryObject) getStuff(_ context.Context, req, rsp *soapcall.Message) {
	for _, name := range []string{"foo", "bar"} {
		if _, ok := req.Value(name); !ok {
			o.SetFault("Server.RequiredArgumentMissing", fmt.Sprintf("argument %q is missing", name), "", "")
			return
		}
	}
	rsp.Add("stuff", req.Arg("foo")+req.Arg("bar"))
}

// leaveFault records a fault and then writes a result anyway. The fault wins.
func (o *countryObject) leaveFault(_ context.Context, _, rsp *soapcall.Message) {
	o.SetFault("Server.Leftover", "left behind", "", "")
	rsp.Add("ignored", "true")
}

func (o *countryObject) echoHeader(_ context.Context, req, rsp *soapcall.Message) {
	name := req.Arg("name")
	o.SetResponseHeader(name, o.Headers().Get(name))
	rsp.Add("present", strconv.FormatBool(o.Headers().Has(name)))
}

func request(id uint32, method string, args ...string) *soapcall.Envelope {
	msg := soapcall.NewMessage(method)
	for i := 0; i+1 < len(args); i += 2 {
		msg.Add(args[i], args[i+1])
	}
	return &soapcall.Envelope{ID: id, Body: *msg}
}

// waitFor polls cond until it reports true, or fails t after a while.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	for range 500 {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

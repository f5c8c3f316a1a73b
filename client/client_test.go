// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package client_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/creachadair/soapcall"
	"github.com/creachadair/soapcall/client"
	"github.com/creachadair/taskgroup"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap/zaptest"
)

// fakeTransport records the envelopes submitted to it and replies to each
// using its reply function, which runs in a separate goroutine.
type fakeTransport struct {
	reply func(client.Session, *soapcall.Envelope, chan<- client.Event)

	μ        sync.Mutex
	order    []string
	sessions []client.Session
	envs     []*soapcall.Envelope
	closed   bool
}

func (f *fakeTransport) Submit(s client.Session, env *soapcall.Envelope) (<-chan client.Event, error) {
	f.μ.Lock()
	f.order = append(f.order, env.Body.Name)
	f.sessions = append(f.sessions, s)
	f.envs = append(f.envs, env)
	f.μ.Unlock()

	if env.Body.Name == "refuseSubmit" {
		return nil, errors.New("connection refused")
	}
	ch := make(chan client.Event, 1)
	go func() {
		defer close(ch)
		reply := f.reply
		if reply == nil {
			reply = echoReply
		}
		reply(s, env, ch)
	}()
	return ch, nil
}

func (f *fakeTransport) Close() error {
	f.μ.Lock()
	defer f.μ.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) methods() []string {
	f.μ.Lock()
	defer f.μ.Unlock()
	return append([]string(nil), f.order...)
}

// echoReply replies with a message named for the request, carrying the same
// arguments, and a header naming the request ID.
func echoReply(_ client.Session, env *soapcall.Envelope, ch chan<- client.Event) {
	rsp := soapcall.Message{Name: env.Body.Name + "Response", Args: env.Body.Args}
	ch <- client.Event{Reply: &soapcall.Envelope{
		ID:      env.ID,
		Headers: soapcall.Headers{{Name: "request-id", Value: fmt.Sprint(env.ID)}},
		Body:    rsp,
	}}
}

func TestCallBasic(t *testing.T) {
	defer leaktest.Check(t)()

	ft := new(fakeTransport)
	cli := client.New(ft, &client.Options{
		Endpoint:  "test://endpoint",
		Namespace: "urn:test#",
		Logger:    zaptest.NewLogger(t),
	})
	defer cli.Stop()

	ctx := context.Background()
	rsp, err := cli.Call(ctx, "echo", soapcall.NewMessage("").Add("text", "hello"), nil)
	if err != nil {
		t.Fatalf("Call: unexpected error: %v", err)
	}
	if diff := cmp.Diff(&soapcall.Message{
		Name: "echoResponse",
		Args: []soapcall.Arg{{Name: "text", Value: "hello"}},
	}, rsp); diff != "" {
		t.Errorf("Call response (-want, +got):\n%s", diff)
	}

	// Check the request envelope seen by the transport.
	ft.μ.Lock()
	env, sess := ft.envs[0], ft.sessions[0]
	ft.μ.Unlock()
	if got, want := env.Action, "urn:test#echo"; got != want {
		t.Errorf("Action: got %q, want %q", got, want)
	}
	if got, want := env.Body.Namespace, "urn:test#"; got != want {
		t.Errorf("Namespace: got %q, want %q", got, want)
	}
	if got, want := sess.Endpoint, "test://endpoint"; got != want {
		t.Errorf("Endpoint: got %q, want %q", got, want)
	}
}

func TestFIFO(t *testing.T) {
	defer leaktest.Check(t)()

	// The transport replies out of order: each reply is delayed by a random
	// amount, but the worker must still submit in enqueue order.
	ft := &fakeTransport{
		reply: func(s client.Session, env *soapcall.Envelope, ch chan<- client.Event) {
			time.Sleep(time.Duration(env.ID%3) * time.Millisecond)
			echoReply(s, env, ch)
		},
	}
	cli := client.New(ft, nil)
	defer cli.Stop()

	const numCalls = 50
	var want []string
	var calls []*client.PendingCall
	for i := range numCalls {
		method := fmt.Sprintf("m%d", i)
		want = append(want, method)
		calls = append(calls, cli.AsyncCall(method, nil, nil))
	}
	for i, pc := range calls {
		pc.WaitForFinished()
		rsp, err := pc.ReturnMessage()
		if err != nil {
			t.Fatalf("Call %d: %v", i, err)
		}
		if got, want := rsp.Name, want[i]+"Response"; got != want {
			t.Errorf("Call %d: got %q, want %q", i, got, want)
		}
	}
	if diff := cmp.Diff(want, ft.methods()); diff != "" {
		t.Errorf("Submission order (-want, +got):\n%s", diff)
	}
}

func TestPendingCall(t *testing.T) {
	defer leaktest.Check(t)()

	release := make(chan struct{})
	ft := &fakeTransport{
		reply: func(s client.Session, env *soapcall.Envelope, ch chan<- client.Event) {
			<-release
			echoReply(s, env, ch)
		},
	}
	cli := client.New(ft, nil)
	defer cli.Stop()

	pc := cli.AsyncCall("slow", nil, nil)
	if pc.IsFinished() {
		t.Error("Call finished before it was released")
	}
	if rsp, err := pc.ReturnMessage(); !errors.Is(err, client.ErrPending) {
		t.Errorf("ReturnMessage: got (%v, %v), want %v", rsp, err, client.ErrPending)
	}
	if hdr, err := pc.ReturnHeaders(); !errors.Is(err, client.ErrPending) {
		t.Errorf("ReturnHeaders: got (%v, %v), want %v", hdr, err, client.ErrPending)
	}

	// A deadline stops waiting without affecting the call.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := pc.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait: got %v, want %v", err, context.DeadlineExceeded)
	}

	close(release)
	pc.WaitForFinished()
	if !pc.IsFinished() {
		t.Error("Call is not finished after WaitForFinished")
	}
	pc.WaitForFinished() // must not block on a finished call

	rsp, err := pc.ReturnMessage()
	if err != nil {
		t.Fatalf("ReturnMessage: %v", err)
	}
	if got, want := rsp.Name, "slowResponse"; got != want {
		t.Errorf("Reply: got %q, want %q", got, want)
	}
	hdr, err := pc.ReturnHeaders()
	if err != nil {
		t.Fatalf("ReturnHeaders: %v", err)
	}
	if got := hdr.Get("request-id"); got != "1" {
		t.Errorf("Reply header: got %q, want %q", got, "1")
	}
}

func TestCallTimeout(t *testing.T) {
	defer leaktest.Check(t)()

	release := make(chan struct{})
	ft := &fakeTransport{
		reply: func(s client.Session, env *soapcall.Envelope, ch chan<- client.Event) {
			<-release
			echoReply(s, env, ch)
		},
	}
	cli := client.New(ft, nil)
	defer cli.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if rsp, err := cli.Call(ctx, "stuck", nil, nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Call: got (%v, %v), want %v", rsp, err, context.DeadlineExceeded)
	}

	// The timed-out call was not retracted: the next call runs after it.
	next := cli.AsyncCall("next", nil, nil)
	close(release)
	next.WaitForFinished()
	if diff := cmp.Diff([]string{"stuck", "next"}, ft.methods()); diff != "" {
		t.Errorf("Submission order (-want, +got):\n%s", diff)
	}
}

func TestWatcher(t *testing.T) {
	defer leaktest.Check(t)()

	release := make(chan struct{})
	ft := &fakeTransport{
		reply: func(s client.Session, env *soapcall.Envelope, ch chan<- client.Event) {
			<-release
			echoReply(s, env, ch)
		},
	}
	cli := client.New(ft, nil)
	defer cli.Stop()

	pc := cli.AsyncCall("watched", nil, nil)

	// Several watchers, one with two callbacks. Each callback is called
	// exactly once, with its own watcher.
	const numWatchers = 3
	var count [numWatchers + 1]atomic.Int32
	var wg sync.WaitGroup
	var ws []*client.Watcher
	for i := range numWatchers {
		w := client.NewWatcher(pc, nil)
		wg.Add(1)
		w.OnFinished(func(got *client.Watcher) {
			defer wg.Done()
			if got != w {
				t.Errorf("Watcher %d: callback got the wrong watcher", i)
			}
			count[i].Add(1)
		})
		ws = append(ws, w)
	}
	wg.Add(1)
	ws[0].OnFinished(func(*client.Watcher) { defer wg.Done(); count[numWatchers].Add(1) })

	close(release)
	wg.Wait()
	for i := range count {
		if n := count[i].Load(); n != 1 {
			t.Errorf("Callback %d: called %d times, want 1", i, n)
		}
	}

	// Watchers share the state of the call they watch.
	for i, w := range ws {
		rsp, err := w.ReturnMessage()
		if err != nil || rsp.Name != "watchedResponse" {
			t.Errorf("Watcher %d: got (%v, %v), want watchedResponse", i, rsp, err)
		}
	}
}

func TestWatcherEventLoop(t *testing.T) {
	defer leaktest.Check(t)()

	cli := client.New(new(fakeTransport), nil)
	defer cli.Stop()

	pc := cli.AsyncCall("done", nil, nil)
	pc.WaitForFinished()

	// Subscribing to a finished call schedules the callback on the loop,
	// rather than calling it in OnFinished.
	loop := client.NewEventLoop()
	var got []string
	w := client.NewWatcher(pc, loop).OnFinished(func(w *client.Watcher) {
		got = append(got, w.Method())
		loop.Stop()
	})
	if len(got) != 0 {
		t.Fatal("Callback ran inside OnFinished")
	}
	if n := loop.Len(); n != 1 {
		t.Errorf("Loop has %d queued functions, want 1", n)
	}
	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run: unexpected error: %v", err)
	}
	if diff := cmp.Diff([]string{"done"}, got); diff != "" {
		t.Errorf("Callbacks (-want, +got):\n%s", diff)
	}

	// A stopped watcher delivers nothing further.
	w.Stop()
	w.OnFinished(func(*client.Watcher) { t.Error("Stopped watcher delivered a callback") })
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := loop.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Run: got %v, want %v", err, context.DeadlineExceeded)
	}
}

func TestEventLoopOrder(t *testing.T) {
	defer leaktest.Check(t)()

	loop := client.NewEventLoop()
	var got []int
	g := taskgroup.New(nil)
	g.Go(func() error { return loop.Run(context.Background()) })
	for i := range 10 {
		loop.Post(func() { got = append(got, i) })
	}
	loop.Post(loop.Stop)
	g.Wait()

	if diff := cmp.Diff([]int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got); diff != "" {
		t.Errorf("Run order (-want, +got):\n%s", diff)
	}
}

func TestTransportFailure(t *testing.T) {
	defer leaktest.Check(t)()

	ft := &fakeTransport{
		reply: func(s client.Session, env *soapcall.Envelope, ch chan<- client.Event) {
			switch env.Body.Name {
			case "broken":
				ch <- client.Event{Err: errors.New("connection reset")}
			case "silent":
				// close without a terminal event
			default:
				echoReply(s, env, ch)
			}
		},
	}
	cli := client.New(ft, nil)
	defer cli.Stop()

	ctx := context.Background()
	for _, method := range []string{"refuseSubmit", "broken", "silent"} {
		rsp, err := cli.Call(ctx, method, nil, nil)
		if err != nil {
			t.Fatalf("Call %q: unexpected error: %v", method, err)
		}
		f, ok := soapcall.FaultOf(rsp)
		if !ok {
			t.Errorf("Call %q: got %v, want fault", method, rsp)
		} else if f.Code != soapcall.CodeTransport {
			t.Errorf("Call %q: fault code %q, want %q", method, f.Code, soapcall.CodeTransport)
		} else {
			t.Logf("Call %q: fault OK: %v", method, f)
		}
	}

	// A transport failure does not affect later calls.
	rsp, err := cli.Call(ctx, "fine", nil, nil)
	if err != nil || rsp.IsFault() {
		t.Errorf("Call after failures: got (%v, %v)", rsp, err)
	}
}

func TestChallenge(t *testing.T) {
	defer leaktest.Check(t)()

	// The transport challenges each call once, and replies with the user name
	// of the credential it got, or a fault if the challenge was refused.
	ft := &fakeTransport{
		reply: func(s client.Session, env *soapcall.Envelope, ch chan<- client.Event) {
			c := client.NewChallenge("Basic", "test-realm")
			ch <- client.Event{Challenge: c}
			cred, err := c.Credential(context.Background())
			if err != nil || cred == nil {
				ch <- client.Event{Reply: &soapcall.Envelope{ID: env.ID, Body: *soapcall.Fault{
					Code: soapcall.CodeAuth,
				}.Body()}}
				return
			}
			ch <- client.Event{Reply: &soapcall.Envelope{
				ID:   env.ID,
				Body: *soapcall.NewMessage("ok").Add("user", cred.User),
			}}
		},
	}
	cli := client.New(ft, &client.Options{Auth: client.Fixed("default", "pw")})
	defer cli.Stop()

	ctx := context.Background()
	check := func(opts *client.CallOptions, want string) {
		t.Helper()
		rsp, err := cli.Call(ctx, "secret", nil, opts)
		if err != nil {
			t.Fatalf("Call: unexpected error: %v", err)
		}
		if want == "" {
			if f, ok := soapcall.FaultOf(rsp); !ok || f.Code != soapcall.CodeAuth {
				t.Errorf("Call: got %v, want %s fault", rsp, soapcall.CodeAuth)
			}
		} else if got := rsp.Arg("user"); got != want {
			t.Errorf("Call: got user %q, want %q", got, want)
		}
	}

	check(nil, "default")
	check(&client.CallOptions{Auth: func(c *client.Challenge) (*client.Credential, error) {
		if c.Realm != "test-realm" {
			t.Errorf("Challenge realm: got %q, want test-realm", c.Realm)
		}
		// The hook runs on the worker, but must not deadlock against the queue.
		cli.AsyncCall("queued", nil, nil)
		return &client.Credential{User: "special"}, nil
	}}, "special")

	cli.SetAuthentication(nil)
	check(&client.CallOptions{}, "") // no resolver: refused
	check(&client.CallOptions{Auth: func(*client.Challenge) (*client.Credential, error) {
		return nil, errors.New("no thanks")
	}}, "")
}

func TestHeadersAndSession(t *testing.T) {
	defer leaktest.Check(t)()

	ft := new(fakeTransport)
	cookie := &http.Cookie{Name: "sid", Value: "1"}
	cli := client.New(ft, &client.Options{
		Session: client.Session{Endpoint: "a", Cookies: []*http.Cookie{cookie}},
	})
	defer cli.Stop()

	cli.SetHeader("session", "s1")
	cli.SetHeader("trace", "t1")
	cli.SetHeader("session", "s2") // replaces s1

	ctx := context.Background()
	cli.Call(ctx, "first", nil, &client.CallOptions{
		Action:  "custom-action",
		Headers: soapcall.Headers{{Name: "trace", Value: "override"}},
	})
	cli.ClearHeader("trace")
	cli.SetSession(client.Session{Endpoint: "b", Proxy: "http://proxy:3128"})
	cookie.Value = "mutated" // must not affect the copy held by the client
	cli.Call(ctx, "second", nil, nil)

	ft.μ.Lock()
	defer ft.μ.Unlock()

	if diff := cmp.Diff(soapcall.Headers{
		{Name: "trace", Value: "override"},
		{Name: "session", Value: "s2"},
	}, ft.envs[0].Headers); diff != "" {
		t.Errorf("First headers (-want, +got):\n%s", diff)
	}
	if got := ft.envs[0].Action; got != "custom-action" {
		t.Errorf("First action: got %q, want custom-action", got)
	}
	if got := ft.sessions[0].Cookies[0].Value; got != "1" {
		t.Errorf("First session cookie: got %q, want 1", got)
	}
	if diff := cmp.Diff(soapcall.Headers{
		{Name: "session", Value: "s2"},
	}, ft.envs[1].Headers); diff != "" {
		t.Errorf("Second headers (-want, +got):\n%s", diff)
	}
	if s := ft.sessions[1]; s.Endpoint != "b" || s.Proxy != "http://proxy:3128" {
		t.Errorf("Second session: got %+v", s)
	}
}

func TestStop(t *testing.T) {
	defer leaktest.Check(t)()

	started := make(chan struct{})
	release := make(chan struct{})
	ft := &fakeTransport{
		reply: func(s client.Session, env *soapcall.Envelope, ch chan<- client.Event) {
			if env.Body.Name == "first" {
				close(started)
				<-release
			}
			echoReply(s, env, ch)
		},
	}
	cli := client.New(ft, nil)

	first := cli.AsyncCall("first", nil, nil)
	<-started
	rest := []*client.PendingCall{
		cli.AsyncCall("second", nil, nil),
		cli.AsyncCall("third", nil, nil),
	}
	if n := cli.Queued(); n != 2 {
		t.Errorf("Queued: got %d, want 2", n)
	}

	stopped := make(chan struct{})
	go func() { defer close(stopped); cli.Stop() }()

	// Calls that were queued but not started are abandoned.
	for _, pc := range rest {
		pc.WaitForFinished()
		if f, ok := pc.Fault(); !ok || f.Code != soapcall.CodeStopped {
			t.Errorf("Call %q: got fault %v, want %s", pc.Method(), f, soapcall.CodeStopped)
		}
	}

	// The call in progress finishes normally.
	close(release)
	<-stopped
	if f, ok := first.Fault(); ok || !first.IsFinished() {
		t.Errorf("First call: finished=%v fault=%v", first.IsFinished(), f)
	}

	// Calls after Stop fail immediately.
	late := cli.AsyncCall("late", nil, nil)
	if f, ok := late.Fault(); !ok || f.Code != soapcall.CodeStopped {
		t.Errorf("Late call: got fault %v, want %s", f, soapcall.CodeStopped)
	}
	if diff := cmp.Diff([]string{"first"}, ft.methods()); diff != "" {
		t.Errorf("Submitted (-want, +got):\n%s", diff)
	}
	if !ft.closed {
		t.Error("Transport was not closed by the worker")
	}
}

// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package server implements the serving side of a soapcall exchange.
//
// A [Server] receives request envelopes from channels or HTTP requests and
// hands each to an [Object] that implements the service. Without a [Pool],
// requests are served one at a time by a single object, on the goroutine that
// received them. With a pool, requests are spread over a bounded set of
// workers, each of which owns an object of its own.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/creachadair/soapcall"
	"github.com/creachadair/soapcall/channel"
	"github.com/creachadair/taskgroup"
	"go.uber.org/zap"
)

// ServerOptions are settings for a Server. A nil *ServerOptions provides
// defaults.
type ServerOptions struct {
	// Pool, if set, is the pool of workers that serve requests. If nil,
	// requests are served inline by a single object.
	//
	// The caller owns the pool: closing the server does not close it.
	Pool *Pool

	// Logger, if set, receives logs from the server. If nil, logs are
	// discarded.
	Logger *zap.Logger

	// Authenticate, if set, is called to check the credentials of each HTTP
	// request. Requests without credentials, or for which it reports false,
	// are refused with a challenge.
	Authenticate func(user, password string) bool

	// Realm is the realm named by an authentication challenge.
	// If empty, it defaults to "soapcall".
	Realm string
}

func (o *ServerOptions) pool() *Pool {
	if o == nil {
		return nil
	}
	return o.Pool
}

func (o *ServerOptions) logger() *zap.Logger {
	if o == nil || o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

func (o *ServerOptions) authenticate() func(string, string) bool {
	if o == nil {
		return nil
	}
	return o.Authenticate
}

func (o *ServerOptions) realm() string {
	if o == nil || o.Realm == "" {
		return "soapcall"
	}
	return o.Realm
}

// A Server serves requests for a service. A Server implements http.Handler.
type Server struct {
	newObject func() Object
	pool      *Pool
	log       *zap.Logger
	auth      func(user, password string) bool
	realm     string

	inline struct {
		sync.Mutex
		obj Object // created on first use
	}
}

// NewServer constructs a Server that serves requests with objects constructed
// by newObject.
func NewServer(newObject func() Object, opts *ServerOptions) *Server {
	return &Server{
		newObject: newObject,
		pool:      opts.pool(),
		log:       opts.logger(),
		auth:      opts.authenticate(),
		realm:     opts.realm(),
	}
}

// Exec serves a single request and returns its response.
func (s *Server) Exec(ctx context.Context, req *soapcall.Envelope) *soapcall.Envelope {
	if s.pool != nil {
		return s.pool.Dispatch(ctx, req)
	}
	s.inline.Lock()
	defer s.inline.Unlock()
	if s.inline.obj == nil {
		s.inline.obj = newObject(s.newObject)
	}
	return invoke(ctx, s.inline.obj, 0, req, s.log)
}

// Close releases the object used to serve requests inline, if there is one.
// It does not close the pool of s.
func (s *Server) Close() error {
	s.inline.Lock()
	defer s.inline.Unlock()
	if s.inline.obj != nil {
		destroy(s.inline.obj, s.log)
		s.inline.obj = nil
	}
	return nil
}

// An Accepter accepts channels from clients.
type Accepter interface {
	Accept(context.Context) (soapcall.Channel, error)
}

// Serve accepts channels from acc and serves the requests received on each
// one in a goroutine. Serve continues until acc closes or ctx ends.
//
// When ctx terminates, all open channels are closed. When acc closes, Serve
// waits for the open channels to close before returning.
func (s *Server) Serve(ctx context.Context, acc Accepter) error {
	g := taskgroup.New(nil)
	for {
		ch, err := acc.Accept(ctx)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				err = nil
			}
			g.Wait()
			return err
		}

		g.Go(func() error {
			sctx, cancel := context.WithCancel(ctx)
			defer cancel()
			go func() { <-sctx.Done(); ch.Close() }()
			s.serveChannel(sctx, ch)
			return nil
		})
	}
}

// serveChannel serves requests received on ch until it fails. Responses are
// sent in the order they are ready, which need not be the order the requests
// arrived.
func (s *Server) serveChannel(ctx context.Context, ch soapcall.Channel) {
	var sendμ sync.Mutex
	var inflight sync.WaitGroup
	defer inflight.Wait()

	send := func(rsp *soapcall.Envelope) {
		sendμ.Lock()
		defer sendμ.Unlock()
		if err := ch.Send(rsp); err != nil {
			s.log.Debug("sending response", zap.Uint32("id", rsp.ID), zap.Error(err))
		}
	}
	for {
		req, err := ch.Recv()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.log.Warn("receiving request", zap.Error(err))
			}
			return
		}
		if s.pool != nil {
			inflight.Add(1)
			s.pool.Submit(ctx, req, func(rsp *soapcall.Envelope) {
				defer inflight.Done()
				send(rsp)
			})
		} else {
			send(s.Exec(ctx, req))
		}
	}
}

// maxBody bounds the size of an HTTP request body.
const maxBody = 1 << 26

// ServeHTTP implements the http.Handler interface. The request body must be
// an encoded envelope. If the envelope has no action, the action is taken
// from the SOAPAction header. A response that carries a fault is sent with
// status 500.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.auth != nil {
		user, pass, ok := r.BasicAuth()
		if !ok || !s.auth(user, pass) {
			s.log.Info("refused unauthenticated request", zap.String("remote", r.RemoteAddr))
			w.Header().Set("WWW-Authenticate", fmt.Sprintf("Basic realm=%q", s.realm))
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req soapcall.Envelope
	if err := req.UnmarshalBinary(data); err != nil {
		http.Error(w, fmt.Sprintf("invalid envelope: %v", err), http.StatusBadRequest)
		return
	}
	if req.Action == "" {
		req.Action = strings.Trim(r.Header.Get("SOAPAction"), `"`)
	}

	rsp := s.Exec(r.Context(), &req)
	body, err := rsp.MarshalBinary()
	if err != nil {
		s.log.Error("encoding response", zap.Uint32("id", rsp.ID), zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", soapcall.ContentType)
	if rsp.Body.Fault {
		w.WriteHeader(http.StatusInternalServerError)
	}
	w.Write(body)
}

// NetAccepter adapts a net.Listener to the Accepter interface.
func NetAccepter(lst net.Listener) Accepter {
	return netAccepter{Listener: lst}
}

type netAccepter struct {
	net.Listener
}

func (n netAccepter) Accept(ctx context.Context) (soapcall.Channel, error) {
	// A net.Listener does not obey a context, so simulate it by closing the
	// listener if ctx ends. The ok channel allows the context watcher to clean
	// up when we return before ctx ends.
	ok := make(chan struct{})
	defer close(ok)
	taskgroup.Go(func() error {
		select {
		case <-ctx.Done():
			n.Listener.Close()
		case <-ok:
			// release the waiter
		}
		return nil
	})

	conn, err := n.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return channel.Conn(conn), nil
}

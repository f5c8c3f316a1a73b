// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package server

import (
	"context"
	"fmt"
	"io"

	"github.com/creachadair/soapcall"
	"go.uber.org/zap"
)

// An Object implements the operations of a service. Each worker that serves
// requests owns one Object, created on its first request and reused for every
// request it serves after that, so the methods of an Object are never called
// concurrently. If an Object implements io.Closer, it is closed when its
// worker exits.
//
// Implementations must embed [Base], and override its ProcessRequest method
// to handle the operations they recognize:
//
//	type myObject struct{ server.Base }
//
//	func (o *myObject) ProcessRequest(ctx context.Context, req, rsp *soapcall.Message) {
//	   switch req.Name {
//	   case "hello":
//	      rsp.Add("greeting", "hello, "+req.Arg("name"))
//	   default:
//	      o.Base.ProcessRequest(ctx, req, rsp)
//	   }
//	}
type Object interface {
	// ProcessRequest handles the request message req, writing the result into
	// rsp. To report a fault instead of a result, call SetFault.
	ProcessRequest(ctx context.Context, req, rsp *soapcall.Message)

	base() *Base
}

// Base provides the state and default behavior shared by all objects. Embed
// it in the implementation of an [Object]. A zero Base is ready for use.
type Base struct {
	fault      soapcall.Fault
	reqHeaders soapcall.Headers
	rspHeaders soapcall.Headers
}

func (b *Base) base() *Base { return b }

// ProcessRequest is the default request handler. It reports a fault with code
// [soapcall.CodeMethodNotFound] naming the requested operation. Objects
// should call it for any operation they do not recognize.
func (b *Base) ProcessRequest(_ context.Context, req, _ *soapcall.Message) {
	b.SetFault(soapcall.CodeMethodNotFound, req.Name+" not found", "", "")
}

// A Method handles one operation of a service.
type Method func(ctx context.Context, req, rsp *soapcall.Message)

// Methods map operation names to the methods that handle them.
type Methods map[string]Method

// Dispatch calls the method for the operation named by req, or the default
// ProcessRequest of b if there is none.
func (b *Base) Dispatch(ctx context.Context, m Methods, req, rsp *soapcall.Message) {
	if method, ok := m[req.Name]; ok {
		method(ctx, req, rsp)
		return
	}
	b.ProcessRequest(ctx, req, rsp)
}

// SetFault records a fault to be returned in place of the result of the
// current request. It panics if code == "".
func (b *Base) SetFault(code, message, actor, detail string) {
	if code == "" {
		panic("server: fault code must not be empty")
	}
	b.fault = soapcall.Fault{Code: code, Message: message, Actor: actor, Detail: detail}
}

// ResetFault discards any fault recorded for the current request.
func (b *Base) ResetFault() { b.fault = soapcall.Fault{} }

// HasFault reports whether a fault has been recorded for the current request.
func (b *Base) HasFault() bool { return b.fault.Active() }

// Fault returns the fault recorded for the current request, if any.
func (b *Base) Fault() soapcall.Fault { return b.fault }

// Headers returns the headers sent with the current request.
func (b *Base) Headers() soapcall.Headers { return b.reqHeaders }

// SetResponseHeader adds a header to be returned with the response to the
// current request.
func (b *Base) SetResponseHeader(name, value string) {
	b.rspHeaders = append(b.rspHeaders, soapcall.Arg{Name: name, Value: value})
}

type workerKey struct{}

// WorkerID reports the identity of the worker serving the request whose
// context is ctx. Workers of a Pool are numbered from 1; requests that are
// served without a pool report 0. If ctx does not belong to a request,
// WorkerID reports -1.
func WorkerID(ctx context.Context) int {
	if v := ctx.Value(workerKey{}); v != nil {
		return v.(int)
	}
	return -1
}

// newObject calls f to construct an Object for a worker.
func newObject(f func() Object) Object {
	soapcall.Metrics.ObjectsLive.Add(1)
	return f()
}

// destroy releases obj when its worker exits.
func destroy(obj Object, log *zap.Logger) {
	soapcall.Metrics.ObjectsLive.Add(-1)
	if c, ok := obj.(io.Closer); ok {
		if err := c.Close(); err != nil {
			log.Warn("closing handler object", zap.Error(err))
		}
	}
}

// invoke runs the request carried by req on obj and returns the response.
// The fault state of obj is reset before and after the request, whether or
// not the handler cleared it.
func invoke(ctx context.Context, obj Object, id int, req *soapcall.Envelope, log *zap.Logger) *soapcall.Envelope {
	soapcall.Metrics.CallsIn.Add(1)
	soapcall.Metrics.CallsActive.Add(1)
	defer soapcall.Metrics.CallsActive.Add(-1)

	b := obj.base()
	b.ResetFault()
	b.reqHeaders = req.Headers
	b.rspHeaders = nil
	defer func() {
		b.ResetFault()
		b.reqHeaders = nil
		b.rspHeaders = nil
	}()

	method := req.Body.Name
	rsp := &soapcall.Message{Name: method + "Response"}
	func() {
		// A panic in the handler is reported to the caller as a fault.
		defer func() {
			if x := recover(); x != nil {
				log.Error("handler panicked",
					zap.String("method", method), zap.Int("worker", id),
					zap.Any("panic", x), zap.Stack("stack"))
				b.fault = soapcall.Fault{
					Code:    soapcall.CodeInternal,
					Message: fmt.Sprintf("handler panicked (recovered): %v", x),
				}
			}
		}()
		obj.ProcessRequest(context.WithValue(ctx, workerKey{}, id), &req.Body, rsp)
	}()

	out := &soapcall.Envelope{ID: req.ID, Headers: b.rspHeaders, Body: *rsp}
	if b.HasFault() {
		out.Body = *b.fault.Body()
	}
	if out.Body.Fault {
		soapcall.Metrics.FaultsOut.Add(1)
		f, _ := soapcall.FaultOf(&out.Body)
		log.Debug("request faulted",
			zap.String("method", method), zap.Int("worker", id), zap.String("fault", f.Code))
	}
	return out
}

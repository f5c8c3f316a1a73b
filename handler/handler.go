// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package handler provides adapters to the server.Method type for functions
// with other signatures.
//
// Parameters may be *soapcall.Message, a map[string]string, or a struct whose
// fields are filled from the arguments of the request. Fields are matched by
// the name in their "soap" tag, or by the field name, and values are converted
// from strings as needed.
//
// Results may be *soapcall.Message, a string (returned as the argument
// "return"), or a struct or map whose fields become the arguments of the
// response, in order of name.
//
// An error reported by the function becomes a fault. If the error is or wraps
// a soapcall.Fault, that fault is returned; otherwise the fault code is
// "Server". Parameters that cannot be decoded produce a fault with code
// "Client".
package handler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/creachadair/soapcall"
	"github.com/creachadair/soapcall/server"
	"github.com/mitchellh/mapstructure"
)

// reqContextKey is a context key for the request message to a handler.
type reqContextKey struct{}

// ContextRequest returns the original request message passed to the handler,
// or nil if ctx has no associated request. The context passed to a function
// adapted by this package has this value.
func ContextRequest(ctx context.Context) *soapcall.Message {
	if v := ctx.Value(reqContextKey{}); v != nil {
		return v.(*soapcall.Message)
	}
	return nil
}

// ParamResultError adapts a function f that accepts parameters of type P and
// returns a result of type R and an error, to a server.Method.
func ParamResultError[P, R any](f func(context.Context, P) (R, error)) server.Method {
	return func(ctx context.Context, req, rsp *soapcall.Message) {
		var p P
		if err := unmarshal(req, &p); err != nil {
			reject(rsp, "Client", err)
			return
		}
		r, err := f(context.WithValue(ctx, reqContextKey{}, req), p)
		if err != nil {
			reject(rsp, "Server", err)
			return
		}
		respond(rsp, r)
	}
}

// ParamResult adapts a function f that accepts parameters of type P and
// returns a result of type R without error, to a server.Method.
func ParamResult[P, R any](f func(context.Context, P) R) server.Method {
	return ParamResultError(func(ctx context.Context, p P) (R, error) {
		return f(ctx, p), nil
	})
}

// ParamError adapts a function f that accepts parameters of type P and returns
// an error with no result, to a server.Method.
func ParamError[P any](f func(context.Context, P) error) server.Method {
	return ParamResultError(func(ctx context.Context, p P) (*soapcall.Message, error) {
		return nil, f(ctx, p)
	})
}

// ResultError adapts a function f that accepts no parameters and returns a
// result of type R and an error, to a server.Method.
func ResultError[R any](f func(context.Context) (R, error)) server.Method {
	return func(ctx context.Context, req, rsp *soapcall.Message) {
		r, err := f(context.WithValue(ctx, reqContextKey{}, req))
		if err != nil {
			reject(rsp, "Server", err)
			return
		}
		respond(rsp, r)
	}
}

// ResultOnly adapts a function f that accepts no parameters and returns a
// result of type R without error, to a server.Method.
func ResultOnly[R any](f func(context.Context) R) server.Method {
	return ResultError(func(ctx context.Context) (R, error) { return f(ctx), nil })
}

// reject replaces rsp with a fault describing err.
func reject(rsp *soapcall.Message, code string, err error) {
	var f soapcall.Fault
	if !errors.As(err, &f) || !f.Active() {
		f = soapcall.Fault{Code: code, Message: err.Error()}
	}
	*rsp = *f.Body()
}

// respond adds the arguments encoded from v to rsp, or reports a fault if v
// cannot be encoded.
func respond(rsp *soapcall.Message, v any) {
	args, err := marshal(v)
	if err != nil {
		reject(rsp, "Server", err)
		return
	}
	rsp.Args = append(rsp.Args, args...)
}

// unmarshal decodes the arguments of req into v, which must be a pointer.
func unmarshal(req *soapcall.Message, v any) error {
	if t, ok := v.(**soapcall.Message); ok {
		*t = req
		return nil
	}
	in := make(map[string]any, len(req.Args))
	for _, a := range req.Args {
		if _, ok := in[a.Name]; !ok {
			in[a.Name] = a.Value
		}
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           v,
		TagName:          "soap",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("cannot unmarshal into %T: %w", v, err)
	}
	if err := dec.Decode(in); err != nil {
		return fmt.Errorf("invalid parameters: %w", err)
	}
	return nil
}

// marshal encodes v as a list of arguments.
//
// As a special case, if v is a nil *soapcall.Message the result is empty.
func marshal(v any) ([]soapcall.Arg, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case *soapcall.Message:
		if t == nil {
			return nil, nil
		}
		return slices.Clone(t.Args), nil
	case string:
		return []soapcall.Arg{{Name: "return", Value: t}}, nil
	}

	var out map[string]any
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  &out,
		TagName: "soap",
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(v); err != nil {
		return nil, fmt.Errorf("cannot marshal %T: %w", v, err)
	}
	args := make([]soapcall.Arg, 0, len(out))
	for name, val := range out {
		args = append(args, soapcall.Arg{Name: name, Value: fmt.Sprint(val)})
	}
	slices.SortFunc(args, func(a, b soapcall.Arg) int { return strings.Compare(a.Name, b.Name) })
	return args, nil
}

// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package handler_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/creachadair/soapcall"
	"github.com/creachadair/soapcall/handler"
	"github.com/creachadair/soapcall/server"
	"github.com/google/go-cmp/cmp"
)

// methodObject serves a single method named "X".
type methodObject struct {
	server.Base
	m server.Method
}

func (o *methodObject) ProcessRequest(ctx context.Context, req, rsp *soapcall.Message) {
	o.Dispatch(ctx, server.Methods{"X": o.m}, req, rsp)
}

type employee struct {
	Name string `soap:"employeeName"`
	Age  int    `soap:"age"`
}

type country struct {
	Country string `soap:"employeeCountry"`
	Known   bool   `soap:"known"`
}

func TestHandler(t *testing.T) {
	input := []soapcall.Arg{{Name: "employeeName", Value: "David"}, {Name: "age", Value: "41"}}

	// If wantFault != "", the call must fail with a fault whose text begins
	// with wantFault.
	check := func(t *testing.T, want []soapcall.Arg, wantFault string, m server.Method) {
		t.Helper()
		srv := server.NewServer(func() server.Object { return &methodObject{m: m} }, nil)
		defer srv.Close()
		rsp := srv.Exec(context.Background(), &soapcall.Envelope{
			ID:   1,
			Body: soapcall.Message{Name: "X", Args: input},
		})
		if f, ok := soapcall.FaultOf(&rsp.Body); ok {
			if got := f.Error(); wantFault == "" || !strings.HasPrefix(got, wantFault) {
				t.Fatalf("Call: got fault %v, want %q", f, wantFault)
			}
		} else if wantFault != "" {
			t.Fatalf("Call: got %v, want fault %q", rsp.Body.String(), wantFault)
		} else if diff := cmp.Diff(want, rsp.Body.Args); diff != "" {
			t.Errorf("Call result (-want, +got):\n%s", diff)
		}
	}
	checkReq := func(t *testing.T, ctx context.Context) {
		t.Helper()
		if req := handler.ContextRequest(ctx); req == nil || req.Name != "X" {
			t.Errorf("Context request: got %v, want X", req)
		}
	}
	france := []soapcall.Arg{{Name: "employeeCountry", Value: "France"}, {Name: "known", Value: "true"}}

	t.Run("PRE", func(t *testing.T) {
		t.Run("StructStruct", func(t *testing.T) {
			check(t, france, "", handler.ParamResultError(
				func(ctx context.Context, e employee) (country, error) {
					checkReq(t, ctx)
					if e.Name != "David" || e.Age != 41 {
						t.Errorf("Params: got %+v", e)
					}
					return country{Country: "France", Known: true}, nil
				},
			))
		})
		t.Run("MapString", func(t *testing.T) {
			check(t, []soapcall.Arg{{Name: "return", Value: "David-ok"}}, "", handler.ParamResultError(
				func(ctx context.Context, m map[string]string) (string, error) {
					checkReq(t, ctx)
					return m["employeeName"] + "-ok", nil
				},
			))
		})
		t.Run("StructPointer", func(t *testing.T) {
			check(t, []soapcall.Arg{{Name: "age", Value: "41"}, {Name: "name", Value: "David"}}, "", handler.ParamResultError(
				func(ctx context.Context, e *employee) (map[string]string, error) {
					checkReq(t, ctx)
					return map[string]string{"name": e.Name, "age": fmt.Sprint(e.Age)}, nil
				},
			))
		})
		t.Run("Error", func(t *testing.T) {
			check(t, nil, "[Server] bad robot", handler.ParamResultError(
				func(ctx context.Context, e employee) (string, error) {
					checkReq(t, ctx)
					return "", errors.New("bad robot")
				},
			))
		})
		t.Run("Fault", func(t *testing.T) {
			check(t, nil, "[Client.Data] Empty employee name", handler.ParamResultError(
				func(ctx context.Context, e employee) (string, error) {
					return "", fmt.Errorf("lookup: %w", soapcall.Fault{Code: "Client.Data", Message: "Empty employee name"})
				},
			))
		})
		t.Run("BadParams", func(t *testing.T) {
			type badAge struct {
				Age bool `soap:"age"`
			}
			check(t, nil, "[Client] invalid parameters", handler.ParamResultError(
				func(ctx context.Context, p badAge) (string, error) {
					t.Errorf("Handler called with %+v", p)
					return "", nil
				},
			))
		})
	})

	t.Run("PR", func(t *testing.T) {
		check(t, france, "", handler.ParamResult(
			func(ctx context.Context, e employee) country { checkReq(t, ctx); return country{"France", true} },
		))
	})

	t.Run("PE", func(t *testing.T) {
		check(t, nil, "[Server] ok", handler.ParamError(
			func(ctx context.Context, req *soapcall.Message) error {
				checkReq(t, ctx)
				if req.Arg("employeeName") != "David" {
					t.Errorf("Params: got %v", req)
				}
				return errors.New("ok")
			},
		))
		check(t, nil, "", handler.ParamError(
			func(ctx context.Context, req *soapcall.Message) error { return nil },
		))
	})

	t.Run("RE", func(t *testing.T) {
		check(t, []soapcall.Arg{{Name: "return", Value: "please"}}, "", handler.ResultError(
			func(ctx context.Context) (string, error) { checkReq(t, ctx); return "please", nil },
		))
		check(t, nil, "[Server] ok", handler.ResultError(
			func(ctx context.Context) (country, error) { return country{}, errors.New("ok") },
		))
	})

	t.Run("RO", func(t *testing.T) {
		check(t, []soapcall.Arg{{Name: "return", Value: "more"}}, "", handler.ResultOnly(
			func(ctx context.Context) string { checkReq(t, ctx); return "more" },
		))
	})
}

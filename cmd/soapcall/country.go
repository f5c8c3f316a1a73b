package main

import (
	"context"
	"fmt"

	"github.com/creachadair/soapcall"
	"github.com/creachadair/soapcall/handler"
	"github.com/creachadair/soapcall/server"
)

// countryService is the handler object of the demonstration service.
type countryService struct {
	server.Base
	served int // requests served by this object
}

func newCountryService() server.Object { return new(countryService) }

func (c *countryService) ProcessRequest(ctx context.Context, req, rsp *soapcall.Message) {
	c.served++
	c.Dispatch(ctx, server.Methods{
		"getEmployeeCountry": c.getEmployeeCountry,
		"getStuff":           c.getStuff,
		"whoami":             handler.ResultOnly(c.whoami),
	}, req, rsp)
}

func (c *countryService) getEmployeeCountry(_ context.Context, req, rsp *soapcall.Message) {
	if req.Arg("employeeName") == "" {
		c.SetFault("Client.Data", "Empty employee name", "CountryServerObject",
			"Employee name must not be empty")
		return
	}
	rsp.Add("employeeCountry", "France")
}

func (c *countryService) getStuff(_ context.Context, req, rsp *soapcall.Message) {
	for _, name := range []string{"foo", "bar"} {
		if _, ok := req.Value(name); !ok {
			c.SetFault("Server.RequiredArgumentMissing", fmt.Sprintf("argument %q is missing", name), "", "")
			return
		}
	}
	rsp.Add("stuff", req.Arg("foo")+req.Arg("bar"))
}

type whoamiResult struct {
	Worker int `soap:"worker"`
	Served int `soap:"served"`
}

func (c *countryService) whoami(ctx context.Context) whoamiResult {
	return whoamiResult{Worker: server.WorkerID(ctx), Served: c.served}
}

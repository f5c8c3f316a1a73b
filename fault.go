// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package soapcall

import "fmt"

// Fault codes reported by this module. Applications may use any other
// non-empty code for their own faults, for example "Client.Data".
const (
	CodeMethodNotFound = "Server.MethodNotFound" // no handler for the operation
	CodeInternal       = "Server.Internal"       // a handler panicked
	CodeShutdown       = "Server.Shutdown"       // the server is shutting down
	CodeCanceled       = "Server.Canceled"       // the request ended before it ran
	CodeTransport      = "Client.Transport"      // the transport failed
	CodeStopped        = "Client.Stopped"        // the client was stopped
	CodeAuth           = "Client.Authentication" // no credential was supplied
)

// The names of the arguments of a fault-shaped message.
const (
	argFaultCode   = "faultcode"
	argFaultString = "faultstring"
	argFaultActor  = "faultactor"
	argDetail      = "detail"
)

// A Fault is a structured error descriptor returned in place of a normal
// result. A fault is active if and only if its Code is non-empty.
type Fault struct {
	Code    string
	Message string
	Actor   string
	Detail  string
}

// Active reports whether f describes a fault.
func (f Fault) Active() bool { return f.Code != "" }

// Error implements the error interface, allowing a Fault to be used as an
// error.
func (f Fault) Error() string {
	if f.Message == "" {
		return f.Code
	}
	return fmt.Sprintf("[%s] %s", f.Code, f.Message)
}

// Body returns a fault-shaped message carrying the fields of f.
func (f Fault) Body() *Message {
	return &Message{
		Name:  "Fault",
		Fault: true,
		Args: []Arg{
			{Name: argFaultCode, Value: f.Code},
			{Name: argFaultString, Value: f.Message},
			{Name: argFaultActor, Value: f.Actor},
			{Name: argDetail, Value: f.Detail},
		},
	}
}

// FaultOf decodes the fault carried by m. It reports false if m is not
// fault-shaped.
func FaultOf(m *Message) (Fault, bool) {
	if !m.IsFault() {
		return Fault{}, false
	}
	return Fault{
		Code:    m.Arg(argFaultCode),
		Message: m.Arg(argFaultString),
		Actor:   m.Arg(argFaultActor),
		Detail:  m.Arg(argDetail),
	}, true
}

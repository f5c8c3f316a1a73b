// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package soapcall

import (
	"fmt"
	"strings"
)

// An Arg is a single named value carried by a message or a header set.
type Arg struct {
	Name  string `cbor:"1,keyasint"`
	Value string `cbor:"2,keyasint,omitempty"`
}

// Message is the body of a request or a response. The Name of a request
// message is the name of the operation being invoked.
//
// A Message with Fault set is "fault-shaped": its arguments carry the fields
// of a [Fault] rather than a normal result. Use [FaultOf] to decode them.
type Message struct {
	Name      string `cbor:"1,keyasint,omitempty"`
	Namespace string `cbor:"2,keyasint,omitempty"`
	Args      []Arg  `cbor:"3,keyasint,omitempty"`
	Fault     bool   `cbor:"4,keyasint,omitempty"`
}

// NewMessage constructs an empty message with the given name.
func NewMessage(name string) *Message { return &Message{Name: name} }

// Add appends an argument with the given name and value to m, and returns m
// to permit chaining.
func (m *Message) Add(name, value string) *Message {
	m.Args = append(m.Args, Arg{Name: name, Value: value})
	return m
}

// Value reports the value of the first argument of m with the given name, and
// whether such an argument was found.
func (m *Message) Value(name string) (string, bool) {
	if m == nil {
		return "", false
	}
	for _, a := range m.Args {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}

// Arg returns the value of the first argument of m with the given name, or ""
// if there is no such argument.
func (m *Message) Arg(name string) string { v, _ := m.Value(name); return v }

// IsFault reports whether m is a fault-shaped message.
func (m *Message) IsFault() bool { return m != nil && m.Fault }

// String returns a human-friendly rendering of the message.
func (m *Message) String() string {
	if m == nil {
		return "Message(nil)"
	}
	var sb strings.Builder
	if m.Fault {
		sb.WriteString("Fault")
	} else {
		sb.WriteString("Message")
	}
	fmt.Fprintf(&sb, "(%q", m.Name)
	for _, a := range m.Args {
		fmt.Fprintf(&sb, ", %s=%q", a.Name, a.Value)
	}
	sb.WriteString(")")
	return sb.String()
}

// Headers are a set of named header values attached to a request or a
// response, in addition to its body.
type Headers []Arg

// Get returns the value of the first header with the given name, or "".
func (h Headers) Get(name string) string {
	for _, a := range h {
		if a.Name == name {
			return a.Value
		}
	}
	return ""
}

// Has reports whether h contains a header with the given name.
func (h Headers) Has(name string) bool {
	for _, a := range h {
		if a.Name == name {
			return true
		}
	}
	return false
}

// Merge returns a copy of h extended by each header of more whose name is not
// already present in h. Earlier headers take precedence.
func (h Headers) Merge(more Headers) Headers {
	out := make(Headers, len(h), len(h)+len(more))
	copy(out, h)
	for _, a := range more {
		if !out.Has(a.Name) {
			out = append(out, a)
		}
	}
	return out
}

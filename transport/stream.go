// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package transport provides implementations of the client.Transport
// interface.
package transport

import (
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/creachadair/soapcall"
	"github.com/creachadair/soapcall/channel"
	"github.com/creachadair/soapcall/client"
)

// A Dialer opens a channel to the endpoint of a session.
type Dialer func(client.Session) (soapcall.Channel, error)

// Stream is a client.Transport that exchanges envelopes over a
// soapcall.Channel. The channel is opened on first use, and is reopened on
// the next call after a failure.
type Stream struct {
	dial Dialer

	μ  sync.Mutex
	ch soapcall.Channel
}

// NewStream constructs a Stream that opens its channel using dial.
func NewStream(dial Dialer) *Stream { return &Stream{dial: dial} }

// Connected constructs a Stream that uses ch, and does not reopen it.
func Connected(ch soapcall.Channel) *Stream {
	return &Stream{
		dial: func(client.Session) (soapcall.Channel, error) { return nil, net.ErrClosed },
		ch:   ch,
	}
}

// Submit implements the client.Transport interface.
func (s *Stream) Submit(sess client.Session, env *soapcall.Envelope) (<-chan client.Event, error) {
	ch, err := s.channel(sess)
	if err != nil {
		return nil, err
	}
	if err := ch.Send(env); err != nil {
		s.reset(ch)
		return nil, err
	}

	out := make(chan client.Event, 1)
	go func() {
		defer close(out)
		rsp, err := ch.Recv()
		if err != nil {
			s.reset(ch)
			out <- client.Event{Err: err}
		} else if rsp.ID != env.ID {
			s.reset(ch)
			out <- client.Event{Err: fmt.Errorf("reply ID %d does not match request ID %d", rsp.ID, env.ID)}
		} else {
			out <- client.Event{Reply: rsp}
		}
	}()
	return out, nil
}

// Close closes the channel, if it is open.
func (s *Stream) Close() error {
	s.μ.Lock()
	defer s.μ.Unlock()
	if s.ch == nil {
		return nil
	}
	err := s.ch.Close()
	s.ch = nil
	return err
}

func (s *Stream) channel(sess client.Session) (soapcall.Channel, error) {
	s.μ.Lock()
	defer s.μ.Unlock()
	if s.ch == nil {
		ch, err := s.dial(sess)
		if err != nil {
			return nil, fmt.Errorf("dial %q: %w", sess.Endpoint, err)
		}
		s.ch = ch
	}
	return s.ch, nil
}

// reset discards ch if it is the current channel.
func (s *Stream) reset(ch soapcall.Channel) {
	s.μ.Lock()
	defer s.μ.Unlock()
	if s.ch == ch {
		s.ch.Close()
		s.ch = nil
	}
}

// DialNet is a Dialer that connects to the endpoint of a session over the
// network, choosing the network type as described by SplitAddress.
func DialNet(sess client.Session) (soapcall.Channel, error) {
	conn, err := net.Dial(SplitAddress(sess.Endpoint))
	if err != nil {
		return nil, err
	}
	return channel.Conn(conn), nil
}

// SplitAddress parses an address string to guess a network type and target.
//
// The assignment of a network type uses the following heuristics:
//
// If s does not have the form [host]:port, the network is assigned as "unix".
// The network "unix" is also assigned if port == "", port contains characters
// other than ASCII letters, digits, and "-", or if host contains a "/".
//
// Otherwise, the network is assigned as "tcp". Note that this function does
// not verify whether the address is lexically valid.
func SplitAddress(s string) (network, address string) {
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return "unix", s
	}
	host, port := s[:i], s[i+1:]
	if port == "" || !isServiceName(port) {
		return "unix", s
	} else if strings.IndexByte(host, '/') >= 0 {
		return "unix", s
	}
	return "tcp", s
}

// isServiceName reports whether s looks like a legal service name from the
// services(5) file. The grammar of such names is not well-defined, but for our
// purposes it includes letters, digits, and "-".
func isServiceName(s string) bool {
	for _, b := range s {
		if b >= '0' && b <= '9' || b >= 'A' && b <= 'Z' || b >= 'a' && b <= 'z' || b == '-' {
			continue
		}
		return false
	}
	return true
}

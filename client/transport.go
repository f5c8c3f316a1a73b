// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package client

import (
	"context"
	"net/http"
	"slices"

	"github.com/creachadair/soapcall"
)

// A Transport carries request envelopes to a remote endpoint and reports what
// happens to them.
//
// Submit is called only from the worker goroutine of a single Interface. It
// must not block waiting for the reply. Instead, it returns a channel on
// which the transport delivers zero or more challenge events followed by
// exactly one terminal event (a reply or an error), after which the channel
// is closed.
type Transport interface {
	Submit(Session, *soapcall.Envelope) (<-chan Event, error)
}

// An Event is a notification from a transport about a submitted envelope.
// Exactly one of its fields is set.
type Event struct {
	Challenge *Challenge         // the remote endpoint requires a credential
	Reply     *soapcall.Envelope // the reply has arrived
	Err       error              // the exchange failed
}

// Session is the connection configuration shared by the calls of an
// Interface. A copy is given to the transport for each call.
type Session struct {
	Endpoint  string         // where to send requests
	Proxy     string         // proxy URL, if any
	UserAgent string         // user agent string, if any
	Cookies   []*http.Cookie // cookies to present with each request
}

// Clone returns a deep copy of s.
func (s Session) Clone() Session {
	s.Cookies = slices.Clone(s.Cookies)
	for i, c := range s.Cookies {
		cp := *c
		s.Cookies[i] = &cp
	}
	return s
}

// A Credential answers an authentication challenge.
type Credential struct {
	User     string
	Password string
}

// An AuthFunc resolves a credential for an authentication challenge. It is
// called synchronously on the worker goroutine of an Interface, so it must
// not wait for other calls on the same Interface to complete.
//
// If it reports an error or a nil credential, the challenge is refused.
type AuthFunc func(*Challenge) (*Credential, error)

// Fixed returns an AuthFunc that answers every challenge with cred.
func Fixed(user, password string) AuthFunc {
	return func(*Challenge) (*Credential, error) {
		return &Credential{User: user, Password: password}, nil
	}
}

// A Challenge is a request from the remote endpoint for a credential, issued
// while an exchange is in flight. The transport creates a challenge with
// NewChallenge, delivers it in an Event, and waits for the answer.
type Challenge struct {
	Scheme string // e.g., "Basic"
	Realm  string // the protection space named by the endpoint

	reply chan *Credential
}

// NewChallenge constructs a new unanswered challenge.
func NewChallenge(scheme, realm string) *Challenge {
	return &Challenge{Scheme: scheme, Realm: realm, reply: make(chan *Credential, 1)}
}

// Respond answers the challenge. A nil credential refuses it. Only the first
// response to a challenge has any effect.
func (c *Challenge) Respond(cred *Credential) {
	select {
	case c.reply <- cred:
	default:
	}
}

// Credential blocks until c has been answered or ctx ends. It reports nil if
// the challenge was refused.
func (c *Challenge) Credential(ctx context.Context) (*Credential, error) {
	select {
	case cred := <-c.reply:
		return cred, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

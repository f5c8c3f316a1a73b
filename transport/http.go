// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/creachadair/soapcall"
	"github.com/creachadair/soapcall/client"
)

// HTTP is a client.Transport that POSTs each envelope to the endpoint of the
// session, which must be an HTTP URL. A zero HTTP is ready for use.
//
// If the server answers with 401 Unauthorized, the transport reports a
// challenge for the scheme and realm named by its WWW-Authenticate header,
// and retries the request once with the credential it is given, using HTTP
// Basic authentication.
type HTTP struct {
	// Client, if set, is the base client used to send requests. If it has a
	// cookie jar, cookies set by the server persist across calls.
	Client *http.Client

	μ       sync.Mutex
	proxied map[string]*http.Client // proxy URL → client
}

// maxReply bounds the size of an HTTP response body.
var maxReply int64 = 1 << 26

// Submit implements the client.Transport interface.
func (h *HTTP) Submit(sess client.Session, env *soapcall.Envelope) (<-chan client.Event, error) {
	body, err := env.MarshalBinary()
	if err != nil {
		return nil, err
	}
	hc, err := h.clientFor(sess.Proxy)
	if err != nil {
		return nil, err
	}

	out := make(chan client.Event, 1)
	go func() {
		defer close(out)
		ev := h.exchange(hc, sess, env, body, out)
		out <- ev
	}()
	return out, nil
}

// exchange sends one request, answering at most one challenge along the way,
// and returns the terminal event for it.
func (h *HTTP) exchange(hc *http.Client, sess client.Session, env *soapcall.Envelope, body []byte, out chan<- client.Event) client.Event {
	var cred *client.Credential
	for {
		req, err := http.NewRequest(http.MethodPost, sess.Endpoint, bytes.NewReader(body))
		if err != nil {
			return client.Event{Err: err}
		}
		req.Header.Set("Content-Type", soapcall.ContentType)
		req.Header.Set("SOAPAction", `"`+env.Action+`"`)
		if sess.UserAgent != "" {
			req.Header.Set("User-Agent", sess.UserAgent)
		}
		for _, c := range sess.Cookies {
			req.AddCookie(c)
		}
		if cred != nil {
			req.SetBasicAuth(cred.User, cred.Password)
		}

		rsp, err := hc.Do(req)
		if err != nil {
			return client.Event{Err: err}
		}
		data, err := io.ReadAll(io.LimitReader(rsp.Body, maxReply+1))
		rsp.Body.Close()
		if err != nil {
			return client.Event{Err: err}
		} else if int64(len(data)) > maxReply {
			return client.Event{Err: fmt.Errorf("reply exceeds %d bytes", maxReply)}
		}

		if rsp.StatusCode == http.StatusUnauthorized {
			if cred != nil {
				return authFault(env, "credential rejected")
			}
			scheme, realm := parseChallenge(rsp.Header.Get("WWW-Authenticate"))
			c := client.NewChallenge(scheme, realm)
			out <- client.Event{Challenge: c}
			cred, err = c.Credential(context.Background())
			if err != nil || cred == nil {
				return authFault(env, "authentication required")
			}
			continue
		}

		// A SOAP fault is delivered with status 500, so accept that too.
		if rsp.StatusCode != http.StatusOK && rsp.StatusCode != http.StatusInternalServerError {
			return client.Event{Err: fmt.Errorf("http: %s", rsp.Status)}
		}
		var reply soapcall.Envelope
		if err := reply.UnmarshalBinary(data); err != nil {
			return client.Event{Err: err}
		}
		return client.Event{Reply: &reply}
	}
}

func authFault(env *soapcall.Envelope, msg string) client.Event {
	return client.Event{Reply: &soapcall.Envelope{
		ID: env.ID,
		Body: *soapcall.Fault{
			Code:    soapcall.CodeAuth,
			Message: msg,
			Actor:   env.Action,
		}.Body(),
	}}
}

// clientFor returns an HTTP client that routes requests through proxy.
func (h *HTTP) clientFor(proxy string) (*http.Client, error) {
	base := h.Client
	if base == nil {
		base = http.DefaultClient
	}
	if proxy == "" {
		return base, nil
	}

	h.μ.Lock()
	defer h.μ.Unlock()
	if hc, ok := h.proxied[proxy]; ok {
		return hc, nil
	}
	u, err := url.Parse(proxy)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy: %w", err)
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.Proxy = http.ProxyURL(u)
	hc := &http.Client{Transport: tr, Jar: base.Jar, Timeout: base.Timeout}
	if h.proxied == nil {
		h.proxied = make(map[string]*http.Client)
	}
	h.proxied[proxy] = hc
	return hc, nil
}

// Close releases idle connections held by proxied clients.
func (h *HTTP) Close() error {
	h.μ.Lock()
	defer h.μ.Unlock()
	for _, hc := range h.proxied {
		hc.CloseIdleConnections()
	}
	h.proxied = nil
	return nil
}

// parseChallenge extracts the scheme and realm from a WWW-Authenticate
// header value such as `Basic realm="example"`.
func parseChallenge(s string) (scheme, realm string) {
	scheme, params, _ := strings.Cut(strings.TrimSpace(s), " ")
	for p := range strings.SplitSeq(params, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
		if ok && strings.EqualFold(k, "realm") {
			realm = strings.Trim(v, `"`)
		}
	}
	return scheme, realm
}

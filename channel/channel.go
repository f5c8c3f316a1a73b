// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package channel provides implementations of the soapcall.Channel interface.
package channel

import (
	"bufio"
	"io"
	"net"
	"sync"

	"github.com/creachadair/soapcall"
)

// Direct constructs a connected pair of in-memory channels that pass
// envelopes directly without encoding into binary. Envelopes sent to A are
// received by B and vice versa.
func Direct() (A, B soapcall.Channel) {
	a2b := make(chan *soapcall.Envelope)
	b2a := make(chan *soapcall.Envelope)
	A = &direct{a2b: a2b, b2a: b2a}
	B = &direct{a2b: b2a, b2a: a2b}
	return
}

type direct struct {
	a2b  chan<- *soapcall.Envelope
	b2a  <-chan *soapcall.Envelope
	once sync.Once
}

// Send implements a method of the [soapcall.Channel] interface.
func (d *direct) Send(env *soapcall.Envelope) (err error) {
	defer safeClose(&err)
	d.a2b <- env
	return nil
}

// Recv implements a method of the [soapcall.Channel] interface.
func (d *direct) Recv() (*soapcall.Envelope, error) {
	env, ok := <-d.b2a
	if !ok {
		return nil, net.ErrClosed
	}
	return env, nil
}

// Close implements a method of the [soapcall.Channel] interface.
func (d *direct) Close() error {
	err := net.ErrClosed
	d.once.Do(func() { close(d.a2b); err = nil })
	return err
}

func safeClose(err *error) {
	if x := recover(); x != nil && *err == nil {
		*err = net.ErrClosed
	}
}

// IO constructs a channel that receives from r and sends to wc.
func IO(r io.Reader, wc io.WriteCloser) IOChannel {
	return IOChannel{r: bufio.NewReader(r), w: bufio.NewWriter(wc), c: wc}
}

// An IOChannel sends and receives framed envelopes on a reader and a writer.
type IOChannel struct {
	r *bufio.Reader
	w *bufio.Writer
	c io.Closer
}

// Send implements a method of the [soapcall.Channel] interface.
func (c IOChannel) Send(env *soapcall.Envelope) error {
	if _, err := env.WriteTo(c.w); err != nil {
		return err
	}
	return c.w.Flush()
}

// Recv implements a method of the [soapcall.Channel] interface.
func (c IOChannel) Recv() (*soapcall.Envelope, error) {
	var env soapcall.Envelope
	if _, err := env.ReadFrom(c.r); err != nil {
		return nil, err
	}
	return &env, nil
}

// Close implements a method of the [soapcall.Channel] interface.
func (c IOChannel) Close() error { return c.c.Close() }

// Conn constructs a channel that exchanges envelopes over a network
// connection.
func Conn(conn net.Conn) IOChannel { return IO(conn, conn) }

// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package soapcall defines the message model shared by the clients and
// servers of a SOAP-style remote procedure call system.
//
// A call names an operation and carries a [Message] of named arguments, plus
// a set of [Headers]. The reply to a call is either a result message or a
// [Fault], a structured error with a code, a message, an actor and a detail.
// Requests and replies travel inside an [Envelope].
//
// # Clients
//
// The client package implements the calling side. Each client.Interface owns
// a single worker goroutine that holds the live transport and executes queued
// calls one at a time, in the order they were issued:
//
//	cli := client.New(tr, &client.Options{Namespace: ns})
//	defer cli.Stop()
//
//	rsp, err := cli.Call(ctx, "getEmployeeCountry",
//	   soapcall.NewMessage("").Add("employeeName", "David"), nil)
//
// To issue a call without blocking, use AsyncCall, which returns a
// client.PendingCall. A client.Watcher delivers a one-time notification when
// the call finishes:
//
//	w := client.NewWatcher(cli.AsyncCall("getEmployeeCountry", msg, nil), nil)
//	w.OnFinished(func(w *client.Watcher) {
//	   rsp, _ := w.ReturnMessage()
//	   log.Printf("Reply: %v", rsp)
//	})
//
// # Servers
//
// The server package implements the serving side. The application supplies a
// constructor for handler objects, which embed server.Base and override its
// ProcessRequest method. Each worker goroutine of a server.Pool creates its
// own object on first use, and reuses it for every request it serves, so an
// object never needs to lock its own state.
//
// # Channels
//
// The [Channel] interface defines the ability to send and receive envelopes
// over a reliable stream. The channel package provides basic implementations.
//
// # Metrics
//
// Clients and servers maintain a collection of metrics while running. Use
// [Metrics] to obtain an [expvar.Map] containing the exported values:
//
//   - calls_out: counter of outbound calls enqueued
//   - calls_pending: gauge of outbound calls not yet finished
//   - calls_failed: counter of outbound calls that failed in transport
//   - calls_in: counter of inbound requests received
//   - calls_active: gauge of inbound requests currently executing
//   - faults_out: counter of inbound requests answered with a fault
//   - objects_live: gauge of handler objects currently alive
//   - requests_queued: gauge of inbound requests waiting for a worker
package soapcall

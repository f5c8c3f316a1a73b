// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package soapcall

import "expvar"

// Metrics record client and server activity counters. They are shared by all
// clients and servers in the process.
var Metrics = newMetrics()

// metrics holds the counters exported by [Metrics].
type metrics struct {
	CallsOut     expvar.Int // number of outbound calls enqueued
	CallsPending expvar.Int // outbound calls not yet finished
	CallsFailed  expvar.Int // outbound calls finished with a transport failure
	CallsIn      expvar.Int // number of inbound requests received
	CallsActive  expvar.Int // inbound requests currently executing
	FaultsOut    expvar.Int // inbound requests answered with a fault
	ObjectsLive  expvar.Int // handler objects currently alive
	Queued       expvar.Int // inbound requests waiting for a worker

	emap *expvar.Map
}

func newMetrics() *metrics {
	m := &metrics{emap: new(expvar.Map)}
	m.emap.Set("calls_out", &m.CallsOut)
	m.emap.Set("calls_pending", &m.CallsPending)
	m.emap.Set("calls_failed", &m.CallsFailed)
	m.emap.Set("calls_in", &m.CallsIn)
	m.emap.Set("calls_active", &m.CallsActive)
	m.emap.Set("faults_out", &m.FaultsOut)
	m.emap.Set("objects_live", &m.ObjectsLive)
	m.emap.Set("requests_queued", &m.Queued)
	return m
}

// Map returns the metrics map. It is safe for the caller to add additional
// metrics to the map.
func (m *metrics) Map() *expvar.Map { return m.emap }

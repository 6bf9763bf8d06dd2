// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package cpcall

import "expvar"

// connMetrics record connection activity counters.
type connMetrics struct {
	frameRecv    expvar.Int
	frameSent    expvar.Int
	frameDropped expvar.Int
	callIn       expvar.Int // number of inbound calls received
	callInErr    expvar.Int // number of inbound calls answered with a failure
	callDeferred expvar.Int // inbound calls whose answer is still deferred
	callOut      expvar.Int // number of outbound calls issued
	callOutErr   expvar.Int // number of outbound calls settled with an error
	callPending  expvar.Int // outbound, both FIFO and deferred
	disposed     expvar.Int

	emap *expvar.Map
}

var rootMetrics = newConnMetrics()

func newConnMetrics() *connMetrics {
	m := &connMetrics{emap: new(expvar.Map)}
	m.emap.Set("frames_received", &m.frameRecv)
	m.emap.Set("frames_sent", &m.frameSent)
	m.emap.Set("frames_dropped", &m.frameDropped)
	m.emap.Set("calls_in", &m.callIn)
	m.emap.Set("calls_in_failed", &m.callInErr)
	m.emap.Set("calls_deferred_in", &m.callDeferred)
	m.emap.Set("calls_out", &m.callOut)
	m.emap.Set("calls_out_failed", &m.callOutErr)
	m.emap.Set("calls_pending", &m.callPending)
	m.emap.Set("conns_disposed", &m.disposed)
	return m
}

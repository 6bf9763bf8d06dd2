// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package cpcall implements a bidirectional remote call protocol.
//
// Two connections exchange a stream of frames over a shared reliable, ordered
// channel, and use them to invoke named commands on each other, return
// results immediately or later, and shut down in an orderly way.  The
// package does not care what carries the frames: an in-memory pipe, a
// socket, or the standard streams of a child process all work.
//
// # Connections
//
// The core type defined by this package is the [Conn]. A Conn is constructed
// over a [Transport], which delivers inbound frames to the connection through
// a [Controller] and sends outbound frames for it:
//
//	c := cpcall.New(transport)
//
// Most programs use a [Channel] instead, which the [ChannelTransport] adapts:
//
//	c := cpcall.Start(ch)
//
// The channel package provides some basic implementations of Channel. The
// process package connects a program to its parent or to a child process over
// standard input and output.
//
// # Calls
//
// To define command handlers on the connection, use the [Conn.Handle] method
// to register a handler for a command name:
//
//	func echo(ctx context.Context, args []any) (any, error) {
//	   return args[0], nil
//	}
//
//	c.Handle("echo", echo)
//
// To issue a call to the remote connection, use the [Conn.Call] method. Call
// never blocks; it returns a [Result] that settles when the answer arrives:
//
//	v, err := c.Call("echo", "hello").Wait(ctx)
//	if err != nil {
//	   log.Fatalf("Call failed: %v", err)
//	}
//
// A call to a command the peer does not have fails with [*UnregisteredError].
// A handler that fails delivers a [*ThrownError] to the caller. To throw an
// arbitrary value rather than an error message, return [Throw]:
//
//	return nil, cpcall.Throw(map[string]any{"code": 17})
//
// # Deferred Answers
//
// Answers are matched to calls by the order they arrive, which means a
// handler that needs time to answer would hold up every answer behind it. To
// avoid this, a handler may return an [Awaiter] such as a [*Result]. The peer
// is told at once that the answer is deferred, and the answer is sent, tagged
// with an ID, when the Awaiter settles. Other calls proceed meanwhile.
//
// In particular, a handler that calls back to the remote connection must
// defer, rather than wait for the answer itself:
//
//	func handle(ctx context.Context, args []any) (any, error) {
//	    return cpcall.ContextConn(ctx).Call("hello", "world"), nil
//	}
//
// Use [Go] to run arbitrary work in the background and answer with its result.
//
// # Shutdown
//
// [Conn.End] tells the peer this side will issue no more calls.  When a
// connection receives the peer's end and owes it no answers, it ends too.
// Once both ends are sent and no calls are pending in either direction, the
// connection closes gracefully.
//
// [Conn.Dispose] terminates a connection at once.  Calls still waiting for
// answers fail with [ErrRespondFailed] or [ErrAsyncRespondFailed].  Receiving
// a frame the connection does not understand also disposes it.
//
// Use [Conn.Done] or [Conn.Wait] to wait for the connection to terminate, and
// [Conn.Err] to learn why.
//
// # Reactions
//
// Frames of the reaction sub-protocol are not interpreted by the connection.
// Register a [ReactionHandler] with [Conn.HandleReaction] to receive them, and
// use [Conn.SendReaction] to send them.
//
// # Metrics
//
// Connections maintain a collection of metrics while running. Use the
// [Conn.Metrics] method to obtain an [expvar.Map] containing the metrics
// exported by connections. Metrics are shared globally among all connections.
//
// The metrics currently exported include:
//
//   - frames_received: counter of frames received
//   - frames_sent: counter of frames sent
//   - frames_dropped: counter of frames received and discarded
//   - calls_in: counter of inbound calls received
//   - calls_in_failed: counter of inbound calls answered with a failure
//   - calls_deferred_in: gauge of inbound calls whose answer is deferred
//   - calls_out: counter of outbound calls issued
//   - calls_out_failed: counter of outbound calls that failed
//   - calls_pending: gauge of outbound calls awaiting an answer
//   - conns_disposed: counter of connections disposed
package cpcall

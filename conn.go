// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package cpcall

import (
	"context"
	"expvar"
	"fmt"
	"maps"
	"sync"

	"github.com/creachadair/mds/queue"
	"github.com/creachadair/taskgroup"
)

// A Handler runs a command on behalf of the remote connection.  A handler can
// obtain its connection from its context argument using ContextConn.
//
// If the handler reports an error, the caller receives a failure: an error
// constructed by Throw delivers its value verbatim, any other error delivers
// its message string.  If the handler returns a value implementing Awaiter,
// the answer is deferred until its Wait method returns.
type Handler func(ctx context.Context, args []any) (any, error)

// A ReactionHandler receives the frames of the reaction sub-protocol.  Any
// error it reports is fatal to the connection.
type ReactionHandler func(context.Context, Frame) error

// A FrameLogger logs a frame exchanged with the remote connection.
type FrameLogger func(FrameInfo)

// A FrameInfo combines a frame and a flag indicating whether the frame was
// sent or received.
type FrameInfo struct {
	Frame      // the frame being logged
	Sent  bool // whether the frame was sent (true) or received (false)
}

func (f FrameInfo) dir() string {
	if f.Sent {
		return "send"
	}
	return "recv"
}

func (f FrameInfo) String() string { return fmt.Sprintf("%v %v", f.dir(), f.Frame) }

type connState int

const (
	stateOpen     connState = iota
	stateClosing            // graceful finalization in progress
	stateClosed             // terminal, no error
	stateDisposed           // terminal, with a cause
)

// pendingCall is a call issued by the local connection awaiting its answer.
type pendingCall struct {
	command string
	result  *Result
}

// A Conn is one end of a call connection over a Transport.  Both ends may
// issue calls to, and answer calls from, the other.
//
// Use Handle to register commands, Call to invoke a command on the remote
// connection, End to shut down gracefully and Dispose to shut down at once.
// All methods are safe for concurrent use by multiple goroutines.
//
// Answers to calls that complete immediately are matched to calls in the
// order the calls were sent, so the Transport must deliver frames in order.
type Conn struct {
	t     Transport
	tasks *taskgroup.Group

	life   context.Context // ends when the connection terminates
	cancel context.CancelFunc

	ended chan struct{} // closed when the local end is sent
	done  chan struct{} // closed when the connection terminates

	μ sync.Mutex

	cmds      map[string]Handler         // command name → handler
	ocall     *queue.Queue[*pendingCall] // outbound calls awaiting return/throw
	oasync    map[uint32]*pendingCall    // deferred ID → outbound call
	owed      int                        // inbound deferred calls not yet answered
	nextID    uint32                     // last deferred ID issued
	localEnd  bool                       // we sent a fin
	remoteEnd bool                       // the peer sent a fin
	endClosed bool                       // ended has been closed
	state     connState
	err       error // termination cause

	react  ReactionHandler
	flog   FrameLogger
	base   func() context.Context
	onExit func(error)
}

// An Option configures a connection before its transport is initialized, so
// that handlers and callbacks are in place before the first frame arrives.
type Option func(*Conn)

// WithCommands returns an Option that registers the given handlers.
func WithCommands(cmds map[string]Handler) Option {
	return func(c *Conn) {
		for name, h := range cmds {
			c.Handle(name, h)
		}
	}
}

// New constructs a connection over t, applies opts, and initializes t with a
// controller to deliver inbound frames.  The controller is passed before New
// returns.
func New(t Transport, opts ...Option) *Conn {
	life, cancel := context.WithCancel(context.Background())
	c := &Conn{
		t:      t,
		tasks:  taskgroup.New(nil),
		life:   life,
		cancel: cancel,
		ended:  make(chan struct{}),
		done:   make(chan struct{}),
		cmds:   make(map[string]Handler),
		ocall:  queue.New[*pendingCall](),
		oasync: make(map[uint32]*pendingCall),
		base:   context.Background,
	}
	for _, opt := range opts {
		opt(c)
	}
	t.Init(controller{c})
	return c
}

// Start constructs a connection that exchanges frames over ch.
// It is shorthand for New(NewChannelTransport(ch), opts...).
func Start(ch Channel, opts ...Option) *Conn { return New(NewChannelTransport(ch), opts...) }

// Metrics returns the metrics map for connections. It is safe for the caller
// to add additional metrics to the map while the connection is active.
func (c *Conn) Metrics() *expvar.Map { return rootMetrics.emap }

// Handle registers a handler for the specified command name, replacing any
// previous handler.  Passing a nil Handler removes the handler for name.
// Handle returns c to permit chaining.
func (c *Conn) Handle(name string, handler Handler) *Conn {
	c.μ.Lock()
	defer c.μ.Unlock()
	if handler == nil {
		delete(c.cmds, name)
	} else {
		c.cmds[name] = handler
	}
	return c
}

// Commands returns a copy of the current command registry.
func (c *Conn) Commands() map[string]Handler {
	c.μ.Lock()
	defer c.μ.Unlock()
	return maps.Clone(c.cmds)
}

// HandleReaction registers a callback for reaction frames from the remote
// connection.  If none is registered, reaction frames are discarded.  The
// callback is invoked synchronously with frame dispatch.  HandleReaction
// returns c to permit chaining.
func (c *Conn) HandleReaction(h ReactionHandler) *Conn {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.react = h
	return c
}

// LogFrames registers a callback that will be invoked for each frame
// exchanged with the remote connection, including frames that are discarded.
// Passing nil disables logging. The logger is invoked synchronously and must
// not call methods of c.
func (c *Conn) LogFrames(log FrameLogger) *Conn {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.flog = log
	return c
}

// OnExit registers a callback to be invoked once when the connection
// terminates, with the cause reported by Err.  The callback runs before Done
// is closed, so it must not wait for c to terminate.  If f == nil the callback
// is removed.
func (c *Conn) OnExit(f func(error)) *Conn {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.onExit = f
	return c
}

// NewContext registers a function that will be called to create a new base
// context for command and reaction handlers.  If it is not set a background
// context is used.
func (c *Conn) NewContext(base func() context.Context) *Conn {
	c.μ.Lock()
	defer c.μ.Unlock()
	if base == nil {
		c.base = context.Background
	} else {
		c.base = base
	}
	return c
}

// Call issues a call of the named command to the remote connection, and
// returns a result that settles with its answer.  Call does not block.
//
// If the local end has already been sent, or the connection has terminated,
// the result fails at once with ErrEnded and no frame is sent.  Likewise, if
// the transport is a FrameChecker that rejects the arguments, the result fails
// at once with its error.  If the remote connection has no handler for command, the result fails with an
// *UnregisteredError.  If the remote handler fails, the result fails with a
// *ThrownError.
func (c *Conn) Call(command string, args ...any) *Result {
	rootMetrics.callOut.Add(1)
	res := NewResult()

	c.μ.Lock()
	defer c.μ.Unlock()
	if c.localEnd || c.state != stateOpen {
		rootMetrics.callOutErr.Add(1)
		if c.err != nil {
			res.Reject(fmt.Errorf("%w: %w", ErrEnded, c.err))
		} else {
			res.Reject(ErrEnded)
		}
		return res
	}
	f := &CallFrame{Command: command, Args: args}
	if err := c.checkFrame(f); err != nil {
		rootMetrics.callOutErr.Add(1)
		res.Reject(err)
		return res
	}
	c.ocall.Add(&pendingCall{command: command, result: res})
	rootMetrics.callPending.Add(1)
	c.sendLocked(f)
	return res
}

// Exec runs the local handler for command, if one exists, without sending
// anything to the remote connection. If the handler defers its result, Exec
// waits for it or for ctx to end.
func (c *Conn) Exec(ctx context.Context, command string, args ...any) (any, error) {
	c.μ.Lock()
	h, ok := c.cmds[command]
	c.μ.Unlock()
	if !ok {
		return nil, &UnregisteredError{Command: command}
	}
	v, err := runHandler(context.WithValue(ctx, connContextKey{}, c), h, args)
	if err != nil {
		return nil, err
	}
	if aw, ok := v.(Awaiter); ok {
		return aw.Wait(ctx)
	}
	return v, nil
}

// SendReaction sends a frame of the reaction sub-protocol to the remote
// connection.  It reports an error if f is not a reaction frame or if the
// connection has terminated.
func (c *Conn) SendReaction(f Frame) error {
	if !f.Kind().IsReaction() {
		return fmt.Errorf("frame %v is not a reaction frame", f.Kind())
	}
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.state != stateOpen {
		return ErrEnded
	}
	if err := c.checkFrame(f); err != nil {
		return err
	}
	c.sendLocked(f)
	return nil
}

// End sends the local end of stream to the remote connection.  Afterward c
// issues no new calls, but continues to answer calls and receive answers.
// The connection closes once both ends have been sent and nothing remains
// pending in either direction; if that holds already, End closes it before
// returning.  End has no effect if the local end was already sent or the
// connection has terminated.
func (c *Conn) End() {
	c.μ.Lock()
	if c.localEnd || c.state != stateOpen {
		c.μ.Unlock()
		return
	}
	c.sendEndLocked()
	fin := c.checkCloseLocked()
	c.μ.Unlock()
	if fin {
		c.finalize()
	}
}

// Dispose terminates c at once with the given cause, regardless of pending
// work.  Pending calls fail with ErrRespondFailed, or ErrAsyncRespondFailed if
// the peer had deferred their answer.  If cause == nil, ErrDisposed is used.
// Dispose reports the error, if any, from disposing the transport.  If c has
// already terminated, Dispose does nothing and returns nil.
func (c *Conn) Dispose(cause error) error {
	if cause == nil {
		cause = ErrDisposed
	}
	c.μ.Lock()
	if c.state == stateClosed || c.state == stateDisposed {
		c.μ.Unlock()
		return nil
	}
	c.state = stateDisposed
	c.err = cause
	rootMetrics.disposed.Add(1)

	for {
		pc, ok := c.ocall.Pop()
		if !ok {
			break
		}
		c.failLocked(pc, ErrRespondFailed)
	}
	for id, pc := range c.oasync {
		c.failLocked(pc, ErrAsyncRespondFailed)
		delete(c.oasync, id)
	}
	c.markEndedLocked()
	onExit := c.onExit
	c.μ.Unlock()

	c.cancel()
	defer func() {
		if onExit != nil {
			onExit(cause)
		}
		close(c.done)
	}()
	return c.t.Dispose(cause)
}

// Ended reports whether the local end of stream has been sent.
func (c *Conn) Ended() bool {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.localEnd
}

// Closed reports whether c has terminated, either by closing or by disposal.
func (c *Conn) Closed() bool {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.state == stateClosed || c.state == stateDisposed
}

// OnEnd returns a channel that is closed once the local end of stream has
// been sent, either by End or in reply to the remote end, or when c
// terminates.
func (c *Conn) OnEnd() <-chan struct{} { return c.ended }

// Done returns a channel that is closed when c terminates.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err reports the cause of termination. It is nil while c is running and
// after a graceful close.
func (c *Conn) Err() error {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.err
}

// Wait blocks until c terminates and its background work has finished, and
// reports the cause of termination.
func (c *Conn) Wait() error {
	<-c.done
	c.tasks.Wait()
	if w, ok := c.t.(interface{ Wait() error }); ok {
		w.Wait()
	}
	return c.Err()
}

// checkFrame reports whether the transport of c can carry f.
func (c *Conn) checkFrame(f Frame) error {
	if fc, ok := c.t.(FrameChecker); ok {
		return fc.CheckFrame(f)
	}
	return nil
}

func (c *Conn) sendLocked(f Frame) {
	rootMetrics.frameSent.Add(1)
	if c.flog != nil {
		c.flog(FrameInfo{Frame: f, Sent: true})
	}
	c.t.SendFrame(f)
}

func (c *Conn) sendEndLocked() {
	c.localEnd = true
	c.sendLocked(&FinFrame{})
	c.markEndedLocked()
}

func (c *Conn) markEndedLocked() {
	if !c.endClosed {
		c.endClosed = true
		close(c.ended)
	}
}

// autoEndLocked mirrors the remote end once nothing is owed to the peer.
func (c *Conn) autoEndLocked() {
	if c.remoteEnd && !c.localEnd && c.owed == 0 && c.state == stateOpen {
		c.sendEndLocked()
	}
}

// checkCloseLocked reports whether c is eligible to close, and if so marks it
// as closing. The caller must call finalize after releasing the lock.
func (c *Conn) checkCloseLocked() bool {
	if c.state != stateOpen || !c.localEnd || !c.remoteEnd {
		return false
	} else if !c.ocall.IsEmpty() || len(c.oasync) != 0 || c.owed != 0 {
		return false
	}
	c.state = stateClosing
	return true
}

// finalize closes the transport and completes a graceful shutdown.  If the
// transport fails to close, c is disposed instead.
func (c *Conn) finalize() {
	if err := c.t.Close(); err != nil {
		c.Dispose(fmt.Errorf("close transport: %w", err))
		return
	}
	c.μ.Lock()
	if c.state != stateClosing {
		c.μ.Unlock()
		return // disposed while closing
	}
	c.state = stateClosed
	c.markEndedLocked()
	onExit := c.onExit
	c.μ.Unlock()

	c.cancel()
	if onExit != nil {
		onExit(nil)
	}
	close(c.done)
}

func (c *Conn) resolveLocked(pc *pendingCall, v any) {
	rootMetrics.callPending.Add(-1)
	pc.result.Resolve(v)
}

func (c *Conn) failLocked(pc *pendingCall, err error) {
	rootMetrics.callPending.Add(-1)
	rootMetrics.callOutErr.Add(1)
	pc.result.Reject(err)
}

// handlerContext returns a context for a handler, which ends when cancel is
// called or when c terminates.
func (c *Conn) handlerContext(base func() context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithValue(base(), connContextKey{}, c))
	stop := context.AfterFunc(c.life, cancel)
	return ctx, func() { stop(); cancel() }
}

// runHandler invokes h, converting a panic into an error.
func runHandler(ctx context.Context, h Handler, args []any) (_ any, err error) {
	defer func() {
		if x := recover(); x != nil && err == nil {
			err = fmt.Errorf("handler panicked (recovered): %v", x)
		}
	}()
	return h(ctx, args)
}

type connContextKey struct{}

// ContextConn returns the Conn associated with the given context, or nil if
// none is defined.  The context passed to a Handler has this value.
func ContextConn(ctx context.Context) *Conn {
	if v := ctx.Value(connContextKey{}); v != nil {
		return v.(*Conn)
	}
	return nil
}

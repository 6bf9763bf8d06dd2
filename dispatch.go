// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package cpcall

import (
	"context"
	"fmt"
	"strings"
)

// controller is the Controller handed to the transport of a Conn.
type controller struct{ c *Conn }

// NextFrame implements a method of the [Controller] interface.
func (ctl controller) NextFrame(f Frame) {
	if err := ctl.c.dispatchFrame(f); err != nil {
		ctl.c.Dispose(err)
	}
}

// EndFrame implements a method of the [Controller] interface.
func (ctl controller) EndFrame(cause error) {
	c := ctl.c
	if cause != nil {
		c.Dispose(cause)
		return
	}

	c.μ.Lock()
	if c.state != stateOpen {
		c.μ.Unlock()
		return
	}
	c.remoteEnd = true
	c.autoEndLocked()

	// No further answers can arrive for calls still pending.
	if !c.ocall.IsEmpty() || len(c.oasync) != 0 {
		c.μ.Unlock()
		c.Dispose(ErrChannelEnded)
		return
	}
	fin := c.checkCloseLocked()
	c.μ.Unlock()
	if fin {
		c.finalize()
	}
}

// dispatchFrame routes an inbound frame from the remote connection.
// Any error it reports is fatal to the connection.
func (c *Conn) dispatchFrame(f Frame) error {
	rootMetrics.frameRecv.Add(1)

	c.μ.Lock()
	if c.flog != nil {
		c.flog(FrameInfo{Frame: f, Sent: false})
	}
	if c.state != stateOpen {
		c.μ.Unlock()
		rootMetrics.frameDropped.Add(1)
		return nil
	}

	switch t := f.(type) {
	case *CallFrame:
		rootMetrics.callIn.Add(1)
		h, ok := c.cmds[t.Command]
		if !ok {
			rootMetrics.callInErr.Add(1)
			c.sendLocked(&ThrowFrame{NotFound: true})
			c.μ.Unlock()
			return nil
		}
		base := c.base
		c.μ.Unlock()
		c.dispatchCall(t, h, base)
		return nil

	case *ReturnFrame:
		defer c.unlockAndCheck()
		pc, ok := c.ocall.Pop()
		if !ok {
			return &UnknownFrameError{Kind: KindReturn}
		}
		c.resolveLocked(pc, t.Value)

	case *ThrowFrame:
		defer c.unlockAndCheck()
		pc, ok := c.ocall.Pop()
		if !ok {
			return &UnknownFrameError{Kind: KindThrow}
		}
		if t.NotFound {
			c.failLocked(pc, &UnregisteredError{Command: pc.command})
		} else {
			c.failLocked(pc, &ThrownError{Value: t.Value})
		}

	case *AsyncFrame:
		defer c.unlockAndCheck()
		pc, ok := c.ocall.Pop()
		if !ok {
			return &UnknownFrameError{Kind: KindAsync, ID: t.ID}
		}
		if _, dup := c.oasync[t.ID]; dup {
			c.failLocked(pc, ErrAsyncRespondFailed)
			return fmt.Errorf("duplicate deferred ID %d", t.ID)
		}
		c.oasync[t.ID] = pc

	case *ResolveFrame:
		defer c.unlockAndCheck()
		pc, ok := c.oasync[t.ID]
		if !ok {
			return &UnknownFrameError{Kind: KindResolve, ID: t.ID}
		}
		delete(c.oasync, t.ID)
		c.resolveLocked(pc, t.Value)

	case *RejectFrame:
		defer c.unlockAndCheck()
		pc, ok := c.oasync[t.ID]
		if !ok {
			return &UnknownFrameError{Kind: KindReject, ID: t.ID}
		}
		delete(c.oasync, t.ID)
		c.failLocked(pc, &ThrownError{Value: t.Value})

	case *FinFrame:
		defer c.unlockAndCheck()
		c.remoteEnd = true
		c.autoEndLocked()

	case *ReactionChangeFrame, *ReactionCancelFrame, *ReactionResponseFrame:
		h, base := c.react, c.base
		c.μ.Unlock()
		if h == nil {
			rootMetrics.frameDropped.Add(1)
			return nil
		}
		return runReaction(context.WithValue(base(), connContextKey{}, c), h, f)

	case *UnknownFrame:
		c.μ.Unlock()
		return &UnknownFrameError{Kind: t.Tag}

	default:
		c.μ.Unlock()
		return &UnknownFrameError{Kind: f.Kind()}
	}
	return nil
}

// unlockAndCheck releases the lock and closes c if a settlement made it
// eligible to close.
func (c *Conn) unlockAndCheck() {
	fin := c.checkCloseLocked()
	c.μ.Unlock()
	if fin {
		c.finalize()
	}
}

// dispatchCall runs the handler for an inbound call and sends its answer.
// Immediate answers are sent before dispatchCall returns, so they are sent in
// the order the calls arrived.
func (c *Conn) dispatchCall(call *CallFrame, h Handler, base func() context.Context) {
	ctx, cancel := c.handlerContext(base)
	v, err := runHandler(ctx, h, call.Args)

	c.μ.Lock()
	defer c.μ.Unlock()
	if c.state != stateOpen {
		cancel()
		return
	}
	if err != nil {
		cancel()
		rootMetrics.callInErr.Add(1)
		c.sendAnswerLocked(&ThrowFrame{Value: thrownValue(err)}, throwFrame)
		return
	}
	aw, ok := v.(Awaiter)
	if !ok {
		cancel()
		if c.sendAnswerLocked(&ReturnFrame{Value: v}, throwFrame) {
			rootMetrics.callInErr.Add(1)
		}
		return
	}

	c.nextID++
	id := c.nextID
	c.owed++
	rootMetrics.callDeferred.Add(1)
	c.sendLocked(&AsyncFrame{ID: id})
	c.tasks.Go(func() error {
		defer cancel()
		v, err := awaitAnswer(ctx, aw)
		c.settleOwed(id, v, err)
		return nil
	})
}

// awaitAnswer waits for aw to settle, converting a panic into an error.
func awaitAnswer(ctx context.Context, aw Awaiter) (_ any, err error) {
	defer func() {
		if x := recover(); x != nil {
			err = fmt.Errorf("deferred answer panicked (recovered): %v", x)
		}
	}()
	return aw.Wait(ctx)
}

func throwFrame(v any) Frame { return &ThrowFrame{Value: v} }

// sendAnswerLocked sends the answer f to an inbound call.  If the transport
// cannot carry f, it sends instead the failure that fail constructs from the
// reason, and reports true.
func (c *Conn) sendAnswerLocked(f Frame, fail func(any) Frame) bool {
	err := c.checkFrame(f)
	if err == nil {
		c.sendLocked(f)
		return false
	}
	c.sendLocked(fail(strings.ToValidUTF8(err.Error(), "\uFFFD")))
	return true
}

// settleOwed sends the deferred answer for id and releases the obligation.
func (c *Conn) settleOwed(id uint32, v any, err error) {
	rootMetrics.callDeferred.Add(-1)

	c.μ.Lock()
	c.owed--
	if c.owed == 0 {
		c.nextID = 0
	}
	if c.state != stateOpen {
		c.μ.Unlock()
		return
	}
	reject := func(v any) Frame { return &RejectFrame{ID: id, Value: v} }
	if err != nil {
		rootMetrics.callInErr.Add(1)
		c.sendAnswerLocked(reject(thrownValue(err)), reject)
	} else if c.sendAnswerLocked(&ResolveFrame{ID: id, Value: v}, reject) {
		rootMetrics.callInErr.Add(1)
	}
	c.autoEndLocked()
	c.unlockAndCheck()
}

// runReaction invokes h, converting a panic into an error.
func runReaction(ctx context.Context, h ReactionHandler, f Frame) (err error) {
	defer func() {
		if x := recover(); x != nil && err == nil {
			err = fmt.Errorf("reaction handler panicked (recovered): %v", x)
		}
	}()
	return h(ctx, f)
}

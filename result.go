// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package cpcall

import (
	"context"
	"fmt"
	"sync"
)

// An Awaiter is a value whose result is not yet available. A command handler
// that returns an Awaiter defers its answer: the caller is told the answer
// will follow, and the connection keeps processing frames until Wait returns.
type Awaiter interface {
	Wait(context.Context) (any, error)
}

// A Result is a handle for a value that settles exactly once, either to a
// value or to an error. A zero Result is not ready for use; use NewResult.
//
// A *Result is an Awaiter, so a handler may return the Result of a nested
// call directly to forward its answer.
type Result struct {
	done  chan struct{}
	once  sync.Once
	value any
	err   error
}

// NewResult constructs a new unsettled result.
func NewResult() *Result { return &Result{done: make(chan struct{})} }

// Resolved returns a result already settled to v.
func Resolved(v any) *Result { r := NewResult(); r.Resolve(v); return r }

// Rejected returns a result already settled to err.
func Rejected(err error) *Result { r := NewResult(); r.Reject(err); return r }

// Go runs f in a new goroutine and returns a result that settles to its
// outcome. A panic in f is recovered and reported as an error.
func Go(f func() (any, error)) *Result {
	r := NewResult()
	go func() {
		defer func() {
			if x := recover(); x != nil {
				r.Reject(fmt.Errorf("deferred function panicked (recovered): %v", x))
			}
		}()
		v, err := f()
		if err != nil {
			r.Reject(err)
		} else {
			r.Resolve(v)
		}
	}()
	return r
}

// Resolve settles r to v and reports whether it was previously unsettled.
func (r *Result) Resolve(v any) bool { return r.settle(v, nil) }

// Reject settles r to err and reports whether it was previously unsettled.
// A nil err is treated as a rejection with a nil thrown value.
func (r *Result) Reject(err error) bool {
	if err == nil {
		err = &ThrownError{}
	}
	return r.settle(nil, err)
}

func (r *Result) settle(v any, err error) (ok bool) {
	r.once.Do(func() {
		r.value, r.err = v, err
		close(r.done)
		ok = true
	})
	return
}

// Done returns a channel that is closed when r has settled.
func (r *Result) Done() <-chan struct{} { return r.done }

// Settled reports whether r has settled.
func (r *Result) Settled() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Wait blocks until r settles or ctx ends. If ctx ends first, Wait reports
// the error from ctx; r itself is not affected.
func (r *Result) Wait(ctx context.Context) (any, error) {
	if r.Settled() {
		return r.value, r.err
	}
	select {
	case <-r.done:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

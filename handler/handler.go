// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package handler provides adapters to the cpcall.Handler type for functions
// with other signatures.
//
// The parameter of an adapted function is taken from the first argument of
// the call. A missing or nil argument yields the zero value. Because numbers
// arrive from byte-oriented channels as float64, a float64 argument is also
// accepted for a parameter of integer type if it has no fractional part.
package handler

import (
	"context"
	"fmt"
	"math"

	"github.com/creachadair/cpcall"
)

// argsContextKey is a context key for the arguments of a call.
type argsContextKey struct{}

// ContextArgs returns the original arguments passed to the handler, or nil if
// ctx has no associated arguments.  The context passed to a function adapted
// by this package has this value.
func ContextArgs(ctx context.Context) []any {
	if v := ctx.Value(argsContextKey{}); v != nil {
		return v.([]any)
	}
	return nil
}

// ParamResultError adapts a function f that accepts a parameter of type P and
// returns a result of type R and an error, to a cpcall.Handler.
func ParamResultError[P, R any](f func(context.Context, P) (R, error)) cpcall.Handler {
	return func(ctx context.Context, args []any) (any, error) {
		p, err := param[P](args)
		if err != nil {
			return nil, err
		}
		return f(context.WithValue(ctx, argsContextKey{}, args), p)
	}
}

// ParamResult adapts a function f that accepts a parameter of type P and
// returns a result of type R without error, to a cpcall.Handler.
func ParamResult[P, R any](f func(context.Context, P) R) cpcall.Handler {
	return func(ctx context.Context, args []any) (any, error) {
		p, err := param[P](args)
		if err != nil {
			return nil, err
		}
		return f(context.WithValue(ctx, argsContextKey{}, args), p), nil
	}
}

// ParamError adapts a function f that accepts a parameter of type P and returns
// an error with no result, to a cpcall.Handler.
func ParamError[P any](f func(context.Context, P) error) cpcall.Handler {
	return func(ctx context.Context, args []any) (any, error) {
		p, err := param[P](args)
		if err != nil {
			return nil, err
		}
		return nil, f(context.WithValue(ctx, argsContextKey{}, args), p)
	}
}

// ResultError adapts a function f that accepts no parameters and returns a
// result of type R and an error, to a cpcall.Handler.
func ResultError[R any](f func(context.Context) (R, error)) cpcall.Handler {
	return func(ctx context.Context, args []any) (any, error) {
		return f(context.WithValue(ctx, argsContextKey{}, args))
	}
}

// ResultOnly adapts a function f that accepts no parameters and returns a
// result of type R without error, to a cpcall.Handler.
func ResultOnly[R any](f func(context.Context) R) cpcall.Handler {
	return func(ctx context.Context, args []any) (any, error) {
		return f(context.WithValue(ctx, argsContextKey{}, args)), nil
	}
}

// Deferred adapts h to run in its own goroutine, so that its answer is
// deferred rather than holding up the answers to later calls.  A handler
// that waits for a call to the remote connection must be deferred.
func Deferred(h cpcall.Handler) cpcall.Handler {
	return func(ctx context.Context, args []any) (any, error) {
		return cpcall.Go(func() (any, error) {
			v, err := h(ctx, args)
			if aw, ok := v.(cpcall.Awaiter); ok && err == nil {
				return aw.Wait(ctx)
			}
			return v, err
		}), nil
	}
}

// Interceptors transform the arguments and results of a handler.
// Either field may be nil.
type Interceptors struct {
	// Call, if set, rewrites the arguments before the handler sees them.
	Call func([]any) []any

	// Return, if set, rewrites a successful result.  For a deferred result,
	// it applies to the settled value.
	Return func(any) any
}

// Intercept wraps h with the given interceptors.
func Intercept(h cpcall.Handler, ic Interceptors) cpcall.Handler {
	return func(ctx context.Context, args []any) (any, error) {
		if ic.Call != nil {
			args = ic.Call(args)
		}
		v, err := h(ctx, args)
		if err != nil || ic.Return == nil {
			return v, err
		}
		if aw, ok := v.(cpcall.Awaiter); ok {
			return cpcall.Go(func() (any, error) {
				v, err := aw.Wait(ctx)
				if err != nil {
					return nil, err
				}
				return ic.Return(v), nil
			}), nil
		}
		return ic.Return(v), nil
	}
}

// param extracts a value of type P from the first of args.
func param[P any](args []any) (P, error) {
	var p P
	if len(args) == 0 || args[0] == nil {
		return p, nil
	}
	if v, ok := args[0].(P); ok {
		return v, nil
	}
	f, ok := args[0].(float64)
	if !ok || f != math.Trunc(f) {
		return p, fmt.Errorf("argument has type %T, want %T", args[0], p)
	}
	ok = false
	switch t := any(&p).(type) {
	case *int:
		ok = inRange(f, math.MinInt, math.MaxInt)
		*t = int(f)
	case *int64:
		ok = inRange(f, math.MinInt64, math.MaxInt64)
		*t = int64(f)
	case *int32:
		ok = inRange(f, math.MinInt32, math.MaxInt32)
		*t = int32(f)
	case *uint:
		ok = inRange(f, 0, math.MaxUint)
		*t = uint(f)
	case *uint64:
		ok = inRange(f, 0, math.MaxUint64)
		*t = uint64(f)
	case *uint32:
		ok = inRange(f, 0, math.MaxUint32)
		*t = uint32(f)
	}
	if !ok {
		var zero P
		return zero, fmt.Errorf("argument has type %T, want %T (value %v)", args[0], zero, f)
	}
	return p, nil
}

// inRange reports whether f lies in the range of an integer type whose
// limits are lo and hi.  The upper limits of 64-bit types round up when
// converted to float64, so hi+1 is an exclusive bound in every case.
func inRange(f, lo, hi float64) bool { return f >= lo && f < hi+1 }

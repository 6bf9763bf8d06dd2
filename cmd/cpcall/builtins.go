package main

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/creachadair/cpcall"
	"github.com/creachadair/cpcall/handler"
)

// builtins are the commands the serve subcommand can offer.
var builtins = map[string]cpcall.Handler{
	// Return the arguments.
	"echo": func(_ context.Context, args []any) (any, error) {
		if args == nil {
			return []any{}, nil
		}
		return args, nil
	},

	// Add numeric arguments.
	"sum": func(_ context.Context, args []any) (any, error) {
		var sum float64
		for i, arg := range args {
			v, ok := arg.(float64)
			if !ok {
				return nil, cpcall.Throw(fmt.Sprintf("argument %d is %T, not a number", i+1, arg))
			}
			sum += v
		}
		return sum, nil
	},

	// Wait for the given number of seconds, answering later.
	"sleep": handler.Deferred(handler.ParamResultError(func(ctx context.Context, secs float64) (string, error) {
		if secs < 0 {
			return "", fmt.Errorf("invalid duration %vs", secs)
		}
		d := time.Duration(secs * float64(time.Second))
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(d):
			return fmt.Sprintf("slept %v", d), nil
		}
	})),

	// List the commands registered on the connection.
	"commands": handler.ResultOnly(func(ctx context.Context) []any {
		names := slices.Sorted(maps.Keys(cpcall.ContextConn(ctx).Commands()))
		out := make([]any, len(names))
		for i, name := range names {
			out[i] = name
		}
		return out
	}),
}

func builtinNames() []string { return slices.Sorted(maps.Keys(builtins)) }

// commandSet returns the builtin handlers for the specified names.
func commandSet(names []string) (map[string]cpcall.Handler, error) {
	out := make(map[string]cpcall.Handler, len(names))
	for _, name := range names {
		h, ok := builtins[name]
		if !ok {
			return nil, fmt.Errorf("unknown command %q", name)
		}
		out[name] = h
	}
	return out, nil
}

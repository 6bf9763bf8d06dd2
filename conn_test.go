// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package cpcall_test

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"math/rand/v2"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/creachadair/cpcall"
	"github.com/creachadair/cpcall/channel"
	"github.com/creachadair/cpcall/peers"
	"github.com/creachadair/taskgroup"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
)

func TestConn(t *testing.T) {
	defer leaktest.Check(t)()

	// Metrics are shared by all connections, so compare against the values
	// at the start of the test.
	pending := []string{"calls_pending", "calls_deferred_in"}
	loc := peers.NewLocal()
	base := make(map[string]int64)
	for _, name := range pending {
		base[name] = loc.A.Metrics().Get(name).(*expvar.Int).Value()
	}
	defer func() {
		if err := loc.Stop(); err != nil {
			t.Errorf("Stopping connections: %v", err)
		}
		m := loc.A.Metrics()
		t.Logf("Metrics at exit: %v", m)

		// Nothing should remain pending once both sides have closed.
		for _, name := range pending {
			if v := m.Get(name).(*expvar.Int).Value(); v != base[name] {
				t.Errorf("Metric %q = %d, want %d", name, v, base[name])
			}
		}
	}()

	// The first argument of each call is parsed by parseBehavior (see below)
	// to control what the handler answers.
	loc.A.Handle("100", func(ctx context.Context, args []any) (any, error) {
		return parseBehavior(ctx, args[0].(string))
	})
	loc.B.Handle("greet", func(_ context.Context, args []any) (any, error) {
		return "hello, " + args[0].(string), nil
	})

	tests := []struct {
		who     *cpcall.Conn // connection originating the call
		command string       // command to call
		input   string       // input for parseBehavior
		want    any          // expected value
		err     error        // expected error (compared by message)
	}{
		{loc.B, "10", "n/a", nil, &cpcall.UnregisteredError{Command: "10"}},
		{loc.A, "20", "n/a", nil, &cpcall.UnregisteredError{Command: "20"}},
		{loc.A, "100", "n/a", nil, &cpcall.UnregisteredError{Command: "100"}},

		{loc.B, "100", "ok", nil, nil},
		{loc.B, "100", "ok yay", "yay", nil},
		{loc.B, "100", "error failure", nil, cpcall.Throw("failure")},
		{loc.B, "100", "throw 17", nil, cpcall.Throw(17)},
		{loc.B, "100", "later ok", "ok", nil},
		{loc.B, "100", "later error nope", nil, cpcall.Throw("nope")},
		{loc.B, "100", "conn?", "present", nil},
		{loc.B, "100", "callback", "hello, A", nil},
	}
	for _, test := range tests {
		t.Run(fmt.Sprintf("command-%s-%s", test.command, test.input), func(t *testing.T) {
			got, err := test.who.Call(test.command, test.input).Wait(t.Context())
			if test.err != nil {
				if err == nil || err.Error() != test.err.Error() {
					t.Errorf("Call: got %v, %v; want error %v", got, err, test.err)
				}
				return
			} else if err != nil {
				t.Fatalf("Call: unexpected error: %v", err)
			}
			if diff := cmp.Diff(test.want, got); diff != "" {
				t.Errorf("Wrong answer (-want, +got):\n%s", diff)
			}
		})
	}
}

// parseBehavior interprets desc to decide what a handler answers.
func parseBehavior(ctx context.Context, desc string) (any, error) {
	cmd, rest, _ := strings.Cut(desc, " ")
	switch cmd {
	case "ok":
		if rest == "" {
			return nil, nil
		}
		return rest, nil
	case "error":
		return nil, errors.New(rest)
	case "throw":
		var n int
		fmt.Sscan(rest, &n)
		return nil, cpcall.Throw(n)
	case "later":
		return cpcall.Go(func() (any, error) { return parseBehavior(ctx, rest) }), nil
	case "conn?":
		if cpcall.ContextConn(ctx) != nil {
			return "present", nil
		}
		return "absent", nil
	case "callback":
		// Forward the answer of a call to the caller. The result is an
		// Awaiter, so the answer is deferred until the nested call settles.
		return cpcall.ContextConn(ctx).Call("greet", "A"), nil
	}
	return nil, fmt.Errorf("unknown behavior %q", desc)
}

func TestPipelining(t *testing.T) {
	defer leaktest.Check(t)()

	// Handlers answer after a random delay, so deferred answers arrive out of
	// order, interleaved with immediate answers.
	loc := peers.NewLocal(cpcall.WithCommands(map[string]cpcall.Handler{
		"slow": func(_ context.Context, args []any) (any, error) {
			return cpcall.Go(func() (any, error) {
				time.Sleep(time.Duration(rand.IntN(5)) * time.Millisecond)
				return args[0], nil
			}), nil
		},
		"fast": func(_ context.Context, args []any) (any, error) { return args[0], nil },
	}))
	defer loc.Stop()

	const numCalls = 100
	results := make([]*cpcall.Result, numCalls)
	for i := range numCalls {
		cmd := "fast"
		if i%3 != 0 {
			cmd = "slow"
		}
		results[i] = loc.B.Call(cmd, i)
	}

	for i, r := range results {
		v, err := r.Wait(t.Context())
		if err != nil {
			t.Errorf("Call %d: %v", i, err)
		} else if v != i {
			t.Errorf("Call %d: got %v, want %d", i, v, i)
		}
	}
}

func TestConcurrentCalls(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal(cpcall.WithCommands(map[string]cpcall.Handler{
		"echo": echo,
	}))
	defer loc.Stop()

	var μ sync.Mutex
	seen := make(map[string]bool)
	g := taskgroup.New(nil)
	for i := range 10 {
		g.Go(func() error {
			for j := range 20 {
				key := fmt.Sprintf("%d-%d", i, j)
				v, err := loc.B.Call("echo", key).Wait(t.Context())
				if err != nil {
					return err
				}
				got := v.([]any)[0].(string)
				if got != key {
					return fmt.Errorf("got %q, want %q", got, key)
				}
				μ.Lock()
				seen[key] = true
				μ.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Errorf("Calls failed: %v", err)
	}
	if len(seen) != 200 {
		t.Errorf("Got %d distinct answers, want 200", len(seen))
	}
}

func TestStopWithPending(t *testing.T) {
	defer leaktest.Check(t)()

	release := make(chan struct{})
	loc := peers.NewLocal(cpcall.WithCommands(map[string]cpcall.Handler{
		"wait": func(ctx context.Context, _ []any) (any, error) {
			return cpcall.Go(func() (any, error) {
				<-release
				return "released", nil
			}), nil
		},
	}))

	r := loc.B.Call("wait")
	loc.B.End()
	loc.A.End()

	// Neither side closes while the call is outstanding.
	time.Sleep(5 * time.Millisecond)
	if loc.A.Closed() || loc.B.Closed() {
		t.Fatalf("Closed with a call pending: A=%v B=%v", loc.A.Closed(), loc.B.Closed())
	}

	close(release)
	if v, err := r.Wait(t.Context()); err != nil || v != "released" {
		t.Errorf("Call: got %v, %v; want released", v, err)
	}
	if err := loc.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
}

func TestDisposeRemote(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal(cpcall.WithCommands(map[string]cpcall.Handler{
		"hang": func(ctx context.Context, _ []any) (any, error) {
			return cpcall.Go(func() (any, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			}), nil
		},
	}))

	r := loc.B.Call("hang")
	if _, err := loc.B.Call("echo?").Wait(t.Context()); err == nil {
		t.Fatal("Call echo?: unexpectedly succeeded")
	}

	// Disposing A closes the channel, which ends B without answering.
	cause := errors.New("going away")
	loc.A.Dispose(cause)
	if err := loc.A.Wait(); !errors.Is(err, cause) {
		t.Errorf("A Wait: got %v, want %v", err, cause)
	}
	if err := loc.B.Wait(); !errors.Is(err, cpcall.ErrChannelEnded) {
		t.Errorf("B Wait: got %v, want %v", err, cpcall.ErrChannelEnded)
	}
	if _, err := r.Wait(t.Context()); !errors.Is(err, cpcall.ErrAsyncRespondFailed) {
		t.Errorf("Pending call: got %v, want %v", err, cpcall.ErrAsyncRespondFailed)
	}
}

func TestUnencodableValues(t *testing.T) {
	defer leaktest.Check(t)()

	release := make(chan struct{})
	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	srv := cpcall.Start(channel.IO(ar, aw), cpcall.WithCommands(map[string]cpcall.Handler{
		"echo":  echo,
		"list":  func(context.Context, []any) (any, error) { return []string{"a", "b"}, nil },
		"utf8":  func(context.Context, []any) (any, error) { return "bad \xff", nil },
		"throw": func(context.Context, []any) (any, error) { return nil, cpcall.Throw(map[string]int{"x": 1}) },
		"slow": func(context.Context, []any) (any, error) {
			return cpcall.Go(func() (any, error) { <-release; return "done", nil }), nil
		},
		"later": func(context.Context, []any) (any, error) {
			return cpcall.Go(func() (any, error) { <-release; return map[string]int{"n": 1}, nil }), nil
		},
	}))
	cli := cpcall.Start(channel.IO(br, bw))

	// Deferred calls remain in flight while other answers fail to encode.
	slow := cli.Call("slow")
	later := cli.Call("later")

	// An answer the codec cannot carry fails only its own call.
	for _, tc := range []struct {
		command, want string
	}{
		{"list", "encode RETURN frame"},
		{"utf8", "encode RETURN frame"},
		{"throw", "encode THROW frame"},
	} {
		_, err := cli.Call(tc.command).Wait(t.Context())
		var te *cpcall.ThrownError
		if !errors.As(err, &te) {
			t.Errorf("Call %q: got error %v, want ThrownError", tc.command, err)
		} else if !strings.Contains(te.Error(), tc.want) {
			t.Errorf("Call %q: got %v, want it to mention %q", tc.command, te, tc.want)
		}
	}

	// Arguments the codec cannot carry fail the call without sending it.
	r := cli.Call("echo", []string{"x"})
	if !r.Settled() {
		t.Error("Call with bad arguments did not fail at once")
	}
	if _, err := r.Wait(t.Context()); err == nil || !strings.Contains(err.Error(), "encode CALL frame") {
		t.Errorf("Call with bad arguments: got %v, want encoding error", err)
	}

	close(release)
	if v, err := slow.Wait(t.Context()); err != nil || v != "done" {
		t.Errorf("Call slow: got %v, %v; want done", v, err)
	}
	var te *cpcall.ThrownError
	if _, err := later.Wait(t.Context()); !errors.As(err, &te) || !strings.Contains(te.Error(), "encode RESOLVE frame") {
		t.Errorf("Call later: got %v, want deferred encoding failure", err)
	}

	// The connection is still usable, and closes cleanly.
	if v, err := cli.Call("echo", "ok").Wait(t.Context()); err != nil {
		t.Errorf("Call echo: unexpected error: %v", err)
	} else if diff := cmp.Diff([]any{"ok"}, v); diff != "" {
		t.Errorf("Call echo (-want, +got):\n%s", diff)
	}
	cli.End()
	if err := cli.Wait(); err != nil {
		t.Errorf("Client wait: %v", err)
	}
	if err := srv.Wait(); err != nil {
		t.Errorf("Server wait: %v", err)
	}
}

// panicAwaiter is an Awaiter whose Wait method panics.
type panicAwaiter struct{}

func (panicAwaiter) Wait(context.Context) (any, error) { panic("deferred boom") }

func TestDeferredPanic(t *testing.T) {
	defer leaktest.Check(t)()

	loc := peers.NewLocal(cpcall.WithCommands(map[string]cpcall.Handler{
		"boom": func(context.Context, []any) (any, error) { return panicAwaiter{}, nil },
		"echo": echo,
	}))

	_, err := loc.B.Call("boom").Wait(t.Context())
	var te *cpcall.ThrownError
	if !errors.As(err, &te) {
		t.Fatalf("Call boom: got error %v, want ThrownError", err)
	} else if !strings.Contains(te.Error(), "deferred boom") {
		t.Errorf("Call boom: got %v, want it to mention the panic", te)
	}

	if _, err := loc.B.Call("echo", "still here").Wait(t.Context()); err != nil {
		t.Errorf("Call echo after panic: %v", err)
	}

	// The obligation was released, so both sides close gracefully.
	if err := loc.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
}

func TestDisposeWhileSending(t *testing.T) {
	defer leaktest.Check(t)()

	for range 20 {
		loc := peers.NewLocal(cpcall.WithCommands(map[string]cpcall.Handler{
			"later": func(_ context.Context, args []any) (any, error) {
				return cpcall.Go(func() (any, error) { return args, nil }), nil
			},
		}))
		for i := range 10 {
			loc.B.Call("later", i)
			loc.A.Call("later", i)
		}

		// Disposing A while frames are still moving in both directions must
		// terminate both sides.
		loc.B.End()
		loc.A.Dispose(nil)
		if err := loc.A.Wait(); !errors.Is(err, cpcall.ErrDisposed) {
			t.Errorf("A Wait: got %v, want %v", err, cpcall.ErrDisposed)
		}
		loc.B.Wait()
		if !loc.B.Closed() {
			t.Error("B did not terminate")
		}
	}
}

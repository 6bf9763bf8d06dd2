package stream_test

import (
	"context"
	"errors"
	"iter"
	"strings"
	"testing"

	"github.com/creachadair/cpcall/peers"
	"github.com/creachadair/cpcall/stream"
	"github.com/google/go-cmp/cmp"
)

func TestStream(t *testing.T) {
	tests := []struct {
		in      string
		want    []any
		wantErr string
	}{
		{"stream foo bar", vals("foo", "bar"), ""},
		{"stream foo bar, err", vals("foo", "bar"), "test"},
		{"err", vals(), "test"},
		{"req, req, stream foo", vals("req", "req", "foo"), ""},
		// server-side cancellation just before successful stream end
		{"stream foo, server-cancel", vals("foo"), "context canceled"},
		// server-side cancellation that HandlerFunc ignores
		{"stream foo, server-cancel, stream bar qux", vals("foo"), "context canceled"},
		// server-side cancellation that HandlerFunc obeys
		{"stream foo, server-cancel, return-canceled", vals("foo"), "context canceled"},
		// client-side cancellation
		{"stream foo, client-cancel, stream bar qux", vals("foo"), "context canceled"},
	}

	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			ps := peers.NewLocal()
			defer ps.Stop()

			ctx, clientCancel := context.WithCancel(context.Background())
			defer clientCancel()

			stream.Handle(ps.B, "stream", parseStreamScript(t, tc.in))
			ps.B.NewContext(func() context.Context {
				// Give the server-side handler access to both client-side
				// and server-side CancelFuncs, so that parseStreamScript can
				// drive cancellation on either end. The client-side context
				// is used to synchronize client-side cancellation.
				serverCtx, serverCancel := context.WithCancel(context.Background())
				serverCtx = context.WithValue(serverCtx, serverCancelContextKey{}, serverCancel)
				serverCtx = context.WithValue(serverCtx, clientCtxContextKey{}, ctx)
				serverCtx = context.WithValue(serverCtx, clientCancelContextKey{}, clientCancel)
				return serverCtx
			})

			var got []any
			var gotErr error
			for v, err := range stream.Call(ctx, ps.A, "stream", "req") {
				if err != nil {
					gotErr = err
					break
				}
				got = append(got, v)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Fatalf("Stream (-want, +got):\n%s", diff)
			}
			if gotErr != nil {
				// Errors cross the connection as values, so compare strings.
				if gotErr.Error() != tc.wantErr {
					t.Fatalf("unexpected error %q, want %q", gotErr, tc.wantErr)
				}
			} else if tc.wantErr != "" {
				t.Fatalf("stream didn't yield error, want %q", tc.wantErr)
			}
		})
	}
}

func TestBadCapability(t *testing.T) {
	ps := peers.NewLocal()
	defer ps.Stop()

	stream.Handle(ps.B, "stream", func(context.Context, []any) iter.Seq2[any, error] {
		t.Error("Handler called without a capability")
		return nil
	})
	for _, args := range [][]any{nil, {"short"}, {12.0}} {
		if v, err := ps.A.Call("stream", args...).Wait(t.Context()); err == nil {
			t.Errorf("Call %v: got %v, want error", args, v)
		}
	}
}

func parseStreamScript(t *testing.T, s string) stream.HandlerFunc {
	return func(ctx context.Context, args []any) iter.Seq2[any, error] {
		return func(yield func(any, error) bool) {
			for _, cmd := range strings.Split(s, ",") {
				fs := strings.Fields(cmd)
				switch fs[0] {
				case "stream":
					for _, v := range fs[1:] {
						if !yield(v, nil) {
							return
						}
					}
				case "req":
					if !yield(args[0], nil) {
						return
					}
				case "err":
					yield(nil, testErr)
					return
				case "server-cancel":
					cancel := ctx.Value(serverCancelContextKey{}).(context.CancelFunc)
					cancel()
					// Make sure the caller reliably sees a canceled context.
					<-ctx.Done()
				case "client-cancel":
					cancel := ctx.Value(clientCancelContextKey{}).(context.CancelFunc)
					cancel()
					clientCtx := ctx.Value(clientCtxContextKey{}).(context.Context)
					<-clientCtx.Done()
				case "return-canceled":
					if ctx.Err() == nil {
						t.Errorf("parseStreamScript instructed to return-canceled, but ctx isn't canceled")
					}
					yield(nil, ctx.Err())
					return
				default:
					t.Errorf("unknown parseStreamScript command %q", fs[0])
				}
			}
		}
	}
}

type clientCancelContextKey struct{}
type clientCtxContextKey struct{}
type serverCancelContextKey struct{}

var testErr = errors.New("test")

func vals(vs ...any) []any {
	return vs
}

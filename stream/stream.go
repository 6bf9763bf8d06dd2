// Package stream provides helpers for implementing streaming calls,
// where a single command call yields a stream of values.
package stream

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"iter"

	"github.com/creachadair/cpcall"
)

// A 24-byte random value acts as a capability when registered as a
// command. The value is not brute-forceable in reasonable time, and
// has negligible probability of collision. From the XChaCha20 RFC
// draft: 2^80 concurrently active capabilities on the same Conn has a
// 2^-32 probability of collision.
const capabilityLen = 24

// mkCapability returns a random capability. It is hex encoded so that it can
// be sent as a string value over any channel.
func mkCapability() string {
	var ret [capabilityLen]byte
	rand.Read(ret[:])
	return hex.EncodeToString(ret[:])
}

// getCapability removes a capability from the end of args and returns it
// along with the remaining arguments.
func getCapability(args []any) (string, []any, error) {
	if len(args) == 0 {
		return "", nil, errors.New("missing capability")
	}
	ret, ok := args[len(args)-1].(string)
	if !ok || len(ret) != 2*capabilityLen {
		return "", nil, errors.New("invalid capability")
	}
	return ret, args[:len(args)-1 : len(args)-1], nil
}

// Call sends a call to the remote connection for the specified command and
// arguments, and yields a stream of values. The stream ends at the remote
// handler's discretion, or when ctx is canceled.
//
// The returned iterator yields zero or more (v, nil) values. If the call
// ends unsuccessfully, the iterator ends the stream with a final (nil, err)
// tuple.
func Call(ctx context.Context, conn *cpcall.Conn, command string, args ...any) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		capability := mkCapability()
		args := append(args[:len(args):len(args)], capability)

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		// The remote handler streams values back to us by calling the
		// capability, which runs this handler on the dispatch goroutine of
		// conn. Values are passed back to the iterator over a channel.
		vals := make(chan any)
		conn.Handle(capability, func(callbackCtx context.Context, args []any) (any, error) {
			var v any
			if len(args) != 0 {
				v = args[0]
			}
			select {
			case vals <- v:
				return nil, nil
			case <-ctx.Done():
				// Client side cancellation, or a late callback after the
				// stream has ended.
				return nil, ctx.Err()
			case <-callbackCtx.Done():
				// The connection is going away; the call below reports why.
				return nil, callbackCtx.Err()
			}
		})

		errch := make(chan error, 1)
		go func() {
			// Unregister the capability here rather than in the iterator, so
			// that the remote handler can't hit an unregistered command while
			// the iterator shuts down.
			defer conn.Handle(capability, nil)
			defer close(errch)
			_, err := conn.Call(command, args...).Wait(ctx)
			if ctx.Err() != nil {
				// Prefer reporting a local cancellation as such, whether the
				// wait noticed it first or the remote handler bounced it back.
				errch <- ctx.Err()
			} else {
				errch <- err
			}
		}()

		for {
			select {
			case v := <-vals:
				if !yield(v, nil) {
					return
				}
			case err := <-errch:
				if err != nil {
					yield(nil, err)
				}
				return
			case <-ctx.Done():
				yield(nil, ctx.Err())
				return
			}
		}
	}
}

// HandlerFunc is a variant of cpcall.Handler that yields a stream of values,
// rather than a single value. The returned iterator is expected to only
// yield a non-nil error as its final element, following zero or more
// error-free tuples.
type HandlerFunc func(ctx context.Context, args []any) iter.Seq2[any, error]

// Handle registers fn as the handler for command on conn. The command must be
// invoked with [Call]. The answer to the call is deferred until the stream
// ends, so the connection continues to process other frames meanwhile.
func Handle(conn *cpcall.Conn, command string, fn HandlerFunc) {
	conn.Handle(command, func(ctx context.Context, args []any) (any, error) {
		capability, args, err := getCapability(args)
		if err != nil {
			return nil, err
		}
		conn := cpcall.ContextConn(ctx)

		return cpcall.Go(func() (any, error) {
			for v, err := range fn(ctx, args) {
				if err != nil {
					return nil, err
				}
				// The iterator may not obey cancellation, so check here too.
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				if _, err := conn.Call(capability, v).Wait(ctx); err != nil {
					return nil, err
				}
			}

			// The iterator may have stopped early because ctx ended, without
			// reporting an error of its own.
			return nil, ctx.Err()
		}), nil
	})
}

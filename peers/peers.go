// Package peers provides support code for managing and testing connections.
package peers

import (
	"context"
	"errors"
	"net"

	"github.com/creachadair/cpcall"
	"github.com/creachadair/cpcall/channel"
	"github.com/creachadair/cpcall/wire"
	"github.com/creachadair/taskgroup"
)

// Local is a pair of in-memory connected connections, suitable for testing.
type Local struct {
	A *cpcall.Conn
	B *cpcall.Conn
}

// Stop ends both connections gracefully and blocks until both have exited.
// Calls still pending on either side must be answered before Stop returns.
func (p *Local) Stop() error {
	p.A.End()
	p.B.End()
	aerr := p.A.Wait()
	berr := p.B.Wait()
	if aerr != nil {
		return aerr
	}
	return berr
}

// NewLocal creates a pair of in-memory connected connections that communicate
// via a direct channel without encoding. The options are applied to both.
func NewLocal(opts ...cpcall.Option) *Local {
	a2b, b2a := channel.Direct()
	return &Local{
		A: cpcall.Start(a2b, opts...),
		B: cpcall.Start(b2a, opts...),
	}
}

// An Accepter accepts channels from remote peers.
type Accepter interface {
	Accept(context.Context) (cpcall.Channel, error)
}

// Loop accepts channels from acc and starts a connection with opts for each
// one in a goroutine. Loop continues until acc closes or ctx ends.
//
// When ctx terminates, all running connections are disposed. When acc
// closes, the loop waits for running connections to exit before returning.
func Loop(ctx context.Context, acc Accepter, opts ...cpcall.Option) error {
	g := taskgroup.New(nil)
	for {
		ch, err := acc.Accept(ctx)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				err = nil
			}
			g.Wait()
			return err
		}

		g.Go(func() error {
			conn := cpcall.Start(ch, opts...)
			stop := context.AfterFunc(ctx, func() { conn.Dispose(ctx.Err()) })
			defer stop()
			return conn.Wait()
		})
	}
}

// NetAccepter adapts a net.Listener to the Accepter interface.
// Accepted connections encode frames with wire.Default.
func NetAccepter(lst net.Listener) Accepter { return NetAccepterCodec(lst, wire.Default) }

// NetAccepterCodec adapts a net.Listener to the Accepter interface.
// Accepted connections encode frames with codec.
func NetAccepterCodec(lst net.Listener, codec wire.Codec) Accepter {
	return netAccepter{Listener: lst, codec: codec}
}

type netAccepter struct {
	net.Listener
	codec wire.Codec
}

func (n netAccepter) Accept(ctx context.Context) (cpcall.Channel, error) {
	// A net.Listener does not obey a context, so simulate it by closing the
	// listener if ctx ends. The ok channel allows the context watcher to clean
	// up when we return before ctx ends.
	ok := make(chan struct{})
	defer close(ok)
	taskgroup.Go(func() error {
		select {
		case <-ctx.Done():
			n.Listener.Close()
		case <-ok:
			// release the waiter
		}
		return nil
	})

	conn, err := n.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return channel.ConnCodec(conn, n.codec), nil
}

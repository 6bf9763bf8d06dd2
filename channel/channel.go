// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package channel provides implementations of the cpcall.Channel interface.
package channel

import (
	"bufio"
	"io"
	"net"
	"sync"

	"github.com/creachadair/cpcall"
	"github.com/creachadair/cpcall/wire"
)

// Direct constructs a connected pair of in-memory channels that pass frames
// directly without encoding into binary. Frames sent to A are received by B
// and vice versa.
//
// Closing a channel stops delivery in its sending direction: pending and
// later sends on it report net.ErrClosed, as do receives by its peer. It is
// safe to close a channel concurrently with a send.
func Direct() (A, B cpcall.Channel) {
	a2b, b2a := newPipe(), newPipe()
	A = direct{out: a2b, in: b2a}
	B = direct{out: b2a, in: a2b}
	return
}

// A pipe carries frames in one direction until it is closed.
type pipe struct {
	frames chan cpcall.Frame
	done   chan struct{}
	once   sync.Once
}

func newPipe() *pipe {
	return &pipe{frames: make(chan cpcall.Frame), done: make(chan struct{})}
}

// close closes p and reports whether it was open.
func (p *pipe) close() (ok bool) {
	p.once.Do(func() { close(p.done); ok = true })
	return
}

type direct struct {
	out, in *pipe
}

// Send implements a method of the [cpcall.Channel] interface.
func (d direct) Send(f cpcall.Frame) error {
	select {
	case <-d.out.done:
		return net.ErrClosed
	default:
	}
	select {
	case d.out.frames <- f:
		return nil
	case <-d.out.done:
		return net.ErrClosed
	}
}

// Recv implements a method of the [cpcall.Channel] interface.
func (d direct) Recv() (cpcall.Frame, error) {
	select {
	case f := <-d.in.frames:
		return f, nil
	case <-d.in.done:
		return nil, net.ErrClosed
	}
}

// Close implements a method of the [cpcall.Channel] interface.
// Closing the channel more than once reports net.ErrClosed.
func (d direct) Close() error {
	if !d.out.close() {
		return net.ErrClosed
	}
	return nil
}

// IO constructs a channel that receives from r and sends to wc, encoding
// frames with wire.Default.
func IO(r io.Reader, wc io.WriteCloser) *IOChannel {
	return IOCodec(r, wc, wire.Default)
}

// IOCodec constructs a channel that receives from r and sends to wc, encoding
// frames with codec.
func IOCodec(r io.Reader, wc io.WriteCloser, codec wire.Codec) *IOChannel {
	// N.B. The bufio package will reuse existing buffers if possible.
	return &IOChannel{r: bufio.NewReader(r), w: bufio.NewWriter(wc), c: wc, codec: codec}
}

// An IOChannel sends and receives frames on a reader and a writer.
type IOChannel struct {
	r     *bufio.Reader
	w     *bufio.Writer
	c     io.Closer
	codec wire.Codec

	once sync.Once
	cerr error
}

// Send implements a method of the [cpcall.Channel] interface.
func (c *IOChannel) Send(f cpcall.Frame) error {
	if err := c.codec.WriteFrame(c.w, f); err != nil {
		return err
	}
	return c.w.Flush()
}

// CheckFrame implements the [cpcall.FrameChecker] interface. It reports an
// error if f carries a value the codec of c cannot encode.
func (c *IOChannel) CheckFrame(f cpcall.Frame) error { return c.codec.CheckFrame(f) }

// Recv implements a method of the [cpcall.Channel] interface.
func (c *IOChannel) Recv() (cpcall.Frame, error) { return c.codec.ReadFrame(c.r) }

// Close implements a method of the [cpcall.Channel] interface.
// Closing the channel more than once reports net.ErrClosed.
func (c *IOChannel) Close() error {
	err := net.ErrClosed
	c.once.Do(func() { c.cerr = c.c.Close(); err = c.cerr })
	return err
}

// Conn constructs a channel that exchanges frames over a network connection.
func Conn(conn net.Conn) *IOChannel { return IO(conn, conn) }

// ConnCodec constructs a channel that exchanges frames over a network
// connection, encoding frames with codec.
func ConnCodec(conn net.Conn, codec wire.Codec) *IOChannel { return IOCodec(conn, conn, codec) }

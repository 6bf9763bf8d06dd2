// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package cpcall

import (
	"errors"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/creachadair/mds/queue"
	"github.com/creachadair/taskgroup"
)

// A Transport carries frames between a Conn and its remote peer.
type Transport interface {
	// SendFrame transmits f to the peer. It must not block, and must not call
	// back into the controller before returning.
	SendFrame(f Frame)

	// Init is called once by New, before it returns, to hand the transport the
	// controller it uses to deliver inbound frames.
	Init(Controller)

	// Close is called when the connection closes gracefully. It may return
	// before the underlying channel has finished closing. If it reports an
	// error, the connection is disposed instead.
	Close() error

	// Dispose is called when the connection is disposed, with its cause.
	// Its error is reported to the caller of Conn.Dispose.
	Dispose(cause error) error
}

// A FrameChecker is an optional interface that a Transport or a Channel may
// implement to reject frames it cannot carry, before they are sent.  A Conn
// consults it for every call and answer: a call whose frame is rejected fails
// locally, and an answer that is rejected is replaced by a failure carrying
// the reason.  Without it, a frame that cannot be sent is fatal to the
// connection.
type FrameChecker interface {
	CheckFrame(Frame) error
}

// A Controller receives inbound frames from a Transport.  The transport must
// call its methods from one goroutine at a time, in the order frames arrived.
type Controller interface {
	// NextFrame delivers a frame received from the peer.
	NextFrame(Frame)

	// EndFrame reports that no further frames will arrive. A nil cause means
	// the channel ended cleanly; otherwise the connection is disposed with
	// cause.
	EndFrame(cause error)
}

// A Channel is a reliable ordered stream of frames shared by two peers.
//
// The methods of an implementation must be safe for concurrent use by one
// sender and one receiver.
type Channel interface {
	// Send the frame to the receiver.
	Send(Frame) error

	// Receive the next available frame from the channel.
	Recv() (Frame, error)

	// Close the channel, causing any pending send or receive operations to
	// terminate and report an error. After a channel is closed, all further
	// operations on it must report an error.
	Close() error
}

// ChannelTransport is a Transport that exchanges frames over a Channel.
//
// Outbound frames are queued and written by a separate goroutine, so that
// SendFrame never blocks. A graceful Close closes the channel after all
// queued frames have been written; Dispose closes it at once.
type ChannelTransport struct {
	ch    Channel
	tasks *taskgroup.Group

	ready chan struct{} // signals the writer

	μ       sync.Mutex
	out     *queue.Queue[Frame]
	closing bool  // close the channel when out is empty
	stopped bool  // the writer has exited or must exit
	err     error // send failure, if any
}

// NewChannelTransport constructs an uninitialized transport over ch.
func NewChannelTransport(ch Channel) *ChannelTransport {
	return &ChannelTransport{
		ch:    ch,
		ready: make(chan struct{}, 1),
		out:   queue.New[Frame](),
	}
}

// Init implements a method of the [Transport] interface.
// It starts the goroutines that service the channel.
func (t *ChannelTransport) Init(ctl Controller) {
	if t.tasks != nil {
		panic("transport is already initialized")
	}
	g := taskgroup.New(nil)
	t.tasks = g

	g.Go(func() error {
		for {
			f, err := t.ch.Recv()
			if err != nil {
				if serr := t.sendErr(); serr != nil {
					err = serr
				} else if treatErrorAsSuccess(err) {
					err = nil
				}
				ctl.EndFrame(err)
				return nil
			}
			ctl.NextFrame(f)
		}
	})
	g.Go(t.writeLoop)
}

func (t *ChannelTransport) writeLoop() error {
	for {
		t.μ.Lock()
		f, ok := t.out.Pop()
		closing, stopped := t.closing, t.stopped
		if !ok && closing {
			t.stopped = true
		}
		t.μ.Unlock()

		switch {
		case stopped:
			return nil
		case ok:
			if err := t.ch.Send(f); err != nil {
				t.μ.Lock()
				t.stopped = true
				t.err = err
				t.out.Clear()
				t.μ.Unlock()
				t.ch.Close()
				return nil
			}
		case closing:
			t.ch.Close()
			return nil
		default:
			<-t.ready
		}
	}
}

func (t *ChannelTransport) signal() {
	select {
	case t.ready <- struct{}{}:
	default:
	}
}

func (t *ChannelTransport) sendErr() error {
	t.μ.Lock()
	defer t.μ.Unlock()
	return t.err
}

// CheckFrame implements the [FrameChecker] interface. It delegates to the
// channel, if the channel implements FrameChecker.
func (t *ChannelTransport) CheckFrame(f Frame) error {
	if fc, ok := t.ch.(FrameChecker); ok {
		return fc.CheckFrame(f)
	}
	return nil
}

// SendFrame implements a method of the [Transport] interface.
// Frames sent after Close or Dispose are discarded.
func (t *ChannelTransport) SendFrame(f Frame) {
	t.μ.Lock()
	defer t.μ.Unlock()
	if t.closing || t.stopped {
		return
	}
	t.out.Add(f)
	t.signal()
}

// Close implements a method of the [Transport] interface.
// It returns without waiting for queued frames to be written.
func (t *ChannelTransport) Close() error {
	t.μ.Lock()
	defer t.μ.Unlock()
	if !t.closing && !t.stopped {
		t.closing = true
		t.signal()
	}
	return nil
}

// Dispose implements a method of the [Transport] interface.
// Queued frames not yet written are discarded.
func (t *ChannelTransport) Dispose(error) error {
	t.μ.Lock()
	if t.stopped {
		t.μ.Unlock()
		return nil
	}
	t.stopped = true
	t.out.Clear()
	t.μ.Unlock()
	t.signal()

	if err := t.ch.Close(); err != nil && !treatErrorAsSuccess(err) {
		return err
	}
	return nil
}

// Wait blocks until the goroutines servicing the channel have exited.
// The receiver exits when the channel reports an error, which for most
// channels means the remote peer has closed its end.
func (t *ChannelTransport) Wait() error {
	if t.tasks == nil {
		return nil
	}
	return t.tasks.Wait()
}

func treatErrorAsSuccess(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

// SplitAddress parses an address string to guess a network type and target.
//
// The assignment of a network type uses the following heuristics:
//
// If s does not have the form [host]:port, the network is assigned as "unix".
// The network "unix" is also assigned if port == "", port contains characters
// other than ASCII letters, digits, and "-", or if host contains a "/".
//
// Otherwise, the network is assigned as "tcp". Note that this function does
// not verify whether the address is lexically valid.
func SplitAddress(s string) (network, address string) {
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return "unix", s
	}
	host, port := s[:i], s[i+1:]
	if port == "" || !isServiceName(port) {
		return "unix", s
	} else if strings.IndexByte(host, '/') >= 0 {
		return "unix", s
	}
	return "tcp", s
}

// isServiceName reports whether s looks like a legal service name from the
// services(5) file. The grammar of such names is not well-defined, but for our
// purposes it includes letters, digits, and "-".
func isServiceName(s string) bool {
	for _, b := range s {
		if b >= '0' && b <= '9' || b >= 'A' && b <= 'Z' || b >= 'a' && b <= 'z' || b == '-' {
			continue
		}
		return false
	}
	return true
}

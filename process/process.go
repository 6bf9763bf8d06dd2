// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package process connects cpcall connections to operating system processes.
//
// Default returns a connection to the parent of the current process, over
// its standard input and output. Spawn starts a child process and returns a
// connection to it over the child's standard input and output.
package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/creachadair/cpcall"
	"github.com/creachadair/cpcall/channel"
)

var (
	defaultOnce sync.Once
	defaultConn *cpcall.Conn
)

// Default returns the process-wide connection over os.Stdin and os.Stdout,
// creating it on first use. The options are applied only by the call that
// creates the connection, so a program that registers commands should pass
// them to its first call of Default.
//
// The connection is never replaced: once it has terminated, Default
// continues to return it.
func Default(opts ...cpcall.Option) *cpcall.Conn {
	defaultOnce.Do(func() {
		defaultConn = cpcall.Start(channel.IO(os.Stdin, os.Stdout), opts...)
	})
	return defaultConn
}

// A Child is a connection to a child process.
type Child struct {
	*cpcall.Conn
	cmd *exec.Cmd
}

// Spawn starts cmd and returns a connection to it over its standard input and
// output. The Stdin and Stdout fields of cmd must be nil.
//
// When the connection terminates, the child's standard input is closed.
// The caller must call Wait to reap the child.
func Spawn(cmd *exec.Cmd, opts ...cpcall.Option) (*Child, error) {
	in, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin: %w", err)
	}
	out, err := cmd.StdoutPipe()
	if err != nil {
		in.Close()
		return nil, fmt.Errorf("stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %q: %w", cmd.Path, err)
	}
	return &Child{Conn: cpcall.Start(channel.IO(out, in), opts...), cmd: cmd}, nil
}

// Pid returns the process ID of the child.
func (c *Child) Pid() int { return c.cmd.Process.Pid }

// Wait blocks until the connection has terminated and the child has exited.
// It reports the cause of termination of the connection if there is one,
// otherwise the exit status of the child.
func (c *Child) Wait() error {
	cerr := c.Conn.Wait()
	werr := c.cmd.Wait()
	if cerr != nil {
		return cerr
	}
	return werr
}

// Kill disposes of the connection and kills the child.
func (c *Child) Kill() error {
	c.Conn.Dispose(cpcall.ErrDisposed)
	if err := c.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

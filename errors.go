// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package cpcall

import (
	"errors"
	"fmt"
)

var (
	// ErrRespondFailed is reported for a call still waiting for a return or
	// throw frame when the connection terminated.
	ErrRespondFailed = errors.New("connection terminated before the call was answered")

	// ErrAsyncRespondFailed is reported for a call whose answer had been
	// deferred by the peer when the connection terminated.
	ErrAsyncRespondFailed = errors.New("connection terminated before the deferred call was answered")

	// ErrDisposed is the cause reported when a connection is disposed without
	// an explicit cause.
	ErrDisposed = errors.New("connection disposed")

	// ErrEnded is reported by Call after the local end has been sent.
	ErrEnded = errors.New("connection has ended")

	// ErrChannelEnded is the cause reported when the channel ends cleanly while
	// calls issued on the connection are still awaiting answers.
	ErrChannelEnded = errors.New("channel ended with calls pending")
)

// UnregisteredError is reported by a call whose command has no handler on
// the remote connection.
type UnregisteredError struct {
	Command string
}

func (e *UnregisteredError) Error() string {
	return fmt.Sprintf("command %q is not registered", e.Command)
}

// UnknownFrameError is the cause reported when a connection is disposed
// because the peer sent a frame it does not understand. ID is set for a
// resolve or reject frame that did not match a deferred call.
type UnknownFrameError struct {
	Kind FrameKind
	ID   uint32
}

func (e *UnknownFrameError) Error() string {
	switch e.Kind {
	case KindResolve, KindReject:
		return fmt.Sprintf("unknown frame: %v for unknown deferred ID %d", e.Kind, e.ID)
	}
	return fmt.Sprintf("unknown frame type %v", e.Kind)
}

// ThrownError carries a value thrown by a remote command handler.
//
// A handler may return Throw(v) to send v verbatim to the caller; the caller
// receives a *ThrownError whose Value is v. Any other error returned by a
// handler is sent as its message string.
type ThrownError struct {
	Value any
}

// Throw returns an error that throws v to the caller of a command.
func Throw(v any) error { return &ThrownError{Value: v} }

func (e *ThrownError) Error() string {
	switch t := e.Value.(type) {
	case string:
		return t
	case nil:
		return "thrown: <nil>"
	default:
		return fmt.Sprintf("thrown: %v", t)
	}
}

// thrownValue reports the wire value for an error produced by a handler.
func thrownValue(err error) any {
	var te *ThrownError
	if errors.As(err, &te) {
		return te.Value
	}
	return err.Error()
}

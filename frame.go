// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package cpcall

import "fmt"

// A Frame is one message exchanged between two connections. The concrete type
// of a Frame is one of the *XFrame types defined in this package; no other
// implementations are possible.
type Frame interface {
	// Kind reports the wire tag of the frame.
	Kind() FrameKind

	// String renders the frame in a human-readable form for logging.
	String() string

	isFrame()
}

// FrameKind is the wire tag of a frame.
//
// Kinds 1 to 31 are reserved for the call protocol. Kinds 32 to 63 are
// reserved for the reaction sub-protocol. Other values are not understood by
// this implementation and are reported as an [UnknownFrame].
type FrameKind byte

const (
	KindCall    FrameKind = 1 // invoke a command
	KindReturn  FrameKind = 2 // immediate success
	KindThrow   FrameKind = 3 // immediate failure
	KindAsync   FrameKind = 4 // the answer will arrive later, tagged with an ID
	KindResolve FrameKind = 5 // deferred success
	KindReject  FrameKind = 6 // deferred failure
	KindFin     FrameKind = 7 // end of stream

	KindReactionChange   FrameKind = 32
	KindReactionCancel   FrameKind = 33
	KindReactionResponse FrameKind = 34
)

func (k FrameKind) String() string {
	switch k {
	case KindCall:
		return "CALL"
	case KindReturn:
		return "RETURN"
	case KindThrow:
		return "THROW"
	case KindAsync:
		return "ASYNC"
	case KindResolve:
		return "RESOLVE"
	case KindReject:
		return "REJECT"
	case KindFin:
		return "FIN"
	case KindReactionChange:
		return "REACTION_CHANGE"
	case KindReactionCancel:
		return "REACTION_CANCEL"
	case KindReactionResponse:
		return "REACTION_RESPONSE"
	default:
		return fmt.Sprintf("KIND:%d", byte(k))
	}
}

// IsReaction reports whether k belongs to the reaction sub-protocol.
func (k FrameKind) IsReaction() bool { return k >= 32 && k < 64 }

// CallFrame asks the receiver to run a command.
type CallFrame struct {
	Command string
	Args    []any
}

// ReturnFrame answers the oldest unanswered call with a value.
type ReturnFrame struct {
	Value any
}

// ThrowFrame answers the oldest unanswered call with a failure.  If NotFound
// is true the command was not registered, and Value is unset.
type ThrowFrame struct {
	Value    any
	NotFound bool
}

// AsyncFrame reports that the answer to the oldest unanswered call will
// arrive later in a ResolveFrame or RejectFrame with the same ID.
type AsyncFrame struct {
	ID uint32
}

// ResolveFrame settles the deferred call with the given ID successfully.
type ResolveFrame struct {
	ID    uint32
	Value any
}

// RejectFrame settles the deferred call with the given ID as a failure.
type RejectFrame struct {
	ID    uint32
	Value any
}

// FinFrame reports that the sender will issue no further calls.
type FinFrame struct{}

// ReactionChangeFrame carries a change to a mirrored value. Agent reports
// which role (agent or server) the sender plays for the value.
type ReactionChangeFrame struct {
	Agent  bool
	ID     uint32
	Key    string
	Action uint8
	Data   any
}

// ReactionCancelFrame cancels a mirrored value.
type ReactionCancelFrame struct {
	Agent bool
	ID    uint32
}

// ReactionResponseFrame acknowledges a reaction change.
type ReactionResponseFrame struct {
	Reject bool
}

// UnknownFrame is reported by decoders for a frame whose kind is not
// understood. Receiving one is fatal to the connection.
type UnknownFrame struct {
	Tag     FrameKind
	Payload []byte
}

func (*CallFrame) Kind() FrameKind             { return KindCall }
func (*ReturnFrame) Kind() FrameKind           { return KindReturn }
func (*ThrowFrame) Kind() FrameKind            { return KindThrow }
func (*AsyncFrame) Kind() FrameKind            { return KindAsync }
func (*ResolveFrame) Kind() FrameKind          { return KindResolve }
func (*RejectFrame) Kind() FrameKind           { return KindReject }
func (*FinFrame) Kind() FrameKind              { return KindFin }
func (*ReactionChangeFrame) Kind() FrameKind   { return KindReactionChange }
func (*ReactionCancelFrame) Kind() FrameKind   { return KindReactionCancel }
func (*ReactionResponseFrame) Kind() FrameKind { return KindReactionResponse }
func (u *UnknownFrame) Kind() FrameKind        { return u.Tag }

func (*CallFrame) isFrame()             {}
func (*ReturnFrame) isFrame()           {}
func (*ThrowFrame) isFrame()            {}
func (*AsyncFrame) isFrame()            {}
func (*ResolveFrame) isFrame()          {}
func (*RejectFrame) isFrame()           {}
func (*FinFrame) isFrame()              {}
func (*ReactionChangeFrame) isFrame()   {}
func (*ReactionCancelFrame) isFrame()   {}
func (*ReactionResponseFrame) isFrame() {}
func (*UnknownFrame) isFrame()          {}

func (f *CallFrame) String() string {
	return fmt.Sprintf("Call(%q, Args=%v)", f.Command, f.Args)
}

func (f *ReturnFrame) String() string { return fmt.Sprintf("Return(%v)", f.Value) }

func (f *ThrowFrame) String() string {
	if f.NotFound {
		return "Throw(NotFound)"
	}
	return fmt.Sprintf("Throw(%v)", f.Value)
}

func (f *AsyncFrame) String() string   { return fmt.Sprintf("Async(ID=%d)", f.ID) }
func (f *ResolveFrame) String() string { return fmt.Sprintf("Resolve(ID=%d, %v)", f.ID, f.Value) }
func (f *RejectFrame) String() string  { return fmt.Sprintf("Reject(ID=%d, %v)", f.ID, f.Value) }
func (*FinFrame) String() string       { return "Fin" }

func (f *ReactionChangeFrame) String() string {
	return fmt.Sprintf("ReactionChange(Agent=%v, ID=%d, Key=%q, Action=%d)", f.Agent, f.ID, f.Key, f.Action)
}

func (f *ReactionCancelFrame) String() string {
	return fmt.Sprintf("ReactionCancel(Agent=%v, ID=%d)", f.Agent, f.ID)
}

func (f *ReactionResponseFrame) String() string {
	return fmt.Sprintf("ReactionResponse(Reject=%v)", f.Reject)
}

func (f *UnknownFrame) String() string {
	return fmt.Sprintf("Unknown(%v, %d bytes)", f.Tag, len(f.Payload))
}

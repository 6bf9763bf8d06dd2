// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package wire implements a binary encoding of cpcall frames.
//
// Each encoded frame begins with an 8-byte header:
//
//	'C' 'F' <version> <kind> <length:uint32>
//
// followed by length bytes of payload. Integers are big-endian. The payload
// layout depends on the kind of the frame:
//
//	Call:             command:vstring args:value
//	Return:           value:value
//	Throw:            notFound:byte [value:value]
//	Async:            id:uint32
//	Resolve, Reject:  id:uint32 value:value
//	Fin:              (empty)
//	ReactionChange:   agent:byte id:uint32 key:vstring action:byte data:value
//	ReactionCancel:   agent:byte id:uint32
//	ReactionResponse: reject:byte
//
// A vstring is a Vint30 length followed by that many bytes. A value is a tag
// byte followed by the remainder of the payload: tag 0 means the rest is a
// binary protobuf google.protobuf.Value message, tag 1 means the same
// message compressed with snappy. Values are therefore restricted to what a
// google.protobuf.Value can represent: nil, booleans, numbers, strings, and
// lists and string-keyed maps of these. Numbers decode as float64.
//
// A payload with bytes left over after a frame of fixed layout is invalid.
// A frame of a kind this package does not know decodes as a
// *cpcall.UnknownFrame carrying its payload.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/creachadair/cpcall"
	"github.com/golang/snappy"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Version is the protocol version written in frame headers.
const Version = 0

// DefaultCompressAbove is the value size in bytes above which the default
// codec compresses values.
const DefaultCompressAbove = 1024

// MaxPayload is the largest payload a codec will read.
const MaxPayload = 1 << 26

const (
	tagPlain  = 0
	tagSnappy = 1
)

// A Codec encodes and decodes frames. The zero value never compresses.
type Codec struct {
	// If positive, encoded values longer than this many bytes are compressed.
	CompressAbove int
}

// Default is the codec used by channels that do not specify one.
var Default = Codec{CompressAbove: DefaultCompressAbove}

// Encode encodes f in binary format, including the frame header.
func (c Codec) Encode(f cpcall.Frame) ([]byte, error) {
	payload, err := c.EncodePayload(f)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 8, 8+len(payload))
	copy(buf, []byte{'C', 'F', Version, byte(f.Kind())})
	binary.BigEndian.PutUint32(buf[4:], uint32(len(payload)))
	return append(buf, payload...), nil
}

// WriteFrame writes the encoding of f to w.
func (c Codec) WriteFrame(w io.Writer, f cpcall.Frame) error {
	buf, err := c.Encode(f)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ReadFrame reads and decodes a single frame from r. At the end of input it
// reports io.EOF; a partial frame reports io.ErrUnexpectedEOF.
func (c Codec) ReadFrame(r io.Reader) (cpcall.Frame, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("short frame header: %w", err)
		}
		return nil, err
	}
	if p := string(hdr[:3]); p != "CF\x00" {
		return nil, fmt.Errorf("invalid protocol version %q", p)
	}
	kind := cpcall.FrameKind(hdr[3])
	size := binary.BigEndian.Uint32(hdr[4:])
	if size > MaxPayload {
		return nil, fmt.Errorf("frame payload too large (%d bytes)", size)
	}
	payload := make([]byte, int(size))
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("short payload: %w", err)
	}
	return c.DecodePayload(kind, payload)
}

// Decode decodes a single frame, including its header, from data.
func (c Codec) Decode(data []byte) (cpcall.Frame, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("short frame header (%d bytes)", len(data))
	}
	if p := string(data[:3]); p != "CF\x00" {
		return nil, fmt.Errorf("invalid protocol version %q", p)
	}
	size := binary.BigEndian.Uint32(data[4:])
	if int(size) != len(data)-8 {
		return nil, fmt.Errorf("payload length %d does not match frame (%d bytes)", size, len(data)-8)
	}
	return c.DecodePayload(cpcall.FrameKind(data[3]), data[8:])
}

// CheckFrame reports an error if f carries a value that c cannot encode.
// A frame that passes CheckFrame can be encoded unless it is too large.
func (c Codec) CheckFrame(f cpcall.Frame) error {
	var err error
	switch t := f.(type) {
	case *cpcall.CallFrame:
		_, err = structpb.NewList(t.Args)
	case *cpcall.ReturnFrame:
		_, err = structpb.NewValue(t.Value)
	case *cpcall.ThrowFrame:
		if !t.NotFound {
			_, err = structpb.NewValue(t.Value)
		}
	case *cpcall.ResolveFrame:
		_, err = structpb.NewValue(t.Value)
	case *cpcall.RejectFrame:
		_, err = structpb.NewValue(t.Value)
	case *cpcall.ReactionChangeFrame:
		_, err = structpb.NewValue(t.Data)
	}
	if err != nil {
		return fmt.Errorf("encode %v frame: %w", f.Kind(), err)
	}
	return nil
}

// EncodePayload encodes the payload of f, without a header.
func (c Codec) EncodePayload(f cpcall.Frame) ([]byte, error) {
	var b builder
	var err error
	switch t := f.(type) {
	case *cpcall.CallFrame:
		b.String(t.Command)
		err = c.putArgs(&b, t.Args)
	case *cpcall.ReturnFrame:
		err = c.putValue(&b, t.Value)
	case *cpcall.ThrowFrame:
		b.Flag(t.NotFound)
		if !t.NotFound {
			err = c.putValue(&b, t.Value)
		}
	case *cpcall.AsyncFrame:
		b.Uint32(t.ID)
	case *cpcall.ResolveFrame:
		b.Uint32(t.ID)
		err = c.putValue(&b, t.Value)
	case *cpcall.RejectFrame:
		b.Uint32(t.ID)
		err = c.putValue(&b, t.Value)
	case *cpcall.FinFrame:
		// no payload
	case *cpcall.ReactionChangeFrame:
		b.Flag(t.Agent)
		b.Uint32(t.ID)
		b.String(t.Key)
		b.Byte(t.Action)
		err = c.putValue(&b, t.Data)
	case *cpcall.ReactionCancelFrame:
		b.Flag(t.Agent)
		b.Uint32(t.ID)
	case *cpcall.ReactionResponseFrame:
		b.Flag(t.Reject)
	case *cpcall.UnknownFrame:
		b.Raw(t.Payload)
	default:
		return nil, fmt.Errorf("cannot encode frame %T", f)
	}
	if err != nil {
		return nil, fmt.Errorf("encode %v frame: %w", f.Kind(), err)
	}
	return b.Bytes(), nil
}

// DecodePayload decodes a frame of the given kind from its payload.
func (c Codec) DecodePayload(kind cpcall.FrameKind, payload []byte) (_ cpcall.Frame, err error) {
	s := &scanner{rest: payload}
	defer func() {
		if err != nil {
			err = fmt.Errorf("decode %v frame: %w", kind, err)
		}
	}()

	switch kind {
	case cpcall.KindCall:
		cmd, err := s.String()
		if err != nil {
			return nil, err
		}
		args, err := c.getArgs(s)
		if err != nil {
			return nil, err
		}
		return &cpcall.CallFrame{Command: cmd, Args: args}, nil

	case cpcall.KindReturn:
		v, err := c.getValue(s)
		if err != nil {
			return nil, err
		}
		return &cpcall.ReturnFrame{Value: v}, nil

	case cpcall.KindThrow:
		nf, err := s.Flag()
		if err != nil {
			return nil, err
		} else if nf {
			if err := s.Done(); err != nil {
				return nil, err
			}
			return &cpcall.ThrowFrame{NotFound: true}, nil
		}
		v, err := c.getValue(s)
		if err != nil {
			return nil, err
		}
		return &cpcall.ThrowFrame{Value: v}, nil

	case cpcall.KindAsync:
		id, err := s.Uint32()
		if err != nil {
			return nil, err
		} else if err := s.Done(); err != nil {
			return nil, err
		}
		return &cpcall.AsyncFrame{ID: id}, nil

	case cpcall.KindResolve, cpcall.KindReject:
		id, err := s.Uint32()
		if err != nil {
			return nil, err
		}
		v, err := c.getValue(s)
		if err != nil {
			return nil, err
		}
		if kind == cpcall.KindResolve {
			return &cpcall.ResolveFrame{ID: id, Value: v}, nil
		}
		return &cpcall.RejectFrame{ID: id, Value: v}, nil

	case cpcall.KindFin:
		if err := s.Done(); err != nil {
			return nil, err
		}
		return &cpcall.FinFrame{}, nil

	case cpcall.KindReactionChange:
		var f cpcall.ReactionChangeFrame
		if f.Agent, err = s.Flag(); err != nil {
			return nil, err
		}
		if f.ID, err = s.Uint32(); err != nil {
			return nil, err
		}
		if f.Key, err = s.String(); err != nil {
			return nil, err
		}
		if f.Action, err = s.Byte(); err != nil {
			return nil, err
		}
		if f.Data, err = c.getValue(s); err != nil {
			return nil, err
		}
		return &f, nil

	case cpcall.KindReactionCancel:
		var f cpcall.ReactionCancelFrame
		if f.Agent, err = s.Flag(); err != nil {
			return nil, err
		}
		if f.ID, err = s.Uint32(); err != nil {
			return nil, err
		}
		if err := s.Done(); err != nil {
			return nil, err
		}
		return &f, nil

	case cpcall.KindReactionResponse:
		rej, err := s.Flag()
		if err != nil {
			return nil, err
		} else if err := s.Done(); err != nil {
			return nil, err
		}
		return &cpcall.ReactionResponseFrame{Reject: rej}, nil

	default:
		return &cpcall.UnknownFrame{Tag: kind, Payload: payload}, nil
	}
}

func (c Codec) putArgs(b *builder, args []any) error {
	lv, err := structpb.NewList(args)
	if err != nil {
		return err
	}
	return c.putMessage(b, structpb.NewListValue(lv))
}

func (c Codec) putValue(b *builder, v any) error {
	pv, err := structpb.NewValue(v)
	if err != nil {
		return err
	}
	return c.putMessage(b, pv)
}

func (c Codec) putMessage(b *builder, pv *structpb.Value) error {
	data, err := proto.Marshal(pv)
	if err != nil {
		return err
	}
	if c.CompressAbove > 0 && len(data) > c.CompressAbove {
		b.Byte(tagSnappy)
		b.Raw(snappy.Encode(nil, data))
	} else {
		b.Byte(tagPlain)
		b.Raw(data)
	}
	return nil
}

func (c Codec) getMessage(s *scanner) (*structpb.Value, error) {
	tag, err := s.Byte()
	if err != nil {
		return nil, err
	}
	data := s.Rest()
	switch tag {
	case tagPlain:
	case tagSnappy:
		if data, err = snappy.Decode(nil, data); err != nil {
			return nil, fmt.Errorf("decompress value: %w", err)
		}
	default:
		return nil, fmt.Errorf("invalid value tag %d", tag)
	}
	var pv structpb.Value
	if err := proto.Unmarshal(data, &pv); err != nil {
		return nil, fmt.Errorf("invalid value: %w", err)
	}
	return &pv, nil
}

func (c Codec) getValue(s *scanner) (any, error) {
	pv, err := c.getMessage(s)
	if err != nil {
		return nil, err
	}
	return pv.AsInterface(), nil
}

func (c Codec) getArgs(s *scanner) ([]any, error) {
	pv, err := c.getMessage(s)
	if err != nil {
		return nil, err
	}
	lv := pv.GetListValue()
	if lv == nil {
		return nil, errors.New("arguments are not a list")
	}
	if len(lv.Values) == 0 {
		return nil, nil
	}
	return lv.AsSlice(), nil
}

// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/creachadair/mds/value"
)

// A builder accumulates the payload of a frame. The zero value is ready for
// use as an empty builder.
type builder struct {
	buf []byte
}

// Flag appends a Boolean as a single byte with value 0 or 1.
func (b *builder) Flag(ok bool) { b.buf = append(b.buf, value.Cond[byte](ok, 1, 0)) }

// Byte appends a single byte.
func (b *builder) Byte(v byte) { b.buf = append(b.buf, v) }

// Uint32 appends v in big-endian order.
func (b *builder) Uint32(v uint32) { b.buf = binary.BigEndian.AppendUint32(b.buf, v) }

// String appends a length-prefixed string, with the length as a [Vint30].
func (b *builder) String(s string) {
	b.buf = Vint30(len(s)).Append(b.buf)
	b.buf = append(b.buf, s...)
}

// Raw appends data without framing.
func (b *builder) Raw(data []byte) { b.buf = append(b.buf, data...) }

// Bytes reports the current contents of the buffer.
func (b *builder) Bytes() []byte { return b.buf }

// A scanner reads encoded values from a frame payload. Incomplete values
// report [io.ErrUnexpectedEOF].
type scanner struct {
	rest []byte
}

func (s *scanner) Flag() (bool, error) {
	b, err := s.Byte()
	return b != 0, err
}

func (s *scanner) Byte() (byte, error) {
	if len(s.rest) == 0 {
		return 0, io.ErrUnexpectedEOF
	}
	out := s.rest[0]
	s.rest = s.rest[1:]
	return out, nil
}

func (s *scanner) Uint32() (uint32, error) {
	if len(s.rest) < 4 {
		return 0, fmt.Errorf("value truncated (%d < 4 bytes): %w", len(s.rest), io.ErrUnexpectedEOF)
	}
	out := binary.BigEndian.Uint32(s.rest)
	s.rest = s.rest[4:]
	return out, nil
}

func (s *scanner) Vint30() (int, error) {
	nb, v := ParseVint30(s.rest)
	if nb < 0 {
		return 0, io.ErrUnexpectedEOF
	}
	s.rest = s.rest[nb:]
	return int(v), nil
}

func (s *scanner) String() (string, error) {
	n, err := s.Vint30()
	if err != nil {
		return "", err
	}
	if len(s.rest) < n {
		return "", fmt.Errorf("string truncated (%d < %d bytes): %w", len(s.rest), n, io.ErrUnexpectedEOF)
	}
	out := string(s.rest[:n])
	s.rest = s.rest[n:]
	return out, nil
}

// Done reports an error if any input remains unconsumed.
func (s *scanner) Done() error {
	if len(s.rest) != 0 {
		return fmt.Errorf("%d extra bytes after frame", len(s.rest))
	}
	return nil
}

// Rest consumes and returns the remaining input.
func (s *scanner) Rest() []byte {
	out := s.rest
	s.rest = nil
	return out
}

// Vint30 is an unsigned 30-bit integer that uses a variable-width encoding
// from 1 to 4 bytes.
//
//   - Values v < 64 are encoded as 1 byte.
//   - Values 64 ≤ v < 16384 are encoded as 2 bytes.
//   - Values 16384 ≤ v < 4194304 are encoded as 3 bytes.
//   - Values 4194304 ≤ v < 1073741824 are encoded as 4 bytes.
//
// The value is shifted left two bits and stored little-endian, and the low
// two bits of the first byte hold the count of additional bytes, so a decoder
// learns the full length from the first byte.
type Vint30 uint32

// MaxVint30 is the maximum value that can be encoded by a Vint30.
const MaxVint30 = 1<<30 - 1

// Size reports the number of bytes required to encode v, or -1 if v is too
// large to be encoded.
func (v Vint30) Size() int {
	switch {
	case v < (1 << 6):
		return 1
	case v < (1 << 14):
		return 2
	case v < (1 << 22):
		return 3
	case v < (1 << 30):
		return 4
	default:
		return -1
	}
}

// Append appends the encoding of v to buf, and returns the updated slice.
// It panics if v is out of range.
func (v Vint30) Append(buf []byte) []byte {
	n := v.Size()
	if n < 0 {
		panic("value out of range")
	}
	w := uint32(v)<<2 | uint32(n-1)
	for range n {
		buf = append(buf, byte(w))
		w >>= 8
	}
	return buf
}

// ParseVint30 decodes a Vint30 from the front of buf, and reports the number
// of bytes consumed.  If buf does not begin with a complete encoding, it
// returns -1.
func ParseVint30(buf []byte) (int, Vint30) {
	if len(buf) == 0 {
		return -1, 0
	}
	nb := int(buf[0]&3) + 1
	if len(buf) < nb {
		return -1, 0
	}
	var w uint32
	for i := nb - 1; i >= 0; i-- {
		w = w<<8 | uint32(buf[i])
	}
	return nb, Vint30(w >> 2)
}

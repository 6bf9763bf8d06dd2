// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package wire_test

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/creachadair/cpcall"
	"github.com/creachadair/cpcall/wire"
	"github.com/google/go-cmp/cmp"
)

func TestVint30(t *testing.T) {
	tests := []struct {
		input wire.Vint30
		want  string
	}{
		// Single-byte encodings.
		{0, "\x00"},
		{1, "\x04"},
		{63, "\xfc"},

		// Two-byte encodings.
		{64, "\x01\x01"},
		{100, "\x91\x01"},
		{500, "\xd1\x07"},
		{16383, "\xfd\xff"},

		// Three-byte encodings.
		{16384, "\x02\x00\x01"},
		{65000, "\xa2\xf7\x03"},
		{1048576, "\x02\x00\x40"},

		// Four-byte encodings.
		{62830181, "\x97\xd9\xfa\x0e"},
		{536896023, "\x5f\x88\x01\x80"},
		{1073741823, "\xff\xff\xff\xff"}, // maximum supported value
	}

	var packed []byte
	for _, tc := range tests {
		got := tc.input.Append(nil)
		if string(got) != tc.want {
			t.Errorf("Encode %d: got %v, want %v", tc.input, got, []byte(tc.want))
		}
		if n := tc.input.Size(); n != len(tc.want) {
			t.Errorf("Size %d: got %d, want %d", tc.input, n, len(tc.want))
		}
		packed = tc.input.Append(packed) // see below

		nb, v := wire.ParseVint30(got)
		if nb != len(got) || v != tc.input {
			t.Errorf("Parse %v: got (%d, %d), want (%d, %d)", got, nb, v, len(got), tc.input)
		}
	}

	// Now decode the accumulated results to verify self-framing.
	t.Logf("Packed: %v", packed)
	for i := 0; len(packed) != 0; i++ {
		nb, v := wire.ParseVint30(packed)
		if nb < 0 {
			t.Fatalf("Invalid encoding at index %d (%v)", i, packed)
		} else if i >= len(tests) {
			t.Fatalf("Index %d: got extra value %d", i, v)
		} else if v != tests[i].input {
			t.Errorf("Index %d: got %v, want %v", i, v, tests[i].input)
		}
		packed = packed[nb:]
	}

	if got := wire.Vint30(wire.MaxVint30 + 1).Size(); got != -1 {
		t.Errorf("Size of out-of-range value: got %d, want -1", got)
	}
	if nb, _ := wire.ParseVint30([]byte{0x03, 0x01}); nb != -1 {
		t.Errorf("Parse truncated: got %d, want -1", nb)
	}
}

func TestRoundTrip(t *testing.T) {
	long := strings.Repeat("all work and no play makes jack a dull boy ", 50)
	tests := []cpcall.Frame{
		&cpcall.CallFrame{Command: "echo"},
		&cpcall.CallFrame{Command: "mixed", Args: []any{
			"a", 1.0, -2.5, true, nil,
			[]any{"x", 3.0},
			map[string]any{"k": "v", "n": 4.0},
		}},
		&cpcall.CallFrame{Command: "long", Args: []any{long}},
		&cpcall.ReturnFrame{},
		&cpcall.ReturnFrame{Value: "ok"},
		&cpcall.ReturnFrame{Value: []any{long, long}},
		&cpcall.ThrowFrame{NotFound: true},
		&cpcall.ThrowFrame{Value: "bad robot"},
		&cpcall.ThrowFrame{Value: map[string]any{"code": 404.0}},
		&cpcall.AsyncFrame{ID: 0},
		&cpcall.AsyncFrame{ID: 0xfc009a01},
		&cpcall.ResolveFrame{ID: 3, Value: 17.0},
		&cpcall.RejectFrame{ID: 4, Value: "nope"},
		&cpcall.FinFrame{},
		&cpcall.ReactionChangeFrame{Agent: true, ID: 9, Key: "status", Action: 2, Data: []any{"up"}},
		&cpcall.ReactionCancelFrame{ID: 9},
		&cpcall.ReactionResponseFrame{Reject: true},
		&cpcall.UnknownFrame{Tag: 99, Payload: []byte("whatever")},
	}

	for _, codec := range []wire.Codec{{}, wire.Default, {CompressAbove: 1}} {
		var buf bytes.Buffer
		for _, f := range tests {
			enc, err := codec.Encode(f)
			if err != nil {
				t.Fatalf("Encode %v: unexpected error: %v", f, err)
			}
			dec, err := codec.Decode(enc)
			if err != nil {
				t.Fatalf("Decode %v: unexpected error: %v", f, err)
			}
			if diff := cmp.Diff(f, dec); diff != "" {
				t.Errorf("Decode %v (-want, +got):\n%s", f, diff)
			}

			if err := codec.WriteFrame(&buf, f); err != nil {
				t.Fatalf("WriteFrame %v: unexpected error: %v", f, err)
			}
		}

		// The same frames read back in order from a stream, followed by a
		// clean end of input.
		for i, want := range tests {
			got, err := codec.ReadFrame(&buf)
			if err != nil {
				t.Fatalf("ReadFrame %d: unexpected error: %v", i, err)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("ReadFrame %d (-want, +got):\n%s", i, diff)
			}
		}
		if f, err := codec.ReadFrame(&buf); err != io.EOF {
			t.Errorf("ReadFrame at end: got %v, %v; want %v", f, err, io.EOF)
		}
	}
}

func TestCompression(t *testing.T) {
	long := strings.Repeat("abcdefgh", 500)
	f := &cpcall.ReturnFrame{Value: long}

	plain, err := wire.Codec{}.Encode(f)
	if err != nil {
		t.Fatalf("Encode plain: %v", err)
	}
	packed, err := wire.Codec{CompressAbove: 100}.Encode(f)
	if err != nil {
		t.Fatalf("Encode compressed: %v", err)
	}
	if len(packed) >= len(plain) {
		t.Errorf("Compressed size %d, want < %d", len(packed), len(plain))
	}

	// The value tag follows the header.
	if plain[8] != 0 || packed[8] != 1 {
		t.Errorf("Value tags: got %d, %d; want 0, 1", plain[8], packed[8])
	}

	// Any codec can decode a compressed value, whatever its own threshold.
	got, err := wire.Codec{}.Decode(packed)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if diff := cmp.Diff(f, got); diff != "" {
		t.Errorf("Decode (-want, +got):\n%s", diff)
	}
}

func TestEncodeErrors(t *testing.T) {
	tests := []cpcall.Frame{
		&cpcall.ReturnFrame{Value: make(chan int)},
		&cpcall.CallFrame{Command: "x", Args: []any{struct{}{}}},
		&cpcall.ResolveFrame{ID: 1, Value: map[int]string{1: "x"}},
	}
	for _, f := range tests {
		if enc, err := wire.Default.Encode(f); err == nil {
			t.Errorf("Encode %T: got %q, want error", f, enc)
		}
	}
}

func TestDecodeErrors(t *testing.T) {
	frame := func(kind byte, payload string) string {
		n := len(payload)
		return "CF\x00" + string([]byte{kind, byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)}) + payload
	}

	tests := []struct {
		name, input, want string
	}{
		{"ShortHeader", "CF\x00\x07", "short frame header"},
		{"BadMagic", "XY\x00\x07\x00\x00\x00\x00", "invalid protocol version"},
		{"BadVersion", "CF\x09\x07\x00\x00\x00\x00", "invalid protocol version"},
		{"LengthMismatch", "CF\x00\x07\x00\x00\x00\x05ab", "does not match"},
		{"ShortAsync", frame(4, "\x00\x01"), "truncated"},
		{"ShortCommand", frame(1, "\x14ab"), "truncated"},
		{"NoValue", frame(2, ""), "unexpected EOF"},
		{"BadTag", frame(2, "\x07\x08\x01"), "invalid value tag"},
		{"BadSnappy", frame(2, "\x01\xff\xff\xff\xff"), "decompress"},
		{"BadProto", frame(2, "\x00\xff"), "invalid value"},
		{"ArgsNotList", frame(1, "\x10echo\x00\x1a\x01x"), "not a list"},
		{"LongAsync", frame(4, "\x00\x00\x00\x01x"), "1 extra bytes"},
		{"LongFin", frame(7, "x"), "1 extra bytes"},
		{"LongNotFound", frame(3, "\x01\x00\x00"), "2 extra bytes"},
		{"LongCancel", frame(33, "\x00\x00\x00\x00\x09\x00"), "1 extra bytes"},
		{"LongResponse", frame(34, "\x01\x01"), "1 extra bytes"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f, err := wire.Default.Decode([]byte(tc.input))
			if err == nil {
				t.Fatalf("Decode: got %v, want error", f)
			} else if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Decode: got error %v, want it to mention %q", err, tc.want)
			}
		})
	}
}

func TestReadFrameErrors(t *testing.T) {
	t.Run("ShortHeader", func(t *testing.T) {
		_, err := wire.Default.ReadFrame(strings.NewReader("CF\x00"))
		if !errors.Is(err, io.ErrUnexpectedEOF) {
			t.Errorf("ReadFrame: got %v, want %v", err, io.ErrUnexpectedEOF)
		}
	})
	t.Run("ShortPayload", func(t *testing.T) {
		_, err := wire.Default.ReadFrame(strings.NewReader("CF\x00\x02\x00\x00\x00\x10\x00"))
		if !errors.Is(err, io.ErrUnexpectedEOF) {
			t.Errorf("ReadFrame: got %v, want %v", err, io.ErrUnexpectedEOF)
		}
	})
	t.Run("TooLarge", func(t *testing.T) {
		_, err := wire.Default.ReadFrame(strings.NewReader("CF\x00\x02\xff\xff\xff\xff"))
		if err == nil || !strings.Contains(err.Error(), "too large") {
			t.Errorf("ReadFrame: got %v, want payload too large", err)
		}
	})
	t.Run("Empty", func(t *testing.T) {
		if _, err := wire.Default.ReadFrame(strings.NewReader("")); err != io.EOF {
			t.Errorf("ReadFrame: got %v, want %v", err, io.EOF)
		}
	})
}

// Package varint implements the VarInt encoding used for data record length
// prefixes and for the per-codepoint encoding inside serialized strings.
//
// The wire format is standard LEB128 (7 data bits per byte, high bit set on
// all but the last byte), the same format implemented by
// [github.com/multiformats/go-varint] and by [encoding/binary]'s own
// Uvarint/PutUvarint. Streaming encode/decode against [io.Writer]/[io.Reader]
// goes through go-varint directly; random-access decode against an
// already-mapped byte slice (the reader's hot path) uses a short local loop
// with encoding/binary.Uvarint's semantics, since go-varint's API is
// reader-oriented and an
// extra io.Reader wrapper around mmap'd memory would only cost an
// allocation per call.
package varint

import (
	"errors"
	"io"

	gvarint "github.com/multiformats/go-varint"
)

// ErrOverflow is returned when a decoded value would overflow uint64, or
// when more than the maximum number of continuation bytes is seen.
var ErrOverflow = errors.New("varint: overflow")

// MaxLen is the maximum number of bytes a uint64 VarInt can occupy.
const MaxLen = 10

// AppendUint64 appends the VarInt encoding of v to dst and returns the
// extended slice.
func AppendUint64(dst []byte, v uint64) []byte {
	var tmp [MaxLen]byte
	n := gvarint.PutUvarint(tmp[:], v)

	return append(dst, tmp[:n]...)
}

// WriteUint64 writes the VarInt encoding of v to w.
func WriteUint64(w io.Writer, v uint64) error {
	var tmp [MaxLen]byte
	n := gvarint.PutUvarint(tmp[:], v)
	_, err := w.Write(tmp[:n])

	return err
}

// ReadUint64 reads one VarInt-encoded value from r.
func ReadUint64(r io.Reader) (uint64, error) {
	return gvarint.ReadUvarint(r)
}

// DecodeUint64 decodes one VarInt-encoded value from the front of buf. It
// returns the decoded value and the number of bytes consumed. A returned
// length of 0 indicates malformed input (ErrOverflow or a truncated buffer).
func DecodeUint64(buf []byte) (uint64, int, error) {
	v, n := decodeUvarint(buf)
	if n <= 0 {
		if n == 0 {
			return 0, 0, io.ErrUnexpectedEOF
		}

		return 0, 0, ErrOverflow
	}

	return v, n, nil
}

// decodeUvarint mirrors encoding/binary.Uvarint's semantics exactly: n == 0
// means buf too small, n < 0 means overflow (-n is the offending byte count).
func decodeUvarint(buf []byte) (uint64, int) {
	var x uint64

	var s uint

	for i, b := range buf {
		if i == MaxLen-1 && b > 1 {
			return 0, -(i + 1)
		}

		if b < 0x80 {
			return x | uint64(b)<<s, i + 1
		}

		x |= uint64(b&0x7f) << s
		s += 7
	}

	return 0, 0
}

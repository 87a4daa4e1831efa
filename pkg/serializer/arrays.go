package serializer

import (
	"bytes"
	"fmt"
	"math"

	"github.com/calvinalkan/sidekv/pkg/varint"
)

// Array payload layout (after the tag byte):
//
//	flags byte   bit 0x80 = payload compressed; low bits = narrowed width code
//	varint       element count
//	varint       payload length in bytes (after compression, if applied)
//	...          width-encoded elements (raw, or s2-compressed if flagged)
//
// Narrowing picks the smallest fixed width that can represent every element
// in the array without loss, trading an upfront scan for a smaller payload;
// this is the array-level analog of the scalar ranged encodings above.

const (
	widthByte  = 0
	widthShort = 1
	widthInt32 = 2
	widthInt64 = 3
)

func (s *Serializer) encodeIntArray(buf *bytes.Buffer, arr []int32) error {
	width := widthByte

	for _, v := range arr {
		width = max(width, widthForInt64(int64(v)))
		if width == widthInt32 {
			break
		}
	}

	var payload bytes.Buffer

	for _, v := range arr {
		writeNarrowed(&payload, width, int64(v))
	}

	return s.writeArrayTag(buf, tagIntArray, width, len(arr), payload.Bytes())
}

func (s *Serializer) decodeIntArray(buf []byte) ([]int32, int, error) {
	width, count, payload, consumed, err := s.readArrayTag(buf)
	if err != nil {
		return nil, 0, err
	}

	out := make([]int32, count)

	off := 0

	for i := range out {
		v, n, err := readNarrowed(width, payload[off:])
		if err != nil {
			return nil, 0, err
		}

		out[i] = int32(v) //nolint:gosec
		off += n
	}

	return out, consumed, nil
}

func (s *Serializer) encodeLongArray(buf *bytes.Buffer, arr []int64) error {
	width := widthByte
	for _, v := range arr {
		width = max(width, widthForInt64(v))
	}

	var payload bytes.Buffer

	for _, v := range arr {
		writeNarrowed(&payload, width, v)
	}

	return s.writeArrayTag(buf, tagLongArray, width, len(arr), payload.Bytes())
}

func (s *Serializer) decodeLongArray(buf []byte) ([]int64, int, error) {
	width, count, payload, consumed, err := s.readArrayTag(buf)
	if err != nil {
		return nil, 0, err
	}

	out := make([]int64, count)

	off := 0

	for i := range out {
		v, n, err := readNarrowed(width, payload[off:])
		if err != nil {
			return nil, 0, err
		}

		out[i] = v
		off += n
	}

	return out, consumed, nil
}

func (s *Serializer) encodeFloatArray(buf *bytes.Buffer, arr []float32) error {
	var payload bytes.Buffer

	for _, v := range arr {
		var tmp bytes.Buffer

		writeBE32(&tmp, math.Float32bits(v))
		payload.Write(tmp.Bytes())
	}

	return s.writeArrayTag(buf, tagFloatArray, widthInt32, len(arr), payload.Bytes())
}

func (s *Serializer) decodeFloatArray(buf []byte) ([]float32, int, error) {
	_, count, payload, consumed, err := s.readArrayTag(buf)
	if err != nil {
		return nil, 0, err
	}

	out := make([]float32, count)

	off := 0

	for i := range out {
		bits, n, err := readBE32(payload[off:])
		if err != nil {
			return nil, 0, err
		}

		out[i] = math.Float32frombits(bits)
		off += n
	}

	return out, consumed, nil
}

func (s *Serializer) encodeDoubleArray(buf *bytes.Buffer, arr []float64) error {
	var payload bytes.Buffer

	for _, v := range arr {
		var tmp bytes.Buffer

		writeBE64(&tmp, math.Float64bits(v))
		payload.Write(tmp.Bytes())
	}

	return s.writeArrayTag(buf, tagDoubleArray, widthInt64, len(arr), payload.Bytes())
}

func (s *Serializer) decodeDoubleArray(buf []byte) ([]float64, int, error) {
	_, count, payload, consumed, err := s.readArrayTag(buf)
	if err != nil {
		return nil, 0, err
	}

	out := make([]float64, count)

	off := 0

	for i := range out {
		bits, n, err := readBE64(payload[off:])
		if err != nil {
			return nil, 0, err
		}

		out[i] = math.Float64frombits(bits)
		off += n
	}

	return out, consumed, nil
}

func (s *Serializer) encodeByteArray(buf *bytes.Buffer, arr []byte) error {
	return s.writeArrayTag(buf, tagByteArray, widthByte, len(arr), arr)
}

func (s *Serializer) decodeByteArray(buf []byte) ([]byte, int, error) {
	_, _, payload, consumed, err := s.readArrayTag(buf)
	if err != nil {
		return nil, 0, err
	}

	out := make([]byte, len(payload))
	copy(out, payload)

	return out, consumed, nil
}

func (s *Serializer) encodeStringArray(buf *bytes.Buffer, arr []string) error {
	var payload bytes.Buffer

	for _, str := range arr {
		encodeString(&payload, str)
	}

	return s.writeArrayTag(buf, tagStringArray, widthByte, len(arr), payload.Bytes())
}

func (s *Serializer) decodeStringArray(buf []byte) ([]string, int, error) {
	_, count, payload, consumed, err := s.readArrayTag(buf)
	if err != nil {
		return nil, 0, err
	}

	out := make([]string, count)

	off := 0

	for i := range out {
		v, n, err := decodeString(payload[off:])
		if err != nil {
			return nil, 0, err
		}

		out[i] = v
		off += n
	}

	return out, consumed, nil
}

func (s *Serializer) encodeIntArray2D(buf *bytes.Buffer, arr [][]int32) error {
	var payload bytes.Buffer

	payload.Write(varint.AppendUint64(nil, uint64(len(arr))))

	for _, row := range arr {
		if err := s.encodeIntArray(&payload, row); err != nil {
			return err
		}
	}

	buf.WriteByte(byte(tagIntArray2D))
	buf.Write(payload.Bytes())

	return nil
}

func (s *Serializer) decodeIntArray2D(buf []byte) ([][]int32, int, error) {
	rows, n, err := varint.DecodeUint64(buf)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: 2d row count: %w", ErrMalformed, err)
	}

	off := n
	out := make([][]int32, rows)

	for i := range out {
		row, tagLen, err := s.DecodePrefix(buf[off:])
		if err != nil {
			return nil, 0, err
		}

		typed, ok := row.([]int32)
		if !ok {
			return nil, 0, fmt.Errorf("%w: 2d row %d not an int array", ErrMalformed, i)
		}

		out[i] = typed
		off += tagLen
	}

	return out, off, nil
}

func (s *Serializer) encodeLongArray2D(buf *bytes.Buffer, arr [][]int64) error {
	var payload bytes.Buffer

	payload.Write(varint.AppendUint64(nil, uint64(len(arr))))

	for _, row := range arr {
		if err := s.encodeLongArray(&payload, row); err != nil {
			return err
		}
	}

	buf.WriteByte(byte(tagLongArray2D))
	buf.Write(payload.Bytes())

	return nil
}

func (s *Serializer) decodeLongArray2D(buf []byte) ([][]int64, int, error) {
	rows, n, err := varint.DecodeUint64(buf)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: 2d row count: %w", ErrMalformed, err)
	}

	off := n
	out := make([][]int64, rows)

	for i := range out {
		row, tagLen, err := s.DecodePrefix(buf[off:])
		if err != nil {
			return nil, 0, err
		}

		typed, ok := row.([]int64)
		if !ok {
			return nil, 0, fmt.Errorf("%w: 2d row %d not a long array", ErrMalformed, i)
		}

		out[i] = typed
		off += tagLen
	}

	return out, off, nil
}

// writeArrayTag writes the tag byte, flags byte, element count and payload
// (compressing the payload first when beneficial).
func (s *Serializer) writeArrayTag(buf *bytes.Buffer, t tag, width int, count int, rawPayload []byte) error {
	payload, compressed := s.compressPayload(rawPayload)

	flags := byte(width)
	if compressed {
		flags |= compressedFlag
	}

	buf.WriteByte(byte(t))
	buf.WriteByte(flags)
	buf.Write(varint.AppendUint64(nil, uint64(count)))
	buf.Write(varint.AppendUint64(nil, uint64(len(payload))))
	buf.Write(payload)

	return nil
}

// readArrayTag reads the flags byte, element count, and decompressed
// payload following an array tag byte (the tag byte itself is not part of
// buf; the caller has already consumed it). consumed is the number of bytes
// of buf occupied by this array, i.e. the caller's next read offset.
func (s *Serializer) readArrayTag(buf []byte) (width int, count uint64, payload []byte, consumed int, err error) {
	if len(buf) < 1 {
		return 0, 0, nil, 0, fmt.Errorf("%w: truncated array flags", ErrMalformed)
	}

	flags := buf[0]
	compressed := flags&compressedFlag != 0
	width = int(flags &^ compressedFlag)

	off := 1

	count, n, err := varint.DecodeUint64(buf[off:])
	if err != nil {
		return 0, 0, nil, 0, fmt.Errorf("%w: array count: %w", ErrMalformed, err)
	}

	off += n

	payloadLen, n2, err := varint.DecodeUint64(buf[off:])
	if err != nil {
		return 0, 0, nil, 0, fmt.Errorf("%w: array payload length: %w", ErrMalformed, err)
	}

	off += n2
	if uint64(len(buf)-off) < payloadLen {
		return 0, 0, nil, 0, fmt.Errorf("%w: array payload overrun", ErrMalformed)
	}

	raw := buf[off : off+int(payloadLen)]
	off += int(payloadLen)

	payload, err = decompressPayload(raw, compressed)
	if err != nil {
		return 0, 0, nil, 0, err
	}

	return width, count, payload, off, nil
}

func widthForInt64(v int64) int {
	switch {
	case v >= -128 && v <= 127:
		return widthByte
	case v >= -32768 && v <= 32767:
		return widthShort
	case v >= -2147483648 && v <= 2147483647:
		return widthInt32
	default:
		return widthInt64
	}
}

func writeNarrowed(buf *bytes.Buffer, width int, v int64) {
	switch width {
	case widthByte:
		buf.WriteByte(byte(v))
	case widthShort:
		writeBE16(buf, uint16(v)) //nolint:gosec
	case widthInt32:
		writeBE32(buf, uint32(v)) //nolint:gosec
	default:
		writeBE64(buf, uint64(v))
	}
}

func readNarrowed(width int, buf []byte) (int64, int, error) {
	switch width {
	case widthByte:
		if len(buf) < 1 {
			return 0, 0, fmt.Errorf("%w: narrowed byte", ErrMalformed)
		}

		return int64(int8(buf[0])), 1, nil
	case widthShort:
		v, n, err := readBE16(buf)
		return int64(int16(v)), n, err
	case widthInt32:
		v, n, err := readBE32(buf)
		return int64(int32(v)), n, err //nolint:gosec
	case widthInt64:
		v, n, err := readBE64(buf)
		return int64(v), n, err //nolint:gosec
	default:
		return 0, 0, fmt.Errorf("%w: unknown narrow width %d", ErrMalformed, width)
	}
}

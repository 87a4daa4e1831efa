// Package serializer implements the tagged-union binary value codec used to
// encode data-region values: a closed set of type tags with fast paths for
// small integers, narrowest-fit ranged numeric encodings, strings as
// per-codepoint VarInts, arbitrary-precision numbers, typed arrays with optional
// compression, and a name-indexed registry for custom types.
//
// This replaces a reflective per-class dispatch table with two built-in
// codec paths (the tag switch below, and the typed-array path) plus a
// name-indexed dictionary for anything registered via [Serializer.Register].
// There is no global registry: every [Serializer] owns its own custom codecs.
package serializer

import (
	"bytes"
	"fmt"
	"math"
	"math/big"
	"sync"

	"github.com/calvinalkan/sidekv/pkg/varint"
	"github.com/klauspost/compress/s2"
)

// Char is a single UTF-16-style code unit, the standalone scalar type for
// tagChar. Strings are encoded independently of Char (as a VarInt rune
// count plus per-rune VarInt codepoints), matching spec.md's per-character
// string encoding rather than UTF-8 bytes.
type Char uint16

// Codec encodes and decodes a single custom registered type.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte) (any, error)
}

// Options configures a Serializer.
type Options struct {
	// CompressionEnabled enables s2 (Snappy-wire-compatible) compression of
	// typed array payloads above compressionThreshold bytes. Scalars are
	// never compressed.
	CompressionEnabled bool
}

// compressionThreshold is the minimum uncompressed array payload size (in
// bytes) below which compression is skipped even when enabled, avoiding
// per-call s2 overhead on tiny arrays.
const compressionThreshold = 256

// Serializer encodes and decodes tagged values. The zero value is not
// usable; construct with [New].
type Serializer struct {
	opts Options

	mu      sync.RWMutex
	custom  map[string]Codec
	typeTag map[string]string // reflect type name -> registered custom name, for Encode dispatch
}

// New constructs a Serializer with the given options.
func New(opts Options) *Serializer {
	return &Serializer{
		opts:    opts,
		custom:  make(map[string]Codec),
		typeTag: make(map[string]string),
	}
}

// Register adds a custom codec under name. Values of type sample's dynamic
// type (via fmt.Sprintf("%T", sample)) are routed to this codec by Encode;
// decode always goes through the name carried in the Custom tag's payload.
// Registering the same name twice returns ErrAlreadyRegistered.
func (s *Serializer) Register(name string, sample any, codec Codec) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.custom[name]; ok {
		return fmt.Errorf("%w: %q", ErrAlreadyRegistered, name)
	}

	s.custom[name] = codec
	s.typeTag[fmt.Sprintf("%T", sample)] = name

	return nil
}

// Encode serializes v into its tagged-union wire form.
func (s *Serializer) Encode(v any) ([]byte, error) {
	var buf bytes.Buffer

	if err := s.encodeInto(&buf, v); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func (s *Serializer) encodeInto(buf *bytes.Buffer, v any) error { //nolint:cyclop,gocyclo
	switch x := v.(type) {
	case nil:
		buf.WriteByte(byte(tagNull))
		return nil
	case bool:
		if x {
			buf.WriteByte(byte(tagBoolTrue))
		} else {
			buf.WriteByte(byte(tagBoolFalse))
		}

		return nil
	case int32:
		encodeInt32(buf, x)
		return nil
	case int64:
		encodeInt64(buf, x)
		return nil
	case int8:
		buf.WriteByte(byte(tagByte))
		buf.WriteByte(byte(x))

		return nil
	case int16:
		buf.WriteByte(byte(tagShort))
		writeBE16(buf, uint16(x)) //nolint:gosec // intentional bit reinterpretation

		return nil
	case Char:
		buf.WriteByte(byte(tagChar))
		writeBE16(buf, uint16(x))

		return nil
	case float32:
		buf.WriteByte(byte(tagFloat))
		writeBE32(buf, math.Float32bits(x))

		return nil
	case float64:
		buf.WriteByte(byte(tagDouble))
		writeBE64(buf, math.Float64bits(x))

		return nil
	case string:
		buf.WriteByte(byte(tagString))
		encodeString(buf, x)

		return nil
	case *big.Int:
		encodeBigInt(buf, tagBigInt, x)
		return nil
	case BigDecimal:
		encodeBigDecimal(buf, x)
		return nil
	case []int32:
		return s.encodeIntArray(buf, x)
	case []int64:
		return s.encodeLongArray(buf, x)
	case []float32:
		return s.encodeFloatArray(buf, x)
	case []float64:
		return s.encodeDoubleArray(buf, x)
	case []byte:
		return s.encodeByteArray(buf, x)
	case []string:
		return s.encodeStringArray(buf, x)
	case [][]int32:
		return s.encodeIntArray2D(buf, x)
	case [][]int64:
		return s.encodeLongArray2D(buf, x)
	default:
		return s.encodeCustom(buf, v)
	}
}

func (s *Serializer) encodeCustom(buf *bytes.Buffer, v any) error {
	s.mu.RLock()
	name, ok := s.typeTag[fmt.Sprintf("%T", v)]
	s.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %T", ErrUnsupportedType, v)
	}

	s.mu.RLock()
	codec := s.custom[name]
	s.mu.RUnlock()

	payload, err := codec.Encode(v)
	if err != nil {
		return fmt.Errorf("serializer: custom encode %q: %w", name, err)
	}

	buf.WriteByte(byte(tagCustom))

	nameBytes := []byte(name)
	buf.Write(varint.AppendUint64(nil, uint64(len(nameBytes))))
	buf.Write(nameBytes)
	buf.Write(varint.AppendUint64(nil, uint64(len(payload))))
	buf.Write(payload)

	return nil
}

// Decode parses one tagged value from the front of data. It returns the
// decoded value; data must contain exactly one encoded value (use
// DecodePrefix for streams containing more than one).
func (s *Serializer) Decode(data []byte) (any, error) {
	v, n, err := s.DecodePrefix(data)
	if err != nil {
		return nil, err
	}

	if n != len(data) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(data)-n)
	}

	return v, nil
}

// DecodePrefix parses one tagged value from the front of data and returns
// the value plus the number of bytes consumed, allowing callers to decode a
// sequence of values packed back to back.
func (s *Serializer) DecodePrefix(data []byte) (any, int, error) { //nolint:cyclop,gocyclo
	if len(data) == 0 {
		return nil, 0, fmt.Errorf("%w: empty input", ErrMalformed)
	}

	t := tag(data[0])
	rest := data[1:]

	switch {
	case t == tagNull:
		return nil, 1, nil
	case t == tagBoolTrue:
		return true, 1, nil
	case t == tagBoolFalse:
		return false, 1, nil
	case t >= tagIntSmallBase && t < tagIntSmallBase+10:
		return int32(t-tagIntSmallBase) - 1, 1, nil
	case t >= tagLongSmallBase && t < tagLongSmallBase+10:
		return int64(t-tagLongSmallBase) - 1, 1, nil
	case t == tagIntMin:
		return int32(math.MinInt32), 1, nil
	case t == tagLongMin:
		return int64(math.MinInt64), 1, nil
	}

	switch t {
	case tagIntByte, tagIntShort, tagIntVarint, tagIntNegVarint, tagIntFull:
		v, n, err := decodeInt32(t, rest)
		return v, n + 1, err
	case tagLongByte, tagLongShort, tagLongVarint, tagLongNegVarint, tagLongFull:
		v, n, err := decodeInt64(t, rest)
		return v, n + 1, err
	case tagByte:
		if len(rest) < 1 {
			return nil, 0, fmt.Errorf("%w: truncated byte", ErrMalformed)
		}

		return int8(rest[0]), 2, nil
	case tagShort:
		v, n, err := readBE16(rest)
		return int16(v), n + 1, err
	case tagChar:
		v, n, err := readBE16(rest)
		return Char(v), n + 1, err
	case tagFloat:
		v, n, err := readBE32(rest)
		return math.Float32frombits(v), n + 1, err
	case tagDouble:
		v, n, err := readBE64(rest)
		return math.Float64frombits(v), n + 1, err
	case tagString:
		v, n, err := decodeString(rest)
		return v, n + 1, err
	case tagBigInt:
		v, n, err := decodeBigInt(rest)
		return v, n + 1, err
	case tagBigDecimal:
		v, n, err := decodeBigDecimal(rest)
		return v, n + 1, err
	case tagIntArray:
		v, n, err := s.decodeIntArray(rest)
		return v, n + 1, err
	case tagLongArray:
		v, n, err := s.decodeLongArray(rest)
		return v, n + 1, err
	case tagFloatArray:
		v, n, err := s.decodeFloatArray(rest)
		return v, n + 1, err
	case tagDoubleArray:
		v, n, err := s.decodeDoubleArray(rest)
		return v, n + 1, err
	case tagByteArray:
		v, n, err := s.decodeByteArray(rest)
		return v, n + 1, err
	case tagStringArray:
		v, n, err := s.decodeStringArray(rest)
		return v, n + 1, err
	case tagIntArray2D:
		v, n, err := s.decodeIntArray2D(rest)
		return v, n + 1, err
	case tagLongArray2D:
		v, n, err := s.decodeLongArray2D(rest)
		return v, n + 1, err
	case tagCustom:
		v, n, err := s.decodeCustom(rest)
		return v, n + 1, err
	default:
		return nil, 0, fmt.Errorf("%w: tag %d", ErrMalformed, t)
	}
}

func (s *Serializer) decodeCustom(buf []byte) (any, int, error) {
	nameLen, n1, err := varint.DecodeUint64(buf)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: custom name length: %w", ErrMalformed, err)
	}

	off := n1
	if uint64(len(buf)-off) < nameLen {
		return nil, 0, fmt.Errorf("%w: custom name overrun", ErrMalformed)
	}

	name := string(buf[off : off+int(nameLen)])
	off += int(nameLen)

	payloadLen, n2, err := varint.DecodeUint64(buf[off:])
	if err != nil {
		return nil, 0, fmt.Errorf("%w: custom payload length: %w", ErrMalformed, err)
	}

	off += n2
	if uint64(len(buf)-off) < payloadLen {
		return nil, 0, fmt.Errorf("%w: custom payload overrun", ErrMalformed)
	}

	payload := buf[off : off+int(payloadLen)]
	off += int(payloadLen)

	s.mu.RLock()
	codec, ok := s.custom[name]
	s.mu.RUnlock()

	if !ok {
		return nil, 0, fmt.Errorf("%w: %q", ErrMissingCodec, name)
	}

	v, err := codec.Decode(payload)
	if err != nil {
		return nil, 0, fmt.Errorf("serializer: custom decode %q: %w", name, err)
	}

	return v, off, nil
}

// --- scalar int/long ranged encoding ---

func encodeInt32(buf *bytes.Buffer, v int32) {
	if v >= -1 && v <= 8 {
		buf.WriteByte(byte(tagIntSmallBase + tag(v+1)))
		return
	}

	if v == math.MinInt32 {
		buf.WriteByte(byte(tagIntMin))
		return
	}

	switch {
	case v >= math.MinInt8 && v <= math.MaxInt8:
		buf.WriteByte(byte(tagIntByte))
		buf.WriteByte(byte(v))
	case v >= math.MinInt16 && v <= math.MaxInt16:
		buf.WriteByte(byte(tagIntShort))
		writeBE16(buf, uint16(v)) //nolint:gosec
	case v >= 0 && v <= math.MaxUint32>>4:
		buf.WriteByte(byte(tagIntVarint))
		buf.Write(varint.AppendUint64(nil, uint64(v)))
	case v < 0 && ^v <= math.MaxUint32>>4:
		buf.WriteByte(byte(tagIntNegVarint))
		buf.Write(varint.AppendUint64(nil, uint64(^v))) //nolint:gosec
	default:
		buf.WriteByte(byte(tagIntFull))
		writeBE32(buf, uint32(v)) //nolint:gosec
	}
}

func decodeInt32(t tag, buf []byte) (int32, int, error) {
	switch t {
	case tagIntByte:
		if len(buf) < 1 {
			return 0, 0, fmt.Errorf("%w: truncated int", ErrMalformed)
		}

		return int32(int8(buf[0])), 1, nil
	case tagIntShort:
		v, n, err := readBE16(buf)
		return int32(int16(v)), n, err
	case tagIntVarint:
		v, n, err := varint.DecodeUint64(buf)
		if err != nil {
			return 0, 0, fmt.Errorf("%w: %w", ErrMalformed, err)
		}

		return int32(v), n, nil //nolint:gosec
	case tagIntNegVarint:
		v, n, err := varint.DecodeUint64(buf)
		if err != nil {
			return 0, 0, fmt.Errorf("%w: %w", ErrMalformed, err)
		}

		return ^int32(v), n, nil //nolint:gosec
	case tagIntFull:
		v, n, err := readBE32(buf)
		return int32(v), n, err //nolint:gosec
	default:
		return 0, 0, fmt.Errorf("%w: unexpected int tag %d", ErrMalformed, t)
	}
}

func encodeInt64(buf *bytes.Buffer, v int64) {
	if v >= -1 && v <= 8 {
		buf.WriteByte(byte(tagLongSmallBase + tag(v+1)))
		return
	}

	if v == math.MinInt64 {
		buf.WriteByte(byte(tagLongMin))
		return
	}

	switch {
	case v >= math.MinInt8 && v <= math.MaxInt8:
		buf.WriteByte(byte(tagLongByte))
		buf.WriteByte(byte(v))
	case v >= math.MinInt16 && v <= math.MaxInt16:
		buf.WriteByte(byte(tagLongShort))
		writeBE16(buf, uint16(v)) //nolint:gosec
	case v >= 0 && uint64(v) <= math.MaxUint64>>8:
		buf.WriteByte(byte(tagLongVarint))
		buf.Write(varint.AppendUint64(nil, uint64(v)))
	case v < 0 && uint64(^v) <= math.MaxUint64>>8:
		buf.WriteByte(byte(tagLongNegVarint))
		buf.Write(varint.AppendUint64(nil, uint64(^v)))
	default:
		buf.WriteByte(byte(tagLongFull))
		writeBE64(buf, uint64(v))
	}
}

func decodeInt64(t tag, buf []byte) (int64, int, error) {
	switch t {
	case tagLongByte:
		if len(buf) < 1 {
			return 0, 0, fmt.Errorf("%w: truncated long", ErrMalformed)
		}

		return int64(int8(buf[0])), 1, nil
	case tagLongShort:
		v, n, err := readBE16(buf)
		return int64(int16(v)), n, err
	case tagLongVarint:
		v, n, err := varint.DecodeUint64(buf)
		if err != nil {
			return 0, 0, fmt.Errorf("%w: %w", ErrMalformed, err)
		}

		return int64(v), n, nil //nolint:gosec
	case tagLongNegVarint:
		v, n, err := varint.DecodeUint64(buf)
		if err != nil {
			return 0, 0, fmt.Errorf("%w: %w", ErrMalformed, err)
		}

		return ^int64(v), n, nil //nolint:gosec
	case tagLongFull:
		v, n, err := readBE64(buf)
		return int64(v), n, err //nolint:gosec
	default:
		return 0, 0, fmt.Errorf("%w: unexpected long tag %d", ErrMalformed, t)
	}
}

// --- strings ---

func encodeString(buf *bytes.Buffer, s string) {
	runes := []rune(s)
	buf.Write(varint.AppendUint64(nil, uint64(len(runes))))

	for _, r := range runes {
		buf.Write(varint.AppendUint64(nil, uint64(r))) //nolint:gosec
	}
}

func decodeString(buf []byte) (string, int, error) {
	count, n, err := varint.DecodeUint64(buf)
	if err != nil {
		return "", 0, fmt.Errorf("%w: string length: %w", ErrMalformed, err)
	}

	off := n

	runes := make([]rune, 0, count)

	for i := uint64(0); i < count; i++ {
		cp, cn, err := varint.DecodeUint64(buf[off:])
		if err != nil {
			return "", 0, fmt.Errorf("%w: string codepoint %d: %w", ErrMalformed, i, err)
		}

		runes = append(runes, rune(cp)) //nolint:gosec
		off += cn
	}

	return string(runes), off, nil
}

// --- big numbers ---

func encodeBigInt(buf *bytes.Buffer, t tag, v *big.Int) {
	buf.WriteByte(byte(t))

	neg := v.Sign() < 0
	mag := v.Bytes()

	buf.WriteByte(boolByte(neg))
	buf.Write(varint.AppendUint64(nil, uint64(len(mag))))
	buf.Write(mag)
}

func decodeBigInt(buf []byte) (*big.Int, int, error) {
	if len(buf) < 1 {
		return nil, 0, fmt.Errorf("%w: truncated bigint sign", ErrMalformed)
	}

	neg := buf[0] != 0
	off := 1

	length, n, err := varint.DecodeUint64(buf[off:])
	if err != nil {
		return nil, 0, fmt.Errorf("%w: bigint length: %w", ErrMalformed, err)
	}

	off += n
	if uint64(len(buf)-off) < length {
		return nil, 0, fmt.Errorf("%w: bigint magnitude overrun", ErrMalformed)
	}

	mag := buf[off : off+int(length)]
	off += int(length)

	v := new(big.Int).SetBytes(mag)
	if neg {
		v.Neg(v)
	}

	return v, off, nil
}

func encodeBigDecimal(buf *bytes.Buffer, d BigDecimal) {
	buf.WriteByte(byte(tagBigDecimal))
	writeBE32(buf, uint32(d.Scale)) //nolint:gosec

	unscaled := d.Unscaled
	if unscaled == nil {
		unscaled = big.NewInt(0)
	}

	neg := unscaled.Sign() < 0
	mag := unscaled.Bytes()

	buf.WriteByte(boolByte(neg))
	buf.Write(varint.AppendUint64(nil, uint64(len(mag))))
	buf.Write(mag)
}

func decodeBigDecimal(buf []byte) (BigDecimal, int, error) {
	scaleRaw, n, err := readBE32(buf)
	if err != nil {
		return BigDecimal{}, 0, fmt.Errorf("%w: bigdecimal scale: %w", ErrMalformed, err)
	}

	off := n

	if len(buf)-off < 1 {
		return BigDecimal{}, 0, fmt.Errorf("%w: truncated bigdecimal sign", ErrMalformed)
	}

	neg := buf[off] != 0
	off++

	length, ln, err := varint.DecodeUint64(buf[off:])
	if err != nil {
		return BigDecimal{}, 0, fmt.Errorf("%w: bigdecimal length: %w", ErrMalformed, err)
	}

	off += ln
	if uint64(len(buf)-off) < length {
		return BigDecimal{}, 0, fmt.Errorf("%w: bigdecimal magnitude overrun", ErrMalformed)
	}

	mag := buf[off : off+int(length)]
	off += int(length)

	unscaled := new(big.Int).SetBytes(mag)
	if neg {
		unscaled.Neg(unscaled)
	}

	return BigDecimal{Unscaled: unscaled, Scale: int32(scaleRaw)}, off, nil //nolint:gosec
}

// --- helpers ---

func boolByte(b bool) byte {
	if b {
		return 1
	}

	return 0
}

func writeBE16(buf *bytes.Buffer, v uint16) {
	buf.WriteByte(byte(v >> 8))
	buf.WriteByte(byte(v))
}

func writeBE32(buf *bytes.Buffer, v uint32) {
	buf.WriteByte(byte(v >> 24))
	buf.WriteByte(byte(v >> 16))
	buf.WriteByte(byte(v >> 8))
	buf.WriteByte(byte(v))
}

func writeBE64(buf *bytes.Buffer, v uint64) {
	for i := 7; i >= 0; i-- {
		buf.WriteByte(byte(v >> (8 * i)))
	}
}

func readBE16(buf []byte) (uint16, int, error) {
	if len(buf) < 2 {
		return 0, 0, fmt.Errorf("%w: need 2 bytes", ErrMalformed)
	}

	return uint16(buf[0])<<8 | uint16(buf[1]), 2, nil
}

func readBE32(buf []byte) (uint32, int, error) {
	if len(buf) < 4 {
		return 0, 0, fmt.Errorf("%w: need 4 bytes", ErrMalformed)
	}

	v := uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3])

	return v, 4, nil
}

func readBE64(buf []byte) (uint64, int, error) {
	if len(buf) < 8 {
		return 0, 0, fmt.Errorf("%w: need 8 bytes", ErrMalformed)
	}

	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(buf[i])
	}

	return v, 8, nil
}

// compressPayload applies s2 compression when enabled and the payload is
// large enough to benefit, returning the (possibly compressed) bytes and
// whether compression was applied.
func (s *Serializer) compressPayload(raw []byte) ([]byte, bool) {
	if !s.opts.CompressionEnabled || len(raw) < compressionThreshold {
		return raw, false
	}

	return s2.Encode(nil, raw), true
}

func decompressPayload(data []byte, compressed bool) ([]byte, error) {
	if !compressed {
		return data, nil
	}

	out, err := s2.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("serializer: s2 decode: %w", err)
	}

	return out, nil
}

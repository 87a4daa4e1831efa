package serializer

// tag is the one-byte discriminator prefixing every encoded value. The set
// of tags is a closed, exhaustive enumeration: every Go value this package
// accepts maps to exactly one tag, and decoding never needs to consult
// reflection beyond the tag byte and (for Custom) a registered type name.
type tag byte

const (
	tagNull tag = iota

	tagBoolTrue
	tagBoolFalse

	// Small-int/long fast paths. Values -1..8 inclusive (10 values) are
	// stored entirely in the tag byte, with zero payload bytes. This is the
	// single most common case for small counters and flags.
	tagIntSmallBase  tag = 10 // tagIntSmallBase+0 .. +9 encode int32 -1..8
	tagLongSmallBase tag = 20 // tagLongSmallBase+0 .. +9 encode int64 -1..8

	tagIntMin  tag = 30 // math.MinInt32, stored with zero payload bytes
	tagLongMin tag = 31 // math.MinInt64, stored with zero payload bytes

	// Ranged 32-bit integer encodings, narrowest-fit first.
	tagIntByte      tag = 32 // fits in int8
	tagIntShort     tag = 33 // fits in int16
	tagIntVarint    tag = 34 // non-negative, VarInt encoded
	tagIntNegVarint tag = 35 // negative, VarInt of ^v
	tagIntFull      tag = 36 // full 4 bytes, big-endian

	// Ranged 64-bit integer encodings, narrowest-fit first.
	tagLongByte      tag = 37
	tagLongShort     tag = 38
	tagLongVarint    tag = 39
	tagLongNegVarint tag = 40
	tagLongFull      tag = 41

	tagByte   tag = 42 // standalone int8
	tagShort  tag = 43 // standalone int16
	tagChar   tag = 44 // standalone uint16 (UTF-16 code unit)
	tagFloat  tag = 45 // float32, 4 bytes big-endian
	tagDouble tag = 46 // float64, 8 bytes big-endian

	tagString tag = 47 // VarInt rune count + per-rune VarInt codepoints

	tagBigInt     tag = 48
	tagBigDecimal tag = 49

	tagIntArray    tag = 50
	tagLongArray   tag = 51
	tagFloatArray  tag = 52
	tagDoubleArray tag = 53
	tagByteArray   tag = 54
	tagStringArray tag = 55

	tagIntArray2D  tag = 56
	tagLongArray2D tag = 57

	tagCustom tag = 63
)

// compressedFlag is OR'd into an array tag's first payload byte to indicate
// the remainder of the payload is s2-compressed. Only array tags ever carry
// compression, per the value-compression scope described for this format.
const compressedFlag byte = 0x80

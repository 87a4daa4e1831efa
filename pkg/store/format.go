// Package store implements the on-disk, write-once/read-many key-value
// file format: a fixed header, a length-partitioned open-addressing slot
// index, and a VarInt-length-prefixed data region, built by an
// external-merge [Builder] and queried by a memory-mapped [Reader].
package store

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// Magic identifies a sidekv store file.
var Magic = [8]byte{'S', 'I', 'D', 'E', 'K', 'V', '1', 0}

// Version is the current on-disk format version. Readers reject any other
// value with ErrVersionMismatch.
const Version uint16 = 1

// headerSize is the fixed, padded size of the file header.
const headerSize = 128

// bucketDescriptorSize is the fixed size of one per-length bucket
// descriptor entry in the bucket descriptor table.
const bucketDescriptorSize = 20

// header is the first headerSize bytes of a store file.
type header struct {
	Version      uint16
	CreatedAtNs  int64
	KeyCount     uint64
	BucketCount  uint32
	MaxKeyLen    uint32
	BloomEnabled bool
	BloomM       uint64
	BloomK       uint32
	OffsetWidth  uint8 // bytes used to pack a data offset in a slot
	IndexOffset  uint64
	DataOffset   uint64

	// BloomByteLen is the exact byte length of the bloom region as written
	// by [bloom.Filter.Bytes], which includes bitset's own length-prefix and
	// word-alignment framing on top of ceil(BloomM/8). A reader must use
	// this recorded length rather than recompute one from BloomM, since the
	// two are not the same number.
	BloomByteLen uint64
}

var crcTable = crc32.MakeTable(crc32.Castagnoli)

func encodeHeader(h header) [headerSize]byte {
	var buf [headerSize]byte

	copy(buf[0:8], Magic[:])
	binary.LittleEndian.PutUint16(buf[8:10], h.Version)
	binary.LittleEndian.PutUint64(buf[10:18], uint64(h.CreatedAtNs)) //nolint:gosec
	binary.LittleEndian.PutUint64(buf[18:26], h.KeyCount)
	binary.LittleEndian.PutUint32(buf[26:30], h.BucketCount)
	binary.LittleEndian.PutUint32(buf[30:34], h.MaxKeyLen)

	if h.BloomEnabled {
		buf[34] = 1
	}

	binary.LittleEndian.PutUint64(buf[35:43], h.BloomM)
	binary.LittleEndian.PutUint32(buf[43:47], h.BloomK)
	buf[47] = h.OffsetWidth
	binary.LittleEndian.PutUint64(buf[48:56], h.IndexOffset)
	binary.LittleEndian.PutUint64(buf[56:64], h.DataOffset)
	binary.LittleEndian.PutUint64(buf[68:76], h.BloomByteLen)

	// CRC is computed over the header with the CRC field itself zeroed,
	// then written into bytes [64:68).
	crc := crc32.Checksum(buf[:], crcTable)
	binary.LittleEndian.PutUint32(buf[64:68], crc)

	return buf
}

func decodeHeader(buf []byte) (header, error) {
	if len(buf) < headerSize {
		return header{}, fmt.Errorf("%w: header truncated", ErrCorrupt)
	}

	if [8]byte(buf[0:8]) != Magic {
		return header{}, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}

	storedCRC := binary.LittleEndian.Uint32(buf[64:68])

	var crcCheckBuf [headerSize]byte

	copy(crcCheckBuf[:], buf[:headerSize])
	binary.LittleEndian.PutUint32(crcCheckBuf[64:68], 0)

	gotCRC := crc32.Checksum(crcCheckBuf[:], crcTable)
	if gotCRC != storedCRC {
		return header{}, fmt.Errorf("%w: header checksum mismatch", ErrCorrupt)
	}

	h := header{
		Version:      binary.LittleEndian.Uint16(buf[8:10]),
		CreatedAtNs:  int64(binary.LittleEndian.Uint64(buf[10:18])), //nolint:gosec
		KeyCount:     binary.LittleEndian.Uint64(buf[18:26]),
		BucketCount:  binary.LittleEndian.Uint32(buf[26:30]),
		MaxKeyLen:    binary.LittleEndian.Uint32(buf[30:34]),
		BloomEnabled: buf[34] != 0,
		BloomM:       binary.LittleEndian.Uint64(buf[35:43]),
		BloomK:       binary.LittleEndian.Uint32(buf[43:47]),
		OffsetWidth:  buf[47],
		IndexOffset:  binary.LittleEndian.Uint64(buf[48:56]),
		DataOffset:   binary.LittleEndian.Uint64(buf[56:64]),
		BloomByteLen: binary.LittleEndian.Uint64(buf[68:76]),
	}

	if h.Version != Version {
		return header{}, fmt.Errorf("%w: file version %d, reader supports %d", ErrVersionMismatch, h.Version, Version)
	}

	return h, nil
}

// bucketDescriptor describes one length-partitioned bucket: its key length,
// slot count, absolute file offset of its slot region, and the stride (byte
// size) of one slot.
type bucketDescriptor struct {
	KeyLen           uint32
	SlotCount        uint32
	SlotRegionOffset uint64
	Stride           uint32
}

func encodeBucketDescriptor(d bucketDescriptor) [bucketDescriptorSize]byte {
	var buf [bucketDescriptorSize]byte

	binary.LittleEndian.PutUint32(buf[0:4], d.KeyLen)
	binary.LittleEndian.PutUint32(buf[4:8], d.SlotCount)
	binary.LittleEndian.PutUint64(buf[8:16], d.SlotRegionOffset)
	binary.LittleEndian.PutUint32(buf[16:20], d.Stride)

	return buf
}

func decodeBucketDescriptor(buf []byte) bucketDescriptor {
	return bucketDescriptor{
		KeyLen:           binary.LittleEndian.Uint32(buf[0:4]),
		SlotCount:        binary.LittleEndian.Uint32(buf[4:8]),
		SlotRegionOffset: binary.LittleEndian.Uint64(buf[8:16]),
		Stride:           binary.LittleEndian.Uint32(buf[16:20]),
	}
}

// putOffset packs a data-region offset into a width-byte little-endian
// field. Stored values are the real offset plus one, so that zero is never
// a valid stored value and can mark an empty slot.
func putOffset(buf []byte, width uint8, realOffset uint64) {
	stored := realOffset + 1
	for i := uint8(0); i < width; i++ {
		buf[i] = byte(stored >> (8 * i))
	}
}

// getOffset unpacks a slot's stored offset field. ok is false for an empty
// slot (stored value zero).
func getOffset(buf []byte, width uint8) (realOffset uint64, ok bool) {
	var stored uint64
	for i := uint8(0); i < width; i++ {
		stored |= uint64(buf[i]) << (8 * i)
	}

	if stored == 0 {
		return 0, false
	}

	return stored - 1, true
}

// offsetWidthFor returns the minimal number of bytes needed to store
// maxOffset+1 (see putOffset).
func offsetWidthFor(maxOffset uint64) uint8 {
	need := maxOffset + 1

	for w := uint8(1); w <= 8; w++ {
		if need <= (uint64(1)<<(8*w))-1 {
			return w
		}
	}

	return 8
}

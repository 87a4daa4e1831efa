// Package hashmix provides the single keyed hash function used throughout
// sidekv for slot probing and bloom filter hashing.
package hashmix

import "github.com/cespare/xxhash/v2"

// Mix hashes key into a uniformly distributed uint64.
//
// It runs xxHash64 over key and then passes the result through a Murmur3
// style avalanche finalizer, decorrelating bucket selection (which typically
// uses the low bits of one hash) from probe sequence selection (which
// typically uses a second, independent-looking hash) without needing two
// separate hash passes over key.
func Mix(key []byte) uint64 {
	return avalanche(xxhash.Sum64(key))
}

// avalanche is the public-domain Murmur3 64-bit finalizer. It is a
// reversible permutation of uint64, used here purely to redistribute bits.
func avalanche(x uint64) uint64 {
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	x *= 0xc4ceb9fe1a85ec53
	x ^= x >> 33

	return x
}

// MixN derives n independent-looking hashes of key by domain-separating the
// input with a 4-byte little-endian index prefix before mixing. Used by
// pkg/bloom (with n = 2) to derive the two base hashes from which double
// hashing produces its k probe positions.
func MixN(key []byte, n int) []uint64 {
	out := make([]uint64, n)

	buf := make([]byte, 4+len(key))
	copy(buf[4:], key)

	for i := 0; i < n; i++ {
		buf[0] = byte(i)
		buf[1] = byte(i >> 8)
		buf[2] = byte(i >> 16)
		buf[3] = byte(i >> 24)
		out[i] = Mix(buf)
	}

	return out
}

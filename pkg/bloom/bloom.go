// Package bloom implements a standard bloom filter sized by the textbook
// m/k formulas, using double hashing to derive probe positions.
package bloom

import (
	"fmt"
	"math"

	"github.com/bits-and-blooms/bitset"
	"github.com/calvinalkan/sidekv/pkg/hashmix"
)

// Filter is a fixed-size bloom filter. The zero value is not usable; use
// [New] or [NewWithSize].
type Filter struct {
	bits *bitset.BitSet
	m    uint64
	k    uint32
}

// New sizes a filter for n expected elements and a target false-positive
// rate errorFactor in (0, 1), using the standard formulas:
//
//	m = ceil(-n * ln(errorFactor) / ln(2)^2)
//	k = round(m / n * ln(2))
func New(n uint64, errorFactor float64) (*Filter, error) {
	if n == 0 {
		return nil, fmt.Errorf("bloom: n must be > 0")
	}

	if errorFactor <= 0 || errorFactor >= 1 {
		return nil, fmt.Errorf("bloom: errorFactor must be in (0, 1), got %v", errorFactor)
	}

	ln2 := math.Ln2
	m := uint64(math.Ceil(-float64(n) * math.Log(errorFactor) / (ln2 * ln2)))

	if m == 0 {
		m = 1
	}

	k := uint32(math.Round(float64(m) / float64(n) * ln2))
	if k == 0 {
		k = 1
	}

	return NewWithSize(m, k), nil
}

// NewWithSize constructs a filter with an explicit bit count m and hash
// count k, as persisted in a store file's bloom descriptor.
func NewWithSize(m uint64, k uint32) *Filter {
	return &Filter{
		bits: bitset.New(uint(m)),
		m:    m,
		k:    k,
	}
}

// NumBits returns m, the number of bits backing the filter.
func (f *Filter) NumBits() uint64 { return f.m }

// NumHashes returns k, the number of probe hashes per element.
func (f *Filter) NumHashes() uint32 { return f.k }

// Add records key's membership.
func (f *Filter) Add(key []byte) {
	h1, h2 := baseHashes(key)

	for i := uint32(0); i < f.k; i++ {
		f.bits.Set(uint(f.probe(h1, h2, i)))
	}
}

// MayContain reports whether key might be a member. False positives are
// possible at the configured error rate; false negatives are not (the
// filter is a guaranteed superset of everything added to it).
func (f *Filter) MayContain(key []byte) bool {
	h1, h2 := baseHashes(key)

	for i := uint32(0); i < f.k; i++ {
		if !f.bits.Test(uint(f.probe(h1, h2, i))) {
			return false
		}
	}

	return true
}

func (f *Filter) probe(h1, h2 uint64, i uint32) uint64 {
	return (h1 + uint64(i)*h2) % f.m
}

// baseHashes derives the two independent base hashes h1, h2 used for
// double hashing from a single key by domain-separating the hashmix input,
// matching the 32-bit hash-domain prefix technique used to mine independent
// hash families from one underlying hash function.
func baseHashes(key []byte) (h1, h2 uint64) {
	hashes := hashmix.MixN(key, 2)

	return hashes[0], hashes[1]
}

// Bytes returns the filter's bit array in bitset's MarshalBinary encoding
// (a length prefix followed by the 64-bit words), suitable for writing
// into a store file's bloom descriptor region.
func (f *Filter) Bytes() []byte {
	b, _ := f.bits.MarshalBinary() //nolint:errcheck // BitSet.MarshalBinary never errors

	return b
}

// FromBytes reconstructs a filter from bytes previously returned by
// [Filter.Bytes], given the m/k recorded in the file header.
func FromBytes(data []byte, m uint64, k uint32) (*Filter, error) {
	bs := &bitset.BitSet{}
	if err := bs.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("bloom: unmarshal: %w", err)
	}

	return &Filter{bits: bs, m: m, k: k}, nil
}

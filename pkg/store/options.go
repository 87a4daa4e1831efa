package store

import "fmt"

// maxMmapSegmentSize bounds a single mmap segment to signed 32-bit byte
// addressability, the limit a segment-spanning read has to reason about.
const maxMmapSegmentSize = 1 << 31

// defaultMmapSegmentSize is 1 GiB.
const defaultMmapSegmentSize = 1 << 30

// Options configures both Builder and Reader. Fields only meaningful to one
// side are ignored by the other.
type Options struct {
	// LoadFactor controls slot_count_L = round(key_count_L / LoadFactor)
	// for each length bucket. Builder-only. Default 0.75.
	LoadFactor float64

	// DuplicatesEnabled lets a later Put of an already-staged key overwrite
	// the earlier one (last write wins) instead of Close failing with
	// ErrDuplicateKey. Put never returns ErrDuplicateKey. Builder-only.
	// Default false.
	DuplicatesEnabled bool

	// BloomFilterEnabled attaches a bloom filter descriptor to the file.
	// Builder-only. Default false.
	BloomFilterEnabled bool

	// BloomFilterErrorFactor is the target false-positive rate when
	// BloomFilterEnabled is true. Builder-only. Default 0.01.
	BloomFilterErrorFactor float64

	// MmapSegmentSize is the maximum size of a single mmap segment, in
	// bytes. Must be <= 2^31. Reader-only. Default 1 GiB.
	MmapSegmentSize int64

	// MmapDataEnabled selects mmap-backed reads over the data region when
	// true, and seek+read otherwise. Reader-only. Default true.
	MmapDataEnabled bool

	// MaxKeyLen rejects Put calls for keys longer than this many bytes with
	// [ErrKeyTooLong]. Builder-only. Zero means unlimited.
	MaxKeyLen uint32
}

// DefaultOptions returns the option defaults listed in this package's
// specification.
func DefaultOptions() Options {
	return Options{
		LoadFactor:             0.75,
		DuplicatesEnabled:      false,
		BloomFilterEnabled:     false,
		BloomFilterErrorFactor: 0.01,
		MmapSegmentSize:        defaultMmapSegmentSize,
		MmapDataEnabled:        true,
	}
}

func (o Options) withDefaults() Options {
	if o.LoadFactor == 0 {
		o.LoadFactor = 0.75
	}

	if o.BloomFilterErrorFactor == 0 {
		o.BloomFilterErrorFactor = 0.01
	}

	if o.MmapSegmentSize == 0 {
		o.MmapSegmentSize = defaultMmapSegmentSize
	}

	return o
}

func (o Options) validate() error {
	if o.LoadFactor <= 0 || o.LoadFactor > 1 {
		return fmt.Errorf("store: LoadFactor must be in (0, 1], got %v", o.LoadFactor)
	}

	if o.BloomFilterErrorFactor <= 0 || o.BloomFilterErrorFactor >= 1 {
		return fmt.Errorf("store: BloomFilterErrorFactor must be in (0, 1), got %v", o.BloomFilterErrorFactor)
	}

	if o.MmapSegmentSize <= 0 || o.MmapSegmentSize > maxMmapSegmentSize {
		return fmt.Errorf("store: MmapSegmentSize must be in (0, 2^31], got %d", o.MmapSegmentSize)
	}

	if o.MmapSegmentSize%mmapPageSize != 0 {
		return fmt.Errorf("store: MmapSegmentSize must be a multiple of the page size (%d), got %d", mmapPageSize, o.MmapSegmentSize)
	}

	return nil
}

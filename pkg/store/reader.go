package store

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/calvinalkan/sidekv/pkg/bloom"
	"github.com/calvinalkan/sidekv/pkg/hashmix"
	"github.com/calvinalkan/sidekv/pkg/varint"
)

// mmapPageSize is assumed to be the platform mmap granularity. Segment
// offsets must be a multiple of it.
const mmapPageSize = 4096

// Reader provides concurrent, read-only lookups against a store file
// produced by [Builder]. A Reader is safe for concurrent use by multiple
// goroutines.
type Reader struct {
	file    *os.File
	opts    Options
	header  header
	buckets []bucketDescriptor // sorted by KeyLen ascending

	bloomFilter *bloom.Filter

	// dataSegments holds the mmap'd windows over the data region when
	// MmapDataEnabled is true. Each segment is at most opts.MmapSegmentSize
	// bytes, mapped at a page-aligned file offset relative to DataOffset.
	dataSegments [][]byte

	// indexData is the mmap'd file prefix [0, DataOffset): header, bucket
	// descriptors, bloom region and index region. It is always
	// mapped regardless of MmapDataEnabled since it's used on every lookup.
	indexData []byte

	mu     sync.RWMutex
	closed bool
}

// Open memory-maps path and validates its header before returning a Reader.
// Callers must call Close when done to release the mapping and file handle.
func Open(path string, opts Options) (*Reader, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open store file: %w", err)
	}

	r, err := openReader(f, opts)
	if err != nil {
		_ = f.Close()

		return nil, err
	}

	return r, nil
}

func openReader(f *os.File, opts Options) (*Reader, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat store file: %w", err)
	}

	if fi.Size() < headerSize {
		return nil, fmt.Errorf("%w: file smaller than header", ErrCorrupt)
	}

	// Random-access point lookups across the whole file; advise the kernel
	// accordingly before doing any reads.
	_ = unix.Fadvise(int(f.Fd()), 0, 0, unix.FADV_RANDOM)

	headerBuf := make([]byte, headerSize)
	if _, err := f.ReadAt(headerBuf, 0); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	h, err := decodeHeader(headerBuf)
	if err != nil {
		return nil, err
	}

	indexRegionEnd := h.DataOffset
	if indexRegionEnd > uint64(fi.Size()) { //nolint:gosec
		return nil, fmt.Errorf("%w: data offset past end of file", ErrCorrupt)
	}

	indexData, err := mmapRegion(f, 0, indexRegionEnd)
	if err != nil {
		return nil, fmt.Errorf("mmap index region: %w", err)
	}

	r := &Reader{
		file:      f,
		opts:      opts,
		header:    h,
		indexData: indexData,
	}

	bucketTable := indexData[headerSize : headerSize+uint64(h.BucketCount)*bucketDescriptorSize]
	r.buckets = make([]bucketDescriptor, h.BucketCount)

	for i := range r.buckets {
		off := uint64(i) * bucketDescriptorSize
		r.buckets[i] = decodeBucketDescriptor(bucketTable[off : off+bucketDescriptorSize])
	}

	sort.Slice(r.buckets, func(i, j int) bool { return r.buckets[i].KeyLen < r.buckets[j].KeyLen })

	if h.BloomEnabled {
		bloomStart := headerSize + uint64(h.BucketCount)*bucketDescriptorSize
		bloomBuf := indexData[bloomStart : bloomStart+h.BloomByteLen]

		bf, err := bloom.FromBytes(bloomBuf, h.BloomM, h.BloomK)
		if err != nil {
			_ = unix.Munmap(indexData)

			return nil, fmt.Errorf("load bloom filter: %w", err)
		}

		r.bloomFilter = bf
	}

	dataSize := uint64(fi.Size()) - h.DataOffset //nolint:gosec

	if opts.MmapDataEnabled && dataSize > 0 {
		segments, err := mmapSegments(f, h.DataOffset, dataSize, uint64(opts.MmapSegmentSize)) //nolint:gosec
		if err != nil {
			_ = unix.Munmap(indexData)

			return nil, fmt.Errorf("mmap data region: %w", err)
		}

		r.dataSegments = segments
	}

	return r, nil
}

func mmapRegion(f *os.File, offset, length uint64) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}

	data, err := unix.Mmap(int(f.Fd()), int64(offset), int(length), unix.PROT_READ, unix.MAP_SHARED) //nolint:gosec
	if err != nil {
		return nil, err
	}

	return data, nil
}

// mmapSegments maps [offset, offset+length) in page-aligned chunks no
// larger than segmentSize.
func mmapSegments(f *os.File, offset, length, segmentSize uint64) ([][]byte, error) {
	var segments [][]byte

	for mapped := uint64(0); mapped < length; mapped += segmentSize {
		want := segmentSize
		if remaining := length - mapped; remaining < want {
			want = remaining
		}

		seg, err := mmapRegion(f, offset+mapped, want)
		if err != nil {
			for _, s := range segments {
				_ = unix.Munmap(s)
			}

			return nil, err
		}

		segments = append(segments, seg)
	}

	return segments, nil
}

// Close releases the Reader's mmap'd regions and closes the underlying
// file. Close is idempotent.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}

	r.closed = true

	var errs []error

	if r.indexData != nil {
		if err := unix.Munmap(r.indexData); err != nil {
			errs = append(errs, err)
		}
	}

	for _, seg := range r.dataSegments {
		if err := unix.Munmap(seg); err != nil {
			errs = append(errs, err)
		}
	}

	if err := r.file.Close(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("close store reader: %v", errs)
	}

	return nil
}

// KeyCount returns the number of keys stored in the file.
func (r *Reader) KeyCount() uint64 { return r.header.KeyCount }

// Get looks up key and returns its value. It returns [ErrNotFound] if the
// key is not present, which a bloom filter miss (when enabled) can report
// without touching the index or data regions at all.
func (r *Reader) Get(key []byte) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, ErrClosed
	}

	if r.bloomFilter != nil && !r.bloomFilter.MayContain(key) {
		return nil, ErrNotFound
	}

	bucket, ok := r.bucketForLength(uint32(len(key)))
	if !ok {
		return nil, ErrNotFound
	}

	slotRegion := r.indexData[bucket.SlotRegionOffset : bucket.SlotRegionOffset+uint64(bucket.SlotCount)*uint64(bucket.Stride)]

	h := hashmix.Mix(key)
	width := r.header.OffsetWidth

	for p := uint64(0); p < uint64(bucket.SlotCount); p++ {
		slotIdx := (h + p) % uint64(bucket.SlotCount)
		slotBuf := slotRegion[slotIdx*uint64(bucket.Stride) : slotIdx*uint64(bucket.Stride)+uint64(width)]

		relOffset, occupied := getOffset(slotBuf, width)
		if !occupied {
			return nil, ErrNotFound
		}

		record, err := r.readRecord(relOffset, bucket.KeyLen)
		if err != nil {
			return nil, err
		}

		if !bytes.Equal(record.key, key) {
			continue
		}

		return record.value, nil
	}

	return nil, ErrNotFound
}

// ForEach calls fn once for every live key/value pair in the file, in
// arbitrary (slot) order. Iteration stops and returns fn's error as soon as
// fn returns a non-nil error.
func (r *Reader) ForEach(fn func(key, value []byte) error) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return ErrClosed
	}

	width := r.header.OffsetWidth

	for _, bucket := range r.buckets {
		slotRegion := r.indexData[bucket.SlotRegionOffset : bucket.SlotRegionOffset+uint64(bucket.SlotCount)*uint64(bucket.Stride)]

		for slotIdx := uint64(0); slotIdx < uint64(bucket.SlotCount); slotIdx++ {
			slotBuf := slotRegion[slotIdx*uint64(bucket.Stride) : slotIdx*uint64(bucket.Stride)+uint64(width)]

			relOffset, occupied := getOffset(slotBuf, width)
			if !occupied {
				continue
			}

			record, err := r.readRecord(relOffset, bucket.KeyLen)
			if err != nil {
				return err
			}

			if err := fn(record.key, record.value); err != nil {
				return err
			}
		}
	}

	return nil
}

func (r *Reader) bucketForLength(keyLen uint32) (bucketDescriptor, bool) {
	i := sort.Search(len(r.buckets), func(i int) bool { return r.buckets[i].KeyLen >= keyLen })
	if i < len(r.buckets) && r.buckets[i].KeyLen == keyLen {
		return r.buckets[i], true
	}

	return bucketDescriptor{}, false
}

type dataRecord struct {
	key   []byte
	value []byte
}

// readRecord reads the record at relOffset (relative to the start of the
// data region), whose key is keyLen bytes long.
func (r *Reader) readRecord(relOffset uint64, keyLen uint32) (dataRecord, error) {
	// A record is at most keyLen + varint.MaxLen + value bytes; read
	// progressively since the value length isn't known up front.
	head, err := r.dataAt(relOffset, uint64(keyLen)+varint.MaxLen)
	if err != nil {
		return dataRecord{}, err
	}

	if uint64(len(head)) < uint64(keyLen) {
		return dataRecord{}, fmt.Errorf("%w: truncated record", ErrCorrupt)
	}

	key := head[:keyLen]

	valueLen, n, err := varint.DecodeUint64(head[keyLen:])
	if err != nil {
		return dataRecord{}, fmt.Errorf("%w: bad value length: %w", ErrCorrupt, err)
	}

	valueStart := relOffset + uint64(keyLen) + uint64(n)

	value, err := r.dataAt(valueStart, valueLen)
	if err != nil {
		return dataRecord{}, err
	}

	// dataAt may have returned more than requested when reading across a
	// segment via copy; trim to the exact value length.
	if uint64(len(value)) > valueLen {
		value = value[:valueLen]
	}

	return dataRecord{key: append([]byte(nil), key...), value: append([]byte(nil), value...)}, nil
}

// dataAt returns up to want bytes starting at relOffset within the data
// region, either as a zero-copy mmap slice (common case) or, when the
// requested span straddles a segment boundary or mmap is disabled, as a
// freshly read/copied buffer.
func (r *Reader) dataAt(relOffset, want uint64) ([]byte, error) {
	if want == 0 {
		return nil, nil
	}

	if !r.opts.MmapDataEnabled || len(r.dataSegments) == 0 {
		return r.readAtSeek(relOffset, want)
	}

	var dataSize uint64
	for _, seg := range r.dataSegments {
		dataSize += uint64(len(seg))
	}

	if relOffset >= dataSize {
		return nil, fmt.Errorf("%w: record offset past end of data region", ErrCorrupt)
	}

	segmentSize := uint64(r.opts.MmapSegmentSize)
	segIdx := relOffset / segmentSize
	segOff := relOffset % segmentSize

	seg := r.dataSegments[segIdx]

	avail := uint64(len(seg)) - segOff
	if avail >= want {
		return seg[segOff : segOff+want], nil
	}

	// Straddles a segment boundary: copy the tail of this segment and the
	// head of the next one into a fresh buffer.
	buf := make([]byte, 0, want)
	buf = append(buf, seg[segOff:]...)

	remaining := want - avail

	for remaining > 0 && segIdx+1 < uint64(len(r.dataSegments)) {
		segIdx++
		next := r.dataSegments[segIdx]

		take := remaining
		if uint64(len(next)) < take {
			take = uint64(len(next))
		}

		buf = append(buf, next[:take]...)
		remaining -= take
	}

	return buf, nil
}

func (r *Reader) readAtSeek(relOffset, want uint64) ([]byte, error) {
	buf := make([]byte, want)

	n, err := r.file.ReadAt(buf, int64(r.header.DataOffset+relOffset)) //nolint:gosec
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read data record: %w", err)
	}

	return buf[:n], nil
}

package store

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/sys/unix"

	"github.com/calvinalkan/sidekv/pkg/bloom"
	"github.com/calvinalkan/sidekv/pkg/fs"
	"github.com/calvinalkan/sidekv/pkg/hashmix"
	"github.com/calvinalkan/sidekv/pkg/varint"
)

// bucketScratch is the per-key-length scratch stream a Builder appends
// Put records to. Close reopens it for reading, replays it to place
// entries into slots, copies its bytes verbatim into the finished file's
// data region, and deletes it.
type bucketScratch struct {
	keyLen uint32
	path   string
	file   fs.File // open for writing while staging; closed once Close starts reading
	count  uint64  // number of put records appended, pre-dedup
}

// Builder constructs a new store file via a single-pass external merge:
// Put streams each (key, value) straight to a per-key-length scratch file
// on disk, and Close replays each scratch stream to compute the final hash
// placement, then concatenates header + bucket descriptors + bloom region +
// index region + the scratch streams' data bytes into the output file.
// Staging never holds more than one key/value pair in memory at a time;
// Close holds only one bucket's slot-occupancy and key arrays at a time,
// not the whole dataset.
//
// A Builder is not safe for concurrent use.
type Builder struct {
	fsys fs.FS
	path string
	opts Options

	scratchDir string
	closed     bool
	maxKeyLen  uint32
	buckets    map[uint32]*bucketScratch
}

// NewBuilder returns a Builder that will atomically publish to path on
// Close. fsys is typically [fs.NewReal]; tests may substitute a
// [fs.Chaos]-wrapped filesystem to exercise failure handling.
func NewBuilder(fsys fs.FS, path string, opts Options) (*Builder, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	scratchDir := path + ".scratch"
	if err := fsys.MkdirAll(scratchDir, 0o755); err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}

	return &Builder{
		fsys:       fsys,
		path:       path,
		opts:       opts,
		scratchDir: scratchDir,
		buckets:    make(map[uint32]*bucketScratch),
	}, nil
}

// Put appends key/value to its key length's scratch stream. Duplicate keys
// are not rejected here: per-length open addressing can only tell two Puts
// apart once every record for that length is hashed and probed, which
// happens once, during Close. Put succeeds for a key already staged
// regardless of [Options.DuplicatesEnabled]; Close is where a later
// duplicate either fails the build or overwrites the earlier slot,
// depending on that option.
func (b *Builder) Put(key, value []byte) error {
	if b.closed {
		return ErrClosed
	}

	keyLen := uint32(len(key))

	if b.opts.MaxKeyLen > 0 && keyLen > b.opts.MaxKeyLen {
		return fmt.Errorf("%w: %d bytes, max %d", ErrKeyTooLong, keyLen, b.opts.MaxKeyLen)
	}

	bucket, err := b.bucketFor(keyLen)
	if err != nil {
		return fmt.Errorf("open scratch stream: %w", err)
	}

	if _, err := bucket.file.Write(encodeDataRecord(key, value)); err != nil {
		return fmt.Errorf("write scratch record: %w", err)
	}

	bucket.count++

	if keyLen > b.maxKeyLen {
		b.maxKeyLen = keyLen
	}

	return nil
}

func (b *Builder) bucketFor(keyLen uint32) (*bucketScratch, error) {
	bucket, ok := b.buckets[keyLen]
	if ok {
		return bucket, nil
	}

	scratchPath := filepath.Join(b.scratchDir, fmt.Sprintf("len-%d.scratch", keyLen))

	f, err := b.fsys.OpenFile(scratchPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}

	bucket = &bucketScratch{keyLen: keyLen, path: scratchPath, file: f}
	b.buckets[keyLen] = bucket

	return bucket, nil
}

// placedEntry is an entry assigned to a concrete slot index within its
// bucket's slot array, along with the byte offset of its record relative
// to the start of that bucket's data region.
type placedEntry struct {
	slot   uint32
	offset uint64
}

type builtBucket struct {
	desc     bucketDescriptor
	placed   []placedEntry
	dataSize uint64
}

// Close replays every key-length's scratch stream to compute the final
// layout, checks available disk space, writes the file to a temp path, and
// atomically publishes it to the Builder's target path. Scratch files are
// removed whether Close succeeds or fails. Close is idempotent after the
// first call returns: subsequent calls return [ErrClosed].
func (b *Builder) Close() error {
	if b.closed {
		return ErrClosed
	}

	b.closed = true

	defer b.removeScratchDir()

	lengths := make([]uint32, 0, len(b.buckets))
	for l := range b.buckets {
		lengths = append(lengths, l)
	}

	sort.Slice(lengths, func(i, j int) bool { return lengths[i] < lengths[j] })

	for _, l := range lengths {
		if err := b.buckets[l].file.Close(); err != nil {
			return fmt.Errorf("close scratch stream for key length %d: %w", l, err)
		}
	}

	var rawTotal uint64

	for _, l := range lengths {
		rawTotal += b.buckets[l].count
	}

	var bloomFilter *bloom.Filter

	if b.opts.BloomFilterEnabled && rawTotal > 0 {
		var err error

		bloomFilter, err = bloom.New(rawTotal, b.opts.BloomFilterErrorFactor)
		if err != nil {
			return fmt.Errorf("build bloom filter: %w", err)
		}
	}

	builtBuckets := make([]builtBucket, 0, len(lengths))

	var totalKeys uint64

	for _, l := range lengths {
		bb, liveInBucket, err := b.placeBucket(l, bloomFilter)
		if err != nil {
			return err
		}

		totalKeys += liveInBucket
		builtBuckets = append(builtBuckets, bb)
	}

	bucketBases := make([]uint64, len(builtBuckets))

	var totalDataSize uint64

	for i, bb := range builtBuckets {
		bucketBases[i] = totalDataSize
		totalDataSize += bb.dataSize
	}

	var maxOffset uint64

	for i, bb := range builtBuckets {
		for _, pe := range bb.placed {
			if global := bucketBases[i] + pe.offset; global > maxOffset {
				maxOffset = global
			}
		}
	}

	offsetWidth := offsetWidthFor(maxOffset)

	bucketDescTableSize := uint64(len(builtBuckets)) * bucketDescriptorSize
	bloomRegionOffset := uint64(headerSize) + bucketDescTableSize

	bloomByteLen := uint64(0)

	var bloomBytes []byte

	if bloomFilter != nil {
		bloomBytes = bloomFilter.Bytes()
		bloomByteLen = uint64(len(bloomBytes))
	}

	indexOffset := bloomRegionOffset + bloomByteLen

	indexRegion := make([]byte, 0)
	slotRegionOffset := indexOffset

	for i := range builtBuckets {
		bb := &builtBuckets[i]
		bb.desc.Stride = uint32(offsetWidth)
		bb.desc.SlotRegionOffset = slotRegionOffset

		regionSize := uint64(bb.desc.SlotCount) * uint64(offsetWidth)
		slots := make([]byte, regionSize)

		for _, pe := range bb.placed {
			putOffset(slots[uint64(pe.slot)*uint64(offsetWidth):], offsetWidth, bucketBases[i]+pe.offset)
		}

		indexRegion = append(indexRegion, slots...)
		slotRegionOffset += regionSize
	}

	// The data region starts on a page boundary so the reader can mmap its
	// segments at page-aligned file offsets; the gap is zero padding.
	dataOffset := (slotRegionOffset + mmapPageSize - 1) / mmapPageSize * mmapPageSize
	indexRegion = append(indexRegion, make([]byte, dataOffset-slotRegionOffset)...)
	estimatedSize := dataOffset + totalDataSize

	if err := b.checkDiskSpace(estimatedSize); err != nil {
		return err
	}

	h := header{
		Version:     Version,
		CreatedAtNs: time.Now().UnixNano(),
		KeyCount:    totalKeys,
		BucketCount: uint32(len(builtBuckets)),
		MaxKeyLen:   b.maxKeyLen,
		OffsetWidth: offsetWidth,
		IndexOffset: indexOffset,
		DataOffset:  dataOffset,
	}

	if bloomFilter != nil {
		h.BloomEnabled = true
		h.BloomM = bloomFilter.NumBits()
		h.BloomK = bloomFilter.NumHashes()
		h.BloomByteLen = bloomByteLen
	}

	var prefix bytes.Buffer

	headerBytes := encodeHeader(h)
	prefix.Write(headerBytes[:])

	for _, bb := range builtBuckets {
		descBytes := encodeBucketDescriptor(bb.desc)
		prefix.Write(descBytes[:])
	}

	prefix.Write(bloomBytes)
	prefix.Write(indexRegion)

	dataReaders := make([]io.Reader, 0, len(builtBuckets)+1)
	dataReaders = append(dataReaders, bytes.NewReader(prefix.Bytes()))

	var openFiles []fs.File

	defer func() {
		for _, f := range openFiles {
			_ = f.Close()
		}
	}()

	for i, l := range lengths {
		bb := builtBuckets[i]
		if bb.dataSize == 0 {
			continue
		}

		f, err := b.fsys.Open(b.buckets[l].path)
		if err != nil {
			return fmt.Errorf("reopen scratch stream for key length %d: %w", l, err)
		}

		openFiles = append(openFiles, f)
		dataReaders = append(dataReaders, io.LimitReader(f, int64(bb.dataSize))) //nolint:gosec
	}

	writer := fs.NewAtomicWriter(b.fsys)
	writeOpts := writer.DefaultOptions()

	if err := writer.Write(b.path, io.MultiReader(dataReaders...), writeOpts); err != nil {
		return fmt.Errorf("publish store file: %w", err)
	}

	return nil
}

// placeBucket replays the scratch stream for key length l, running the
// same hash-and-linear-probe placement a [Reader] will later use to look
// keys up: each record's key is hashed, then probed until an empty slot is
// found or an occupied slot holding the same key is reached. Duplicate
// keys fail the build unless [Options.DuplicatesEnabled], in which case
// the later record's offset overwrites the slot (last write wins).
//
// Memory use is bounded by this bucket's slot count, not by the whole
// dataset: only key bytes and slot offsets are held, never values.
func (b *Builder) placeBucket(l uint32, bloomFilter *bloom.Filter) (builtBucket, uint64, error) {
	bucket := b.buckets[l]

	slotCount := slotCountFor(int(bucket.count), b.opts.LoadFactor) //nolint:gosec
	occupied := make([]bool, slotCount)
	placedKeys := make([][]byte, slotCount)
	placedOffset := make([]uint64, slotCount)

	f, err := b.fsys.Open(bucket.path)
	if err != nil {
		return builtBucket{}, 0, fmt.Errorf("open scratch stream for key length %d: %w", l, err)
	}

	defer f.Close()

	br := bufio.NewReader(f)
	keyBuf := make([]byte, l)

	var offset uint64

	for i := uint64(0); i < bucket.count; i++ {
		if _, err := io.ReadFull(br, keyBuf); err != nil {
			return builtBucket{}, 0, fmt.Errorf("%w: read scratch key for length %d: %v", ErrCorrupt, l, err)
		}

		valueLen, n, err := peekVarintLen(br)
		if err != nil {
			return builtBucket{}, 0, fmt.Errorf("%w: read scratch value length for length %d: %v", ErrCorrupt, l, err)
		}

		if _, err := br.Discard(int(valueLen)); err != nil { //nolint:gosec
			return builtBucket{}, 0, fmt.Errorf("%w: skip scratch value for length %d: %v", ErrCorrupt, l, err)
		}

		recordOffset := offset
		offset += uint64(l) + uint64(n) + valueLen

		h := hashmix.Mix(keyBuf)

		found := false

		for p := uint64(0); p < uint64(slotCount); p++ {
			candidate := uint32((h + p) % uint64(slotCount)) //nolint:gosec

			if !occupied[candidate] {
				occupied[candidate] = true
				placedKeys[candidate] = append([]byte(nil), keyBuf...)
				placedOffset[candidate] = recordOffset
				found = true

				break
			}

			if bytes.Equal(placedKeys[candidate], keyBuf) {
				if !b.opts.DuplicatesEnabled {
					return builtBucket{}, 0, fmt.Errorf("%w: %q", ErrDuplicateKey, keyBuf)
				}

				placedOffset[candidate] = recordOffset
				found = true

				break
			}
		}

		if !found {
			return builtBucket{}, 0, fmt.Errorf("%w: bucket for key length %d is overfull", ErrCorrupt, l)
		}
	}

	placed := make([]placedEntry, 0, bucket.count)

	var live uint64

	for slot := uint32(0); slot < uint32(slotCount); slot++ { //nolint:gosec
		if !occupied[slot] {
			continue
		}

		placed = append(placed, placedEntry{slot: slot, offset: placedOffset[slot]})
		live++

		if bloomFilter != nil {
			bloomFilter.Add(placedKeys[slot])
		}
	}

	return builtBucket{
		desc:     bucketDescriptor{KeyLen: l, SlotCount: uint32(slotCount)}, //nolint:gosec
		placed:   placed,
		dataSize: offset,
	}, live, nil
}

// peekVarintLen decodes one VarInt from the front of br without consuming
// more of the stream than the VarInt itself: it peeks the maximum possible
// VarInt width, decodes, then discards exactly the bytes consumed.
func peekVarintLen(br *bufio.Reader) (value uint64, consumed int, err error) {
	peeked, _ := br.Peek(varint.MaxLen)
	if len(peeked) == 0 {
		return 0, 0, io.ErrUnexpectedEOF
	}

	value, consumed, err = varint.DecodeUint64(peeked)
	if err != nil {
		return 0, 0, err
	}

	if _, err := br.Discard(consumed); err != nil {
		return 0, 0, err
	}

	return value, consumed, nil
}

func (b *Builder) removeScratchDir() {
	_ = b.fsys.RemoveAll(b.scratchDir)
}

// encodeDataRecord serializes one record: the raw key bytes (the reader
// already knows their length from the bucket descriptor), followed by a
// VarInt-prefixed value. The key must be stored because open addressing
// only fixes a probe sequence, not a unique slot: two distinct keys of the
// same length can hash to the same home slot, so a reader walking the
// probe sequence has to verify the key at each occupied slot it visits
// rather than trusting the first one it reaches. This is also exactly the
// scratch-stream record format Close replays during placement, so a
// bucket's scratch bytes can be copied into the finished file's data
// region verbatim.
func encodeDataRecord(key, value []byte) []byte {
	buf := make([]byte, 0, len(key)+varint.MaxLen+len(value))
	buf = append(buf, key...)
	buf = varint.AppendUint64(buf, uint64(len(value)))
	buf = append(buf, value...)

	return buf
}

// slotCountFor returns round(n / loadFactor), never less than 1.
func slotCountFor(n int, loadFactor float64) int {
	if n == 0 {
		return 1
	}

	count := int(math.Round(float64(n) / loadFactor))
	if count < 1 {
		count = 1
	}

	return count
}

// checkDiskSpace rejects the build if total_expected_size / free_disk_space
// would be >= 2/3, i.e. requires free space of at least 1.5x the estimated
// output size. Checked with integer arithmetic (free*2 < estimated*3) to
// avoid floating-point rounding at the threshold.
func (b *Builder) checkDiskSpace(estimatedSize uint64) error {
	dir := filepath.Dir(b.path)
	if dir == "" {
		dir = "."
	}

	var stat unix.Statfs_t
	if err := unix.Statfs(dir, &stat); err != nil {
		// Can't determine free space (e.g. path not yet created); let the
		// write itself fail if space is truly insufficient.
		return nil //nolint:nilerr
	}

	free := stat.Bavail * uint64(stat.Bsize) //nolint:gosec

	if free*2 < estimatedSize*3 {
		required := (estimatedSize*3 + 1) / 2

		return fmt.Errorf("%w: need >= %d bytes (1.5x estimated %d), %d available",
			ErrInsufficientDiskSpace, required, estimatedSize, free)
	}

	return nil
}

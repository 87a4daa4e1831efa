// Package overlay implements the buffered read-write layer on top of an
// immutable [store.Reader]: writes land in an in-memory buffer first, and
// are merged into a fresh base file by an asynchronous compaction that
// atomically swaps the live reader when it completes.
package overlay

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	natomic "github.com/natefinch/atomic"

	"github.com/calvinalkan/sidekv/pkg/fs"
	"github.com/calvinalkan/sidekv/pkg/store"
)

// ErrClosed indicates an operation on an already-closed Overlay.
var ErrClosed = errors.New("overlay: closed")

// bufferedEntry is one pending write. tombstone marks a Remove.
type bufferedEntry struct {
	value     []byte
	tombstone bool
}

// compactionFuture tracks one in-flight compaction. A Flush call that
// arrives while another is already running joins this future instead of
// starting a second compaction, and returns the same result once it
// completes.
type compactionFuture struct {
	done chan struct{}
	err  error
}

// Options configures an Overlay. BuildOptions is forwarded to the
// compactor's [store.Builder]/[store.Reader].
type Options struct {
	// WriteBufferSize is the number of buffered writes at which an
	// automatic flush is triggered, if WriteAutoFlushEnabled.
	WriteBufferSize int

	// WriteAutoFlushEnabled triggers Flush in the background once the
	// buffer reaches WriteBufferSize entries.
	WriteAutoFlushEnabled bool

	// BuildOptions configures the base store file built by compaction.
	BuildOptions store.Options
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		WriteBufferSize:       100000,
		WriteAutoFlushEnabled: true,
		BuildOptions:          store.DefaultOptions(),
	}
}

// Overlay is the mutable front end over an immutable base store file. It is
// safe for concurrent use by multiple goroutines.
type Overlay struct {
	fsys fs.FS
	path string
	opts Options

	// base is swapped atomically by compaction; reads never block on the
	// buffer mutex to reach it.
	base atomic.Pointer[store.Reader]

	// generation counts completed compactions. It has no role in
	// correctness (the atomic pointer swap alone makes base reads safe);
	// it exists so callers/tests can observe that a compaction happened.
	generation atomic.Uint64

	mu     sync.RWMutex
	buffer map[string]*bufferedEntry
	order  []string
	closed bool

	// inflight holds the currently running compaction's future, or nil when
	// no compaction is running. At most one compaction runs at a time.
	inflight atomic.Pointer[compactionFuture]
}

// Open opens (or, if absent, prepares to create) an Overlay backed by the
// store file at path. A missing base file is not an error: the Overlay
// starts empty and the first Flush creates it.
func Open(fsys fs.FS, path string, opts Options) (*Overlay, error) {
	if opts.WriteBufferSize <= 0 {
		opts.WriteBufferSize = DefaultOptions().WriteBufferSize
	}

	o := &Overlay{
		fsys:   fsys,
		path:   path,
		opts:   opts,
		buffer: make(map[string]*bufferedEntry),
	}

	exists, err := fsys.Exists(path)
	if err != nil {
		return nil, fmt.Errorf("check base file: %w", err)
	}

	if exists {
		r, err := store.Open(path, opts.BuildOptions)
		if err != nil {
			return nil, fmt.Errorf("open base file: %w", err)
		}

		o.base.Store(r)
	}

	return o, nil
}

// Put buffers a write. It is visible to Get immediately, and durable once a
// Flush that observed it completes.
func (o *Overlay) Put(key, value []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return ErrClosed
	}

	k := string(key)

	if _, ok := o.buffer[k]; !ok {
		o.order = append(o.order, k)
	}

	o.buffer[k] = &bufferedEntry{value: append([]byte(nil), value...)}

	shouldAutoFlush := o.opts.WriteAutoFlushEnabled && len(o.buffer) >= o.opts.WriteBufferSize

	if shouldAutoFlush {
		fut := &compactionFuture{done: make(chan struct{})}
		if o.inflight.CompareAndSwap(nil, fut) {
			go o.runCompaction(fut)
		}
	}

	return nil
}

// Remove buffers a deletion. It reports whether the key was known to be
// present beforehand (in the buffer or the current base file).
func (o *Overlay) Remove(key []byte) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return false, ErrClosed
	}

	k := string(key)

	wasPresent := o.keyVisibleLocked(key)

	if _, ok := o.buffer[k]; !ok {
		o.order = append(o.order, k)
	}

	o.buffer[k] = &bufferedEntry{tombstone: true}

	return wasPresent, nil
}

func (o *Overlay) keyVisibleLocked(key []byte) bool {
	if e, ok := o.buffer[string(key)]; ok {
		return !e.tombstone
	}

	base := o.base.Load()
	if base == nil {
		return false
	}

	_, err := base.Get(key)

	return err == nil
}

// Get returns the value for key, checking the in-memory buffer first (so
// unflushed writes are visible) and falling back to the current base file.
func (o *Overlay) Get(key []byte) ([]byte, error) {
	o.mu.RLock()

	if o.closed {
		o.mu.RUnlock()

		return nil, ErrClosed
	}

	if e, ok := o.buffer[string(key)]; ok {
		o.mu.RUnlock()

		if e.tombstone {
			return nil, store.ErrNotFound
		}

		return e.value, nil
	}

	o.mu.RUnlock()

	base := o.base.Load()
	if base == nil {
		return nil, store.ErrNotFound
	}

	return base.Get(key)
}

// Generation returns the number of compactions completed so far.
func (o *Overlay) Generation() uint64 {
	return o.generation.Load()
}

// Size returns the number of live keys visible through the Overlay: the
// base file's key count, minus any base keys tombstoned in the buffer,
// plus any buffered keys that are not already counted in the base file.
func (o *Overlay) Size() uint64 {
	o.mu.RLock()
	defer o.mu.RUnlock()

	base := o.base.Load()

	var count uint64

	if base != nil {
		count = base.KeyCount()
	}

	for k, e := range o.buffer {
		inBase := false

		if base != nil {
			if _, err := base.Get([]byte(k)); err == nil {
				inBase = true
			}
		}

		switch {
		case e.tombstone && inBase:
			count--
		case !e.tombstone && !inBase:
			count++
		}
	}

	return count
}

// ForEach calls fn once for every live key/value pair visible through the
// Overlay: a snapshot of the base file taken under the buffer lock, merged
// with the pending buffer, so the two never disagree about which writes are
// included. Base entries shadowed by a buffered write (tombstoned or
// overwritten) are skipped in favor of the buffer's version; remaining
// buffered entries are then visited in insertion order. Iteration stops and
// returns fn's error as soon as fn returns a non-nil error.
func (o *Overlay) ForEach(fn func(key, value []byte) error) error {
	o.mu.RLock()

	if o.closed {
		o.mu.RUnlock()

		return ErrClosed
	}

	base := o.base.Load()

	// Snapshot the buffer under the lock: entries are replaced wholesale by
	// Put/Remove, never mutated in place, so copying the map (not its
	// *bufferedEntry values) is enough to iterate safely after releasing
	// the lock below.
	buffer := make(map[string]*bufferedEntry, len(o.buffer))
	for k, v := range o.buffer {
		buffer[k] = v
	}

	order := append([]string(nil), o.order...)

	o.mu.RUnlock()

	if base != nil {
		err := base.ForEach(func(key, value []byte) error {
			if _, ok := buffer[string(key)]; ok {
				// Shadowed by the buffer; visited below (or skipped, if
				// tombstoned) instead.
				return nil
			}

			return fn(key, value)
		})
		if err != nil {
			return err
		}
	}

	for _, k := range order {
		e := buffer[k]
		if e.tombstone {
			continue
		}

		if err := fn([]byte(k), e.value); err != nil {
			return err
		}
	}

	return nil
}

// Flush synchronously merges the buffer into a fresh base file and swaps
// it in. A Flush that arrives while a compaction triggered by a previous
// Flush or by auto-flush is already running does not start a second one:
// it waits for the running compaction and returns its result.
func (o *Overlay) Flush() error {
	for {
		fut := &compactionFuture{done: make(chan struct{})}
		if o.inflight.CompareAndSwap(nil, fut) {
			return o.runCompaction(fut)
		}

		existing := o.inflight.Load()
		if existing == nil {
			// The running compaction finished between the failed CAS and
			// this load; retry to either join a new one or start one.
			continue
		}

		<-existing.done

		return existing.err
	}
}

// runCompaction runs a compaction under fut, which the caller must have
// already installed via a winning CompareAndSwap(nil, fut) on o.inflight.
// It clears o.inflight and signals fut.done before returning.
func (o *Overlay) runCompaction(fut *compactionFuture) error {
	err := o.compact()
	fut.err = err

	close(fut.done)
	o.inflight.CompareAndSwap(fut, nil)

	return err
}

// compact builds a new base file from the current base reader plus the
// buffered writes, atomically publishes it, reopens it, and swaps it in.
func (o *Overlay) compact() error {
	o.mu.Lock()
	pending := o.buffer
	order := o.order
	o.buffer = make(map[string]*bufferedEntry)
	o.order = nil
	o.mu.Unlock()

	base := o.base.Load()

	b, err := store.NewBuilder(o.fsys, o.path, o.opts.BuildOptions)
	if err != nil {
		o.restoreUnflushed(pending, order)

		return fmt.Errorf("start compaction: %w", err)
	}

	if base != nil {
		if err := copyLiveEntries(base, pending, b); err != nil {
			o.restoreUnflushed(pending, order)

			return fmt.Errorf("copy base entries: %w", err)
		}
	}

	for _, k := range order {
		e := pending[k]
		if e.tombstone {
			continue
		}

		if err := b.Put([]byte(k), e.value); err != nil {
			o.restoreUnflushed(pending, order)

			return fmt.Errorf("write buffered entry: %w", err)
		}
	}

	if err := b.Close(); err != nil {
		o.restoreUnflushed(pending, order)

		return fmt.Errorf("publish compacted file: %w", err)
	}

	newReader, err := store.Open(o.path, o.opts.BuildOptions)
	if err != nil {
		return fmt.Errorf("reopen compacted file: %w", err)
	}

	old := o.base.Swap(newReader)
	o.generation.Add(1)

	// Reader.Close takes old's write lock, so it waits for any Get or
	// ForEach already running on old and never unmaps memory under one.
	// A Get that loaded old just before the Swap and calls it after Close
	// returns store.ErrClosed. Compaction is the only thing that ever
	// closes a base reader, so the exposure window is one old file per
	// Flush.
	if old != nil {
		_ = old.Close()
	}

	o.writeManifest(newReader.KeyCount())

	return nil
}

// writeManifest records the generation and key count of the base file just
// published. It's advisory diagnostic metadata, not consulted on Open, so
// it's written through a plain atomic rename rather than through
// [store.Builder]'s fs.FS seam: nothing depends on it surviving a crash
// mid-write the way the base file itself must.
func (o *Overlay) writeManifest(keyCount uint64) {
	content := fmt.Sprintf("generation=%d\nkeys=%d\n", o.generation.Load(), keyCount)
	_ = natomic.WriteFile(o.path+".manifest", bytes.NewReader([]byte(content)))
}

// restoreUnflushed puts writes that a failed compaction consumed back into
// the live buffer, so they are not silently lost.
func (o *Overlay) restoreUnflushed(pending map[string]*bufferedEntry, order []string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, k := range order {
		if _, ok := o.buffer[k]; ok {
			continue
		}

		o.buffer[k] = pending[k]
		o.order = append(o.order, k)
	}
}

// copyLiveEntries carries every entry still live in base into b, skipping
// keys the pending buffer tombstones so a Remove takes effect even if the
// removed key was never re-written.
func copyLiveEntries(base *store.Reader, pending map[string]*bufferedEntry, b *store.Builder) error {
	return base.ForEach(func(key, value []byte) error {
		if e, ok := pending[string(key)]; ok && e.tombstone {
			return nil
		}

		return b.Put(key, value)
	})
}

// Close releases the current base reader. Buffered writes that were never
// flushed are discarded.
func (o *Overlay) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return nil
	}

	o.closed = true

	if base := o.base.Load(); base != nil {
		return base.Close()
	}

	return nil
}

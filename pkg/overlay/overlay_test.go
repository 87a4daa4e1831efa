package overlay_test

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/calvinalkan/sidekv/pkg/fs"
	"github.com/calvinalkan/sidekv/pkg/overlay"
	"github.com/calvinalkan/sidekv/pkg/store"
	"github.com/stretchr/testify/require"
)

// slowRenameFS delays every Rename (the step [fs.AtomicWriter] uses to
// publish a compacted file) until delay is closed, so tests can force two
// Flush calls to overlap deterministically.
type slowRenameFS struct {
	fs.FS
	delay chan struct{}
}

func (s *slowRenameFS) Rename(oldpath, newpath string) error {
	<-s.delay

	return s.FS.Rename(oldpath, newpath)
}

func newOverlay(t *testing.T, opts overlay.Options) (*overlay.Overlay, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "data.sidekv")

	o, err := overlay.Open(fs.NewReal(), path, opts)
	require.NoError(t, err)

	t.Cleanup(func() { _ = o.Close() })

	return o, path
}

func TestOverlay_GetSeesBufferedWriteBeforeFlush(t *testing.T) {
	o, _ := newOverlay(t, overlay.DefaultOptions())

	require.NoError(t, o.Put([]byte("k"), []byte("v1")))

	got, err := o.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, "v1", string(got))
}

func TestOverlay_FlushPersistsAndReopens(t *testing.T) {
	opts := overlay.DefaultOptions()
	o, path := newOverlay(t, opts)

	require.NoError(t, o.Put([]byte("k1"), []byte("v1")))
	require.NoError(t, o.Put([]byte("k2"), []byte("v2")))
	require.NoError(t, o.Flush())

	got, err := o.Get([]byte("k1"))
	require.NoError(t, err)
	require.Equal(t, "v1", string(got))

	require.Equal(t, uint64(1), o.Generation())

	r, err := store.Open(path, opts.BuildOptions)
	require.NoError(t, err)
	defer r.Close()

	require.Equal(t, uint64(2), r.KeyCount())
}

func TestOverlay_RemoveThenFlushExcludesKey(t *testing.T) {
	o, _ := newOverlay(t, overlay.DefaultOptions())

	require.NoError(t, o.Put([]byte("k"), []byte("v")))
	require.NoError(t, o.Flush())

	wasPresent, err := o.Remove([]byte("k"))
	require.NoError(t, err)
	require.True(t, wasPresent)

	_, err = o.Get([]byte("k"))
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, o.Flush())

	_, err = o.Get([]byte("k"))
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestOverlay_MultipleFlushesAccumulate(t *testing.T) {
	o, _ := newOverlay(t, overlay.DefaultOptions())

	require.NoError(t, o.Put([]byte("a"), []byte("1")))
	require.NoError(t, o.Flush())

	require.NoError(t, o.Put([]byte("b"), []byte("2")))
	require.NoError(t, o.Flush())

	for k, v := range map[string]string{"a": "1", "b": "2"} {
		got, err := o.Get([]byte(k))
		require.NoError(t, err)
		require.Equal(t, v, string(got))
	}

	require.Equal(t, uint64(2), o.Generation())
}

func TestOverlay_FlushWithNoneRunningSucceeds(t *testing.T) {
	o, _ := newOverlay(t, overlay.DefaultOptions())

	require.NoError(t, o.Put([]byte("a"), []byte("1")))
	require.NoError(t, o.Flush())

	// A second Flush while none is running succeeds (no-op merge).
	require.NoError(t, o.Flush())
}

// TestOverlay_ConcurrentFlushSharesResultInsteadOfErroring forces two Flush
// calls to genuinely overlap (the first is blocked publishing its compacted
// file) and asserts the second joins the first's result instead of failing
// with an in-progress error, and that only one compaction actually ran.
func TestOverlay_ConcurrentFlushSharesResultInsteadOfErroring(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.sidekv")

	delay := make(chan struct{})
	sfs := &slowRenameFS{FS: fs.NewReal(), delay: delay}

	o, err := overlay.Open(sfs, path, overlay.DefaultOptions())
	require.NoError(t, err)
	defer o.Close()

	require.NoError(t, o.Put([]byte("a"), []byte("1")))

	var wg sync.WaitGroup

	errs := make([]error, 2)

	wg.Add(1)

	go func() {
		defer wg.Done()

		errs[0] = o.Flush()
	}()

	// Give the first Flush time to reach the delayed Rename before starting
	// the second, so the two calls are guaranteed to overlap.
	time.Sleep(50 * time.Millisecond)

	wg.Add(1)

	go func() {
		defer wg.Done()

		errs[1] = o.Flush()
	}()

	time.Sleep(50 * time.Millisecond)
	close(delay)

	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.Equal(t, uint64(1), o.Generation())
}

func TestOverlay_SizeCountsBaseAndBufferWithoutDoubleCounting(t *testing.T) {
	o, _ := newOverlay(t, overlay.DefaultOptions())

	require.Equal(t, uint64(0), o.Size())

	require.NoError(t, o.Put([]byte("a"), []byte("1")))
	require.NoError(t, o.Put([]byte("b"), []byte("2")))
	require.Equal(t, uint64(2), o.Size())

	require.NoError(t, o.Flush())
	require.Equal(t, uint64(2), o.Size())

	// Overwriting an already-flushed key must not inflate the count.
	require.NoError(t, o.Put([]byte("a"), []byte("11")))
	require.Equal(t, uint64(2), o.Size())

	// A new buffered key not yet in the base file does count.
	require.NoError(t, o.Put([]byte("c"), []byte("3")))
	require.Equal(t, uint64(3), o.Size())

	_, err := o.Remove([]byte("b"))
	require.NoError(t, err)
	require.Equal(t, uint64(2), o.Size())
}

func TestOverlay_ForEachYieldsBaseThenBufferWithoutShadowedKeys(t *testing.T) {
	o, _ := newOverlay(t, overlay.DefaultOptions())

	require.NoError(t, o.Put([]byte("a"), []byte("1")))
	require.NoError(t, o.Put([]byte("b"), []byte("2")))
	require.NoError(t, o.Flush())

	require.NoError(t, o.Put([]byte("a"), []byte("11"))) // shadows base "a"
	require.NoError(t, o.Put([]byte("c"), []byte("3")))  // buffer-only

	_, err := o.Remove([]byte("b")) // tombstones base "b"
	require.NoError(t, err)

	seen := make(map[string]string)

	err = o.ForEach(func(key, value []byte) error {
		seen[string(key)] = string(value)

		return nil
	})
	require.NoError(t, err)

	require.Equal(t, map[string]string{"a": "11", "c": "3"}, seen)
}

// TestOverlay_CompactionSurvivesChaosWriteFailures exercises [fs.Chaos]
// through the actual call site that reaches it: a Builder writing scratch
// and output files during [Overlay.Flush]'s compaction. A failed compaction
// must restore the buffered writes it consumed rather than losing them, so
// retrying after the fault clears reaches the same durable state a
// fault-free Flush would have.
func TestOverlay_CompactionSurvivesChaosWriteFailures(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.sidekv")

	chaos := fs.NewChaos(fs.NewReal(), 7, &fs.ChaosConfig{
		WriteFailRate: 0.3,
		SyncFailRate:  0.3,
	})

	o, err := overlay.Open(chaos, path, overlay.DefaultOptions())
	require.NoError(t, err)
	defer o.Close()

	require.NoError(t, o.Put([]byte("k"), []byte("v")))

	var flushErr error

	for range 50 {
		flushErr = o.Flush()
		if flushErr == nil {
			break
		}
	}

	// A failed Flush must not lose the buffered write: disabling fault
	// injection and retrying has to succeed and durably store it.
	if flushErr != nil {
		chaos.SetMode(fs.ChaosModeNoOp)

		require.NoError(t, o.Flush())
	}

	got, err := o.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, "v", string(got))
}

func TestOverlay_ClosedRejectsOps(t *testing.T) {
	o, _ := newOverlay(t, overlay.DefaultOptions())

	require.NoError(t, o.Close())

	require.ErrorIs(t, o.Put([]byte("k"), []byte("v")), overlay.ErrClosed)

	_, err := o.Get([]byte("k"))
	require.ErrorIs(t, err, overlay.ErrClosed)
}

package store_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/calvinalkan/sidekv/pkg/fs"
	"github.com/calvinalkan/sidekv/pkg/store"
	"github.com/stretchr/testify/require"
)

func buildStore(t *testing.T, opts store.Options, kv map[string]string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "data.sidekv")

	b, err := store.NewBuilder(fs.NewReal(), path, opts)
	require.NoError(t, err)

	for k, v := range kv {
		require.NoError(t, b.Put([]byte(k), []byte(v)))
	}

	require.NoError(t, b.Close())

	return path
}

func TestBuildAndGet_TinyStore(t *testing.T) {
	kv := map[string]string{
		"a":   "1",
		"bb":  "22",
		"ccc": "333",
	}

	path := buildStore(t, store.DefaultOptions(), kv)

	r, err := store.Open(path, store.DefaultOptions())
	require.NoError(t, err)
	defer r.Close()

	require.Equal(t, uint64(len(kv)), r.KeyCount())

	for k, v := range kv {
		got, err := r.Get([]byte(k))
		require.NoError(t, err)
		require.Equal(t, v, string(got))
	}

	_, err = r.Get([]byte("missing"))
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestBuildAndGet_MixedKeyLengths(t *testing.T) {
	kv := make(map[string]string)

	for i := range 500 {
		k := fmt.Sprintf("key-%d", i)
		v := fmt.Sprintf("value-%d-%d", i, i*i)
		kv[k] = v
	}

	// A few keys of very different lengths to exercise several buckets.
	kv["x"] = "short"
	kv["this-is-a-much-longer-key-than-the-rest"] = "long-value"

	path := buildStore(t, store.DefaultOptions(), kv)

	r, err := store.Open(path, store.DefaultOptions())
	require.NoError(t, err)
	defer r.Close()

	for k, v := range kv {
		got, err := r.Get([]byte(k))
		require.NoError(t, err)
		require.Equal(t, v, string(got))
	}
}

func TestBuilder_DuplicateKeyRejectedByDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.sidekv")

	b, err := store.NewBuilder(fs.NewReal(), path, store.DefaultOptions())
	require.NoError(t, err)

	// Both Puts must succeed: open addressing can only tell two records for
	// the same key apart once every record of that key's length has been
	// hashed and probed, which happens once, during Close.
	require.NoError(t, b.Put([]byte("k"), []byte("v1")))
	require.NoError(t, b.Put([]byte("k"), []byte("v2")))

	err = b.Close()
	require.ErrorIs(t, err, store.ErrDuplicateKey)

	_, statErr := os.Stat(path)
	require.True(t, os.IsNotExist(statErr), "output file must not exist after a failed Close")
}

func TestBuilder_DuplicatesEnabledOverwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.sidekv")

	opts := store.DefaultOptions()
	opts.DuplicatesEnabled = true

	b, err := store.NewBuilder(fs.NewReal(), path, opts)
	require.NoError(t, err)

	require.NoError(t, b.Put([]byte("k"), []byte("v1")))
	require.NoError(t, b.Put([]byte("k"), []byte("v2")))
	require.NoError(t, b.Close())

	r, err := store.Open(path, opts)
	require.NoError(t, err)
	defer r.Close()

	got, err := r.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, "v2", string(got))
}

func TestBuilder_ClosedAfterClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.sidekv")

	b, err := store.NewBuilder(fs.NewReal(), path, store.DefaultOptions())
	require.NoError(t, err)

	require.NoError(t, b.Put([]byte("k"), []byte("v")))
	require.NoError(t, b.Close())

	require.ErrorIs(t, b.Close(), store.ErrClosed)
	require.ErrorIs(t, b.Put([]byte("k2"), []byte("v2")), store.ErrClosed)
}

func TestBuilder_MaxKeyLenRejected(t *testing.T) {
	opts := store.DefaultOptions()
	opts.MaxKeyLen = 2

	b, err := store.NewBuilder(fs.NewReal(), filepath.Join(t.TempDir(), "data.sidekv"), opts)
	require.NoError(t, err)

	err = b.Put([]byte("too-long"), []byte("v"))
	require.ErrorIs(t, err, store.ErrKeyTooLong)
}

func TestBloomFilter_NoFalseNegativesAndFiltersMisses(t *testing.T) {
	opts := store.DefaultOptions()
	opts.BloomFilterEnabled = true
	opts.BloomFilterErrorFactor = 0.01

	kv := make(map[string]string)
	for i := range 1000 {
		kv[fmt.Sprintf("present-%d", i)] = fmt.Sprintf("v%d", i)
	}

	path := buildStore(t, opts, kv)

	r, err := store.Open(path, opts)
	require.NoError(t, err)
	defer r.Close()

	for k, v := range kv {
		got, err := r.Get([]byte(k))
		require.NoError(t, err)
		require.Equal(t, v, string(got))
	}

	misses := 0

	for i := range 1000 {
		_, err := r.Get([]byte(fmt.Sprintf("absent-%d", i)))
		if err != nil {
			require.ErrorIs(t, err, store.ErrNotFound)

			misses++
		}
	}

	require.Equal(t, 1000, misses)
}

func TestReader_RejectsBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.sidekv")

	require.NoError(t, fs.NewReal().WriteFile(path, make([]byte, 256), 0o644))

	_, err := store.Open(path, store.DefaultOptions())
	require.ErrorIs(t, err, store.ErrCorrupt)
}

func TestMmapDisabled_SeekModeMatchesMmapMode(t *testing.T) {
	kv := map[string]string{"a": "1", "bb": "22", "ccc": "333"}

	path := buildStore(t, store.DefaultOptions(), kv)

	seekOpts := store.DefaultOptions()
	seekOpts.MmapDataEnabled = false

	r, err := store.Open(path, seekOpts)
	require.NoError(t, err)
	defer r.Close()

	for k, v := range kv {
		got, err := r.Get([]byte(k))
		require.NoError(t, err)
		require.Equal(t, v, string(got))
	}
}

// TestForEach_MatchesModel builds a model of the intended key/value set and
// cross-checks it against a full ForEach scan, the way a model-vs-real
// comparison would for a larger state machine.
func TestForEach_MatchesModel(t *testing.T) {
	model := map[string]string{
		"a":      "1",
		"bb":     "22",
		"ccc":    "333",
		"dddd":   "4444",
		"eeeee":  "55555",
		"zzzzzz": "",
	}

	path := buildStore(t, store.DefaultOptions(), model)

	r, err := store.Open(path, store.DefaultOptions())
	require.NoError(t, err)
	defer r.Close()

	scanned := make(map[string]string, len(model))

	err = r.ForEach(func(key, value []byte) error {
		scanned[string(key)] = string(value)

		return nil
	})
	require.NoError(t, err)

	if diff := cmp.Diff(model, scanned); diff != "" {
		t.Fatalf("scanned state does not match model (-model +scanned):\n%s", diff)
	}
}

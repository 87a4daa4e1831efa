package store_test

import (
	"path/filepath"
	"testing"

	"github.com/calvinalkan/sidekv/pkg/fs"
	"github.com/calvinalkan/sidekv/pkg/store"
	"github.com/stretchr/testify/require"
)

func TestNewBuilder_RejectsInvalidLoadFactor(t *testing.T) {
	opts := store.DefaultOptions()
	opts.LoadFactor = 1.5

	_, err := store.NewBuilder(fs.NewReal(), filepath.Join(t.TempDir(), "x.sidekv"), opts)
	require.Error(t, err)
}

func TestNewBuilder_RejectsBadMmapSegmentSize(t *testing.T) {
	opts := store.DefaultOptions()
	opts.MmapSegmentSize = 1000 // not page-aligned

	_, err := store.NewBuilder(fs.NewReal(), filepath.Join(t.TempDir(), "x.sidekv"), opts)
	require.Error(t, err)
}

func TestDefaultOptions_AreValid(t *testing.T) {
	_, err := store.NewBuilder(fs.NewReal(), filepath.Join(t.TempDir(), "x.sidekv"), store.DefaultOptions())
	require.NoError(t, err)
}

package hashmix_test

import (
	"testing"

	"github.com/calvinalkan/sidekv/pkg/hashmix"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMix_Deterministic(t *testing.T) {
	a := hashmix.Mix([]byte("hello"))
	b := hashmix.Mix([]byte("hello"))
	require.Equal(t, a, b)
}

func TestMix_DifferentKeysDifferentHashes(t *testing.T) {
	a := hashmix.Mix([]byte("hello"))
	b := hashmix.Mix([]byte("world"))
	assert.NotEqual(t, a, b)
}

func TestMix_EmptyKey(t *testing.T) {
	// Must not panic; the zero-length key is a valid input for the smallest
	// length bucket.
	assert.NotPanics(t, func() {
		hashmix.Mix(nil)
	})
}

func TestMixN_ProducesDistinctHashes(t *testing.T) {
	hashes := hashmix.MixN([]byte("key"), 4)
	require.Len(t, hashes, 4)

	seen := map[uint64]bool{}
	for _, h := range hashes {
		assert.False(t, seen[h], "hash %d repeated", h)
		seen[h] = true
	}
}

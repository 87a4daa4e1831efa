package varint_test

import (
	"bytes"
	"testing"

	"github.com/calvinalkan/sidekv/pkg/varint"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip_Slice(t *testing.T) {
	values := []uint64{0, 1, 127, 128, 255, 300, 1 << 20, 1 << 40, ^uint64(0)}

	for _, v := range values {
		buf := varint.AppendUint64(nil, v)

		got, n, err := varint.DecodeUint64(buf)
		require.NoError(t, err)
		require.Equal(t, len(buf), n)
		require.Equal(t, v, got)
	}
}

func TestRoundTrip_Stream(t *testing.T) {
	var buf bytes.Buffer

	require.NoError(t, varint.WriteUint64(&buf, 42))
	require.NoError(t, varint.WriteUint64(&buf, 999999))

	v1, err := varint.ReadUint64(&buf)
	require.NoError(t, err)
	require.Equal(t, uint64(42), v1)

	v2, err := varint.ReadUint64(&buf)
	require.NoError(t, err)
	require.Equal(t, uint64(999999), v2)
}

func TestDecodeUint64_TruncatedBuffer(t *testing.T) {
	buf := varint.AppendUint64(nil, 1<<20)

	_, _, err := varint.DecodeUint64(buf[:1])
	require.Error(t, err)
}

func TestDecodeUint64_MultipleValuesInOneBuffer(t *testing.T) {
	var buf []byte
	buf = varint.AppendUint64(buf, 10)
	buf = varint.AppendUint64(buf, 20000)

	v1, n1, err := varint.DecodeUint64(buf)
	require.NoError(t, err)
	require.Equal(t, uint64(10), v1)

	v2, n2, err := varint.DecodeUint64(buf[n1:])
	require.NoError(t, err)
	require.Equal(t, uint64(20000), v2)
	require.Equal(t, len(buf), n1+n2)
}

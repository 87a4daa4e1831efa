package serializer_test

import (
	"math"
	"math/big"
	"testing"

	"github.com/calvinalkan/sidekv/pkg/serializer"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, s *serializer.Serializer, v any) any {
	t.Helper()

	data, err := s.Encode(v)
	require.NoError(t, err)

	got, err := s.Decode(data)
	require.NoError(t, err)

	return got
}

func TestRoundTrip_Scalars(t *testing.T) {
	s := serializer.New(serializer.Options{})

	cases := []any{
		nil,
		true,
		false,
		int32(-1), int32(0), int32(8), int32(9), int32(-2),
		int32(127), int32(-128), int32(32000), int32(-32000),
		int32(math.MinInt32), int32(math.MaxInt32),
		int64(-1), int64(0), int64(8), int64(1 << 40), int64(math.MinInt64),
		int8(42), int16(-500), serializer.Char(0xD83D),
		float32(3.14), float64(2.718281828),
		"hello, 世界",
		"",
	}

	for _, c := range cases {
		got := roundTrip(t, s, c)
		require.Equal(t, c, got)
	}
}

func TestRoundTrip_BigInt(t *testing.T) {
	s := serializer.New(serializer.Options{})

	values := []*big.Int{
		big.NewInt(0),
		big.NewInt(-12345),
		new(big.Int).Exp(big.NewInt(2), big.NewInt(256), nil),
		new(big.Int).Neg(new(big.Int).Exp(big.NewInt(2), big.NewInt(256), nil)),
	}

	for _, v := range values {
		got := roundTrip(t, s, v)
		gotBig, ok := got.(*big.Int)
		require.True(t, ok)
		require.Equal(t, 0, v.Cmp(gotBig))
	}
}

func TestRoundTrip_BigDecimal(t *testing.T) {
	s := serializer.New(serializer.Options{})

	d := serializer.NewBigDecimal(big.NewInt(123456789), 4)

	got := roundTrip(t, s, d)
	gotD, ok := got.(serializer.BigDecimal)
	require.True(t, ok)
	require.True(t, d.Equal(gotD))
}

func TestRoundTrip_Arrays(t *testing.T) {
	s := serializer.New(serializer.Options{})

	require.Equal(t, []int32{1, 2, -3, 1000000}, roundTrip(t, s, []int32{1, 2, -3, 1000000}))
	require.Equal(t, []int64{1, -2, 1 << 40}, roundTrip(t, s, []int64{1, -2, 1 << 40}))
	require.Equal(t, []float32{1.5, -2.5}, roundTrip(t, s, []float32{1.5, -2.5}))
	require.Equal(t, []float64{1.5, -2.5}, roundTrip(t, s, []float64{1.5, -2.5}))
	require.Equal(t, []byte{1, 2, 3}, roundTrip(t, s, []byte{1, 2, 3}))
	require.Equal(t, []string{"a", "b", "世界"}, roundTrip(t, s, []string{"a", "b", "世界"}))
	require.Equal(t, [][]int32{{1, 2}, {3}}, roundTrip(t, s, [][]int32{{1, 2}, {3}}))
	require.Equal(t, [][]int64{{1}, {2, 3}}, roundTrip(t, s, [][]int64{{1}, {2, 3}}))
}

func TestRoundTrip_EmptyArrays(t *testing.T) {
	s := serializer.New(serializer.Options{})

	require.Equal(t, []int32{}, roundTrip(t, s, []int32{}))
	require.Equal(t, []byte{}, roundTrip(t, s, []byte{}))
}

func TestCompression_RoundTripsLargeArray(t *testing.T) {
	s := serializer.New(serializer.Options{CompressionEnabled: true})

	arr := make([]int32, 10000)
	for i := range arr {
		arr[i] = int32(i % 7) // highly repetitive, compresses well
	}

	require.Equal(t, arr, roundTrip(t, s, arr))
}

type point struct {
	X, Y int32
}

type pointCodec struct{}

func (pointCodec) Encode(v any) ([]byte, error) {
	p := v.(point) //nolint:forcetypeassert
	buf := []byte{byte(p.X), byte(p.X >> 8), byte(p.X >> 16), byte(p.X >> 24)}
	buf = append(buf, byte(p.Y), byte(p.Y>>8), byte(p.Y>>16), byte(p.Y>>24))

	return buf, nil
}

func (pointCodec) Decode(data []byte) (any, error) {
	x := int32(data[0]) | int32(data[1])<<8 | int32(data[2])<<16 | int32(data[3])<<24
	y := int32(data[4]) | int32(data[5])<<8 | int32(data[6])<<16 | int32(data[7])<<24

	return point{X: x, Y: y}, nil
}

func TestCustom_RegisterAndRoundTrip(t *testing.T) {
	s := serializer.New(serializer.Options{})

	require.NoError(t, s.Register("point", point{}, pointCodec{}))

	got := roundTrip(t, s, point{X: 7, Y: -3})
	require.Equal(t, point{X: 7, Y: -3}, got)
}

func TestCustom_DuplicateRegistrationFails(t *testing.T) {
	s := serializer.New(serializer.Options{})

	require.NoError(t, s.Register("point", point{}, pointCodec{}))

	err := s.Register("point", point{}, pointCodec{})
	require.ErrorIs(t, err, serializer.ErrAlreadyRegistered)
}

func TestEncode_UnsupportedType(t *testing.T) {
	s := serializer.New(serializer.Options{})

	_, err := s.Encode(struct{ A int }{A: 1})
	require.ErrorIs(t, err, serializer.ErrUnsupportedType)
}

func TestDecode_MissingCodec(t *testing.T) {
	writer := serializer.New(serializer.Options{})
	require.NoError(t, writer.Register("point", point{}, pointCodec{}))

	data, err := writer.Encode(point{X: 1, Y: 2})
	require.NoError(t, err)

	reader := serializer.New(serializer.Options{})

	_, err = reader.Decode(data)
	require.ErrorIs(t, err, serializer.ErrMissingCodec)
}

func TestDecode_MalformedInput(t *testing.T) {
	s := serializer.New(serializer.Options{})

	_, err := s.Decode(nil)
	require.ErrorIs(t, err, serializer.ErrMalformed)

	_, err = s.Decode([]byte{255})
	require.ErrorIs(t, err, serializer.ErrMalformed)
}

func TestDecode_TrailingBytesRejected(t *testing.T) {
	s := serializer.New(serializer.Options{})

	data, err := s.Encode(int32(5))
	require.NoError(t, err)

	_, err = s.Decode(append(data, 0xFF))
	require.ErrorIs(t, err, serializer.ErrMalformed)
}

func TestDecodePrefix_AllowsSequentialValues(t *testing.T) {
	s := serializer.New(serializer.Options{})

	var data []byte

	for _, v := range []any{int32(1), "two", true} {
		encoded, err := s.Encode(v)
		require.NoError(t, err)

		data = append(data, encoded...)
	}

	v1, n1, err := s.DecodePrefix(data)
	require.NoError(t, err)
	require.Equal(t, int32(1), v1)

	v2, n2, err := s.DecodePrefix(data[n1:])
	require.NoError(t, err)
	require.Equal(t, "two", v2)

	v3, _, err := s.DecodePrefix(data[n1+n2:])
	require.NoError(t, err)
	require.Equal(t, true, v3)
}

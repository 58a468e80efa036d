package value

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCompareNulls(t *testing.T) {
	requireT := require.New(t)

	requireT.Zero(Compare(Integer, nil, nil))
	requireT.Equal(-1, Compare(Integer, nil, int32(-100)))
	requireT.Equal(1, Compare(Integer, int32(-100), nil))
}

func TestCompare(t *testing.T) {
	requireT := require.New(t)

	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		t       Type
		low     any
		high    any
		another any
	}{
		{t: Integer, low: int32(-5), high: int32(7), another: int32(-5)},
		{t: BigInt, low: int64(math.MinInt64), high: int64(0), another: int64(math.MinInt64)},
		{t: Double, low: math.NaN(), high: -1.5, another: math.NaN()},
		{t: Varchar, low: "abc", high: "abd", another: "abc"},
		{t: Boolean, low: false, high: true, another: false},
		{t: Binary, low: []byte{0x01}, high: []byte{0x01, 0x00}, another: []byte{0x01}},
		{t: Timestamp, low: ts, high: ts.Add(time.Nanosecond), another: ts.In(time.FixedZone("X", 3600))},
	}

	for _, test := range tests {
		requireT.Equal(-1, Compare(test.t, test.low, test.high), test.t.Name())
		requireT.Equal(1, Compare(test.t, test.high, test.low), test.t.Name())
		requireT.Zero(Compare(test.t, test.low, test.another), test.t.Name())
	}
}

func TestCheck(t *testing.T) {
	requireT := require.New(t)

	types := []Type{Integer, Varchar}
	requireT.NoError(Check(types, []any{int32(1), nil}))
	requireT.Error(Check(types, []any{int64(1), "a"}))
	requireT.Error(Check(types, []any{int32(1)}))
}

func TestRowImage(t *testing.T) {
	requireT := require.New(t)

	types := []Type{Integer, BigInt, Double, Varchar, Boolean, Binary, Timestamp, Varchar}
	data := []any{
		int32(-3),
		int64(1) << 40,
		2.25,
		"zażółć",
		true,
		[]byte{0x00, 0xff},
		time.Unix(1700000000, 123).UTC(),
		nil,
	}

	buf, err := EncodeRow(types, data)
	requireT.NoError(err)

	decoded, err := DecodeRow(types, buf)
	requireT.NoError(err)
	requireT.Equal(data, decoded)

	_, err = DecodeRow(types, buf[:len(buf)-2])
	requireT.Error(err)
}

package value

import (
	"bytes"
	"cmp"
	"encoding/binary"
	"math"
	"time"

	"github.com/pkg/errors"
)

// Type defines total order and binary encoding of column values. Methods never receive nil, NULL values are
// handled by the package-level helpers.
type Type interface {
	Name() string
	Check(v any) error
	Compare(a, b any) int
	Append(buf []byte, v any) []byte
	Decode(buf []byte) (any, int, error)
}

// Column types.
var (
	Integer   Type = integerType{}
	BigInt    Type = bigIntType{}
	Double    Type = doubleType{}
	Varchar   Type = varcharType{}
	Boolean   Type = booleanType{}
	Binary    Type = binaryType{}
	Timestamp Type = timestampType{}
)

// Compare compares values of type t. NULL (nil) is lower than any other value.
func Compare(t Type, a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	default:
		return t.Compare(a, b)
	}
}

// Check verifies that data fits the column types.
func Check(types []Type, data []any) error {
	if len(types) != len(data) {
		return errors.Errorf("row has %d values, %d expected", len(data), len(types))
	}
	for i, t := range types {
		if data[i] == nil {
			continue
		}
		if err := t.Check(data[i]); err != nil {
			return errors.Wrapf(err, "column %d", i)
		}
	}
	return nil
}

// EncodeRow encodes row data. Every value is preceded by the NULL marker.
func EncodeRow(types []Type, data []any) ([]byte, error) {
	if err := Check(types, data); err != nil {
		return nil, err
	}

	buf := make([]byte, 0, 8*len(data))
	for i, t := range types {
		if data[i] == nil {
			buf = append(buf, 0)
			continue
		}
		buf = append(buf, 1)
		buf = t.Append(buf, data[i])
	}
	return buf, nil
}

// DecodeRow decodes row data encoded by EncodeRow.
func DecodeRow(types []Type, buf []byte) ([]any, error) {
	data := make([]any, len(types))
	for i, t := range types {
		if len(buf) == 0 {
			return nil, errors.Errorf("row image truncated at column %d", i)
		}
		marker := buf[0]
		buf = buf[1:]
		if marker == 0 {
			continue
		}

		v, n, err := t.Decode(buf)
		if err != nil {
			return nil, errors.Wrapf(err, "decoding column %d failed", i)
		}
		data[i] = v
		buf = buf[n:]
	}
	return data, nil
}

func typeError(t Type, v any) error {
	return errors.Errorf("value of type %T is not valid for %s", v, t.Name())
}

func fixed(buf []byte, size int) error {
	if len(buf) < size {
		return errors.Errorf("%d bytes expected, %d available", size, len(buf))
	}
	return nil
}

type integerType struct{}

func (t integerType) Name() string { return "INTEGER" }

func (t integerType) Check(v any) error {
	if _, ok := v.(int32); !ok {
		return typeError(t, v)
	}
	return nil
}

func (integerType) Compare(a, b any) int {
	return cmp.Compare(a.(int32), b.(int32))
}

func (integerType) Append(buf []byte, v any) []byte {
	return binary.LittleEndian.AppendUint32(buf, uint32(v.(int32)))
}

func (integerType) Decode(buf []byte) (any, int, error) {
	if err := fixed(buf, 4); err != nil {
		return nil, 0, err
	}
	return int32(binary.LittleEndian.Uint32(buf)), 4, nil
}

type bigIntType struct{}

func (t bigIntType) Name() string { return "BIGINT" }

func (t bigIntType) Check(v any) error {
	if _, ok := v.(int64); !ok {
		return typeError(t, v)
	}
	return nil
}

func (bigIntType) Compare(a, b any) int {
	return cmp.Compare(a.(int64), b.(int64))
}

func (bigIntType) Append(buf []byte, v any) []byte {
	return binary.LittleEndian.AppendUint64(buf, uint64(v.(int64)))
}

func (bigIntType) Decode(buf []byte) (any, int, error) {
	if err := fixed(buf, 8); err != nil {
		return nil, 0, err
	}
	return int64(binary.LittleEndian.Uint64(buf)), 8, nil
}

type doubleType struct{}

func (t doubleType) Name() string { return "DOUBLE" }

func (t doubleType) Check(v any) error {
	if _, ok := v.(float64); !ok {
		return typeError(t, v)
	}
	return nil
}

// Compare orders NaN before any other number.
func (doubleType) Compare(a, b any) int {
	return cmp.Compare(a.(float64), b.(float64))
}

func (doubleType) Append(buf []byte, v any) []byte {
	return binary.LittleEndian.AppendUint64(buf, math.Float64bits(v.(float64)))
}

func (doubleType) Decode(buf []byte) (any, int, error) {
	if err := fixed(buf, 8); err != nil {
		return nil, 0, err
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(buf)), 8, nil
}

type varcharType struct{}

func (t varcharType) Name() string { return "VARCHAR" }

func (t varcharType) Check(v any) error {
	if _, ok := v.(string); !ok {
		return typeError(t, v)
	}
	return nil
}

func (varcharType) Compare(a, b any) int {
	return cmp.Compare(a.(string), b.(string))
}

func (varcharType) Append(buf []byte, v any) []byte {
	s := v.(string)
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

func (varcharType) Decode(buf []byte) (any, int, error) {
	b, n, err := decodeBytes(buf)
	if err != nil {
		return nil, 0, err
	}
	return string(b), n, nil
}

type booleanType struct{}

func (t booleanType) Name() string { return "BOOLEAN" }

func (t booleanType) Check(v any) error {
	if _, ok := v.(bool); !ok {
		return typeError(t, v)
	}
	return nil
}

// Compare orders false before true.
func (booleanType) Compare(a, b any) int {
	av, bv := a.(bool), b.(bool)
	switch {
	case av == bv:
		return 0
	case bv:
		return -1
	default:
		return 1
	}
}

func (booleanType) Append(buf []byte, v any) []byte {
	if v.(bool) {
		return append(buf, 1)
	}
	return append(buf, 0)
}

func (booleanType) Decode(buf []byte) (any, int, error) {
	if err := fixed(buf, 1); err != nil {
		return nil, 0, err
	}
	return buf[0] != 0, 1, nil
}

type binaryType struct{}

func (t binaryType) Name() string { return "BINARY" }

func (t binaryType) Check(v any) error {
	if _, ok := v.([]byte); !ok {
		return typeError(t, v)
	}
	return nil
}

func (binaryType) Compare(a, b any) int {
	return bytes.Compare(a.([]byte), b.([]byte))
}

func (binaryType) Append(buf []byte, v any) []byte {
	b := v.([]byte)
	buf = binary.AppendUvarint(buf, uint64(len(b)))
	return append(buf, b...)
}

func (binaryType) Decode(buf []byte) (any, int, error) {
	b, n, err := decodeBytes(buf)
	if err != nil {
		return nil, 0, err
	}
	return append([]byte{}, b...), n, nil
}

type timestampType struct{}

func (t timestampType) Name() string { return "TIMESTAMP" }

func (t timestampType) Check(v any) error {
	if _, ok := v.(time.Time); !ok {
		return typeError(t, v)
	}
	return nil
}

func (timestampType) Compare(a, b any) int {
	return a.(time.Time).Compare(b.(time.Time))
}

// Append stores the instant with nanosecond precision, location is not preserved.
func (timestampType) Append(buf []byte, v any) []byte {
	return binary.LittleEndian.AppendUint64(buf, uint64(v.(time.Time).UnixNano()))
}

func (timestampType) Decode(buf []byte) (any, int, error) {
	if err := fixed(buf, 8); err != nil {
		return nil, 0, err
	}
	return time.Unix(0, int64(binary.LittleEndian.Uint64(buf))).UTC(), 8, nil
}

func decodeBytes(buf []byte) ([]byte, int, error) {
	length, n := binary.Uvarint(buf)
	if n <= 0 {
		return nil, 0, errors.New("invalid length prefix")
	}
	end := n + int(length)
	if length > uint64(len(buf)) || end > len(buf) {
		return nil, 0, errors.Errorf("%d bytes expected, %d available", length, len(buf)-n)
	}
	return buf[n:end], end, nil
}

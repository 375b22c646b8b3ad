package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrShortBuffer is returned when fixed width data is truncated.
var ErrShortBuffer = errors.New("codec: short buffer")

// String encodes strings as their raw bytes.
type String struct{}

func (String) Encode(v string) ([]byte, error)    { return []byte(v), nil }
func (String) Decode(data []byte) (string, error) { return string(data), nil }
func (String) Name() string                       { return "string" }

// Bytes copies byte slices in both directions so stored data never aliases
// caller or mapped memory.
type Bytes struct{}

func (Bytes) Encode(v []byte) ([]byte, error) { return append([]byte(nil), v...), nil }
func (Bytes) Decode(data []byte) ([]byte, error) {
	return append([]byte(nil), data...), nil
}
func (Bytes) Name() string { return "bytes" }

// Int64 encodes int64 as 8 little endian bytes.
type Int64 struct{}

func (Int64) Encode(v int64) ([]byte, error) {
	return binary.LittleEndian.AppendUint64(nil, uint64(v)), nil
}

func (Int64) Decode(data []byte) (int64, error) {
	if len(data) != 8 {
		return 0, fmt.Errorf("%w: int64 needs 8 bytes, got %d", ErrShortBuffer, len(data))
	}
	return int64(binary.LittleEndian.Uint64(data)), nil
}

func (Int64) Name() string { return "int64" }

// Int encodes int as 8 little endian bytes.
type Int struct{}

func (Int) Encode(v int) ([]byte, error) { return Int64{}.Encode(int64(v)) }

func (Int) Decode(data []byte) (int, error) {
	v, err := Int64{}.Decode(data)
	return int(v), err
}

func (Int) Name() string { return "int" }

// Uint64 encodes uint64 as 8 little endian bytes.
type Uint64 struct{}

func (Uint64) Encode(v uint64) ([]byte, error) {
	return binary.LittleEndian.AppendUint64(nil, v), nil
}

func (Uint64) Decode(data []byte) (uint64, error) {
	if len(data) != 8 {
		return 0, fmt.Errorf("%w: uint64 needs 8 bytes, got %d", ErrShortBuffer, len(data))
	}
	return binary.LittleEndian.Uint64(data), nil
}

func (Uint64) Name() string { return "uint64" }

// Int32 encodes int32 as 4 little endian bytes.
type Int32 struct{}

func (Int32) Encode(v int32) ([]byte, error) {
	return binary.LittleEndian.AppendUint32(nil, uint32(v)), nil
}

func (Int32) Decode(data []byte) (int32, error) {
	if len(data) != 4 {
		return 0, fmt.Errorf("%w: int32 needs 4 bytes, got %d", ErrShortBuffer, len(data))
	}
	return int32(binary.LittleEndian.Uint32(data)), nil
}

func (Int32) Name() string { return "int32" }

// Uint32 encodes uint32 as 4 little endian bytes.
type Uint32 struct{}

func (Uint32) Encode(v uint32) ([]byte, error) {
	return binary.LittleEndian.AppendUint32(nil, v), nil
}

func (Uint32) Decode(data []byte) (uint32, error) {
	if len(data) != 4 {
		return 0, fmt.Errorf("%w: uint32 needs 4 bytes, got %d", ErrShortBuffer, len(data))
	}
	return binary.LittleEndian.Uint32(data), nil
}

func (Uint32) Name() string { return "uint32" }

// Package codec centralizes key and value encoding for the off-heap and disk tiers.
//
// Codecs are chosen at construction time and are part of the persisted format:
// if you change codecs, files written with older codecs may no longer decode.
package codec

import (
	"bytes"
	"fmt"
)

// Codec encodes and decodes values of type T.
// Implementations must be safe for concurrent use and deterministic: equal
// values must encode to equal bytes, because encoded keys drive segment routing.
type Codec[T any] interface {
	Encode(v T) ([]byte, error)
	Decode(data []byte) (T, error)
	Name() string
}

// For returns the built-in codec for T: a binary codec for strings, byte
// slices and fixed width integers, GoJSON for everything else.
func For[T any]() Codec[T] {
	var zero T
	var c any
	switch any(zero).(type) {
	case string:
		c = String{}
	case []byte:
		c = Bytes{}
	case int:
		c = Int{}
	case int64:
		c = Int64{}
	case uint64:
		c = Uint64{}
	case int32:
		c = Int32{}
	case uint32:
		c = Uint32{}
	default:
		return GoJSON[T]{}
	}
	return c.(Codec[T])
}

// Equal reports whether a and b encode to the same bytes.
func Equal[T any](c Codec[T], a, b T) (bool, error) {
	ea, err := c.Encode(a)
	if err != nil {
		return false, err
	}
	eb, err := c.Encode(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ea, eb), nil
}

// MustEncode is a helper for internal tests/benchmarks.
func MustEncode[T any](c Codec[T], v T) []byte {
	b, err := c.Encode(v)
	if err != nil {
		panic(fmt.Errorf("codec %s encode failed: %w", c.Name(), err))
	}
	return b
}

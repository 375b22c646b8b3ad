package codec

import (
	"encoding/json"
)

// JSON is the standard-library JSON codec.
//
// Notes:
// - Map keys are sorted, so encoding is deterministic.
// - Time, complex numbers, funcs, channels, etc may not be supported.
type JSON[T any] struct{}

// Encode encodes the value to JSON.
func (JSON[T]) Encode(v T) ([]byte, error) { return json.Marshal(v) }

// Decode decodes JSON data into a new T.
func (JSON[T]) Decode(data []byte) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}

// Name returns the unique name of the codec ("json").
func (JSON[T]) Name() string { return "json" }

package codec

import gojson "github.com/goccy/go-json"

// GoJSON is a JSON codec backed by github.com/goccy/go-json.
// It is the default for types without a binary codec.
type GoJSON[T any] struct{}

// Encode encodes the value to JSON.
func (GoJSON[T]) Encode(v T) ([]byte, error) { return gojson.Marshal(v) }

// Decode decodes JSON data into a new T.
func (GoJSON[T]) Decode(data []byte) (T, error) {
	var v T
	err := gojson.Unmarshal(data, &v)
	return v, err
}

// Name returns the unique name of the codec ("go-json").
func (GoJSON[T]) Name() string { return "go-json" }

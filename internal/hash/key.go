package hash

import "github.com/cespare/xxhash/v2"

// Key hashes an encoded key with xxHash64.
// The result is stable across processes, which persistent segment routing
// depends on.
func Key(encoded []byte) uint64 {
	return xxhash.Sum64(encoded)
}

// Segment maps an encoded key onto one of n segments.
func Segment(encoded []byte, n int) int {
	if n <= 1 {
		return 0
	}
	return int(Key(encoded) % uint64(n))
}

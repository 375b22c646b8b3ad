package tier

import (
	"context"
	"iter"

	"github.com/hupe1980/tiercache/internal/segment"
)

// AuthoritativeTier is the tier of record.
type AuthoritativeTier[K comparable, V any] interface {
	Get(key K) (*Holder[V], error)
	// GetAndFault reads key and pins it until Flush.
	GetAndFault(key K) (*Holder[V], error)
	// Flush unpins the entry h was faulted from and writes back its hits,
	// access time and expiry.
	// It reports false when the entry was replaced or removed meanwhile.
	Flush(key K, h *Holder[V]) (bool, error)
	Access(key K) (*Holder[V], error)
	Put(key K, value V) (*Holder[V], error)
	PutIfAbsent(key K, value V) (*Holder[V], error)
	Remove(key K) (*Holder[V], error)
	RemoveIf(key K, expected V) (bool, error)
	ContainsKey(key K) (bool, error)
	All() iter.Seq2[K, *Holder[V]]
	Len() int
	Stats() segment.Stats
	Sync(ctx context.Context) error
	Close() error
}

// Authoritative is the tier of record over one segmented store. Durable
// engines sync on close.
type Authoritative[K comparable, V any] struct {
	*segment.Store[K, V]
}

// NewAuthoritative wraps store.
func NewAuthoritative[K comparable, V any](store *segment.Store[K, V]) *Authoritative[K, V] {
	return &Authoritative[K, V]{Store: store}
}

var _ AuthoritativeTier[string, string] = (*Authoritative[string, string])(nil)

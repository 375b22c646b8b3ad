package tier

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/hupe1980/tiercache/internal/errs"
	"github.com/hupe1980/tiercache/internal/segment"
)

// Holder is the value snapshot exchanged between tiers.
type Holder[V any] = segment.Holder[V]

// FaultFunc loads the holder of an absent key from a lower tier. A nil
// holder means the key does not exist.
type FaultFunc[K comparable, V any] func(key K) (*Holder[V], error)

// CachingTier is a tier in front of an authoritative tier.
type CachingTier[K comparable, V any] interface {
	// GetOrComputeIfAbsent returns the cached holder of key or installs the
	// one returned by fault. Concurrent callers for the same key share one
	// fault.
	GetOrComputeIfAbsent(key K, fault FaultFunc[K, V]) (*Holder[V], error)
	// Access records a hit on a cached entry.
	Access(key K) (*Holder[V], error)
	// Remove drops key without notifying the invalidation listener.
	Remove(key K) error
	// Invalidate drops key and hands the dropped holder to the invalidation
	// listener.
	Invalidate(key K) error
	// SetInvalidationListener sets the listener receiving evicted and
	// invalidated holders.
	SetInvalidationListener(fn segment.Listener[K, V])
	// Range calls fn for every cached entry. fn may be called from several
	// goroutines at once.
	Range(ctx context.Context, fn func(K, *Holder[V]) error) error
	Len() int
	Stats() segment.Stats
	Close() error
}

// Caching is a caching tier over one segmented store.
type Caching[K comparable, V any] struct {
	store    *segment.Store[K, V]
	flight   singleflight.Group
	listener atomic.Pointer[segment.Listener[K, V]]
	logger   *slog.Logger
}

// NewCaching wraps store. The store's eviction listener is taken over by
// the tier.
func NewCaching[K comparable, V any](store *segment.Store[K, V], logger *slog.Logger) *Caching[K, V] {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	c := &Caching[K, V]{store: store, logger: logger}
	store.SetListener(c.invalidated)
	return c
}

func (c *Caching[K, V]) invalidated(key K, h *Holder[V]) {
	if fn := c.listener.Load(); fn != nil {
		(*fn)(key, h)
	}
}

// SetInvalidationListener implements CachingTier.
func (c *Caching[K, V]) SetInvalidationListener(fn segment.Listener[K, V]) {
	if fn == nil {
		c.listener.Store(nil)
		return
	}
	c.listener.Store(&fn)
}

// GetOrComputeIfAbsent implements CachingTier. A holder that cannot be
// installed for lack of space is still returned.
func (c *Caching[K, V]) GetOrComputeIfAbsent(key K, fault FaultFunc[K, V]) (*Holder[V], error) {
	if h, err := c.store.Get(key); err != nil || h != nil {
		return h, err
	}

	kb, err := c.store.Keys().Encode(key)
	if err != nil {
		return nil, err
	}

	v, err, _ := c.flight.Do(string(kb), func() (any, error) {
		if h, err := c.store.Get(key); err != nil || h != nil {
			return h, err
		}
		h, err := fault(key)
		if err != nil || h == nil {
			return h, err
		}
		if err := c.store.Install(key, h); err != nil {
			if !errors.Is(err, errs.ErrAllocationExhausted) {
				return nil, err
			}
			c.logger.Debug("caching tier full, install dropped", "error", err)
		}
		return h, nil
	})
	if err != nil {
		return nil, err
	}
	h, _ := v.(*Holder[V])
	return h, nil
}

// Access implements CachingTier.
func (c *Caching[K, V]) Access(key K) (*Holder[V], error) {
	return c.store.Access(key)
}

// Get returns the cached holder of key without recording a hit.
func (c *Caching[K, V]) Get(key K) (*Holder[V], error) {
	return c.store.Get(key)
}

// Install caches h as is.
func (c *Caching[K, V]) Install(key K, h *Holder[V]) error {
	return c.store.Install(key, h)
}

// Take removes and returns the cached holder of key.
func (c *Caching[K, V]) Take(key K) (*Holder[V], error) {
	return c.store.Remove(key)
}

// Remove implements CachingTier.
func (c *Caching[K, V]) Remove(key K) error {
	_, err := c.store.Remove(key)
	return err
}

// Invalidate implements CachingTier.
func (c *Caching[K, V]) Invalidate(key K) error {
	h, err := c.store.Remove(key)
	if err != nil {
		return err
	}
	if h != nil {
		c.invalidated(key, h)
	}
	return nil
}

// Range implements CachingTier.
func (c *Caching[K, V]) Range(ctx context.Context, fn func(K, *Holder[V]) error) error {
	return c.store.Range(ctx, fn)
}

func (c *Caching[K, V]) Len() int             { return c.store.Len() }
func (c *Caching[K, V]) Stats() segment.Stats { return c.store.Stats() }
func (c *Caching[K, V]) Close() error         { return c.store.Close() }

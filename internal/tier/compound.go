package tier

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/hupe1980/tiercache/internal/segment"
)

// Compound stacks a higher caching tier over a lower one. Entries evicted
// from the higher tier are demoted into the lower tier; lower tier hits are
// promoted back up. Only the lower tier's evictions reach the invalidation
// listener.
type Compound[K comparable, V any] struct {
	higher   *Caching[K, V]
	lower    *Caching[K, V]
	listener atomic.Pointer[segment.Listener[K, V]]
	logger   *slog.Logger
}

// NewCompound composes higher over lower. It takes over the invalidation
// listeners of both tiers.
func NewCompound[K comparable, V any](higher, lower *Caching[K, V], logger *slog.Logger) *Compound[K, V] {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	c := &Compound[K, V]{higher: higher, lower: lower, logger: logger}
	higher.SetInvalidationListener(c.demote)
	lower.SetInvalidationListener(c.invalidated)
	return c
}

func (c *Compound[K, V]) invalidated(key K, h *Holder[V]) {
	if fn := c.listener.Load(); fn != nil {
		(*fn)(key, h)
	}
}

func (c *Compound[K, V]) demote(key K, h *Holder[V]) {
	if err := c.lower.Install(key, h); err != nil {
		c.logger.Debug("demotion failed", "error", err)
		c.invalidated(key, h)
	}
}

// SetInvalidationListener implements CachingTier.
func (c *Compound[K, V]) SetInvalidationListener(fn segment.Listener[K, V]) {
	if fn == nil {
		c.listener.Store(nil)
		return
	}
	c.listener.Store(&fn)
}

// GetOrComputeIfAbsent implements CachingTier. A miss in the higher tier
// first takes the entry out of the lower tier and only then faults.
func (c *Compound[K, V]) GetOrComputeIfAbsent(key K, fault FaultFunc[K, V]) (*Holder[V], error) {
	return c.higher.GetOrComputeIfAbsent(key, func(k K) (*Holder[V], error) {
		h, err := c.lower.Take(k)
		if err != nil || h != nil {
			return h, err
		}
		return fault(k)
	})
}

// Access implements CachingTier.
func (c *Compound[K, V]) Access(key K) (*Holder[V], error) {
	h, err := c.higher.Access(key)
	if err != nil || h != nil {
		return h, err
	}
	return c.lower.Access(key)
}

// Remove implements CachingTier.
func (c *Compound[K, V]) Remove(key K) error {
	return errors.Join(c.higher.Remove(key), c.lower.Remove(key))
}

// Invalidate implements CachingTier. The higher copy is dropped without
// demotion.
func (c *Compound[K, V]) Invalidate(key K) error {
	h, err := c.higher.Take(key)
	if err != nil {
		return err
	}
	if h != nil {
		c.invalidated(key, h)
	}
	return c.lower.Invalidate(key)
}

// Range implements CachingTier, visiting the higher tier first.
func (c *Compound[K, V]) Range(ctx context.Context, fn func(K, *Holder[V]) error) error {
	if err := c.higher.Range(ctx, fn); err != nil {
		return err
	}
	return c.lower.Range(ctx, fn)
}

// Len implements CachingTier.
func (c *Compound[K, V]) Len() int {
	return c.higher.Len() + c.lower.Len()
}

// Stats implements CachingTier by summing both tiers.
func (c *Compound[K, V]) Stats() segment.Stats {
	h, l := c.higher.Stats(), c.lower.Stats()
	return segment.Stats{
		Entries:       h.Entries + l.Entries,
		Weight:        h.Weight + l.Weight,
		Capacity:      h.Capacity + l.Capacity,
		Evictions:     l.Evictions,
		Expirations:   h.Expirations + l.Expirations,
		AllocRetries:  h.AllocRetries + l.AllocRetries,
		AllocFailures: h.AllocFailures + l.AllocFailures,
	}
}

// Close closes both tiers.
func (c *Compound[K, V]) Close() error {
	return errors.Join(c.higher.Close(), c.lower.Close())
}

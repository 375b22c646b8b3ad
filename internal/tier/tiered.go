package tier

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/tiercache/internal/errs"
	"github.com/hupe1980/tiercache/internal/segment"
)

// Stats combines the counters of both tiers.
type Stats struct {
	Caching       segment.Stats
	Authoritative segment.Stats
	Faults        uint64
	LostFlushes   uint64
}

// Tiered runs the fault/flush protocol between a caching tier and the
// authoritative tier. Without a caching tier reads go straight to the
// authoritative tier.
type Tiered[K comparable, V any] struct {
	caching  CachingTier[K, V]
	auth     AuthoritativeTier[K, V]
	logger   *slog.Logger
	faults   atomic.Uint64
	lost     atomic.Uint64
	released atomic.Bool
}

// NewTiered composes caching over auth. caching may be nil. Holders evicted
// from the caching tier are flushed into auth.
func NewTiered[K comparable, V any](caching CachingTier[K, V], auth AuthoritativeTier[K, V], logger *slog.Logger) *Tiered[K, V] {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	t := &Tiered[K, V]{caching: caching, auth: auth, logger: logger}
	if caching != nil {
		caching.SetInvalidationListener(t.flushDown)
	}
	return t
}

func (t *Tiered[K, V]) flushDown(key K, h *Holder[V]) {
	ok, err := t.auth.Flush(key, h)
	if err != nil {
		if !errors.Is(err, errs.ErrClosed) {
			t.logger.Warn("flush of invalidated entry failed", "error", err)
		}
		return
	}
	if !ok {
		t.lost.Add(1)
	}
}

// Get returns the holder of key and records a hit.
func (t *Tiered[K, V]) Get(key K) (*Holder[V], error) {
	if t.caching == nil {
		return t.auth.Access(key)
	}

	var faulted *Holder[V]
	h, err := t.caching.GetOrComputeIfAbsent(key, func(k K) (*Holder[V], error) {
		fh, err := t.auth.GetAndFault(k)
		faulted = fh
		return fh, err
	})

	if faulted != nil {
		t.faults.Add(1)
		ok, ferr := t.auth.Flush(key, faulted)
		if ferr != nil {
			return nil, errors.Join(err, ferr)
		}
		if !ok {
			// Replaced while pinned; the cached copy is stale.
			t.lost.Add(1)
			if rerr := t.caching.Remove(key); rerr != nil {
				return nil, errors.Join(err, rerr)
			}
			return h, err
		}
	}
	if err != nil || h == nil {
		return h, err
	}

	accessed, err := t.caching.Access(key)
	if err != nil {
		return nil, err
	}
	if accessed == nil {
		// The install was dropped or the copy evicted right after it. Its
		// hits are already down; record this one there too.
		if ah, err := t.auth.Access(key); err != nil || ah != nil {
			return ah, err
		}
		return h, nil
	}
	if accessed.Meta().Expires != h.Meta().Expires {
		return t.writeBack(key, accessed)
	}
	return accessed, nil
}

// writeBack flushes an idle timeout extended in the caching tier, so the
// authoritative copy does not expire while it is being read.
func (t *Tiered[K, V]) writeBack(key K, h *Holder[V]) (*Holder[V], error) {
	ok, err := t.auth.Flush(key, h)
	if err != nil {
		return nil, err
	}
	if !ok {
		t.lost.Add(1)
		return h, t.caching.Remove(key)
	}
	return h, nil
}

// Put writes value to the authoritative tier and invalidates the cached
// copy. Hits recorded on the cached copy are flushed down first and carry
// over to the new value.
func (t *Tiered[K, V]) Put(key K, value V) error {
	if err := t.invalidate(key); err != nil {
		return err
	}
	if _, err := t.auth.Put(key, value); err != nil {
		return err
	}
	// Drops a copy faulted in between.
	return t.invalidate(key)
}

// PutIfAbsent stores value unless key exists and returns the existing
// holder, if any.
func (t *Tiered[K, V]) PutIfAbsent(key K, value V) (*Holder[V], error) {
	old, err := t.auth.PutIfAbsent(key, value)
	if err != nil || old != nil {
		return old, err
	}
	return nil, t.invalidate(key)
}

// Remove deletes key from both tiers and reports whether it existed.
func (t *Tiered[K, V]) Remove(key K) (bool, error) {
	old, err := t.auth.Remove(key)
	if err != nil {
		return false, err
	}
	return old != nil, t.drop(key)
}

// RemoveIf deletes key if its value equals expected.
func (t *Tiered[K, V]) RemoveIf(key K, expected V) (bool, error) {
	removed, err := t.auth.RemoveIf(key, expected)
	if err != nil || !removed {
		return removed, err
	}
	return true, t.drop(key)
}

func (t *Tiered[K, V]) invalidate(key K) error {
	if t.caching == nil {
		return nil
	}
	return t.caching.Invalidate(key)
}

func (t *Tiered[K, V]) drop(key K) error {
	if t.caching == nil {
		return nil
	}
	return t.caching.Remove(key)
}

// ContainsKey reports whether the authoritative tier holds key.
func (t *Tiered[K, V]) ContainsKey(key K) (bool, error) {
	return t.auth.ContainsKey(key)
}

// All iterates over the authoritative entries. Cached copies of the same
// write take precedence, so hits not yet flushed are visible.
func (t *Tiered[K, V]) All() iter.Seq2[K, *Holder[V]] {
	return func(yield func(K, *Holder[V]) bool) {
		var mu sync.Mutex
		cached := make(map[K]*Holder[V])
		if t.caching != nil {
			_ = t.caching.Range(context.Background(), func(k K, h *Holder[V]) error {
				mu.Lock()
				defer mu.Unlock()
				cached[k] = h
				return nil
			})
		}
		for k, h := range t.auth.All() {
			if c, ok := cached[k]; ok && c.ID() == h.ID() {
				h = c
			}
			if !yield(k, h) {
				return
			}
		}
	}
}

// Len returns the number of authoritative entries.
func (t *Tiered[K, V]) Len() int {
	return t.auth.Len()
}

// Stats returns a snapshot of both tiers.
func (t *Tiered[K, V]) Stats() Stats {
	s := Stats{
		Authoritative: t.auth.Stats(),
		Faults:        t.faults.Load(),
		LostFlushes:   t.lost.Load(),
	}
	if t.caching != nil {
		s.Caching = t.caching.Stats()
	}
	return s
}

// Flush writes every cached holder back to the authoritative tier and syncs
// it. Segments are flushed in parallel.
func (t *Tiered[K, V]) Flush(ctx context.Context) error {
	if t.caching != nil {
		err := t.caching.Range(ctx, func(k K, h *Holder[V]) error {
			ok, err := t.auth.Flush(k, h)
			if err == nil && !ok {
				t.lost.Add(1)
			}
			return err
		})
		if err != nil {
			return fmt.Errorf("flush caching tier: %w", err)
		}
	}
	return t.auth.Sync(ctx)
}

// Release flushes the caching tier down and closes both tiers. Later calls
// return nil.
func (t *Tiered[K, V]) Release(ctx context.Context) error {
	if !t.released.CompareAndSwap(false, true) {
		return nil
	}

	var flushErr error
	if t.caching != nil {
		flushErr = t.caching.Range(ctx, func(k K, h *Holder[V]) error {
			_, err := t.auth.Flush(k, h)
			return err
		})
		if flushErr != nil {
			t.logger.Error("releasing caching tier", "error", flushErr)
		}
		t.caching.SetInvalidationListener(nil)
		flushErr = errors.Join(flushErr, t.caching.Close())
	}
	return errors.Join(flushErr, t.auth.Close())
}

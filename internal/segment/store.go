package segment

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/tiercache/codec"
	"github.com/hupe1980/tiercache/internal/hash"
)

// DefaultSegments is the default segment count of a Store.
const DefaultSegments = 16

// Counters are the store-wide event counters shared by all segments.
type Counters struct {
	Evictions     atomic.Uint64
	Expirations   atomic.Uint64
	AllocRetries  atomic.Uint64
	AllocFailures atomic.Uint64
}

// Stats is a point-in-time view of a Store.
type Stats struct {
	Entries       int
	Weight        int64
	Capacity      int64
	Evictions     uint64
	Expirations   uint64
	AllocRetries  uint64
	AllocFailures uint64
}

// StoreConfig configures a Store.
type StoreConfig[K comparable, V any] struct {
	// Segments is the fixed number of segments.
	Segments int
	// Capacity is split evenly across segments, rounding up.
	Capacity  int64
	TableSize int
	// Keys encodes keys for routing. Required.
	Keys     codec.Codec[K]
	Equal    func(a, b V) bool
	Veto     func(K, V) bool
	Listener Listener[K, V]
	Expiry   Expiry
	Clock    Clock
	Logger   *slog.Logger
}

// EngineFactory creates the engine of segment id.
type EngineFactory[K comparable, V any] func(id int) (Engine[K, V], error)

// Store is a fixed array of segments addressed by key hash.
type Store[K comparable, V any] struct {
	segments []*Segment[K, V]
	keys     codec.Codec[K]
	counters *Counters
	capacity int64
	logger   *slog.Logger
}

// NewStore creates a store and one engine per segment.
func NewStore[K comparable, V any](cfg StoreConfig[K, V], newEngine EngineFactory[K, V]) (*Store[K, V], error) {
	if cfg.Keys == nil {
		return nil, errors.New("segment: key codec is required")
	}
	if cfg.Segments <= 0 {
		cfg.Segments = DefaultSegments
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	var perSegment int64
	if cfg.Capacity > 0 {
		perSegment = max(1, (cfg.Capacity+int64(cfg.Segments)-1)/int64(cfg.Segments))
	}

	s := &Store[K, V]{
		segments: make([]*Segment[K, V], 0, cfg.Segments),
		keys:     cfg.Keys,
		counters: &Counters{},
		capacity: cfg.Capacity,
		logger:   cfg.Logger,
	}

	for id := range cfg.Segments {
		engine, err := newEngine(id)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("segment %d: %w", id, err)
		}
		seg, err := New(Config[K, V]{
			ID:        id,
			Capacity:  perSegment,
			TableSize: cfg.TableSize,
			Veto:      cfg.Veto,
			Equal:     cfg.Equal,
			Listener:  cfg.Listener,
			Expiry:    cfg.Expiry,
			Clock:     cfg.Clock,
			Counters:  s.counters,
			Logger:    cfg.Logger,
		}, engine)
		if err != nil {
			_ = engine.Close()
			_ = s.Close()
			return nil, err
		}
		s.segments = append(s.segments, seg)
	}

	return s, nil
}

func (s *Store[K, V]) segmentFor(key K) (*Segment[K, V], error) {
	if len(s.segments) == 1 {
		return s.segments[0], nil
	}
	b, err := s.keys.Encode(key)
	if err != nil {
		return nil, fmt.Errorf("segment: encode key: %w", err)
	}
	return s.segments[hash.Segment(b, len(s.segments))], nil
}

// Keys returns the key codec.
func (s *Store[K, V]) Keys() codec.Codec[K] { return s.keys }

// Segments returns the segments in routing order.
func (s *Store[K, V]) Segments() []*Segment[K, V] { return s.segments }

// SetListener replaces the eviction listener of every segment.
func (s *Store[K, V]) SetListener(fn Listener[K, V]) {
	for _, seg := range s.segments {
		seg.SetListener(fn)
	}
}

// Get returns the live entry for key.
func (s *Store[K, V]) Get(key K) (*Holder[V], error) {
	seg, err := s.segmentFor(key)
	if err != nil {
		return nil, err
	}
	return seg.Get(key)
}

// ContainsKey reports whether key has a live entry.
func (s *Store[K, V]) ContainsKey(key K) (bool, error) {
	h, err := s.Get(key)
	return h != nil, err
}

// Access records a hit on key.
func (s *Store[K, V]) Access(key K) (*Holder[V], error) {
	seg, err := s.segmentFor(key)
	if err != nil {
		return nil, err
	}
	return seg.Access(key)
}

// Put stores value under key and returns the replaced entry.
func (s *Store[K, V]) Put(key K, value V) (*Holder[V], error) {
	seg, err := s.segmentFor(key)
	if err != nil {
		return nil, err
	}
	return seg.Put(key, value)
}

// PutPinned stores value under key pinned.
func (s *Store[K, V]) PutPinned(key K, value V) (*Holder[V], error) {
	seg, err := s.segmentFor(key)
	if err != nil {
		return nil, err
	}
	return seg.PutPinned(key, value)
}

// PutIfAbsent stores value unless key is present and returns the existing entry.
func (s *Store[K, V]) PutIfAbsent(key K, value V) (*Holder[V], error) {
	seg, err := s.segmentFor(key)
	if err != nil {
		return nil, err
	}
	return seg.PutIfAbsent(key, value)
}

// Install stores a holder from another tier, keeping its metadata.
func (s *Store[K, V]) Install(key K, h *Holder[V]) error {
	seg, err := s.segmentFor(key)
	if err != nil {
		return err
	}
	return seg.Install(key, h)
}

// Remove deletes key and returns the removed entry.
func (s *Store[K, V]) Remove(key K) (*Holder[V], error) {
	seg, err := s.segmentFor(key)
	if err != nil {
		return nil, err
	}
	return seg.Remove(key)
}

// RemoveIf deletes key if its value equals expected.
func (s *Store[K, V]) RemoveIf(key K, expected V) (bool, error) {
	seg, err := s.segmentFor(key)
	if err != nil {
		return false, err
	}
	return seg.RemoveIf(key, expected)
}

// GetAndFault returns and pins the entry for key.
func (s *Store[K, V]) GetAndFault(key K) (*Holder[V], error) {
	seg, err := s.segmentFor(key)
	if err != nil {
		return nil, err
	}
	return seg.GetAndFault(key)
}

// Flush unpins key and writes back h's hits. False means a lost race.
func (s *Store[K, V]) Flush(key K, h *Holder[V]) (bool, error) {
	seg, err := s.segmentFor(key)
	if err != nil {
		return false, err
	}
	return seg.Flush(key, h)
}

// Len returns the number of entries.
func (s *Store[K, V]) Len() int {
	n := 0
	for _, seg := range s.segments {
		n += seg.Len()
	}
	return n
}

// Weight returns the summed entry weight.
func (s *Store[K, V]) Weight() int64 {
	var w int64
	for _, seg := range s.segments {
		w += seg.Weight()
	}
	return w
}

// All iterates over a per-segment snapshot of the live entries.
// Segments whose values cannot be read are logged and skipped.
func (s *Store[K, V]) All() iter.Seq2[K, *Holder[V]] {
	return func(yield func(K, *Holder[V]) bool) {
		for _, seg := range s.segments {
			entries, err := seg.Snapshot()
			if err != nil {
				s.logger.Warn("segment snapshot failed", "segment", seg.cfg.ID, "error", err)
				continue
			}
			for _, e := range entries {
				if !yield(e.Key, e.Holder) {
					return
				}
			}
		}
	}
}

// Range calls fn for every live entry, one goroutine per segment, so fn
// must be safe for concurrent use.
func (s *Store[K, V]) Range(ctx context.Context, fn func(K, *Holder[V]) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, seg := range s.segments {
		g.Go(func() error {
			entries, err := seg.Snapshot()
			if err != nil {
				return err
			}
			for _, e := range entries {
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := fn(e.Key, e.Holder); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// Sync syncs all segments in parallel.
func (s *Store[K, V]) Sync(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, seg := range s.segments {
		g.Go(func() error { return seg.Sync(ctx) })
	}
	return g.Wait()
}

// Close closes all segments.
func (s *Store[K, V]) Close() error {
	var errs []error
	for _, seg := range s.segments {
		errs = append(errs, seg.Close())
	}
	return errors.Join(errs...)
}

// Stats returns a snapshot of the store counters.
func (s *Store[K, V]) Stats() Stats {
	return Stats{
		Entries:       s.Len(),
		Weight:        s.Weight(),
		Capacity:      s.capacity,
		Evictions:     s.counters.Evictions.Load(),
		Expirations:   s.counters.Expirations.Load(),
		AllocRetries:  s.counters.AllocRetries.Load(),
		AllocFailures: s.counters.AllocFailures.Load(),
	}
}

package tiercache

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/hupe1980/tiercache/codec"
	"github.com/hupe1980/tiercache/internal/arena"
	"github.com/hupe1980/tiercache/internal/disk"
	"github.com/hupe1980/tiercache/internal/offheap"
	"github.com/hupe1980/tiercache/internal/segment"
	"github.com/hupe1980/tiercache/internal/tier"
	"github.com/hupe1980/tiercache/resource"
)

// ValueHolder is an immutable snapshot of an entry: its value, hit count
// and timestamps.
type ValueHolder[V any] = segment.Holder[V]

// TierStats is a point-in-time view of one tier.
type TierStats = segment.Stats

// Stats is a point-in-time view of a store.
type Stats struct {
	// Caching is zero for a single tier store.
	Caching       TierStats
	Authoritative TierStats
	// Faults counts entries loaded into the caching tier.
	Faults uint64
	// LostFlushes counts flushes of entries replaced in the meantime.
	LostFlushes uint64
}

// Store is a tiered cache. The lowest configured tier holds every entry;
// the tiers above it cache the entries read most recently.
type Store[K comparable, V any] struct {
	tiered  *tier.Tiered[K, V]
	pools   *resource.Pools
	values  codec.Codec[V]
	metrics MetricsCollector
	logger  *Logger
	closed  atomic.Bool
}

// New creates a store over pools. With a single pool the store has one
// tier. Otherwise the lowest pool is the tier of record and the pools above
// it form the caching tier.
//
// Example:
//
//	pools, _ := resource.NewPools(resource.Heap(10_000, resource.Entries), resource.OffHeap(256*resource.MB))
//	store, _ := tiercache.New[string, string](pools)
//	defer store.Close(context.Background())
func New[K comparable, V any](pools *resource.Pools, optFns ...Option) (*Store[K, V], error) {
	o := applyOptions(optFns)
	ctx := context.Background()

	s, err := newStore[K, V](pools, o)
	if err != nil {
		o.logger.LogOpen(ctx, pools.String(), 0, err)
		return nil, err
	}
	o.logger.LogOpen(ctx, pools.String(), s.tiered.Len(), nil)
	return s, nil
}

func newStore[K comparable, V any](pools *resource.Pools, o options) (*Store[K, V], error) {
	kinds := pools.Kinds()
	if len(kinds) == 0 {
		return nil, fmt.Errorf("%w: no pools", ErrConfigurationInvalid)
	}
	if o.segments <= 0 {
		return nil, fmt.Errorf("%w: segments must be positive, got %d", ErrConfigurationInvalid, o.segments)
	}
	if _, ok := pools.Pool(resource.KindDisk); ok && o.dir == "" {
		return nil, fmt.Errorf("%w: disk pool requires a persistence directory", ErrConfigurationInvalid)
	}

	b, err := newBuilder[K, V](o)
	if err != nil {
		return nil, err
	}

	stores := make([]*segment.Store[K, V], 0, len(kinds))
	closeAll := func() {
		for _, st := range stores {
			_ = st.Close()
		}
	}
	for i, kind := range kinds {
		p, _ := pools.Pool(kind)
		st, err := b.store(p, i == len(kinds)-1)
		if err != nil {
			closeAll()
			return nil, translateError("open", err)
		}
		stores = append(stores, st)
	}

	auth := tier.NewAuthoritative(stores[len(stores)-1])
	var caching tier.CachingTier[K, V]
	switch len(stores) {
	case 1:
	case 2:
		caching = tier.NewCaching(stores[0], o.logger.WithTier(kinds[0].String()).Logger)
	default:
		caching = tier.NewCompound(
			tier.NewCaching(stores[0], o.logger.WithTier(kinds[0].String()).Logger),
			tier.NewCaching(stores[1], o.logger.WithTier(kinds[1].String()).Logger),
			o.logger.Logger,
		)
	}

	return &Store[K, V]{
		tiered:  tier.NewTiered(caching, auth, o.logger.Logger),
		pools:   pools,
		values:  b.values,
		metrics: o.metricsCollector,
		logger:  o.logger,
	}, nil
}

// builder creates one segment store per pool.
type builder[K comparable, V any] struct {
	o        options
	keys     codec.Codec[K]
	values   codec.Codec[V]
	stored   codec.Codec[V]
	veto     func(K, V) bool
	listener func(K, *ValueHolder[V])
	expiry   segment.Expiry
	clock    segment.Clock
}

func newBuilder[K comparable, V any](o options) (*builder[K, V], error) {
	b := &builder[K, V]{
		o:      o,
		keys:   codec.For[K](),
		values: codec.For[V](),
		expiry: segment.Expiry{TTL: o.ttl, TTI: o.tti},
	}

	if o.keyCodec != nil {
		c, ok := o.keyCodec.(codec.Codec[K])
		if !ok {
			return nil, fmt.Errorf("%w: key codec is %T, want codec.Codec[%T]", ErrConfigurationInvalid, o.keyCodec, *new(K))
		}
		b.keys = c
	}
	if o.valueCodec != nil {
		c, ok := o.valueCodec.(codec.Codec[V])
		if !ok {
			return nil, fmt.Errorf("%w: value codec is %T, want codec.Codec[%T]", ErrConfigurationInvalid, o.valueCodec, *new(V))
		}
		b.values = c
	}
	if o.veto != nil {
		fn, ok := o.veto.(func(K, V) bool)
		if !ok {
			return nil, fmt.Errorf("%w: eviction veto is %T", ErrConfigurationInvalid, o.veto)
		}
		b.veto = fn
	}
	if o.listener != nil {
		fn, ok := o.listener.(func(K, *ValueHolder[V]))
		if !ok {
			return nil, fmt.Errorf("%w: eviction listener is %T", ErrConfigurationInvalid, o.listener)
		}
		b.listener = fn
	}
	if o.clock != nil {
		now := o.clock
		b.clock = func() int64 { return now().UnixNano() }
	}

	b.stored = b.values
	if o.compression != codec.CompressionNone {
		b.stored = codec.NewCompressed(b.values, o.compression)
	}
	return b, nil
}

func (b *builder[K, V]) equal(x, y V) bool {
	ok, err := codec.Equal(b.values, x, y)
	return err == nil && ok
}

func (b *builder[K, V]) weigh(k K, v V) int64 {
	kb, err := b.keys.Encode(k)
	if err != nil {
		return 1
	}
	vb, err := b.values.Encode(v)
	if err != nil {
		return int64(len(kb))
	}
	return int64(len(kb) + len(vb))
}

func (b *builder[K, V]) store(p resource.Pool, authoritative bool) (*segment.Store[K, V], error) {
	cfg := segment.StoreConfig[K, V]{
		Segments:  b.o.segments,
		Capacity:  int64(p.Size()),
		TableSize: b.o.tableSize,
		Keys:      b.keys,
		Equal:     b.equal,
		Veto:      b.veto,
		Expiry:    b.expiry,
		Clock:     b.clock,
		Logger:    b.o.logger.WithTier(p.Kind().String()).Logger,
	}
	if authoritative {
		cfg.Listener = b.evicted
	}

	newEngine, err := b.engines(p)
	if err != nil {
		return nil, err
	}
	return segment.NewStore(cfg, newEngine)
}

func (b *builder[K, V]) evicted(k K, h *ValueHolder[V]) {
	b.o.metricsCollector.RecordEviction()
	if b.listener != nil {
		b.listener(k, h)
	}
}

func (b *builder[K, V]) engines(p resource.Pool) (segment.EngineFactory[K, V], error) {
	switch p.Kind() {
	case resource.KindHeap:
		var weigh func(K, V) int64
		if p.Unit() == resource.Bytes {
			weigh = b.weigh
		}
		return func(int) (segment.Engine[K, V], error) {
			return segment.NewHeapEngine(weigh), nil
		}, nil

	case resource.KindOffHeap:
		budget := resource.NewController(resource.Config{LimitBytes: int64(p.Size())})
		chunk := min(arena.DefaultChunkSize, max(4096, int(p.Size())/(b.o.segments*4)))
		return func(int) (segment.Engine[K, V], error) {
			a := arena.New(arena.WithBudget(budget), arena.WithChunkSize(chunk))
			return offheap.New[K](a, b.stored), nil
		}, nil

	case resource.KindDisk:
		budget := resource.NewController(resource.Config{
			LimitBytes:         int64(p.Size()),
			IOLimitBytesPerSec: b.o.ioLimit,
		})
		space := b.o.space
		if space == "" {
			space = "default"
		}
		dir := filepath.Join(b.o.dir, space)
		logger := b.o.logger.WithSpace(space).Logger
		return func(id int) (segment.Engine[K, V], error) {
			e, err := disk.Open(disk.Config{
				Dir:        dir,
				ID:         id,
				Segments:   b.o.segments,
				Persistent: p.Persistent(),
				Budget:     budget,
				Logger:     logger,
			}, b.keys, b.stored)
			if err != nil {
				return nil, err
			}
			return e, nil
		}, nil

	default:
		return nil, fmt.Errorf("%w: unsupported pool kind %s", ErrConfigurationInvalid, p.Kind())
	}
}

// Get returns the entry of key, or nil if it is absent or expired, and
// records a hit.
func (s *Store[K, V]) Get(key K) (*ValueHolder[V], error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	start := time.Now()
	h, err := s.tiered.Get(key)
	err = translateError("get", err)
	s.metrics.RecordGet(h != nil, time.Since(start), err)
	return h, err
}

// Put stores value under key. The hit count of a replaced entry is kept.
func (s *Store[K, V]) Put(key K, value V) error {
	if s.closed.Load() {
		return ErrClosed
	}
	start := time.Now()
	err := translateError("put", s.tiered.Put(key, value))
	s.metrics.RecordPut(time.Since(start), err)
	return err
}

// PutIfAbsent stores value unless key is present and returns the present
// entry, if any.
func (s *Store[K, V]) PutIfAbsent(key K, value V) (*ValueHolder[V], error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	start := time.Now()
	h, err := s.tiered.PutIfAbsent(key, value)
	err = translateError("put-if-absent", err)
	s.metrics.RecordPut(time.Since(start), err)
	return h, err
}

// Remove deletes key and reports whether it was present.
func (s *Store[K, V]) Remove(key K) (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}
	start := time.Now()
	ok, err := s.tiered.Remove(key)
	err = translateError("remove", err)
	s.metrics.RecordRemove(time.Since(start), err)
	return ok, err
}

// RemoveIf deletes key only if its value encodes to the same bytes as
// expected.
func (s *Store[K, V]) RemoveIf(key K, expected V) (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}
	start := time.Now()
	ok, err := s.tiered.RemoveIf(key, expected)
	err = translateError("remove-if", err)
	s.metrics.RecordRemove(time.Since(start), err)
	return ok, err
}

// ContainsKey reports whether key is present. It records no hit.
func (s *Store[K, V]) ContainsKey(key K) (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}
	ok, err := s.tiered.ContainsKey(key)
	return ok, translateError("contains", err)
}

// All iterates over a snapshot of the entries, segment by segment.
func (s *Store[K, V]) All() iter.Seq2[K, *ValueHolder[V]] {
	if s.closed.Load() {
		return func(func(K, *ValueHolder[V]) bool) {}
	}
	return s.tiered.All()
}

// Len returns the number of entries, including expired entries not yet
// dropped.
func (s *Store[K, V]) Len() int {
	if s.closed.Load() {
		return 0
	}
	return s.tiered.Len()
}

// Pools returns the store's resource pools.
func (s *Store[K, V]) Pools() *resource.Pools { return s.pools }

// ValueCodec returns the codec values are stored with.
func (s *Store[K, V]) ValueCodec() codec.Codec[V] { return s.values }

// Stats returns a snapshot of the store.
func (s *Store[K, V]) Stats() Stats {
	ts := s.tiered.Stats()
	return Stats{
		Caching:       ts.Caching,
		Authoritative: ts.Authoritative,
		Faults:        ts.Faults,
		LostFlushes:   ts.LostFlushes,
	}
}

// Flush writes the hit counts held by the caching tier back to the tier of
// record and syncs it to disk.
func (s *Store[K, V]) Flush(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	err := translateError("flush", s.tiered.Flush(ctx))
	s.logger.LogFlush(ctx, s.tiered.Stats().Caching.Entries, err)
	return err
}

// Close flushes the caching tier into the tier of record and releases all
// resources. Persistent disk tiers are synced and can be reopened. Close is
// idempotent.
func (s *Store[K, V]) Close(ctx context.Context) error {
	if s == nil || !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	entries := s.tiered.Len()
	err := s.tiered.Release(ctx)
	if errors.Is(err, ErrClosed) {
		err = nil
	}
	err = translateError("close", err)
	s.logger.LogClose(ctx, entries, err)
	return err
}

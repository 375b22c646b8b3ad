package segment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/tiercache/internal/errs"
)

// DefaultTableSize is the initial number of slots of a segment.
const DefaultTableSize = 16

// Listener is notified of evicted entries, never under a segment lock.
type Listener[K comparable, V any] func(key K, holder *Holder[V])

// Config configures a Segment.
type Config[K comparable, V any] struct {
	ID int
	// Capacity bounds the summed entry weight; 0 means unbounded.
	Capacity int64
	// TableSize is the initial and minimum slot count.
	TableSize int
	Veto      func(K, V) bool
	Equal     func(a, b V) bool
	Listener  Listener[K, V]
	Expiry    Expiry
	Clock     Clock
	Counters  *Counters
	Logger    *slog.Logger
}

type slot[K comparable] struct {
	key    K
	used   bool
	ref    bool
	state  State
	meta   Meta
	weight int64
}

type eviction[K comparable, V any] struct {
	key    K
	holder *Holder[V]
}

// Entry is one element of a segment snapshot.
type Entry[K comparable, V any] struct {
	Key    K
	Holder *Holder[V]
}

type writeOp[V any] struct {
	pinned   bool
	ifAbsent bool
	from     *Holder[V]
}

// Segment is a lock-owning shard of a hash table with its own clock.
type Segment[K comparable, V any] struct {
	mu       sync.RWMutex
	cfg      Config[K, V]
	listener atomic.Pointer[Listener[K, V]]
	engine   Engine[K, V]
	slots    []slot[K]
	index    map[K]int
	free     *roaring.Bitmap
	hand     int
	weight   int64
	nextID   uint64
	closed   bool
}

// New creates a segment over engine. Recoverable engines are bootstrapped
// before New returns.
func New[K comparable, V any](cfg Config[K, V], engine Engine[K, V]) (*Segment[K, V], error) {
	if cfg.TableSize <= 0 {
		cfg.TableSize = DefaultTableSize
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock
	}
	if cfg.Counters == nil {
		cfg.Counters = &Counters{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	s := &Segment[K, V]{
		cfg:    cfg,
		engine: engine,
		index:  make(map[K]int),
		free:   roaring.New(),
		nextID: 1,
	}
	if cfg.Listener != nil {
		s.SetListener(cfg.Listener)
	}

	size := cfg.TableSize
	var recovered []Recovered[K]
	if r, ok := engine.(Recoverable[K]); ok {
		slots, entries, err := r.Recover()
		if err != nil {
			return nil, err
		}
		size = max(size, slots)
		recovered = entries
	}

	if err := engine.Resize(size); err != nil {
		return nil, s.storeErr("resize", err)
	}
	s.slots = make([]slot[K], size)
	s.free.AddRange(0, uint64(size))

	for _, e := range recovered {
		meta := e.Meta
		meta.ID = s.nextID
		s.nextID++
		s.slots[e.Slot] = slot[K]{key: e.Key, used: true, state: e.State.Unpin(), meta: meta, weight: e.Weight}
		s.index[e.Key] = e.Slot
		s.free.Remove(uint32(e.Slot))
		s.weight += e.Weight
	}
	if len(recovered) > 0 {
		cfg.Logger.Debug("segment recovered", "segment", cfg.ID, "entries", len(recovered), "slots", size)
	}

	return s, nil
}

// SetListener replaces the eviction listener.
func (s *Segment[K, V]) SetListener(fn Listener[K, V]) {
	if fn == nil {
		s.listener.Store(nil)
		return
	}
	s.listener.Store(&fn)
}

func (s *Segment[K, V]) storeErr(op string, err error) error {
	if errors.Is(err, errs.ErrStoreAccess) || errors.Is(err, errs.ErrClosed) {
		return err
	}
	return fmt.Errorf("%w: segment %d: %s: %w", errs.ErrStoreAccess, s.cfg.ID, op, err)
}

func (s *Segment[K, V]) holder(i int) (*Holder[V], error) {
	v, err := s.engine.Read(i)
	if err != nil {
		return nil, s.storeErr("read", err)
	}
	return NewHolder(v, s.slots[i].meta), nil
}

func (s *Segment[K, V]) stale(sl *slot[K]) bool {
	return !sl.state.Pinned() && sl.meta.Expired(s.cfg.Clock())
}

// Get returns the live entry for key without touching the eviction order.
func (s *Segment[K, V]) Get(key K) (*Holder[V], error) {
	h, staleID, err := s.get(key)
	if staleID != 0 {
		s.expire(key, staleID)
	}
	return h, err
}

func (s *Segment[K, V]) get(key K) (*Holder[V], uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, 0, errs.ErrClosed
	}
	i, ok := s.index[key]
	if !ok {
		return nil, 0, nil
	}
	if sl := &s.slots[i]; s.stale(sl) {
		return nil, sl.meta.ID, nil
	}
	h, err := s.holder(i)
	return h, 0, err
}

func (s *Segment[K, V]) expire(key K, id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	i, ok := s.index[key]
	if !ok || s.slots[i].meta.ID != id || !s.stale(&s.slots[i]) {
		return
	}
	if err := s.removeLocked(i); err != nil {
		s.cfg.Logger.Warn("failed to drop expired entry", "segment", s.cfg.ID, "error", err)
		return
	}
	s.cfg.Counters.Expirations.Add(1)
}

func (s *Segment[K, V]) lookupLocked(key K) (int, bool, error) {
	i, ok := s.index[key]
	if !ok {
		return 0, false, nil
	}
	if s.stale(&s.slots[i]) {
		if err := s.removeLocked(i); err != nil {
			return 0, false, err
		}
		s.cfg.Counters.Expirations.Add(1)
		return 0, false, nil
	}
	return i, true, nil
}

// Access records a hit on key: the hit count and access time advance, the
// idle timeout is extended and the slot gets a second chance in the clock.
func (s *Segment[K, V]) Access(key K) (*Holder[V], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errs.ErrClosed
	}
	i, ok, err := s.lookupLocked(key)
	if err != nil || !ok {
		return nil, err
	}

	sl := &s.slots[i]
	now := s.cfg.Clock()
	sl.meta.Hits++
	sl.meta.Accessed = now
	if s.cfg.Expiry.TTI > 0 {
		sl.meta.Expires = s.cfg.Expiry.Expires(sl.meta.Created, now)
	}
	sl.ref = true
	if err := s.engine.Annotate(i, sl.meta, sl.state); err != nil {
		return nil, s.storeErr("annotate", err)
	}
	return s.holder(i)
}

// Put stores value under key and returns the replaced entry, if any.
// The veto predicate decides the new state; any pin is cleared. The hit
// count of a replaced entry is kept.
func (s *Segment[K, V]) Put(key K, value V) (*Holder[V], error) {
	return s.write(key, value, writeOp[V]{})
}

// PutPinned is Put with the entry pinned until the next Flush.
func (s *Segment[K, V]) PutPinned(key K, value V) (*Holder[V], error) {
	return s.write(key, value, writeOp[V]{pinned: true})
}

// PutIfAbsent stores value only if key has no live entry. It returns the
// existing entry, or nil if value was stored.
func (s *Segment[K, V]) PutIfAbsent(key K, value V) (*Holder[V], error) {
	return s.write(key, value, writeOp[V]{ifAbsent: true})
}

// Install stores a holder taken from another tier, keeping its metadata.
func (s *Segment[K, V]) Install(key K, h *Holder[V]) error {
	_, err := s.write(key, h.Value(), writeOp[V]{from: h})
	return err
}

func (s *Segment[K, V]) write(key K, value V, op writeOp[V]) (*Holder[V], error) {
	old, evicted, err := s.writeLocked(key, value, op)
	s.notify(evicted)
	return old, err
}

func (s *Segment[K, V]) writeLocked(key K, value V, op writeOp[V]) (*Holder[V], []eviction[K, V], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, nil, errs.ErrClosed
	}

	i, exists, err := s.lookupLocked(key)
	if err != nil {
		return nil, nil, err
	}

	var old *Holder[V]
	if exists {
		if old, err = s.holder(i); err != nil {
			return nil, nil, err
		}
		if op.ifAbsent {
			return old, nil, nil
		}
	} else if i, err = s.allocSlotLocked(); err != nil {
		return nil, nil, err
	}

	var meta Meta
	if op.from != nil {
		meta = op.from.Meta()
	} else {
		now := s.cfg.Clock()
		meta = Meta{ID: s.nextID, Created: now, Accessed: now, Expires: s.cfg.Expiry.Expires(now, now)}
		s.nextID++
		if exists {
			meta.Hits = s.slots[i].meta.Hits
		}
	}
	vetoed := s.cfg.Veto != nil && s.cfg.Veto(key, value)
	state := StateOf(vetoed, op.pinned)

	var evicted []eviction[K, V]
	weight, err := s.storeLocked(i, key, value, meta, state, &evicted)
	if err != nil {
		if !exists {
			s.free.Add(uint32(i))
		}
		return nil, evicted, err
	}

	sl := &s.slots[i]
	if exists {
		s.weight -= sl.weight
	} else {
		s.index[key] = i
	}
	*sl = slot[K]{key: key, used: true, ref: true, state: state, meta: meta, weight: weight}
	s.weight += weight

	s.enforceLocked(i, &evicted)
	if op.ifAbsent {
		return nil, evicted, nil
	}
	return old, evicted, nil
}

// storeLocked writes through the engine. On allocation failure one entry is
// evicted and the write retried once.
func (s *Segment[K, V]) storeLocked(i int, key K, value V, meta Meta, state State, evicted *[]eviction[K, V]) (int64, error) {
	w, err := s.engine.Write(i, key, value, meta, state)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, errs.ErrNoSpace) {
		return 0, s.storeErr("write", err)
	}

	s.cfg.Counters.AllocRetries.Add(1)
	if victim := s.scanLocked(i); victim >= 0 {
		s.evictLocked(victim, evicted)
	}

	if w, err = s.engine.Write(i, key, value, meta, state); err == nil {
		return w, nil
	}
	if errors.Is(err, errs.ErrNoSpace) {
		s.cfg.Counters.AllocFailures.Add(1)
		return 0, fmt.Errorf("%w: segment %d: %w", errs.ErrAllocationExhausted, s.cfg.ID, err)
	}
	return 0, s.storeErr("write", err)
}

func (s *Segment[K, V]) allocSlotLocked() (int, error) {
	if s.free.IsEmpty() {
		if err := s.growLocked(); err != nil {
			return 0, err
		}
	}
	i := s.free.Minimum()
	s.free.Remove(i)
	return int(i), nil
}

func (s *Segment[K, V]) growLocked() error {
	n := len(s.slots)
	size := 2 * n
	if err := s.engine.Resize(size); err != nil {
		if errors.Is(err, errs.ErrNoSpace) {
			s.cfg.Counters.AllocFailures.Add(1)
			return fmt.Errorf("%w: segment %d: grow table: %w", errs.ErrAllocationExhausted, s.cfg.ID, err)
		}
		return s.storeErr("resize", err)
	}
	s.slots = append(s.slots, make([]slot[K], size-n)...)
	s.free.AddRange(uint64(n), uint64(size))
	s.cfg.Logger.Debug("segment table grown", "segment", s.cfg.ID, "slots", size)
	return nil
}

func (s *Segment[K, V]) enforceLocked(keep int, evicted *[]eviction[K, V]) {
	if s.cfg.Capacity <= 0 {
		return
	}
	for s.weight > s.cfg.Capacity {
		victim := s.scanLocked(keep)
		if victim < 0 {
			s.cfg.Logger.Debug("no eviction candidate", "segment", s.cfg.ID, "weight", s.weight, "capacity", s.cfg.Capacity)
			return
		}
		if !s.evictLocked(victim, evicted) {
			return
		}
	}
}

// scanLocked advances the clock hand to the next evictable slot other than
// exclude. Referenced slots lose their reference bit and are skipped once.
// It gives up after two circuits and returns -1.
func (s *Segment[K, V]) scanLocked(exclude int) int {
	n := len(s.slots)
	for range 2 * n {
		i := s.hand
		s.hand = (s.hand + 1) % n

		sl := &s.slots[i]
		if !sl.used || i == exclude || !sl.state.Evictable() {
			continue
		}
		if sl.ref {
			sl.ref = false
			continue
		}
		return i
	}
	return -1
}

func (s *Segment[K, V]) evictLocked(i int, evicted *[]eviction[K, V]) bool {
	key := s.slots[i].key

	var h *Holder[V]
	if s.listener.Load() != nil {
		var err error
		if h, err = s.holder(i); err != nil {
			s.cfg.Logger.Warn("evicted entry unreadable", "segment", s.cfg.ID, "error", err)
		}
	}
	if err := s.removeLocked(i); err != nil {
		s.cfg.Logger.Warn("eviction failed", "segment", s.cfg.ID, "slot", i, "error", err)
		return false
	}
	s.cfg.Counters.Evictions.Add(1)
	if h != nil {
		*evicted = append(*evicted, eviction[K, V]{key: key, holder: h})
	}
	return true
}

func (s *Segment[K, V]) removeLocked(i int) error {
	if err := s.engine.Release(i); err != nil {
		return s.storeErr("release", err)
	}
	delete(s.index, s.slots[i].key)
	s.weight -= s.slots[i].weight
	s.slots[i] = slot[K]{}
	s.free.Add(uint32(i))
	return nil
}

func (s *Segment[K, V]) notify(evicted []eviction[K, V]) {
	if len(evicted) == 0 {
		return
	}
	fn := s.listener.Load()
	if fn == nil {
		return
	}
	for _, e := range evicted {
		(*fn)(e.key, e.holder)
	}
}

// Evict removes the entry at slot i if it is evictable and notifies the
// listener. With shrink set the table is halved once it is at most a
// quarter full, but never below its initial size.
func (s *Segment[K, V]) Evict(i int, shrink bool) bool {
	ok, evicted := s.evictAt(i, shrink)
	s.notify(evicted)
	return ok
}

func (s *Segment[K, V]) evictAt(i int, shrink bool) (bool, []eviction[K, V]) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || i < 0 || i >= len(s.slots) {
		return false, nil
	}
	if sl := &s.slots[i]; !sl.used || !sl.state.Evictable() {
		return false, nil
	}

	var evicted []eviction[K, V]
	if !s.evictLocked(i, &evicted) {
		return false, nil
	}
	if shrink {
		s.shrinkLocked()
	}
	return true, evicted
}

func (s *Segment[K, V]) shrinkLocked() {
	n := len(s.slots)
	half := n / 2
	if half < s.cfg.TableSize || len(s.index) > n/4 {
		return
	}

	for i := half; i < n; i++ {
		if !s.slots[i].used {
			continue
		}
		to := s.free.Minimum()
		if err := s.engine.Move(i, int(to)); err != nil {
			s.cfg.Logger.Warn("segment shrink aborted", "segment", s.cfg.ID, "error", err)
			return
		}
		s.free.Remove(to)
		s.free.Add(uint32(i))
		s.slots[to] = s.slots[i]
		s.slots[i] = slot[K]{}
		s.index[s.slots[to].key] = int(to)
	}

	if err := s.engine.Resize(half); err != nil {
		s.cfg.Logger.Warn("segment shrink aborted", "segment", s.cfg.ID, "error", err)
		return
	}
	s.slots = slices.Clone(s.slots[:half])
	s.free.RemoveRange(uint64(half), uint64(n))
	s.hand = s.hand * half / n
	s.cfg.Logger.Debug("segment table shrunk", "segment", s.cfg.ID, "slots", half)
}

// GetAndFault returns the entry for key and pins it, so it cannot be
// evicted until Flush. A pinned entry is returned even when expired.
func (s *Segment[K, V]) GetAndFault(key K) (*Holder[V], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errs.ErrClosed
	}
	i, ok, err := s.lookupLocked(key)
	if err != nil || !ok {
		return nil, err
	}

	sl := &s.slots[i]
	sl.state = sl.state.Pin()
	if err := s.engine.Annotate(i, sl.meta, sl.state); err != nil {
		return nil, s.storeErr("annotate", err)
	}
	return s.holder(i)
}

// Flush unpins the entry h was read from and writes back its hit count and
// access time. It returns false when the entry was removed or replaced in
// the meantime.
func (s *Segment[K, V]) Flush(key K, h *Holder[V]) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, errs.ErrClosed
	}
	i, ok := s.index[key]
	if !ok || s.slots[i].meta.ID != h.ID() {
		return false, nil
	}

	sl := &s.slots[i]
	m := h.Meta()
	if m.Hits > sl.meta.Hits {
		sl.meta.Hits = m.Hits
	}
	if m.Accessed > sl.meta.Accessed {
		sl.meta.Accessed = m.Accessed
		sl.meta.Expires = m.Expires
	}
	sl.state = sl.state.Unpin()
	if err := s.engine.Annotate(i, sl.meta, sl.state); err != nil {
		return false, s.storeErr("annotate", err)
	}
	return true, nil
}

// Remove deletes key without notifying the listener and returns the
// removed entry.
func (s *Segment[K, V]) Remove(key K) (*Holder[V], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errs.ErrClosed
	}
	i, ok, err := s.lookupLocked(key)
	if err != nil || !ok {
		return nil, err
	}

	h, readErr := s.holder(i)
	if err := s.removeLocked(i); err != nil {
		return nil, err
	}
	return h, readErr
}

// RemoveIf deletes key only if its value equals expected.
func (s *Segment[K, V]) RemoveIf(key K, expected V) (bool, error) {
	if s.cfg.Equal == nil {
		return false, errors.New("segment: no value equality configured")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, errs.ErrClosed
	}
	i, ok, err := s.lookupLocked(key)
	if err != nil || !ok {
		return false, err
	}

	current, err := s.engine.Read(i)
	if err != nil {
		return false, s.storeErr("read", err)
	}
	if !s.cfg.Equal(current, expected) {
		return false, nil
	}
	if err := s.removeLocked(i); err != nil {
		return false, err
	}
	return true, nil
}

// Len returns the number of entries, including expired ones not yet dropped.
func (s *Segment[K, V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.index)
}

// Weight returns the summed weight of all entries.
func (s *Segment[K, V]) Weight() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.weight
}

// Snapshot returns all live entries. Values are read under the shared lock.
func (s *Segment[K, V]) Snapshot() ([]Entry[K, V], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, errs.ErrClosed
	}
	entries := make([]Entry[K, V], 0, len(s.index))
	for key, i := range s.index {
		if s.stale(&s.slots[i]) {
			continue
		}
		h, err := s.holder(i)
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry[K, V]{Key: key, Holder: h})
	}
	return entries, nil
}

// Sync makes the engine's data durable. The segment stays locked until the
// engine is done or ctx is cancelled.
func (s *Segment[K, V]) Sync(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errs.ErrClosed
	}
	if err := s.engine.Sync(ctx); err != nil {
		return s.storeErr("sync", err)
	}
	return nil
}

// Close closes the engine. It is idempotent.
func (s *Segment[K, V]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.index = nil
	if err := s.engine.Close(); err != nil {
		return s.storeErr("close", err)
	}
	return nil
}

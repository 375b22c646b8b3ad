package tier

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/tiercache/codec"
	"github.com/hupe1980/tiercache/internal/disk"
	"github.com/hupe1980/tiercache/internal/errs"
	"github.com/hupe1980/tiercache/internal/segment"
)

func heapStore(t *testing.T, segments int, capacity int64) *segment.Store[string, string] {
	t.Helper()
	s, err := segment.NewStore(segment.StoreConfig[string, string]{
		Segments: segments,
		Capacity: capacity,
		Keys:     codec.String{},
		Equal:    func(a, b string) bool { return a == b },
	}, func(int) (segment.Engine[string, string], error) {
		return segment.NewHeapEngine[string, string](nil), nil
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func diskStore(t *testing.T, dir string, segments int) *segment.Store[string, string] {
	t.Helper()
	s, err := segment.NewStore(segment.StoreConfig[string, string]{
		Segments: segments,
		Keys:     codec.String{},
	}, func(id int) (segment.Engine[string, string], error) {
		e, err := disk.Open[string, string](disk.Config{Dir: dir, ID: id, Segments: segments, Persistent: true}, codec.String{}, codec.String{})
		if err != nil {
			return nil, err
		}
		return e, nil
	})
	require.NoError(t, err)
	return s
}

type fakeClock struct {
	mu  sync.Mutex
	now int64
}

func (c *fakeClock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += int64(d)
}

func expiringStore(t *testing.T, expiry segment.Expiry, clock *fakeClock) *segment.Store[string, string] {
	t.Helper()
	s, err := segment.NewStore(segment.StoreConfig[string, string]{
		Segments: 1,
		Keys:     codec.String{},
		Expiry:   expiry,
		Clock:    clock.Now,
	}, func(int) (segment.Engine[string, string], error) {
		return segment.NewHeapEngine[string, string](nil), nil
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// fullEngine never has room for a write.
type fullEngine struct {
	*segment.HeapEngine[string, string]
}

func (fullEngine) Write(int, string, string, segment.Meta, segment.State) (int64, error) {
	return 0, errs.ErrNoSpace
}

func constant(v string, calls *atomic.Int32) FaultFunc[string, string] {
	return func(string) (*Holder[string], error) {
		calls.Add(1)
		return segment.NewHolder(v, segment.Meta{ID: 1}), nil
	}
}

func TestCaching_SingleFlight(t *testing.T) {
	c := NewCaching(heapStore(t, 4, 100), nil)

	var calls atomic.Int32
	fault := func(string) (*Holder[string], error) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return segment.NewHolder("computed", segment.Meta{ID: 1}), nil
	}

	const n = 32
	start := make(chan struct{})
	results := make([]string, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			h, err := c.GetOrComputeIfAbsent("k", fault)
			assert.NoError(t, err)
			if h != nil {
				results[i] = h.Value()
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, r := range results {
		assert.Equal(t, "computed", r)
	}
}

func TestCaching_RemoveIdempotence(t *testing.T) {
	c := NewCaching(heapStore(t, 4, 100), nil)

	var f, g atomic.Int32
	h, err := c.GetOrComputeIfAbsent("k", constant("f", &f))
	require.NoError(t, err)
	assert.Equal(t, "f", h.Value())

	require.NoError(t, c.Remove("k"))
	require.NoError(t, c.Remove("k"))

	h, err = c.GetOrComputeIfAbsent("k", constant("g", &g))
	require.NoError(t, err)
	assert.Equal(t, "g", h.Value())
	assert.Equal(t, int32(1), f.Load())
	assert.Equal(t, int32(1), g.Load())
}

func TestCaching_InvalidateNotifies(t *testing.T) {
	c := NewCaching(heapStore(t, 1, 2), nil)

	var mu sync.Mutex
	var invalidated []string
	c.SetInvalidationListener(func(k string, _ *Holder[string]) {
		mu.Lock()
		defer mu.Unlock()
		invalidated = append(invalidated, k)
	})

	var calls atomic.Int32
	for _, k := range []string{"a", "b", "c"} {
		_, err := c.GetOrComputeIfAbsent(k, constant(k, &calls))
		require.NoError(t, err)
	}
	require.NoError(t, c.Invalidate("c"))
	require.NoError(t, c.Invalidate("missing"))

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, invalidated, 2)
	assert.Contains(t, invalidated, "c")
}

func TestCompound_DemoteAndPromote(t *testing.T) {
	higher := NewCaching(heapStore(t, 1, 2), nil)
	lower := NewCaching(heapStore(t, 1, 100), nil)
	c := NewCompound(higher, lower, nil)

	var calls atomic.Int32
	for i := range 5 {
		k := fmt.Sprintf("k%d", i)
		_, err := c.GetOrComputeIfAbsent(k, constant(k, &calls))
		require.NoError(t, err)
	}
	assert.Equal(t, int32(5), calls.Load())
	assert.Equal(t, 2, higher.Len())
	assert.Equal(t, 3, lower.Len())
	assert.Equal(t, 5, c.Len())

	var demoted string
	for i := range 5 {
		k := fmt.Sprintf("k%d", i)
		if h, _ := lower.Get(k); h != nil {
			demoted = k
			break
		}
	}
	require.NotEmpty(t, demoted)

	h, err := c.GetOrComputeIfAbsent(demoted, constant("refetched", &calls))
	require.NoError(t, err)
	assert.Equal(t, demoted, h.Value())
	assert.Equal(t, int32(5), calls.Load())

	promoted, err := higher.Get(demoted)
	require.NoError(t, err)
	assert.NotNil(t, promoted)
	assert.Equal(t, 5, c.Len())
}

func TestCompound_LowerEvictionsInvalidate(t *testing.T) {
	c := NewCompound(NewCaching(heapStore(t, 1, 1), nil), NewCaching(heapStore(t, 1, 1), nil), nil)

	var invalidated atomic.Int32
	c.SetInvalidationListener(func(string, *Holder[string]) { invalidated.Add(1) })

	var calls atomic.Int32
	for i := range 4 {
		k := fmt.Sprintf("k%d", i)
		_, err := c.GetOrComputeIfAbsent(k, constant(k, &calls))
		require.NoError(t, err)
	}
	assert.Equal(t, 2, c.Len())
	assert.Equal(t, int32(2), invalidated.Load())

	require.NoError(t, c.Remove("k3"))
	require.NoError(t, c.Remove("k3"))
}

func TestTiered_GetFaultsAndUnpins(t *testing.T) {
	auth := NewAuthoritative(heapStore(t, 1, 1))
	caching := NewCaching(heapStore(t, 1, 10), nil)
	ts := NewTiered[string, string](caching, auth, nil)

	require.NoError(t, ts.Put("k", "v"))

	h, err := ts.Get("k")
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, "v", h.Value())
	assert.Equal(t, uint64(1), h.Hits())

	h, err = ts.Get("k")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), h.Hits())
	assert.Equal(t, uint64(1), ts.Stats().Faults)

	// The authoritative copy is no longer pinned, so it gives way.
	_, err = auth.Put("other", "v")
	require.NoError(t, err)
	ok, err := auth.ContainsKey("k")
	require.NoError(t, err)
	assert.False(t, ok)

	missing, err := ts.Get("missing")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestTiered_PutKeepsCachedHits(t *testing.T) {
	single := func() CachingTier[string, string] {
		return NewCaching(heapStore(t, 2, 10), nil)
	}
	compound := func() CachingTier[string, string] {
		return NewCompound(NewCaching(heapStore(t, 2, 2), nil), NewCaching(heapStore(t, 2, 10), nil), nil)
	}

	for name, caching := range map[string]func() CachingTier[string, string]{
		"Caching":  single,
		"Compound": compound,
	} {
		t.Run(name, func(t *testing.T) {
			auth := NewAuthoritative(heapStore(t, 2, 0))
			ts := NewTiered[string, string](caching(), auth, nil)

			require.NoError(t, ts.Put("k", "v1"))
			for range 5 {
				_, err := ts.Get("k")
				require.NoError(t, err)
			}
			require.NoError(t, ts.Put("k", "v2"))

			stored, err := auth.Get("k")
			require.NoError(t, err)
			assert.Equal(t, uint64(5), stored.Hits())

			h, err := ts.Get("k")
			require.NoError(t, err)
			assert.Equal(t, "v2", h.Value())
			assert.Equal(t, uint64(6), h.Hits())
			assert.Equal(t, uint64(0), ts.Stats().LostFlushes)
		})
	}
}

func TestTiered_IdleTimeoutReachesAuthoritative(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0).UnixNano()}
	expiry := segment.Expiry{TTL: time.Hour, TTI: 10 * time.Minute}
	auth := NewAuthoritative(expiringStore(t, expiry, clock))
	ts := NewTiered[string, string](NewCaching(expiringStore(t, expiry, clock), nil), auth, nil)

	require.NoError(t, ts.Put("busy", "v"))
	for range 3 {
		clock.Advance(8 * time.Minute)
		h, err := ts.Get("busy")
		require.NoError(t, err)
		require.NotNil(t, h)
	}

	ok, err := ts.ContainsKey("busy")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, ts.Len())
	assert.Equal(t, uint64(0), auth.Stats().Expirations)

	clock.Advance(11 * time.Minute)
	h, err := ts.Get("busy")
	require.NoError(t, err)
	assert.Nil(t, h)
	assert.Equal(t, 0, ts.Len())
}

func TestTiered_DroppedInstallCountsHit(t *testing.T) {
	store, err := segment.NewStore(segment.StoreConfig[string, string]{
		Segments: 1,
		Keys:     codec.String{},
	}, func(int) (segment.Engine[string, string], error) {
		return fullEngine{segment.NewHeapEngine[string, string](nil)}, nil
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	auth := NewAuthoritative(heapStore(t, 1, 0))
	ts := NewTiered[string, string](NewCaching(store, nil), auth, nil)

	require.NoError(t, ts.Put("k", "v"))
	for i := range 3 {
		h, err := ts.Get("k")
		require.NoError(t, err)
		require.NotNil(t, h)
		assert.Equal(t, uint64(i+1), h.Hits())
	}
	assert.Equal(t, 0, store.Len())

	stored, err := auth.Get("k")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), stored.Hits())
}

func TestTiered_ConcurrentAll(t *testing.T) {
	auth := NewAuthoritative(heapStore(t, 4, 0))
	ts := NewTiered[string, string](NewCaching(heapStore(t, 4, 32), nil), auth, nil)

	for i := range 64 {
		require.NoError(t, ts.Put(fmt.Sprint(i), "v"))
	}

	var wg sync.WaitGroup
	for w := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 200 {
				_, err := ts.Get(fmt.Sprint((i * (w + 1)) % 64))
				assert.NoError(t, err)
			}
		}()
	}
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 20 {
				n := 0
				for range ts.All() {
					n++
				}
				assert.Equal(t, 64, n)
			}
		}()
	}
	wg.Wait()

	var hits uint64
	for _, h := range ts.All() {
		hits += h.Hits()
	}
	assert.LessOrEqual(t, hits, uint64(800))
}

// racingAuth replaces the entry between fault and flush.
type racingAuth struct {
	*Authoritative[string, string]
}

func (r racingAuth) GetAndFault(key string) (*Holder[string], error) {
	h, err := r.Authoritative.GetAndFault(key)
	if err != nil {
		return nil, err
	}
	_, err = r.Put(key, "v2")
	return h, err
}

func TestTiered_LostRaceInvalidates(t *testing.T) {
	auth := NewAuthoritative(heapStore(t, 1, 0))
	caching := NewCaching(heapStore(t, 1, 10), nil)
	ts := NewTiered[string, string](caching, racingAuth{auth}, nil)

	_, err := auth.Put("k", "v1")
	require.NoError(t, err)

	h, err := ts.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v1", h.Value())
	assert.Equal(t, uint64(1), ts.Stats().LostFlushes)

	cached, err := caching.Get("k")
	require.NoError(t, err)
	assert.Nil(t, cached)

	current, err := auth.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v2", current.Value())
}

func TestTiered_PutInvalidatesCachedCopy(t *testing.T) {
	auth := NewAuthoritative(heapStore(t, 2, 0))
	caching := NewCaching(heapStore(t, 2, 10), nil)
	ts := NewTiered[string, string](caching, auth, nil)

	require.NoError(t, ts.Put("k", "v1"))
	_, err := ts.Get("k")
	require.NoError(t, err)

	require.NoError(t, ts.Put("k", "v2"))
	h, err := ts.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v2", h.Value())

	old, err := ts.PutIfAbsent("k", "v3")
	require.NoError(t, err)
	assert.Equal(t, "v2", old.Value())

	removed, err := ts.RemoveIf("k", "nope")
	require.NoError(t, err)
	assert.False(t, removed)
	removed, err = ts.RemoveIf("k", "v2")
	require.NoError(t, err)
	assert.True(t, removed)

	ok, err := ts.ContainsKey("k")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, caching.Len())

	removed, err = ts.Remove("k")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestTiered_AllSeesCachedHits(t *testing.T) {
	auth := NewAuthoritative(heapStore(t, 2, 0))
	ts := NewTiered[string, string](NewCaching(heapStore(t, 2, 10), nil), auth, nil)

	for _, k := range []string{"a", "b"} {
		require.NoError(t, ts.Put(k, k))
	}
	for range 3 {
		_, err := ts.Get("a")
		require.NoError(t, err)
	}

	hits := map[string]uint64{}
	for k, h := range ts.All() {
		hits[k] = h.Hits()
	}
	assert.Equal(t, map[string]uint64{"a": 3, "b": 0}, hits)

	require.NoError(t, ts.Flush(context.Background()))
	h, err := auth.Get("a")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), h.Hits())
}

func TestTiered_AuthoritativeOnly(t *testing.T) {
	ts := NewTiered[string, string](nil, NewAuthoritative(heapStore(t, 2, 0)), nil)

	require.NoError(t, ts.Put("k", "v"))
	for range 2 {
		_, err := ts.Get("k")
		require.NoError(t, err)
	}
	h, err := ts.Get("k")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), h.Hits())
	assert.Equal(t, 1, ts.Len())

	require.NoError(t, ts.Release(context.Background()))
	require.NoError(t, ts.Release(context.Background()))
}

func TestTiered_PersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()

	open := func() *Tiered[string, string] {
		return NewTiered[string, string](NewCaching(heapStore(t, 4, 10), nil), NewAuthoritative(diskStore(t, dir, 4)), nil)
	}

	ts := open()
	for i := range 100 {
		require.NoError(t, ts.Put(fmt.Sprint(i), "hello"))
	}
	for range 20 {
		for i := range 20 {
			h, err := ts.Get(fmt.Sprint(i))
			require.NoError(t, err)
			require.NotNil(t, h)
		}
	}
	require.NoError(t, ts.Release(context.Background()))

	ts = open()
	defer ts.Release(context.Background())

	assert.Equal(t, 100, ts.Len())
	for i := range 20 {
		h, err := ts.Get(fmt.Sprint(i))
		require.NoError(t, err)
		require.NotNil(t, h)
		assert.Equal(t, "hello", h.Value())
		assert.Equal(t, uint64(21), h.Hits(), "key %d", i)
	}
	for i := 20; i < 100; i++ {
		ok, err := ts.ContainsKey(fmt.Sprint(i))
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

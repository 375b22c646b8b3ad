package segment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/tiercache/codec"
)

func newTestStore(t *testing.T, cfg StoreConfig[string, string]) *Store[string, string] {
	t.Helper()
	if cfg.Keys == nil {
		cfg.Keys = codec.String{}
	}
	s, err := NewStore(cfg, func(int) (Engine[string, string], error) {
		return NewHeapEngine[string, string](nil), nil
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNewStore(t *testing.T) {
	_, err := NewStore(StoreConfig[string, string]{}, func(int) (Engine[string, string], error) {
		return NewHeapEngine[string, string](nil), nil
	})
	assert.Error(t, err)

	s := newTestStore(t, StoreConfig[string, string]{Segments: 4, Capacity: 10})
	assert.Len(t, s.Segments(), 4)
	for _, seg := range s.Segments() {
		// ceil(10/4)
		assert.Equal(t, int64(3), seg.cfg.Capacity)
	}

	s = newTestStore(t, StoreConfig[string, string]{Segments: 8, Capacity: 1})
	assert.Equal(t, int64(1), s.Segments()[7].cfg.Capacity)

	s = newTestStore(t, StoreConfig[string, string]{})
	assert.Len(t, s.Segments(), DefaultSegments)
}

func TestNewStore_EngineFailure(t *testing.T) {
	var created []*HeapEngine[string, string]
	_, err := NewStore(StoreConfig[string, string]{Segments: 4, Keys: codec.String{}}, func(id int) (Engine[string, string], error) {
		if id == 2 {
			return nil, errors.New("boom")
		}
		e := NewHeapEngine[string, string](nil)
		created = append(created, e)
		return e, nil
	})
	require.ErrorContains(t, err, "boom")
	assert.Len(t, created, 2)
}

func TestStore_Routing(t *testing.T) {
	s := newTestStore(t, StoreConfig[string, string]{Segments: 8})

	for i := range 100 {
		_, err := s.Put(fmt.Sprintf("k%d", i), "v")
		require.NoError(t, err)
	}
	assert.Equal(t, 100, s.Len())

	used := 0
	for _, seg := range s.Segments() {
		if seg.Len() > 0 {
			used++
		}
	}
	assert.Greater(t, used, 1)

	// A key always lands in the same segment.
	for i := range 100 {
		key := fmt.Sprintf("k%d", i)
		seg, err := s.segmentFor(key)
		require.NoError(t, err)
		_, ok := seg.slotOf(key)
		assert.True(t, ok)
	}
}

func TestStore_Operations(t *testing.T) {
	s := newTestStore(t, StoreConfig[string, string]{
		Segments: 4,
		Equal:    func(a, b string) bool { return a == b },
	})

	_, err := s.Put("a", "1")
	require.NoError(t, err)
	ok, err := s.ContainsKey("a")
	require.NoError(t, err)
	assert.True(t, ok)

	existing, err := s.PutIfAbsent("a", "2")
	require.NoError(t, err)
	assert.Equal(t, "1", existing.Value())

	h, err := s.Access("a")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), h.Hits())

	faulted, err := s.GetAndFault("a")
	require.NoError(t, err)
	flushed, err := s.Flush("a", faulted)
	require.NoError(t, err)
	assert.True(t, flushed)

	_, err = s.PutPinned("p", "x")
	require.NoError(t, err)
	require.NoError(t, s.Install("i", NewHolder("y", Meta{ID: 99, Hits: 5})))
	h, err = s.Get("i")
	require.NoError(t, err)
	assert.Equal(t, uint64(99), h.ID())
	assert.Equal(t, uint64(5), h.Hits())

	removed, err := s.RemoveIf("a", "1")
	require.NoError(t, err)
	assert.True(t, removed)

	h, err = s.Remove("p")
	require.NoError(t, err)
	assert.Equal(t, "x", h.Value())
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, int64(1), s.Weight())
}

func TestStore_AllAndRange(t *testing.T) {
	s := newTestStore(t, StoreConfig[string, string]{Segments: 4})
	for i := range 20 {
		_, err := s.Put(fmt.Sprintf("k%d", i), fmt.Sprintf("v%d", i))
		require.NoError(t, err)
	}

	seen := make(map[string]string)
	for k, h := range s.All() {
		seen[k] = h.Value()
	}
	assert.Len(t, seen, 20)

	n := 0
	for range s.All() {
		n++
		if n == 3 {
			break
		}
	}
	assert.Equal(t, 3, n)

	var mu sync.Mutex
	ranged := make(map[string]string)
	err := s.Range(context.Background(), func(k string, h *Holder[string]) error {
		mu.Lock()
		defer mu.Unlock()
		ranged[k] = h.Value()
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, seen, ranged)

	boom := errors.New("boom")
	err = s.Range(context.Background(), func(string, *Holder[string]) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestStore_StatsAndListener(t *testing.T) {
	var mu sync.Mutex
	var evicted []string

	s := newTestStore(t, StoreConfig[string, string]{Segments: 1, Capacity: 5})
	s.SetListener(func(k string, _ *Holder[string]) {
		mu.Lock()
		defer mu.Unlock()
		evicted = append(evicted, k)
	})

	for i := range 8 {
		_, err := s.Put(fmt.Sprintf("k%d", i), "v")
		require.NoError(t, err)
	}

	stats := s.Stats()
	assert.Equal(t, 5, stats.Entries)
	assert.Equal(t, int64(5), stats.Weight)
	assert.Equal(t, int64(5), stats.Capacity)
	assert.Equal(t, uint64(3), stats.Evictions)
	assert.Len(t, evicted, 3)
	require.NoError(t, s.Sync(context.Background()))
}

func TestStore_Concurrent(t *testing.T) {
	s := newTestStore(t, StoreConfig[string, string]{Segments: 8, Capacity: 256})

	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 500 {
				key := fmt.Sprintf("k%d", (g*131+i)%400)
				switch i % 4 {
				case 0:
					_, _ = s.Remove(key)
				case 1:
					_, _ = s.Access(key)
				default:
					_, err := s.Put(key, "v")
					assert.NoError(t, err)
				}
			}
		}()
	}
	wg.Wait()

	// Each of the 8 segments holds at most ceil(256/8) entries.
	for _, seg := range s.Segments() {
		assert.LessOrEqual(t, seg.Len(), 32)
	}
}

package disk

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/tiercache/codec"
	"github.com/hupe1980/tiercache/internal/errs"
	"github.com/hupe1980/tiercache/internal/segment"
	"github.com/hupe1980/tiercache/resource"
)

func openSegment(t *testing.T, cfg Config, scfg segment.Config[string, string]) (*segment.Segment[string, string], error) {
	t.Helper()
	e, err := Open[string, string](cfg, codec.String{}, codec.String{})
	if err != nil {
		return nil, err
	}
	s, err := segment.New(scfg, segment.Engine[string, string](e))
	if err != nil {
		_ = e.Close()
		return nil, err
	}
	return s, nil
}

// recoverEntries reads the live entries of a closed segment file.
func recoverEntries(t *testing.T, cfg Config) (int, map[string]segment.Recovered[string]) {
	t.Helper()
	e, err := Open[string, string](cfg, codec.String{}, codec.String{})
	require.NoError(t, err)
	defer e.Close()

	slots, entries, err := e.Recover()
	require.NoError(t, err)
	byKey := make(map[string]segment.Recovered[string], len(entries))
	for _, r := range entries {
		byKey[r.Key] = r
	}
	return slots, byKey
}

func TestEngine_WriteRead(t *testing.T) {
	dir := t.TempDir()
	s, err := openSegment(t, Config{Dir: dir, Segments: 1}, segment.Config[string, string]{})
	require.NoError(t, err)
	defer s.Close()

	values := map[string]string{
		"empty": "",
		"short": "v",
		"long":  strings.Repeat("x", 100_000),
	}
	for k, v := range values {
		_, err := s.Put(k, v)
		require.NoError(t, err)
	}
	for k, v := range values {
		h, err := s.Get(k)
		require.NoError(t, err)
		require.NotNil(t, h, k)
		assert.Equal(t, v, h.Value(), k)
	}
	assert.Equal(t, int64(5+5+1+4+100_000), s.Weight())

	_, err = s.Put("short", "replaced")
	require.NoError(t, err)
	h, err := s.Get("short")
	require.NoError(t, err)
	assert.Equal(t, "replaced", h.Value())
}

func TestEngine_Bootstrap(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Dir: dir, ID: 2, Segments: 4, Persistent: true}

	s, err := openSegment(t, cfg, segment.Config[string, string]{
		ID:   2,
		Veto: func(k, _ string) bool { return k == "k0" },
	})
	require.NoError(t, err)
	for i := range 40 {
		_, err := s.Put(fmt.Sprintf("k%d", i), fmt.Sprintf("v%d", i))
		require.NoError(t, err)
	}
	for range 3 {
		_, err := s.Access("k7")
		require.NoError(t, err)
	}
	_, err = s.Remove("k9")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, entries := recoverEntries(t, cfg)
	assert.Len(t, entries, 39)
	assert.True(t, entries["k0"].State.Vetoed())
	assert.False(t, entries["k1"].State.Vetoed())
	assert.Equal(t, uint64(3), entries["k7"].Meta.Hits)

	s, err = openSegment(t, cfg, segment.Config[string, string]{ID: 2})
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, 39, s.Len())
	for i := range 40 {
		h, err := s.Get(fmt.Sprintf("k%d", i))
		require.NoError(t, err)
		if i == 9 {
			assert.Nil(t, h)
			continue
		}
		require.NotNil(t, h, i)
		assert.Equal(t, fmt.Sprintf("v%d", i), h.Value())
	}

	h, err := s.Get("k7")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), h.Hits())

	// New writes land in the recovered free space.
	_, err = s.Put("fresh", "value")
	require.NoError(t, err)
}

func TestEngine_CorruptEntryDropped(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Dir: dir, Segments: 1, Persistent: true}

	s, err := openSegment(t, cfg, segment.Config[string, string]{})
	require.NoError(t, err)
	for _, k := range []string{"a", "b", "c"} {
		_, err := s.Put(k, "value-"+k)
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())
	_, entries := recoverEntries(t, cfg)
	require.Contains(t, entries, "b")
	slot := entries["b"].Slot

	data, err := os.ReadFile(Path(dir, 0))
	require.NoError(t, err)
	h, err := decodeHeader(data)
	require.NoError(t, err)
	data[int(h.tableOff)+slot*entrySize+24] ^= 0xff
	require.NoError(t, os.WriteFile(Path(dir, 0), data, 0o644))

	s, err = openSegment(t, cfg, segment.Config[string, string]{})
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, 2, s.Len())
	got, err := s.Get("b")
	require.NoError(t, err)
	assert.Nil(t, got)
	got, err = s.Get("c")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "value-c", got.Value())
}

func TestEngine_CorruptValue(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Dir: dir, Segments: 1, Persistent: true}

	s, err := openSegment(t, cfg, segment.Config[string, string]{})
	require.NoError(t, err)
	_, err = s.Put("k", "some value")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	data, err := os.ReadFile(Path(dir, 0))
	require.NoError(t, err)
	h, err := decodeHeader(data)
	require.NoError(t, err)
	ent := entry(data[h.tableOff:])
	for i := range int(h.tableSlots) {
		ent = entry(data[int(h.tableOff)+i*entrySize:])
		if ent.flags()&flagUsed != 0 {
			break
		}
	}
	data[ent.offset()+int64(ent.keyLen())] ^= 0xff
	require.NoError(t, os.WriteFile(Path(dir, 0), data, 0o644))

	s, err = openSegment(t, cfg, segment.Config[string, string]{})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Get("k")
	assert.ErrorIs(t, err, ErrChecksum)
	assert.ErrorIs(t, err, errs.ErrStoreAccess)
}

func TestEngine_CorruptHeader(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Dir: dir, Segments: 1, Persistent: true}

	s, err := openSegment(t, cfg, segment.Config[string, string]{})
	require.NoError(t, err)
	_, err = s.Put("k", "v")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	data, err := os.ReadFile(Path(dir, 0))
	require.NoError(t, err)
	data[9] ^= 0xff
	require.NoError(t, os.WriteFile(Path(dir, 0), data, 0o644))

	_, err = openSegment(t, cfg, segment.Config[string, string]{})
	assert.ErrorIs(t, err, errs.ErrCorruptHeader)
	assert.ErrorIs(t, err, errs.ErrStoreAccess)
}

func TestEngine_LayoutMismatch(t *testing.T) {
	dir := t.TempDir()

	s, err := openSegment(t, Config{Dir: dir, Segments: 4, Persistent: true}, segment.Config[string, string]{})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = openSegment(t, Config{Dir: dir, Segments: 8, Persistent: true}, segment.Config[string, string]{})
	assert.ErrorIs(t, err, ErrLayoutMismatch)
	assert.ErrorIs(t, err, errs.ErrStoreAccess)
}

func TestEngine_TemporaryFile(t *testing.T) {
	dir := t.TempDir()
	budget := resource.NewController(resource.Config{})

	// A stale file of a non-persistent pool is discarded.
	require.NoError(t, os.WriteFile(Path(dir, 0), []byte("garbage"), 0o644))

	s, err := openSegment(t, Config{Dir: dir, Segments: 1, Budget: budget}, segment.Config[string, string]{})
	require.NoError(t, err)
	_, err = s.Put("k", "v")
	require.NoError(t, err)
	assert.Positive(t, budget.Used())

	require.NoError(t, s.Close())
	_, err = os.Stat(Path(dir, 0))
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Equal(t, int64(0), budget.Used())
}

func TestEngine_EvictsUnderBudget(t *testing.T) {
	dir := t.TempDir()
	budget := resource.NewController(resource.Config{LimitBytes: 3 * pageSize})
	counters := &segment.Counters{}

	s, err := openSegment(t, Config{Dir: dir, Segments: 1, Budget: budget}, segment.Config[string, string]{Counters: counters})
	require.NoError(t, err)
	defer s.Close()

	value := strings.Repeat("v", 1000)
	for i := range 20 {
		_, err := s.Put(fmt.Sprintf("k%02d", i), value)
		require.NoError(t, err)
	}
	assert.Less(t, s.Len(), 20)
	assert.Positive(t, counters.AllocRetries.Load())
	assert.LessOrEqual(t, budget.Used(), int64(3*pageSize))

	h, err := s.Get("k19")
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, value, h.Value())

	vetoed, err := openSegment(t, Config{Dir: t.TempDir(), Segments: 1, Budget: resource.NewController(resource.Config{LimitBytes: 3 * pageSize})},
		segment.Config[string, string]{Veto: func(string, string) bool { return true }})
	require.NoError(t, err)
	defer vetoed.Close()

	for i := range 20 {
		if _, err = vetoed.Put(fmt.Sprintf("k%02d", i), value); err != nil {
			break
		}
	}
	assert.ErrorIs(t, err, errs.ErrAllocationExhausted)
}

func TestEngine_GrowAndShrink(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Dir: dir, Segments: 1, Persistent: true}

	s, err := openSegment(t, cfg, segment.Config[string, string]{TableSize: 4})
	require.NoError(t, err)
	for i := range 64 {
		_, err := s.Put(fmt.Sprintf("k%d", i), fmt.Sprintf("v%d", i))
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())

	e, err := Open[string, string](cfg, codec.String{}, codec.String{})
	require.NoError(t, err)
	slots, entries, err := e.Recover()
	require.NoError(t, err)
	require.GreaterOrEqual(t, slots, 64)

	occupied := make(map[int]bool)
	var kept []segment.Recovered[string]
	for _, r := range entries {
		var i int
		_, err := fmt.Sscanf(r.Key, "k%d", &i)
		require.NoError(t, err)
		if i < 60 {
			require.NoError(t, e.Release(r.Slot))
			continue
		}
		occupied[r.Slot] = true
		kept = append(kept, r)
	}
	next := 0
	for _, r := range kept {
		if r.Slot < 4 {
			continue
		}
		for occupied[next] {
			next++
		}
		require.NoError(t, e.Move(r.Slot, next))
		delete(occupied, r.Slot)
		occupied[next] = true
	}
	require.NoError(t, e.Resize(4))
	require.NoError(t, e.Close())

	slots, _ = recoverEntries(t, cfg)
	assert.Equal(t, 4, slots)

	s, err = openSegment(t, cfg, segment.Config[string, string]{TableSize: 4})
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, 4, s.Len())
	for i := 60; i < 64; i++ {
		h, err := s.Get(fmt.Sprintf("k%d", i))
		require.NoError(t, err)
		require.NotNil(t, h)
		assert.Equal(t, fmt.Sprintf("v%d", i), h.Value())
	}
}

func TestEngine_SyncHonoursContext(t *testing.T) {
	budget := resource.NewController(resource.Config{IOLimitBytesPerSec: 1})
	e, err := Open[string, string](Config{Dir: t.TempDir(), Segments: 1, Budget: budget}, codec.String{}, codec.String{})
	require.NoError(t, err)
	defer e.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, e.Sync(ctx), context.Canceled)
	assert.False(t, e.dirty.IsEmpty())
}

func TestFreeList(t *testing.T) {
	e := &Engine[string, string]{end: 1 << 20}
	e.rebuildFree([]extent{{off: headerSize, n: 64}, {off: headerSize + 128, n: 64}})
	require.Equal(t, []extent{{off: headerSize + 64, n: 64}, {off: headerSize + 192, n: 1<<20 - headerSize - 192}}, e.free)

	e.release(headerSize, 64)
	e.release(headerSize+128, 64)
	assert.Equal(t, []extent{{off: headerSize, n: 1<<20 - headerSize}}, e.free)

	off, err := e.alloc(10)
	require.NoError(t, err)
	assert.Equal(t, int64(headerSize), off)
	assert.Equal(t, int64(headerSize+16), e.free[0].off)
}

func TestHeader(t *testing.T) {
	b := make([]byte, headerSize+entrySize)
	header{segment: 1, segments: 2, tableSlots: 1, tableOff: headerSize}.encode(b)

	h, err := decodeHeader(b)
	require.NoError(t, err)
	assert.Equal(t, header{segment: 1, segments: 2, tableSlots: 1, tableOff: headerSize}, h)

	_, err = decodeHeader(b[:100])
	assert.ErrorIs(t, err, errs.ErrCorruptHeader)

	header{tableSlots: 2, tableOff: headerSize}.encode(b)
	_, err = decodeHeader(b)
	assert.ErrorIs(t, err, errs.ErrCorruptHeader)
}

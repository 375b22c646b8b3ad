package disk

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/tiercache/codec"
	"github.com/hupe1980/tiercache/internal/errs"
	"github.com/hupe1980/tiercache/internal/hash"
	"github.com/hupe1980/tiercache/internal/mmap"
	"github.com/hupe1980/tiercache/internal/segment"
	"github.com/hupe1980/tiercache/resource"
)

var (
	// ErrChecksum is returned when a stored value fails its checksum.
	ErrChecksum = errors.New("disk: value checksum mismatch")
	// ErrLayoutMismatch is returned when a file was written with a different
	// segment layout.
	ErrLayoutMismatch = fmt.Errorf("%w: segment layout mismatch", errs.ErrStoreAccess)
)

// growMin is the smallest file extension.
const growMin = 64 * 1024

// Config configures one segment file.
type Config struct {
	// Dir is the persistence space directory.
	Dir string
	// ID is the segment id; Segments the store's segment count.
	ID       int
	Segments int
	// Persistent files are bootstrapped on open and kept on close.
	// Otherwise the file is truncated on open and deleted on close.
	Persistent bool
	Budget     *resource.Controller
	Logger     *slog.Logger
}

// Path returns the file of segment id inside dir.
func Path(dir string, id int) string {
	return filepath.Join(dir, fmt.Sprintf("segment-%03d.tcs", id))
}

type extent struct {
	off int64
	n   int64
}

type record struct {
	used   bool
	off    int64
	keyLen int
	valLen int
}

func (r record) size() int64 {
	return alignUp(max(int64(r.keyLen+r.valLen), 1), align)
}

// Engine is a segment.Engine over a memory-mapped file.
type Engine[K comparable, V any] struct {
	cfg     Config
	path    string
	keys    codec.Codec[K]
	values  codec.Codec[V]
	file    *mmap.File
	hdr     header
	records []record
	free    []extent
	end     int64
	dirty   *roaring.Bitmap
	fresh   bool
}

// Open opens or creates the file of segment cfg.ID.
func Open[K comparable, V any](cfg Config, keys codec.Codec[K], values codec.Codec[V]) (*Engine[K, V], error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}

	e := &Engine[K, V]{
		cfg:    cfg,
		path:   Path(cfg.Dir, cfg.ID),
		keys:   keys,
		values: values,
		dirty:  roaring.New(),
	}

	if !cfg.Persistent {
		if err := os.Remove(e.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	var size int64
	if fi, err := os.Stat(e.path); err == nil {
		size = fi.Size()
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	e.fresh = size == 0
	if e.fresh {
		size = headerSize
	}

	if err := cfg.Budget.Acquire(size); err != nil {
		return nil, fmt.Errorf("%w: %s needs %d bytes: %w", errs.ErrNoSpace, e.path, size, err)
	}
	file, err := mmap.OpenFile(e.path, size)
	if err != nil {
		cfg.Budget.Release(size)
		return nil, err
	}
	e.file = file
	e.end = file.Size()

	if e.fresh {
		e.hdr = header{segment: uint32(cfg.ID), segments: uint32(cfg.Segments)}
		e.writeHeader()
		return e, nil
	}

	if err := e.openHeader(); err != nil {
		_ = e.file.Close()
		cfg.Budget.Release(e.end)
		return nil, err
	}
	_ = e.file.Advise(mmap.AccessRandom)
	return e, nil
}

func (e *Engine[K, V]) openHeader() error {
	h, err := decodeHeader(e.file.Bytes())
	if err != nil {
		return fmt.Errorf("%s: %w", e.path, err)
	}
	if h.segment != uint32(e.cfg.ID) || h.segments != uint32(e.cfg.Segments) {
		return fmt.Errorf("%w: %s is segment %d of %d, want %d of %d",
			ErrLayoutMismatch, e.path, h.segment, h.segments, e.cfg.ID, e.cfg.Segments)
	}
	e.hdr = h
	return nil
}

func (e *Engine[K, V]) writeHeader() {
	e.hdr.encode(e.file.Bytes()[:headerSize])
	e.markDirty(0, headerSize)
}

func (e *Engine[K, V]) markDirty(off, n int64) {
	if n <= 0 {
		return
	}
	e.dirty.AddRange(uint64(off/pageSize), uint64((off+n+pageSize-1)/pageSize))
}

func (e *Engine[K, V]) entry(slot int) entry {
	off := int64(e.hdr.tableOff) + int64(slot)*entrySize
	return entry(e.file.Bytes()[off : off+entrySize : off+entrySize])
}

func (e *Engine[K, V]) tableExtent() extent {
	return extent{off: int64(e.hdr.tableOff), n: int64(e.hdr.tableSlots) * entrySize}
}

// Recover rebuilds the slot table from the page table. Entries failing
// their checksum, the bounds check or key decoding are cleared.
func (e *Engine[K, V]) Recover() (int, []segment.Recovered[K], error) {
	if e.fresh || e.hdr.tableSlots == 0 {
		e.rebuildFree(nil)
		return 0, nil, nil
	}

	slots := int(e.hdr.tableSlots)
	e.records = make([]record, slots)
	table := e.tableExtent()
	data := e.file.Bytes()

	type candidate struct {
		rec    segment.Recovered[K]
		ext    extent
		stored record
	}
	var (
		candidates []candidate
		dropped    int
		seen       = make(map[K]struct{})
	)

	for i := range slots {
		ent := e.entry(i)
		if ent.flags()&flagUsed == 0 {
			continue
		}

		keyLen, valLen, off := ent.keyLen(), ent.valLen(), ent.offset()
		r := record{used: true, off: off, keyLen: keyLen, valLen: valLen}
		ext := extent{off: off, n: r.size()}
		if keyLen > maxKeyLen || off < headerSize || ext.off+ext.n > e.end || overlaps(ext, table) ||
			ent.checksum() != ent.seal(data[off:off+int64(keyLen)]) {
			e.clearEntry(i)
			dropped++
			continue
		}

		key, err := e.keys.Decode(data[off : off+int64(keyLen)])
		if err != nil {
			e.clearEntry(i)
			dropped++
			continue
		}
		if _, dup := seen[key]; dup {
			e.clearEntry(i)
			dropped++
			continue
		}
		seen[key] = struct{}{}

		candidates = append(candidates, candidate{
			rec: segment.Recovered[K]{
				Slot:   i,
				Key:    key,
				Meta:   ent.meta(),
				State:  ent.state(),
				Weight: int64(keyLen + valLen),
			},
			ext:    ext,
			stored: r,
		})
	}

	// Records of two entries never share bytes; keep the first of any overlap.
	slices.SortFunc(candidates, func(a, b candidate) int { return cmp.Compare(a.ext.off, b.ext.off) })
	recovered := make([]segment.Recovered[K], 0, len(candidates))
	used := make([]extent, 0, len(candidates))
	var last int64
	for _, c := range candidates {
		if c.ext.off < last {
			e.clearEntry(c.rec.Slot)
			dropped++
			continue
		}
		last = c.ext.off + c.ext.n
		e.records[c.rec.Slot] = c.stored
		recovered = append(recovered, c.rec)
		used = append(used, c.ext)
	}
	e.rebuildFree(used)

	if dropped > 0 {
		e.cfg.Logger.Warn("dropped corrupt entries", "file", e.path, "dropped", dropped)
	}
	e.cfg.Logger.Info("segment file bootstrapped", "file", e.path, "entries", len(recovered), "slots", slots)
	return slots, recovered, nil
}

func overlaps(a, b extent) bool {
	return b.n > 0 && a.off < b.off+b.n && b.off < a.off+a.n
}

func (e *Engine[K, V]) clearEntry(slot int) {
	clear(e.entry(slot))
	e.markDirty(int64(e.hdr.tableOff)+int64(slot)*entrySize, entrySize)
}

// rebuildFree derives the free list from the extents in use.
func (e *Engine[K, V]) rebuildFree(used []extent) {
	if t := e.tableExtent(); t.n > 0 {
		used = append(used, t)
	}
	slices.SortFunc(used, func(a, b extent) int { return cmp.Compare(a.off, b.off) })

	e.free = e.free[:0]
	pos := int64(headerSize)
	for _, u := range used {
		if u.off > pos {
			e.free = append(e.free, extent{off: pos, n: u.off - pos})
		}
		pos = max(pos, u.off+u.n)
	}
	if pos < e.end {
		e.free = append(e.free, extent{off: pos, n: e.end - pos})
	}
}

func (e *Engine[K, V]) alloc(n int64) (int64, error) {
	n = alignUp(max(n, 1), align)
	for {
		for i := range e.free {
			x := &e.free[i]
			if x.n < n {
				continue
			}
			off := x.off
			x.off += n
			x.n -= n
			if x.n == 0 {
				e.free = slices.Delete(e.free, i, i+1)
			}
			return off, nil
		}
		if err := e.grow(n); err != nil {
			return 0, err
		}
	}
}

func (e *Engine[K, V]) grow(n int64) error {
	need := n
	if k := len(e.free); k > 0 && e.free[k-1].off+e.free[k-1].n == e.end {
		need -= e.free[k-1].n
	}
	need = alignUp(need, pageSize)

	size := max(need, alignUp(max(growMin, e.end/4), pageSize))
	if e.cfg.Budget.Acquire(size) != nil {
		size = need
		if err := e.cfg.Budget.Acquire(size); err != nil {
			return fmt.Errorf("%w: segment %d: grow by %d bytes: %w", errs.ErrNoSpace, e.cfg.ID, size, err)
		}
	}
	if err := e.file.Grow(e.end + size); err != nil {
		e.cfg.Budget.Release(size)
		return err
	}
	e.release(e.end, size)
	e.end += size
	return nil
}

func (e *Engine[K, V]) release(off, n int64) {
	n = alignUp(max(n, 1), align)
	i, _ := slices.BinarySearchFunc(e.free, off, func(x extent, t int64) int { return cmp.Compare(x.off, t) })
	e.free = slices.Insert(e.free, i, extent{off: off, n: n})
	if i+1 < len(e.free) && e.free[i].off+e.free[i].n == e.free[i+1].off {
		e.free[i].n += e.free[i+1].n
		e.free = slices.Delete(e.free, i+1, i+2)
	}
	if i > 0 && e.free[i-1].off+e.free[i-1].n == e.free[i].off {
		e.free[i-1].n += e.free[i].n
		e.free = slices.Delete(e.free, i, i+1)
	}
}

func (e *Engine[K, V]) Write(slot int, key K, value V, meta segment.Meta, state segment.State) (int64, error) {
	kb, err := e.keys.Encode(key)
	if err != nil {
		return 0, fmt.Errorf("disk: encode key: %w", err)
	}
	if len(kb) > maxKeyLen {
		return 0, fmt.Errorf("disk: key of %d bytes exceeds %d", len(kb), maxKeyLen)
	}
	vb, err := e.values.Encode(value)
	if err != nil {
		return 0, fmt.Errorf("disk: encode value: %w", err)
	}

	r := record{used: true, keyLen: len(kb), valLen: len(vb)}
	if r.off, err = e.alloc(r.size()); err != nil {
		return 0, err
	}

	data := e.file.Bytes()
	copy(data[r.off:], kb)
	copy(data[r.off+int64(len(kb)):], vb)
	e.markDirty(r.off, int64(len(kb)+len(vb)))

	ent := e.entry(slot)
	ent.put(len(kb), len(vb), hash.CRC32C(vb), r.off)
	ent.annotate(meta, state, kb)
	e.markDirty(int64(e.hdr.tableOff)+int64(slot)*entrySize, entrySize)

	if old := e.records[slot]; old.used {
		e.release(old.off, old.size())
	}
	e.records[slot] = r
	return int64(len(kb) + len(vb)), nil
}

func (e *Engine[K, V]) Read(slot int) (V, error) {
	var zero V
	r := e.records[slot]
	if !r.used {
		return zero, fmt.Errorf("disk: slot %d is empty", slot)
	}

	start := r.off + int64(r.keyLen)
	value := e.file.Bytes()[start : start+int64(r.valLen)]
	if hash.CRC32C(value) != e.entry(slot).valCRC() {
		return zero, fmt.Errorf("%w: %s slot %d", ErrChecksum, e.path, slot)
	}
	return e.values.Decode(value)
}

func (e *Engine[K, V]) Annotate(slot int, meta segment.Meta, state segment.State) error {
	r := e.records[slot]
	if !r.used {
		return fmt.Errorf("disk: slot %d is empty", slot)
	}
	key := e.file.Bytes()[r.off : r.off+int64(r.keyLen)]
	e.entry(slot).annotate(meta, state, key)
	e.markDirty(int64(e.hdr.tableOff)+int64(slot)*entrySize, entrySize)
	return nil
}

func (e *Engine[K, V]) Release(slot int) error {
	r := e.records[slot]
	if !r.used {
		return nil
	}
	e.clearEntry(slot)
	e.release(r.off, r.size())
	e.records[slot] = record{}
	return nil
}

func (e *Engine[K, V]) Move(from, to int) error {
	copy(e.entry(to), e.entry(from))
	e.markDirty(int64(e.hdr.tableOff)+int64(to)*entrySize, entrySize)
	e.clearEntry(from)
	e.records[to], e.records[from] = e.records[from], record{}
	return nil
}

// Resize relocates the page table to a new extent of slots entries. The new
// table is synced before the header points at it.
func (e *Engine[K, V]) Resize(slots int) error {
	if slots == int(e.hdr.tableSlots) {
		return nil
	}

	size := int64(slots) * entrySize
	off, err := e.alloc(size)
	if err != nil {
		return err
	}

	old := e.tableExtent()
	data := e.file.Bytes()
	n := min(old.n, size)
	copy(data[off:off+n], data[old.off:old.off+n])
	clear(data[off+n : off+size])
	if err := e.file.Sync(int(off), int(size)); err != nil {
		e.release(off, size)
		return err
	}

	e.hdr.tableOff = uint64(off)
	e.hdr.tableSlots = uint32(slots)
	e.writeHeader()
	if err := e.file.Sync(0, headerSize); err != nil {
		return err
	}
	if old.n > 0 {
		e.release(old.off, old.n)
	}

	records := make([]record, slots)
	copy(records, e.records)
	e.records = records
	return nil
}

// Sync msyncs every dirty page run. Pages stay dirty when ctx is cancelled
// while waiting for IO budget.
func (e *Engine[K, V]) Sync(ctx context.Context) error {
	if e.dirty.IsEmpty() {
		return nil
	}

	var first, last int64 = -1, -1
	flush := func() error {
		off := first * pageSize
		n := min((last-first+1)*pageSize, e.end-off)
		if n <= 0 {
			return nil
		}
		if err := e.cfg.Budget.AcquireIO(ctx, int(n)); err != nil {
			return err
		}
		return e.file.Sync(int(off), int(n))
	}

	it := e.dirty.Iterator()
	for it.HasNext() {
		p := int64(it.Next())
		if first >= 0 && p == last+1 {
			last = p
			continue
		}
		if first >= 0 {
			if err := flush(); err != nil {
				return err
			}
		}
		first, last = p, p
	}
	if err := flush(); err != nil {
		return err
	}
	e.dirty.Clear()
	return nil
}

// Close syncs and closes a persistent file, or deletes a temporary one.
func (e *Engine[K, V]) Close() error {
	if e.file == nil {
		return nil
	}
	defer e.cfg.Budget.Release(e.end)

	if !e.cfg.Persistent {
		err := e.file.Close()
		e.file = nil
		return errors.Join(err, os.Remove(e.path))
	}

	err := e.Sync(context.Background())
	err = errors.Join(err, e.file.Close())
	e.file = nil
	return err
}

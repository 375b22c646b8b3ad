package arena

import (
	"errors"
	"fmt"
	"math/bits"
	"os"
	"sync"

	"github.com/hupe1980/tiercache/internal/mmap"
)

// Budget is charged for every chunk the arena maps.
type Budget interface {
	Acquire(bytes int64) error
	Release(bytes int64)
}

var (
	// ErrAllocationFailed is returned when a block cannot be allocated.
	ErrAllocationFailed = errors.New("arena: allocation failed")
	// ErrClosed is returned when allocating from a closed arena.
	ErrClosed = errors.New("arena: closed")
)

const (
	// DefaultChunkSize is the default size of a slab chunk (1MB).
	DefaultChunkSize = 1024 * 1024
	// MinBlockSize is the smallest size class.
	MinBlockSize = 64

	minClassBits = 6
)

// Ref addresses a block handed out by Alloc.
// The zero Ref is never returned by a successful Alloc.
type Ref struct {
	chunk  uint32 // index + 1
	offset uint32
	length uint32
}

// IsZero reports whether r is the zero Ref.
func (r Ref) IsZero() bool { return r.chunk == 0 }

// Len returns the requested size of the block.
func (r Ref) Len() int { return int(r.length) }

// Stats tracks arena memory usage.
type Stats struct {
	Chunks        int   // chunks currently mapped
	BytesReserved int64 // bytes mapped (and charged to the budget)
	BytesUsed     int64 // bytes requested by live blocks
	Blocks        int64 // live blocks
}

type chunk struct {
	id      uint32
	mapping *mmap.Mapping
	data    []byte
	// class is -1 for dedicated chunks.
	class int
	block int
	// next is the bump pointer in blocks; free holds recycled offsets.
	next int
	free []uint32
	live int
}

func (c *chunk) full() bool {
	return len(c.free) == 0 && (c.next+1)*c.block > len(c.data)
}

type unlimited struct{}

func (unlimited) Acquire(int64) error { return nil }
func (unlimited) Release(int64)       {}

// Arena is a slab allocator over anonymous memory mappings.
// It is safe for concurrent use.
type Arena struct {
	mu        sync.Mutex
	chunkSize int
	maxClass  int
	budget    Budget
	chunks    []*chunk
	freeIDs   []uint32
	classes   [][]*chunk
	stats     Stats
	closed    bool
}

// Option is a configuration option for Arena.
type Option func(*Arena)

// WithBudget sets the budget charged for mapped chunks.
func WithBudget(b Budget) Option {
	return func(a *Arena) {
		a.budget = b
	}
}

// WithChunkSize sets the slab chunk size. It is rounded up to a power of two
// of at least one page.
func WithChunkSize(size int) Option {
	return func(a *Arena) {
		a.chunkSize = size
	}
}

// New creates an arena.
func New(opts ...Option) *Arena {
	a := &Arena{chunkSize: DefaultChunkSize}
	for _, opt := range opts {
		opt(a)
	}

	if a.budget == nil {
		a.budget = unlimited{}
	}
	if a.chunkSize < os.Getpagesize() {
		a.chunkSize = os.Getpagesize()
	}
	a.chunkSize = 1 << bits.Len(uint(a.chunkSize-1))

	// Largest class holds at least four blocks per chunk.
	a.maxClass = bits.Len(uint(a.chunkSize)) - 1 - 2 - minClassBits
	if a.maxClass < 0 {
		a.maxClass = 0
	}
	a.classes = make([][]*chunk, a.maxClass+1)
	return a
}

func classOf(size int) int {
	if size <= MinBlockSize {
		return 0
	}
	return bits.Len(uint(size-1)) - minClassBits
}

// BlockSize returns the bytes reserved for an allocation of size bytes.
func (a *Arena) BlockSize(size int) int {
	if size <= 0 {
		return 0
	}
	class := classOf(size)
	if class > a.maxClass {
		page := os.Getpagesize()
		return (size + page - 1) / page * page
	}
	return MinBlockSize << class
}

// Alloc reserves a block of size bytes and returns its reference and memory.
// The memory is not zeroed when a block is reused.
func (a *Arena) Alloc(size int) (Ref, []byte, error) {
	if size <= 0 {
		return Ref{}, nil, fmt.Errorf("%w: invalid size %d", ErrAllocationFailed, size)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return Ref{}, nil, ErrClosed
	}

	class := classOf(size)
	if class > a.maxClass {
		return a.allocDedicated(size)
	}

	var c *chunk
	for _, candidate := range a.classes[class] {
		if !candidate.full() {
			c = candidate
			break
		}
	}
	if c == nil {
		var err error
		if c, err = a.mapChunk(a.chunkSize, class, MinBlockSize<<class); err != nil {
			return Ref{}, nil, err
		}
		a.classes[class] = append(a.classes[class], c)
	}

	var off uint32
	if n := len(c.free); n > 0 {
		off = c.free[n-1]
		c.free = c.free[:n-1]
	} else {
		off = uint32(c.next * c.block)
		c.next++
	}
	c.live++

	ref := Ref{chunk: c.id, offset: off, length: uint32(size)}
	a.stats.BytesUsed += int64(size)
	a.stats.Blocks++
	return ref, c.data[off : int(off)+size : int(off)+size], nil
}

func (a *Arena) allocDedicated(size int) (Ref, []byte, error) {
	page := os.Getpagesize()
	mapped := (size + page - 1) / page * page

	c, err := a.mapChunk(mapped, -1, mapped)
	if err != nil {
		return Ref{}, nil, err
	}
	c.next = 1
	c.live = 1

	a.stats.BytesUsed += int64(size)
	a.stats.Blocks++
	return Ref{chunk: c.id, length: uint32(size)}, c.data[:size:size], nil
}

func (a *Arena) mapChunk(size, class, block int) (*chunk, error) {
	if err := a.budget.Acquire(int64(size)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAllocationFailed, err)
	}
	m, err := mmap.MapAnon(size)
	if err != nil {
		a.budget.Release(int64(size))
		return nil, fmt.Errorf("%w: %w", ErrAllocationFailed, err)
	}

	c := &chunk{mapping: m, data: m.Bytes(), class: class, block: block}
	if n := len(a.freeIDs); n > 0 {
		id := a.freeIDs[n-1]
		a.freeIDs = a.freeIDs[:n-1]
		c.id = id
		a.chunks[id-1] = c
	} else {
		a.chunks = append(a.chunks, c)
		c.id = uint32(len(a.chunks))
	}
	a.stats.Chunks++
	a.stats.BytesReserved += int64(size)
	return c, nil
}

func (a *Arena) lookup(ref Ref) (*chunk, error) {
	if ref.chunk == 0 || int(ref.chunk) > len(a.chunks) {
		return nil, fmt.Errorf("arena: invalid reference %+v", ref)
	}
	c := a.chunks[ref.chunk-1]
	if c == nil || int(ref.offset)+int(ref.length) > len(c.data) {
		return nil, fmt.Errorf("arena: stale reference %+v", ref)
	}
	return c, nil
}

// Bytes returns the memory of a live block.
// The slice is valid until the block is freed or the arena closed.
func (a *Arena) Bytes(ref Ref) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil, ErrClosed
	}
	c, err := a.lookup(ref)
	if err != nil {
		return nil, err
	}
	end := int(ref.offset) + int(ref.length)
	return c.data[ref.offset:end:end], nil
}

// Free returns a block to its chunk. Chunks without live blocks are unmapped.
func (a *Arena) Free(ref Ref) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	c, err := a.lookup(ref)
	if err != nil {
		return err
	}

	c.live--
	a.stats.BytesUsed -= int64(ref.length)
	a.stats.Blocks--

	if c.live > 0 {
		c.free = append(c.free, ref.offset)
		return nil
	}

	a.chunks[ref.chunk-1] = nil
	a.freeIDs = append(a.freeIDs, ref.chunk)
	if c.class >= 0 {
		list := a.classes[c.class]
		for i, candidate := range list {
			if candidate == c {
				a.classes[c.class] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
	return a.unmap(c)
}

func (a *Arena) unmap(c *chunk) error {
	size := len(c.data)
	err := c.mapping.Close()
	a.budget.Release(int64(size))
	a.stats.Chunks--
	a.stats.BytesReserved -= int64(size)
	return err
}

// Stats returns the current arena statistics.
func (a *Arena) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// Close unmaps every chunk and releases its budget.
// All slices handed out become invalid.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true

	var errs []error
	for i, c := range a.chunks {
		if c != nil {
			errs = append(errs, a.unmap(c))
			a.chunks[i] = nil
		}
	}
	a.chunks = nil
	a.freeIDs = nil
	a.classes = nil
	a.stats.BytesUsed = 0
	a.stats.Blocks = 0
	return errors.Join(errs...)
}

func (a *Arena) String() string {
	s := a.Stats()
	return fmt.Sprintf("Arena{chunks: %d, reserved: %.2f MB, used: %.2f MB, blocks: %d}",
		s.Chunks,
		float64(s.BytesReserved)/(1024*1024),
		float64(s.BytesUsed)/(1024*1024),
		s.Blocks,
	)
}

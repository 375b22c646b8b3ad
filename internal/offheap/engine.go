// Package offheap stores segment payloads outside the Go heap.
//
// Values are encoded with a codec and copied into blocks of an
// internal/arena slab allocator; the Go heap only holds the block
// references. Entry weight is the block size the arena reserved, so segment
// capacity and the shared byte budget account for the same bytes.
package offheap

import (
	"context"
	"errors"
	"fmt"

	"github.com/hupe1980/tiercache/codec"
	"github.com/hupe1980/tiercache/internal/arena"
	"github.com/hupe1980/tiercache/internal/errs"
	"github.com/hupe1980/tiercache/internal/segment"
)

// Engine is a segment.Engine over an arena.
type Engine[K comparable, V any] struct {
	arena  *arena.Arena
	values codec.Codec[V]
	blocks []block
}

type block struct {
	ref arena.Ref
	n   int
}

// New returns an engine encoding values with values into a.
// The engine owns a and closes it.
func New[K comparable, V any](a *arena.Arena, values codec.Codec[V]) *Engine[K, V] {
	return &Engine[K, V]{arena: a, values: values}
}

func (e *Engine[K, V]) Write(slot int, _ K, value V, _ segment.Meta, _ segment.State) (int64, error) {
	data, err := e.values.Encode(value)
	if err != nil {
		return 0, fmt.Errorf("offheap: encode value: %w", err)
	}

	// Empty encodings still need a block to tell them from a free slot.
	size := max(len(data), 1)
	ref, buf, err := e.arena.Alloc(size)
	if err != nil {
		if errors.Is(err, arena.ErrAllocationFailed) {
			return 0, fmt.Errorf("%w: %w", errs.ErrNoSpace, err)
		}
		return 0, err
	}
	copy(buf, data)

	if old := e.blocks[slot].ref; !old.IsZero() {
		if err := e.arena.Free(old); err != nil {
			_ = e.arena.Free(ref)
			return 0, err
		}
	}
	e.blocks[slot] = block{ref: ref, n: len(data)}
	return int64(e.arena.BlockSize(size)), nil
}

func (e *Engine[K, V]) Read(slot int) (V, error) {
	var zero V
	b := e.blocks[slot]
	if b.ref.IsZero() {
		return zero, fmt.Errorf("offheap: slot %d is empty", slot)
	}
	data, err := e.arena.Bytes(b.ref)
	if err != nil {
		return zero, err
	}
	return e.values.Decode(data[:b.n])
}

func (e *Engine[K, V]) Annotate(int, segment.Meta, segment.State) error { return nil }

func (e *Engine[K, V]) Release(slot int) error {
	ref := e.blocks[slot].ref
	if ref.IsZero() {
		return nil
	}
	e.blocks[slot] = block{}
	return e.arena.Free(ref)
}

func (e *Engine[K, V]) Move(from, to int) error {
	e.blocks[to], e.blocks[from] = e.blocks[from], block{}
	return nil
}

func (e *Engine[K, V]) Resize(slots int) error {
	blocks := make([]block, slots)
	copy(blocks, e.blocks)
	e.blocks = blocks
	return nil
}

func (e *Engine[K, V]) Sync(context.Context) error { return nil }

func (e *Engine[K, V]) Close() error {
	e.blocks = nil
	return e.arena.Close()
}

package segment

import "context"

// Engine stores entry payloads on behalf of a segment. Slots are indexes
// into the segment's table; the segment serializes all calls, holding its
// write lock for every method but Read, which may run concurrently with
// other Reads.
type Engine[K comparable, V any] interface {
	// Write stores key and value at slot, replacing what was there, and
	// returns the weight charged against the segment capacity. Failures
	// must leave the previous content intact. An error wrapping
	// errs.ErrNoSpace asks the segment to evict and retry.
	Write(slot int, key K, value V, meta Meta, state State) (int64, error)
	// Read returns the value stored at slot.
	Read(slot int) (V, error)
	// Annotate updates the metadata of an occupied slot.
	Annotate(slot int, meta Meta, state State) error
	// Release frees slot.
	Release(slot int) error
	// Move relocates an occupied slot to a free one.
	Move(from, to int) error
	// Resize changes the number of slots. Shrinking only drops free slots.
	Resize(slots int) error
	// Sync makes written data durable where the engine supports it. ctx
	// bounds any wait for IO budget.
	Sync(ctx context.Context) error
	// Close releases the engine's resources.
	Close() error
}

// Recovered describes one live entry found by an engine on startup.
type Recovered[K comparable] struct {
	Slot   int
	Key    K
	Meta   Meta
	State  State
	Weight int64
}

// Recoverable engines rebuild a segment from persisted state.
type Recoverable[K comparable] interface {
	// Recover returns the persisted table size and the live entries in it.
	Recover() (slots int, entries []Recovered[K], err error)
}

// HeapEngine keeps values on the Go heap.
type HeapEngine[K comparable, V any] struct {
	values []V
	weigh  func(K, V) int64
}

// NewHeapEngine creates a heap engine. A nil weigh charges 1 per entry.
func NewHeapEngine[K comparable, V any](weigh func(K, V) int64) *HeapEngine[K, V] {
	return &HeapEngine[K, V]{weigh: weigh}
}

func (e *HeapEngine[K, V]) Write(slot int, key K, value V, _ Meta, _ State) (int64, error) {
	e.values[slot] = value
	if e.weigh == nil {
		return 1, nil
	}
	return e.weigh(key, value), nil
}

func (e *HeapEngine[K, V]) Read(slot int) (V, error) {
	return e.values[slot], nil
}

func (e *HeapEngine[K, V]) Annotate(int, Meta, State) error { return nil }

func (e *HeapEngine[K, V]) Release(slot int) error {
	var zero V
	e.values[slot] = zero
	return nil
}

func (e *HeapEngine[K, V]) Move(from, to int) error {
	var zero V
	e.values[to], e.values[from] = e.values[from], zero
	return nil
}

func (e *HeapEngine[K, V]) Resize(slots int) error {
	values := make([]V, slots)
	copy(values, e.values)
	e.values = values
	return nil
}

func (e *HeapEngine[K, V]) Sync(context.Context) error { return nil }

func (e *HeapEngine[K, V]) Close() error {
	e.values = nil
	return nil
}

package resource

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrConfigurationInvalid is returned when a pool configuration is rejected.
// It is a construction-time, non-retryable failure.
var ErrConfigurationInvalid = errors.New("resource: invalid configuration")

// Kind identifies the resource a pool draws on. Kinds are ordered from the
// fastest, smallest tier to the slowest, largest one.
type Kind uint8

const (
	// KindHeap is the Go heap resident tier.
	KindHeap Kind = iota + 1
	// KindOffHeap is memory outside the garbage collected heap.
	KindOffHeap
	// KindDisk is the file backed tier.
	KindDisk
)

func (k Kind) String() string {
	switch k {
	case KindHeap:
		return "heap"
	case KindOffHeap:
		return "offheap"
	case KindDisk:
		return "disk"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// PersistenceCapable reports whether pools of this kind may outlive the process.
func (k Kind) PersistenceCapable() bool {
	return k == KindDisk
}

// Unit is the unit a pool size is expressed in.
type Unit uint8

const (
	// Entries sizes a pool by entry count.
	Entries Unit = iota + 1
	// Bytes sizes a pool by byte count.
	Bytes
)

func (u Unit) String() string {
	switch u {
	case Entries:
		return "entries"
	case Bytes:
		return "bytes"
	default:
		return fmt.Sprintf("unit(%d)", uint8(u))
	}
}

// Byte size multipliers.
const (
	KB uint64 = 1 << 10
	MB uint64 = 1 << 20
	GB uint64 = 1 << 30
)

// Pool is an immutable capacity budget for one resource kind.
type Pool struct {
	kind       Kind
	size       uint64
	unit       Unit
	persistent bool
}

// NewPool creates a pool. Validation happens when the pool is added to Pools.
func NewPool(kind Kind, size uint64, unit Unit, persistent bool) Pool {
	return Pool{kind: kind, size: size, unit: unit, persistent: persistent}
}

// Heap returns a heap pool.
func Heap(size uint64, unit Unit) Pool { return NewPool(KindHeap, size, unit, false) }

// OffHeap returns an off-heap pool of the given byte size.
func OffHeap(size uint64) Pool { return NewPool(KindOffHeap, size, Bytes, false) }

// Disk returns a disk pool of the given byte size.
func Disk(size uint64, persistent bool) Pool { return NewPool(KindDisk, size, Bytes, persistent) }

// Kind returns the pool resource kind.
func (p Pool) Kind() Kind { return p.kind }

// Size returns the pool size in Unit.
func (p Pool) Size() uint64 { return p.size }

// Unit returns the pool unit.
func (p Pool) Unit() Unit { return p.unit }

// Persistent reports whether the pool content survives a restart.
func (p Pool) Persistent() bool { return p.persistent }

func (p Pool) String() string {
	return fmt.Sprintf("%s{size=%d %s, persistent=%t}", p.kind, p.size, p.unit, p.persistent)
}

func (p Pool) validate() error {
	switch p.kind {
	case KindHeap, KindOffHeap, KindDisk:
	default:
		return fmt.Errorf("%w: unknown resource kind %s", ErrConfigurationInvalid, p.kind)
	}
	if p.unit != Entries && p.unit != Bytes {
		return fmt.Errorf("%w: %s pool has unknown unit %s", ErrConfigurationInvalid, p.kind, p.unit)
	}
	if p.size == 0 {
		return fmt.Errorf("%w: %s pool size must be positive", ErrConfigurationInvalid, p.kind)
	}
	if p.persistent && !p.kind.PersistenceCapable() {
		return fmt.Errorf("%w: %s pool cannot be persistent", ErrConfigurationInvalid, p.kind)
	}
	if p.kind != KindHeap && p.unit != Bytes {
		return fmt.Errorf("%w: %s pool must be sized in bytes", ErrConfigurationInvalid, p.kind)
	}
	return nil
}

// Pools is an immutable set of pools with at most one pool per kind.
type Pools struct {
	pools map[Kind]Pool
}

// NewPools validates the given pools and returns them as an immutable set.
func NewPools(pools ...Pool) (*Pools, error) {
	if len(pools) == 0 {
		return nil, fmt.Errorf("%w: at least one pool is required", ErrConfigurationInvalid)
	}

	m := make(map[Kind]Pool, len(pools))
	for _, p := range pools {
		if err := p.validate(); err != nil {
			return nil, err
		}
		if _, dup := m[p.kind]; dup {
			return nil, fmt.Errorf("%w: duplicate %s pool", ErrConfigurationInvalid, p.kind)
		}
		m[p.kind] = p
	}

	ps := &Pools{pools: m}
	if err := ps.validateTiering(); err != nil {
		return nil, err
	}
	return ps, nil
}

// validateTiering rejects byte sized tiers that are not strictly larger than
// the byte sized tier above them.
func (ps *Pools) validateTiering() error {
	kinds := ps.Kinds()
	for i := 0; i+1 < len(kinds); i++ {
		upper, lower := ps.pools[kinds[i]], ps.pools[kinds[i+1]]
		if upper.unit != Bytes || lower.unit != Bytes {
			continue
		}
		if upper.size >= lower.size {
			return fmt.Errorf("%w: tiering inversion, %s must be smaller than %s", ErrConfigurationInvalid, upper, lower)
		}
	}
	return nil
}

// Pool returns the pool for kind.
func (ps *Pools) Pool(kind Kind) (Pool, bool) {
	if ps == nil {
		return Pool{}, false
	}
	p, ok := ps.pools[kind]
	return p, ok
}

// Kinds returns the configured kinds ordered from the top tier down.
func (ps *Pools) Kinds() []Kind {
	if ps == nil {
		return nil
	}
	kinds := make([]Kind, 0, len(ps.pools))
	for k := range ps.pools {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Persistent reports whether any configured pool is persistent.
func (ps *Pools) Persistent() bool {
	for _, p := range ps.pools {
		if p.persistent {
			return true
		}
	}
	return false
}

func (ps *Pools) String() string {
	var parts []string
	for _, k := range ps.Kinds() {
		parts = append(parts, ps.pools[k].String())
	}
	return "Pools[" + strings.Join(parts, ", ") + "]"
}

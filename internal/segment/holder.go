package segment

import "time"

// Meta is the per-entry metadata kept next to the payload.
// Times are unix nanoseconds; Expires is 0 when the entry never expires.
type Meta struct {
	ID       uint64
	Hits     uint64
	Created  int64
	Accessed int64
	Expires  int64
}

// Expired reports whether the entry is stale at now.
func (m Meta) Expired(now int64) bool {
	return m.Expires != 0 && now >= m.Expires
}

// Holder is an immutable snapshot of an entry returned by every read.
type Holder[V any] struct {
	value V
	meta  Meta
}

// NewHolder creates a holder.
func NewHolder[V any](value V, meta Meta) *Holder[V] {
	return &Holder[V]{value: value, meta: meta}
}

// Value returns the stored value.
func (h *Holder[V]) Value() V { return h.value }

// ID identifies one write of the entry. A put replacing the value produces a
// new ID; flushing a holder whose ID no longer matches is a lost race.
func (h *Holder[V]) ID() uint64 { return h.meta.ID }

// Hits returns the number of recorded reads.
func (h *Holder[V]) Hits() uint64 { return h.meta.Hits }

// Meta returns the full metadata.
func (h *Holder[V]) Meta() Meta { return h.meta }

// CreationTime returns when the value was written.
func (h *Holder[V]) CreationTime() time.Time { return time.Unix(0, h.meta.Created) }

// LastAccessTime returns when a hit was last recorded.
func (h *Holder[V]) LastAccessTime() time.Time { return time.Unix(0, h.meta.Accessed) }

// ExpirationTime returns when the entry expires and false if it never does.
func (h *Holder[V]) ExpirationTime() (time.Time, bool) {
	if h.meta.Expires == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, h.meta.Expires), true
}

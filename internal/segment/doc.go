// Package segment implements the lock-owning shards every tier is built from.
//
// A Segment is a slot table guarded by one sync.RWMutex. Entries carry a
// State (Normal, Vetoed, Pinned, VetoedAndPinned) and Meta (id, hits and
// timestamps); only Normal entries are eviction candidates. Eviction is a
// clock scan with one second chance for recently written slots. Payloads
// live in an Engine: the heap engine here, or the off-heap and disk engines
// in their own packages.
//
// A Store routes keys to a fixed array of segments by an xxHash of the
// encoded key. Capacity is split evenly across segments, so the bound is
// approximate when keys are skewed.
//
// Eviction listeners are never called under a segment lock: evictions are
// collected while the lock is held and delivered after it is released, so a
// listener may call back into the store.
package segment

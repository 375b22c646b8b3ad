// Package tiercache provides an embedded multi-tier cache for Go.
//
// A store is built from resource pools: a heap tier sized in entries or
// bytes, an off-heap tier in memory outside the garbage collected heap, and
// a disk tier in memory mapped segment files that can outlive the process.
// The lowest configured tier is the tier of record and holds every entry;
// the tiers above it cache recently read entries.
//
// # Quick Start
//
//	pools, _ := resource.NewPools(
//	    resource.Heap(1000, resource.Entries),
//	    resource.OffHeap(64*resource.MB),
//	    resource.Disk(1*resource.GB, true),
//	)
//	store, _ := tiercache.New[string, []byte](pools, tiercache.WithPersistence("./data", "images"))
//	defer store.Close(context.Background())
//
//	_ = store.Put("logo", data)
//	h, _ := store.Get("logo")
//	fmt.Println(len(h.Value()), h.Hits())
//
// # Reads
//
// A read that misses the caching tier faults the entry out of the tier of
// record: the entry is pinned there, copied upward and unpinned again. A
// pinned entry cannot be evicted, but a concurrent put may replace it; the
// stale copy is then dropped from the caching tier. Concurrent readers of
// the same missing key share a single fault.
//
// # Eviction
//
// Each tier is split into segments addressed by a hash of the encoded key.
// A segment evicts with a clock: entries get a second chance after being
// written, entries rejected by the eviction veto and pinned entries are
// skipped. Per-segment capacity is the pool size divided by the segment
// count, so heavily skewed keys can evict before the pool is full.
//
// # Persistence
//
// A persistent disk pool keeps one file per segment under
// <dir>/<space>. Close flushes the hit counts held by the caching tiers
// down and syncs the files; New bootstraps them again. Corrupt entries are
// dropped individually, an unreadable header fails New.
//
// # Configuration
//
// Pools can be loaded from YAML with resource.LoadPools:
//
//	heap:
//	  size: 1000
//	  unit: entries
//	disk:
//	  size: 1GB
//	  persistent: true
package tiercache

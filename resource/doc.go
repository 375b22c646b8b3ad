// Package resource describes and enforces the capacity budgets of a tiered store.
//
// # Resource Pools
//
// A Pools value maps each resource kind (heap, off-heap, disk) to at most one
// Pool. A pool carries a size, a unit (entries or bytes) and a persistence flag.
// Pools are validated once at construction and are immutable afterwards:
//
//	pools, err := resource.NewPools(
//	    resource.Heap(1000, resource.Entries),
//	    resource.OffHeap(64*resource.MB),
//	    resource.Disk(1*resource.GB, true),
//	)
//
// Validation rejects duplicate kinds, empty pools, persistent heap or off-heap
// pools, off-heap or disk pools sized in entries and tiering inversions (a lower
// tier that is not larger than the tier above it when both are byte sized).
// All validation failures wrap ErrConfigurationInvalid.
//
// Pools can also be loaded from YAML with human readable sizes:
//
//	heap:
//	  size: 1000
//	  unit: entries
//	offheap:
//	  size: 64MB
//	disk:
//	  size: 1GB
//	  persistent: true
//
// # Budget Controller
//
// Controller enforces a byte budget with a weighted semaphore. Acquisition is
// non-blocking and fails fast with ErrBudgetExceeded so that callers can evict
// and retry. An optional token bucket throttles flush IO:
//
//	rc := resource.NewController(resource.Config{
//	    LimitBytes:         64 * resource.MB,
//	    IOLimitBytesPerSec: 100 * resource.MB,
//	})
//
// All Controller methods are safe for concurrent use and are no-ops on a nil
// Controller.
package resource

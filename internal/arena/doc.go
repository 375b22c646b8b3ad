// Package arena provides the off-heap slab allocator behind the off-heap tier.
//
// Memory comes from anonymous mmap chunks, so stored values never add GC
// pressure. Each chunk is dedicated to one power-of-two size class; freed
// blocks go back to their chunk and a chunk whose last block is freed is
// unmapped and its bytes returned to the budget. Requests larger than the
// largest class get a dedicated chunk.
//
// Every chunk is charged against a Budget (normally a resource.Controller)
// before it is mapped. When the budget refuses, Alloc fails with
// ErrAllocationFailed and the caller is expected to evict and retry.
package arena

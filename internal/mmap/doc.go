// Package mmap provides memory mappings for the off-heap and disk tiers.
//
// # Overview
//
// Two kinds of mapping are supported:
//
//   - MapAnon returns anonymous read-write memory outside the Go heap. The
//     arena allocator carves off-heap value storage out of these chunks.
//   - OpenFile maps a segment file read-write and shared, so stores through
//     Bytes() reach the page cache directly and Sync() makes them durable.
//
// # Usage
//
//	f, err := mmap.OpenFile("segment-000.tcs", 64*1024)
//	if err != nil { ... }
//	defer f.Close()
//
//	copy(f.Bytes()[off:], payload)
//	_ = f.Sync(off, len(payload))
//
//	// Grow remaps the file; slices from Bytes() taken before are invalid.
//	_ = f.Grow(128 * 1024)
//
// # Platform Support
//
//   - Unix (Linux, macOS, BSD): mmap(2), msync(2) and madvise(2)
//   - Windows: CreateFileMapping/MapViewOfFile and FlushViewOfFile (madvise is a no-op)
//
// # Thread Safety
//
// Mapping.Close is idempotent and protected by atomic operations. File is not
// synchronized: Grow, Sync and Close must be serialized by the caller, which
// for segment files is the owning segment's lock.
package mmap

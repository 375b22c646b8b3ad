// Package hash provides the hashing used by the cache tiers.
//
// # Key routing
//
// Key and Segment hash codec-encoded keys with xxHash64. The hash must not
// depend on process state (no seeds, no pointers) because a persistent disk
// tier reopens its segment files and expects every key to route to the same
// segment it was written to.
//
// # Integrity
//
// CRC32C (Castagnoli) protects the disk tier's header, page table entries
// and value payloads:
//
//	checksum := hash.CRC32C(data)
//
//	crc := hash.CRC32C(entry)
//	crc = hash.UpdateCRC32C(crc, key)
package hash

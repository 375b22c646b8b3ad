// Package disk implements the persistent segment engine.
//
// Each segment owns one memory-mapped file, <dir>/segment-NNN.tcs:
//
//	[0, 4096)      header: magic, version, segment id, segment count,
//	               page table slots and offset, CRC32C
//	[4096, end)    extents: the page table and key/value records
//
// The page table is an array of 64 byte entries, one per segment slot:
//
//	0  flags (used, vetoed)   4  key length    8  value length
//	12 value CRC32C           16 record offset 24 hits
//	32 created                40 accessed      48 expires
//	56 entry CRC32C over bytes [0, 56) followed by the key bytes
//
// Records are written before their entry, so a torn write leaves an entry
// whose checksum does not match. Bootstrap walks the page table, checks
// each entry against its checksum and the file bounds, decodes only the
// keys and drops bad entries one by one. Value checksums are verified on
// read. A header that fails validation is fatal.
//
// Dirty pages are tracked in a roaring bitmap and flushed with msync on
// Sync and Close, throttled by the disk pool's IO limiter. File growth is
// charged to the disk pool budget; when it refuses, writes fail with
// errs.ErrNoSpace so the segment evicts and retries.
package disk

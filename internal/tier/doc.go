// Package tier composes segment stores into a tiered cache.
//
// An Authoritative tier is the tier of record. A caching tier sits in front
// of it and is populated on demand by faulting entries out of the
// authoritative tier: GetAndFault pins the authoritative copy, the holder is
// installed upward and Flush unpins it again. Holders keep the ID of the
// authoritative write they were read from, so a flush of a holder whose entry
// was replaced in the meantime is detected and reported as a lost race.
//
// Tiered orchestrates the protocol. Compound stacks two caching tiers, a heap
// tier over an off-heap tier, demoting evictions and promoting hits.
package tier

// Package idauthority hands out disjoint blocks of ids per (partition, namespace) to any number of
// allocators that do not know about each other. It uses the claim/verify round of the locking package
// on one store row per (partition, namespace, tag).
//
// Allocation Round:
//
//	1. Read the row. The next block starts after the highest committed block and after every
//	   unexpired claim, at 1 for an empty row.
//	2. Write an ephemeral claim (timestamp, rid) for [start, start+size).
//	3. Wait out the id wait window and read the row again.
//	4. The round is won if no committed block overlaps the claimed range and no overlapping
//	   unexpired claim is senior. The winner commits its block and deletes its claim in one
//	   row write, a loser deletes its claim and retries.
//
// Conflict Avoidance:
//
//	Tags split a namespace into independent counter spaces. In ModeFixed every allocator uses its
//	configured tag, in ModeGlobalAuto a random tag is chosen for every attempt. The tag occupies the
//	low Bits bits of every id, so ids of different tags never collide.
//
// Errors:
//
//	Exceeding the id upper bound is a permanent failure. Timeouts, lost rounds that exhaust the
//	retry count and temporary store failures are temporary.
//
// Row Layout:
//
//	row key:   uint32 BE partition || uint32 BE namespace || uint32 BE tag
//	committed: 0x00 || uint64 BE end         value uint64 BE start || uint64 BE ticks || rid
//	claim:     0x01 || uint64 BE ticks || rid value uint64 BE start || uint64 BE end
package idauthority

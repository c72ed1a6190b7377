// Package btree implements the chunk index: a persistent B+-tree mapping
// chunk coordinates to the file space that holds each chunk.
//
// # Keys
//
// Keys are scaled chunk coordinates (element offset divided by the chunk
// dimensions) ordered row-major, see [Compare]. The index is sparse: a
// chunk gets an entry the first time it is written, and a chunk without an
// entry reads as the fill value.
//
// # Structure
//
// Leaves hold [Entry] values; internal nodes hold separator keys and child
// addresses, where child i covers keys in [keys[i-1], keys[i]). Every node
// except the root holds between k and 2k items, k being
// [Config].MinEntries. Overflow splits a node and promotes the median;
// underflow borrows from a sibling with spare items or merges with one.
// The root keeps its address as the tree grows and shrinks, so the address
// persisted in the layout never goes stale.
//
// Nodes are fixed-size records (signature "TREE", level, count, payload,
// xxhash checksum) held in an arena keyed by file address. They are loaded
// on first access and written back by [Index.Flush]. Any malformed node
// (bad signature or checksum, wrong level, occupancy or key order) is
// reported as index corruption; the tree is never repaired.
//
// # Space
//
// [Index.InsertOrUpdate] frees a chunk's old space when its address
// changes, [Index.Prune] frees chunks that fall entirely outside a shrunken
// extent, and [Index.Destroy] frees everything.
package btree

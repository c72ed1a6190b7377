// Package alloc provides file-space allocation for dataset storage.
//
// Contiguous data blocks, chunk payloads, chunk-index nodes and the metadata
// catalog are all placed at file addresses handed out by an [Allocator].
// The allocator prevents overlapping writes and tracks file growth.
//
// # Allocator
//
// The [Allocator] type provides thread-safe space management:
//
//   - Free-list reuse: freed blocks are coalesced and handed out first-fit
//     before the end-of-file address is advanced. A free block touching the
//     end of file shrinks the file instead.
//   - Capacity limit: [Allocator.SetLimit] caps the file size; requests
//     beyond it return [Undefined] rather than an address.
//   - Allocation tracking: live allocations are recorded so that
//     [Allocator.Free] can reject mismatched frees and
//     [Allocator.Validate] can detect overlaps.
//
// # Usage
//
//	a := alloc.New(64) // start after the file header
//	addr := a.Alloc(1024)
//	if addr == alloc.Undefined {
//		// out of space
//	}
//	_ = a.Free(addr, 1024)
package alloc

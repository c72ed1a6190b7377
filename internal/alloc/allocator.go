// Package alloc provides file-space management for dataset storage.
package alloc

import (
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/robert-malhotra/go-h5layout/internal/h5err"
)

// Undefined is the address returned when no space could be allocated.
// It is also the on-disk marker for "not yet allocated".
const Undefined = ^uint64(0)

// Allocator manages space allocation within a file.
// Freed blocks are kept on a free list and reused first-fit before the
// end-of-file address is advanced.
type Allocator struct {
	mu sync.Mutex

	// eofAddr is the current end-of-file address (next append point)
	eofAddr uint64

	// baseAddr is the minimum address that can be allocated
	// (typically after the file header)
	baseAddr uint64

	// limit caps eofAddr; zero means unlimited
	limit uint64

	// live allocations keyed by address
	allocations map[uint64]Allocation

	// freeBlocks is sorted by address and fully coalesced
	freeBlocks []FreeBlock

	stats Stats
}

// Allocation represents a single live allocation.
type Allocation struct {
	Addr uint64
	Size uint64
	Tag  string // Optional tag for debugging
}

// FreeBlock represents a freed block of space.
type FreeBlock struct {
	Addr uint64
	Size uint64
}

// Stats contains allocation statistics.
type Stats struct {
	TotalAllocations uint64 // Number of allocations made
	TotalBytesAlloc  uint64 // Total bytes allocated
	TotalBytesFree   uint64 // Total bytes freed
	LargestAlloc     uint64 // Largest single allocation
	ReusedAllocs     uint64 // Allocations satisfied from the free list
	Failures         uint64 // Allocations refused by the limit
}

// New creates a new Allocator starting at the given base address.
func New(baseAddr uint64) *Allocator {
	return &Allocator{
		eofAddr:     baseAddr,
		baseAddr:    baseAddr,
		allocations: make(map[uint64]Allocation),
	}
}

// SetLimit caps the file size. Allocations that would move the end of file
// past limit fail with Undefined. Zero removes the cap.
func (a *Allocator) SetLimit(limit uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.limit = limit
}

// Alloc allocates a block of the given size and returns its address, or
// Undefined if the space cannot be provided.
func (a *Allocator) Alloc(size uint64) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.allocLocked(size, "")
}

// AllocTagged allocates a block with an optional tag for debugging.
func (a *Allocator) AllocTagged(size uint64, tag string) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.allocLocked(size, tag)
}

// allocLocked performs allocation while holding the lock.
func (a *Allocator) allocLocked(size uint64, tag string) uint64 {
	if size == 0 {
		return Undefined
	}

	addr, ok := a.takeFreeLocked(size)
	if ok {
		a.stats.ReusedAllocs++
	} else {
		if a.limit != 0 && (a.eofAddr+size > a.limit || a.eofAddr+size < a.eofAddr) {
			a.stats.Failures++
			return Undefined
		}
		addr = a.eofAddr
		a.eofAddr += size
	}

	a.allocations[addr] = Allocation{Addr: addr, Size: size, Tag: tag}

	a.stats.TotalAllocations++
	a.stats.TotalBytesAlloc += size
	if size > a.stats.LargestAlloc {
		a.stats.LargestAlloc = size
	}

	return addr
}

// takeFreeLocked carves size bytes out of the first free block large enough.
func (a *Allocator) takeFreeLocked(size uint64) (uint64, bool) {
	for i, fb := range a.freeBlocks {
		if fb.Size < size {
			continue
		}
		addr := fb.Addr
		if fb.Size == size {
			a.freeBlocks = append(a.freeBlocks[:i], a.freeBlocks[i+1:]...)
		} else {
			a.freeBlocks[i] = FreeBlock{Addr: fb.Addr + size, Size: fb.Size - size}
		}
		return addr, true
	}
	return 0, false
}

// Free returns a block to the free list. The block must match a live
// allocation exactly.
func (a *Allocator) Free(addr, size uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if addr == Undefined || size == 0 {
		return nil
	}
	live, ok := a.allocations[addr]
	if !ok {
		return h5err.New(h5err.ErrAllocationFailure, "free of unallocated address 0x%x", addr)
	}
	if live.Size != size {
		return h5err.New(h5err.ErrAllocationFailure,
			"free of 0x%x with size %d, allocated size %d", addr, size, live.Size)
	}
	delete(a.allocations, addr)
	a.insertFreeLocked(FreeBlock{Addr: addr, Size: size})
	a.stats.TotalBytesFree += size

	// Give a trailing free block back to the end of file.
	if n := len(a.freeBlocks); n > 0 {
		last := a.freeBlocks[n-1]
		if last.Addr+last.Size == a.eofAddr {
			a.eofAddr = last.Addr
			a.freeBlocks = a.freeBlocks[:n-1]
		}
	}
	return nil
}

// insertFreeLocked adds fb to the sorted free list, merging neighbours.
func (a *Allocator) insertFreeLocked(fb FreeBlock) {
	i := sort.Search(len(a.freeBlocks), func(i int) bool {
		return a.freeBlocks[i].Addr > fb.Addr
	})
	a.freeBlocks = append(a.freeBlocks, FreeBlock{})
	copy(a.freeBlocks[i+1:], a.freeBlocks[i:])
	a.freeBlocks[i] = fb

	if i+1 < len(a.freeBlocks) && a.freeBlocks[i].Addr+a.freeBlocks[i].Size == a.freeBlocks[i+1].Addr {
		a.freeBlocks[i].Size += a.freeBlocks[i+1].Size
		a.freeBlocks = append(a.freeBlocks[:i+1], a.freeBlocks[i+2:]...)
	}
	if i > 0 && a.freeBlocks[i-1].Addr+a.freeBlocks[i-1].Size == a.freeBlocks[i].Addr {
		a.freeBlocks[i-1].Size += a.freeBlocks[i].Size
		a.freeBlocks = append(a.freeBlocks[:i], a.freeBlocks[i+1:]...)
	}
}

// Restore registers an existing allocation, used when reopening a file.
func (a *Allocator) Restore(addr, size uint64, tag string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if addr == Undefined || size == 0 {
		return
	}
	a.allocations[addr] = Allocation{Addr: addr, Size: size, Tag: tag}
	if addr+size > a.eofAddr {
		a.eofAddr = addr + size
	}
}

// IsAllocated reports whether addr is the start of a live allocation.
func (a *Allocator) IsAllocated(addr uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.allocations[addr]
	return ok
}

// EOFAddr returns the current end-of-file address.
func (a *Allocator) EOFAddr() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.eofAddr
}

// SetEOFAddr sets the EOF address (used when loading existing files).
func (a *Allocator) SetEOFAddr(addr uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.eofAddr = addr
}

// BaseAddr returns the base address (start of allocatable space).
func (a *Allocator) BaseAddr() uint64 {
	return a.baseAddr
}

// Stats returns a copy of the allocation statistics.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// LiveBytes returns the number of bytes in live allocations.
func (a *Allocator) LiveBytes() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var n uint64
	for _, al := range a.allocations {
		n += al.Size
	}
	return n
}

// Allocations returns the live allocations sorted by address.
func (a *Allocator) Allocations() []Allocation {
	a.mu.Lock()
	defer a.mu.Unlock()
	result := make([]Allocation, 0, len(a.allocations))
	for _, al := range a.allocations {
		result = append(result, al)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Addr < result[j].Addr })
	return result
}

// FreeBlocks returns a copy of the free list.
func (a *Allocator) FreeBlocks() []FreeBlock {
	a.mu.Lock()
	defer a.mu.Unlock()
	result := make([]FreeBlock, len(a.freeBlocks))
	copy(result, a.freeBlocks)
	return result
}

// Validate checks that live and free blocks don't overlap and are within bounds.
func (a *Allocator) Validate() error {
	allocs := a.Allocations()

	a.mu.Lock()
	defer a.mu.Unlock()

	type span struct {
		addr, size uint64
		free       bool
	}
	spans := make([]span, 0, len(allocs)+len(a.freeBlocks))
	for _, al := range allocs {
		spans = append(spans, span{al.Addr, al.Size, false})
	}
	for _, fb := range a.freeBlocks {
		spans = append(spans, span{fb.Addr, fb.Size, true})
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].addr < spans[j].addr })

	for i, s := range spans {
		if s.addr < a.baseAddr {
			return errors.Newf("block at 0x%x is before base address 0x%x", s.addr, a.baseAddr)
		}
		if s.addr+s.size > a.eofAddr {
			return errors.Newf("block at 0x%x size %d extends past EOF 0x%x", s.addr, s.size, a.eofAddr)
		}
		if i > 0 {
			prev := spans[i-1]
			if prev.addr+prev.size > s.addr {
				return errors.Newf("overlapping blocks: [0x%x, size %d] and [0x%x, size %d]",
					prev.addr, prev.size, s.addr, s.size)
			}
		}
	}
	return nil
}

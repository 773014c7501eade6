package region

import (
	"github.com/bits-and-blooms/bitset"
)

// SectorBytes is the allocation unit of a region file.
const SectorBytes = 4096

// headerSectors are permanently owned by the offset and timestamp tables.
const headerSectors = 2

// SectorAllocator tracks used sectors of one region file.
// Allocation grows the space on a miss and never fails. Not safe for
// concurrent use; the owning File serializes access.
type SectorAllocator struct {
	used *bitset.BitSet
}

// NewSectorAllocator returns an allocator with the header sectors reserved.
func NewSectorAllocator() *SectorAllocator {
	a := &SectorAllocator{used: bitset.New(256)}
	a.Reserve(0, headerSectors)
	return a
}

// Reserve marks [start, start+n) as used.
func (a *SectorAllocator) Reserve(start, n int) {
	for i := start; i < start+n; i++ {
		a.used.Set(uint(i))
	}
}

// Free returns [start, start+n) to the free set. Header sectors stay reserved.
func (a *SectorAllocator) Free(start, n int) {
	for i := start; i < start+n; i++ {
		if i < headerSectors {
			continue
		}
		a.used.Clear(uint(i))
	}
}

// Allocate reserves the first run of n free sectors and returns its start.
func (a *SectorAllocator) Allocate(n int) int {
	if n <= 0 {
		panic("region: allocate of non-positive sector count")
	}
	i := uint(0)
	for {
		start := a.nextClear(i)
		end, ok := a.used.NextSet(start)
		if !ok || end-start >= uint(n) {
			a.Reserve(int(start), n)
			return int(start)
		}
		i = end
	}
}

// IsUsed reports whether sector i is reserved.
func (a *SectorAllocator) IsUsed(i int) bool {
	return a.used.Test(uint(i))
}

// AnyUsed reports whether any sector in [start, start+n) is reserved.
func (a *SectorAllocator) AnyUsed(start, n int) bool {
	for i := start; i < start+n; i++ {
		if a.used.Test(uint(i)) {
			return true
		}
	}
	return false
}

// UsedCount returns the number of reserved sectors, header included.
func (a *SectorAllocator) UsedCount() int {
	return int(a.used.Count())
}

// nextClear returns the first clear sector at or after i. Sectors past the
// bitset length are clear.
func (a *SectorAllocator) nextClear(i uint) uint {
	if idx, ok := a.used.NextClear(i); ok {
		return idx
	}
	if l := a.used.Len(); l > i {
		return l
	}
	return i
}

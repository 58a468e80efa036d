package test

import (
	"sort"

	"github.com/outofforest/strata/types"
)

// NewAllocator creates file space allocator used in tests. Positions are handed out sequentially starting at
// start.
func NewAllocator(start types.FileOffset) *Allocator {
	return &Allocator{
		next:     start,
		released: map[types.FileOffset]int64{},
	}
}

// Allocator is the file space allocator implementation used in tests.
type Allocator struct {
	next      types.FileOffset
	allocated []types.FileOffset
	released  map[types.FileOffset]int64
}

// FilePosition allocates size bytes.
func (a *Allocator) FilePosition(size int64, _ bool) (types.FileOffset, error) {
	pos := a.next
	a.next += types.FileOffset(size)
	a.allocated = append(a.allocated, pos)
	return pos, nil
}

// Release records released space.
func (a *Allocator) Release(pos types.FileOffset, size int64) {
	a.released[pos] = size
}

// Positions returns allocated and released positions.
func (a *Allocator) Positions() (allocated []types.FileOffset, released []types.FileOffset) {
	allocated = append([]types.FileOffset{}, a.allocated...)
	released = make([]types.FileOffset, 0, len(a.released))
	for pos := range a.released {
		released = append(released, pos)
	}
	sort.Slice(released, func(i, j int) bool {
		return released[i] < released[j]
	})
	return allocated, released
}

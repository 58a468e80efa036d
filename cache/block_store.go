package cache

import (
	"github.com/outofforest/strata/types"
)

// Allocator allocates space in the data file.
type Allocator interface {
	FilePosition(size int64, asBlocks bool) (types.FileOffset, error)
}

// NewBlockStore creates store of fixed-size objects allocated by the allocator.
func NewBlockStore(cache *Cache, allocator Allocator, size int) *BlockStore {
	return &BlockStore{
		cache:     cache,
		allocator: allocator,
		size:      size,
	}
}

// BlockStore stores fixed-size objects in the cache.
type BlockStore struct {
	cache     *Cache
	allocator Allocator
	size      int
}

// Size returns the size of objects in bytes.
func (s *BlockStore) Size() int {
	return s.size
}

// Get returns pinned object stored at pos.
func (s *BlockStore) Get(pos types.UnitPosition) (*Object, error) {
	return s.cache.Get(pos, s.size)
}

// New allocates space for the new object and returns it pinned.
func (s *BlockStore) New() (*Object, error) {
	offset, err := s.allocator.FilePosition(int64(s.size), true)
	if err != nil {
		return nil, err
	}
	return s.cache.Add(types.UnitPosition(int64(offset)/s.cache.DataFileScale()), s.size)
}

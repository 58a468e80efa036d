package space

import (
	"github.com/google/btree"

	"github.com/outofforest/strata/types"
)

// FreeItem is a range of free allocation units.
type FreeItem struct {
	Pos   types.UnitPosition
	Units int64
}

// Items are ordered by size first, so the first item not smaller than the request is the best fit.
func freeItemLess(a, b FreeItem) bool {
	if a.Units != b.Units {
		return a.Units < b.Units
	}
	return a.Pos < b.Pos
}

func newTableSpace(sm *SpaceManager, spaceID types.SpaceID, capacity int) *TableSpace {
	return &TableSpace{
		sm:       sm,
		spaceID:  spaceID,
		capacity: capacity,
		scale:    sm.cache.DataFileScale(),
		lookup:   btree.NewG[FreeItem](8, freeItemLess),
	}
}

// TableSpace allocates space for one space id. It owns a cursor into one fresh file block and keeps bounded
// set of released items which are reused before the cursor is advanced.
type TableSpace struct {
	sm       *SpaceManager
	spaceID  types.SpaceID
	capacity int
	scale    int64

	freshBlockPos     types.FileOffset
	freshBlockFreePos types.FileOffset
	freshBlockLimit   types.FileOffset

	lookup      *btree.BTreeG[FreeItem]
	lookupUnits int64
}

// SpaceID returns the id of the space.
func (ts *TableSpace) SpaceID() types.SpaceID {
	return ts.spaceID
}

// FilePosition allocates size bytes and returns their position. If asBlocks is true, position and size are
// aligned to the fixed block unit.
func (ts *TableSpace) FilePosition(size int64, asBlocks bool) (types.FileOffset, error) {
	ts.sm.cache.WriteLock.Lock()
	defer ts.sm.cache.WriteLock.Unlock()

	return ts.filePosition(size, asBlocks)
}

// Release returns size bytes at pos to the space. Size is rounded up to the allocation unit like in FilePosition.
func (ts *TableSpace) Release(pos types.FileOffset, size int64) error {
	ts.sm.cache.WriteLock.Lock()
	defer ts.sm.cache.WriteLock.Unlock()

	return ts.release(pos, size)
}

// HasFileRoom returns true if the fresh block has room for size bytes.
func (ts *TableSpace) HasFileRoom(size int64) bool {
	ts.sm.cache.WriteLock.Lock()
	defer ts.sm.cache.WriteLock.Unlock()

	return ts.hasFileRoom(size, false)
}

// AddFileBlock assigns range of file blocks to the space.
func (ts *TableSpace) AddFileBlock(start, limit types.FileOffset) error {
	ts.sm.cache.WriteLock.Lock()
	defer ts.sm.cache.WriteLock.Unlock()

	return ts.addFileBlock(start, limit)
}

// Reset returns released items and the unused part of the fresh block to the directory bitmaps.
func (ts *TableSpace) Reset() error {
	ts.sm.cache.WriteLock.Lock()
	defer ts.sm.cache.WriteLock.Unlock()

	return ts.reset()
}

// LostBlocksSize returns the number of bytes held by the space but not used.
func (ts *TableSpace) LostBlocksSize() int64 {
	ts.sm.cache.WriteLock.Lock()
	defer ts.sm.cache.WriteLock.Unlock()

	return int64(ts.freshBlockLimit-ts.freshBlockFreePos) + ts.lookupUnits*ts.scale
}

func (ts *TableSpace) filePosition(size int64, asBlocks bool) (types.FileOffset, error) {
	size = roundUp(size, ts.scale)
	if asBlocks {
		size = roundUp(size, types.FixedBlockSizeUnit)
	} else if pos, ok := ts.fromLookup(size / ts.scale); ok {
		return types.FileOffset(int64(pos) * ts.scale), nil
	}

	if !ts.hasFileRoom(size, asBlocks) {
		if err := ts.newBlock(size); err != nil {
			return 0, err
		}
	}

	pos := ts.freshBlockFreePos
	if asBlocks {
		aligned := types.FileOffset(roundUp(int64(pos), types.FixedBlockSizeUnit))
		if aligned > pos {
			if err := ts.release(pos, int64(aligned-pos)); err != nil {
				return 0, err
			}
		}
		pos = aligned
	}
	ts.freshBlockFreePos = pos + types.FileOffset(size)
	return pos, nil
}

func (ts *TableSpace) fromLookup(units int64) (types.UnitPosition, bool) {
	var found FreeItem
	var ok bool
	ts.lookup.AscendGreaterOrEqual(FreeItem{Units: units}, func(item FreeItem) bool {
		found = item
		ok = true
		return false
	})
	if !ok {
		return 0, false
	}

	ts.lookup.Delete(found)
	if found.Units > units {
		ts.lookup.ReplaceOrInsert(FreeItem{
			Pos:   found.Pos + types.UnitPosition(units),
			Units: found.Units - units,
		})
	}
	ts.lookupUnits -= units
	return found.Pos, true
}

func (ts *TableSpace) hasFileRoom(size int64, asBlocks bool) bool {
	if ts.freshBlockLimit == 0 {
		return false
	}
	pos := ts.freshBlockFreePos
	if asBlocks {
		pos = types.FileOffset(roundUp(int64(pos), types.FixedBlockSizeUnit))
	}
	return pos+types.FileOffset(size) <= ts.freshBlockLimit
}

func (ts *TableSpace) newBlock(size int64) error {
	blockSize := ts.sm.fileBlockSize
	blockCount := (size + blockSize - 1) / blockSize
	pos, err := ts.sm.getFileBlocks(ts.spaceID, blockCount)
	if err != nil {
		return err
	}
	return ts.addFileBlock(pos, pos+types.FileOffset(blockCount*blockSize))
}

func (ts *TableSpace) addFileBlock(start, limit types.FileOffset) error {
	if ts.freshBlockLimit != 0 {
		// Directory space receives its blocks before they are reported back.
		if start >= ts.freshBlockPos && limit <= ts.freshBlockLimit {
			return nil
		}
		if start == ts.freshBlockLimit {
			ts.freshBlockLimit = limit
			return nil
		}
		if ts.freshBlockLimit > ts.freshBlockFreePos {
			if err := ts.release(ts.freshBlockFreePos, int64(ts.freshBlockLimit-ts.freshBlockFreePos)); err != nil {
				return err
			}
		}
	}
	ts.initialiseFileBlock(start, start, limit)
	return nil
}

func (ts *TableSpace) initialiseFileBlock(blockPos, freePos, limit types.FileOffset) {
	ts.freshBlockPos = blockPos
	ts.freshBlockFreePos = freePos
	ts.freshBlockLimit = limit
}

func (ts *TableSpace) release(pos types.FileOffset, size int64) error {
	units := roundUp(size, ts.scale) / ts.scale
	if units <= 0 {
		return nil
	}
	if ts.lookup.Len() >= ts.capacity {
		if err := ts.sm.freeTableSpaceItems(ts.spaceID, ts.takeItems(), 0, 0); err != nil {
			return err
		}
	}
	ts.lookup.ReplaceOrInsert(FreeItem{
		Pos:   types.UnitPosition(int64(pos) / ts.scale),
		Units: units,
	})
	ts.lookupUnits += units
	return nil
}

func (ts *TableSpace) reset() error {
	items := ts.takeItems()
	offset, limit := ts.freshBlockFreePos, ts.freshBlockLimit
	if limit == 0 {
		offset = 0
	}
	ts.initialiseFileBlock(0, 0, 0)
	if len(items) == 0 && offset == limit {
		return nil
	}
	return ts.sm.freeTableSpaceItems(ts.spaceID, items, offset, limit)
}

// discard forgets the state without returning anything to the directory.
func (ts *TableSpace) discard() {
	ts.takeItems()
	ts.initialiseFileBlock(0, 0, 0)
}

func (ts *TableSpace) takeItems() []FreeItem {
	items := make([]FreeItem, 0, ts.lookup.Len())
	ts.lookup.Ascend(func(item FreeItem) bool {
		items = append(items, item)
		return true
	})
	ts.lookup.Clear(false)
	ts.lookupUnits = 0
	return items
}

// lockedAllocator allocates pages of the directory space from within regions already holding the write lock.
type lockedAllocator struct {
	ts *TableSpace
}

func (a lockedAllocator) FilePosition(size int64, asBlocks bool) (types.FileOffset, error) {
	return a.ts.filePosition(size, asBlocks)
}

func roundUp(v, unit int64) int64 {
	return (v + unit - 1) / unit * unit
}

package space

import (
	"github.com/outofforest/strata/bitmap"
	"github.com/outofforest/strata/cache"
	"github.com/outofforest/strata/types"
)

// blockAccessor walks the directory one file block at a time.
// Directory page of the current block is pinned. In update mode the bitmap page is pinned too.
// Accessor must always be released with reset.
type blockAccessor struct {
	sm        *SpaceManager
	forUpdate bool

	blockIndex  int64
	dirIndex    int64
	blockOffset int
	valid       bool

	dirObject    *cache.Object
	dir          directoryView
	bitmapObject *cache.Object
	bitmap       *bitmap.BitMap
}

func (sm *SpaceManager) newAccessor(forUpdate bool) *blockAccessor {
	return &blockAccessor{
		sm:          sm,
		forUpdate:   forUpdate,
		blockIndex:  -1,
		dirIndex:    -1,
		blockOffset: -1,
	}
}

func (ba *blockAccessor) nextBlock() (bool, error) {
	return ba.moveToBlock(ba.blockIndex + 1)
}

func (ba *blockAccessor) nextBlockForTable(spaceID types.SpaceID) (bool, error) {
	for {
		ok, err := ba.moveToBlock(ba.blockIndex + 1)
		if err != nil || !ok {
			return false, err
		}
		if ba.tableID() == spaceID {
			return true, nil
		}
	}
}

func (ba *blockAccessor) moveToBlock(blockIndex int64) (bool, error) {
	if ba.blockIndex == blockIndex {
		return ba.valid, nil
	}

	if dirIndex := blockIndex / int64(ba.sm.config.BlockSize); dirIndex != ba.dirIndex {
		ba.reset()
		ba.dirIndex = dirIndex
		dirObject, err := ba.sm.directory(blockIndex)
		if err != nil {
			return false, err
		}
		if dirObject != nil {
			ba.dirObject = dirObject
			ba.dir = newDirectoryView(dirObject, ba.sm.config.BlockSize)
		}
	}

	ba.blockIndex = blockIndex
	ba.blockOffset = int(blockIndex % int64(ba.sm.config.BlockSize))
	ba.valid = false
	ba.releaseBitmap()

	if ba.dirObject == nil {
		return false, nil
	}
	address := ba.dir.BitmapAddress[ba.blockOffset]
	if address == 0 {
		return false, nil
	}
	if ba.forUpdate {
		bitmapObject, err := ba.sm.bitmapStore.Get(ba.sm.unitPosition(address))
		if err != nil {
			return false, err
		}
		ba.bitmapObject = bitmapObject
		ba.bitmap = bitmapView(bitmapObject, ba.sm.config.BitmapIntSize)
	}
	ba.valid = true
	return true, nil
}

// endBlockUpdate recomputes counters of the current block if accessor is about to leave it.
func (ba *blockAccessor) endBlockUpdate(nextBlockIndex int64) bool {
	if ba.blockIndex == -1 || ba.blockIndex == nextBlockIndex || !ba.valid || ba.bitmap == nil {
		return false
	}

	freeUnits := ba.bitmap.CountSetBits()
	if freeUnits == ba.bitmap.Size() {
		ba.setTableID(types.SpaceEmpty)
		ba.setFreeSpace(0)
		ba.setFreeBlock(0)
		ba.bitmap.Reset()
		ba.sm.config.Metrics.BlocksFreedAdd(1)
	} else {
		ba.setFreeSpace(freeUnits)
		ba.setFreeBlock(ba.bitmap.CountSetBitsEnd())
	}
	ba.bitmapObject.SetChanged()
	return true
}

func (ba *blockAccessor) reset() {
	if ba.dirObject != nil {
		ba.dirObject.Release()
	}
	ba.releaseBitmap()

	ba.blockIndex = -1
	ba.dirIndex = -1
	ba.blockOffset = -1
	ba.valid = false
	ba.dirObject = nil
	ba.dir = directoryView{}
}

func (ba *blockAccessor) releaseBitmap() {
	if ba.bitmapObject != nil {
		ba.bitmapObject.Release()
	}
	ba.bitmapObject = nil
	ba.bitmap = nil
}

func (ba *blockAccessor) tableID() types.SpaceID {
	return ba.dir.TableID[ba.blockOffset]
}

func (ba *blockAccessor) setTableID(spaceID types.SpaceID) {
	ba.dir.TableID[ba.blockOffset] = spaceID
	ba.dirObject.SetChanged()
}

func (ba *blockAccessor) freeSpace() int {
	return int(ba.dir.FreeSpace[ba.blockOffset])
}

func (ba *blockAccessor) setFreeSpace(units int) {
	ba.dir.FreeSpace[ba.blockOffset] = uint16(units)
	ba.dirObject.SetChanged()
}

func (ba *blockAccessor) freeBlock() int {
	return int(ba.dir.FreeBlock[ba.blockOffset])
}

func (ba *blockAccessor) setFreeBlock(units int) {
	ba.dir.FreeBlock[ba.blockOffset] = uint16(units)
	ba.dirObject.SetChanged()
}

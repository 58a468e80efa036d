package space

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/pkg/errors"

	"github.com/outofforest/strata/cache"
	"github.com/outofforest/strata/metrics"
	"github.com/outofforest/strata/types"
)

// Config stores configuration of the space manager.
type Config struct {
	// BlockSize is the number of entries in root and directory pages.
	BlockSize int

	// BitmapIntSize is the number of 32-bit words in the bitmap of one file block.
	BitmapIntSize int

	// FreeItemCacheSize is the capacity of the free item cache of the default space.
	FreeItemCacheSize int

	// MaxFreeBlocks is the capacity of the free item cache of dedicated spaces.
	MaxFreeBlocks int

	// Metrics receives space manager events. Might be nil.
	Metrics *metrics.Space
}

// DefaultConfig is the default configuration of the space manager.
var DefaultConfig = Config{
	BlockSize:         2048,
	BitmapIntSize:     2048,
	FreeItemCacheSize: 2048,
	MaxFreeBlocks:     512,
}

const directoryCapacity = 16

// New creates space manager. If the data file has no space directory yet, the new one is created.
func New(c *cache.Cache, config Config) (*SpaceManager, error) {
	if config.BlockSize == 0 {
		config.BlockSize = DefaultConfig.BlockSize
	}
	if config.BitmapIntSize == 0 {
		config.BitmapIntSize = DefaultConfig.BitmapIntSize
	}
	if config.FreeItemCacheSize <= 0 {
		config.FreeItemCacheSize = DefaultConfig.FreeItemCacheSize
	}
	if config.MaxFreeBlocks <= 0 {
		config.MaxFreeBlocks = DefaultConfig.MaxFreeBlocks
	}
	if config.BlockSize <= 0 || config.BlockSize%8 != 0 {
		return nil, errors.Errorf("block size %d must be a positive multiple of 8", config.BlockSize)
	}
	// Counters are stored as uint16 and fully free block is always turned into an empty one.
	if config.BitmapIntSize <= 0 || config.BitmapIntSize%8 != 0 || config.BitmapIntSize*types.BitsPerWord > 1<<16 {
		return nil, errors.Errorf("bitmap int size %d must be a positive multiple of 8, not greater than 2048",
			config.BitmapIntSize)
	}

	scale := c.DataFileScale()
	sm := &SpaceManager{
		config:             config,
		cache:              c,
		fileBlockItemCount: int64(config.BitmapIntSize) * types.BitsPerWord,
		spaceIDSequence:    types.SpaceFirst,
		lostSize:           c.LostSpaceSize(),
		spaces:             map[types.SpaceID]*TableSpace{},
	}
	sm.fileBlockSize = sm.fileBlockItemCount * scale

	sm.directorySpace = newTableSpace(sm, types.SpaceDirectory, directoryCapacity)
	sm.defaultSpace = newTableSpace(sm, types.SpaceDefault, config.FreeItemCacheSize)
	sm.spaces[types.SpaceDirectory] = sm.directorySpace
	sm.spaces[types.SpaceDefault] = sm.defaultSpace

	allocator := lockedAllocator{ts: sm.directorySpace}
	sm.rootStore = cache.NewBlockStore(c, allocator, rootSizeFactor*config.BlockSize)
	sm.directoryStore = cache.NewBlockStore(c, allocator, directorySizeFactor*config.BlockSize)
	sm.bitmapStore = cache.NewBlockStore(c, allocator, bitmapSizeFactor*config.BitmapIntSize)

	c.WriteLock.Lock()
	defer c.WriteLock.Unlock()

	if pos := c.SpaceManagerPosition(); pos == 0 {
		if err := sm.initNewSpaceDirectory(); err != nil {
			return nil, err
		}
		c.SetSpaceManagerPosition(types.FileOffset(int64(sm.root.Pos()) * scale))
	} else {
		root, err := sm.rootStore.Get(types.UnitPosition(int64(pos) / scale))
		if err != nil {
			return nil, err
		}
		sm.root = root
		sm.rootView = rootView(root, config.BlockSize)

		limit, err := sm.blockIndexLimit()
		if err != nil {
			return nil, err
		}
		if limit < 2 {
			return nil, newFileIOError("space directory is too short", limit, c.FileFreePos())
		}

		maxID, err := sm.maxSpaceID()
		if err != nil {
			return nil, err
		}
		sm.spaceIDSequence = maxID + 1

		if err := sm.initialiseTableSpace(sm.directorySpace); err != nil {
			return nil, err
		}
		if err := sm.initialiseTableSpace(sm.defaultSpace); err != nil {
			return nil, err
		}
	}

	return sm, nil
}

// SpaceManager tracks ownership and free space of file blocks. Every file block is described by an entry in
// the directory page and by a bitmap page with one bit per allocation unit.
type SpaceManager struct {
	config             Config
	cache              *cache.Cache
	fileBlockItemCount int64
	fileBlockSize      int64

	directorySpace *TableSpace
	defaultSpace   *TableSpace
	spaces         map[types.SpaceID]*TableSpace

	rootStore      *cache.BlockStore
	directoryStore *cache.BlockStore
	bitmapStore    *cache.BlockStore

	root     *cache.Object
	rootView []int32

	spaceIDSequence types.SpaceID
	lostSize        int64
}

// GetFileBlocks assigns blockCount contiguous file blocks to the space and returns position of the first one.
// Empty blocks are reused before the file is extended.
func (sm *SpaceManager) GetFileBlocks(spaceID types.SpaceID, blockCount int64) (types.FileOffset, error) {
	sm.cache.WriteLock.Lock()
	defer sm.cache.WriteLock.Unlock()

	return sm.getFileBlocks(spaceID, blockCount)
}

// DefaultTableSpace returns the space used for data not belonging to any dedicated space.
func (sm *SpaceManager) DefaultTableSpace() *TableSpace {
	return sm.defaultSpace
}

// GetTableSpace returns the table space of the id, creating and initialising it if needed.
func (sm *SpaceManager) GetTableSpace(spaceID types.SpaceID) (*TableSpace, error) {
	if spaceID == types.SpaceDefault {
		return sm.defaultSpace, nil
	}

	sm.cache.WriteLock.Lock()
	defer sm.cache.WriteLock.Unlock()

	if spaceID >= sm.spaceIDSequence {
		sm.spaceIDSequence = spaceID + 1
	}

	ts, exists := sm.spaces[spaceID]
	if !exists {
		ts = newTableSpace(sm, spaceID, sm.config.MaxFreeBlocks)
		if err := sm.initialiseTableSpace(ts); err != nil {
			return nil, err
		}
		sm.spaces[spaceID] = ts
	}
	return ts, nil
}

// NewTableSpaceID returns unused space id.
func (sm *SpaceManager) NewTableSpaceID() types.SpaceID {
	sm.cache.WriteLock.Lock()
	defer sm.cache.WriteLock.Unlock()

	spaceID := sm.spaceIDSequence
	sm.spaceIDSequence++
	return spaceID
}

// FreeTableSpace returns all the blocks owned by the space to the empty pool.
// Directory and default spaces are never freed.
func (sm *SpaceManager) FreeTableSpace(spaceID types.SpaceID) error {
	if spaceID == types.SpaceDefault || spaceID == types.SpaceDirectory {
		return nil
	}

	sm.cache.WriteLock.Lock()
	defer sm.cache.WriteLock.Unlock()

	if ts, exists := sm.spaces[spaceID]; exists {
		ts.discard()
		delete(sm.spaces, spaceID)
	}

	ba := sm.newAccessor(true)
	defer ba.reset()

	for {
		ok, err := ba.nextBlockForTable(spaceID)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		start := types.UnitPosition(ba.blockIndex * sm.fileBlockItemCount)
		sm.cache.ReleaseRange(start, start+types.UnitPosition(sm.fileBlockItemCount))
		ba.setTableID(types.SpaceEmpty)
		ba.setFreeSpace(0)
		ba.setFreeBlock(0)
		ba.bitmap.Reset()
		ba.bitmapObject.SetChanged()
		sm.config.Metrics.BlocksFreedAdd(1)
	}
}

// FreeTableSpaceItems marks released items and the byte range [offset, limit) as free.
// Blocks which become entirely free are returned to the empty pool.
func (sm *SpaceManager) FreeTableSpaceItems(
	spaceID types.SpaceID,
	items []FreeItem,
	offset, limit types.FileOffset,
) error {
	sm.cache.WriteLock.Lock()
	defer sm.cache.WriteLock.Unlock()

	return sm.freeTableSpaceItems(spaceID, items, offset, limit)
}

// FindTableSpace returns id of the space owning the byte position. Default space is returned for positions
// not described by the directory.
func (sm *SpaceManager) FindTableSpace(pos types.FileOffset) (types.SpaceID, error) {
	sm.cache.WriteLock.Lock()
	defer sm.cache.WriteLock.Unlock()

	ba := sm.newAccessor(false)
	defer ba.reset()

	ok, err := ba.moveToBlock(int64(pos) / sm.fileBlockSize)
	if err != nil {
		return 0, err
	}
	if !ok {
		return types.SpaceDefault, nil
	}
	return ba.tableID(), nil
}

// LostBlocksSize returns the size of space known to be lost.
func (sm *SpaceManager) LostBlocksSize() int64 {
	return sm.lostSize
}

// FileBlockSize returns the size of the file block in bytes.
func (sm *SpaceManager) FileBlockSize() int64 {
	return sm.fileBlockSize
}

// BlockIndexLimit returns the number of file blocks described by the directory.
func (sm *SpaceManager) BlockIndexLimit() (int64, error) {
	sm.cache.WriteLock.Lock()
	defer sm.cache.WriteLock.Unlock()

	return sm.blockIndexLimit()
}

// Blocks returns indexes of file blocks owned by the space.
func (sm *SpaceManager) Blocks(spaceID types.SpaceID) (*roaring.Bitmap, error) {
	sm.cache.WriteLock.Lock()
	defer sm.cache.WriteLock.Unlock()

	ba := sm.newAccessor(false)
	defer ba.reset()

	blocks := roaring.New()
	for {
		ok, err := ba.nextBlockForTable(spaceID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return blocks, nil
		}
		blocks.Add(uint32(ba.blockIndex))
	}
}

// Reset returns cached free items and unused parts of fresh blocks of all the spaces to the directory.
func (sm *SpaceManager) Reset() error {
	sm.cache.WriteLock.Lock()
	defer sm.cache.WriteLock.Unlock()

	for _, id := range sm.spaceIDs() {
		if err := sm.spaces[id].reset(); err != nil {
			return err
		}
	}
	sm.cache.SetLostSpaceSize(sm.lostSize)
	return nil
}

// ReinitialiseTableSpaces points cursors of all the known spaces at their largest trailing free runs, the same
// way it is done when the file is opened.
func (sm *SpaceManager) ReinitialiseTableSpaces() error {
	sm.cache.WriteLock.Lock()
	defer sm.cache.WriteLock.Unlock()

	for _, id := range sm.spaceIDs() {
		ts := sm.spaces[id]
		if ts.freshBlockLimit != 0 {
			continue
		}
		if err := sm.initialiseTableSpace(ts); err != nil {
			return err
		}
	}
	return nil
}

// CheckIntegrity verifies that the directory describes the whole file and counters of every block match its
// bitmap.
func (sm *SpaceManager) CheckIntegrity() error {
	sm.cache.WriteLock.Lock()
	defer sm.cache.WriteLock.Unlock()

	if err := sm.checkBlockLimit(); err != nil {
		return err
	}

	ba := sm.newAccessor(true)
	defer ba.reset()

	for {
		ok, err := ba.nextBlock()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		freeUnits := ba.bitmap.CountSetBits()
		freeBlockUnits := ba.bitmap.CountSetBitsEnd()
		if ba.tableID() == types.SpaceEmpty && freeUnits != 0 {
			return newFileIOError("empty block has free units set", ba.blockIndex, sm.cache.FileFreePos())
		}
		if ba.freeSpace() != freeUnits || ba.freeBlock() != freeBlockUnits {
			return newFileIOError("block counters do not match bitmap", ba.blockIndex, sm.cache.FileFreePos())
		}
	}
}

func (sm *SpaceManager) spaceIDs() []types.SpaceID {
	ids := make([]types.SpaceID, 0, len(sm.spaces))
	for id := range sm.spaces {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (sm *SpaceManager) initNewSpaceDirectory() error {
	currentSize := int64(sm.cache.FileFreePos())
	totalBlocks := currentSize/sm.fileBlockSize + 1
	lastFreePos, err := sm.cache.EnlargeFileSpace(totalBlocks*sm.fileBlockSize - currentSize)
	if err != nil {
		return err
	}
	sm.defaultSpace.initialiseFileBlock(types.FileOffset((totalBlocks-1)*sm.fileBlockSize), lastFreePos,
		sm.cache.FileFreePos())

	directorySize := sm.calculateDirectorySpace(totalBlocks)
	lastFreePos, err = sm.cache.EnlargeFileSpace(directorySize)
	if err != nil {
		return err
	}
	sm.directorySpace.initialiseFileBlock(lastFreePos, lastFreePos, sm.cache.FileFreePos())

	root, err := sm.rootStore.New()
	if err != nil {
		return err
	}
	sm.root = root
	sm.rootView = rootView(root, sm.config.BlockSize)

	if err := sm.createFileBlocksInDirectory(totalBlocks, directorySize/sm.fileBlockSize,
		types.SpaceDirectory); err != nil {
		return err
	}
	if err := sm.createFileBlocksInDirectory(0, totalBlocks, types.SpaceDefault); err != nil {
		return err
	}
	return sm.checkBlockLimit()
}

func (sm *SpaceManager) calculateDirectorySpace(blockCount int64) int64 {
	size := int64(rootSizeFactor * sm.config.BlockSize)
	size += directorySizeFactor * (blockCount + int64(sm.config.BlockSize))
	size += int64(bitmapSizeFactor*sm.config.BitmapIntSize) * (blockCount + 1)
	return (size/sm.fileBlockSize + 1) * sm.fileBlockSize
}

func (sm *SpaceManager) getFileBlocks(spaceID types.SpaceID, blockCount int64) (types.FileOffset, error) {
	if blockCount <= 0 {
		return 0, errors.Errorf("invalid number of blocks requested: %d", blockCount)
	}

	index, err := sm.existingBlockIndex(spaceID, blockCount)
	if err != nil {
		return 0, err
	}
	if index > 0 {
		sm.config.Metrics.BlocksReusedAdd(blockCount)
		return types.FileOffset(index * sm.fileBlockSize), nil
	}
	return sm.newFileBlocks(spaceID, blockCount)
}

func (sm *SpaceManager) newFileBlocks(spaceID types.SpaceID, blockCount int64) (types.FileOffset, error) {
	limit, err := sm.blockIndexLimit()
	if err != nil {
		return 0, err
	}

	if spaceID == types.SpaceDirectory {
		// Blocks are given to the directory space first so their own bitmaps might be allocated from them.
		if err := sm.checkLimit(limit); err != nil {
			return 0, err
		}
		pos, err := sm.cache.EnlargeFileSpace(blockCount * sm.fileBlockSize)
		if err != nil {
			return 0, err
		}
		if err := sm.directorySpace.addFileBlock(pos, pos+types.FileOffset(blockCount*sm.fileBlockSize)); err != nil {
			return 0, err
		}
		if err := sm.createFileBlocksInDirectory(limit, blockCount, types.SpaceDirectory); err != nil {
			return 0, err
		}
		sm.config.Metrics.BlocksCreatedAdd(blockCount)
		return pos, sm.checkBlockLimit()
	}

	for !sm.directorySpace.hasFileRoom(sm.directoryBytes(limit, blockCount), true) {
		growth := int64(1)
		for growth*sm.fileBlockSize < sm.directoryBytes(limit, blockCount+growth) {
			growth++
		}

		if _, err := sm.newFileBlocks(types.SpaceDirectory, growth); err != nil {
			return 0, err
		}
		sm.config.Metrics.DirectoryGrowthsInc()
		limit += growth
	}

	if err := sm.checkLimit(limit); err != nil {
		return 0, err
	}
	pos, err := sm.cache.EnlargeFileSpace(blockCount * sm.fileBlockSize)
	if err != nil {
		return 0, err
	}
	if err := sm.createFileBlocksInDirectory(limit, blockCount, spaceID); err != nil {
		return 0, err
	}
	sm.config.Metrics.BlocksCreatedAdd(blockCount)
	return pos, sm.checkBlockLimit()
}

// directoryBytes returns the space required in the directory space to describe blockCount new blocks
// starting at index.
func (sm *SpaceManager) directoryBytes(index, blockCount int64) int64 {
	size := int64(bitmapSizeFactor*sm.config.BitmapIntSize) * blockCount
	blockSize := int64(sm.config.BlockSize)
	for rootIndex := index / blockSize; rootIndex <= (index+blockCount-1)/blockSize; rootIndex++ {
		if rootIndex >= blockSize || sm.rootView[rootIndex] == 0 {
			size += int64(directorySizeFactor * sm.config.BlockSize)
		}
	}
	return size + types.FixedBlockSizeUnit
}

func (sm *SpaceManager) createFileBlocksInDirectory(index, blockCount int64, spaceID types.SpaceID) error {
	for i := index; i < index+blockCount; i++ {
		if err := sm.createFileBlockInDirectory(i, spaceID); err != nil {
			return err
		}
	}
	return nil
}

func (sm *SpaceManager) createFileBlockInDirectory(index int64, spaceID types.SpaceID) error {
	dirObject, err := sm.getOrCreateDirectory(index)
	if err != nil {
		return err
	}
	defer dirObject.Release()

	bitmapObject, err := sm.bitmapStore.New()
	if err != nil {
		return err
	}
	address := sm.fixedAddress(bitmapObject.Pos())
	bitmapObject.Release()

	offset := int(index % int64(sm.config.BlockSize))
	dir := newDirectoryView(dirObject, sm.config.BlockSize)
	dir.TableID[offset] = spaceID
	dir.BitmapAddress[offset] = address
	dir.FreeSpace[offset] = 0
	dir.FreeBlock[offset] = 0
	dirObject.SetChanged()
	return nil
}

// directory returns pinned directory page describing the file block or nil if it does not exist.
func (sm *SpaceManager) directory(blockIndex int64) (*cache.Object, error) {
	rootIndex := blockIndex / int64(sm.config.BlockSize)
	if rootIndex >= int64(len(sm.rootView)) {
		return nil, nil
	}
	address := sm.rootView[rootIndex]
	if address == 0 {
		return nil, nil
	}
	return sm.directoryStore.Get(sm.unitPosition(address))
}

func (sm *SpaceManager) getOrCreateDirectory(blockIndex int64) (*cache.Object, error) {
	rootIndex := blockIndex / int64(sm.config.BlockSize)
	if rootIndex >= int64(len(sm.rootView)) {
		return nil, newFileIOError("directory capacity exceeded", blockIndex, sm.cache.FileFreePos())
	}
	if address := sm.rootView[rootIndex]; address != 0 {
		return sm.directoryStore.Get(sm.unitPosition(address))
	}

	dirObject, err := sm.directoryStore.New()
	if err != nil {
		return nil, err
	}
	sm.rootView[rootIndex] = sm.fixedAddress(dirObject.Pos())
	sm.root.SetChanged()
	return dirObject, nil
}

func (sm *SpaceManager) blockIndexLimit() (int64, error) {
	ba := sm.newAccessor(false)
	defer ba.reset()

	for {
		ok, err := ba.nextBlock()
		if err != nil {
			return 0, err
		}
		if !ok {
			return ba.blockIndex, nil
		}
	}
}

func (sm *SpaceManager) checkBlockLimit() error {
	limit, err := sm.blockIndexLimit()
	if err != nil {
		return err
	}
	return sm.checkLimit(limit)
}

func (sm *SpaceManager) checkLimit(limit int64) error {
	if fileFreePos := sm.cache.FileFreePos(); types.FileOffset(limit*sm.fileBlockSize) != fileFreePos {
		return newFileIOError("directory does not describe the whole file", limit, fileFreePos)
	}
	return nil
}

func (sm *SpaceManager) maxSpaceID() (types.SpaceID, error) {
	ba := sm.newAccessor(false)
	defer ba.reset()

	maxID := types.SpaceDefault
	for {
		ok, err := ba.nextBlock()
		if err != nil {
			return 0, err
		}
		if !ok {
			return maxID, nil
		}
		maxID = max(maxID, ba.tableID())
	}
}

// existingBlockIndex finds run of blockCount contiguous empty blocks and assigns it to the space.
// Block 0 is never empty, so 0 means nothing was found.
func (sm *SpaceManager) existingBlockIndex(spaceID types.SpaceID, blockCount int64) (int64, error) {
	ba := sm.newAccessor(false)
	foundIndex := int64(-1)
	lastIndex := int64(-1)
	for {
		ok, err := ba.nextBlockForTable(types.SpaceEmpty)
		if err != nil {
			ba.reset()
			return 0, err
		}
		if !ok {
			foundIndex = -1
			break
		}
		if foundIndex == -1 || ba.blockIndex != lastIndex+1 {
			foundIndex = ba.blockIndex
		}
		lastIndex = ba.blockIndex
		if lastIndex-foundIndex+1 == blockCount {
			break
		}
	}
	ba.reset()

	if foundIndex <= 0 {
		return 0, nil
	}
	return foundIndex, sm.setDirectoryBlocksAsTable(spaceID, foundIndex, blockCount)
}

func (sm *SpaceManager) setDirectoryBlocksAsTable(spaceID types.SpaceID, index, blockCount int64) error {
	ba := sm.newAccessor(false)
	defer ba.reset()

	for i := index; i < index+blockCount; i++ {
		ok, err := ba.moveToBlock(i)
		if err != nil {
			return err
		}
		if !ok {
			return newFileIOError("block to assign is missing", i, sm.cache.FileFreePos())
		}
		ba.setTableID(spaceID)
	}
	return nil
}

func (sm *SpaceManager) freeTableSpaceItems(
	spaceID types.SpaceID,
	items []FreeItem,
	offset, limit types.FileOffset,
) error {
	ba := sm.newAccessor(true)
	defer ba.reset()

	slices.SortFunc(items, func(a, b FreeItem) int {
		return cmp.Compare(a.Pos, b.Pos)
	})

	for _, item := range items {
		if err := sm.freeTableSpacePart(ba, spaceID, int64(item.Pos), item.Units); err != nil {
			return err
		}
	}
	scale := sm.cache.DataFileScale()
	if err := sm.freeTableSpacePart(ba, spaceID, int64(offset)/scale, int64(limit-offset)/scale); err != nil {
		return err
	}
	ba.endBlockUpdate(-1)
	return nil
}

func (sm *SpaceManager) freeTableSpacePart(ba *blockAccessor, spaceID types.SpaceID, pos, units int64) error {
	for units > 0 {
		// Range might cover more than one file block.
		blockIndex := pos / sm.fileBlockItemCount
		offset := pos % sm.fileBlockItemCount
		currentUnits := min(sm.fileBlockItemCount-offset, units)

		ba.endBlockUpdate(blockIndex)
		ok, err := ba.moveToBlock(blockIndex)
		if err != nil {
			return err
		}
		if !ok {
			return newFileIOError(fmt.Sprintf("freeing units of space %d in missing block", spaceID),
				blockIndex, sm.cache.FileFreePos())
		}
		ba.bitmap.SetRange(int(offset), int(currentUnits))
		ba.bitmapObject.SetChanged()

		units -= currentUnits
		pos += currentUnits
	}
	return nil
}

// initialiseTableSpace points the cursor of the space at the largest trailing free run among its blocks.
func (sm *SpaceManager) initialiseTableSpace(ts *TableSpace) error {
	blockIndex := int64(-1)
	maxFree := 0

	ba := sm.newAccessor(false)
	for {
		ok, err := ba.nextBlockForTable(ts.spaceID)
		if err != nil {
			ba.reset()
			return err
		}
		if !ok {
			break
		}
		if freeBlock := ba.freeBlock(); freeBlock > maxFree {
			blockIndex = ba.blockIndex
			maxFree = freeBlock
		}
	}
	ba.reset()

	if blockIndex < 0 {
		return nil
	}

	ba = sm.newAccessor(true)
	defer ba.reset()

	if _, err := ba.moveToBlock(blockIndex); err != nil {
		return err
	}

	freeItems := ba.freeBlock()
	blockPos := types.FileOffset(blockIndex * sm.fileBlockSize)
	ts.initialiseFileBlock(
		blockPos,
		blockPos+types.FileOffset(sm.fileBlockSize-int64(freeItems)*sm.cache.DataFileScale()),
		blockPos+types.FileOffset(sm.fileBlockSize),
	)
	ba.setFreeSpace(ba.freeSpace() - freeItems)
	ba.setFreeBlock(0)
	ba.bitmap.UnsetRange(int(sm.fileBlockItemCount)-freeItems, freeItems)
	ba.bitmapObject.SetChanged()
	return nil
}

// fixedAddress converts position of the page to the address stored in root and directory pages.
func (sm *SpaceManager) fixedAddress(pos types.UnitPosition) int32 {
	return int32(int64(pos) * sm.cache.DataFileScale() / types.FixedBlockSizeUnit)
}

func (sm *SpaceManager) unitPosition(address int32) types.UnitPosition {
	return types.UnitPosition(int64(address) * types.FixedBlockSizeUnit / sm.cache.DataFileScale())
}

package cache

import (
	"container/list"
	"strconv"
	"sync"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/outofforest/strata/persistent"
	"github.com/outofforest/strata/types"
)

// Config stores configuration of the cache.
type Config struct {
	// DataFileScale is the size, in bytes, of the allocation unit. Zero means: take it from the file or use
	// the default one for new files.
	DataFileScale int64

	// MaxObjects is the number of page objects kept in memory before unpinned ones are evicted.
	MaxObjects int
}

// DefaultConfig is the default configuration of the cache.
var DefaultConfig = Config{
	DataFileScale: 16,
	MaxObjects:    4096,
}

// New creates new cache on top of the store. Header is loaded if the store is not empty, otherwise the new one
// is created.
func New(store persistent.Store, config Config) (*Cache, error) {
	if config.MaxObjects <= 0 {
		config.MaxObjects = DefaultConfig.MaxObjects
	}
	if config.DataFileScale != 0 && !validScale(config.DataFileScale) {
		return nil, errors.Errorf("invalid data file scale %d", config.DataFileScale)
	}

	size, err := store.Size()
	if err != nil {
		return nil, err
	}

	c := &Cache{
		store:    store,
		maxItems: config.MaxObjects,
		objects:  map[types.UnitPosition]*Object{},
		lru:      list.New(),
		dirty:    roaring64.New(),
	}

	if size == 0 {
		scale := config.DataFileScale
		if scale == 0 {
			scale = DefaultConfig.DataFileScale
		}
		c.header = newHeader(scale)
		c.isNew = true
		if err := c.writeHeader(); err != nil {
			return nil, err
		}
	} else {
		buf := make([]byte, HeaderSize)
		if err := store.ReadAt(buf, 0); err != nil {
			return nil, err
		}
		h, err := decodeHeader(buf)
		if err != nil {
			return nil, err
		}
		if config.DataFileScale != 0 && int64(h.DataFileScale) != config.DataFileScale {
			return nil, errors.Errorf("data file scale mismatch: file uses %d, requested %d",
				h.DataFileScale, config.DataFileScale)
		}
		if !validScale(int64(h.DataFileScale)) {
			return nil, errors.Errorf("data file has invalid scale %d", h.DataFileScale)
		}
		c.header = h
	}
	c.scale = int64(c.header.DataFileScale)

	return c, nil
}

// Cache keeps pages of the data file in memory and owns the data file header.
type Cache struct {
	// WriteLock serializes all the mutations of the file structure.
	WriteLock sync.Mutex

	store    persistent.Store
	scale    int64
	maxItems int
	isNew    bool

	mu       sync.Mutex
	header   header
	modified bool
	objects  map[types.UnitPosition]*Object
	lru      *list.List
	dirty    *roaring64.Bitmap
	loads    singleflight.Group
}

// IsNew returns true if the data file was created by this cache.
func (c *Cache) IsNew() bool {
	return c.isNew
}

// FileID returns the identity of the data file.
func (c *Cache) FileID() uuid.UUID {
	return c.header.FileID
}

// DataFileScale returns the size of the allocation unit in bytes.
func (c *Cache) DataFileScale() int64 {
	return c.scale
}

// Store returns the store the cache operates on.
func (c *Cache) Store() persistent.Store {
	return c.store
}

// FileFreePos returns the end of the used part of the data file.
func (c *Cache) FileFreePos() types.FileOffset {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.header.FileFreePos
}

// EnlargeFileSpace extends the used part of the data file by size bytes and returns the previous end.
func (c *Cache) EnlargeFileSpace(size int64) (types.FileOffset, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	oldPos := c.header.FileFreePos
	newPos := oldPos + types.FileOffset(size)
	if err := c.store.Grow(int64(newPos)); err != nil {
		return 0, errors.Wrapf(err, "enlarging data file to %d bytes failed", newPos)
	}
	c.header.FileFreePos = newPos
	c.modified = true
	return oldPos, nil
}

// SpaceManagerPosition returns the position of the space manager root.
func (c *Cache) SpaceManagerPosition() types.FileOffset {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.header.SpaceManagerPosition
}

// SetSpaceManagerPosition stores the position of the space manager root.
func (c *Cache) SetSpaceManagerPosition(pos types.FileOffset) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.header.SpaceManagerPosition = pos
	c.modified = true
}

// LostSpaceSize returns the amount of space which is known to be lost.
func (c *Cache) LostSpaceSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.header.LostSpaceSize
}

// SetLostSpaceSize stores the amount of space which is known to be lost.
func (c *Cache) SetLostSpaceSize(size int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.header.LostSpaceSize = size
	c.modified = true
}

// SetFileModified marks the file as modified since the last flush.
func (c *Cache) SetFileModified() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.modified = true
}

// IsModified returns true if there are changes not flushed yet.
func (c *Cache) IsModified() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.modified || !c.dirty.IsEmpty()
}

// Get returns pinned object stored at pos. Object must be released by the caller.
func (c *Cache) Get(pos types.UnitPosition, size int) (*Object, error) {
	if o := c.pin(pos); o != nil {
		if len(o.data) != size {
			o.Release()
			return nil, errors.Errorf("object at %d has size %d, requested %d", pos, len(o.data), size)
		}
		return o, nil
	}

	v, err, _ := c.loads.Do(strconv.FormatInt(int64(pos), 10), func() (any, error) {
		data := make([]byte, size)
		if err := c.store.ReadAt(data, int64(pos)*c.scale); err != nil {
			return nil, errors.Wrapf(err, "reading object at %d failed", pos)
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if o, exists := c.objects[pos]; exists {
		c.pinLocked(o)
		return o, nil
	}

	o := c.insertLocked(pos, v.([]byte))
	return o, c.evictLocked()
}

// Add creates new zeroed pinned object at pos. Anything cached previously at that position is discarded.
func (c *Cache) Add(pos types.UnitPosition, size int) (*Object, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if o, exists := c.objects[pos]; exists {
		if o.pins > 0 {
			return nil, errors.Errorf("object at %d is still in use", pos)
		}
		c.removeLocked(o)
	}

	o := c.insertLocked(pos, make([]byte, size))
	c.dirty.Add(uint64(pos))
	return o, c.evictLocked()
}

// ReleaseRange drops unpinned objects located in the unit range [start, end).
func (c *Cache) ReleaseRange(start, end types.UnitPosition) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for pos, o := range c.objects {
		if pos >= start && pos < end && o.pins == 0 {
			c.removeLocked(o)
		}
	}
}

// ReadAt reads raw bytes from the data file.
func (c *Cache) ReadAt(data []byte, offset types.FileOffset) error {
	return errors.WithStack(c.store.ReadAt(data, int64(offset)))
}

// WriteAt writes raw bytes to the data file.
func (c *Cache) WriteAt(data []byte, offset types.FileOffset) error {
	if err := c.store.WriteAt(data, int64(offset)); err != nil {
		return errors.WithStack(err)
	}
	c.SetFileModified()
	return nil
}

// Flush writes dirty objects in position order, then the header, and syncs the store.
func (c *Cache) Flush() error {
	c.WriteLock.Lock()
	defer c.WriteLock.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	for it := c.dirty.Iterator(); it.HasNext(); {
		pos := types.UnitPosition(it.Next())
		o, exists := c.objects[pos]
		if !exists {
			continue
		}
		if err := c.store.WriteAt(o.data, int64(pos)*c.scale); err != nil {
			return errors.Wrapf(err, "writing object at %d failed", pos)
		}
	}
	c.dirty.Clear()

	if err := c.writeHeader(); err != nil {
		return err
	}
	if err := c.store.Sync(); err != nil {
		return errors.WithStack(err)
	}
	c.modified = false
	return nil
}

// Close flushes the cache and closes the store.
func (c *Cache) Close() error {
	if err := c.Flush(); err != nil {
		return err
	}
	return errors.WithStack(c.store.Close())
}

// Stats returns the number of cached, pinned and dirty objects.
func (c *Cache) Stats() (cached, pinned, dirty int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, o := range c.objects {
		if o.pins > 0 {
			pinned++
		}
	}
	return len(c.objects), pinned, int(c.dirty.GetCardinality())
}

func (c *Cache) writeHeader() error {
	return errors.Wrap(c.store.WriteAt(encodeHeader(c.header), 0), "writing data file header failed")
}

func (c *Cache) pin(pos types.UnitPosition) *Object {
	c.mu.Lock()
	defer c.mu.Unlock()

	o, exists := c.objects[pos]
	if !exists {
		return nil
	}
	c.pinLocked(o)
	return o
}

func (c *Cache) pinLocked(o *Object) {
	o.pins++
	c.lru.MoveToFront(o.element)
}

func (c *Cache) insertLocked(pos types.UnitPosition, data []byte) *Object {
	o := &Object{
		cache: c,
		pos:   pos,
		data:  data,
		pins:  1,
	}
	o.element = c.lru.PushFront(o)
	c.objects[pos] = o
	return o
}

func (c *Cache) removeLocked(o *Object) {
	c.lru.Remove(o.element)
	delete(c.objects, o.pos)
	c.dirty.Remove(uint64(o.pos))
}

func (c *Cache) evictLocked() error {
	for e := c.lru.Back(); e != nil && len(c.objects) > c.maxItems; {
		o := e.Value.(*Object)
		e = e.Prev()
		if o.pins > 0 {
			continue
		}
		if c.dirty.Contains(uint64(o.pos)) {
			if err := c.store.WriteAt(o.data, int64(o.pos)*c.scale); err != nil {
				return errors.Wrapf(err, "writing object at %d failed", o.pos)
			}
		}
		c.removeLocked(o)
	}
	return nil
}

func validScale(scale int64) bool {
	return scale > 0 && scale <= types.FixedBlockSizeUnit && scale&(scale-1) == 0
}

// Object is a page of the data file kept in the cache.
type Object struct {
	cache   *Cache
	pos     types.UnitPosition
	data    []byte
	pins    int
	element *list.Element
}

// Pos returns position of the object in allocation units.
func (o *Object) Pos() types.UnitPosition {
	return o.pos
}

// Bytes returns the content of the object.
func (o *Object) Bytes() []byte {
	return o.data
}

// SetChanged marks the object as dirty.
func (o *Object) SetChanged() {
	o.cache.mu.Lock()
	defer o.cache.mu.Unlock()

	o.cache.dirty.Add(uint64(o.pos))
}

// Release unpins the object.
func (o *Object) Release() {
	o.cache.mu.Lock()
	defer o.cache.mu.Unlock()

	if o.pins == 0 {
		panic("releasing object which is not pinned")
	}
	o.pins--
}

package cache

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/outofforest/strata/persistent"
	"github.com/outofforest/strata/test"
	"github.com/outofforest/strata/types"
)

func TestNewFile(t *testing.T) {
	requireT := require.New(t)

	c, store := NewForTest(t, Config{})
	requireT.True(c.IsNew())
	requireT.EqualValues(16, c.DataFileScale())
	requireT.EqualValues(HeaderSize, c.FileFreePos())
	requireT.Zero(c.SpaceManagerPosition())

	size, err := store.Size()
	requireT.NoError(err)
	requireT.EqualValues(HeaderSize, size)
}

func TestReopen(t *testing.T) {
	requireT := require.New(t)

	c, store := NewForTest(t, Config{DataFileScale: 8})
	oldPos, err := c.EnlargeFileSpace(1024)
	requireT.NoError(err)
	requireT.EqualValues(HeaderSize, oldPos)
	c.SetSpaceManagerPosition(512)
	c.SetLostSpaceSize(64)
	requireT.True(c.IsModified())
	requireT.NoError(c.Close())

	c2, err := New(store, Config{})
	requireT.NoError(err)
	requireT.False(c2.IsNew())
	requireT.False(c2.IsModified())
	requireT.Equal(c.FileID(), c2.FileID())
	requireT.EqualValues(8, c2.DataFileScale())
	requireT.EqualValues(HeaderSize+1024, c2.FileFreePos())
	requireT.EqualValues(512, c2.SpaceManagerPosition())
	requireT.EqualValues(64, c2.LostSpaceSize())

	_, err = New(store, Config{DataFileScale: 16})
	requireT.Error(err)
}

func TestCorruptedHeader(t *testing.T) {
	requireT := require.New(t)

	c, store := NewForTest(t, Config{})
	requireT.NoError(c.Close())

	requireT.NoError(store.WriteAt([]byte{0xff}, 40))
	_, err := New(store, Config{})
	requireT.ErrorContains(err, "checksum")

	requireT.NoError(store.WriteAt([]byte{0x00}, 0))
	_, err = New(store, Config{})
	requireT.ErrorContains(err, "magic")
}

func TestInvalidScale(t *testing.T) {
	_, err := New(persistent.NewMemoryStore(), Config{DataFileScale: 3})
	require.Error(t, err)
}

func TestAddGetFlush(t *testing.T) {
	requireT := require.New(t)

	c, store := NewForTest(t, Config{})
	_, err := c.EnlargeFileSpace(1024)
	requireT.NoError(err)

	o, err := c.Add(10, 32)
	requireT.NoError(err)
	requireT.EqualValues(10, o.Pos())
	requireT.Equal(make([]byte, 32), o.Bytes())
	o.Bytes()[0] = 0xaa
	o.Release()

	o2, err := c.Get(10, 32)
	requireT.NoError(err)
	requireT.Same(o, o2)
	o2.Release()

	_, err = c.Get(10, 64)
	requireT.Error(err)

	cached, pinned, dirty := c.Stats()
	requireT.Equal(1, cached)
	requireT.Zero(pinned)
	requireT.Equal(1, dirty)

	requireT.NoError(c.Flush())
	_, _, dirty = c.Stats()
	requireT.Zero(dirty)

	buf := make([]byte, 1)
	requireT.NoError(store.ReadAt(buf, 160))
	requireT.Equal([]byte{0xaa}, buf)
}

func TestEviction(t *testing.T) {
	requireT := require.New(t)

	c, store := NewForTest(t, Config{MaxObjects: 2})

	pinned, err := c.Add(20, 16)
	requireT.NoError(err)
	pinned.Bytes()[0] = 0x01

	for i := range 3 {
		o, err := c.Add(types.UnitPosition(30+i), 16)
		requireT.NoError(err)
		o.Bytes()[0] = byte(0x10 + i)
		o.Release()
	}

	cached, pinnedCount, _ := c.Stats()
	requireT.Equal(2, cached)
	requireT.Equal(1, pinnedCount)

	// Evicted dirty objects are written back.
	buf := make([]byte, 1)
	requireT.NoError(store.ReadAt(buf, 30*16))
	requireT.Equal([]byte{0x10}, buf)

	o, err := c.Get(30, 16)
	requireT.NoError(err)
	requireT.Equal(byte(0x10), o.Bytes()[0])
	o.Release()

	o, err = c.Get(20, 16)
	requireT.NoError(err)
	requireT.Same(pinned, o)
	o.Release()
	pinned.Release()
}

func TestReleaseRange(t *testing.T) {
	requireT := require.New(t)

	c, _ := NewForTest(t, Config{})

	for i := range 4 {
		o, err := c.Add(types.UnitPosition(10+i), 16)
		requireT.NoError(err)
		if i != 2 {
			o.Release()
		}
	}

	c.ReleaseRange(11, 13)
	cached, pinned, dirty := c.Stats()
	requireT.Equal(3, cached)
	requireT.Equal(1, pinned)
	requireT.Equal(3, dirty)
}

func TestReleaseUnpinnedPanics(t *testing.T) {
	c, _ := NewForTest(t, Config{})
	o, err := c.Add(10, 16)
	require.NoError(t, err)
	o.Release()

	require.Panics(t, o.Release)
}

func TestConcurrentGet(t *testing.T) {
	requireT := require.New(t)

	c, store := NewForTest(t, Config{})
	requireT.NoError(store.WriteAt([]byte{0x01, 0x02, 0x03}, 100*16))

	objects := make([]*Object, 16)
	var group errgroup.Group
	for i := range objects {
		group.Go(func() error {
			o, err := c.Get(100, 16)
			if err != nil {
				return err
			}
			objects[i] = o
			return nil
		})
	}
	requireT.NoError(group.Wait())

	for _, o := range objects {
		requireT.Same(objects[0], o)
		requireT.Equal([]byte{0x01, 0x02, 0x03}, o.Bytes()[:3])
		o.Release()
	}

	cached, pinned, _ := c.Stats()
	requireT.Equal(1, cached)
	requireT.Zero(pinned)
}

func TestBlockStore(t *testing.T) {
	requireT := require.New(t)

	c, _ := NewForTest(t, Config{})
	allocator := test.NewAllocator(1024)
	s := NewBlockStore(c, allocator, 64)
	requireT.Equal(64, s.Size())

	o1, err := s.New()
	requireT.NoError(err)
	requireT.EqualValues(64, o1.Pos())
	o1.Release()

	o2, err := s.New()
	requireT.NoError(err)
	requireT.EqualValues(68, o2.Pos())
	o2.Release()

	o, err := s.Get(64)
	requireT.NoError(err)
	requireT.Same(o1, o)
	o.Release()

	allocated, _ := allocator.Positions()
	requireT.Equal([]types.FileOffset{1024, 1088}, allocated)
}

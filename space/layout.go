package space

import (
	"unsafe"

	"github.com/outofforest/photon"
	"github.com/outofforest/strata/bitmap"
	"github.com/outofforest/strata/cache"
	"github.com/outofforest/strata/types"
)

// Sizes of the pages, in bytes, per entry.
const (
	rootSizeFactor      = 4
	directorySizeFactor = 12
	bitmapSizeFactor    = 4
)

// rootView maps directory index to the fixed-unit address of the directory page.
func rootView(o *cache.Object, blockSize int) []int32 {
	return photon.SliceFromPointer[int32](unsafe.Pointer(&o.Bytes()[0]), blockSize)
}

// directoryView describes up to blockSize file blocks.
type directoryView struct {
	TableID       []types.SpaceID
	BitmapAddress []int32
	FreeSpace     []uint16
	FreeBlock     []uint16
}

func newDirectoryView(o *cache.Object, blockSize int) directoryView {
	p := unsafe.Pointer(&o.Bytes()[0])
	return directoryView{
		TableID:       photon.SliceFromPointer[types.SpaceID](p, blockSize),
		BitmapAddress: photon.SliceFromPointer[int32](unsafe.Add(p, 4*blockSize), blockSize),
		FreeSpace:     photon.SliceFromPointer[uint16](unsafe.Add(p, 8*blockSize), blockSize),
		FreeBlock:     photon.SliceFromPointer[uint16](unsafe.Add(p, 10*blockSize), blockSize),
	}
}

func bitmapView(o *cache.Object, bitmapIntSize int) *bitmap.BitMap {
	return bitmap.New(photon.SliceFromPointer[uint32](unsafe.Pointer(&o.Bytes()[0]), bitmapIntSize))
}

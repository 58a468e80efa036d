package bitmap

import (
	"math/bits"

	"github.com/outofforest/strata/types"
)

const allSet = ^uint32(0)

// New returns bitmap operating on provided words. Bit i of word j represents unit j*32+i.
func New(words []uint32) *BitMap {
	return &BitMap{
		words: words,
	}
}

// BitMap tracks state of allocation units. Set bit means the unit is free.
type BitMap struct {
	words []uint32
}

// Size returns the number of bits in the bitmap.
func (b *BitMap) Size() int {
	return len(b.words) * types.BitsPerWord
}

// Reset unsets all the bits.
func (b *BitMap) Reset() {
	clear(b.words)
}

// Get returns true if bit is set.
func (b *BitMap) Get(pos int) bool {
	return b.words[pos/types.BitsPerWord]&(1<<(pos%types.BitsPerWord)) != 0
}

// SetRange sets count bits starting at pos.
func (b *BitMap) SetRange(pos, count int) {
	b.updateRange(pos, count, true)
}

// UnsetRange unsets count bits starting at pos.
func (b *BitMap) UnsetRange(pos, count int) {
	b.updateRange(pos, count, false)
}

// CountSetBits returns the number of set bits.
func (b *BitMap) CountSetBits() int {
	var count int
	for _, w := range b.words {
		count += bits.OnesCount32(w)
	}
	return count
}

// CountSetBitsEnd returns the length of the run of set bits ending at the last bit.
func (b *BitMap) CountSetBitsEnd() int {
	var count int
	for i := len(b.words) - 1; i >= 0; i-- {
		w := b.words[i]
		if w == allSet {
			count += types.BitsPerWord
			continue
		}
		return count + bits.LeadingZeros32(^w)
	}
	return count
}

func (b *BitMap) updateRange(pos, count int, set bool) {
	for count > 0 {
		wordIndex := pos / types.BitsPerWord
		bitIndex := pos % types.BitsPerWord
		n := min(types.BitsPerWord-bitIndex, count)

		var mask uint32
		if n == types.BitsPerWord {
			mask = allSet
		} else {
			mask = ((uint32(1) << n) - 1) << bitIndex
		}

		if set {
			b.words[wordIndex] |= mask
		} else {
			b.words[wordIndex] &^= mask
		}

		pos += n
		count -= n
	}
}

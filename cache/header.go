package cache

import (
	"unsafe"

	"github.com/cespare/xxhash"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/outofforest/photon"
	"github.com/outofforest/strata/types"
)

// HeaderSize is the number of bytes reserved at the beginning of the data file for the header.
const HeaderSize = 128

const formatVersion = 1

var magic = [8]byte{'s', 't', 'r', 'a', 't', 'a', 0x00, 0x01}

// header is stored at offset 0 of the data file.
type header struct {
	Magic                [8]byte
	Version              uint32
	DataFileScale        uint32
	FileID               uuid.UUID
	FileFreePos          types.FileOffset
	SpaceManagerPosition types.FileOffset
	LostSpaceSize        int64
	Checksum             uint64
}

var checksumOffset = unsafe.Offsetof(header{}.Checksum)

func newHeader(scale int64) header {
	return header{
		Magic:         magic,
		Version:       formatVersion,
		DataFileScale: uint32(scale),
		FileID:        uuid.New(),
		FileFreePos:   HeaderSize,
	}
}

func encodeHeader(h header) []byte {
	buf := make([]byte, HeaderSize)
	hP := photon.FromBytes[header](buf)
	*hP = h
	hP.Checksum = xxhash.Sum64(buf[:checksumOffset])
	return buf
}

func decodeHeader(buf []byte) (header, error) {
	h := *photon.FromBytes[header](buf)
	if h.Magic != magic {
		return header{}, errors.New("data file has invalid magic")
	}
	if h.Version != formatVersion {
		return header{}, errors.Errorf("unsupported data file version %d", h.Version)
	}
	if checksum := xxhash.Sum64(buf[:checksumOffset]); checksum != h.Checksum {
		return header{}, errors.Errorf("data file header checksum mismatch: %x != %x", checksum, h.Checksum)
	}
	return h, nil
}

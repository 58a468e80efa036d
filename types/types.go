package types

const (
	// UInt16Length is the number of bytes taken by uint16.
	UInt16Length = 2

	// UInt32Length is the number of bytes taken by uint32.
	UInt32Length = 4

	// UInt64Length is the number of bytes taken by uint64.
	UInt64Length = 8

	// BitsPerWord is the number of allocation units covered by one bitmap word.
	BitsPerWord = 32

	// FixedBlockSizeUnit is the granularity, in bytes, of page references stored in root and directory blocks.
	FixedBlockSizeUnit = 32
)

// SpaceID identifies the logical owner of file blocks.
type SpaceID int32

const (
	// SpaceEmpty marks file blocks which are not owned by anyone and might be reused.
	SpaceEmpty SpaceID = 0

	// SpaceDirectory owns root, directory and bitmap blocks.
	SpaceDirectory SpaceID = 1

	// SpaceDefault owns data which does not belong to any dedicated space.
	SpaceDefault SpaceID = 7

	// SpaceFirst is the first id handed out to dedicated spaces.
	SpaceFirst SpaceID = 8
)

type (
	// FileOffset is an absolute position in the data file, in bytes.
	FileOffset int64

	// UnitPosition is a position in the data file expressed in allocation units.
	UnitPosition int64
)

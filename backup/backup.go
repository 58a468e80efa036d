package backup

import (
	"context"
	"encoding/binary"
	"io"
	"unsafe"

	"github.com/cespare/xxhash"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/outofforest/logger"
	"github.com/outofforest/photon"
	"github.com/outofforest/strata/persistent"
)

// Compression is the algorithm used to compress blocks of the backup.
type Compression uint32

// Supported compression algorithms.
const (
	None Compression = iota
	LZ4
	Zstd
)

func (c Compression) String() string {
	switch c {
	case None:
		return "none"
	case LZ4:
		return "lz4"
	case Zstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// Config is the configuration of backup and restore.
type Config struct {
	Compression Compression
	BlockSize   int

	// BytesPerSecond limits the throughput of reading the source, 0 means no limit.
	BytesPerSecond int
}

// DefaultConfig is the default backup configuration.
var DefaultConfig = Config{
	Compression: Zstd,
	BlockSize:   1024 * 1024,
}

// Info describes the backup.
type Info struct {
	FileID      uuid.UUID
	Size        int64
	Compression Compression
}

const (
	version         = 1
	frameHeaderSize = 8
	checksumSize    = 8
)

var magic = [8]byte{'s', 't', 'r', 'a', 't', 'a', 'b', 'k'}

type header struct {
	Magic       [8]byte
	Version     uint32
	Compression Compression
	FileID      uuid.UUID
	Size        int64
	BlockSize   int64
}

var headerSize = int(unsafe.Sizeof(header{}))

// Write copies the content of the data file to w. Blocks are compressed independently, the stream ends with
// the checksum of the uncompressed content.
func Write(ctx context.Context, src persistent.Store, fileID uuid.UUID, w io.Writer, config Config) (Info, error) {
	config = withDefaults(config)

	size, err := src.Size()
	if err != nil {
		return Info{}, err
	}

	buf := make([]byte, headerSize)
	h := photon.FromBytes[header](buf)
	*h = header{
		Magic:       magic,
		Version:     version,
		Compression: config.Compression,
		FileID:      fileID,
		Size:        size,
		BlockSize:   int64(config.BlockSize),
	}
	if _, err := w.Write(buf); err != nil {
		return Info{}, errors.WithStack(err)
	}

	c, err := newCodec(config.Compression)
	if err != nil {
		return Info{}, err
	}
	defer c.Close()

	limiter := newLimiter(config)
	digest := xxhash.New()
	block := make([]byte, config.BlockSize)
	for offset := int64(0); offset < size; offset += int64(len(block)) {
		block = block[:min(int64(config.BlockSize), size-offset)]
		if err := wait(ctx, limiter, len(block)); err != nil {
			return Info{}, err
		}
		if err := src.ReadAt(block, offset); err != nil {
			return Info{}, err
		}
		if _, err := digest.Write(block); err != nil {
			return Info{}, errors.WithStack(err)
		}

		frame, err := c.Encode(block)
		if err != nil {
			return Info{}, err
		}
		if _, err := w.Write(frame); err != nil {
			return Info{}, errors.WithStack(err)
		}
	}

	if _, err := w.Write(binary.LittleEndian.AppendUint64(nil, digest.Sum64())); err != nil {
		return Info{}, errors.WithStack(err)
	}

	logger.Get(ctx).Info("Backup created",
		zap.Stringer("fileID", fileID),
		zap.Int64("size", size),
		zap.Stringer("compression", config.Compression))

	return Info{
		FileID:      fileID,
		Size:        size,
		Compression: config.Compression,
	}, nil
}

// Restore writes the content of the backup read from r to the empty dst.
func Restore(ctx context.Context, r io.Reader, dst persistent.Store, config Config) (Info, error) {
	config = withDefaults(config)

	buf := make([]byte, headerSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Info{}, errors.Wrap(err, "reading backup header failed")
	}
	h := *photon.FromBytes[header](buf)
	if h.Magic != magic {
		return Info{}, errors.New("backup has invalid magic")
	}
	if h.Version != version {
		return Info{}, errors.Errorf("unsupported backup version %d", h.Version)
	}
	if h.Size < 0 || h.BlockSize <= 0 {
		return Info{}, errors.Errorf("backup header is corrupted: size %d, block size %d", h.Size, h.BlockSize)
	}

	c, err := newCodec(h.Compression)
	if err != nil {
		return Info{}, err
	}
	defer c.Close()

	dstSize, err := dst.Size()
	if err != nil {
		return Info{}, err
	}
	if dstSize != 0 {
		return Info{}, errors.Errorf("restore destination is not empty, it has %d bytes", dstSize)
	}
	if err := dst.Grow(h.Size); err != nil {
		return Info{}, err
	}

	config.BlockSize = int(h.BlockSize)
	limiter := newLimiter(config)
	digest := xxhash.New()
	frameHeader := make([]byte, frameHeaderSize)
	var frame []byte
	for offset := int64(0); offset < h.Size; {
		if _, err := io.ReadFull(r, frameHeader); err != nil {
			return Info{}, errors.Wrap(err, "reading frame header failed")
		}
		rawSize := binary.LittleEndian.Uint32(frameHeader)
		compressedSize := binary.LittleEndian.Uint32(frameHeader[4:])
		if rawSize == 0 || int64(rawSize) > h.BlockSize || int64(rawSize) > h.Size-offset {
			return Info{}, errors.Errorf("invalid frame size %d at offset %d", rawSize, offset)
		}

		stored := compressedSize
		if stored == 0 {
			stored = rawSize
		}
		if cap(frame) < int(stored) {
			frame = make([]byte, stored)
		}
		frame = frame[:stored]
		if _, err := io.ReadFull(r, frame); err != nil {
			return Info{}, errors.Wrap(err, "reading frame failed")
		}

		block := frame
		if compressedSize != 0 {
			block, err = c.Decode(frame, int(rawSize))
			if err != nil {
				return Info{}, errors.Wrapf(err, "decoding frame at offset %d failed", offset)
			}
		}

		if err := wait(ctx, limiter, len(block)); err != nil {
			return Info{}, err
		}
		if _, err := digest.Write(block); err != nil {
			return Info{}, errors.WithStack(err)
		}
		if err := dst.WriteAt(block, offset); err != nil {
			return Info{}, err
		}
		offset += int64(len(block))
	}

	checksum := make([]byte, checksumSize)
	if _, err := io.ReadFull(r, checksum); err != nil {
		return Info{}, errors.Wrap(err, "reading checksum failed")
	}
	if expected, actual := binary.LittleEndian.Uint64(checksum), digest.Sum64(); expected != actual {
		return Info{}, errors.Errorf("backup checksum mismatch: %x != %x", actual, expected)
	}
	if err := dst.Sync(); err != nil {
		return Info{}, err
	}

	logger.Get(ctx).Info("Backup restored",
		zap.Stringer("fileID", h.FileID),
		zap.Int64("size", h.Size),
		zap.Stringer("compression", h.Compression))

	return Info{
		FileID:      h.FileID,
		Size:        h.Size,
		Compression: h.Compression,
	}, nil
}

func withDefaults(config Config) Config {
	if config.BlockSize <= 0 {
		config.BlockSize = DefaultConfig.BlockSize
	}
	return config
}

func newLimiter(config Config) *rate.Limiter {
	if config.BytesPerSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(config.BytesPerSecond), max(config.BytesPerSecond, config.BlockSize))
}

func wait(ctx context.Context, limiter *rate.Limiter, n int) error {
	if limiter == nil {
		return errors.WithStack(ctx.Err())
	}
	return errors.WithStack(limiter.WaitN(ctx, n))
}

type codec struct {
	compression Compression
	encoder     *zstd.Encoder
	decoder     *zstd.Decoder
	buf         []byte
}

func newCodec(compression Compression) (*codec, error) {
	c := &codec{compression: compression}
	switch compression {
	case None, LZ4:
	case Zstd:
		var err error
		c.encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, errors.WithStack(err)
		}
		c.decoder, err = zstd.NewReader(nil)
		if err != nil {
			return nil, errors.WithStack(err)
		}
	default:
		return nil, errors.Errorf("unknown compression %d", compression)
	}
	return c, nil
}

// Encode returns the frame of the block. Compressed size 0 in the frame header means the block is stored raw.
func (c *codec) Encode(block []byte) ([]byte, error) {
	frame := c.buf[:0]
	frame = binary.LittleEndian.AppendUint32(frame, uint32(len(block)))

	var compressed []byte
	switch c.compression {
	case LZ4:
		bound := lz4.CompressBlockBound(len(block))
		if cap(frame) < frameHeaderSize+bound {
			frame = append(make([]byte, 0, frameHeaderSize+bound), frame...)
		}
		dst := frame[frameHeaderSize : frameHeaderSize+bound]
		n, err := lz4.CompressBlock(block, dst, nil)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		compressed = dst[:n]
	case Zstd:
		compressed = c.encoder.EncodeAll(block, nil)
	}

	if len(compressed) == 0 || len(compressed) >= len(block) {
		frame = binary.LittleEndian.AppendUint32(frame, 0)
		frame = append(frame, block...)
	} else {
		frame = binary.LittleEndian.AppendUint32(frame, uint32(len(compressed)))
		if c.compression == LZ4 {
			// Already in place.
			frame = frame[:frameHeaderSize+len(compressed)]
		} else {
			frame = append(frame, compressed...)
		}
	}
	c.buf = frame
	return frame, nil
}

// Decode decompresses the frame payload.
func (c *codec) Decode(payload []byte, rawSize int) ([]byte, error) {
	block := make([]byte, rawSize)
	switch c.compression {
	case LZ4:
		n, err := lz4.UncompressBlock(payload, block)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		if n != rawSize {
			return nil, errors.Errorf("decompressed size mismatch: %d != %d", n, rawSize)
		}
		return block, nil
	case Zstd:
		decoded, err := c.decoder.DecodeAll(payload, block[:0])
		if err != nil {
			return nil, errors.WithStack(err)
		}
		if len(decoded) != rawSize {
			return nil, errors.Errorf("decompressed size mismatch: %d != %d", len(decoded), rawSize)
		}
		return decoded, nil
	default:
		return nil, errors.New("frame is compressed but backup uses no compression")
	}
}

func (c *codec) Close() {
	if c.encoder != nil {
		_ = c.encoder.Close()
	}
	if c.decoder != nil {
		c.decoder.Close()
	}
}

package persistent

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// OpenFileStore opens or creates file-based store.
func OpenFileStore(path string) (*FileStore, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	return &FileStore{
		file: file,
		fd:   int(file.Fd()),
	}, nil
}

// FileStore defines persistent file-based store.
type FileStore struct {
	file *os.File
	fd   int
}

// Size returns the size of the file.
func (s *FileStore) Size() (int64, error) {
	var stat unix.Stat_t
	if err := unix.Fstat(s.fd, &stat); err != nil {
		return 0, errors.WithStack(err)
	}
	return stat.Size, nil
}

// ReadAt reads data from the file.
func (s *FileStore) ReadAt(data []byte, offset int64) error {
	for len(data) > 0 {
		n, err := unix.Pread(s.fd, data, offset)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return errors.Wrapf(err, "reading %d bytes at offset %d failed", len(data), offset)
		}
		if n == 0 {
			// Space past the end of the file has never been written.
			clear(data)
			return nil
		}
		data = data[n:]
		offset += int64(n)
	}
	return nil
}

// WriteAt writes data to the file.
func (s *FileStore) WriteAt(data []byte, offset int64) error {
	for len(data) > 0 {
		n, err := unix.Pwrite(s.fd, data, offset)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return errors.Wrapf(err, "writing %d bytes at offset %d failed", len(data), offset)
		}
		data = data[n:]
		offset += int64(n)
	}
	return nil
}

// Grow extends the file.
func (s *FileStore) Grow(size int64) error {
	current, err := s.Size()
	if err != nil {
		return err
	}
	if size <= current {
		return nil
	}

	err = unix.Fallocate(s.fd, 0, current, size-current)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.EOPNOTSUPP), errors.Is(err, unix.ENOSYS):
		return errors.WithStack(unix.Ftruncate(s.fd, size))
	default:
		return errors.Wrapf(err, "growing file to %d bytes failed", size)
	}
}

// Sync syncs pending writes.
func (s *FileStore) Sync() error {
	return errors.WithStack(unix.Fsync(s.fd))
}

// Close closes the file.
func (s *FileStore) Close() error {
	return errors.WithStack(s.file.Close())
}

package persistent

// Store is the byte-addressed storage backing the data file.
type Store interface {
	// Size returns the current size of the store.
	Size() (int64, error)

	// ReadAt fills data with bytes stored at offset. Bytes past the end of the store are returned as zeros.
	ReadAt(data []byte, offset int64) error

	// WriteAt writes data at offset, growing the store if needed.
	WriteAt(data []byte, offset int64) error

	// Grow extends the store so it is at least size bytes long.
	Grow(size int64) error

	// Sync syncs pending writes.
	Sync() error

	// Close closes the store.
	Close() error
}

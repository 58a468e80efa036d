package persistent

import (
	"sync"
)

// NewMemoryStore creates new in-memory "persistent" store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// MemoryStore defines "persistent" in-memory store. Used for testing.
type MemoryStore struct {
	mu   sync.RWMutex
	data []byte
}

// Size returns size of the store.
func (s *MemoryStore) Size() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return int64(len(s.data)), nil
}

// ReadAt reads data from the store.
func (s *MemoryStore) ReadAt(data []byte, offset int64) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clear(data)
	if offset < int64(len(s.data)) {
		copy(data, s.data[offset:])
	}
	return nil
}

// WriteAt writes data to the store.
func (s *MemoryStore) WriteAt(data []byte, offset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.grow(offset + int64(len(data)))
	copy(s.data[offset:], data)
	return nil
}

// Grow extends the store.
func (s *MemoryStore) Grow(size int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.grow(size)
	return nil
}

// Sync does nothing.
func (s *MemoryStore) Sync() error {
	return nil
}

// Close does nothing, content stays available so the store might be reopened.
func (s *MemoryStore) Close() error {
	return nil
}

// Bytes returns the copy of the store content.
func (s *MemoryStore) Bytes() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]byte(nil), s.data...)
}

func (s *MemoryStore) grow(size int64) {
	if size <= int64(len(s.data)) {
		return
	}
	if size <= int64(cap(s.data)) {
		s.data = s.data[:size]
		return
	}
	data := make([]byte, size, max(size, 2*int64(cap(s.data))))
	copy(data, s.data)
	s.data = data
}

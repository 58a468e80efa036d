package persistent

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemoryStore())
}

func TestFileStore(t *testing.T) {
	s, err := OpenFileStore(filepath.Join(t.TempDir(), "strata.data"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})

	testStore(t, s)
}

func TestFileStoreReopen(t *testing.T) {
	requireT := require.New(t)
	path := filepath.Join(t.TempDir(), "strata.data")

	s, err := OpenFileStore(path)
	requireT.NoError(err)
	requireT.NoError(s.WriteAt([]byte{0x01, 0x02, 0x03}, 100))
	requireT.NoError(s.Sync())
	requireT.NoError(s.Close())

	s, err = OpenFileStore(path)
	requireT.NoError(err)
	defer s.Close()

	size, err := s.Size()
	requireT.NoError(err)
	requireT.EqualValues(103, size)

	data := make([]byte, 3)
	requireT.NoError(s.ReadAt(data, 100))
	requireT.Equal([]byte{0x01, 0x02, 0x03}, data)
}

func testStore(t *testing.T, s Store) {
	requireT := require.New(t)

	size, err := s.Size()
	requireT.NoError(err)
	requireT.Zero(size)

	requireT.NoError(s.Grow(4096))
	size, err = s.Size()
	requireT.NoError(err)
	requireT.EqualValues(4096, size)

	// Growing to smaller size does nothing.
	requireT.NoError(s.Grow(1024))
	size, err = s.Size()
	requireT.NoError(err)
	requireT.EqualValues(4096, size)

	requireT.NoError(s.WriteAt([]byte("strata"), 4090))

	data := make([]byte, 6)
	requireT.NoError(s.ReadAt(data, 4090))
	requireT.Equal([]byte("strata"), data)

	size, err = s.Size()
	requireT.NoError(err)
	requireT.EqualValues(4096, size)

	// Reading past the end returns zeros.
	data = []byte{0xff, 0xff, 0xff, 0xff}
	requireT.NoError(s.ReadAt(data, 8192))
	requireT.Equal([]byte{0x00, 0x00, 0x00, 0x00}, data)

	requireT.NoError(s.Sync())
}

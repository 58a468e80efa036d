package cache

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/strata/persistent"
)

// NewForTest creates cache backed by memory store for unit tests.
func NewForTest(t *testing.T, config Config) (*Cache, *persistent.MemoryStore) {
	store := persistent.NewMemoryStore()
	c, err := New(store, config)
	require.NoError(t, err)
	return c, store
}

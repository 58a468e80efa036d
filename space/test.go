package space

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/strata/cache"
)

// NewForTest creates space manager on top of the in-memory cache for unit tests.
func NewForTest(t *testing.T, config Config) (*SpaceManager, *cache.Cache) {
	c, _ := cache.NewForTest(t, cache.Config{DataFileScale: 16})
	sm, err := New(c, config)
	require.NoError(t, err)
	return sm, c
}

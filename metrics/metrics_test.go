package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSpace(t *testing.T) {
	requireT := require.New(t)

	registry := prometheus.NewRegistry()
	m, err := NewSpace(registry)
	requireT.NoError(err)

	m.BlocksCreatedAdd(3)
	m.BlocksReusedAdd(1)
	m.BlocksFreedAdd(2)
	m.DirectoryGrowthsInc()

	requireT.InDelta(3, testutil.ToFloat64(m.BlocksCreated), 0)
	requireT.InDelta(1, testutil.ToFloat64(m.BlocksReused), 0)
	requireT.InDelta(2, testutil.ToFloat64(m.BlocksFreed), 0)
	requireT.InDelta(1, testutil.ToFloat64(m.DirectoryGrowths), 0)

	count, err := testutil.GatherAndCount(registry)
	requireT.NoError(err)
	requireT.Equal(4, count)

	_, err = NewSpace(registry)
	requireT.Error(err)
}

func TestIndex(t *testing.T) {
	requireT := require.New(t)

	m, err := NewIndex(prometheus.NewRegistry())
	requireT.NoError(err)

	m.Inserted("pk")
	m.Inserted("pk")
	m.Deleted("pk")
	m.Duplicate("pk")

	requireT.InDelta(2, testutil.ToFloat64(m.Operations.WithLabelValues("pk", "insert")), 0)
	requireT.InDelta(1, testutil.ToFloat64(m.Operations.WithLabelValues("pk", "delete")), 0)
	requireT.InDelta(1, testutil.ToFloat64(m.Operations.WithLabelValues("pk", "duplicate")), 0)
}

func TestNilCollectors(t *testing.T) {
	var s *Space
	var i *Index

	require.NotPanics(t, func() {
		s.BlocksCreatedAdd(1)
		s.BlocksReusedAdd(1)
		s.BlocksFreedAdd(1)
		s.DirectoryGrowthsInc()
		i.Inserted("pk")
		i.Deleted("pk")
		i.Duplicate("pk")
	})
}

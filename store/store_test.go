package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRow(t *testing.T) {
	requireT := require.New(t)

	m := NewMemory(3)
	requireT.Equal(3, m.IndexCount())

	row := m.NewRow([]any{int32(1)})
	requireT.Equal(uint64(1), row.ID)
	requireT.Len(row.Nodes, 3)
	requireT.EqualValues(1, m.RowCount())

	seen := map[NodeID]struct{}{}
	for i := range 3 {
		id := row.Node(i)
		requireT.NotEqual(NilNode, id)
		seen[id] = struct{}{}

		n := m.Node(id)
		requireT.Same(row, n.Row)
		requireT.Equal(NilNode, n.Left)
		requireT.Equal(NilNode, n.Right)
		requireT.Equal(NilNode, n.Parent)
		requireT.Zero(n.Balance)
	}
	requireT.Len(seen, 3)
}

func TestNodesSpanChunks(t *testing.T) {
	requireT := require.New(t)

	m := NewMemory(1)
	rows := make([]*Row, 0, 3*nodeChunkSize)
	for i := range 3 * nodeChunkSize {
		rows = append(rows, m.NewRow([]any{int64(i)}))
	}

	for i, row := range rows {
		n := m.Node(row.Node(0))
		requireT.Same(row, n.Row)
		requireT.Equal(int64(i), n.Row.Data[0])
	}
}

func TestFreeRowReusesSlots(t *testing.T) {
	requireT := require.New(t)

	m := NewMemory(2)
	row := m.NewRow([]any{"a"})
	nodes := append([]NodeID{}, row.Nodes...)
	row.DeletedBy.Store(5)
	row.CreatedBy = 4

	m.FreeRow(row)
	requireT.Zero(m.RowCount())
	for _, id := range nodes {
		requireT.True(m.Node(id).IsDeleted())
	}

	row2 := m.NewRow([]any{"b"})
	requireT.Same(row, row2)
	requireT.Equal(uint64(2), row2.ID)
	requireT.Zero(row2.CreatedBy)
	requireT.Zero(row2.DeletedBy.Load())
	requireT.ElementsMatch(nodes, row2.Nodes)
	requireT.Equal([]any{"b"}, row2.Data)
}

func TestAccessor(t *testing.T) {
	requireT := require.New(t)

	m := NewMemory(2)
	requireT.Equal(NilNode, m.Accessor(0))

	m.SetAccessor(1, 7)
	requireT.Equal(NilNode, m.Accessor(0))
	requireT.Equal(NodeID(7), m.Accessor(1))
}

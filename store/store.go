package store

import (
	"sync"
	"sync/atomic"

	"github.com/outofforest/mass"
	"github.com/outofforest/strata/types"
)

// NodeID identifies node in the node arena. Zero value means no node.
type NodeID uint32

const (
	// NilNode is the missing node.
	NilNode NodeID = 0

	// DeletedBalance marks node removed from its index.
	DeletedBalance int8 = -2

	nodeChunkSize = 1024
)

// Node is the AVL tree node owned by the row.
type Node struct {
	Left    NodeID
	Right   NodeID
	Parent  NodeID
	Balance int8
	Row     *Row
}

// IsDeleted reports whether node has been unlinked from its index.
func (n *Node) IsDeleted() bool {
	return n.Balance == DeletedBalance
}

// Row is the table row indexed by every index of the table.
type Row struct {
	ID    uint64
	Data  []any
	Nodes []NodeID

	// SpaceID is the table space of the table owning the row.
	SpaceID types.SpaceID

	// Pos and Size locate the row image inside the table space, Size is 0 if image is not stored.
	Pos  types.FileOffset
	Size int64

	// CreatedBy and DeletedBy hold ids of the transactions which inserted and deleted the row.
	CreatedBy uint64
	DeletedBy atomic.Uint64
}

// Node returns id of the node owned by the index at position.
func (r *Row) Node(position int) NodeID {
	return r.Nodes[position]
}

type nodeChunk [nodeChunkSize]Node

// Memory stores rows and their index nodes in memory.
type Memory struct {
	accessors []atomic.Uint32

	rowsMu    sync.Mutex
	rows      *mass.Mass[Row]
	freeRows  []*Row
	nextRowID uint64
	rowCount  atomic.Int64

	nodesMu   sync.Mutex
	chunks    atomic.Pointer[[]*nodeChunk]
	freeNodes []NodeID
	nextNode  NodeID
}

// NewMemory creates row store for table with indexCount indexes.
func NewMemory(indexCount int) *Memory {
	m := &Memory{
		accessors: make([]atomic.Uint32, indexCount),
		rows:      mass.New[Row](1024),
		nextNode:  1,
	}
	m.chunks.Store(&[]*nodeChunk{})
	return m
}

// IndexCount returns number of indexes rows are created for.
func (m *Memory) IndexCount() int {
	return len(m.accessors)
}

// Accessor returns the root node of index at position.
func (m *Memory) Accessor(position int) NodeID {
	return NodeID(m.accessors[position].Load())
}

// SetAccessor sets the root node of index at position.
func (m *Memory) SetAccessor(position int, id NodeID) {
	m.accessors[position].Store(uint32(id))
}

// Node returns node by id.
func (m *Memory) Node(id NodeID) *Node {
	chunks := *m.chunks.Load()
	return &chunks[id/nodeChunkSize][id%nodeChunkSize]
}

// NewRow allocates row together with one unlinked node per index.
func (m *Memory) NewRow(data []any) *Row {
	m.rowsMu.Lock()
	var row *Row
	if n := len(m.freeRows); n > 0 {
		row = m.freeRows[n-1]
		m.freeRows = m.freeRows[:n-1]
	} else {
		row = m.rows.New()
	}
	m.nextRowID++
	row.ID = m.nextRowID
	m.rowsMu.Unlock()

	row.Data = data
	row.Pos = 0
	row.Size = 0
	row.CreatedBy = 0
	row.DeletedBy.Store(0)
	if cap(row.Nodes) >= len(m.accessors) {
		row.Nodes = row.Nodes[:len(m.accessors)]
	} else {
		row.Nodes = make([]NodeID, len(m.accessors))
	}

	m.nodesMu.Lock()
	defer m.nodesMu.Unlock()

	for i := range row.Nodes {
		id := m.allocateNode()
		*m.Node(id) = Node{Row: row}
		row.Nodes[i] = id
	}
	m.rowCount.Add(1)

	return row
}

// FreeRow returns row and its nodes to the store. Row must be already removed from every index.
func (m *Memory) FreeRow(row *Row) {
	m.nodesMu.Lock()
	for i, id := range row.Nodes {
		*m.Node(id) = Node{Balance: DeletedBalance}
		m.freeNodes = append(m.freeNodes, id)
		row.Nodes[i] = NilNode
	}
	m.nodesMu.Unlock()

	row.Data = nil
	m.rowCount.Add(-1)

	m.rowsMu.Lock()
	defer m.rowsMu.Unlock()

	m.freeRows = append(m.freeRows, row)
}

// RowCount returns number of allocated rows.
func (m *Memory) RowCount() int64 {
	return m.rowCount.Load()
}

func (m *Memory) allocateNode() NodeID {
	if n := len(m.freeNodes); n > 0 {
		id := m.freeNodes[n-1]
		m.freeNodes = m.freeNodes[:n-1]
		return id
	}

	id := m.nextNode
	m.nextNode++

	chunks := *m.chunks.Load()
	if int(id/nodeChunkSize) >= len(chunks) {
		newChunks := make([]*nodeChunk, len(chunks), len(chunks)+1)
		copy(newChunks, chunks)
		newChunks = append(newChunks, &nodeChunk{})
		m.chunks.Store(&newChunks)
	}
	return id
}

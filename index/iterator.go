package index

import (
	"github.com/outofforest/strata/mvcc"
	"github.com/outofforest/strata/store"
)

// Rows iterates over rows visible to the session in index order.
func (idx *Index) Rows(session *mvcc.Session, s Store) func(func(*store.Row) bool) {
	return idx.iterator(session, s, nil, nil, 0)
}

// Range iterates over visible rows whose first fieldCount key columns are equal to key mapped by colMap.
func (idx *Index) Range(
	session *mvcc.Session,
	s Store,
	key []any,
	colMap []int,
	fieldCount int,
) func(func(*store.Row) bool) {
	return idx.iterator(session, s, key, colMap, fieldCount)
}

type cursor struct {
	started bool
	data    []any
	id      uint64
}

// iterator takes the read lock for every step only. Between steps the position is remembered by the key and id
// of the last row, so concurrent modifications never leave the iterator on unlinked node.
func (idx *Index) iterator(
	session *mvcc.Session,
	s Store,
	key []any,
	colMap []int,
	fieldCount int,
) func(func(*store.Row) bool) {
	return func(yield func(*store.Row) bool) {
		var c cursor
		for {
			row := idx.step(session, s, &c, key, colMap, fieldCount)
			if row == nil || !yield(row) {
				return
			}
		}
	}
}

func (idx *Index) step(
	session *mvcc.Session,
	s Store,
	c *cursor,
	key []any,
	colMap []int,
	fieldCount int,
) *store.Row {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var x store.NodeID
	switch {
	case c.started:
		x = idx.seekAfter(s, c.data, c.id)
	case key == nil:
		x = leftmost(s, s.Accessor(idx.config.Position))
	default:
		x = idx.findLeftmost(s, key, colMap, fieldCount)
	}
	c.started = true

	for ; x != store.NilNode; x = next(s, x) {
		row := s.Node(x).Row
		if key != nil && idx.compareRowNonUnique(key, colMap, row.Data, fieldCount) != 0 {
			return nil
		}

		c.data = row.Data
		c.id = row.ID
		if session == nil || idx.config.TxManager.CanRead(session, row) {
			return row
		}
	}
	return nil
}

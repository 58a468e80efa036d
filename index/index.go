package index

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/outofforest/strata/metrics"
	"github.com/outofforest/strata/mvcc"
	"github.com/outofforest/strata/store"
	"github.com/outofforest/strata/value"
)

// ErrDuplicateKey is returned when unique index already contains the key.
var ErrDuplicateKey = errors.New("duplicate key")

// Store provides nodes and root slots of indexes.
type Store interface {
	Accessor(position int) store.NodeID
	SetAccessor(position int, id store.NodeID)
	Node(id store.NodeID) *store.Node
}

// TxManager decides about row visibility.
type TxManager interface {
	CanRead(session *mvcc.Session, row *store.Row) bool
}

// Config describes the index.
type Config struct {
	Name string

	// Position is the slot of the index in the row node list and the store accessor list.
	Position int

	Columns    []int
	Types      []value.Type
	Descending []bool
	NullsLast  []bool
	Unique     bool
	PrimaryKey bool

	TxManager TxManager
	Metrics   *metrics.Index
}

// New creates ordered index.
func New(config Config) (*Index, error) {
	if len(config.Columns) == 0 {
		return nil, errors.Errorf("index %q has no columns", config.Name)
	}
	if len(config.Types) != len(config.Columns) {
		return nil, errors.Errorf("index %q has %d columns but %d types", config.Name, len(config.Columns),
			len(config.Types))
	}
	if config.Descending == nil {
		config.Descending = make([]bool, len(config.Columns))
	}
	if config.NullsLast == nil {
		config.NullsLast = make([]bool, len(config.Columns))
	}
	if len(config.Descending) != len(config.Columns) || len(config.NullsLast) != len(config.Columns) {
		return nil, errors.Errorf("index %q has invalid column order flags", config.Name)
	}
	if config.PrimaryKey {
		config.Unique = true
	}

	return &Index{
		config:      config,
		simpleOrder: len(config.Columns) == 1 && !config.Descending[0] && !config.NullsLast[0],
	}, nil
}

// Index is the AVL tree of rows ordered by the key columns.
type Index struct {
	config      Config
	simpleOrder bool

	mu sync.RWMutex
}

// Name returns index name.
func (idx *Index) Name() string {
	return idx.config.Name
}

// Position returns index position.
func (idx *Index) Position() int {
	return idx.config.Position
}

// Columns returns indexed columns.
func (idx *Index) Columns() []int {
	return idx.config.Columns
}

// IsUnique reports whether index rejects duplicated keys.
func (idx *Index) IsUnique() bool {
	return idx.config.Unique
}

// IsPrimaryKey reports whether index is the primary key.
func (idx *Index) IsPrimaryKey() bool {
	return idx.config.PrimaryKey
}

// Insert links row into the index.
func (idx *Index) Insert(session *mvcc.Session, s Store, row *store.Row) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	nodeID := row.Node(idx.config.Position)
	n := idx.config.Position
	x := s.Accessor(n)
	if x == store.NilNode {
		*s.Node(nodeID) = store.Node{Row: row}
		s.SetAccessor(n, nodeID)
		idx.config.Metrics.Inserted(idx.config.Name)
		return nil
	}

	var isLeft bool
	for {
		current := s.Node(x).Row

		var compare int
		if idx.simpleOrder {
			column := idx.config.Columns[0]
			compare = value.Compare(idx.config.Types[0], row.Data[column], current.Data[column])
		}
		if compare == 0 {
			compare = idx.compareRowForInsertOrDelete(row, current)
		}
		if compare == 0 {
			idx.config.Metrics.Duplicate(idx.config.Name)
			return errors.Wrapf(ErrDuplicateKey, "index %q", idx.config.Name)
		}

		isLeft = compare < 0
		next := child(s.Node(x), isLeft)
		if next == store.NilNode {
			break
		}
		x = next
	}

	*s.Node(nodeID) = store.Node{Row: row}
	set(s, x, isLeft, nodeID)
	idx.balance(s, x, isLeft)
	idx.config.Metrics.Inserted(idx.config.Name)

	return nil
}

// Delete unlinks node from the index.
func (idx *Index) Delete(s Store, x store.NodeID) {
	if x == store.NilNode {
		return
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	xNode := s.Node(x)
	if xNode.IsDeleted() || (xNode.Parent == store.NilNode && s.Accessor(idx.config.Position) != x) {
		return
	}

	var n store.NodeID
	switch {
	case xNode.Left == store.NilNode:
		n = xNode.Right
	case xNode.Right == store.NilNode:
		n = xNode.Left
	default:
		d := x
		dNode := xNode

		x = dNode.Left
		xNode = s.Node(x)
		for xNode.Right != store.NilNode {
			x = xNode.Right
			xNode = s.Node(x)
		}

		// x is the in-order predecessor of d, it takes d's place.
		n = xNode.Left
		xNode.Balance, dNode.Balance = dNode.Balance, xNode.Balance

		xp := xNode.Parent
		dp := dNode.Parent
		if d == s.Accessor(idx.config.Position) {
			s.SetAccessor(idx.config.Position, x)
		}

		xNode.Parent = dp
		if dp != store.NilNode {
			dpNode := s.Node(dp)
			if dpNode.Right == d {
				dpNode.Right = x
			} else {
				dpNode.Left = x
			}
		}

		if d == xp {
			dNode.Parent = x
			xNode.Left = d
			xNode.Right = dNode.Right
		} else {
			dNode.Parent = xp
			s.Node(xp).Right = d
			xNode.Left = dNode.Left
			xNode.Right = dNode.Right
		}

		s.Node(xNode.Right).Parent = x
		s.Node(xNode.Left).Parent = x

		dNode.Left = n
		if n != store.NilNode {
			s.Node(n).Parent = d
		}
		dNode.Right = store.NilNode

		x = d
		xNode = dNode
	}

	isLeft := isFromLeft(s, x)
	replace(s, idx.config.Position, x, n)
	n = xNode.Parent
	xNode.Left = store.NilNode
	xNode.Right = store.NilNode
	xNode.Parent = store.NilNode
	xNode.Balance = store.DeletedBalance

	idx.config.Metrics.Deleted(idx.config.Name)

	for n != store.NilNode {
		x = n
		xNode = s.Node(x)

		sign := int8(1)
		if !isLeft {
			sign = -1
		}

		switch xNode.Balance * sign {
		case -1:
			xNode.Balance = 0
		case 0:
			xNode.Balance = sign
			return
		case 1:
			r := child(xNode, !isLeft)
			rNode := s.Node(r)
			b := rNode.Balance

			if b*sign >= 0 {
				replace(s, idx.config.Position, x, r)
				set(s, x, !isLeft, child(rNode, isLeft))
				set(s, r, isLeft, x)

				if b == 0 {
					xNode.Balance = sign
					rNode.Balance = -sign
					return
				}

				xNode.Balance = 0
				rNode.Balance = 0
				x = r
				xNode = rNode
			} else {
				l := child(rNode, isLeft)
				lNode := s.Node(l)

				replace(s, idx.config.Position, x, l)
				b = lNode.Balance
				set(s, r, isLeft, child(lNode, !isLeft))
				set(s, l, !isLeft, r)
				set(s, x, !isLeft, child(lNode, isLeft))
				set(s, l, isLeft, x)

				xNode.Balance = 0
				if b == sign {
					xNode.Balance = -sign
				}
				rNode.Balance = 0
				if b == -sign {
					rNode.Balance = sign
				}
				lNode.Balance = 0

				x = l
				xNode = lNode
			}
		}

		isLeft = isFromLeft(s, x)
		n = xNode.Parent
	}
}

// FindNode returns the leftmost node whose first fieldCount key columns are equal to key and whose row is visible
// to the session. Visibility is not checked if session is nil.
func (idx *Index) FindNode(
	session *mvcc.Session,
	s Store,
	key []any,
	colMap []int,
	fieldCount int,
) store.NodeID {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	return idx.findNode(session, s, key, colMap, fieldCount)
}

// FindRow returns the row of the node found by FindNode or nil.
func (idx *Index) FindRow(
	session *mvcc.Session,
	s Store,
	key []any,
	colMap []int,
	fieldCount int,
) *store.Row {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	id := idx.findNode(session, s, key, colMap, fieldCount)
	if id == store.NilNode {
		return nil
	}
	return s.Node(id).Row
}

// Next returns the in-order successor of the node.
func (idx *Index) Next(s Store, x store.NodeID) store.NodeID {
	if x == store.NilNode {
		return store.NilNode
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	return next(s, x)
}

// Last returns the in-order predecessor of the node.
func (idx *Index) Last(s Store, x store.NodeID) store.NodeID {
	if x == store.NilNode {
		return store.NilNode
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	return last(s, x)
}

// First returns the leftmost node.
func (idx *Index) First(s Store) store.NodeID {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	return leftmost(s, s.Accessor(idx.config.Position))
}

// Size returns the number of nodes linked into the index.
func (idx *Index) Size(s Store) int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var size int
	for x := leftmost(s, s.Accessor(idx.config.Position)); x != store.NilNode; x = next(s, x) {
		size++
	}
	return size
}

// Height returns the height of the tree.
func (idx *Index) Height(s Store) int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	return height(s, s.Accessor(idx.config.Position))
}

func (idx *Index) findNode(
	session *mvcc.Session,
	s Store,
	key []any,
	colMap []int,
	fieldCount int,
) store.NodeID {
	result := idx.findLeftmost(s, key, colMap, fieldCount)
	if session == nil {
		return result
	}

	for result != store.NilNode {
		row := s.Node(result).Row
		if idx.compareRowNonUnique(key, colMap, row.Data, fieldCount) != 0 {
			return store.NilNode
		}
		if idx.config.TxManager.CanRead(session, row) {
			return result
		}
		result = next(s, result)
	}
	return store.NilNode
}

func (idx *Index) findLeftmost(s Store, key []any, colMap []int, fieldCount int) store.NodeID {
	var result store.NodeID
	x := s.Accessor(idx.config.Position)
	for x != store.NilNode {
		xNode := s.Node(x)
		i := idx.compareRowNonUnique(key, colMap, xNode.Row.Data, fieldCount)
		switch {
		case i == 0:
			result = x
			x = xNode.Left
		case i > 0:
			x = xNode.Right
		default:
			x = xNode.Left
		}
	}
	return result
}

// seekAfter returns the leftmost node ordered after the row identified by data and id.
func (idx *Index) seekAfter(s Store, data []any, id uint64) store.NodeID {
	var result store.NodeID
	x := s.Accessor(idx.config.Position)
	for x != store.NilNode {
		xNode := s.Node(x)
		c := idx.compareRowData(data, xNode.Row.Data)
		if c == 0 {
			c = compareIDs(id, xNode.Row.ID)
		}
		if c < 0 {
			result = x
			x = xNode.Left
		} else {
			x = xNode.Right
		}
	}
	return result
}

func (idx *Index) balance(s Store, x store.NodeID, isLeft bool) {
	for {
		xNode := s.Node(x)

		sign := int8(1)
		if !isLeft {
			sign = -1
		}

		switch xNode.Balance * sign {
		case 1:
			xNode.Balance = 0
			return
		case 0:
			xNode.Balance = -sign
		case -1:
			l := child(xNode, isLeft)
			lNode := s.Node(l)

			if lNode.Balance == -sign {
				replace(s, idx.config.Position, x, l)
				set(s, x, isLeft, child(lNode, !isLeft))
				set(s, l, !isLeft, x)
				xNode.Balance = 0
				lNode.Balance = 0
				return
			}

			r := child(lNode, !isLeft)
			rNode := s.Node(r)

			replace(s, idx.config.Position, x, r)
			set(s, l, !isLeft, child(rNode, isLeft))
			set(s, r, isLeft, l)
			set(s, x, isLeft, child(rNode, !isLeft))
			set(s, r, !isLeft, x)

			rb := rNode.Balance
			xNode.Balance = 0
			if rb == -sign {
				xNode.Balance = sign
			}
			lNode.Balance = 0
			if rb == sign {
				lNode.Balance = -sign
			}
			rNode.Balance = 0
			return
		}

		if xNode.Parent == store.NilNode {
			return
		}

		isLeft = isFromLeft(s, x)
		x = xNode.Parent
	}
}

func (idx *Index) compareColumn(j int, a, b any) int {
	i := value.Compare(idx.config.Types[j], a, b)
	if i == 0 || idx.simpleOrder {
		return i
	}

	nulls := a == nil || b == nil
	if idx.config.Descending[j] && !nulls {
		i = -i
	}
	if idx.config.NullsLast[j] && nulls {
		i = -i
	}
	return i
}

// compareRowNonUnique compares the first fieldCount key columns of the search key mapped by colMap with row data.
func (idx *Index) compareRowNonUnique(key []any, colMap []int, data []any, fieldCount int) int {
	for j := range fieldCount {
		if i := idx.compareColumn(j, key[colMap[j]], data[idx.config.Columns[j]]); i != 0 {
			return i
		}
	}
	return 0
}

func (idx *Index) compareRowData(a, b []any) int {
	for j, column := range idx.config.Columns {
		if i := idx.compareColumn(j, a[column], b[column]); i != 0 {
			return i
		}
	}
	return 0
}

// compareRowForInsertOrDelete compares full keys. Rows of non-unique indexes and rows with NULL in the key are
// ordered by row id when keys are equal, so they never collide.
func (idx *Index) compareRowForInsertOrDelete(newRow, existingRow *store.Row) int {
	if i := idx.compareRowData(newRow.Data, existingRow.Data); i != 0 {
		return i
	}
	if idx.config.Unique && !idx.hasNulls(newRow.Data) {
		return 0
	}
	return compareIDs(newRow.ID, existingRow.ID)
}

func (idx *Index) hasNulls(data []any) bool {
	for _, column := range idx.config.Columns {
		if data[column] == nil {
			return true
		}
	}
	return false
}

func compareIDs(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func child(n *store.Node, isLeft bool) store.NodeID {
	if isLeft {
		return n.Left
	}
	return n.Right
}

// set links child n to x on the requested side.
func set(s Store, x store.NodeID, isLeft bool, n store.NodeID) {
	xNode := s.Node(x)
	if isLeft {
		xNode.Left = n
	} else {
		xNode.Right = n
	}
	if n != store.NilNode {
		s.Node(n).Parent = x
	}
}

// replace puts n in the place of x in x's parent.
func replace(s Store, position int, x, n store.NodeID) {
	xNode := s.Node(x)
	if xNode.Parent == store.NilNode {
		if n != store.NilNode {
			s.Node(n).Parent = store.NilNode
		}
		s.SetAccessor(position, n)
		return
	}
	set(s, xNode.Parent, isFromLeft(s, x), n)
}

// isFromLeft reports whether x is the left child of its parent. Root counts as left.
func isFromLeft(s Store, x store.NodeID) bool {
	parent := s.Node(x).Parent
	if parent == store.NilNode {
		return true
	}
	return s.Node(parent).Left == x
}

func next(s Store, x store.NodeID) store.NodeID {
	xNode := s.Node(x)
	if xNode.Right != store.NilNode {
		return leftmost(s, xNode.Right)
	}

	for {
		parent := xNode.Parent
		if parent == store.NilNode {
			return store.NilNode
		}
		pNode := s.Node(parent)
		if pNode.Left == x {
			return parent
		}
		x = parent
		xNode = pNode
	}
}

func last(s Store, x store.NodeID) store.NodeID {
	xNode := s.Node(x)
	if xNode.Left != store.NilNode {
		return rightmost(s, xNode.Left)
	}

	for {
		parent := xNode.Parent
		if parent == store.NilNode {
			return store.NilNode
		}
		pNode := s.Node(parent)
		if pNode.Right == x {
			return parent
		}
		x = parent
		xNode = pNode
	}
}

func leftmost(s Store, x store.NodeID) store.NodeID {
	if x == store.NilNode {
		return x
	}
	for {
		l := s.Node(x).Left
		if l == store.NilNode {
			return x
		}
		x = l
	}
}

func rightmost(s Store, x store.NodeID) store.NodeID {
	if x == store.NilNode {
		return x
	}
	for {
		r := s.Node(x).Right
		if r == store.NilNode {
			return x
		}
		x = r
	}
}

func height(s Store, x store.NodeID) int {
	if x == store.NilNode {
		return 0
	}
	n := s.Node(x)
	return 1 + max(height(s, n.Left), height(s, n.Right))
}

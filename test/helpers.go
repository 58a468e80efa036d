package test

import (
	"github.com/pkg/errors"

	"github.com/outofforest/strata/index"
	"github.com/outofforest/strata/store"
)

// CollectIndexKeys collects values of the column from all the rows of index, in index order.
func CollectIndexKeys(idx *index.Index, s index.Store, column int) []any {
	keys := []any{}
	for row := range idx.Rows(nil, s) {
		keys = append(keys, row.Data[column])
	}
	return keys
}

// Shape describes the node in the tree, used to verify exact tree layout in tests.
type Shape struct {
	Key     any
	Balance int8
	Left    *Shape
	Right   *Shape
}

// TreeShape returns the shape of the tree, keys are taken from the column.
func TreeShape(s index.Store, position, column int) *Shape {
	return shape(s, s.Accessor(position), column)
}

func shape(s index.Store, x store.NodeID, column int) *Shape {
	if x == store.NilNode {
		return nil
	}
	n := s.Node(x)
	return &Shape{
		Key:     n.Row.Data[column],
		Balance: n.Balance,
		Left:    shape(s, n.Left, column),
		Right:   shape(s, n.Right, column),
	}
}

// AuditTree verifies that parent links are consistent and balances are equal to height differences.
// It returns the height of the tree.
func AuditTree(s index.Store, position int) (int, error) {
	root := s.Accessor(position)
	if root == store.NilNode {
		return 0, nil
	}
	if s.Node(root).Parent != store.NilNode {
		return 0, errors.Errorf("root %d has parent", root)
	}
	return audit(s, root)
}

func audit(s index.Store, x store.NodeID) (int, error) {
	if x == store.NilNode {
		return 0, nil
	}
	n := s.Node(x)
	for _, c := range []store.NodeID{n.Left, n.Right} {
		if c != store.NilNode && s.Node(c).Parent != x {
			return 0, errors.Errorf("node %d has parent %d, expected %d", c, s.Node(c).Parent, x)
		}
	}

	left, err := audit(s, n.Left)
	if err != nil {
		return 0, err
	}
	right, err := audit(s, n.Right)
	if err != nil {
		return 0, err
	}
	if diff := right - left; diff != int(n.Balance) || diff < -1 || diff > 1 {
		return 0, errors.Errorf("node %d has balance %d, height difference is %d", x, n.Balance, diff)
	}
	return max(left, right) + 1, nil
}

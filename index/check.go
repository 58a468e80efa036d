package index

import (
	"context"

	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/strata/store"
)

// CheckIndex audits the tree structure. Anomalies are logged, the number of them is returned.
func (idx *Index) CheckIndex(ctx context.Context, s Store) int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	c := &checker{
		idx: idx,
		s:   s,
		log: logger.Get(ctx).With(zap.String("index", idx.config.Name)),
	}

	root := s.Accessor(idx.config.Position)
	if root != store.NilNode && s.Node(root).Parent != store.NilNode {
		c.report("Root has parent", root)
	}
	c.check(root)

	return c.anomalies
}

type checker struct {
	idx       *Index
	s         Store
	log       *zap.Logger
	prev      *store.Row
	anomalies int
}

// check walks the subtree in order and returns its height.
func (c *checker) check(x store.NodeID) int {
	if x == store.NilNode {
		return 0
	}

	n := c.s.Node(x)
	for _, child := range []store.NodeID{n.Left, n.Right} {
		if child == store.NilNode {
			continue
		}
		childNode := c.s.Node(child)
		if childNode.IsDeleted() {
			c.report("Deleted child", x, zap.Uint32("child", uint32(child)))
		}
		if childNode.Parent != x {
			c.report("Broken parent link", child, zap.Uint32("parent", uint32(childNode.Parent)),
				zap.Uint32("expected", uint32(x)))
		}
	}

	left := c.check(n.Left)

	if c.prev != nil {
		cmp := c.idx.compareRowForInsertOrDelete(c.prev, n.Row)
		if cmp > 0 || (cmp == 0 && c.idx.config.Unique) {
			c.report("Invalid order", x, zap.Uint64("row", n.Row.ID), zap.Uint64("previousRow", c.prev.ID))
		}
	}
	c.prev = n.Row

	right := c.check(n.Right)

	if diff := right - left; diff != int(n.Balance) || diff < -1 || diff > 1 {
		c.report("Invalid balance", x, zap.Int8("balance", n.Balance), zap.Int("heightDiff", diff))
	}

	return max(left, right) + 1
}

func (c *checker) report(msg string, x store.NodeID, fields ...zap.Field) {
	c.anomalies++
	c.log.Error(msg, append(fields, zap.Uint32("node", uint32(x)))...)
}

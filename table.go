package strata

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/outofforest/strata/index"
	"github.com/outofforest/strata/mvcc"
	"github.com/outofforest/strata/space"
	"github.com/outofforest/strata/store"
	"github.com/outofforest/strata/value"
)

// ErrNotFound is returned when no visible row matches the key.
var ErrNotFound = errors.New("row not found")

// IndexConfig describes index of the table. Columns are positions in the row.
type IndexConfig struct {
	Name       string
	Columns    []int
	Descending []bool
	NullsLast  []bool
	Unique     bool
	PrimaryKey bool
}

// TableConfig describes the table. The first index is the primary one, it is used by Delete and Remove.
type TableConfig struct {
	Name    string
	Columns []value.Type
	Indexes []IndexConfig

	// StoreImages enables storing encoded rows in the table space of the data file.
	StoreImages bool
}

// Table is the set of rows ordered by its indexes.
type Table struct {
	db      *DB
	name    string
	config  TableConfig
	space   *space.TableSpace
	rows    *store.Memory
	indexes []*index.Index

	// mu serializes physical removals of rows.
	mu      sync.Mutex
	pending []*store.Row
	dropped atomic.Bool
}

func newTable(db *DB, ts *space.TableSpace, config TableConfig) (*Table, error) {
	if config.Name == "" {
		return nil, errors.New("table name is empty")
	}
	if len(config.Columns) == 0 {
		return nil, errors.Errorf("table %q has no columns", config.Name)
	}
	if len(config.Indexes) == 0 {
		return nil, errors.Errorf("table %q has no indexes", config.Name)
	}

	t := &Table{
		db:     db,
		name:   config.Name,
		config: config,
		space:  ts,
		rows:   store.NewMemory(len(config.Indexes)),
	}
	for i, ic := range config.Indexes {
		for _, column := range ic.Columns {
			if column < 0 || column >= len(config.Columns) {
				return nil, errors.Errorf("index %q of table %q refers to invalid column %d", ic.Name, config.Name,
					column)
			}
		}

		idx, err := index.New(index.Config{
			Name:       config.Name + "." + ic.Name,
			Position:   i,
			Columns:    ic.Columns,
			Types:      lo.Map(ic.Columns, func(column int, _ int) value.Type { return config.Columns[column] }),
			Descending: ic.Descending,
			NullsLast:  ic.NullsLast,
			Unique:     ic.Unique,
			PrimaryKey: ic.PrimaryKey,
			TxManager:  db.tx,
			Metrics:    db.indexMetrics,
		})
		if err != nil {
			return nil, err
		}
		t.indexes = append(t.indexes, idx)
	}
	return t, nil
}

// Name returns the name of the table.
func (t *Table) Name() string {
	return t.name
}

// Index returns index at position.
func (t *Table) Index(position int) (*index.Index, error) {
	if position < 0 || position >= len(t.indexes) {
		return nil, errors.Errorf("table %q has no index at position %d", t.name, position)
	}
	return t.indexes[position], nil
}

// Store returns the row store of the table.
func (t *Table) Store() *store.Memory {
	return t.rows
}

// Insert inserts row into every index. Nil session inserts row committed from the start.
func (t *Table) Insert(session *mvcc.Session, data []any) (uint64, error) {
	t.db.mu.RLock()
	defer t.db.mu.RUnlock()

	if err := t.checkState(); err != nil {
		return 0, err
	}
	if err := value.Check(t.config.Columns, data); err != nil {
		return 0, err
	}

	row := t.db.newRow(t, data)
	if t.config.StoreImages {
		if err := t.writeImage(row); err != nil {
			t.rows.FreeRow(row)
			return 0, err
		}
	}
	if err := t.db.tx.RecordInsert(session, row); err != nil {
		if dErr := t.discard(row); dErr != nil {
			return 0, errors.Wrapf(dErr, "discarding row after failed insert (%s)", err)
		}
		return 0, err
	}

	for _, idx := range t.indexes {
		if err := idx.Insert(session, t.rows, row); err != nil {
			t.db.tx.ForgetInsert(session, row)
			// Concurrent scans might have seen the row, so it is recycled by the checkpoint.
			t.mu.Lock()
			defer t.mu.Unlock()
			if rErr := t.removeLocked(row); rErr != nil {
				return 0, rErr
			}
			return 0, err
		}
	}
	return row.ID, nil
}

// Find returns id and copy of data of the first row visible to the session whose key in the index at position is
// equal to key.
func (t *Table) Find(session *mvcc.Session, position int, key []any) (uint64, []any, error) {
	t.db.mu.RLock()
	defer t.db.mu.RUnlock()

	if err := t.checkOpen(); err != nil {
		return 0, nil, err
	}
	idx, err := t.Index(position)
	if err != nil {
		return 0, nil, err
	}
	if len(key) > len(idx.Columns()) {
		return 0, nil, errors.Errorf("key has %d columns, index %q has %d", len(key), idx.Name(),
			len(idx.Columns()))
	}

	row := t.find(session, idx, key)
	if row == nil {
		return 0, nil, errors.WithStack(ErrNotFound)
	}
	return row.ID, append([]any(nil), row.Data...), nil
}

// Scan calls fn for rows visible to the session in the order of the index at position. If key is not nil, only
// rows whose leading index columns are equal to key are visited. Scan stops when fn returns false. Data passed to
// fn must not be modified or retained after fn returns. Nil session sees the latest committed state.
func (t *Table) Scan(session *mvcc.Session, position int, key []any, fn func(id uint64, data []any) bool) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	idx, err := t.Index(position)
	if err != nil {
		return err
	}
	if len(key) > len(idx.Columns()) {
		return errors.Errorf("key has %d columns, index %q has %d", len(key), idx.Name(), len(idx.Columns()))
	}

	if err := t.db.startScan(); err != nil {
		return err
	}
	defer t.db.endScan()

	rows := idx.Rows(session, t.rows)
	if key != nil {
		rows = idx.Range(session, t.rows, key, identity(len(key)), len(key))
	}
	for row := range rows {
		if session == nil && !t.db.tx.CanRead(nil, row) {
			continue
		}
		if !fn(row.ID, row.Data) {
			return nil
		}
	}
	return nil
}

// Delete marks the row found by key in the primary index as deleted by the session. The row is removed physically
// by the checkpoint once no transaction can see it.
func (t *Table) Delete(session *mvcc.Session, key []any) error {
	t.db.mu.RLock()
	defer t.db.mu.RUnlock()

	if err := t.checkState(); err != nil {
		return err
	}
	if session == nil {
		return errors.WithStack(mvcc.ErrNotActive)
	}
	if err := t.checkPrimaryKey(key); err != nil {
		return err
	}
	row := t.find(session, t.indexes[0], key)
	if row == nil {
		return errors.WithStack(ErrNotFound)
	}
	return t.db.tx.RecordDelete(session, row)
}

// Remove physically removes the committed row found by key in the primary index and releases its image. Unlike
// Delete it bypasses transactions, so snapshots which could still see the row lose it.
func (t *Table) Remove(key []any) error {
	t.db.mu.RLock()
	defer t.db.mu.RUnlock()

	if err := t.checkState(); err != nil {
		return err
	}
	if err := t.checkPrimaryKey(key); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	row := t.find(nil, t.indexes[0], key)
	if row == nil {
		return errors.WithStack(ErrNotFound)
	}
	return t.removeLocked(row)
}

// ReadImage reads the row image stored in the data file.
func (t *Table) ReadImage(session *mvcc.Session, key []any) ([]any, error) {
	t.db.mu.RLock()
	defer t.db.mu.RUnlock()

	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	if !t.config.StoreImages {
		return nil, errors.Errorf("table %q does not store row images", t.name)
	}
	if err := t.checkPrimaryKey(key); err != nil {
		return nil, err
	}

	row := t.find(session, t.indexes[0], key)
	if row == nil {
		return nil, errors.WithStack(ErrNotFound)
	}

	buf := make([]byte, row.Size)
	if err := t.db.cache.ReadAt(buf, row.Pos); err != nil {
		return nil, t.db.fail(err)
	}
	return value.DecodeRow(t.config.Columns, buf)
}

// Count returns the number of rows visible to the session.
func (t *Table) Count(session *mvcc.Session) (int, error) {
	var count int
	err := t.Scan(session, 0, nil, func(uint64, []any) bool {
		count++
		return true
	})
	return count, err
}

// Drop removes the table and frees its table space.
func (t *Table) Drop() error {
	return t.db.dropTable(t)
}

// remove removes the row inserted by the rolled back transaction.
func (t *Table) remove(row *store.Row) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.removeLocked(row)
}

func (t *Table) removeLocked(row *store.Row) error {
	for _, idx := range t.indexes {
		idx.Delete(t.rows, row.Node(idx.Position()))
	}
	t.pending = append(t.pending, row)

	if row.Size > 0 {
		if err := t.space.Release(row.Pos, row.Size); err != nil {
			return t.db.fail(err)
		}
		row.Size = 0
	}
	return nil
}

// purge removes rows deleted by transactions no active transaction can be affected by. Caller holds db.mu
// exclusively.
func (t *Table) purge() (int, error) {
	var obsolete []*store.Row
	for row := range t.indexes[0].Rows(nil, t.rows) {
		if t.db.tx.IsObsolete(row) {
			obsolete = append(obsolete, row)
		}
	}
	for _, row := range obsolete {
		if err := t.removeLocked(row); err != nil {
			return 0, err
		}
	}
	return len(obsolete), nil
}

// recycle returns removed rows to the row store. Caller holds db.mu exclusively and no scan is in progress.
func (t *Table) recycle() int {
	n := len(t.pending)
	for _, row := range t.pending {
		t.rows.FreeRow(row)
	}
	t.pending = t.pending[:0]
	return n
}

// find returns the first row matching key visible to the session. Nil session sees committed rows only.
func (t *Table) find(session *mvcc.Session, idx *index.Index, key []any) *store.Row {
	if session != nil {
		return idx.FindRow(session, t.rows, key, identity(len(key)), len(key))
	}
	for row := range idx.Range(nil, t.rows, key, identity(len(key)), len(key)) {
		if t.db.tx.CanRead(nil, row) {
			return row
		}
	}
	return nil
}

func (t *Table) writeImage(row *store.Row) error {
	image, err := value.EncodeRow(t.config.Columns, row.Data)
	if err != nil {
		return err
	}
	pos, err := t.space.FilePosition(int64(len(image)), false)
	if err != nil {
		return t.db.fail(err)
	}
	if err := t.db.cache.WriteAt(image, pos); err != nil {
		return t.db.fail(err)
	}
	row.Pos = pos
	row.Size = int64(len(image))
	return nil
}

func (t *Table) discard(row *store.Row) error {
	var err error
	if row.Size > 0 {
		err = t.space.Release(row.Pos, row.Size)
		row.Size = 0
	}
	t.rows.FreeRow(row)
	if err != nil {
		return t.db.fail(err)
	}
	return nil
}

// checkPrimaryKey requires key to cover every column of the primary index, so it identifies a single row.
func (t *Table) checkPrimaryKey(key []any) error {
	if columns := len(t.indexes[0].Columns()); len(key) != columns {
		return errors.Errorf("key has %d columns, primary index of table %q has %d", len(key), t.name, columns)
	}
	return nil
}

func (t *Table) checkOpen() error {
	if t.dropped.Load() {
		return errors.Errorf("table %q has been dropped", t.name)
	}
	return nil
}

// checkState checks that table accepts mutations. Caller holds db.mu.
func (t *Table) checkState() error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	return t.db.checkState()
}

func identity(n int) []int {
	return lo.Range(n)
}

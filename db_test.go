package strata

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
	"github.com/outofforest/strata/backup"
	"github.com/outofforest/strata/index"
	"github.com/outofforest/strata/mvcc"
	"github.com/outofforest/strata/persistent"
	"github.com/outofforest/strata/space"
	"github.com/outofforest/strata/value"
)

func newContext() context.Context {
	return logger.WithLogger(context.Background(), logger.New(logger.DefaultConfig))
}

func newDB(t *testing.T, store persistent.Store) (context.Context, *DB) {
	requireT := require.New(t)
	ctx := newContext()

	config := DefaultConfig
	config.Store = store
	db, err := Open(ctx, config)
	requireT.NoError(err)
	t.Cleanup(func() {
		_ = db.Close(ctx)
	})
	return ctx, db
}

var accounts = TableConfig{
	Name:    "accounts",
	Columns: []value.Type{value.Integer, value.Varchar, value.BigInt},
	Indexes: []IndexConfig{
		{Name: "pk", Columns: []int{0}, PrimaryKey: true},
		{Name: "name", Columns: []int{1}},
		{Name: "code", Columns: []int{2}, Unique: true},
	},
	StoreImages: true,
}

func row(id int32, name string, code int64) []any {
	return []any{id, name, code}
}

func scan(t *testing.T, table *Table, session *mvcc.Session, position int, key []any) [][]any {
	var rows [][]any
	require.NoError(t, table.Scan(session, position, key, func(_ uint64, data []any) bool {
		rows = append(rows, append([]any(nil), data...))
		return true
	}))
	return rows
}

func TestInsertFindScan(t *testing.T) {
	requireT := require.New(t)
	_, db := newDB(t, persistent.NewMemoryStore())

	table, err := db.CreateTable(accounts)
	requireT.NoError(err)

	for _, r := range [][]any{row(3, "carol", 30), row(1, "bob", 10), row(2, "alice", 20), row(4, "bob", 40)} {
		_, err := table.Insert(nil, r)
		requireT.NoError(err)
	}

	_, data, err := table.Find(nil, 0, []any{int32(2)})
	requireT.NoError(err)
	requireT.Equal(row(2, "alice", 20), data)

	_, data, err = table.Find(nil, 2, []any{int64(40)})
	requireT.NoError(err)
	requireT.Equal(row(4, "bob", 40), data)

	_, _, err = table.Find(nil, 0, []any{int32(5)})
	requireT.ErrorIs(err, ErrNotFound)

	requireT.Equal([][]any{
		row(1, "bob", 10), row(2, "alice", 20), row(3, "carol", 30), row(4, "bob", 40),
	}, scan(t, table, nil, 0, nil))
	requireT.Equal([][]any{row(1, "bob", 10), row(4, "bob", 40)}, scan(t, table, nil, 1, []any{"bob"}))

	count, err := table.Count(nil)
	requireT.NoError(err)
	requireT.Equal(4, count)

	stopped := 0
	requireT.NoError(table.Scan(nil, 0, nil, func(uint64, []any) bool {
		stopped++
		return false
	}))
	requireT.Equal(1, stopped)

	_, err = table.Insert(nil, []any{"invalid", "bob", int64(1)})
	requireT.Error(err)
	_, _, err = table.Find(nil, 3, []any{int32(1)})
	requireT.Error(err)

	requireT.ElementsMatch([]string{"accounts"}, db.Tables())
	_, err = db.CreateTable(accounts)
	requireT.Error(err)
}

func TestDuplicateKeyLeavesTableUnchanged(t *testing.T) {
	requireT := require.New(t)
	ctx, db := newDB(t, persistent.NewMemoryStore())

	table, err := db.CreateTable(accounts)
	requireT.NoError(err)

	_, err = table.Insert(nil, row(1, "alice", 10))
	requireT.NoError(err)

	_, err = table.Insert(nil, row(1, "bob", 20))
	requireT.ErrorIs(err, index.ErrDuplicateKey)

	// Conflict on the last index removes the row from the indexes it has been already inserted into.
	_, err = table.Insert(nil, row(2, "bob", 10))
	requireT.ErrorIs(err, index.ErrDuplicateKey)

	for i := range accounts.Indexes {
		idx, err := table.Index(i)
		requireT.NoError(err)
		requireT.Equal(1, idx.Size(table.Store()))
		requireT.Zero(idx.CheckIndex(ctx, table.Store()))
	}
	requireT.Equal([][]any{row(1, "alice", 10)}, scan(t, table, nil, 0, nil))

	requireT.NoError(db.Checkpoint(ctx))
	requireT.EqualValues(1, table.Store().RowCount())
	requireT.NoError(db.SpaceManager().CheckIntegrity())
}

func TestTransactions(t *testing.T) {
	requireT := require.New(t)
	ctx, db := newDB(t, persistent.NewMemoryStore())

	table, err := db.CreateTable(accounts)
	requireT.NoError(err)

	_, err = table.Insert(nil, row(1, "alice", 10))
	requireT.NoError(err)

	writer := db.Begin()
	reader := db.Begin()

	_, err = table.Insert(writer, row(2, "bob", 20))
	requireT.NoError(err)
	requireT.NoError(table.Delete(writer, []any{int32(1)}))

	requireT.Equal([][]any{row(2, "bob", 20)}, scan(t, table, writer, 0, nil))
	requireT.Equal([][]any{row(1, "alice", 10)}, scan(t, table, reader, 0, nil))
	requireT.Equal([][]any{row(1, "alice", 10)}, scan(t, table, nil, 0, nil))

	requireT.ErrorIs(table.Delete(reader, []any{int32(1)}), mvcc.ErrWriteConflict)
	requireT.ErrorIs(table.Delete(nil, []any{int32(1)}), mvcc.ErrNotActive)

	requireT.NoError(db.Commit(writer))
	requireT.Equal([][]any{row(2, "bob", 20)}, scan(t, table, nil, 0, nil))
	requireT.Equal([][]any{row(1, "alice", 10)}, scan(t, table, reader, 0, nil))

	// Row deleted by the writer is still visible to the reader, so checkpoint keeps it.
	requireT.NoError(db.Checkpoint(ctx))
	requireT.EqualValues(2, table.Store().RowCount())

	requireT.NoError(db.Commit(reader))
	requireT.NoError(db.Checkpoint(ctx))
	requireT.EqualValues(1, table.Store().RowCount())

	idx, err := table.Index(0)
	requireT.NoError(err)
	requireT.Equal(1, idx.Size(table.Store()))
	requireT.NoError(db.SpaceManager().CheckIntegrity())
}

func TestRollbackRemovesInsertedRows(t *testing.T) {
	requireT := require.New(t)
	ctx, db := newDB(t, persistent.NewMemoryStore())

	table, err := db.CreateTable(accounts)
	requireT.NoError(err)

	_, err = table.Insert(nil, row(1, "alice", 10))
	requireT.NoError(err)

	session := db.Begin()
	_, err = table.Insert(session, row(2, "bob", 20))
	requireT.NoError(err)
	_, err = table.Insert(session, row(3, "carol", 30))
	requireT.NoError(err)
	requireT.NoError(table.Delete(session, []any{int32(1)}))

	requireT.NoError(db.Rollback(session))
	requireT.ErrorIs(db.Commit(session), mvcc.ErrNotActive)

	requireT.Equal([][]any{row(1, "alice", 10)}, scan(t, table, nil, 0, nil))
	for i := range accounts.Indexes {
		idx, err := table.Index(i)
		requireT.NoError(err)
		requireT.Equal(1, idx.Size(table.Store()))
	}

	// Key of the rolled back row is free again.
	_, err = table.Insert(nil, row(2, "bob", 20))
	requireT.NoError(err)

	requireT.NoError(db.Checkpoint(ctx))
	requireT.EqualValues(2, table.Store().RowCount())
	requireT.NoError(db.SpaceManager().CheckIntegrity())
}

func TestRowImages(t *testing.T) {
	requireT := require.New(t)
	ctx, db := newDB(t, persistent.NewMemoryStore())

	table, err := db.CreateTable(accounts)
	requireT.NoError(err)

	for i := range int32(100) {
		_, err := table.Insert(nil, row(i, "name", int64(i)*10))
		requireT.NoError(err)
	}
	requireT.NoError(db.Checkpoint(ctx))
	requireT.NoError(db.SpaceManager().CheckIntegrity())

	data, err := table.ReadImage(nil, []any{int32(42)})
	requireT.NoError(err)
	requireT.Equal(row(42, "name", 420), data)

	for i := range int32(50) {
		requireT.NoError(table.Remove([]any{i}))
	}
	requireT.ErrorIs(table.Remove([]any{int32(0)}), ErrNotFound)
	_, err = table.ReadImage(nil, []any{int32(0)})
	requireT.ErrorIs(err, ErrNotFound)

	requireT.NoError(db.Checkpoint(ctx))
	requireT.NoError(db.SpaceManager().CheckIntegrity())
	requireT.EqualValues(50, table.Store().RowCount())

	// Released space is reused by new images.
	for i := range int32(50) {
		_, err := table.Insert(nil, row(i, "other", int64(i)*10))
		requireT.NoError(err)
	}
	requireT.NoError(db.Checkpoint(ctx))
	requireT.NoError(db.SpaceManager().CheckIntegrity())

	data, err = table.ReadImage(nil, []any{int32(7)})
	requireT.NoError(err)
	requireT.Equal(row(7, "other", 70), data)
}

func TestRowsAreNotRecycledDuringScan(t *testing.T) {
	requireT := require.New(t)
	ctx, db := newDB(t, persistent.NewMemoryStore())

	table, err := db.CreateTable(accounts)
	requireT.NoError(err)

	for i := range int32(10) {
		_, err := table.Insert(nil, row(i, "name", int64(i)))
		requireT.NoError(err)
	}

	var visited []any
	requireT.NoError(table.Scan(nil, 0, nil, func(_ uint64, data []any) bool {
		visited = append(visited, data[0])
		if data[0] == int32(3) {
			requireT.NoError(table.Remove([]any{int32(4)}))
			requireT.NoError(table.Remove([]any{int32(3)}))
		}
		return true
	}))
	requireT.Equal([]any{int32(0), int32(1), int32(2), int32(3), int32(5), int32(6), int32(7), int32(8),
		int32(9)}, visited)

	requireT.NoError(db.Checkpoint(ctx))
	requireT.EqualValues(8, table.Store().RowCount())
}

func TestDropTable(t *testing.T) {
	requireT := require.New(t)
	ctx, db := newDB(t, persistent.NewMemoryStore())

	table, err := db.CreateTable(accounts)
	requireT.NoError(err)
	for i := range int32(20) {
		_, err := table.Insert(nil, row(i, "name", int64(i)))
		requireT.NoError(err)
	}
	requireT.NoError(db.Checkpoint(ctx))

	blocks, err := db.SpaceManager().Blocks(table.space.SpaceID())
	requireT.NoError(err)
	requireT.False(blocks.IsEmpty())

	requireT.NoError(table.Drop())
	_, exists := db.Table(accounts.Name)
	requireT.False(exists)
	requireT.Error(table.Drop())

	_, err = table.Insert(nil, row(100, "name", 100))
	requireT.Error(err)

	blocks, err = db.SpaceManager().Blocks(table.space.SpaceID())
	requireT.NoError(err)
	requireT.True(blocks.IsEmpty())

	requireT.NoError(db.Checkpoint(ctx))
	requireT.NoError(db.SpaceManager().CheckIntegrity())

	// Name might be used again.
	_, err = db.CreateTable(accounts)
	requireT.NoError(err)
}

func TestBackupAndRestore(t *testing.T) {
	requireT := require.New(t)
	ctx, db := newDB(t, persistent.NewMemoryStore())

	table, err := db.CreateTable(accounts)
	requireT.NoError(err)
	for i := range int32(200) {
		_, err := table.Insert(nil, row(i, "name", int64(i)))
		requireT.NoError(err)
	}

	buf := &bytes.Buffer{}
	info, err := db.Backup(ctx, buf, backup.DefaultConfig)
	requireT.NoError(err)
	requireT.Equal(db.cache.FileID(), info.FileID)

	restored := persistent.NewMemoryStore()
	_, err = backup.Restore(ctx, buf, restored, backup.Config{})
	requireT.NoError(err)

	_, db2 := newDB(t, restored)
	requireT.Equal(info.FileID, db2.cache.FileID())
	requireT.False(db2.cache.IsNew())
	requireT.NoError(db2.SpaceManager().CheckIntegrity())
	requireT.Equal(db.SpaceManager().FileBlockSize(), db2.SpaceManager().FileBlockSize())
}

func TestReopen(t *testing.T) {
	requireT := require.New(t)
	store := persistent.NewMemoryStore()
	ctx, db := newDB(t, store)

	table, err := db.CreateTable(accounts)
	requireT.NoError(err)
	for i := range int32(50) {
		_, err := table.Insert(nil, row(i, "name", int64(i)))
		requireT.NoError(err)
	}
	fileID := db.cache.FileID()
	requireT.NoError(db.Close(ctx))
	requireT.NoError(db.Close(ctx))

	_, err = table.Insert(nil, row(100, "name", 100))
	requireT.ErrorIs(err, ErrClosed)
	requireT.ErrorIs(db.Checkpoint(ctx), ErrClosed)

	_, db2 := newDB(t, store)
	requireT.Equal(fileID, db2.cache.FileID())
	requireT.NoError(db2.SpaceManager().CheckIntegrity())

	blocks, err := db2.SpaceManager().Blocks(table.space.SpaceID())
	requireT.NoError(err)
	requireT.False(blocks.IsEmpty())
}

func TestRun(t *testing.T) {
	requireT := require.New(t)
	store := persistent.NewMemoryStore()

	config := DefaultConfig
	config.Store = store
	config.FlushInterval = 10 * time.Millisecond

	ctx, cancel := context.WithTimeout(newContext(), 200*time.Millisecond)
	defer cancel()

	db, err := Open(ctx, config)
	requireT.NoError(err)

	table, err := db.CreateTable(accounts)
	requireT.NoError(err)

	err = parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("db", parallel.Fail, db.Run)
		spawn("writer", parallel.Continue, func(ctx context.Context) error {
			for i := range int32(100) {
				session := db.Begin()
				if _, err := table.Insert(session, row(i, "name", int64(i))); err != nil {
					return err
				}
				if i%10 == 0 {
					if err := db.Rollback(session); err != nil {
						return err
					}
					continue
				}
				if err := db.Commit(session); err != nil {
					return err
				}
			}
			return nil
		})
		return nil
	})
	requireT.ErrorIs(err, context.DeadlineExceeded)

	count, err := table.Count(nil)
	requireT.NoError(err)
	requireT.Equal(90, count)
	requireT.NoError(db.SpaceManager().CheckIntegrity())
	requireT.NoError(db.Close(newContext()))
}

func TestMetricsRegistration(t *testing.T) {
	requireT := require.New(t)

	registry := prometheus.NewRegistry()
	config := DefaultConfig
	config.Store = persistent.NewMemoryStore()
	config.Registerer = registry

	ctx := newContext()
	db, err := Open(ctx, config)
	requireT.NoError(err)

	table, err := db.CreateTable(accounts)
	requireT.NoError(err)
	_, err = table.Insert(nil, row(1, "alice", 10))
	requireT.NoError(err)
	_, err = table.Insert(nil, row(1, "alice", 10))
	requireT.Error(err)

	count, err := testutil.GatherAndCount(registry, "strata_index_operations_total")
	requireT.NoError(err)
	requireT.Positive(count)
	requireT.NoError(db.Close(ctx))

	// Collectors are already registered.
	_, err = Open(ctx, config)
	requireT.Error(err)
}

func TestFailureIsSticky(t *testing.T) {
	requireT := require.New(t)
	ctx, db := newDB(t, persistent.NewMemoryStore())

	table, err := db.CreateTable(accounts)
	requireT.NoError(err)
	_, err = table.Insert(nil, row(1, "alice", 10))
	requireT.NoError(err)

	plainErr := errors.New("plain error")
	requireT.Equal(plainErr, db.fail(plainErr))
	requireT.NoError(db.Err())

	ioErr := errors.WithStack(&space.FileIOError{Reason: "broken directory"})
	requireT.Equal(ioErr, db.fail(ioErr))
	requireT.Equal(ioErr, db.Err())

	_, err = table.Insert(nil, row(2, "bob", 20))
	requireT.ErrorIs(err, ErrFailed)
	requireT.ErrorIs(table.Remove([]any{int32(1)}), ErrFailed)
	requireT.ErrorIs(db.Checkpoint(ctx), ErrFailed)

	_, data, err := table.Find(nil, 0, []any{int32(1)})
	requireT.NoError(err)
	requireT.Equal(row(1, "alice", 10), data)

	requireT.NoError(db.Close(ctx))
}

func TestFileBackedDatabase(t *testing.T) {
	requireT := require.New(t)
	path := filepath.Join(t.TempDir(), "data")

	store, err := persistent.OpenFileStore(path)
	requireT.NoError(err)
	ctx, db := newDB(t, store)

	table, err := db.CreateTable(accounts)
	requireT.NoError(err)
	for i := range int32(30) {
		_, err := table.Insert(nil, row(i, "name", int64(i)))
		requireT.NoError(err)
	}
	data, err := table.ReadImage(nil, []any{int32(12)})
	requireT.NoError(err)
	requireT.Equal(row(12, "name", 12), data)

	fileID := db.cache.FileID()
	requireT.NoError(db.Close(ctx))

	store, err = persistent.OpenFileStore(path)
	requireT.NoError(err)
	_, db2 := newDB(t, store)
	requireT.Equal(fileID, db2.cache.FileID())
	requireT.NoError(db2.SpaceManager().CheckIntegrity())
}

func TestKeyMustCoverPrimaryIndex(t *testing.T) {
	requireT := require.New(t)
	_, db := newDB(t, persistent.NewMemoryStore())

	table, err := db.CreateTable(TableConfig{
		Name:    "balances",
		Columns: []value.Type{value.Integer, value.Integer, value.BigInt},
		Indexes: []IndexConfig{
			{Name: "pk", Columns: []int{0, 1}, PrimaryKey: true},
		},
		StoreImages: true,
	})
	requireT.NoError(err)

	for _, r := range [][]any{{int32(1), int32(1), int64(10)}, {int32(1), int32(2), int64(20)}} {
		_, err := table.Insert(nil, r)
		requireT.NoError(err)
	}

	session := db.Begin()
	requireT.Error(table.Remove(nil))
	requireT.Error(table.Remove([]any{int32(1)}))
	requireT.Error(table.Delete(session, []any{}))
	requireT.Error(table.Delete(session, []any{int32(1)}))
	_, err = table.ReadImage(session, nil)
	requireT.Error(err)
	requireT.NoError(db.Commit(session))

	requireT.Equal([][]any{{int32(1), int32(1), int64(10)}, {int32(1), int32(2), int64(20)}},
		scan(t, table, nil, 0, nil))

	requireT.NoError(table.Remove([]any{int32(1), int32(2)}))
	requireT.Equal([][]any{{int32(1), int32(1), int64(10)}}, scan(t, table, nil, 0, nil))
}

func TestInsertWithInactiveSessionReleasesImage(t *testing.T) {
	requireT := require.New(t)
	ctx, db := newDB(t, persistent.NewMemoryStore())

	table, err := db.CreateTable(accounts)
	requireT.NoError(err)

	session := db.Begin()
	requireT.NoError(db.Commit(session))

	_, err = table.Insert(session, row(1, "alice", 10))
	requireT.ErrorIs(err, mvcc.ErrNotActive)
	requireT.Zero(table.Store().RowCount())
	// Image space went back to the table space, the whole fresh block is unused again.
	requireT.Equal(db.SpaceManager().FileBlockSize(), table.space.LostBlocksSize())

	count, err := table.Count(nil)
	requireT.NoError(err)
	requireT.Zero(count)
	requireT.NoError(db.Err())

	requireT.NoError(db.Checkpoint(ctx))
	requireT.NoError(db.SpaceManager().CheckIntegrity())
}

package strata

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
	"github.com/outofforest/strata/backup"
	"github.com/outofforest/strata/cache"
	"github.com/outofforest/strata/metrics"
	"github.com/outofforest/strata/mvcc"
	"github.com/outofforest/strata/persistent"
	"github.com/outofforest/strata/space"
	"github.com/outofforest/strata/store"
	"github.com/outofforest/strata/types"
)

var (
	// ErrFailed is returned by mutations after the data file has been found inconsistent.
	ErrFailed = errors.New("database failed")

	// ErrClosed is returned after the database has been closed.
	ErrClosed = errors.New("database closed")
)

// Config is the configuration of the database.
type Config struct {
	Store persistent.Store
	Cache cache.Config
	Space space.Config

	// FlushInterval is the period of checkpoints taken by Run.
	FlushInterval time.Duration

	// Registerer receives metric collectors. Might be nil.
	Registerer prometheus.Registerer
}

// DefaultConfig is the default database configuration. Store must be set by the caller.
var DefaultConfig = Config{
	Cache:         cache.DefaultConfig,
	Space:         space.DefaultConfig,
	FlushInterval: time.Second,
}

// Open opens the database stored in config.Store.
func Open(ctx context.Context, config Config) (*DB, error) {
	if config.Store == nil {
		return nil, errors.New("store is not set")
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = DefaultConfig.FlushInterval
	}

	spaceMetrics, err := metrics.NewSpace(config.Registerer)
	if err != nil {
		return nil, err
	}
	indexMetrics, err := metrics.NewIndex(config.Registerer)
	if err != nil {
		return nil, err
	}
	config.Space.Metrics = spaceMetrics

	c, err := cache.New(config.Store, config.Cache)
	if err != nil {
		return nil, err
	}
	sm, err := space.New(c, config.Space)
	if err != nil {
		return nil, err
	}

	logger.Get(ctx).Info("Database opened",
		zap.Stringer("fileID", c.FileID()),
		zap.Bool("new", c.IsNew()),
		zap.Int64("fileBlockSize", sm.FileBlockSize()),
		zap.Int64("fileFreePos", int64(c.FileFreePos())))

	return &DB{
		config:       config,
		cache:        c,
		sm:           sm,
		tx:           mvcc.New(),
		indexMetrics: indexMetrics,
		tables:       map[string]*Table{},
		spaces:       map[types.SpaceID]*Table{},
	}, nil
}

// DB is the database composed of tables with in-memory indexes and row images stored in the data file.
type DB struct {
	config       Config
	cache        *cache.Cache
	sm           *space.SpaceManager
	tx           *mvcc.Manager
	indexMetrics *metrics.Index

	// mu is held exclusively by checkpoints and catalog changes, row operations share it.
	mu     sync.RWMutex
	tables map[string]*Table
	spaces map[types.SpaceID]*Table

	// scans counts running table scans, rows are not recycled while any is in progress.
	scans atomic.Int64

	failure atomic.Pointer[error]
	closed  bool
}

// Run takes checkpoints periodically until ctx is canceled. Final checkpoint is taken on exit.
func (db *DB) Run(ctx context.Context) error {
	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("checkpointer", parallel.Fail, func(ctx context.Context) error {
			ticker := time.NewTicker(db.config.FlushInterval)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					if err := db.Checkpoint(ctx); err != nil && !errors.Is(err, ErrClosed) {
						return err
					}
					return errors.WithStack(ctx.Err())
				case <-ticker.C:
					if err := db.Checkpoint(ctx); err != nil {
						if errors.Is(err, ErrClosed) {
							return errors.WithStack(ctx.Err())
						}
						return err
					}
				}
			}
		})
		return nil
	})
}

// CreateTable creates table in its own table space.
func (db *DB) CreateTable(config TableConfig) (*Table, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.checkState(); err != nil {
		return nil, err
	}
	if _, exists := db.tables[config.Name]; exists {
		return nil, errors.Errorf("table %q already exists", config.Name)
	}

	ts, err := db.sm.GetTableSpace(db.sm.NewTableSpaceID())
	if err != nil {
		return nil, db.fail(err)
	}

	t, err := newTable(db, ts, config)
	if err != nil {
		return nil, err
	}
	db.tables[config.Name] = t
	db.spaces[ts.SpaceID()] = t
	return t, nil
}

// Table returns table by name.
func (db *DB) Table(name string) (*Table, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	t, exists := db.tables[name]
	return t, exists
}

// Tables returns names of existing tables.
func (db *DB) Tables() []string {
	db.mu.RLock()
	defer db.mu.RUnlock()

	return lo.Keys(db.tables)
}

// Begin starts transaction.
func (db *DB) Begin() *mvcc.Session {
	return db.tx.Begin()
}

// Commit commits transaction.
func (db *DB) Commit(session *mvcc.Session) error {
	_, err := db.tx.Commit(session)
	return err
}

// Rollback aborts transaction and removes rows it inserted.
func (db *DB) Rollback(session *mvcc.Session) error {
	db.mu.RLock()
	defer db.mu.RUnlock()

	changes, err := db.tx.Rollback(session)
	if err != nil {
		return err
	}
	for _, row := range changes.Inserted {
		if t, exists := db.spaces[row.SpaceID]; exists {
			if err := t.remove(row); err != nil {
				return err
			}
		}
	}
	return nil
}

// Checkpoint removes rows no transaction can see anymore and persists the state of the data file.
func (db *DB) Checkpoint(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	return db.checkpoint(ctx)
}

// Backup takes the checkpoint and writes the copy of the data file to w.
func (db *DB) Backup(ctx context.Context, w io.Writer, config backup.Config) (backup.Info, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.checkpoint(ctx); err != nil {
		return backup.Info{}, err
	}
	return backup.Write(ctx, db.cache.Store(), db.cache.FileID(), w, config)
}

// SpaceManager returns the space manager of the data file.
func (db *DB) SpaceManager() *space.SpaceManager {
	return db.sm
}

// Err returns the error which caused the database to fail.
func (db *DB) Err() error {
	if err := db.failure.Load(); err != nil {
		return *err
	}
	return nil
}

// Close takes the final checkpoint and closes the data file.
func (db *DB) Close(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return nil
	}

	var err error
	if db.Err() == nil {
		err = db.checkpoint(ctx)
	}
	db.closed = true
	if err2 := db.cache.Close(); err == nil {
		err = err2
	}
	return err
}

func (db *DB) checkpoint(ctx context.Context) error {
	if err := db.checkState(); err != nil {
		return err
	}

	var purged int
	for _, t := range db.tables {
		n, err := t.purge()
		if err != nil {
			return err
		}
		purged += n
	}

	var recycled int
	if db.scans.Load() == 0 {
		for _, t := range db.tables {
			recycled += t.recycle()
		}
	}
	forgotten := db.tx.Cleanup()

	if err := db.sm.Reset(); err != nil {
		return db.fail(err)
	}
	if err := db.cache.Flush(); err != nil {
		return db.fail(err)
	}
	if err := db.sm.ReinitialiseTableSpaces(); err != nil {
		return db.fail(err)
	}

	logger.Get(ctx).Debug("Checkpoint taken",
		zap.Int("purgedRows", purged),
		zap.Int("recycledRows", recycled),
		zap.Int("forgottenTransactions", forgotten),
		zap.Int64("fileFreePos", int64(db.cache.FileFreePos())),
		zap.Int64("lostBlocksSize", db.sm.LostBlocksSize()))
	return nil
}

func (db *DB) dropTable(t *Table) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.checkState(); err != nil {
		return err
	}
	if db.tables[t.name] != t {
		return errors.Errorf("table %q does not exist", t.name)
	}
	delete(db.tables, t.name)
	delete(db.spaces, t.space.SpaceID())
	t.dropped.Store(true)

	if err := db.sm.FreeTableSpace(t.space.SpaceID()); err != nil {
		return db.fail(err)
	}
	return nil
}

func (db *DB) startScan() error {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if err := db.checkState(); err != nil {
		return err
	}
	db.scans.Add(1)
	return nil
}

func (db *DB) endScan() {
	db.scans.Add(-1)
}

// checkState returns error if database is closed or failed. Caller must hold mu.
func (db *DB) checkState() error {
	if db.closed {
		return errors.WithStack(ErrClosed)
	}
	if err := db.Err(); err != nil {
		return errors.Wrapf(ErrFailed, "%s", err)
	}
	return nil
}

// fail marks database as failed if err is caused by the inconsistency of the data file.
func (db *DB) fail(err error) error {
	if space.IsFileIOError(err) {
		db.failure.CompareAndSwap(nil, &err)
	}
	return err
}

func (db *DB) newRow(t *Table, data []any) *store.Row {
	row := t.rows.NewRow(data)
	row.SpaceID = t.space.SpaceID()
	return row
}

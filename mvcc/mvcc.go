package mvcc

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/outofforest/strata/store"
)

// ErrWriteConflict is returned when row is deleted by another transaction.
var ErrWriteConflict = errors.New("write conflict")

// ErrNotActive is returned when session has been already committed or rolled back.
var ErrNotActive = errors.New("transaction is not active")

type state uint8

const (
	active state = iota
	committed
	rolledBack
)

type transaction struct {
	state    state
	startTS  uint64
	commitTS uint64
}

// Session is the transaction context of the caller.
type Session struct {
	id       uint64
	startTS  uint64
	inserted []*store.Row
	deleted  []*store.Row
}

// ID returns transaction id.
func (s *Session) ID() uint64 {
	return s.id
}

// StartTS returns the snapshot timestamp.
func (s *Session) StartTS() uint64 {
	return s.startTS
}

// Changes contains rows modified by the finished transaction.
type Changes struct {
	Inserted []*store.Row
	Deleted  []*store.Row
}

// Manager tracks transactions and decides about row visibility using snapshot isolation.
type Manager struct {
	mu           sync.RWMutex
	clock        uint64
	nextID       uint64
	transactions map[uint64]*transaction
}

// New creates transaction manager.
func New() *Manager {
	return &Manager{
		clock:        1,
		transactions: map[uint64]*transaction{},
	}
}

// Begin starts new transaction.
func (m *Manager) Begin() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	s := &Session{
		id:      m.nextID,
		startTS: m.tick(),
	}
	m.transactions[s.id] = &transaction{state: active, startTS: s.startTS}
	return s
}

// Commit commits transaction and returns rows it modified.
func (m *Manager) Commit(s *Session) (Changes, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, err := m.activeTx(s)
	if err != nil {
		return Changes{}, err
	}
	tx.state = committed
	tx.commitTS = m.tick()

	return m.takeChanges(s), nil
}

// Rollback aborts transaction. Delete marks are cleared, inserted rows are returned to be physically removed.
func (m *Manager) Rollback(s *Session) (Changes, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, err := m.activeTx(s)
	if err != nil {
		return Changes{}, err
	}
	tx.state = rolledBack

	for _, row := range s.deleted {
		row.DeletedBy.CompareAndSwap(s.id, 0)
	}
	// Inserted rows stay hidden even after the transaction is forgotten by Cleanup.
	for _, row := range s.inserted {
		row.DeletedBy.Store(s.id)
	}

	return m.takeChanges(s), nil
}

// RecordInsert marks row as created by the session.
func (m *Manager) RecordInsert(s *Session, row *store.Row) error {
	if s == nil {
		row.CreatedBy = 0
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.activeTx(s); err != nil {
		return err
	}
	row.CreatedBy = s.id
	s.inserted = append(s.inserted, row)
	return nil
}

// ForgetInsert reverts RecordInsert for the row which finally has not been inserted.
func (m *Manager) ForgetInsert(s *Session, row *store.Row) {
	if s == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for i := len(s.inserted) - 1; i >= 0; i-- {
		if s.inserted[i] == row {
			s.inserted = append(s.inserted[:i], s.inserted[i+1:]...)
			return
		}
	}
}

// RecordDelete marks row as deleted by the session.
func (m *Manager) RecordDelete(s *Session, row *store.Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.activeTx(s); err != nil {
		return err
	}
	if !m.canRead(s, row) {
		return errors.WithStack(ErrWriteConflict)
	}
	if !row.DeletedBy.CompareAndSwap(0, s.id) {
		return errors.WithStack(ErrWriteConflict)
	}
	s.deleted = append(s.deleted, row)
	return nil
}

// CanRead reports whether row is visible to the session. Nil session sees the latest committed state.
func (m *Manager) CanRead(s *Session, row *store.Row) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if s == nil {
		deletedBy := row.DeletedBy.Load()
		return m.committedBefore(row.CreatedBy, ^uint64(0)) &&
			(deletedBy == 0 || !m.committedBefore(deletedBy, ^uint64(0)))
	}
	return m.canRead(s, row)
}

// IsObsolete reports whether row is deleted and invisible to every current and future transaction.
func (m *Manager) IsObsolete(row *store.Row) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	deletedBy := row.DeletedBy.Load()
	return deletedBy != 0 && m.committedBefore(deletedBy, m.minActiveTS())
}

// Cleanup forgets rolled back transactions and committed ones older than every active transaction.
// It returns the number of forgotten transactions. Rows referencing forgotten transactions are treated
// as committed in the distant past.
func (m *Manager) Cleanup() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	minTS := m.minActiveTS()
	var count int
	for id, tx := range m.transactions {
		if tx.state == rolledBack || (tx.state == committed && tx.commitTS < minTS) {
			delete(m.transactions, id)
			count++
		}
	}
	return count
}

// ActiveCount returns the number of transactions in progress.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var count int
	for _, tx := range m.transactions {
		if tx.state == active {
			count++
		}
	}
	return count
}

func (m *Manager) canRead(s *Session, row *store.Row) bool {
	deletedBy := row.DeletedBy.Load()
	if row.CreatedBy == s.id {
		return deletedBy != s.id
	}
	if !m.committedBefore(row.CreatedBy, s.startTS) {
		return false
	}
	if deletedBy == 0 {
		return true
	}
	if deletedBy == s.id {
		return false
	}
	return !m.committedBefore(deletedBy, s.startTS)
}

// committedBefore reports whether transaction id committed before ts. Unknown transactions have been committed
// long ago and forgotten.
func (m *Manager) committedBefore(id, ts uint64) bool {
	if id == 0 {
		return true
	}
	tx, exists := m.transactions[id]
	if !exists {
		return true
	}
	return tx.state == committed && tx.commitTS < ts
}

func (m *Manager) minActiveTS() uint64 {
	minTS := m.clock + 1
	for _, tx := range m.transactions {
		if tx.state == active && tx.startTS < minTS {
			minTS = tx.startTS
		}
	}
	return minTS
}

func (m *Manager) activeTx(s *Session) (*transaction, error) {
	if s == nil {
		return nil, errors.WithStack(ErrNotActive)
	}
	tx, exists := m.transactions[s.id]
	if !exists || tx.state != active {
		return nil, errors.Wrapf(ErrNotActive, "transaction %d", s.id)
	}
	return tx, nil
}

func (m *Manager) takeChanges(s *Session) Changes {
	changes := Changes{
		Inserted: s.inserted,
		Deleted:  s.deleted,
	}
	s.inserted = nil
	s.deleted = nil
	return changes
}

func (m *Manager) tick() uint64 {
	ts := m.clock
	m.clock++
	return ts
}

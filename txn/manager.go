// Package txn owns the lifecycle of a Transaction: handing out ids,
// tracking which ones are running, and releasing every lock and deleted
// page a transaction touched on commit or abort. Grounded on the
// teacher's TxnManagerImpl (an active-transaction table behind a mutex,
// a monotonic id counter, Begin/Commit/Abort/ActiveTransactions), with
// the WAL-driven undo/redo recovery path dropped: this kernel's
// wal.LogManager is a durability hook only, so abort here means
// "release locks and drop buffered changes to pages this transaction
// deleted," not "replay compensating log records."
package txn

import (
	"sync"
	"sync/atomic"

	"stormbase/buffer"
	"stormbase/locker"
	"stormbase/transaction"
	"stormbase/wal"
)

// Manager begins transactions, assigns them increasing ids, and closes
// them out by releasing every lock they hold through the shared
// LockManager.
type Manager struct {
	mu      sync.Mutex
	actives map[transaction.TxnID]*transaction.Transaction
	counter atomic.Uint64

	locks *locker.LockManager
	pool  *buffer.BufferPoolManager
	log   wal.LogManager
}

func NewManager(locks *locker.LockManager, pool *buffer.BufferPoolManager, log wal.LogManager) *Manager {
	if log == nil {
		log = wal.NoopLogManager
	}
	return &Manager{
		actives: make(map[transaction.TxnID]*transaction.Transaction),
		locks:   locks,
		pool:    pool,
		log:     log,
	}
}

// Begin starts a new transaction at the given isolation level and
// registers it as active.
func (m *Manager) Begin(isolation transaction.IsolationLevel) *transaction.Transaction {
	id := transaction.TxnID(m.counter.Add(1))
	t := transaction.New(id, isolation)

	m.mu.Lock()
	m.actives[id] = t
	m.mu.Unlock()
	return t
}

// Commit records a commit log entry, forces it durable, releases every
// lock the transaction holds, and forgets about it.
func (m *Manager) Commit(t *transaction.Transaction) error {
	m.log.AppendLog(wal.LogRecord{TxnID: uint64(t.ID), Kind: "commit"})
	if err := m.log.Flush(); err != nil {
		return err
	}
	t.SetState(transaction.Committed)
	m.releaseAll(t)
	m.forget(t.ID)
	return nil
}

// Abort discards every page the transaction deleted from its buffer
// pool frame, releases its locks, and forgets about it. It never fails:
// an abort that can't be satisfied still has to let the transaction go.
func (m *Manager) Abort(t *transaction.Transaction) {
	t.SetState(transaction.Aborted)
	for _, pageID := range t.DeletedPages() {
		m.pool.DeletePage(pageID)
	}
	m.log.AppendLog(wal.LogRecord{TxnID: uint64(t.ID), Kind: "abort"})
	m.releaseAll(t)
	m.forget(t.ID)
}

func (m *Manager) releaseAll(t *transaction.Transaction) {
	for _, rl := range t.AllRowLocks() {
		_ = m.locks.UnlockRow(t, rl.Key)
	}
	for _, tl := range t.AllTableLocks() {
		_ = m.locks.UnlockTable(t, tl.OID)
	}
}

func (m *Manager) forget(id transaction.TxnID) {
	m.mu.Lock()
	delete(m.actives, id)
	m.mu.Unlock()
}

// Active returns the ids of every transaction that has begun but not
// yet committed or aborted.
func (m *Manager) Active() []transaction.TxnID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]transaction.TxnID, 0, len(m.actives))
	for id := range m.actives {
		out = append(out, id)
	}
	return out
}

// Lookup returns the transaction registered under id, if it is still
// active.
func (m *Manager) Lookup(id transaction.TxnID) (*transaction.Transaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.actives[id]
	return t, ok
}

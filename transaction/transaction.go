// Package transaction holds the state a running transaction carries: its
// isolation level, its two-phase-locking state, and the lock sets the lock
// manager consults and mutates. Grounded on the teacher's Transaction
// interface (an id, a set of operations the buffer pool and lock manager
// call into), generalized from the teacher's binary shared/exclusive
// latch model to the five-mode table/row locking scheme the lock manager
// implements.
package transaction

import (
	"sync"

	"stormbase/common"
)

type TxnID uint64

// IsolationLevel controls which locks LockManager requires a transaction
// to take, per the standard ANSI isolation levels this kernel supports.
type IsolationLevel int

const (
	ReadUncommitted IsolationLevel = iota
	ReadCommitted
	RepeatableRead
)

// State is a transaction's two-phase-locking phase. Growing transactions
// may acquire new locks; once a transaction starts Shrinking it may only
// release locks (with the read-committed exception the lock manager
// grants to shared locks).
type State int

const (
	Growing State = iota
	Shrinking
	Committed
	Aborted
)

// LockMode is one of the five standard intention-locking modes.
type LockMode int

const (
	IntentionShared LockMode = iota
	IntentionExclusive
	Shared
	Exclusive
	SharedIntentionExclusive
)

func (m LockMode) String() string {
	switch m {
	case IntentionShared:
		return "IS"
	case IntentionExclusive:
		return "IX"
	case Shared:
		return "S"
	case Exclusive:
		return "X"
	case SharedIntentionExclusive:
		return "SIX"
	default:
		return "?"
	}
}

var allModes = []LockMode{IntentionShared, IntentionExclusive, Shared, Exclusive, SharedIntentionExclusive}

// TableOID identifies a lockable table-like resource: an index name, a
// catalog entry, whatever the caller's schema layer assigns stable ids to.
type TableOID uint32

// RowLockKey identifies one row within one table for row-level locking.
type RowLockKey struct {
	Table TableOID
	RID   common.RID
}

// Transaction is the unit the lock manager grants locks to and the
// transaction manager tracks deleted pages against.
type Transaction struct {
	mu sync.Mutex

	ID        TxnID
	Isolation IsolationLevel
	state     State

	tableLocks map[LockMode]map[TableOID]struct{}
	rowLocks   map[LockMode]map[RowLockKey]struct{}

	deletedPages map[uint32]struct{}
}

func New(id TxnID, isolation IsolationLevel) *Transaction {
	t := &Transaction{
		ID:           id,
		Isolation:    isolation,
		state:        Growing,
		tableLocks:   make(map[LockMode]map[TableOID]struct{}),
		rowLocks:     make(map[LockMode]map[RowLockKey]struct{}),
		deletedPages: make(map[uint32]struct{}),
	}
	for _, m := range allModes {
		t.tableLocks[m] = make(map[TableOID]struct{})
		t.rowLocks[m] = make(map[RowLockKey]struct{})
	}
	return t
}

func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transaction) SetState(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = s
}

// HasTableLock reports the mode oid is currently locked in by this
// transaction, if any.
func (t *Transaction) HasTableLock(oid TableOID) (LockMode, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range allModes {
		if _, ok := t.tableLocks[m][oid]; ok {
			return m, true
		}
	}
	return 0, false
}

func (t *Transaction) GrantTableLock(mode LockMode, oid TableOID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tableLocks[mode][oid] = struct{}{}
}

func (t *Transaction) RevokeTableLock(mode LockMode, oid TableOID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.tableLocks[mode], oid)
}

func (t *Transaction) HasRowLock(key RowLockKey) (LockMode, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range allModes {
		if _, ok := t.rowLocks[m][key]; ok {
			return m, true
		}
	}
	return 0, false
}

func (t *Transaction) GrantRowLock(mode LockMode, key RowLockKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rowLocks[mode][key] = struct{}{}
}

func (t *Transaction) RevokeRowLock(mode LockMode, key RowLockKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.rowLocks[mode], key)
}

// RowLocksOnTable counts this transaction's row locks on oid, across all
// modes, so the lock manager can refuse to release a table lock while row
// locks under it are still outstanding.
func (t *Transaction) RowLocksOnTable(oid TableOID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, m := range allModes {
		for key := range t.rowLocks[m] {
			if key.Table == oid {
				n++
			}
		}
	}
	return n
}

// AllTableLocks and AllRowLocks are used by Commit/Abort to release every
// lock this transaction still holds.
func (t *Transaction) AllTableLocks() []struct {
	Mode LockMode
	OID  TableOID
} {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []struct {
		Mode LockMode
		OID  TableOID
	}
	for _, m := range allModes {
		for oid := range t.tableLocks[m] {
			out = append(out, struct {
				Mode LockMode
				OID  TableOID
			}{m, oid})
		}
	}
	return out
}

func (t *Transaction) AllRowLocks() []struct {
	Mode LockMode
	Key  RowLockKey
} {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []struct {
		Mode LockMode
		Key  RowLockKey
	}
	for _, m := range allModes {
		for key := range t.rowLocks[m] {
			out = append(out, struct {
				Mode LockMode
				Key  RowLockKey
			}{m, key})
		}
	}
	return out
}

func (t *Transaction) MarkPageDeleted(pageID uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deletedPages[pageID] = struct{}{}
}

func (t *Transaction) DeletedPages() []uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]uint32, 0, len(t.deletedPages))
	for id := range t.deletedPages {
		out = append(out, id)
	}
	return out
}

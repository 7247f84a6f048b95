// Package locker implements two-phase table and row locking across the
// five standard intention-locking modes. Grounded on the teacher's own
// lock_manager.go (a manager keyed by resource id, per-resource wait
// queues, a background deadlock detector that walks a wait-for graph),
// but the teacher's lockState is guarded by a common.SyncMap type that
// does not exist anywhere in its module, so this version keeps each
// resource's state behind a plain sync.Mutex instead, the same idiom
// the teacher's own key_mutex.go uses.
package locker

import (
	"fmt"
	"sync"
	"time"

	"stormbase/transaction"
)

// AbortReason explains why LockManager forced a transaction to abort.
type AbortReason int

const (
	LockOnShrinking AbortReason = iota
	UpgradeConflict
	IncompatibleUpgrade
	TableLockNotPresent
	AttemptedIntentionLockOnRow
	LockSharedOnReadUncommitted
	TableUnlockedBeforeUnlockingRows
	Deadlock
)

func (r AbortReason) String() string {
	switch r {
	case LockOnShrinking:
		return "lock requested while shrinking"
	case UpgradeConflict:
		return "another transaction is already upgrading this lock"
	case IncompatibleUpgrade:
		return "incompatible lock upgrade"
	case TableLockNotPresent:
		return "row lock requested without a table intention lock"
	case AttemptedIntentionLockOnRow:
		return "intention lock requested on a row"
	case LockSharedOnReadUncommitted:
		return "shared lock requested under read uncommitted"
	case TableUnlockedBeforeUnlockingRows:
		return "table unlocked while row locks are still held"
	case Deadlock:
		return "aborted to break a deadlock"
	default:
		return "unknown abort reason"
	}
}

// AbortError is returned by every LockManager method that fails a
// transaction outright rather than blocking it.
type AbortError struct {
	TxnID  transaction.TxnID
	Reason AbortReason
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("transaction %d aborted: %s", e.TxnID, e.Reason)
}

// compatMatrix[held][want] reports whether a lock already held in mode
// held permits granting want to a different transaction.
var compatMatrix = map[transaction.LockMode]map[transaction.LockMode]bool{
	transaction.IntentionShared: {
		transaction.IntentionShared: true, transaction.IntentionExclusive: true,
		transaction.Shared: true, transaction.Exclusive: false, transaction.SharedIntentionExclusive: true,
	},
	transaction.IntentionExclusive: {
		transaction.IntentionShared: true, transaction.IntentionExclusive: true,
		transaction.Shared: false, transaction.Exclusive: false, transaction.SharedIntentionExclusive: false,
	},
	transaction.Shared: {
		transaction.IntentionShared: true, transaction.IntentionExclusive: false,
		transaction.Shared: true, transaction.Exclusive: false, transaction.SharedIntentionExclusive: false,
	},
	transaction.Exclusive: {
		transaction.IntentionShared: false, transaction.IntentionExclusive: false,
		transaction.Shared: false, transaction.Exclusive: false, transaction.SharedIntentionExclusive: false,
	},
	transaction.SharedIntentionExclusive: {
		transaction.IntentionShared: true, transaction.IntentionExclusive: false,
		transaction.Shared: false, transaction.Exclusive: false, transaction.SharedIntentionExclusive: false,
	},
}

func compatible(held, want transaction.LockMode) bool { return compatMatrix[held][want] }

// upgradeTargets[have][want] reports whether a transaction already
// holding have may upgrade in-place to want.
var upgradeTargets = map[transaction.LockMode]map[transaction.LockMode]bool{
	transaction.IntentionShared: {
		transaction.Shared: true, transaction.Exclusive: true, transaction.IntentionExclusive: true, transaction.SharedIntentionExclusive: true,
	},
	transaction.Shared: {
		transaction.Exclusive: true, transaction.SharedIntentionExclusive: true,
	},
	transaction.IntentionExclusive: {
		transaction.Exclusive: true, transaction.SharedIntentionExclusive: true,
	},
	transaction.SharedIntentionExclusive: {
		transaction.Exclusive: true,
	},
}

func canUpgrade(have, want transaction.LockMode) bool {
	if have == want {
		return true
	}
	return upgradeTargets[have][want]
}

type lockRequest struct {
	txnID    transaction.TxnID
	mode     transaction.LockMode
	response chan error
}

type resourceState struct {
	mu        sync.Mutex
	owners    map[transaction.TxnID]transaction.LockMode
	waitQueue []*lockRequest
	upgrading bool
	upgrader  transaction.TxnID
}

func newResourceState() *resourceState {
	return &resourceState{owners: make(map[transaction.TxnID]transaction.LockMode)}
}

// LockManager grants table and row locks under two-phase locking, gates
// acquisition by isolation level, and runs a background detector that
// aborts a transaction out of any wait-for cycle it finds.
type LockManager struct {
	mu     sync.Mutex
	tables map[transaction.TableOID]*resourceState
	rows   map[transaction.RowLockKey]*resourceState
	txns   map[transaction.TxnID]*transaction.Transaction

	stopChan chan struct{}
	stopOnce sync.Once
}

func NewLockManager() *LockManager {
	lm := &LockManager{
		tables:   make(map[transaction.TableOID]*resourceState),
		rows:     make(map[transaction.RowLockKey]*resourceState),
		txns:     make(map[transaction.TxnID]*transaction.Transaction),
		stopChan: make(chan struct{}),
	}
	go lm.deadlockDetectorLoop()
	return lm
}

func (lm *LockManager) Stop() {
	lm.stopOnce.Do(func() { close(lm.stopChan) })
}

func (lm *LockManager) register(txn *transaction.Transaction) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.txns[txn.ID] = txn
}

func (lm *LockManager) getTableState(oid transaction.TableOID) *resourceState {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	rs, ok := lm.tables[oid]
	if !ok {
		rs = newResourceState()
		lm.tables[oid] = rs
	}
	return rs
}

func (lm *LockManager) getRowState(key transaction.RowLockKey) *resourceState {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	rs, ok := lm.rows[key]
	if !ok {
		rs = newResourceState()
		lm.rows[key] = rs
	}
	return rs
}

// checkIsolation enforces the read-uncommitted restriction: those
// transactions may never hold a shared-family lock, since they never
// wait for writers in the first place.
func checkIsolation(txn *transaction.Transaction, mode transaction.LockMode) error {
	if txn.Isolation != transaction.ReadUncommitted {
		return nil
	}
	switch mode {
	case transaction.Shared, transaction.IntentionShared, transaction.SharedIntentionExclusive:
		return &AbortError{TxnID: txn.ID, Reason: LockSharedOnReadUncommitted}
	}
	return nil
}

// checkPhase enforces two-phase locking: once a transaction is
// Shrinking it may acquire no new lock, except a read-committed
// transaction may still take Shared and IntentionShared locks while
// shrinking.
func checkPhase(txn *transaction.Transaction, mode transaction.LockMode) error {
	if txn.State() != transaction.Shrinking {
		return nil
	}
	if txn.Isolation == transaction.ReadCommitted {
		switch mode {
		case transaction.Shared, transaction.IntentionShared:
			return nil
		}
	}
	return &AbortError{TxnID: txn.ID, Reason: LockOnShrinking}
}

// acquire blocks the caller until mode is compatible with every current
// owner of rs, or the deadlock detector aborts the transaction.
// Every request is enqueued and granted through the same FIFO queue walk
// grantWaiting uses for requests it wakes up later: a later-arriving
// request is never granted ahead of an earlier one still waiting, even
// if it happens to be compatible with the current owner set, so a
// steady stream of compatible readers can't starve a queued writer.
func (lm *LockManager) acquire(rs *resourceState, txn *transaction.Transaction, mode transaction.LockMode) error {
	rs.mu.Lock()
	req := &lockRequest{txnID: txn.ID, mode: mode, response: make(chan error, 1)}
	rs.waitQueue = append(rs.waitQueue, req)
	grantWaiting(rs)
	rs.mu.Unlock()

	return <-req.response
}

// tryGrant reports whether mode is compatible with every other current
// owner of rs (txnID's own existing lock, if any, is ignored — that case
// belongs to the upgrade path, never to acquire).
func tryGrant(rs *resourceState, txnID transaction.TxnID, mode transaction.LockMode) bool {
	for owner, heldMode := range rs.owners {
		if owner == txnID {
			continue
		}
		if !compatible(heldMode, mode) {
			return false
		}
	}
	return true
}

// grantWaiting walks the wait queue in FIFO order, granting every
// request compatible with the current owner set until it hits one that
// isn't, preserving first-come-first-served fairness.
func grantWaiting(rs *resourceState) {
	var remaining []*lockRequest
	for i, req := range rs.waitQueue {
		if remaining != nil {
			remaining = append(remaining, rs.waitQueue[i:]...)
			break
		}
		if tryGrant(rs, req.txnID, req.mode) {
			rs.owners[req.txnID] = req.mode
			req.response <- nil
		} else {
			remaining = []*lockRequest{req}
		}
	}
	rs.waitQueue = remaining
}

// LockTable acquires oid in mode for txn, blocking if incompatible with
// another transaction's hold, and upgrading in place if txn already
// holds a weaker compatible mode.
func (lm *LockManager) LockTable(txn *transaction.Transaction, mode transaction.LockMode, oid transaction.TableOID) error {
	lm.register(txn)
	if err := checkIsolation(txn, mode); err != nil {
		txn.SetState(transaction.Aborted)
		return err
	}
	if err := checkPhase(txn, mode); err != nil {
		txn.SetState(transaction.Aborted)
		return err
	}

	rs := lm.getTableState(oid)

	if have, ok := txn.HasTableLock(oid); ok {
		if have == mode {
			return nil
		}
		if err := lm.upgradeResource(rs, txn, have, mode); err != nil {
			txn.SetState(transaction.Aborted)
			return err
		}
		txn.RevokeTableLock(have, oid)
		txn.GrantTableLock(mode, oid)
		return nil
	}

	if err := lm.acquire(rs, txn, mode); err != nil {
		txn.SetState(transaction.Aborted)
		return err
	}
	txn.GrantTableLock(mode, oid)
	return nil
}

// UnlockTable releases txn's lock on oid. Refuses while txn still holds
// row locks under that table.
func (lm *LockManager) UnlockTable(txn *transaction.Transaction, oid transaction.TableOID) error {
	mode, ok := txn.HasTableLock(oid)
	if !ok {
		return &AbortError{TxnID: txn.ID, Reason: TableLockNotPresent}
	}
	if txn.RowLocksOnTable(oid) > 0 {
		txn.SetState(transaction.Aborted)
		return &AbortError{TxnID: txn.ID, Reason: TableUnlockedBeforeUnlockingRows}
	}

	rs := lm.getTableState(oid)
	rs.mu.Lock()
	delete(rs.owners, txn.ID)
	grantWaiting(rs)
	rs.mu.Unlock()

	txn.RevokeTableLock(mode, oid)
	advanceStateOnUnlock(txn, mode)
	return nil
}

// LockRow acquires a row lock, which requires txn to already hold a
// compatible intention lock (or stronger) on the row's table.
func (lm *LockManager) LockRow(txn *transaction.Transaction, mode transaction.LockMode, oid transaction.TableOID, key transaction.RowLockKey) error {
	if mode == transaction.IntentionShared || mode == transaction.IntentionExclusive || mode == transaction.SharedIntentionExclusive {
		return &AbortError{TxnID: txn.ID, Reason: AttemptedIntentionLockOnRow}
	}
	lm.register(txn)
	if err := checkIsolation(txn, mode); err != nil {
		txn.SetState(transaction.Aborted)
		return err
	}
	if err := checkPhase(txn, mode); err != nil {
		txn.SetState(transaction.Aborted)
		return err
	}

	tableMode, ok := txn.HasTableLock(oid)
	if !ok || !tableLockCoversRow(tableMode, mode) {
		txn.SetState(transaction.Aborted)
		return &AbortError{TxnID: txn.ID, Reason: TableLockNotPresent}
	}

	rs := lm.getRowState(key)

	if have, ok := txn.HasRowLock(key); ok {
		if have == mode {
			return nil
		}
		if err := lm.upgradeResource(rs, txn, have, mode); err != nil {
			txn.SetState(transaction.Aborted)
			return err
		}
		txn.RevokeRowLock(have, key)
		txn.GrantRowLock(mode, key)
		return nil
	}

	if err := lm.acquire(rs, txn, mode); err != nil {
		txn.SetState(transaction.Aborted)
		return err
	}
	txn.GrantRowLock(mode, key)
	return nil
}

func tableLockCoversRow(tableMode, rowMode transaction.LockMode) bool {
	switch rowMode {
	case transaction.Shared:
		switch tableMode {
		case transaction.IntentionShared, transaction.IntentionExclusive, transaction.Shared,
			transaction.Exclusive, transaction.SharedIntentionExclusive:
			return true
		}
	case transaction.Exclusive:
		switch tableMode {
		case transaction.IntentionExclusive, transaction.Exclusive, transaction.SharedIntentionExclusive:
			return true
		}
	}
	return false
}

// UnlockRow releases txn's lock on key.
func (lm *LockManager) UnlockRow(txn *transaction.Transaction, key transaction.RowLockKey) error {
	mode, ok := txn.HasRowLock(key)
	if !ok {
		return &AbortError{TxnID: txn.ID, Reason: TableLockNotPresent}
	}

	rs := lm.getRowState(key)
	rs.mu.Lock()
	delete(rs.owners, txn.ID)
	grantWaiting(rs)
	rs.mu.Unlock()

	txn.RevokeRowLock(mode, key)
	advanceStateOnUnlock(txn, mode)
	return nil
}

// advanceStateOnUnlock drives the two-phase-locking state machine:
// releasing an exclusive-family lock always starts shrinking, and so
// does releasing a shared lock unless the transaction runs under read
// committed, which may keep acquiring shared-family locks throughout
// its life. Read-uncommitted transactions never hold a shared-family
// lock in the first place, so that combination never reaches here.
func advanceStateOnUnlock(txn *transaction.Transaction, mode transaction.LockMode) {
	if txn.State() != transaction.Growing {
		return
	}
	switch mode {
	case transaction.Exclusive, transaction.IntentionExclusive, transaction.SharedIntentionExclusive:
		txn.SetState(transaction.Shrinking)
	case transaction.Shared:
		if txn.Isolation != transaction.ReadCommitted {
			txn.SetState(transaction.Shrinking)
		}
	}
}

// upgradeResource moves txn from have to want on rs without re-queueing
// behind other waiters, failing outright if another transaction is
// already mid-upgrade on the same resource or if have cannot be upgraded
// to want.
func (lm *LockManager) upgradeResource(rs *resourceState, txn *transaction.Transaction, have, want transaction.LockMode) error {
	if !canUpgrade(have, want) {
		return &AbortError{TxnID: txn.ID, Reason: IncompatibleUpgrade}
	}

	rs.mu.Lock()
	if rs.upgrading && rs.upgrader != txn.ID {
		rs.mu.Unlock()
		return &AbortError{TxnID: txn.ID, Reason: UpgradeConflict}
	}
	for owner, heldMode := range rs.owners {
		if owner == txn.ID {
			continue
		}
		if !compatible(heldMode, want) {
			rs.upgrading = true
			rs.upgrader = txn.ID
			req := &lockRequest{txnID: txn.ID, mode: want, response: make(chan error, 1)}
			rs.waitQueue = append([]*lockRequest{req}, rs.waitQueue...)
			rs.mu.Unlock()

			err := <-req.response

			rs.mu.Lock()
			rs.upgrading = false
			if err == nil {
				delete(rs.owners, txn.ID)
				rs.owners[txn.ID] = want
			}
			rs.mu.Unlock()
			return err
		}
	}
	delete(rs.owners, txn.ID)
	rs.owners[txn.ID] = want
	rs.mu.Unlock()
	return nil
}

// buildWaitForGraph scans every resource's wait queue and owner set to
// build a transaction-id adjacency list: an edge txnA -> txnB means txnA
// is waiting on a lock txnB currently holds.
func (lm *LockManager) buildWaitForGraph() map[transaction.TxnID][]transaction.TxnID {
	graph := make(map[transaction.TxnID][]transaction.TxnID)

	addEdges := func(rs *resourceState) {
		rs.mu.Lock()
		defer rs.mu.Unlock()
		for _, req := range rs.waitQueue {
			for owner := range rs.owners {
				if owner == req.txnID {
					continue
				}
				graph[req.txnID] = append(graph[req.txnID], owner)
			}
		}
	}

	lm.mu.Lock()
	tables := make([]*resourceState, 0, len(lm.tables))
	for _, rs := range lm.tables {
		tables = append(tables, rs)
	}
	rows := make([]*resourceState, 0, len(lm.rows))
	for _, rs := range lm.rows {
		rows = append(rows, rs)
	}
	lm.mu.Unlock()

	for _, rs := range tables {
		addEdges(rs)
	}
	for _, rs := range rows {
		addEdges(rs)
	}
	return graph
}

// findCycle runs a DFS from start over graph, tracking an ordered path
// slice rather than a membership-only set. The teacher's own cycle
// extraction kept a map of "nodes currently on the recursion stack" and
// read its keys back out once a back edge was found, which can include
// ancestors that sit above the cycle's entry point rather than inside
// the cycle itself. Tracking the path in visitation order and indexing
// into it on the back edge returns exactly the cycle's members.
func findCycle(graph map[transaction.TxnID][]transaction.TxnID, start transaction.TxnID) []transaction.TxnID {
	visited := make(map[transaction.TxnID]bool)
	onPath := make(map[transaction.TxnID]int)
	var path []transaction.TxnID

	var dfs func(n transaction.TxnID) []transaction.TxnID
	dfs = func(n transaction.TxnID) []transaction.TxnID {
		visited[n] = true
		onPath[n] = len(path)
		path = append(path, n)

		for _, next := range graph[n] {
			if idx, found := onPath[next]; found {
				return append([]transaction.TxnID{}, path[idx:]...)
			}
			if !visited[next] {
				if cyc := dfs(next); cyc != nil {
					return cyc
				}
			}
		}

		delete(onPath, n)
		path = path[:len(path)-1]
		return nil
	}
	return dfs(start)
}

func largestInCycle(cycle []transaction.TxnID) transaction.TxnID {
	largest := cycle[0]
	for _, id := range cycle[1:] {
		if id > largest {
			largest = id
		}
	}
	return largest
}

func (lm *LockManager) deadlockDetectorLoop() {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-lm.stopChan:
			return
		case <-ticker.C:
			lm.runDetectionPass()
		}
	}
}

func (lm *LockManager) runDetectionPass() {
	graph := lm.buildWaitForGraph()
	seen := make(map[transaction.TxnID]bool)
	for start := range graph {
		if seen[start] {
			continue
		}
		cycle := findCycle(graph, start)
		if cycle == nil {
			continue
		}
		for _, id := range cycle {
			seen[id] = true
		}
		lm.abortForDeadlock(largestInCycle(cycle))
	}
}

// abortForDeadlock marks victim aborted and wakes up any of its pending
// lock requests across every resource with a Deadlock AbortError, so the
// blocked acquire call returns instead of waiting forever.
func (lm *LockManager) abortForDeadlock(victim transaction.TxnID) {
	lm.mu.Lock()
	txn, ok := lm.txns[victim]
	tables := make([]*resourceState, 0, len(lm.tables))
	for _, rs := range lm.tables {
		tables = append(tables, rs)
	}
	rows := make([]*resourceState, 0, len(lm.rows))
	for _, rs := range lm.rows {
		rows = append(rows, rs)
	}
	lm.mu.Unlock()
	if ok {
		txn.SetState(transaction.Aborted)
	}

	resolve := func(rs *resourceState) {
		rs.mu.Lock()
		defer rs.mu.Unlock()
		remaining := rs.waitQueue[:0]
		for _, req := range rs.waitQueue {
			if req.txnID == victim {
				req.response <- &AbortError{TxnID: victim, Reason: Deadlock}
			} else {
				remaining = append(remaining, req)
			}
		}
		rs.waitQueue = remaining
	}
	for _, rs := range tables {
		resolve(rs)
	}
	for _, rs := range rows {
		resolve(rs)
	}
}

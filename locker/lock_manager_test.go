package locker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stormbase/common"
	"stormbase/transaction"
)

func newTxn(id transaction.TxnID, level transaction.IsolationLevel) *transaction.Transaction {
	return transaction.New(id, level)
}

func TestLockManager_SharedLocksCoexist(t *testing.T) {
	lm := NewLockManager()
	defer lm.Stop()

	t1 := newTxn(1, transaction.RepeatableRead)
	t2 := newTxn(2, transaction.RepeatableRead)

	require.NoError(t, lm.LockTable(t1, transaction.Shared, 10))
	require.NoError(t, lm.LockTable(t2, transaction.Shared, 10))
}

func TestLockManager_ExclusiveBlocksShared(t *testing.T) {
	lm := NewLockManager()
	defer lm.Stop()

	t1 := newTxn(1, transaction.RepeatableRead)
	t2 := newTxn(2, transaction.RepeatableRead)

	require.NoError(t, lm.LockTable(t1, transaction.Exclusive, 10))

	granted := make(chan error, 1)
	go func() { granted <- lm.LockTable(t2, transaction.Shared, 10) }()

	select {
	case <-granted:
		t.Fatal("shared lock should not be granted while exclusive is held")
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, lm.UnlockTable(t1, 10))
	require.NoError(t, <-granted)
}

func TestLockManager_UpgradeSharedToExclusive(t *testing.T) {
	lm := NewLockManager()
	defer lm.Stop()

	t1 := newTxn(1, transaction.RepeatableRead)
	require.NoError(t, lm.LockTable(t1, transaction.Shared, 10))
	require.NoError(t, lm.LockTable(t1, transaction.Exclusive, 10))

	mode, ok := t1.HasTableLock(10)
	require.True(t, ok)
	assert.Equal(t, transaction.Exclusive, mode)
}

func TestLockManager_RowLockRequiresTableIntentionLock(t *testing.T) {
	lm := NewLockManager()
	defer lm.Stop()

	t1 := newTxn(1, transaction.RepeatableRead)
	key := transaction.RowLockKey{Table: 10, RID: common.RID{PageID: 1, SlotNum: 0}}

	err := lm.LockRow(t1, transaction.Shared, 10, key)
	require.Error(t, err)
	var abortErr *AbortError
	require.ErrorAs(t, err, &abortErr)
	assert.Equal(t, TableLockNotPresent, abortErr.Reason)
	assert.Equal(t, transaction.Aborted, t1.State())
}

func TestLockManager_RowLockSucceedsWithIntentionLock(t *testing.T) {
	lm := NewLockManager()
	defer lm.Stop()

	t1 := newTxn(1, transaction.RepeatableRead)
	key := transaction.RowLockKey{Table: 10, RID: common.RID{PageID: 1, SlotNum: 0}}

	require.NoError(t, lm.LockTable(t1, transaction.IntentionExclusive, 10))
	require.NoError(t, lm.LockRow(t1, transaction.Exclusive, 10, key))
}

func TestLockManager_IntentionLockOnRowRejected(t *testing.T) {
	lm := NewLockManager()
	defer lm.Stop()

	t1 := newTxn(1, transaction.RepeatableRead)
	key := transaction.RowLockKey{Table: 10, RID: common.RID{PageID: 1, SlotNum: 0}}

	err := lm.LockRow(t1, transaction.IntentionShared, 10, key)
	require.Error(t, err)
	var abortErr *AbortError
	require.ErrorAs(t, err, &abortErr)
	assert.Equal(t, AttemptedIntentionLockOnRow, abortErr.Reason)
}

func TestLockManager_UnlockTableRefusedWithOutstandingRowLocks(t *testing.T) {
	lm := NewLockManager()
	defer lm.Stop()

	t1 := newTxn(1, transaction.RepeatableRead)
	key := transaction.RowLockKey{Table: 10, RID: common.RID{PageID: 1, SlotNum: 0}}

	require.NoError(t, lm.LockTable(t1, transaction.IntentionExclusive, 10))
	require.NoError(t, lm.LockRow(t1, transaction.Exclusive, 10, key))

	err := lm.UnlockTable(t1, 10)
	require.Error(t, err)
	var abortErr *AbortError
	require.ErrorAs(t, err, &abortErr)
	assert.Equal(t, TableUnlockedBeforeUnlockingRows, abortErr.Reason)
	assert.Equal(t, transaction.Aborted, t1.State())
}

func TestLockManager_ReadUncommittedRejectsSharedLock(t *testing.T) {
	lm := NewLockManager()
	defer lm.Stop()

	t1 := newTxn(1, transaction.ReadUncommitted)
	err := lm.LockTable(t1, transaction.Shared, 10)
	require.Error(t, err)
	var abortErr *AbortError
	require.ErrorAs(t, err, &abortErr)
	assert.Equal(t, LockSharedOnReadUncommitted, abortErr.Reason)
}

func TestLockManager_ReadUncommittedAllowsExclusiveLock(t *testing.T) {
	lm := NewLockManager()
	defer lm.Stop()

	t1 := newTxn(1, transaction.ReadUncommitted)
	require.NoError(t, lm.LockTable(t1, transaction.Exclusive, 10))
}

func TestLockManager_GrowingToShrinkingOnExclusiveUnlock(t *testing.T) {
	lm := NewLockManager()
	defer lm.Stop()

	t1 := newTxn(1, transaction.RepeatableRead)
	require.NoError(t, lm.LockTable(t1, transaction.Exclusive, 10))
	assert.Equal(t, transaction.Growing, t1.State())

	require.NoError(t, lm.UnlockTable(t1, 10))
	assert.Equal(t, transaction.Shrinking, t1.State())
}

func TestLockManager_NewLockRejectedOnceShrinking(t *testing.T) {
	lm := NewLockManager()
	defer lm.Stop()

	t1 := newTxn(1, transaction.RepeatableRead)
	require.NoError(t, lm.LockTable(t1, transaction.Shared, 10))
	require.NoError(t, lm.UnlockTable(t1, 10))
	require.Equal(t, transaction.Shrinking, t1.State())

	err := lm.LockTable(t1, transaction.Shared, 11)
	require.Error(t, err)
	var abortErr *AbortError
	require.ErrorAs(t, err, &abortErr)
	assert.Equal(t, LockOnShrinking, abortErr.Reason)
}

func TestLockManager_ReadCommittedMayKeepTakingSharedLocksWhileShrinking(t *testing.T) {
	lm := NewLockManager()
	defer lm.Stop()

	t1 := newTxn(1, transaction.ReadCommitted)
	require.NoError(t, lm.LockTable(t1, transaction.Exclusive, 10))
	require.NoError(t, lm.UnlockTable(t1, 10))
	require.Equal(t, transaction.Shrinking, t1.State())

	require.NoError(t, lm.LockTable(t1, transaction.Shared, 11))
}

func TestLockManager_DeadlockDetectorAbortsOneOfTwoWaiters(t *testing.T) {
	lm := NewLockManager()
	defer lm.Stop()

	t1 := newTxn(1, transaction.RepeatableRead)
	t2 := newTxn(2, transaction.RepeatableRead)

	require.NoError(t, lm.LockTable(t1, transaction.Exclusive, 10))
	require.NoError(t, lm.LockTable(t2, transaction.Exclusive, 11))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		errs[0] = lm.LockTable(t1, transaction.Exclusive, 11)
		if errs[0] != nil {
			// roll back the aborted victim so the other waiter can be granted
			_ = lm.UnlockTable(t1, 10)
		}
	}()
	go func() {
		defer wg.Done()
		errs[1] = lm.LockTable(t2, transaction.Exclusive, 10)
		if errs[1] != nil {
			_ = lm.UnlockTable(t2, 11)
		}
	}()
	wg.Wait()

	oneFailed := (errs[0] != nil) != (errs[1] != nil)
	assert.True(t, oneFailed, "exactly one waiter should have been aborted to break the deadlock")
}

func TestFindCycle_ReturnsOnlyCycleMembers(t *testing.T) {
	// 1 -> 2 -> 3 -> 2 (cycle is {2,3}; 1 is an ancestor outside the cycle)
	graph := map[transaction.TxnID][]transaction.TxnID{
		1: {2},
		2: {3},
		3: {2},
	}
	cycle := findCycle(graph, 1)
	require.NotNil(t, cycle)
	assert.ElementsMatch(t, []transaction.TxnID{2, 3}, cycle)
}

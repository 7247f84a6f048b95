package btree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stormbase/buffer"
	"stormbase/common"
	"stormbase/disk"
)

func newTestTree(t *testing.T, poolSize int) *BPlusTree {
	t.Helper()
	dm := disk.NewMemManager()
	replacer := buffer.NewLRUKReplacer(poolSize, 2)
	bpm := buffer.NewBufferPoolManager(poolSize, dm, replacer, nil)
	return NewBPlusTree("t", bpm, common.IntKeyComparator{})
}

func TestBPlusTree_InsertAndGetValue(t *testing.T) {
	tree := newTestTree(t, 50)

	require.True(t, tree.Insert(common.Key(1), common.RID{PageID: 1, SlotNum: 0}))
	require.True(t, tree.Insert(common.Key(2), common.RID{PageID: 1, SlotNum: 1}))

	rid, ok := tree.GetValue(common.Key(1))
	require.True(t, ok)
	assert.Equal(t, uint32(1), rid.PageID)

	rid, ok = tree.GetValue(common.Key(2))
	require.True(t, ok)
	assert.Equal(t, uint32(1), rid.SlotNum)

	_, ok = tree.GetValue(common.Key(3))
	assert.False(t, ok)
}

func TestBPlusTree_DuplicateInsertFails(t *testing.T) {
	tree := newTestTree(t, 50)
	require.True(t, tree.Insert(common.Key(1), common.RID{PageID: 1}))
	assert.False(t, tree.Insert(common.Key(1), common.RID{PageID: 2}))
}

func TestBPlusTree_SplitsAndStaysSearchable(t *testing.T) {
	tree := newTestTree(t, 200)

	n := LeafMaxSize()*3 + 10
	for i := 0; i < n; i++ {
		require.True(t, tree.Insert(common.Key(i), common.RID{PageID: uint32(i)}))
	}
	assert.Greater(t, tree.Height(), 1, "enough inserts should have grown the tree past a single leaf")

	for i := 0; i < n; i++ {
		rid, ok := tree.GetValue(common.Key(i))
		require.True(t, ok, "key %d should still be found after splitting", i)
		assert.EqualValues(t, i, rid.PageID)
	}
}

func TestBPlusTree_IteratorVisitsKeysInOrder(t *testing.T) {
	tree := newTestTree(t, 200)

	n := LeafMaxSize()*2 + 5
	for i := n - 1; i >= 0; i-- {
		require.True(t, tree.Insert(common.Key(i), common.RID{PageID: uint32(i)}))
	}

	it := tree.Begin()
	count := 0
	var prev common.Key = -1
	for it.Valid() {
		assert.Greater(t, it.Key(), prev)
		prev = it.Key()
		count++
		it.Next()
	}
	assert.Equal(t, n, count)
}

func TestBPlusTree_BeginAtSkipsToKey(t *testing.T) {
	tree := newTestTree(t, 200)
	for i := 0; i < 20; i++ {
		require.True(t, tree.Insert(common.Key(i*2), common.RID{PageID: uint32(i)}))
	}

	it := tree.BeginAt(common.Key(15))
	require.True(t, it.Valid())
	assert.Equal(t, common.Key(16), it.Key())
}

func TestBPlusTree_DeleteRemovesKey(t *testing.T) {
	tree := newTestTree(t, 50)
	require.True(t, tree.Insert(common.Key(1), common.RID{PageID: 1}))
	require.True(t, tree.Insert(common.Key(2), common.RID{PageID: 2}))

	assert.True(t, tree.Delete(common.Key(1)))
	_, ok := tree.GetValue(common.Key(1))
	assert.False(t, ok)

	rid, ok := tree.GetValue(common.Key(2))
	require.True(t, ok)
	assert.EqualValues(t, 2, rid.PageID)

	assert.False(t, tree.Delete(common.Key(1)))
}

func TestBPlusTree_DeleteAfterSplitKeepsTreeSearchable(t *testing.T) {
	tree := newTestTree(t, 200)

	n := LeafMaxSize()*3 + 10
	for i := 0; i < n; i++ {
		require.True(t, tree.Insert(common.Key(i), common.RID{PageID: uint32(i)}))
	}

	for i := 0; i < n; i += 2 {
		require.True(t, tree.Delete(common.Key(i)))
	}

	for i := 0; i < n; i++ {
		rid, ok := tree.GetValue(common.Key(i))
		if i%2 == 0 {
			assert.False(t, ok, "key %d should have been deleted", i)
		} else {
			require.True(t, ok, "key %d should still be present", i)
			assert.EqualValues(t, i, rid.PageID)
		}
	}
}

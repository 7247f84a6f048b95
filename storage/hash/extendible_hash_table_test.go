package hash

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func uint32Hash(k uint32) uint64 { return uint64(k) }

func TestTable_FindMissingKey(t *testing.T) {
	tbl := New[uint32, string](4, uint32Hash)
	_, ok := tbl.Find(1)
	assert.False(t, ok)
}

func TestTable_InsertThenFind(t *testing.T) {
	tbl := New[uint32, string](4, uint32Hash)
	tbl.Insert(1, "a")
	tbl.Insert(2, "b")

	v, ok := tbl.Find(1)
	require.True(t, ok)
	assert.Equal(t, "a", v)

	v, ok = tbl.Find(2)
	require.True(t, ok)
	assert.Equal(t, "b", v)
}

func TestTable_OverwriteExistingKey(t *testing.T) {
	tbl := New[uint32, string](4, uint32Hash)
	tbl.Insert(1, "a")
	tbl.Insert(1, "b")

	v, ok := tbl.Find(1)
	require.True(t, ok)
	assert.Equal(t, "b", v)
}

func TestTable_RemoveDeletesKey(t *testing.T) {
	tbl := New[uint32, string](4, uint32Hash)
	tbl.Insert(1, "a")
	assert.True(t, tbl.Remove(1))
	_, ok := tbl.Find(1)
	assert.False(t, ok)
	assert.False(t, tbl.Remove(1))
}

// TestTable_GrowsDirectoryUnderPressure exercises directory doubling and
// bucket splitting: with a small bucket size, inserting enough distinct
// keys must force the global depth up, and every bucket's local depth must
// never exceed it.
func TestTable_GrowsDirectoryUnderPressure(t *testing.T) {
	tbl := New[uint32, int](2, uint32Hash)

	for i := uint32(0); i < 64; i++ {
		tbl.Insert(i, int(i))
	}

	for i := uint32(0); i < 64; i++ {
		v, ok := tbl.Find(i)
		require.True(t, ok)
		assert.Equal(t, int(i), v)
	}

	assert.Greater(t, tbl.GlobalDepth(), 0)
	assert.Equal(t, 1<<tbl.GlobalDepth(), len(tbl.dir))
	for _, b := range tbl.dir {
		assert.LessOrEqual(t, b.depth, tbl.GlobalDepth())
	}
}

func TestTable_BucketSizeOneSplitsOnSecondKey(t *testing.T) {
	tbl := New[uint32, int](1, uint32Hash)
	tbl.Insert(0, 100)
	tbl.Insert(1, 200)
	assert.Equal(t, 2, tbl.NumBuckets())

	v, ok := tbl.Find(0)
	require.True(t, ok)
	assert.Equal(t, 100, v)

	v, ok = tbl.Find(1)
	require.True(t, ok)
	assert.Equal(t, 200, v)
}

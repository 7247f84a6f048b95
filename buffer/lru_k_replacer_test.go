package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLRUKReplacer_PrefersHistoryOverCache checks the core rule: a frame
// with fewer than k accesses (still in history) is evicted before any
// frame that has reached k accesses (promoted to cache), regardless of
// recency.
func TestLRUKReplacer_PrefersHistoryOverCache(t *testing.T) {
	r := NewLRUKReplacer(5, 2)

	// frame 0 gets two accesses, crossing into the cache list.
	require.NoError(t, r.RecordAccess(0))
	require.NoError(t, r.RecordAccess(0))
	// frame 1 gets only one access, staying in history.
	require.NoError(t, r.RecordAccess(1))

	r.SetEvictable(0, true)
	r.SetEvictable(1, true)

	victim, ok := r.Evict()
	require.True(t, ok)
	assert.Equal(t, 1, victim, "the single-access frame should be evicted before the twice-accessed one")
}

// TestLRUKReplacer_CacheEvictsLargestKDistance checks that among frames
// that have all crossed into the cache, the one accessed longest ago is
// evicted first.
func TestLRUKReplacer_CacheEvictsLargestKDistance(t *testing.T) {
	r := NewLRUKReplacer(5, 2)

	require.NoError(t, r.RecordAccess(0))
	require.NoError(t, r.RecordAccess(0))
	require.NoError(t, r.RecordAccess(1))
	require.NoError(t, r.RecordAccess(1))

	r.SetEvictable(0, true)
	r.SetEvictable(1, true)

	victim, ok := r.Evict()
	require.True(t, ok)
	assert.Equal(t, 0, victim)
}

func TestLRUKReplacer_NonEvictableFrameIsNeverPicked(t *testing.T) {
	r := NewLRUKReplacer(5, 2)

	require.NoError(t, r.RecordAccess(0))
	require.NoError(t, r.RecordAccess(1))
	r.SetEvictable(0, false)
	r.SetEvictable(1, true)

	victim, ok := r.Evict()
	require.True(t, ok)
	assert.Equal(t, 1, victim)
}

func TestLRUKReplacer_EvictReturnsFalseWhenNothingEvictable(t *testing.T) {
	r := NewLRUKReplacer(5, 2)
	require.NoError(t, r.RecordAccess(0))

	_, ok := r.Evict()
	assert.False(t, ok)
}

func TestLRUKReplacer_SizeTracksEvictableCount(t *testing.T) {
	r := NewLRUKReplacer(5, 2)
	require.NoError(t, r.RecordAccess(0))
	require.NoError(t, r.RecordAccess(1))

	assert.Equal(t, 0, r.Size())
	r.SetEvictable(0, true)
	assert.Equal(t, 1, r.Size())
	r.SetEvictable(1, true)
	assert.Equal(t, 2, r.Size())
	r.SetEvictable(0, false)
	assert.Equal(t, 1, r.Size())
}

func TestLRUKReplacer_RecordAccessRejectsOutOfRangeFrame(t *testing.T) {
	r := NewLRUKReplacer(3, 2)
	assert.Error(t, r.RecordAccess(3))
	assert.Error(t, r.RecordAccess(-1))
	assert.NoError(t, r.RecordAccess(2))
}

func TestLRUKReplacer_RemoveForgetsFrame(t *testing.T) {
	r := NewLRUKReplacer(5, 2)
	require.NoError(t, r.RecordAccess(0))
	r.SetEvictable(0, true)

	r.Remove(0)
	assert.Equal(t, 0, r.Size())

	_, ok := r.Evict()
	assert.False(t, ok)
}

package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClockReplacer_EvictSkipsPinnedFrames(t *testing.T) {
	c := NewClockReplacer(3)
	require.NoError(t, c.RecordAccess(0))
	require.NoError(t, c.RecordAccess(1))
	require.NoError(t, c.RecordAccess(2))

	c.SetEvictable(0, false)
	c.SetEvictable(1, true)
	c.SetEvictable(2, true)

	victim, ok := c.Evict()
	require.True(t, ok)
	assert.NotEqual(t, 0, victim)
}

func TestClockReplacer_GivesSecondChanceBeforeEviction(t *testing.T) {
	c := NewClockReplacer(2)
	require.NoError(t, c.RecordAccess(0))
	require.NoError(t, c.RecordAccess(1))
	c.SetEvictable(0, true)
	c.SetEvictable(1, true)

	// Touch frame 0 again so it gets a second chance and should survive
	// the first sweep past it.
	require.NoError(t, c.RecordAccess(0))

	victim, ok := c.Evict()
	require.True(t, ok)
	assert.Equal(t, 1, victim)
}

func TestClockReplacer_SizeReflectsEvictableCount(t *testing.T) {
	c := NewClockReplacer(3)
	require.NoError(t, c.RecordAccess(0))
	require.NoError(t, c.RecordAccess(1))

	assert.Equal(t, 0, c.Size())
	c.SetEvictable(0, true)
	c.SetEvictable(1, true)
	assert.Equal(t, 2, c.Size())

	c.SetEvictable(1, false)
	assert.Equal(t, 1, c.Size())
}

func TestClockReplacer_RemoveClearsPinnedAndEvictable(t *testing.T) {
	c := NewClockReplacer(2)
	require.NoError(t, c.RecordAccess(0))
	c.SetEvictable(0, true)

	c.Remove(0)
	assert.Equal(t, 0, c.Size())
	_, ok := c.Evict()
	assert.False(t, ok)
}

package clockx

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClock_TouchAndEvictSkipsPinned(t *testing.T) {
	c := New(3)
	c.Touch(0)
	c.SetEvictable(0, true)
	c.Touch(1)
	c.SetEvictable(1, false) // pinned
	c.Touch(2)
	c.SetEvictable(2, true)

	// The first sweep clears the ref bits Touch set on slots 0 and 2 and
	// skips pinned slot 1; the second sweep then evicts slot 0.
	id, ok := c.Evict()
	require.True(t, ok)
	require.NotEqual(t, 1, id) // never evicts a pinned slot
}

func TestClock_EvictEmptyReturnsFalse(t *testing.T) {
	c := New(2)
	_, ok := c.Evict()
	require.False(t, ok)
}

func TestClock_RemoveStopsTracking(t *testing.T) {
	c := New(2)
	c.Touch(0)
	c.SetEvictable(0, true)
	require.Equal(t, 1, c.Size())

	c.Remove(0)
	require.Equal(t, 0, c.Size())

	_, ok := c.Evict()
	require.False(t, ok)
}

func TestClock_AllPinnedNoVictim(t *testing.T) {
	c := New(2)
	c.Touch(0)
	c.SetEvictable(0, false)
	c.Touch(1)
	c.SetEvictable(1, false)

	_, ok := c.Evict()
	require.False(t, ok)
}

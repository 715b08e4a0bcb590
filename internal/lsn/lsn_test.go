package lsn

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOrderingIsLexicographicByFileThenOffset(t *testing.T) {
	a := LSN{FileNo: 0, Offset: 100}
	b := LSN{FileNo: 0, Offset: 200}
	c := LSN{FileNo: 1, Offset: 6}

	require.True(t, a.Less(b))
	require.True(t, b.Less(c), "a lower offset in a later file still sorts after")
	require.False(t, c.Less(a))
	require.False(t, a.Less(a))
}

func TestMaxReturnsLaterLSN(t *testing.T) {
	a := LSN{FileNo: 0, Offset: 100}
	b := LSN{FileNo: 2, Offset: 6}
	require.Equal(t, b, Max(a, b))
	require.Equal(t, b, Max(b, a))
	require.Equal(t, a, Max(a, a))
}

func TestZeroSentinel(t *testing.T) {
	require.True(t, Zero.IsZero())
	require.False(t, LSN{FileNo: 0, Offset: OffsetFirstRecord}.IsZero())
}

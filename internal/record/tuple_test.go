package record

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLiteralTupleCapabilities(t *testing.T) {
	s := testSchema()
	lit := NewLiteral(s, []any{int64(1), true, nil, "n", nil})

	var tup Tuple = lit
	require.Equal(t, s, tup.Schema())
	require.Equal(t, 5, tup.NumCols())
	require.False(t, tup.IsNull(0))
	require.True(t, tup.IsNull(2))
	require.Equal(t, int64(1), tup.Get(0))
	require.Equal(t, "n", tup.Get(3))
}

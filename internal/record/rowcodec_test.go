package record

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testSchema() Schema {
	return Schema{Cols: []Column{
		{Name: "id", Type: ColInt64},
		{Name: "active", Type: ColBool},
		{Name: "score", Type: ColFloat64, Nullable: true},
		{Name: "name", Type: ColText},
		{Name: "blob", Type: ColBytes, Nullable: true},
	}}
}

func TestEncodeDecodeRowRoundTrip(t *testing.T) {
	s := testSchema()
	values := []any{int64(42), true, 3.5, "hello", []byte{1, 2, 3}}

	buf, err := EncodeRow(s, values)
	require.NoError(t, err)

	got, err := DecodeRow(s, buf)
	require.NoError(t, err)
	require.Equal(t, values, got)
}

func TestEncodeDecodeRowWithNulls(t *testing.T) {
	s := testSchema()
	values := []any{int64(7), false, nil, "x", nil}

	buf, err := EncodeRow(s, values)
	require.NoError(t, err)

	got, err := DecodeRow(s, buf)
	require.NoError(t, err)
	require.Equal(t, values, got)
}

func TestEncodeRowRejectsNullOnNonNullableColumn(t *testing.T) {
	s := testSchema()
	values := []any{nil, true, nil, "x", nil}

	_, err := EncodeRow(s, values)
	require.ErrorIs(t, err, ErrSchemaMismatch)
}

func TestEncodeRowRejectsWrongArity(t *testing.T) {
	s := testSchema()
	_, err := EncodeRow(s, []any{int64(1)})
	require.ErrorIs(t, err, ErrSchemaMismatch)
}

func TestDecodeRowRejectsShortBuffer(t *testing.T) {
	s := testSchema()
	buf, err := EncodeRow(s, []any{int64(1), true, nil, "x", nil})
	require.NoError(t, err)

	_, err = DecodeRow(s, buf[:len(buf)-2])
	require.ErrorIs(t, err, ErrBadBuffer)
}

func TestSchemaIndexOf(t *testing.T) {
	s := testSchema()
	require.Equal(t, 3, s.IndexOf("name"))
	require.Equal(t, -1, s.IndexOf("missing"))
}

package page

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nanodb-go/nanodb/internal/buffer"
	"github.com/nanodb-go/nanodb/internal/dbfile"
)

func newTestFile(t *testing.T, numPages int) (*buffer.Manager, *dbfile.DBFile) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.db")
	df, err := dbfile.Create(path, dbfile.TypeHeap, 512)
	require.NoError(t, err)
	t.Cleanup(func() { _ = df.Close() })

	bm := buffer.NewManager(4)
	for i := 0; i < numPages; i++ {
		p, err := bm.Pin(df, uint32(i))
		require.NoError(t, err)
		require.NoError(t, bm.Unpin(p, true))
	}
	require.NoError(t, bm.WriteAll(true))
	return bm, df
}

func TestCrossPageScalarRoundTrip(t *testing.T) {
	bm, df := newTestFile(t, 3)

	w, err := NewWriter(bm, df, 0, 508)
	require.NoError(t, err)
	require.NoError(t, w.WriteLong(0x0102030405060708))
	require.NoError(t, w.WriteInt(42))
	require.NoError(t, w.Close())
	require.NoError(t, bm.WriteAll(true))

	r, err := NewReader(bm, df, 0, 508)
	require.NoError(t, err)
	got, err := r.ReadLong()
	require.NoError(t, err)
	require.Equal(t, int64(0x0102030405060708), got)

	gotInt, err := r.ReadInt()
	require.NoError(t, err)
	require.Equal(t, int32(42), gotInt)
	require.NoError(t, r.Close())
}

func TestVarStringRoundTripAcrossPages(t *testing.T) {
	bm, df := newTestFile(t, 4)

	longStr := "this string starts near the end of a page so it must straddle a page boundary when written sequentially"

	w, err := NewWriter(bm, df, 0, 450)
	require.NoError(t, err)
	require.NoError(t, w.WriteVarString65535(longStr))
	require.NoError(t, w.WriteVarString255("short"))
	require.NoError(t, w.Close())
	require.NoError(t, bm.WriteAll(true))

	r, err := NewReader(bm, df, 0, 450)
	require.NoError(t, err)
	gotLong, err := r.ReadVarString65535()
	require.NoError(t, err)
	require.Equal(t, longStr, gotLong)

	gotShort, err := r.ReadVarString255()
	require.NoError(t, err)
	require.Equal(t, "short", gotShort)
	require.NoError(t, r.Close())
}

func TestReaderPastEndOfFileErrors(t *testing.T) {
	bm, df := newTestFile(t, 1)

	r, err := NewReader(bm, df, 0, 508)
	require.NoError(t, err)
	_, err = r.ReadLong()
	require.Error(t, err)
	require.NoError(t, r.Close())
}

func TestAppendWriterExtendsFile(t *testing.T) {
	bm, df := newTestFile(t, 1)
	before := df.NumPages()

	w, err := NewAppendWriter(bm, df)
	require.NoError(t, err)
	w.SeekInPage(508)
	require.NoError(t, w.WriteLong(99))
	require.NoError(t, w.Close())
	require.NoError(t, bm.WriteAll(true))

	require.Greater(t, df.NumPages(), before)
}

package txn

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nanodb-go/nanodb/internal/buffer"
	"github.com/nanodb-go/nanodb/internal/dbfile"
	"github.com/nanodb-go/nanodb/internal/lsn"
	"github.com/nanodb-go/nanodb/internal/wal"
)

// fileResolver is the test double for the facade-layer FileResolver: it
// keeps every opened DBFile around and hands back the same pointer on
// repeat lookups, the same way a real table catalog would.
type fileResolver struct {
	dir    string
	pageSz int
	opened map[string]*dbfile.DBFile
}

func newFileResolver(dir string, pageSz int) *fileResolver {
	return &fileResolver{dir: dir, pageSz: pageSz, opened: make(map[string]*dbfile.DBFile)}
}

func (r *fileResolver) ResolveFile(filename string) (*dbfile.DBFile, error) {
	if df, ok := r.opened[filename]; ok {
		return df, nil
	}
	df, err := dbfile.OpenOrCreate(filename, dbfile.TypeHeap, r.pageSz)
	if err != nil {
		return nil, err
	}
	r.opened[filename] = df
	return df, nil
}

func (r *fileResolver) closeAll() {
	for _, df := range r.opened {
		_ = df.Close()
	}
}

const testPageSize = 512

type testEnv struct {
	dir      string
	bm       *buffer.Manager
	resolver *fileResolver
	mgr      *Manager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	bm := buffer.NewManager(16)

	w, err := wal.Open(filepath.Join(dir, "log"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	mgr, err := Open(filepath.Join(dir, "txn.state"), w, bm)
	require.NoError(t, err)

	resolver := newFileResolver(dir, testPageSize)
	mgr.SetFileResolver(resolver)
	t.Cleanup(resolver.closeAll)

	return &testEnv{dir: dir, bm: bm, resolver: resolver, mgr: mgr}
}

func (e *testEnv) dataFile(t *testing.T, name string) *dbfile.DBFile {
	t.Helper()
	df, err := e.resolver.ResolveFile(filepath.Join(e.dir, name))
	require.NoError(t, err)
	return df
}

func writeAt(t *testing.T, bm *buffer.Manager, df *dbfile.DBFile, pageNo uint32, off int, b []byte) {
	t.Helper()
	page, err := bm.Pin(df, pageNo)
	require.NoError(t, err)
	copy(page.Data[off:], b)
	require.NoError(t, bm.Unpin(page, true))
}

func readAt(t *testing.T, bm *buffer.Manager, df *dbfile.DBFile, pageNo uint32, off, n int) []byte {
	t.Helper()
	page, err := bm.Pin(df, pageNo)
	require.NoError(t, err)
	out := make([]byte, n)
	copy(out, page.Data[off:off+n])
	require.NoError(t, bm.Unpin(page, false))
	return out
}

func TestBeginWriteCommitPersistsChange(t *testing.T) {
	e := newTestEnv(t)
	df := e.dataFile(t, "a.heap")

	txn := e.mgr.Begin()
	page, err := e.bm.Pin(df, 1)
	require.NoError(t, err)
	copy(page.Data[10:], []byte("hello"))
	require.NoError(t, e.bm.Unpin(page, true))
	require.NoError(t, txn.WriteUpdatePageRecord(page))
	require.NoError(t, txn.Commit())
	require.True(t, txn.Done())

	require.Equal(t, []byte("hello"), readAt(t, e.bm, df, 1, 10, 5))
}

func TestRollbackRestoresOriginalBytes(t *testing.T) {
	e := newTestEnv(t)
	df := e.dataFile(t, "a.heap")

	writeAt(t, e.bm, df, 1, 10, []byte("AAAAA"))
	require.NoError(t, e.bm.WriteAll(true))

	txn := e.mgr.Begin()
	page, err := e.bm.Pin(df, 1)
	require.NoError(t, err)
	copy(page.Data[10:], []byte("BBBBB"))
	require.NoError(t, e.bm.Unpin(page, true))
	require.NoError(t, txn.WriteUpdatePageRecord(page))

	require.NoError(t, txn.Rollback())
	require.True(t, txn.Done())

	require.Equal(t, []byte("AAAAA"), readAt(t, e.bm, df, 1, 10, 5))
}

func TestCommitOnUnmodifiedTxnIsNoop(t *testing.T) {
	e := newTestEnv(t)

	txn := e.mgr.Begin()
	require.NoError(t, txn.Commit())
	require.True(t, txn.Done())
}

func TestWriteUpdatePageRecordRejectsCleanPage(t *testing.T) {
	e := newTestEnv(t)
	df := e.dataFile(t, "a.heap")

	txn := e.mgr.Begin()
	page, err := e.bm.Pin(df, 1)
	require.NoError(t, err)
	require.NoError(t, e.bm.Unpin(page, false))

	err = txn.WriteUpdatePageRecord(page)
	require.ErrorIs(t, err, ErrPageNotDirty)
}

func TestRecoverIsNoopWhenFirstEqualsNext(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, e.mgr.Recover())
}

func TestRecoverUndoesIncompleteTransaction(t *testing.T) {
	dir := t.TempDir()
	bm := buffer.NewManager(16)
	w, err := wal.Open(filepath.Join(dir, "log"))
	require.NoError(t, err)

	mgr, err := Open(filepath.Join(dir, "txn.state"), w, bm)
	require.NoError(t, err)
	resolver := newFileResolver(dir, testPageSize)
	mgr.SetFileResolver(resolver)

	df, err := resolver.ResolveFile(filepath.Join(dir, "a.heap"))
	require.NoError(t, err)
	writeAt(t, bm, df, 1, 10, []byte("AAAAA"))
	require.NoError(t, bm.WriteAll(true))

	txn := mgr.Begin()
	page, err := bm.Pin(df, 1)
	require.NoError(t, err)
	copy(page.Data[10:], []byte("BBBBB"))
	require.NoError(t, bm.Unpin(page, true))
	require.NoError(t, txn.WriteUpdatePageRecord(page))
	require.NoError(t, mgr.ForceWAL(txn.lastLSN))
	// Simulate a crash: the dirty page is never flushed, and neither
	// Commit nor Rollback is ever called, so on-disk "a.heap" still
	// holds AAAAA while the WAL records the BBBBB update.

	require.NoError(t, w.Close())
	resolver.closeAll()

	// Reopen everything from durable state and recover.
	bm2 := buffer.NewManager(16)
	w2, err := wal.Open(filepath.Join(dir, "log"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = w2.Close() })

	mgr2, err := Open(filepath.Join(dir, "txn.state"), w2, bm2)
	require.NoError(t, err)
	resolver2 := newFileResolver(dir, testPageSize)
	mgr2.SetFileResolver(resolver2)
	t.Cleanup(resolver2.closeAll)

	require.NoError(t, mgr2.Recover())

	df2, err := resolver2.ResolveFile(filepath.Join(dir, "a.heap"))
	require.NoError(t, err)
	require.Equal(t, []byte("AAAAA"), readAt(t, bm2, df2, 1, 10, 5))
}

// TestRecoverResumesInterruptedRollback simulates a crash halfway through
// a rollback: the update is already undone and its CLR logged, but the
// ABORT_TXN never made it. Recovery must finish the rollback without
// re-undoing the compensated change.
func TestRecoverResumesInterruptedRollback(t *testing.T) {
	dir := t.TempDir()
	bm := buffer.NewManager(16)
	w, err := wal.Open(filepath.Join(dir, "log"))
	require.NoError(t, err)

	mgr, err := Open(filepath.Join(dir, "txn.state"), w, bm)
	require.NoError(t, err)
	resolver := newFileResolver(dir, testPageSize)
	mgr.SetFileResolver(resolver)

	df, err := resolver.ResolveFile(filepath.Join(dir, "a.heap"))
	require.NoError(t, err)
	writeAt(t, bm, df, 1, 10, []byte("AAAAA"))
	require.NoError(t, bm.WriteAll(true))

	txn := mgr.Begin()
	page, err := bm.Pin(df, 1)
	require.NoError(t, err)
	copy(page.Data[10:], []byte("BBBBB"))
	require.NoError(t, bm.Unpin(page, true))
	require.NoError(t, txn.WriteUpdatePageRecord(page))

	// Hand-roll the first half of a rollback, then "crash" before the
	// abort record: undo the update in place and log its CLR.
	rec, err := w.ReadAt(txn.lastLSN)
	require.NoError(t, err)
	page, err = bm.Pin(df, 1)
	require.NoError(t, err)
	applySegments(page, rec.Segments, true)
	clrSegs := make([]wal.Segment, len(rec.Segments))
	for i, s := range rec.Segments {
		clrSegs[i] = wal.Segment{StartIdx: s.StartIdx, New: s.Old}
	}
	clrLSN, err := w.AppendCLR(txn.id, rec.PrevLSN, rec.Filename, rec.PageNo, clrSegs)
	require.NoError(t, err)
	page.PageLSN = clrLSN
	copy(page.OldData, page.Data)
	require.NoError(t, bm.Unpin(page, true))
	require.NoError(t, mgr.ForceWAL(clrLSN))

	require.NoError(t, w.Close())
	resolver.closeAll()

	bm2 := buffer.NewManager(16)
	w2, err := wal.Open(filepath.Join(dir, "log"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = w2.Close() })

	mgr2, err := Open(filepath.Join(dir, "txn.state"), w2, bm2)
	require.NoError(t, err)
	resolver2 := newFileResolver(dir, testPageSize)
	mgr2.SetFileResolver(resolver2)
	t.Cleanup(resolver2.closeAll)

	require.NoError(t, mgr2.Recover())

	df2, err := resolver2.ResolveFile(filepath.Join(dir, "a.heap"))
	require.NoError(t, err)
	require.Equal(t, []byte("AAAAA"), readAt(t, bm2, df2, 1, 10, 5))
}

func TestStateSectorRoundTrip(t *testing.T) {
	first := lsn.LSN{FileNo: 1, Offset: 4242}
	next := lsn.LSN{FileNo: 3, Offset: 6}
	b := encodeState(99, first, next)
	require.Len(t, b, stateSectorSize)

	id, gotFirst, gotNext := decodeState(b)
	require.Equal(t, uint32(99), id)
	require.Equal(t, first, gotFirst)
	require.Equal(t, next, gotNext)
}

func TestFreshStateNormalizesToFirstRecordOffset(t *testing.T) {
	e := newTestEnv(t)
	require.Equal(t, lsn.LSN{FileNo: 0, Offset: lsn.OffsetFirstRecord}, e.mgr.firstLSN)
	require.Equal(t, e.mgr.firstLSN, e.mgr.nextLSN)
}

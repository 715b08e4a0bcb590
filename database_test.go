package nanodb

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nanodb-go/nanodb/internal/config"
	"github.com/nanodb-go/nanodb/internal/heap"
	"github.com/nanodb-go/nanodb/internal/record"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.DataDir = t.TempDir()
	cfg.Storage.PageSize = 512
	cfg.Storage.BufferCapacity = 32
	return cfg
}

func demoSchema() record.Schema {
	return record.Schema{Cols: []record.Column{
		{Name: "id", Type: record.ColInt64},
		{Name: "name", Type: record.ColText},
	}}
}

func scanAll(t *testing.T, tbl *heap.Table) [][]any {
	t.Helper()
	var rows [][]any
	require.NoError(t, tbl.Scan(func(_ heap.TID, row []any) error {
		rows = append(rows, row)
		return nil
	}))
	return rows
}

func TestInsertDeleteCommitScan(t *testing.T) {
	cfg := testConfig(t)
	db, err := Open(cfg)
	require.NoError(t, err)
	defer db.Close()

	tbl, err := db.CreateTable("t", demoSchema())
	require.NoError(t, err)

	sess := db.NewSession()
	sess.Begin()
	sess.Bind(tbl)

	id1, err := tbl.Insert([]any{int64(1), "one"})
	require.NoError(t, err)
	_, err = tbl.Insert([]any{int64(2), "two"})
	require.NoError(t, err)
	require.NoError(t, tbl.Delete(id1))
	require.NoError(t, sess.Commit())

	rows := scanAll(t, tbl)
	require.Equal(t, [][]any{{int64(2), "two"}}, rows)
}

func TestRollbackUndoesInserts(t *testing.T) {
	cfg := testConfig(t)
	db, err := Open(cfg)
	require.NoError(t, err)
	defer db.Close()

	tbl, err := db.CreateTable("t", demoSchema())
	require.NoError(t, err)

	sess := db.NewSession()
	sess.Begin()
	sess.Bind(tbl)
	_, err = tbl.Insert([]any{int64(1), "one"})
	require.NoError(t, err)
	_, err = tbl.Insert([]any{int64(2), "two"})
	require.NoError(t, err)
	require.NoError(t, sess.Rollback())

	require.Empty(t, scanAll(t, tbl))

	// The session must be reusable after a rollback.
	sess.Begin()
	sess.Bind(tbl)
	_, err = tbl.Insert([]any{int64(3), "three"})
	require.NoError(t, err)
	require.NoError(t, sess.Commit())
	require.Equal(t, [][]any{{int64(3), "three"}}, scanAll(t, tbl))
}

// TestUncommittedWorkRolledBackOnReopen drops a database mid-transaction
// (no Close, no Commit) and reopens over the same directory: recovery
// must leave the table empty.
func TestUncommittedWorkRolledBackOnReopen(t *testing.T) {
	cfg := testConfig(t)
	db, err := Open(cfg)
	require.NoError(t, err)

	tbl, err := db.CreateTable("t", demoSchema())
	require.NoError(t, err)

	sess := db.NewSession()
	sess.Begin()
	sess.Bind(tbl)
	_, err = tbl.Insert([]any{int64(42), "hello"})
	require.NoError(t, err)
	// Crash: abandon db without commit or clean close.

	db2, err := Open(cfg)
	require.NoError(t, err)
	defer db2.Close()

	tbl2, err := db2.OpenTable("t")
	require.NoError(t, err)
	require.Empty(t, scanAll(t, tbl2))
}

// TestCommittedWorkSurvivesReopen commits, then abandons the database
// without a clean close: recovery must redo the committed insert.
func TestCommittedWorkSurvivesReopen(t *testing.T) {
	cfg := testConfig(t)
	db, err := Open(cfg)
	require.NoError(t, err)

	tbl, err := db.CreateTable("t", demoSchema())
	require.NoError(t, err)

	sess := db.NewSession()
	sess.Begin()
	sess.Bind(tbl)
	_, err = tbl.Insert([]any{int64(42), "hello"})
	require.NoError(t, err)
	require.NoError(t, sess.Commit())
	// Crash: abandon db without a clean close.

	db2, err := Open(cfg)
	require.NoError(t, err)
	defer db2.Close()

	tbl2, err := db2.OpenTable("t")
	require.NoError(t, err)
	require.Equal(t, [][]any{{int64(42), "hello"}}, scanAll(t, tbl2))
}

func TestWritesAfterCommitAreNotLoggedUnderOldTxn(t *testing.T) {
	cfg := testConfig(t)
	db, err := Open(cfg)
	require.NoError(t, err)
	defer db.Close()

	tbl, err := db.CreateTable("t", demoSchema())
	require.NoError(t, err)

	sess := db.NewSession()
	sess.Begin()
	sess.Bind(tbl)
	_, err = tbl.Insert([]any{int64(1), "one"})
	require.NoError(t, err)
	require.NoError(t, sess.Commit())

	// The table reverted to the no-op logger: unlogged writes still work.
	_, err = tbl.Insert([]any{int64(2), "two"})
	require.NoError(t, err)
	require.Len(t, scanAll(t, tbl), 2)
}

func TestSessionCommitWithoutBeginFails(t *testing.T) {
	cfg := testConfig(t)
	db, err := Open(cfg)
	require.NoError(t, err)
	defer db.Close()

	sess := db.NewSession()
	require.ErrorIs(t, sess.Commit(), ErrNoActiveTxn)
	require.ErrorIs(t, sess.Rollback(), ErrNoActiveTxn)
}

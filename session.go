package nanodb

import (
	"errors"

	"github.com/nanodb-go/nanodb/internal/heap"
	"github.com/nanodb-go/nanodb/internal/txn"
)

// ErrNoActiveTxn is returned by Commit/Rollback when Begin was never
// called, or was already consumed by a prior Commit/Rollback.
var ErrNoActiveTxn = errors.New("nanodb: session has no active transaction")

// Session is one logical connection's transaction state: at most one
// active writing transaction at a time. There is no global or
// thread-local current transaction; callers hold their *Session
// explicitly.
type Session struct {
	db    *Database
	txn   *txn.Txn
	bound []*heap.Table
}

// NewSession opens a fresh session against db with no active transaction.
func (db *Database) NewSession() *Session {
	return &Session{db: db}
}

// Begin starts a new transaction for this session. It does not yet write
// a START_TXN record; that happens lazily on the first modifying
// operation.
func (s *Session) Begin() {
	s.txn = s.db.txm.Begin()
}

// InTxn reports whether this session currently has a live transaction.
func (s *Session) InTxn() bool {
	return s.txn != nil && !s.txn.Done()
}

// Commit commits the session's active transaction, synchronously forcing
// the WAL through the commit record before returning. Tables bound to
// the transaction revert to unlogged writes.
func (s *Session) Commit() error {
	if !s.InTxn() {
		return ErrNoActiveTxn
	}
	err := s.txn.Commit()
	s.release()
	return err
}

// Rollback undoes every change the session's active transaction made,
// walking its record chain backward and emitting compensation records,
// then an ABORT_TXN. Tables bound to the transaction revert to unlogged
// writes.
func (s *Session) Rollback() error {
	if !s.InTxn() {
		return ErrNoActiveTxn
	}
	err := s.txn.Rollback()
	s.release()
	return err
}

// release detaches the finished transaction from every table it was
// bound to; a done transaction must never receive further log calls.
func (s *Session) release() {
	for _, tbl := range s.bound {
		tbl.SetLogger(nil)
	}
	s.bound = s.bound[:0]
	s.txn = nil
}

// Bind attaches this session's active transaction as tbl's write-logging
// callback (the "page-write logging callback" the heap exposes), so every
// Insert/Update/Delete through tbl is WAL-logged under this session's
// transaction. With no active transaction, tbl reverts to its no-op
// logger and writes through it are not crash-recoverable.
func (s *Session) Bind(tbl *heap.Table) *heap.Table {
	if s.InTxn() {
		tbl.SetLogger(s.txn)
		s.bound = append(s.bound, tbl)
	} else {
		tbl.SetLogger(nil)
	}
	return tbl
}

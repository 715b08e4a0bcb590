package txn

import (
	"fmt"

	"github.com/nanodb-go/nanodb/internal/buffer"
	"github.com/nanodb-go/nanodb/internal/lsn"
	"github.com/nanodb-go/nanodb/internal/wal"
)

// Txn is a single writing transaction's state: its assigned id and the
// prevLSN chain of every record it has written so far. Sessions hold
// their own *Txn explicitly; there is no thread-local or global current
// transaction.
type Txn struct {
	id  uint32
	mgr *Manager

	lastLSN     lsn.LSN
	loggedStart bool
	done        bool
}

func (t *Txn) ID() uint32 { return t.id }

// Done reports whether this transaction has already committed or
// rolled back.
func (t *Txn) Done() bool { return t.done }

func (t *Txn) ensureStarted() error {
	if t.loggedStart {
		return nil
	}
	l, err := t.mgr.wal.AppendStartTxn(t.id)
	if err != nil {
		return fmt.Errorf("txn: log start: %w", err)
	}
	t.lastLSN = l
	t.loggedStart = true
	return nil
}

// WriteUpdatePageRecord logs the physical diff between page's
// last-synced image (OldData) and its current dirty content, then
// advances the page's pageLSN and resyncs OldData so the next call sees
// a clean baseline. page must already be marked Dirty by the caller.
func (t *Txn) WriteUpdatePageRecord(page *buffer.Page) error {
	if t.done {
		return ErrTxnDone
	}
	if !page.Dirty {
		return ErrPageNotDirty
	}
	if err := t.ensureStarted(); err != nil {
		return err
	}

	segs := wal.DiffSegments(page.OldData, page.Data)
	if len(segs) == 0 {
		return nil
	}

	l, err := t.mgr.wal.AppendUpdatePage(t.id, t.lastLSN, page.File.Path(), uint16(page.PageNo), segs)
	if err != nil {
		return fmt.Errorf("txn: log update for %s page %d: %w", page.File.Path(), page.PageNo, err)
	}
	page.PageLSN = l
	copy(page.OldData, page.Data)
	t.lastLSN = l
	return nil
}

// Commit emits COMMIT_TXN and synchronously forces the WAL through it.
func (t *Txn) Commit() error {
	if t.done {
		return ErrTxnDone
	}
	if err := t.ensureStarted(); err != nil {
		return err
	}
	l, err := t.mgr.wal.AppendCommit(t.id, t.lastLSN)
	if err != nil {
		return fmt.Errorf("txn: log commit: %w", err)
	}
	t.lastLSN = l
	if err := t.mgr.ForceWAL(l); err != nil {
		return err
	}
	t.done = true
	t.mgr.forget(t.id)
	return nil
}

// Rollback walks this transaction's chain backward from lastLSN,
// undoing each UPDATE_PAGE by applying its oldBytes and emitting a
// redo-only compensation record (CLR), then emits ABORT_TXN. A record
// found along the way whose txnId doesn't match is fatal corruption.
func (t *Txn) Rollback() error {
	if t.done {
		return ErrTxnDone
	}
	if t.loggedStart {
		if err := t.undoChain(); err != nil {
			return err
		}
	}
	l, err := t.mgr.wal.AppendAbort(t.id, t.lastLSN)
	if err != nil {
		return fmt.Errorf("txn: log abort: %w", err)
	}
	t.lastLSN = l
	if err := t.mgr.ForceWAL(l); err != nil {
		return err
	}
	t.done = true
	t.mgr.forget(t.id)
	return nil
}

func (t *Txn) undoChain() error {
	cur := t.lastLSN
	for {
		rec, err := t.mgr.wal.ReadAt(cur)
		if err != nil {
			return fmt.Errorf("txn: read %v during rollback: %w", cur, err)
		}
		if rec.TxnID != t.id {
			return fmt.Errorf("%w: txn %d hit record for txn %d at %v", ErrTxnMismatch, t.id, rec.TxnID, cur)
		}

		switch rec.Type {
		case wal.RecStartTxn:
			return nil

		case wal.RecUpdatePage:
			page, err := t.mgr.loadPage(rec.Filename, rec.PageNo)
			if err != nil {
				return err
			}
			applySegments(page, rec.Segments, true)
			clrSegs := make([]wal.Segment, len(rec.Segments))
			for i, s := range rec.Segments {
				clrSegs[i] = wal.Segment{StartIdx: s.StartIdx, New: s.Old}
			}
			clrLSN, err := t.mgr.wal.AppendCLR(t.id, rec.PrevLSN, rec.Filename, rec.PageNo, clrSegs)
			if err != nil {
				_ = t.mgr.bm.Unpin(page, true)
				return fmt.Errorf("txn: log CLR: %w", err)
			}
			page.PageLSN = clrLSN
			copy(page.OldData, page.Data)
			if err := t.mgr.bm.Unpin(page, true); err != nil {
				return err
			}
			t.lastLSN = clrLSN
			cur = rec.PrevLSN

		case wal.RecUpdatePageRedoOnly:
			// A CLR from an interrupted earlier rollback: the change it
			// describes is already undone. Its prevLSN was set to the
			// undone record's own prevLSN, so following it resumes the
			// walk without re-undoing anything.
			cur = rec.PrevLSN

		default:
			return fmt.Errorf("%w: type %d at %v", ErrUnexpectedEntry, rec.Type, cur)
		}
	}
}

package txn

import (
	"fmt"
	"log/slog"

	"github.com/nanodb-go/nanodb/internal/lsn"
	"github.com/nanodb-go/nanodb/internal/wal"
)

type txnProgress struct {
	lastLSN lsn.LSN
	active  bool
}

// Recover drives startup recovery: a no-op if
// firstLSN == nextLSN, otherwise a full forward redo pass (which also
// discovers which transactions never reached COMMIT_TXN/ABORT_TXN)
// followed by rolling each of those back, then a final forceWAL +
// writeAll(sync=true) before firstLSN is advanced to nextLSN — the only
// place firstLSN moves in this design.
func (m *Manager) Recover() error {
	m.mu.Lock()
	firstLSN, nextLSN := m.firstLSN, m.nextLSN
	m.mu.Unlock()

	if firstLSN == nextLSN {
		slog.Info("recovery: log is clean, nothing to do", "firstLSN", firstLSN)
		return nil
	}

	slog.Info("recovery: starting redo pass", "firstLSN", firstLSN, "nextLSN", nextLSN)
	txns := make(map[uint32]*txnProgress)
	var redone int

	err := m.wal.ScanForward(firstLSN, func(rec wal.Record, at lsn.LSN) error {
		switch rec.Type {
		case wal.RecStartTxn:
			txns[rec.TxnID] = &txnProgress{lastLSN: at, active: true}

		case wal.RecUpdatePage, wal.RecUpdatePageRedoOnly:
			page, err := m.loadPage(rec.Filename, rec.PageNo)
			if err != nil {
				return err
			}
			applySegments(page, rec.Segments, false)
			page.PageLSN = at
			copy(page.OldData, page.Data)
			if err := m.bm.Unpin(page, true); err != nil {
				return err
			}
			if p, ok := txns[rec.TxnID]; ok {
				p.lastLSN = at
			}
			redone++

		case wal.RecCommitTxn, wal.RecAbortTxn:
			if p, ok := txns[rec.TxnID]; ok {
				p.active = false
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("txn: redo pass: %w", err)
	}

	var undone int
	for id, p := range txns {
		if !p.active {
			continue
		}
		t := &Txn{id: id, mgr: m, lastLSN: p.lastLSN, loggedStart: true}
		if err := t.Rollback(); err != nil {
			return fmt.Errorf("txn: undo txn %d: %w", id, err)
		}
		undone++
	}
	slog.Info("recovery: redo and undo complete", "updatesRedone", redone, "txnsRolledBack", undone)

	m.mu.Lock()
	if err := m.forceWALLocked(m.nextLSN); err != nil {
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	if err := m.bm.WriteAll(true); err != nil {
		return fmt.Errorf("txn: writeAll after recovery: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.firstLSN = m.nextLSN
	return m.persistStateLocked()
}

// Package txn implements the transaction manager and recovery driver:
// lazy START_TXN emission, the two-phase
// forceWAL procedure that is the buffer manager's sole chokepoint before
// a dirty page leaves memory, commit/rollback, and startup recovery
// driven entirely by the persisted txn-state sector's firstLSN/nextLSN.
package txn

import (
	"errors"
	"fmt"
	"sync"

	"github.com/nanodb-go/nanodb/internal/buffer"
	"github.com/nanodb-go/nanodb/internal/dbfile"
	"github.com/nanodb-go/nanodb/internal/lsn"
	"github.com/nanodb-go/nanodb/internal/wal"
)

var (
	// ErrTxnMismatch signals fatal log corruption: a record encountered
	// while walking a transaction's chain belongs to a different
	// transaction.
	ErrTxnMismatch = errors.New("txn: record txnId does not match the transaction being walked")

	ErrPageNotDirty    = errors.New("txn: writeUpdatePageRecord called on a clean page")
	ErrTxnDone         = errors.New("txn: transaction already committed or rolled back")
	ErrNoFileResolver  = errors.New("txn: no FileResolver installed")
	ErrUnexpectedEntry = errors.New("txn: unexpected record type while walking a transaction chain")
)

// FileResolver opens (or returns an already-open) DBFile for the path
// named in a WAL record's filename field. The txn package has no notion
// of tables, B-trees, or catalogs, so recovery and rollback both reach
// back into the facade layer for this instead of opening files directly.
type FileResolver interface {
	ResolveFile(filename string) (*dbfile.DBFile, error)
}

type noopResolver struct{}

func (noopResolver) ResolveFile(string) (*dbfile.DBFile, error) { return nil, ErrNoFileResolver }

// Manager owns the txn-state sector, the active-transaction table, and
// the single WAL-forcing chokepoint (buffer.WALForcer).
type Manager struct {
	mu sync.Mutex

	wal   *wal.Manager
	bm    *buffer.Manager
	state *dbfile.DBFile

	resolver FileResolver

	lastTxnID uint32
	firstLSN  lsn.LSN
	nextLSN   lsn.LSN

	active map[uint32]*Txn
}

// Open opens (or creates) the txn-state sector at statePath, reads the
// persisted nextTxnId/firstLSN/nextLSN, and installs itself as the
// buffer manager's WAL-forcing chokepoint.
func Open(statePath string, w *wal.Manager, bm *buffer.Manager) (*Manager, error) {
	df, err := dbfile.OpenOrCreate(statePath, dbfile.TypeTxnState, stateSectorSize)
	if err != nil {
		return nil, fmt.Errorf("txn: open state file: %w", err)
	}
	buf, err := df.LoadPage(0, false)
	if err != nil {
		return nil, fmt.Errorf("txn: read state sector: %w", err)
	}
	lastTxnID, firstLSN, nextLSN := decodeState(buf)
	// A fresh state sector decodes both LSNs as zero; records start at
	// OffsetFirstRecord, so normalize before anything scans from firstLSN.
	firstLSN = normalizeLSN(firstLSN)
	nextLSN = normalizeLSN(nextLSN)

	m := &Manager{
		wal: w, bm: bm, state: df, resolver: noopResolver{},
		lastTxnID: lastTxnID, firstLSN: firstLSN, nextLSN: nextLSN,
		active: make(map[uint32]*Txn),
	}
	bm.SetForcer(m)
	return m, nil
}

// SetFileResolver installs the callback recovery and rollback use to
// reach the right DBFile for a WAL record's filename field.
func (m *Manager) SetFileResolver(r FileResolver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r == nil {
		r = noopResolver{}
	}
	m.resolver = r
}

func (m *Manager) persistStateLocked() error {
	buf := encodeState(m.lastTxnID, m.firstLSN, m.nextLSN)
	if err := m.state.SavePage(0, buf); err != nil {
		return fmt.Errorf("txn: write state sector: %w", err)
	}
	return m.state.Sync()
}

// Begin assigns a new txnId. No START_TXN record is emitted yet; that
// happens lazily on the transaction's first modifying operation.
func (m *Manager) Begin() *Txn {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastTxnID++
	t := &Txn{id: m.lastTxnID, mgr: m}
	m.active[t.id] = t
	return t
}

func (m *Manager) forget(id uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, id)
}

func normalizeLSN(l lsn.LSN) lsn.LSN {
	if l.IsZero() {
		return lsn.LSN{FileNo: 0, Offset: lsn.OffsetFirstRecord}
	}
	return l
}

// forceWALLocked is the two-phase log force: fsync WAL bytes through
// upTo, then atomically rewrite the txn-state sector so its nextLSN
// reflects the durable point. Force returns the log's append position —
// everything before it is durable after the sync — and that position,
// not upTo itself, becomes nextLSN, so nextLSN is always the start of
// the next record to be written. Caller holds m.mu.
func (m *Manager) forceWALLocked(upTo lsn.LSN) error {
	durable, err := m.wal.Force(upTo)
	if err != nil {
		return fmt.Errorf("txn: force WAL: %w", err)
	}
	if m.nextLSN.Less(durable) {
		m.nextLSN = durable
	}
	return m.persistStateLocked()
}

// ForceWAL is forceWAL's public entry point.
func (m *Manager) ForceWAL(upTo lsn.LSN) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.forceWALLocked(upTo)
}

// BeforeWriteDirtyPages implements buffer.WALForcer: the single
// chokepoint the buffer manager calls before any dirty page leaves
// memory (eviction or WriteAll), forcing the log through the highest
// pageLSN among the pages about to be written.
func (m *Manager) BeforeWriteDirtyPages(pages []*buffer.Page) error {
	if len(pages) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	maxLSN := pages[0].PageLSN
	for _, p := range pages[1:] {
		maxLSN = lsn.Max(maxLSN, p.PageLSN)
	}
	return m.forceWALLocked(maxLSN)
}

func (m *Manager) loadPage(filename string, pageNo uint16) (*buffer.Page, error) {
	m.mu.Lock()
	resolver := m.resolver
	m.mu.Unlock()

	df, err := resolver.ResolveFile(filename)
	if err != nil {
		return nil, fmt.Errorf("txn: resolve file %s: %w", filename, err)
	}
	return m.bm.Pin(df, uint32(pageNo))
}

func applySegments(page *buffer.Page, segs []wal.Segment, useOld bool) {
	for _, s := range segs {
		src := s.New
		if useOld {
			src = s.Old
		}
		copy(page.Data[s.StartIdx:], src)
	}
}

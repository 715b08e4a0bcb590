package wal

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/nanodb-go/nanodb/internal/bx"
	"github.com/nanodb-go/nanodb/internal/dbfile"
	"github.com/nanodb-go/nanodb/internal/lsn"
)

const walPageSize = 4096

func segmentName(fileNo uint16) string {
	return fmt.Sprintf("wal-%05d.log", fileNo)
}

// Manager is the write-ahead log: a sequence of fixed-page-size DBFiles
// (one per lsn.LSN.FileNo), appended to sequentially and read either
// forward (redo) or by direct record lookup (undo, following each
// record's prevLSN).
//
// The WAL does its page I/O directly on its segment DBFiles rather than
// through the shared buffer pool. The buffer pool's flush path calls back
// into the transaction manager, which calls Force here; routing WAL pages
// through that same pool would make Force re-enter the pool lock it was
// called under. Appends serialize on mu; reads of strictly-earlier,
// already-written offsets need no lock because those bytes are immutable.
type Manager struct {
	mu sync.Mutex

	dir         string
	maxFileSize uint32

	files map[uint16]*dbfile.DBFile

	curFileNo  uint16
	nextOffset uint32 // next append position within curFileNo
}

// Open opens (or creates) the WAL in dir, resuming at the end of the
// last well-formed record found by a forward scan of the newest segment.
func Open(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: create dir %s: %w", dir, err)
	}

	m := &Manager{dir: dir, maxFileSize: lsn.MaxWALFileSize, files: make(map[uint16]*dbfile.DBFile)}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("wal: list %s: %w", dir, err)
	}
	var fileNos []uint16
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "wal-") || !strings.HasSuffix(name, ".log") {
			continue
		}
		numStr := strings.TrimSuffix(strings.TrimPrefix(name, "wal-"), ".log")
		n, err := strconv.Atoi(numStr)
		if err != nil {
			continue
		}
		fileNos = append(fileNos, uint16(n))
	}

	if len(fileNos) == 0 {
		df, err := dbfile.Create(filepath.Join(dir, segmentName(0)), dbfile.TypeWAL, walPageSize)
		if err != nil {
			return nil, fmt.Errorf("wal: create first segment: %w", err)
		}
		if err := m.writePrevEndHeader(df, 0); err != nil {
			return nil, err
		}
		m.files[0] = df
		m.curFileNo = 0
		m.nextOffset = lsn.OffsetFirstRecord
		return m, nil
	}

	sort.Slice(fileNos, func(i, j int) bool { return fileNos[i] < fileNos[j] })
	m.curFileNo = fileNos[len(fileNos)-1]
	for _, n := range fileNos {
		df, err := dbfile.Open(filepath.Join(dir, segmentName(n)))
		if err != nil {
			return nil, fmt.Errorf("wal: open segment %d: %w", n, err)
		}
		m.files[n] = df
	}

	end, err := m.scanToEnd(m.curFileNo)
	if err != nil {
		return nil, err
	}
	m.nextOffset = end
	return m, nil
}

// SetMaxFileSize overrides the per-segment byte limit before the next
// append decides whether to roll over. The 10 MiB default comes from
// lsn.MaxWALFileSize; tests and config may shrink it.
func (m *Manager) SetMaxFileSize(n uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n > lsn.OffsetFirstRecord {
		m.maxFileSize = n
	}
}

func (m *Manager) writePrevEndHeader(df *dbfile.DBFile, prevEnd uint32) error {
	b := make([]byte, 4)
	bx.PutU32(b, prevEnd)
	return writeBytes(df, 2, b)
}

// scanToEnd forward-scans fileNo from OffsetFirstRecord, stopping at the
// first offset that doesn't hold a well-formed record (end of log or a
// torn write left by a crash mid-append), and returns that offset.
func (m *Manager) scanToEnd(fileNo uint16) (uint32, error) {
	df := m.files[fileNo]
	off := uint32(lsn.OffsetFirstRecord)
	limit := df.NumPages() * uint32(df.PageSize())
	for {
		if off >= limit {
			return off, nil
		}
		_, n, err := decodeForwardAt(df, off)
		if err != nil {
			return off, nil
		}
		off += uint32(n)
	}
}

func (m *Manager) fileFor(fileNo uint16) (*dbfile.DBFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fileForLocked(fileNo)
}

func (m *Manager) fileForLocked(fileNo uint16) (*dbfile.DBFile, error) {
	if df, ok := m.files[fileNo]; ok {
		return df, nil
	}
	df, err := dbfile.Open(filepath.Join(m.dir, segmentName(fileNo)))
	if err != nil {
		return nil, err
	}
	m.files[fileNo] = df
	return df, nil
}

// writeBytes/readBytes treat a segment DBFile as a flat byte stream,
// doing block-aligned read-modify-write directly against the file.
func writeBytes(df *dbfile.DBFile, absOffset uint32, data []byte) error {
	pageSize := df.PageSize()
	off := int(absOffset)
	written := 0
	for written < len(data) {
		pageNo := uint32(off / pageSize)
		inPage := off % pageSize
		buf, err := df.LoadPage(pageNo, true)
		if err != nil {
			return err
		}
		n := copy(buf[inPage:], data[written:])
		if err := df.SavePage(pageNo, buf); err != nil {
			return err
		}
		written += n
		off += n
	}
	return nil
}

func readBytes(df *dbfile.DBFile, absOffset uint32, n int) ([]byte, error) {
	pageSize := df.PageSize()
	out := make([]byte, n)
	off := int(absOffset)
	got := 0
	for got < n {
		pageNo := uint32(off / pageSize)
		inPage := off % pageSize
		buf, err := df.LoadPage(pageNo, false)
		if err != nil {
			return nil, err
		}
		c := copy(out[got:], buf[inPage:])
		got += c
		off += c
	}
	return out, nil
}

// reserve decides whether the next record (of recordLen bytes) fits in
// the current file, rolling over to a fresh segment first if not. The
// old segment is fsynced before the new one accepts writes, so Force
// only ever has to sync the current segment. Returns the LSN the record
// will be written at. Caller holds m.mu.
func (m *Manager) reserve(recordLen int) (lsn.LSN, error) {
	cur := lsn.LSN{FileNo: m.curFileNo, Offset: m.nextOffset}
	if cur.Offset+uint32(recordLen) <= m.maxFileSize {
		return cur, nil
	}

	prevEnd := m.nextOffset
	if err := m.files[m.curFileNo].Sync(); err != nil {
		return lsn.LSN{}, fmt.Errorf("wal: sync segment %d before rollover: %w", m.curFileNo, err)
	}

	newFileNo := m.curFileNo + 1
	df, err := dbfile.Create(filepath.Join(m.dir, segmentName(newFileNo)), dbfile.TypeWAL, walPageSize)
	if err != nil {
		return lsn.LSN{}, fmt.Errorf("wal: roll to segment %d: %w", newFileNo, err)
	}
	if err := m.writePrevEndHeader(df, prevEnd); err != nil {
		return lsn.LSN{}, err
	}
	m.files[newFileNo] = df
	m.curFileNo = newFileNo
	m.nextOffset = lsn.OffsetFirstRecord
	slog.Debug("wal: rolled over to new segment", "fileNo", newFileNo, "prevEnd", prevEnd)
	return lsn.LSN{FileNo: newFileNo, Offset: lsn.OffsetFirstRecord}, nil
}

func (m *Manager) appendRaw(recordLen int, build func(recordLSN lsn.LSN) []byte) (lsn.LSN, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	recLSN, err := m.reserve(recordLen)
	if err != nil {
		return lsn.LSN{}, err
	}
	buf := build(recLSN)
	if len(buf) != recordLen {
		return lsn.LSN{}, fmt.Errorf("wal: encoded record length %d != reserved %d", len(buf), recordLen)
	}
	if err := writeBytes(m.files[recLSN.FileNo], recLSN.Offset, buf); err != nil {
		return lsn.LSN{}, err
	}
	m.nextOffset = recLSN.Offset + uint32(recordLen)
	return recLSN, nil
}

// AppendStartTxn appends a START_TXN record and returns its LSN.
func (m *Manager) AppendStartTxn(txnID uint32) (lsn.LSN, error) {
	return m.appendRaw(startTxnSize, func(lsn.LSN) []byte { return encodeStartTxn(txnID) })
}

// AppendCommit appends a COMMIT_TXN record.
func (m *Manager) AppendCommit(txnID uint32, prevLSN lsn.LSN) (lsn.LSN, error) {
	return m.appendRaw(commitAbortSize, func(lsn.LSN) []byte { return encodeCommitOrAbort(RecCommitTxn, txnID, prevLSN) })
}

// AppendAbort appends an ABORT_TXN record.
func (m *Manager) AppendAbort(txnID uint32, prevLSN lsn.LSN) (lsn.LSN, error) {
	return m.appendRaw(commitAbortSize, func(lsn.LSN) []byte { return encodeCommitOrAbort(RecAbortTxn, txnID, prevLSN) })
}

// AppendUpdatePage appends an UPDATE_PAGE record describing the physical
// diff between a page's before/after images.
func (m *Manager) AppendUpdatePage(txnID uint32, prevLSN lsn.LSN, filename string, pageNo uint16, segs []Segment) (lsn.LSN, error) {
	return m.appendUpdateLike(RecUpdatePage, txnID, prevLSN, filename, pageNo, segs)
}

// AppendCLR appends a compensation log record using the
// UPDATE_PAGE_REDO_ONLY tag. clrPrevLSN must be the ORIGINAL undone
// record's prevLSN (not the transaction's actual lastLSN) so a crash
// mid-rollback resumes the undo walk from the right place without
// re-undoing this record.
func (m *Manager) AppendCLR(txnID uint32, clrPrevLSN lsn.LSN, filename string, pageNo uint16, segs []Segment) (lsn.LSN, error) {
	return m.appendUpdateLike(RecUpdatePageRedoOnly, txnID, clrPrevLSN, filename, pageNo, segs)
}

func (m *Manager) appendUpdateLike(typ RecType, txnID uint32, prevLSN lsn.LSN, filename string, pageNo uint16, segs []Segment) (lsn.LSN, error) {
	// encodeUpdatePage's length doesn't depend on recordStartOffset's
	// value, only its fixed 4-byte width, so we can size the record
	// before knowing the LSN it will land at.
	probe, err := encodeUpdatePage(typ, txnID, prevLSN, filename, pageNo, segs, 0)
	if err != nil {
		return lsn.LSN{}, err
	}
	recordLen := len(probe)

	return m.appendRaw(recordLen, func(recLSN lsn.LSN) []byte {
		buf, err := encodeUpdatePage(typ, txnID, prevLSN, filename, pageNo, segs, recLSN.Offset)
		if err != nil {
			return nil
		}
		return buf
	})
}

// Force fsyncs every WAL byte appended so far and returns the append
// position, i.e. the exclusive upper bound of the now-durable record
// range. Segments before the current one were already synced at
// rollover, so syncing the current segment (plus, defensively, upto's
// if it differs) covers everything.
func (m *Manager) Force(upto lsn.LSN) (lsn.LSN, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if upto.FileNo != m.curFileNo {
		if df, ok := m.files[upto.FileNo]; ok {
			if err := df.Sync(); err != nil {
				return lsn.LSN{}, err
			}
		}
	}
	if df, ok := m.files[m.curFileNo]; ok {
		if err := df.Sync(); err != nil {
			return lsn.LSN{}, err
		}
	}
	return lsn.LSN{FileNo: m.curFileNo, Offset: m.nextOffset}, nil
}

// CurrentLSN returns the LSN the next append will use.
func (m *Manager) CurrentLSN() lsn.LSN {
	m.mu.Lock()
	defer m.mu.Unlock()
	return lsn.LSN{FileNo: m.curFileNo, Offset: m.nextOffset}
}

// fwdCursor reads WAL primitives forward from an absolute offset,
// straddling pages transparently via readBytes.
type fwdCursor struct {
	df  *dbfile.DBFile
	off uint32
	err error
}

func (c *fwdCursor) take(n int) []byte {
	if c.err != nil {
		return nil
	}
	b, err := readBytes(c.df, c.off, n)
	if err != nil {
		c.err = err
		return nil
	}
	c.off += uint32(n)
	return b
}

func (c *fwdCursor) readByte() byte {
	b := c.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (c *fwdCursor) u16() uint16 {
	b := c.take(2)
	if b == nil {
		return 0
	}
	return bx.U16(b)
}

func (c *fwdCursor) u32() uint32 {
	b := c.take(4)
	if b == nil {
		return 0
	}
	return bx.U32(b)
}

// decodeForwardAt parses exactly one record starting at startOff, without
// needing to know its length in advance, and returns its decoded form
// plus its length in bytes.
func decodeForwardAt(df *dbfile.DBFile, startOff uint32) (Record, int, error) {
	c := &fwdCursor{df: df, off: startOff}
	typ := RecType(c.readByte())

	switch typ {
	case RecStartTxn:
		txnID := c.u32()
		trailer := c.readByte()
		if c.err != nil {
			return Record{}, 0, c.err
		}
		if RecType(trailer) != typ {
			return Record{}, 0, ErrBadRecord
		}
		return Record{Type: typ, TxnID: txnID}, int(c.off - startOff), nil

	case RecCommitTxn, RecAbortTxn:
		txnID := c.u32()
		fileNo := c.u16()
		offset := c.u32()
		trailer := c.readByte()
		if c.err != nil {
			return Record{}, 0, c.err
		}
		if RecType(trailer) != typ {
			return Record{}, 0, ErrBadRecord
		}
		return Record{Type: typ, TxnID: txnID, PrevLSN: lsn.LSN{FileNo: fileNo, Offset: offset}}, int(c.off - startOff), nil

	case RecUpdatePage, RecUpdatePageRedoOnly:
		txnID := c.u32()
		pFileNo := c.u16()
		pOffset := c.u32()
		fnLen := int(c.readByte())
		fnBytes := c.take(fnLen)
		pageNo := c.u16()
		numSegs := int(c.u16())
		carriesOld := typ == RecUpdatePage
		segs := make([]Segment, numSegs)
		for i := 0; i < numSegs; i++ {
			startIdx := c.u16()
			size := int(c.u16())
			var old []byte
			if carriesOld {
				old = append([]byte(nil), c.take(size)...)
			}
			newB := c.take(size)
			segs[i] = Segment{StartIdx: startIdx, Old: old, New: append([]byte(nil), newB...)}
		}
		recordStartOffset := c.u32()
		trailer := c.readByte()
		if c.err != nil {
			return Record{}, 0, c.err
		}
		if RecType(trailer) != typ {
			return Record{}, 0, ErrBadRecord
		}
		rec := Record{
			Type: typ, TxnID: txnID, PrevLSN: lsn.LSN{FileNo: pFileNo, Offset: pOffset},
			Filename: string(fnBytes), PageNo: pageNo, Segments: segs, RecordStartOffset: recordStartOffset,
		}
		return rec, int(c.off - startOff), nil

	default:
		return Record{}, 0, ErrBadRecord
	}
}

// ReadRecordEndingAt parses the one record whose final byte sits at
// absolute offset endOffset-1, discovering its start by reading backward:
// the trailing type byte, and — for variable-length UPDATE_PAGE records —
// the recordStartOffset stored 5 bytes before the end.
func (m *Manager) ReadRecordEndingAt(fileNo uint16, endOffset uint32) (Record, error) {
	df, err := m.fileFor(fileNo)
	if err != nil {
		return Record{}, err
	}

	typByte, err := readBytes(df, endOffset-1, 1)
	if err != nil {
		return Record{}, err
	}
	typ := RecType(typByte[0])

	var start uint32
	switch typ {
	case RecStartTxn:
		start = endOffset - startTxnSize
	case RecCommitTxn, RecAbortTxn:
		start = endOffset - commitAbortSize
	case RecUpdatePage, RecUpdatePageRedoOnly:
		b, err := readBytes(df, endOffset-5, 4)
		if err != nil {
			return Record{}, err
		}
		start = bx.U32(b)
	default:
		return Record{}, ErrBadRecord
	}

	buf, err := readBytes(df, start, int(endOffset-start))
	if err != nil {
		return Record{}, err
	}
	return decodeRecord(buf)
}

// PrevFileEnd reads a segment's [2,6) header: the ending offset of the
// segment before it, used to continue a backward traversal across a
// file boundary.
func (m *Manager) PrevFileEnd(fileNo uint16) (uint32, error) {
	df, err := m.fileFor(fileNo)
	if err != nil {
		return 0, err
	}
	b, err := readBytes(df, 2, 4)
	if err != nil {
		return 0, err
	}
	return bx.U32(b), nil
}

// ReadAt parses the one record starting exactly at lsn (the normal case:
// following a chain of known record-start LSNs, such as a transaction's
// lastLSN or a record's prevLSN). The bytes at any already-issued LSN
// are immutable, so no lock is held while decoding.
func (m *Manager) ReadAt(at lsn.LSN) (Record, error) {
	df, err := m.fileFor(at.FileNo)
	if err != nil {
		return Record{}, err
	}
	rec, _, err := decodeForwardAt(df, at.Offset)
	return rec, err
}

// ScanForward visits every record from start (inclusive) through the
// append position observed at call time, in LSN order, for the redo pass
// of recovery. The end position is snapshotted once so the visit
// callback is free to append (CLRs) or pin pages without re-entering
// this manager's lock.
func (m *Manager) ScanForward(start lsn.LSN, visit func(rec Record, at lsn.LSN) error) error {
	end := m.CurrentLSN()

	cur := start
	for {
		df, err := m.fileFor(cur.FileNo)
		if err != nil {
			return nil
		}

		var limit uint32
		if cur.FileNo == end.FileNo {
			limit = end.Offset
		} else {
			if nextEnd, err := m.PrevFileEnd(cur.FileNo + 1); err == nil {
				limit = nextEnd
			} else {
				limit = df.NumPages() * uint32(df.PageSize())
			}
		}

		if cur.Offset >= limit {
			if cur.FileNo == end.FileNo {
				return nil
			}
			cur = lsn.LSN{FileNo: cur.FileNo + 1, Offset: lsn.OffsetFirstRecord}
			continue
		}

		rec, n, err := decodeForwardAt(df, cur.Offset)
		if err != nil {
			return err
		}
		if err := visit(rec, cur); err != nil {
			return err
		}
		cur = lsn.LSN{FileNo: cur.FileNo, Offset: cur.Offset + uint32(n)}
	}
}

// Close closes every open segment file.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for _, df := range m.files {
		if err := df.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Package wal implements an ARIES-style write-ahead log:
// physical-diff update records chained per transaction via
// prevLSN, redo-then-undo recovery, and compensation log records (CLRs)
// written as UPDATE_PAGE_REDO_ONLY so a crash mid-rollback never re-undoes
// the same change twice.
package wal

import (
	"errors"

	"github.com/nanodb-go/nanodb/internal/bx"
	"github.com/nanodb-go/nanodb/internal/lsn"
	"github.com/nanodb-go/nanodb/internal/page"
)

// RecType tags every WAL record; it is also written as the record's
// trailing byte so the framing is parseable backward.
type RecType uint8

const (
	RecStartTxn RecType = iota + 1
	RecCommitTxn
	RecAbortTxn
	RecUpdatePage
	RecUpdatePageRedoOnly
)

const (
	startTxnSize    = 6
	commitAbortSize = 12
)

var (
	ErrBadRecord       = errors.New("wal: corrupt or unrecognized record")
	ErrFilenameTooLong = errors.New("wal: filename exceeds VARSTRING255 limit")
)

// Segment is one contiguous byte range changed by an UPDATE_PAGE record.
// In UPDATE_PAGE segments Old and New have equal length; in
// UPDATE_PAGE_REDO_ONLY (CLR) segments only New is carried and Old is nil.
type Segment struct {
	StartIdx uint16
	Old      []byte
	New      []byte
}

// Record is the decoded form of any WAL record.
type Record struct {
	Type              RecType
	TxnID             uint32
	PrevLSN           lsn.LSN
	Filename          string
	PageNo            uint16
	Segments          []Segment
	RecordStartOffset uint32 // only meaningful for RecUpdatePage/RecUpdatePageRedoOnly
}

func putLSNAt(b []byte, off int, l lsn.LSN) {
	bx.PutU16At(b, off, l.FileNo)
	bx.PutU32At(b, off+2, l.Offset)
}

func getLSNAt(b []byte, off int) lsn.LSN {
	return lsn.LSN{FileNo: bx.U16At(b, off), Offset: bx.U32At(b, off+2)}
}

func encodeStartTxn(txnID uint32) []byte {
	b := make([]byte, startTxnSize)
	b[0] = byte(RecStartTxn)
	bx.PutU32At(b, 1, txnID)
	b[5] = byte(RecStartTxn)
	return b
}

func encodeCommitOrAbort(typ RecType, txnID uint32, prevLSN lsn.LSN) []byte {
	b := make([]byte, commitAbortSize)
	b[0] = byte(typ)
	bx.PutU32At(b, 1, txnID)
	putLSNAt(b, 5, prevLSN)
	b[11] = byte(typ)
	return b
}

// encodeUpdatePage serializes an UPDATE_PAGE or UPDATE_PAGE_REDO_ONLY
// record. recordStartOffset is the absolute byte offset this record will
// occupy in its WAL file, supplied by the caller once the append position
// is known. UPDATE_PAGE carries both oldBytes and newBytes per segment;
// UPDATE_PAGE_REDO_ONLY (used for CLRs) carries only newBytes, since its
// only purpose is idempotent redo, never undo.
func encodeUpdatePage(typ RecType, txnID uint32, prevLSN lsn.LSN, filename string, pageNo uint16, segs []Segment, recordStartOffset uint32) ([]byte, error) {
	if len(filename) > 255 {
		return nil, ErrFilenameTooLong
	}
	carriesOld := typ == RecUpdatePage

	bodyLen := 1 + 4 + 6 + page.SizeVarString255(filename) + 2 + 2
	for _, s := range segs {
		bodyLen += 2 + 2 + len(s.New)
		if carriesOld {
			bodyLen += len(s.Old)
		}
	}
	bodyLen += 4 + 1

	buf := make([]byte, bodyLen)
	off := 0
	buf[off] = byte(typ)
	off++
	bx.PutU32At(buf, off, txnID)
	off += 4
	putLSNAt(buf, off, prevLSN)
	off += 6
	n, err := page.PutVarString255(buf, off, filename)
	if err != nil {
		return nil, err
	}
	off += n
	bx.PutU16At(buf, off, pageNo)
	off += 2
	bx.PutU16At(buf, off, uint16(len(segs)))
	off += 2
	for _, s := range segs {
		bx.PutU16At(buf, off, s.StartIdx)
		off += 2
		bx.PutU16At(buf, off, uint16(len(s.New)))
		off += 2
		if carriesOld {
			copy(buf[off:], s.Old)
			off += len(s.Old)
		}
		copy(buf[off:], s.New)
		off += len(s.New)
	}
	bx.PutU32At(buf, off, recordStartOffset)
	off += 4
	buf[off] = byte(typ)
	off++
	if off != bodyLen {
		return nil, ErrBadRecord
	}
	return buf, nil
}

// decodeRecord parses a record whose bytes are already fully known (buf's
// length equals the record's exact length).
func decodeRecord(buf []byte) (Record, error) {
	if len(buf) < 1 {
		return Record{}, ErrBadRecord
	}
	typ := RecType(buf[0])
	switch typ {
	case RecStartTxn:
		if len(buf) != startTxnSize || RecType(buf[startTxnSize-1]) != typ {
			return Record{}, ErrBadRecord
		}
		return Record{Type: typ, TxnID: bx.U32At(buf, 1)}, nil

	case RecCommitTxn, RecAbortTxn:
		if len(buf) != commitAbortSize || RecType(buf[commitAbortSize-1]) != typ {
			return Record{}, ErrBadRecord
		}
		return Record{Type: typ, TxnID: bx.U32At(buf, 1), PrevLSN: getLSNAt(buf, 5)}, nil

	case RecUpdatePage, RecUpdatePageRedoOnly:
		off := 1
		txnID := bx.U32At(buf, off)
		off += 4
		prevLSN := getLSNAt(buf, off)
		off += 6
		filename := page.GetVarString255(buf, off)
		off += 1 + len(filename)
		pageNo := bx.U16At(buf, off)
		off += 2
		numSegs := int(bx.U16At(buf, off))
		off += 2
		carriesOld := typ == RecUpdatePage
		segs := make([]Segment, numSegs)
		for i := 0; i < numSegs; i++ {
			startIdx := bx.U16At(buf, off)
			off += 2
			size := int(bx.U16At(buf, off))
			off += 2
			var old []byte
			if carriesOld {
				old = append([]byte(nil), buf[off:off+size]...)
				off += size
			}
			newB := append([]byte(nil), buf[off:off+size]...)
			off += size
			segs[i] = Segment{StartIdx: startIdx, Old: old, New: newB}
		}
		recordStartOffset := bx.U32At(buf, off)
		off += 4
		if off >= len(buf) || RecType(buf[off]) != typ || off+1 != len(buf) {
			return Record{}, ErrBadRecord
		}
		return Record{
			Type: typ, TxnID: txnID, PrevLSN: prevLSN, Filename: filename,
			PageNo: pageNo, Segments: segs, RecordStartOffset: recordStartOffset,
		}, nil

	default:
		return Record{}, ErrBadRecord
	}
}

// DiffSegments computes the minimal set of changed-byte segments between
// before and after, coalescing gaps of up to 4 identical bytes into the
// surrounding segment to avoid excessive fragmentation for small scattered
// edits (e.g. adjacent header fields touched by one logical update).
func DiffSegments(before, after []byte) []Segment {
	if len(before) != len(after) {
		panic("wal: DiffSegments requires equal-length buffers")
	}
	const coalesceGap = 4

	var segs []Segment
	i := 0
	n := len(before)
	for i < n {
		if before[i] == after[i] {
			i++
			continue
		}
		start := i
		end := i + 1
		for end < n {
			// extend the segment through any run of identical bytes no
			// longer than coalesceGap, so it merges with the next diff.
			j := end
			for j < n && before[j] == after[j] && j-end < coalesceGap {
				j++
			}
			if j < n && before[j] != after[j] {
				end = j + 1
				continue
			}
			break
		}
		segs = append(segs, Segment{
			StartIdx: uint16(start),
			Old:      append([]byte(nil), before[start:end]...),
			New:      append([]byte(nil), after[start:end]...),
		})
		i = end
	}
	return segs
}

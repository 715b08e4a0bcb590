package txn

import (
	"math/bits"

	"github.com/nanodb-go/nanodb/internal/bx"
	"github.com/nanodb-go/nanodb/internal/dbfile"
	"github.com/nanodb-go/nanodb/internal/lsn"
)

// Txn-state sector layout: the file-type/page-size header dbfile owns
// occupies bytes 0-1; our fields follow.
const (
	stateOffLastTxnID = 2  // u32
	stateOffFirstLSN  = 6  // u16 fileNo || u32 offset
	stateOffNextLSN   = 12 // u16 fileNo || u32 offset

	stateSectorSize = 512
)

func putLSNAt(b []byte, off int, l lsn.LSN) {
	bx.PutU16At(b, off, l.FileNo)
	bx.PutU32At(b, off+2, l.Offset)
}

func getLSNAt(b []byte, off int) lsn.LSN {
	return lsn.LSN{FileNo: bx.U16At(b, off), Offset: bx.U32At(b, off+2)}
}

// encodeState lays out one atomic sector. A freshly created file (all
// zero past the header) decodes to lastTxnID=0, firstLSN=nextLSN=Zero,
// which already satisfies recover()'s "firstLSN == nextLSN" no-op
// condition without any special-cased fresh-file branch. Bytes 0-1 are
// re-stamped with the txn-state type and log2(stateSectorSize) so the
// rewritten sector keeps the header dbfile.Open reads back.
func encodeState(lastTxnID uint32, firstLSN, nextLSN lsn.LSN) []byte {
	b := make([]byte, stateSectorSize)
	b[0] = byte(dbfile.TypeTxnState)
	b[1] = byte(bits.Len(stateSectorSize) - 1)
	bx.PutU32At(b, stateOffLastTxnID, lastTxnID)
	putLSNAt(b, stateOffFirstLSN, firstLSN)
	putLSNAt(b, stateOffNextLSN, nextLSN)
	return b
}

func decodeState(b []byte) (lastTxnID uint32, firstLSN, nextLSN lsn.LSN) {
	lastTxnID = bx.U32At(b, stateOffLastTxnID)
	firstLSN = getLSNAt(b, stateOffFirstLSN)
	nextLSN = getLSNAt(b, stateOffNextLSN)
	return
}

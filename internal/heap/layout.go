// Package heap implements the slotted-page heap tuple file: a header
// page carrying schema/stats/freeHead, followed by
// slotted data pages whose tuple bytes are always kept contiguous (no
// internal gaps), with free space discovered through a freeHead/freeNext
// chain instead of a linear file scan.
package heap

import (
	"github.com/nanodb-go/nanodb/internal/bx"
)

// Header page layout (page 0). Bytes 0-1 are the file-type tag and
// log2(pageSize) written by internal/dbfile; the heap adds its own fields
// after that.
const (
	hdrOffSchemaLen = 2 // u16
	hdrOffStatsLen  = 4 // u16
	hdrOffFreeHead  = 6 // u16, 0 == no free pages
	hdrOffPayload   = 8 // schema bytes, then stats bytes
)

func headerSchemaLen(b []byte) int { return int(bx.U16At(b, hdrOffSchemaLen)) }
func headerStatsLen(b []byte) int  { return int(bx.U16At(b, hdrOffStatsLen)) }

func headerFreeHead(b []byte) uint16            { return bx.U16At(b, hdrOffFreeHead) }
func setHeaderFreeHead(b []byte, pageNo uint16) { bx.PutU16At(b, hdrOffFreeHead, pageNo) }

func headerStatsBytes(b []byte) []byte {
	off := hdrOffPayload + headerSchemaLen(b)
	n := headerStatsLen(b)
	return b[off : off+n]
}

// setHeaderLens records the byte lengths of the schema and stats
// payloads that immediately follow the fixed header fields. Callers
// write the schema via writeSchema and the stats bytes with a direct
// copy, then call this to update the two length fields once both are
// in place.
func setHeaderLens(b []byte, schemaLen, statsLen int) {
	bx.PutU16At(b, hdrOffSchemaLen, uint16(schemaLen))
	bx.PutU16At(b, hdrOffStatsLen, uint16(statsLen))
}

// headerPayloadFits reports whether schemaLen+statsLen bytes fit after
// the fixed header fields on a page of pageSize bytes. The header lives
// entirely on page 0; spec.md's heap format has no provision for a
// header that spans into the data pages that follow it.
func headerPayloadFits(pageSize, schemaLen, statsLen int) bool {
	return hdrOffPayload+schemaLen+statsLen <= pageSize
}

// --- data page trailer: slotCount(u16) | freeNext(u16) | upper(u16) ---

const (
	trailerSize = 6
	slotSize    = 2

	emptySlot = 0

	// InvalidPgno marks a page that is not currently on the free list.
	InvalidPgno uint16 = 0xFFFF
)

func trailerOff(pageSize int) int   { return pageSize - trailerSize }
func slotCountOff(pageSize int) int { return trailerOff(pageSize) }
func freeNextOff(pageSize int) int  { return trailerOff(pageSize) + 2 }
func upperOff(pageSize int) int     { return trailerOff(pageSize) + 4 }

func initDataPage(b []byte) {
	for i := range b {
		b[i] = 0
	}
	setNumSlots(b, 0)
	setDataFreeNext(b, InvalidPgno)
	setUpper(b, trailerOff(len(b)))
}

func numSlots(b []byte) int        { return int(bx.U16At(b, slotCountOff(len(b)))) }
func setNumSlots(b []byte, n int)  { bx.PutU16At(b, slotCountOff(len(b)), uint16(n)) }
func dataFreeNext(b []byte) uint16 { return bx.U16At(b, freeNextOff(len(b))) }
func setDataFreeNext(b []byte, v uint16) {
	bx.PutU16At(b, freeNextOff(len(b)), v)
}
func upper(b []byte) int       { return int(bx.U16At(b, upperOff(len(b)))) }
func setUpper(b []byte, v int) { bx.PutU16At(b, upperOff(len(b)), uint16(v)) }

func slotOff(i int) int           { return i * slotSize }
func getSlot(b []byte, i int) int { return int(bx.U16At(b, slotOff(i))) }
func setSlot(b []byte, i, v int)  { bx.PutU16At(b, slotOff(i), uint16(v)) }

// freeSpace returns bytes available for a new tuple+slot on this page.
func freeSpace(b []byte) int {
	return upper(b) - numSlots(b)*slotSize
}

// tupleBounds returns the byte range [start, end) of slot i's tuple. Data
// is kept contiguous with no gaps, so a tuple's end is the offset of the
// next-higher live slot, or the trailer boundary if none exists.
func tupleBounds(b []byte, i int) (start, end int, ok bool) {
	off := getSlot(b, i)
	if off == emptySlot {
		return 0, 0, false
	}
	end = trailerOff(len(b))
	n := numSlots(b)
	for j := 0; j < n; j++ {
		oj := getSlot(b, j)
		if oj != emptySlot && oj > off && oj < end {
			end = oj
		}
	}
	return off, end, true
}

// insertTuple writes tup into the first reusable empty slot, or appends a
// new slot. Returns ok=false if there isn't room for tup plus a slot
// entry.
func insertTuple(b []byte, tup []byte) (slot int, ok bool) {
	need := len(tup) + slotSize
	if freeSpace(b) < need {
		return -1, false
	}
	newUpper := upper(b) - len(tup)
	copy(b[newUpper:upper(b)], tup)
	setUpper(b, newUpper)

	n := numSlots(b)
	for i := 0; i < n; i++ {
		if getSlot(b, i) == emptySlot {
			setSlot(b, i, newUpper)
			return i, true
		}
	}
	setSlot(b, n, newUpper)
	setNumSlots(b, n+1)
	return n, true
}

// deleteTuple clears slot i, shifts preceding tuple bytes toward
// page-end to close the gap, and compacts trailing empty slots.
func deleteTuple(b []byte, i int) bool {
	start, end, ok := tupleBounds(b, i)
	if !ok {
		return false
	}
	length := end - start
	copy(b[upper(b)+length:end], b[upper(b):start])

	n := numSlots(b)
	for j := 0; j < n; j++ {
		oj := getSlot(b, j)
		if oj != emptySlot && oj < start {
			setSlot(b, j, oj+length)
		}
	}
	setSlot(b, i, emptySlot)
	setUpper(b, upper(b)+length)

	for n > 0 && getSlot(b, n-1) == emptySlot {
		n--
	}
	setNumSlots(b, n)
	return true
}

// updateTuple replaces slot i's bytes with newTup, resizing in place by
// compacting the old range (as deleteTuple does) and then re-inserting
// the new bytes at the freshly reclaimed low end. Returns tooBig=true
// (PageFullOnUpdate territory) when growth doesn't fit in the page's
// current free space.
func updateTuple(b []byte, i int, newTup []byte) (ok, tooBig bool) {
	start, end, found := tupleBounds(b, i)
	if !found {
		return false, false
	}
	oldLen := end - start
	newLen := len(newTup)

	if newLen == oldLen {
		copy(b[start:end], newTup)
		return true, false
	}
	if newLen > oldLen && freeSpace(b) < newLen-oldLen {
		return false, true
	}

	oldUpper := upper(b)
	copy(b[oldUpper+oldLen:end], b[oldUpper:start])
	n := numSlots(b)
	for j := 0; j < n; j++ {
		if j == i {
			continue
		}
		oj := getSlot(b, j)
		if oj != emptySlot && oj < start {
			setSlot(b, j, oj+oldLen)
		}
	}
	setUpper(b, oldUpper+oldLen)

	newStart := upper(b) - newLen
	copy(b[newStart:upper(b)], newTup)
	setUpper(b, newStart)
	setSlot(b, i, newStart)
	return true, false
}

package heap

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/nanodb-go/nanodb/internal/buffer"
	"github.com/nanodb-go/nanodb/internal/dbfile"
	"github.com/nanodb-go/nanodb/internal/record"
)

// TID identifies a tuple by its data page number and slot index.
type TID struct {
	PageNo uint32
	Slot   uint16
}

var (
	ErrTableClosed        = errors.New("heap: table is closed")
	ErrInvalidFilePointer = errors.New("heap: dangling or empty-slot tuple pointer")
	ErrPageFullOnUpdate   = errors.New("heap: update does not fit on the tuple's page")
	ErrTupleTooLarge      = errors.New("heap: tuple exceeds page capacity")
	ErrEOF                = errors.New("heap: end of scan")
	ErrHeaderOverflow     = errors.New("heap: schema and stats metadata exceed header page capacity")
)

// Logger is the hook Insert, Update, Delete, and Analyze call on every
// page they dirty, before that page can ever reach the buffer pool's
// WAL-forcing flush chokepoint. A *txn.Txn satisfies this by way of its
// WriteUpdatePageRecord method; tables default to a no-op so existing
// callers that never touch transactions keep working unchanged.
type Logger interface {
	WriteUpdatePageRecord(page *buffer.Page) error
}

type noopLogger struct{}

func (noopLogger) WriteUpdatePageRecord(*buffer.Page) error { return nil }

// Table is a slotted-page heap file: page 0 is the header (schema, stats,
// freeHead); pages 1..NumPages()-1 hold tuples.
type Table struct {
	df     *dbfile.DBFile
	bm     *buffer.Manager
	Schema record.Schema
	logger Logger

	closed atomic.Bool
}

// SetLogger installs the transaction whose WriteUpdatePageRecord should
// log every page this table dirties. Passing nil reverts to a no-op.
func (t *Table) SetLogger(l Logger) {
	if l == nil {
		l = noopLogger{}
	}
	t.logger = l
}

// File returns the table's underlying DBFile, so a facade layer can
// register the exact same instance a txn.FileResolver hands back to
// recovery/rollback — they must resolve to one DBFile per path, not a
// second instance racing the buffer pool's page cache.
func (t *Table) File() *dbfile.DBFile { return t.df }

// unpinLogged unpins page, first logging the change if dirty is true and
// a logger is installed. The log write happens while page is still
// pinned so the logger can read its current contents.
func (t *Table) unpinLogged(page *buffer.Page, dirty bool) error {
	if dirty {
		page.Dirty = true
		if err := t.logger.WriteUpdatePageRecord(page); err != nil {
			_ = t.bm.Unpin(page, true)
			return err
		}
	}
	return t.bm.Unpin(page, dirty)
}

// CreateTable creates a new, empty heap file at path.
func CreateTable(bm *buffer.Manager, path string, schema record.Schema, pageSize int) (*Table, error) {
	df, err := dbfile.Create(path, dbfile.TypeHeap, pageSize)
	if err != nil {
		return nil, fmt.Errorf("heap: create %s: %w", path, err)
	}

	schemaLen := schemaEncodedLen(schema)
	if !headerPayloadFits(pageSize, schemaLen, 0) {
		return nil, ErrHeaderOverflow
	}
	if err := writeSchema(bm, df, hdrOffPayload, schema); err != nil {
		return nil, err
	}

	hdr, err := bm.Pin(df, 0)
	if err != nil {
		return nil, err
	}
	setHeaderLens(hdr.Data, schemaLen, 0)
	setHeaderFreeHead(hdr.Data, 0)
	if err := bm.Unpin(hdr, true); err != nil {
		return nil, err
	}

	t := &Table{df: df, bm: bm, Schema: schema, logger: noopLogger{}}
	if err := t.Flush(); err != nil {
		return nil, err
	}
	return t, nil
}

// OpenTable opens an existing heap file, reading its schema from the
// header page.
func OpenTable(bm *buffer.Manager, path string) (*Table, error) {
	df, err := dbfile.Open(path)
	if err != nil {
		return nil, fmt.Errorf("heap: open %s: %w", path, err)
	}
	if df.Type() != dbfile.TypeHeap {
		return nil, fmt.Errorf("heap: open %s: %w", path, dbfile.ErrTypeMismatch)
	}

	schema, err := readSchema(bm, df, hdrOffPayload)
	if err != nil {
		return nil, err
	}
	return &Table{df: df, bm: bm, Schema: schema, logger: noopLogger{}}, nil
}

func (t *Table) ensureOpen() error {
	if t == nil || t.closed.Load() {
		return ErrTableClosed
	}
	return nil
}

// Insert encodes values per the table's schema and writes them into the
// free-page list's first page with enough room, allocating a fresh page
// if the list is exhausted.
func (t *Table) Insert(values []any) (TID, error) {
	if err := t.ensureOpen(); err != nil {
		return TID{}, err
	}
	tup, err := record.EncodeRow(t.Schema, values)
	if err != nil {
		return TID{}, err
	}

	required := len(tup) + slotSize
	if required > trailerOff(t.df.PageSize()) {
		return TID{}, ErrTupleTooLarge
	}

	dp, pageNo, err := t.findPageForInsert(required)
	if err != nil {
		return TID{}, err
	}

	slot, ok := insertTuple(dp.Data, tup)
	if !ok {
		_ = t.bm.Unpin(dp, false)
		return TID{}, fmt.Errorf("heap: page %d reported space but insert failed", pageNo)
	}
	if err := t.unpinLogged(dp, true); err != nil {
		return TID{}, err
	}
	if err := t.Flush(); err != nil {
		return TID{}, err
	}
	return TID{PageNo: pageNo, Slot: uint16(slot)}, nil
}

// findPageForInsert walks the free-page list from the header's freeHead,
// pruning pages that don't have required bytes free and returning the
// first one that does (pinned). If the list is exhausted it appends and
// initializes a fresh page, pushing it onto the head of the list.
func (t *Table) findPageForInsert(required int) (*buffer.Page, uint32, error) {
	hdr, err := t.bm.Pin(t.df, 0)
	if err != nil {
		return nil, 0, err
	}

	cur := headerFreeHead(hdr.Data)
	var prev *buffer.Page
	for cur != 0 {
		dp, err := t.bm.Pin(t.df, uint32(cur))
		if err != nil {
			if prev != nil {
				_ = t.unpinLogged(prev, prev.Dirty)
			}
			_ = t.unpinLogged(hdr, hdr.Dirty)
			return nil, 0, err
		}

		if freeSpace(dp.Data) >= required {
			if prev != nil {
				_ = t.unpinLogged(prev, prev.Dirty)
			}
			if err := t.unpinLogged(hdr, hdr.Dirty); err != nil {
				return nil, 0, err
			}
			return dp, uint32(cur), nil
		}

		next := dataFreeNext(dp.Data)
		setDataFreeNext(dp.Data, InvalidPgno)
		dp.Dirty = true
		if prev == nil {
			setHeaderFreeHead(hdr.Data, next)
			hdr.Dirty = true
		} else {
			setDataFreeNext(prev.Data, next)
			prev.Dirty = true
			if err := t.unpinLogged(prev, true); err != nil {
				return nil, 0, err
			}
		}
		prev = dp
		cur = next
	}
	if prev != nil {
		if err := t.unpinLogged(prev, true); err != nil {
			return nil, 0, err
		}
	}

	newPageNo := t.df.NumPages()
	dp, err := t.bm.Pin(t.df, newPageNo)
	if err != nil {
		_ = t.unpinLogged(hdr, hdr.Dirty)
		return nil, 0, err
	}
	initDataPage(dp.Data)
	setDataFreeNext(dp.Data, headerFreeHead(hdr.Data))
	dp.Dirty = true
	setHeaderFreeHead(hdr.Data, uint16(newPageNo))
	if err := t.unpinLogged(hdr, true); err != nil {
		return nil, 0, err
	}
	return dp, newPageNo, nil
}

// Get reads a single row by TID.
func (t *Table) Get(id TID) ([]any, error) {
	if err := t.ensureOpen(); err != nil {
		return nil, err
	}
	dp, err := t.bm.Pin(t.df, id.PageNo)
	if err != nil {
		return nil, err
	}
	defer func() { _ = t.bm.Unpin(dp, false) }()

	start, end, ok := tupleBounds(dp.Data, int(id.Slot))
	if !ok {
		return nil, ErrInvalidFilePointer
	}
	return record.DecodeRow(t.Schema, dp.Data[start:end])
}

// Update replaces the row at id in place, resizing within the page.
// Returns ErrPageFullOnUpdate if the page cannot accommodate growth;
// tuple relocation across pages is a non-goal.
func (t *Table) Update(id TID, values []any) error {
	if err := t.ensureOpen(); err != nil {
		return err
	}
	newTup, err := record.EncodeRow(t.Schema, values)
	if err != nil {
		return err
	}

	dp, err := t.bm.Pin(t.df, id.PageNo)
	if err != nil {
		return err
	}

	ok, tooBig := updateTuple(dp.Data, int(id.Slot), newTup)
	if tooBig {
		_ = t.bm.Unpin(dp, false)
		return ErrPageFullOnUpdate
	}
	if !ok {
		_ = t.bm.Unpin(dp, false)
		return ErrInvalidFilePointer
	}
	if err := t.unpinLogged(dp, true); err != nil {
		return err
	}
	return t.Flush()
}

// Delete clears the slot at id and, if the page wasn't already on the
// free list, pushes it onto the head of the list.
func (t *Table) Delete(id TID) error {
	if err := t.ensureOpen(); err != nil {
		return err
	}

	dp, err := t.bm.Pin(t.df, id.PageNo)
	if err != nil {
		return err
	}

	if !deleteTuple(dp.Data, int(id.Slot)) {
		_ = t.bm.Unpin(dp, false)
		return ErrInvalidFilePointer
	}

	if dataFreeNext(dp.Data) == InvalidPgno {
		hdr, err := t.bm.Pin(t.df, 0)
		if err != nil {
			_ = t.bm.Unpin(dp, true)
			return err
		}
		setDataFreeNext(dp.Data, headerFreeHead(hdr.Data))
		setHeaderFreeHead(hdr.Data, uint16(id.PageNo))
		if err := t.unpinLogged(hdr, true); err != nil {
			_ = t.bm.Unpin(dp, true)
			return err
		}
	}
	if err := t.unpinLogged(dp, true); err != nil {
		return err
	}
	return t.Flush()
}

// Cursor walks live tuples in ascending (pageNo, slot) order, reloading
// each page fresh so scans work whether callers still hold a pin or not.
type Cursor struct {
	t      *Table
	pageNo uint32
	slot   int
}

// FirstTuple returns a cursor positioned at the lowest-numbered live
// tuple, or ErrEOF if the table is empty.
func (t *Table) FirstTuple() (*Cursor, error) {
	c := &Cursor{t: t, pageNo: 1, slot: 0}
	if err := c.advance(); err != nil {
		return nil, err
	}
	return c, nil
}

// TID reports the cursor's current tuple identity.
func (c *Cursor) TID() TID { return TID{PageNo: c.pageNo, Slot: uint16(c.slot)} }

// Row decodes the cursor's current tuple.
func (c *Cursor) Row() ([]any, error) { return c.t.Get(c.TID()) }

// Tuple materializes the cursor's current position as a page-backed
// record.Tuple that also knows its file pointer.
func (c *Cursor) Tuple() (*PageTuple, error) {
	row, err := c.Row()
	if err != nil {
		return nil, err
	}
	return &PageTuple{schema: c.t.Schema, values: row, id: c.TID()}, nil
}

// PageTuple is the page-backed record.Tuple variant: a row decoded from
// a heap page, still carrying the (page, slot) it came from. Values are
// copied out at construction, so holding one keeps no page pinned.
type PageTuple struct {
	schema record.Schema
	values []any
	id     TID
}

func (p *PageTuple) Schema() record.Schema { return p.schema }
func (p *PageTuple) NumCols() int          { return p.schema.NumCols() }
func (p *PageTuple) IsNull(col int) bool   { return p.values[col] == nil }
func (p *PageTuple) Get(col int) any       { return p.values[col] }

// FilePointer reports which heap slot this tuple was read from.
func (p *PageTuple) FilePointer() TID { return p.id }

// Next advances to the next live tuple, or returns ErrEOF.
func (c *Cursor) Next() error {
	c.slot++
	return c.advance()
}

func (c *Cursor) advance() error {
	for c.pageNo < c.t.df.NumPages() {
		dp, err := c.t.bm.Pin(c.t.df, c.pageNo)
		if err != nil {
			return err
		}
		n := numSlots(dp.Data)
		for c.slot < n {
			if getSlot(dp.Data, c.slot) != emptySlot {
				_ = c.t.bm.Unpin(dp, false)
				return nil
			}
			c.slot++
		}
		_ = c.t.bm.Unpin(dp, false)
		c.pageNo++
		c.slot = 0
	}
	return ErrEOF
}

// Scan visits every live row in ascending TID order.
func (t *Table) Scan(fn func(id TID, row []any) error) error {
	if err := t.ensureOpen(); err != nil {
		return err
	}
	c, err := t.FirstTuple()
	if errors.Is(err, ErrEOF) {
		return nil
	}
	if err != nil {
		return err
	}
	for {
		row, err := c.Row()
		if err != nil {
			return err
		}
		if err := fn(c.TID(), row); err != nil {
			return err
		}
		err = c.Next()
		if errors.Is(err, ErrEOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// Analyze performs a single scan pass collecting per-column statistics
// and persists the result to the header page.
func (t *Table) Analyze() (TableStats, error) {
	if err := t.ensureOpen(); err != nil {
		return TableStats{}, err
	}

	accs := newColumnAccs(t.Schema)
	var numTuples, totalBytes uint64
	err := t.Scan(func(_ TID, row []any) error {
		numTuples++
		enc, err := record.EncodeRow(t.Schema, row)
		if err != nil {
			return err
		}
		totalBytes += uint64(len(enc))
		for i, col := range t.Schema.Cols {
			accs[i].observe(col, row[i])
		}
		return nil
	})
	if err != nil {
		return TableStats{}, err
	}

	cols := make([]ColumnStats, len(accs))
	for i, a := range accs {
		cols[i] = a.finish(t.Schema.Cols[i])
	}

	numDataPages := uint32(0)
	if t.df.NumPages() > 0 {
		numDataPages = t.df.NumPages() - 1
	}
	ts := TableStats{
		NumPages:        numDataPages,
		NumTuples:       numTuples,
		TotalTupleBytes: totalBytes,
		Columns:         cols,
	}
	if err := t.saveMetadata(ts); err != nil {
		return TableStats{}, err
	}
	return ts, nil
}

func (t *Table) saveMetadata(ts TableStats) error {
	schemaLen := schemaEncodedLen(t.Schema)
	statsBytes := encodeStats(ts)
	if !headerPayloadFits(t.df.PageSize(), schemaLen, len(statsBytes)) {
		return ErrHeaderOverflow
	}
	if err := writeSchema(t.bm, t.df, hdrOffPayload, t.Schema); err != nil {
		return err
	}

	hdr, err := t.bm.Pin(t.df, 0)
	if err != nil {
		return err
	}
	copy(hdr.Data[hdrOffPayload+schemaLen:], statsBytes)
	setHeaderLens(hdr.Data, schemaLen, len(statsBytes))
	if err := t.unpinLogged(hdr, true); err != nil {
		return err
	}
	return t.Flush()
}

// Flush writes every dirty page of this table's file through the WAL
// chokepoint.
func (t *Table) Flush() error {
	return t.bm.WriteAll(false)
}

// Close flushes and fsyncs the table's file, then closes it. Idempotent.
func (t *Table) Close() error {
	if t == nil || t.closed.Swap(true) {
		return nil
	}
	if err := t.bm.WriteAll(true); err != nil {
		return err
	}
	return t.df.Close()
}

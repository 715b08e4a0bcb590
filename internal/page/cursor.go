package page

import (
	"errors"
	"fmt"

	"github.com/nanodb-go/nanodb/internal/buffer"
	"github.com/nanodb-go/nanodb/internal/dbfile"
)

var ErrClosed = errors.New("page: cursor is closed")

// cursor holds exactly one pinned page at a time. Movement is strictly
// forward: crossing a page boundary unpins the current page and pins its
// successor.
type cursor struct {
	bm     *buffer.Manager
	df     *dbfile.DBFile
	page   *buffer.Page
	offset int
	extend bool
	closed bool
}

func (c *cursor) pin(pageNo uint32) error {
	p, err := c.bm.Pin(c.df, pageNo)
	if err != nil {
		return err
	}
	c.page = p
	return nil
}

func (c *cursor) unpinCurrent(dirty bool) error {
	if c.page == nil {
		return nil
	}
	err := c.bm.Unpin(c.page, dirty)
	c.page = nil
	return err
}

// remaining returns how many bytes are left in the current page from offset.
func (c *cursor) remaining() int {
	return c.df.PageSize() - c.offset
}

// advancePage releases the current page (dirty as given) and pins the
// next one, resetting offset to 0.
func (c *cursor) advancePage(dirty bool) error {
	next := c.page.PageNo + 1
	if err := c.unpinCurrent(dirty); err != nil {
		return err
	}
	if !c.extend {
		// Read-only / in-place cursors never create pages past EOF.
		if next >= c.df.NumPages() {
			return fmt.Errorf("page: cursor ran past end of file %s", c.df.Path())
		}
	}
	if err := c.pin(next); err != nil {
		return err
	}
	c.offset = 0
	return nil
}

// Reader sequentially reads scalars and strings from a DBFile, never
// marking pages dirty and never extending the file.
type Reader struct {
	c *cursor
}

// NewReader opens a read-only cursor starting at (pageNo, offset).
func NewReader(bm *buffer.Manager, df *dbfile.DBFile, pageNo uint32, offset int) (*Reader, error) {
	c := &cursor{bm: bm, df: df, offset: offset, extend: false}
	if err := c.pin(pageNo); err != nil {
		return nil, err
	}
	return &Reader{c: c}, nil
}

// Close unpins the current page. It is the only safe way to release the
// final page a Reader holds.
func (r *Reader) Close() error {
	if r.c.closed {
		return nil
	}
	r.c.closed = true
	return r.c.unpinCurrent(false)
}

func (r *Reader) readBytes(n int) ([]byte, error) {
	if r.c.closed {
		return nil, ErrClosed
	}
	out := make([]byte, n)
	got := 0
	for got < n {
		avail := r.c.remaining()
		if avail <= 0 {
			if err := r.c.advancePage(false); err != nil {
				return nil, err
			}
			continue
		}
		take := n - got
		if take > avail {
			take = avail
		}
		copy(out[got:got+take], r.c.page.Data[r.c.offset:r.c.offset+take])
		r.c.offset += take
		got += take
	}
	return out, nil
}

func (r *Reader) ReadByte() (byte, error) {
	b, err := r.readBytes(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) ReadBool() (bool, error) {
	b, err := r.ReadByte()
	return b != 0, err
}

func (r *Reader) ReadChar() (rune, error) {
	b, err := r.readBytes(2)
	if err != nil {
		return 0, err
	}
	return GetChar(b, 0), nil
}

func (r *Reader) ReadShort() (int16, error) {
	b, err := r.readBytes(2)
	if err != nil {
		return 0, err
	}
	return GetShort(b, 0), nil
}

func (r *Reader) ReadInt() (int32, error) {
	b, err := r.readBytes(4)
	if err != nil {
		return 0, err
	}
	return GetInt(b, 0), nil
}

func (r *Reader) ReadLong() (int64, error) {
	b, err := r.readBytes(8)
	if err != nil {
		return 0, err
	}
	return GetLong(b, 0), nil
}

func (r *Reader) ReadFloat() (float32, error) {
	b, err := r.readBytes(4)
	if err != nil {
		return 0, err
	}
	return GetFloat(b, 0), nil
}

func (r *Reader) ReadDouble() (float64, error) {
	b, err := r.readBytes(8)
	if err != nil {
		return 0, err
	}
	return GetDouble(b, 0), nil
}

func (r *Reader) ReadVarString255() (string, error) {
	lenB, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	data, err := r.readBytes(int(lenB))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (r *Reader) ReadVarString65535() (string, error) {
	lenB, err := r.readBytes(2)
	if err != nil {
		return "", err
	}
	n := int(GetShort(lenB, 0)) & 0xFFFF
	data, err := r.readBytes(n)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Writer sequentially writes scalars and strings into a DBFile.
type Writer struct {
	c *cursor
}

// NewWriter opens an in-place writer starting at (pageNo, offset): it may
// overwrite existing pages but never extends the file past its current
// page count.
func NewWriter(bm *buffer.Manager, df *dbfile.DBFile, pageNo uint32, offset int) (*Writer, error) {
	c := &cursor{bm: bm, df: df, offset: offset, extend: false}
	if err := c.pin(pageNo); err != nil {
		return nil, err
	}
	return &Writer{c: c}, nil
}

// NewAppendWriter opens a writer at offset 0 of the file's last existing
// page that extends the file with fresh pages as it writes past that page.
func NewAppendWriter(bm *buffer.Manager, df *dbfile.DBFile) (*Writer, error) {
	lastPageNo := df.NumPages() - 1
	c := &cursor{bm: bm, df: df, offset: 0, extend: true}
	if err := c.pin(lastPageNo); err != nil {
		return nil, err
	}
	// Position at the end of whatever that page currently holds is the
	// caller's responsibility (callers track their own logical end); we
	// start at offset 0 of the last page for simplicity and let callers
	// seek via Offset()/SeekInPage() before writing when resuming a file.
	return &Writer{c: c}, nil
}

// Offset reports (pageNo, offset) of the writer's current position.
func (w *Writer) Offset() (pageNo uint32, offset int) {
	return w.c.page.PageNo, w.c.offset
}

// SeekInPage repositions the writer within its currently pinned page.
func (w *Writer) SeekInPage(offset int) {
	w.c.offset = offset
}

// Close unpins the current page. It is the only safe way to release the
// final page a Writer holds.
func (w *Writer) Close() error {
	if w.c.closed {
		return nil
	}
	w.c.closed = true
	dirty := w.c.page != nil && w.c.page.Dirty
	return w.c.unpinCurrent(dirty)
}

func (w *Writer) writeBytes(data []byte) error {
	if w.c.closed {
		return ErrClosed
	}
	written := 0
	for written < len(data) {
		avail := w.c.remaining()
		if avail <= 0 {
			if err := w.c.advancePage(true); err != nil {
				return err
			}
			continue
		}
		take := len(data) - written
		if take > avail {
			take = avail
		}
		copy(w.c.page.Data[w.c.offset:w.c.offset+take], data[written:written+take])
		w.c.page.Dirty = true
		w.c.offset += take
		written += take
	}
	return nil
}

func (w *Writer) WriteByte(v byte) error { return w.writeBytes([]byte{v}) }

func (w *Writer) WriteBool(v bool) error {
	if v {
		return w.WriteByte(1)
	}
	return w.WriteByte(0)
}

func (w *Writer) WriteChar(v rune) error {
	b := make([]byte, 2)
	PutChar(b, 0, v)
	return w.writeBytes(b)
}

func (w *Writer) WriteShort(v int16) error {
	b := make([]byte, 2)
	PutShort(b, 0, v)
	return w.writeBytes(b)
}

func (w *Writer) WriteInt(v int32) error {
	b := make([]byte, 4)
	PutInt(b, 0, v)
	return w.writeBytes(b)
}

func (w *Writer) WriteLong(v int64) error {
	b := make([]byte, 8)
	PutLong(b, 0, v)
	return w.writeBytes(b)
}

func (w *Writer) WriteFloat(v float32) error {
	b := make([]byte, 4)
	PutFloat(b, 0, v)
	return w.writeBytes(b)
}

func (w *Writer) WriteDouble(v float64) error {
	b := make([]byte, 8)
	PutDouble(b, 0, v)
	return w.writeBytes(b)
}

func (w *Writer) WriteVarString255(s string) error {
	if len(s) > 255 {
		return ErrStringTooLong
	}
	if err := checkASCII(s); err != nil {
		return err
	}
	if err := w.WriteByte(byte(len(s))); err != nil {
		return err
	}
	return w.writeBytes([]byte(s))
}

func (w *Writer) WriteVarString65535(s string) error {
	if len(s) > 65535 {
		return ErrStringTooLong
	}
	if err := checkASCII(s); err != nil {
		return err
	}
	b := make([]byte, 2)
	PutShort(b, 0, int16(uint16(len(s))))
	if err := w.writeBytes(b); err != nil {
		return err
	}
	return w.writeBytes([]byte(s))
}

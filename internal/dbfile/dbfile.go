// Package dbfile implements the paged-file abstraction: typed,
// page-addressed files whose page 0 self-identifies the file's type and
// page size.
package dbfile

import (
	"errors"
	"fmt"
	"io"
	"math/bits"
	"os"
	"sync"
)

// FileType tags what a DBFile is used for. Stored as the first byte of
// page 0 so a file can self-identify on open.
type FileType uint8

const (
	TypeHeap FileType = iota + 1
	TypeWAL
	TypeTxnState
	TypeBTree
)

func (t FileType) String() string {
	switch t {
	case TypeHeap:
		return "heap"
	case TypeWAL:
		return "wal"
	case TypeTxnState:
		return "txn-state"
	case TypeBTree:
		return "btree"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

const (
	minPageSize = 512
	maxPageSize = 65536

	// FileMode0644 matches the permission bits the rest of this module's
	// on-disk artifacts use (table files, txn-state sector, WAL segments).
	FileMode0644 = 0o644
)

var (
	ErrNotFound     = errors.New("dbfile: file not found")
	ErrTypeMismatch = errors.New("dbfile: file type does not match expectation")
	ErrBadPageSize  = errors.New("dbfile: page size must be a power of two between 512 and 65536")
	ErrShortPage    = errors.New("dbfile: page buffer has the wrong size")
)

// DBFile is one open, typed, page-addressed file.
type DBFile struct {
	mu       sync.Mutex
	f        *os.File
	path     string
	ftype    FileType
	pageSize int
	numPages uint32
}

func validatePageSize(pageSize int) error {
	if pageSize < minPageSize || pageSize > maxPageSize || bits.OnesCount(uint(pageSize)) != 1 {
		return ErrBadPageSize
	}
	return nil
}

// log2PageSize returns log2(pageSize) for a validated power-of-two page size.
func log2PageSize(pageSize int) byte {
	return byte(bits.Len(uint(pageSize)) - 1)
}

// Create makes a new file at path, stamping page 0 with ftype and pageSize.
func Create(path string, ftype FileType, pageSize int) (*DBFile, error) {
	if err := validatePageSize(pageSize); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, FileMode0644)
	if err != nil {
		return nil, fmt.Errorf("dbfile: create %s: %w", path, err)
	}

	df := &DBFile{
		f:        f,
		path:     path,
		ftype:    ftype,
		pageSize: pageSize,
		numPages: 1,
	}

	header := make([]byte, pageSize)
	header[0] = byte(ftype)
	header[1] = log2PageSize(pageSize)
	if _, err := f.WriteAt(header, 0); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("dbfile: write page 0 header of %s: %w", path, err)
	}

	return df, nil
}

// Open opens an existing file and self-identifies its type and page size
// from page 0. Returns ErrNotFound if the file does not exist.
func Open(path string) (*DBFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR, FileMode0644)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("dbfile: open %s: %w", path, err)
	}

	var header [2]byte
	if _, err := f.ReadAt(header[:], 0); err != nil && !errors.Is(err, io.EOF) {
		_ = f.Close()
		return nil, fmt.Errorf("dbfile: read header of %s: %w", path, err)
	}

	ftype := FileType(header[0])
	pageSize := 1 << header[1]
	if err := validatePageSize(pageSize); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("dbfile: %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("dbfile: stat %s: %w", path, err)
	}
	numPages := uint32(info.Size() / int64(pageSize))
	if numPages == 0 {
		numPages = 1
	}

	return &DBFile{
		f:        f,
		path:     path,
		ftype:    ftype,
		pageSize: pageSize,
		numPages: numPages,
	}, nil
}

// OpenOrCreate opens path if it exists, checking its type matches, or
// creates it fresh with the given type/pageSize otherwise.
func OpenOrCreate(path string, ftype FileType, pageSize int) (*DBFile, error) {
	df, err := Open(path)
	if err == nil {
		if df.ftype != ftype {
			_ = df.Close()
			return nil, ErrTypeMismatch
		}
		return df, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return Create(path, ftype, pageSize)
}

func (df *DBFile) Path() string     { return df.path }
func (df *DBFile) Type() FileType   { return df.ftype }
func (df *DBFile) PageSize() int    { return df.pageSize }
func (df *DBFile) NumPages() uint32 { return df.numPages }

// LoadPage reads pageNo into a freshly allocated buffer. Reading past the
// current end of file returns a zero-filled page; if createIfPast is true,
// numPages is extended to cover pageNo.
func (df *DBFile) LoadPage(pageNo uint32, createIfPast bool) ([]byte, error) {
	df.mu.Lock()
	defer df.mu.Unlock()

	buf := make([]byte, df.pageSize)

	if pageNo < df.numPages {
		off := int64(pageNo) * int64(df.pageSize)
		if _, err := df.f.ReadAt(buf, off); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("dbfile: read page %d of %s: %w", pageNo, df.path, err)
		}
	} else if createIfPast {
		df.numPages = pageNo + 1
	}

	return buf, nil
}

// SavePage writes data (which must be exactly PageSize bytes) to pageNo,
// extending the file if pageNo is past the current end.
func (df *DBFile) SavePage(pageNo uint32, data []byte) error {
	if len(data) != df.pageSize {
		return ErrShortPage
	}

	df.mu.Lock()
	defer df.mu.Unlock()

	off := int64(pageNo) * int64(df.pageSize)
	if _, err := df.f.WriteAt(data, off); err != nil {
		return fmt.Errorf("dbfile: write page %d of %s: %w", pageNo, df.path, err)
	}
	if pageNo >= df.numPages {
		df.numPages = pageNo + 1
	}
	return nil
}

// Sync forces this file's data durably to disk.
func (df *DBFile) Sync() error {
	df.mu.Lock()
	defer df.mu.Unlock()
	if err := df.f.Sync(); err != nil {
		return fmt.Errorf("dbfile: sync %s: %w", df.path, err)
	}
	return nil
}

// Close closes the underlying OS file.
func (df *DBFile) Close() error {
	df.mu.Lock()
	defer df.mu.Unlock()
	return df.f.Close()
}

// IsZeroPage reports whether buf is entirely zero bytes, used by callers
// that need to distinguish "freshly extended, never written" pages from
// ones holding real content.
func IsZeroPage(buf []byte) bool {
	for _, b := range buf {
		if b != 0 {
			return false
		}
	}
	return true
}

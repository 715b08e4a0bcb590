// Package nanodb is the storage-engine facade: it owns the buffer pool,
// WAL manager, and transaction manager, and wires them together as one
// explicit engine value passed to all callers; there is no implicit
// global state.
// External collaborators (a SQL planner/executor, a CLI) are expected to
// hold a *Database and open Sessions against it; nanodb itself knows
// nothing about SQL.
package nanodb

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/nanodb-go/nanodb/internal/buffer"
	"github.com/nanodb-go/nanodb/internal/config"
	"github.com/nanodb-go/nanodb/internal/dbfile"
	"github.com/nanodb-go/nanodb/internal/heap"
	"github.com/nanodb-go/nanodb/internal/record"
	"github.com/nanodb-go/nanodb/internal/txn"
	"github.com/nanodb-go/nanodb/internal/wal"
)

// ErrDatabaseClosed is returned by any operation attempted after Close.
var ErrDatabaseClosed = errors.New("nanodb: database is closed")

// Database is a single storage engine instance rooted at one data
// directory: <dir>/tables/*.tbl heap files, <dir>/wal/ WAL segments, and
// <dir>/txn.state the transaction-manager's sector.
type Database struct {
	cfg     config.Config
	dataDir string

	bm  *buffer.Manager
	wal *wal.Manager
	txm *txn.Manager

	mu     sync.Mutex
	files  map[string]*dbfile.DBFile // path -> open file, shared with txn.FileResolver
	closed bool
}

func tablesDir(dataDir string) string { return filepath.Join(dataDir, "tables") }
func walDir(dataDir string) string    { return filepath.Join(dataDir, "wal") }
func statePath(dataDir string) string { return filepath.Join(dataDir, "txn.state") }

// Open opens (creating if absent) the database rooted at cfg.Storage.DataDir,
// wires the buffer pool, WAL manager, and transaction manager together, and
// runs crash recovery before returning.
func Open(cfg config.Config) (*Database, error) {
	dataDir := cfg.Storage.DataDir
	if err := os.MkdirAll(tablesDir(dataDir), 0o755); err != nil {
		return nil, fmt.Errorf("nanodb: create tables dir: %w", err)
	}

	bm := buffer.NewManager(cfg.Storage.BufferCapacity)

	w, err := wal.Open(walDir(dataDir))
	if err != nil {
		return nil, fmt.Errorf("nanodb: open WAL: %w", err)
	}
	if cfg.WAL.MaxFileSize > 0 {
		w.SetMaxFileSize(uint32(cfg.WAL.MaxFileSize))
	}

	tm, err := txn.Open(statePath(dataDir), w, bm)
	if err != nil {
		return nil, fmt.Errorf("nanodb: open txn manager: %w", err)
	}

	db := &Database{
		cfg:     cfg,
		dataDir: dataDir,
		bm:      bm,
		wal:     w,
		txm:     tm,
		files:   make(map[string]*dbfile.DBFile),
	}
	tm.SetFileResolver(db)

	if err := tm.Recover(); err != nil {
		return nil, fmt.Errorf("nanodb: recovery: %w", err)
	}

	return db, nil
}

// Buffer, WAL, and Txn expose the underlying subsystems to collaborators
// (e.g. a B-tree index manager) that need direct page pin/unpin or
// transaction access beyond the heap-file API.
func (db *Database) Buffer() *buffer.Manager { return db.bm }
func (db *Database) WAL() *wal.Manager       { return db.wal }
func (db *Database) Txn() *txn.Manager       { return db.txm }

func (db *Database) tablePath(name string) string {
	return filepath.Join(tablesDir(db.dataDir), name+".tbl")
}

// registerFile remembers df under its path so ResolveFile hands WAL
// redo/undo the same *dbfile.DBFile instance a table already uses,
// instead of racing it with a second open of the same path.
func (db *Database) registerFile(df *dbfile.DBFile) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.files[df.Path()] = df
}

// ResolveFile implements txn.FileResolver: it is how the transaction
// manager's redo/undo code turns a WAL record's filename field back into
// an open DBFile, without the txn package ever knowing about tables.
func (db *Database) ResolveFile(filename string) (*dbfile.DBFile, error) {
	db.mu.Lock()
	if df, ok := db.files[filename]; ok {
		db.mu.Unlock()
		return df, nil
	}
	db.mu.Unlock()

	df, err := dbfile.Open(filename)
	if err != nil {
		return nil, err
	}

	db.mu.Lock()
	if existing, ok := db.files[filename]; ok {
		db.mu.Unlock()
		_ = df.Close()
		return existing, nil
	}
	db.files[filename] = df
	db.mu.Unlock()
	return df, nil
}

// CreateTable creates a new, empty heap file for name with the given schema.
func (db *Database) CreateTable(name string, schema record.Schema) (*heap.Table, error) {
	if db.isClosed() {
		return nil, ErrDatabaseClosed
	}
	tbl, err := heap.CreateTable(db.bm, db.tablePath(name), schema, db.cfg.Storage.PageSize)
	if err != nil {
		return nil, err
	}
	db.registerFile(tbl.File())
	return tbl, nil
}

// OpenTable opens an existing heap file by name, reading its schema from
// the file's own header page.
func (db *Database) OpenTable(name string) (*heap.Table, error) {
	if db.isClosed() {
		return nil, ErrDatabaseClosed
	}
	tbl, err := heap.OpenTable(db.bm, db.tablePath(name))
	if err != nil {
		return nil, err
	}
	db.registerFile(tbl.File())
	return tbl, nil
}

func (db *Database) isClosed() bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.closed
}

// Close flushes every dirty page (forcing WAL first, per the chokepoint
// in internal/buffer), syncs it to disk, and closes the WAL and every
// open table/heap file.
func (db *Database) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	files := make([]*dbfile.DBFile, 0, len(db.files))
	for _, df := range db.files {
		files = append(files, df)
	}
	db.mu.Unlock()

	if err := db.bm.WriteAll(true); err != nil {
		return fmt.Errorf("nanodb: flush on close: %w", err)
	}
	if err := db.wal.Close(); err != nil {
		return fmt.Errorf("nanodb: close WAL: %w", err)
	}
	for _, df := range files {
		if err := df.Close(); err != nil {
			return fmt.Errorf("nanodb: close %s: %w", df.Path(), err)
		}
	}
	return nil
}

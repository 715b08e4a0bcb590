// Package buffer implements the buffer manager:
// a bounded, pinned page cache with CLOCK eviction that forces the
// write-ahead log through a page's pageLSN before that page is ever
// written to disk.
package buffer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nanodb-go/nanodb/internal/dbfile"
	"github.com/nanodb-go/nanodb/internal/lsn"
	"github.com/nanodb-go/nanodb/pkg/clockx"
)

var (
	// ErrNoFreeFrame is returned when every frame is pinned and none can
	// be evicted to satisfy a new Pin.
	ErrNoFreeFrame = errors.New("buffer: no free frame available (all pinned)")

	// ErrNotPinned is returned by Unpin when the page is not resident.
	ErrNotPinned = errors.New("buffer: page is not in the buffer pool")
)

const logPrefix = "buffer: "

// Page is an in-memory image of one disk block.
type Page struct {
	File    *dbfile.DBFile
	PageNo  uint32
	Data    []byte
	OldData []byte
	Dirty   bool
	PageLSN lsn.LSN

	pinCount int32
}

// PinCount returns the current pin count. Only ever accessed under the
// owning Manager's lock by callers that hold a pinned reference.
func (p *Page) PinCount() int32 { return p.pinCount }

// WALForcer is implemented by the transaction manager. The buffer manager
// calls BeforeWriteDirtyPages at the single chokepoint where dirty pages
// are about to leave memory (eviction or an explicit flush), enforcing the
// WAL rule: no dirty page reaches disk before the log records describing
// it are durable.
type WALForcer interface {
	BeforeWriteDirtyPages(pages []*Page) error
}

type noopForcer struct{}

func (noopForcer) BeforeWriteDirtyPages([]*Page) error { return nil }

type pageKey struct {
	path   string
	pageNo uint32
}

type frame struct {
	key  pageKey
	page *Page
}

// Manager is a fixed-size, multi-file buffer pool using CLOCK replacement.
type Manager struct {
	mu sync.Mutex

	capacity int
	frames   []*frame // len == capacity; nil == free slot
	byKey    map[pageKey]int
	clock    *clockx.Clock

	forcer WALForcer
}

// NewManager creates a buffer manager holding up to capacity pages.
// The WALForcer may be set later with SetForcer once the transaction
// manager exists (construction order: buffer manager, then txn manager,
// then wire them together).
func NewManager(capacity int) *Manager {
	if capacity <= 0 {
		capacity = 16
	}
	return &Manager{
		capacity: capacity,
		frames:   make([]*frame, capacity),
		byKey:    make(map[pageKey]int),
		clock:    clockx.New(capacity),
		forcer:   noopForcer{},
	}
}

// SetForcer installs the WAL chokepoint. Must be called before any dirty
// page can be evicted or flushed.
func (m *Manager) SetForcer(f WALForcer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f == nil {
		f = noopForcer{}
	}
	m.forcer = f
}

func keyOf(df *dbfile.DBFile, pageNo uint32) pageKey {
	return pageKey{path: df.Path(), pageNo: pageNo}
}

// Pin returns the page (df, pageNo), loading it from disk on a miss and
// incrementing its pin count. Every Pin must be matched by exactly one
// Unpin.
func (m *Manager) Pin(df *dbfile.DBFile, pageNo uint32) (*Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := keyOf(df, pageNo)

	if idx, ok := m.byKey[key]; ok {
		fr := m.frames[idx]
		fr.page.pinCount++
		m.clock.Touch(idx)
		m.clock.SetEvictable(idx, false)
		slog.Debug(logPrefix+"pin hit", "path", key.path, "pageNo", pageNo, "pin", fr.page.pinCount)
		return fr.page, nil
	}

	idx, err := m.acquireFrameLocked()
	if err != nil {
		return nil, err
	}

	data, err := df.LoadPage(pageNo, true)
	if err != nil {
		return nil, fmt.Errorf("buffer: load page %d of %s: %w", pageNo, df.Path(), err)
	}
	old := make([]byte, len(data))
	copy(old, data)

	page := &Page{
		File:     df,
		PageNo:   pageNo,
		Data:     data,
		OldData:  old,
		pinCount: 1,
	}

	m.frames[idx] = &frame{key: key, page: page}
	m.byKey[key] = idx
	m.clock.Touch(idx)
	m.clock.SetEvictable(idx, false)

	slog.Debug(logPrefix+"pin miss, loaded", "path", key.path, "pageNo", pageNo, "frame", idx)
	return page, nil
}

// acquireFrameLocked finds a free slot or evicts a victim. Caller holds m.mu.
func (m *Manager) acquireFrameLocked() (int, error) {
	for i, fr := range m.frames {
		if fr == nil {
			return i, nil
		}
	}

	idx, ok := m.clock.Evict()
	if !ok {
		return -1, ErrNoFreeFrame
	}

	victim := m.frames[idx]
	if victim.page.Dirty {
		if err := m.flushFrameLocked(victim); err != nil {
			// Put it back; we failed to make room.
			m.clock.Touch(idx)
			m.clock.SetEvictable(idx, true)
			return -1, err
		}
	}

	delete(m.byKey, victim.key)
	m.frames[idx] = nil
	slog.Debug(logPrefix+"evicted frame", "frame", idx, "path", victim.key.path, "pageNo", victim.key.pageNo)
	return idx, nil
}

// Unpin decrements the pin count of page and optionally marks it dirty.
func (m *Manager) Unpin(p *Page, dirty bool) error {
	if p == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := keyOf(p.File, p.PageNo)
	idx, ok := m.byKey[key]
	if !ok {
		return ErrNotPinned
	}

	if dirty {
		p.Dirty = true
	}
	if p.pinCount > 0 {
		p.pinCount--
	}
	if p.pinCount == 0 {
		m.clock.SetEvictable(idx, true)
	}

	slog.Debug(logPrefix+"unpin", "path", key.path, "pageNo", p.PageNo, "dirty", p.Dirty, "pin", p.pinCount)
	return nil
}

// flushFrameLocked forces WAL through the page's pageLSN, then writes the
// page and clears its dirty flag. Caller holds m.mu.
func (m *Manager) flushFrameLocked(fr *frame) error {
	if err := m.forcer.BeforeWriteDirtyPages([]*Page{fr.page}); err != nil {
		return fmt.Errorf("buffer: force WAL before flushing %s page %d: %w", fr.key.path, fr.key.pageNo, err)
	}
	if err := fr.page.File.SavePage(fr.page.PageNo, fr.page.Data); err != nil {
		return fmt.Errorf("buffer: flush %s page %d: %w", fr.key.path, fr.key.pageNo, err)
	}
	fr.page.Dirty = false
	copy(fr.page.OldData, fr.page.Data)
	return nil
}

// WriteAll flushes every dirty page (forcing WAL first) and optionally
// fsyncs every touched file.
func (m *Manager) WriteAll(sync bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	touched := make(map[string]*dbfile.DBFile)
	for _, fr := range m.frames {
		if fr == nil || !fr.page.Dirty {
			continue
		}
		if err := m.flushFrameLocked(fr); err != nil {
			return err
		}
		touched[fr.key.path] = fr.page.File
	}

	if sync {
		for _, df := range touched {
			if err := df.Sync(); err != nil {
				return err
			}
		}
	}
	return nil
}

// Capacity returns the number of frames this manager holds.
func (m *Manager) Capacity() int { return m.capacity }

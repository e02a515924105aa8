// Package deltalog implements the append-only log of versioned record deltas:
// a singly-linked chain of pages supporting lock-free concurrent appends and
// per-entry sealing.
package deltalog

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/leftmike/tellstore/pagemanager"
	"github.com/leftmike/tellstore/tell"
)

const (
	entryHeaderSize = 8

	// pageDataOffset reserves the head of every page; entry offsets are
	// always non-zero, so a zero header word reliably marks the unused tail
	// of a page.
	pageDataOffset = 16

	// MaxEntrySize is the largest payload Append accepts.
	MaxEntrySize = pagemanager.PageSize - pageDataOffset - entryHeaderSize
)

// Page is one log page. The next pointer and the used offset live in the Go
// struct rather than in the page bytes: Go pointers may not be stored inside
// a byte arena. Entries are packed from pageDataOffset; the unused tail of a
// page is all zeroes, which is how iteration finds the end.
type Page struct {
	page   *pagemanager.Page
	id     uint32
	next   atomic.Pointer[Page]
	offset atomic.Uint32
}

func (lp *Page) ID() uint32 {
	return lp.id
}

// Next is the next older page.
func (lp *Page) Next() *Page {
	return lp.next.Load()
}

// Ref packs a page id and a byte offset into a single word so that record
// images can reference log entries from inside page bytes.
type Ref uint64

const NilRef Ref = 0

func MakeRef(pageID uint32, offset uint32) Ref {
	return Ref(uint64(pageID)<<32 | uint64(offset))
}

func (ref Ref) PageID() uint32 {
	return uint32(ref >> 32)
}

func (ref Ref) Offset() uint32 {
	return uint32(ref)
}

// Entry is a view of one log entry: an (offset, size) header followed by the
// payload. The header's offset word has its least-significant bit set while
// the entry is unsealed; offsets are even, so sealing clears the bit.
type Entry struct {
	page *Page
	off  uint32
}

func (e Entry) Valid() bool {
	return e.page != nil
}

func (e Entry) headerWord() *uint32 {
	return (*uint32)(unsafe.Pointer(&e.page.page.Data()[e.off]))
}

func (e Entry) Size() uint32 {
	return binary.LittleEndian.Uint32(e.page.page.Data()[e.off+4:])
}

// Data is the entry payload.
func (e Entry) Data() []byte {
	return e.page.page.Data()[e.off+entryHeaderSize : e.off+entryHeaderSize+e.Size()]
}

func (e Entry) Sealed() bool {
	return atomic.LoadUint32(e.headerWord())%2 == 0
}

// Seal publishes the entry; it is idempotent.
func (e Entry) Seal() {
	hdr := e.headerWord()
	off := atomic.LoadUint32(hdr)
	for off%2 != 0 {
		atomic.CompareAndSwapUint32(hdr, off, off-1)
		off = atomic.LoadUint32(hdr)
	}
}

// Ref is the stable reference to this entry.
func (e Entry) Ref() Ref {
	return MakeRef(e.page.id, e.off)
}

// Log is a lock-free sequence of entries across a chain of pages, newest page
// first. Appenders reserve space with an atomic fetch-add; the first appender
// to overflow a page installs a fresh head.
type Log struct {
	pageManager *pagemanager.PageManager
	head        atomic.Pointer[Page]
	tail        atomic.Pointer[Page]

	mutex sync.Mutex
	pages atomic.Pointer[[]*Page] // registry indexed by page id
}

func NewLog(pm *pagemanager.PageManager) (*Log, error) {
	l := Log{pageManager: pm}

	lp, err := l.newPage()
	if err != nil {
		return nil, err
	}
	l.head.Store(lp)
	l.tail.Store(lp)
	return &l, nil
}

func (l *Log) newPage() (*Page, error) {
	p, err := l.pageManager.Alloc()
	if err != nil {
		return nil, err
	}

	l.mutex.Lock()
	defer l.mutex.Unlock()

	var pages []*Page
	if cur := l.pages.Load(); cur != nil {
		pages = append(pages, *cur...)
	}
	lp := &Page{page: p, id: uint32(len(pages))}
	lp.offset.Store(pageDataOffset)
	pages = append(pages, lp)
	l.pages.Store(&pages)
	return lp, nil
}

// Page resolves a page id from the registry.
func (l *Log) Page(id uint32) *Page {
	return (*l.pages.Load())[id]
}

// Deref resolves a packed entry reference.
func (l *Log) Deref(ref Ref) Entry {
	if ref == NilRef {
		return Entry{}
	}
	return Entry{page: l.Page(ref.PageID()), off: ref.Offset()}
}

func (l *Log) Head() *Page {
	return l.head.Load()
}

func (l *Log) Tail() *Page {
	return l.tail.Load()
}

// SetTail truncates the log: pages older than lp are released to the page
// manager. Single writer; used by GC after a page's live contents have been
// compacted into main.
func (l *Log) SetTail(lp *Page) {
	old := l.tail.Load()
	l.tail.Store(lp)

	for old != nil && old.id < lp.id {
		l.pageManager.Free(old.page)
		old = l.Page(old.id + 1)
	}
}

// Append reserves size bytes (rounded up to 8) and returns the entry, with
// its header published as unsealed. Concurrent appenders on the same page are
// ordered by their reserved offsets.
func (l *Log) Append(size uint32) (Entry, error) {
	if size == 0 || size > MaxEntrySize {
		return Entry{}, fmt.Errorf("deltalog: append of %d bytes: %w", size,
			tell.ErrInvalidArgument)
	}
	alloc := entryHeaderSize + ((size + 7) &^ 7)

	for {
		head := l.head.Load()
		end := head.offset.Add(alloc)
		start := end - alloc
		if end <= pagemanager.PageSize {
			e := Entry{page: head, off: start}
			binary.LittleEndian.PutUint32(head.page.Data()[start+4:], size)
			atomic.StoreUint32(e.headerWord(), start|1)
			return e, nil
		}

		if start <= pagemanager.PageSize {
			// This appender was the first to overflow: install a new head.
			lp, err := l.newPage()
			if err != nil {
				return Entry{}, err
			}
			lp.next.Store(head)
			l.head.Store(lp)
		} else {
			// Spin until the winner has installed the new head.
			for l.head.Load() == head {
			}
		}
	}
}

// Iterator walks sealed entries from oldest to newest over the range captured
// at creation time: entries appended later are not returned. An entry inside
// the range is returned if it is sealed by the time the iterator reaches it.
// Iteration is safe concurrently with appends.
type Iterator struct {
	log     *Log
	page    *Page
	off     uint32
	endPage uint32
	endOff  uint32
}

// Range is a captured iteration range: entries from a start page up to the
// head offset observed at capture time.
type Range struct {
	from    *Page
	endPage uint32
	endOff  uint32
}

func (r Range) EndPage() uint32 {
	return r.endPage
}

// CaptureRange captures [tail, head.offset); appends after the capture are
// outside the range.
func (l *Log) CaptureRange() Range {
	head := l.head.Load()
	endOff := head.offset.Load()
	if endOff > pagemanager.PageSize {
		endOff = pagemanager.PageSize
	}
	return Range{from: l.tail.Load(), endPage: head.id, endOff: endOff}
}

// Iterate captures [tail, head.offset) and returns an iterator over it.
func (l *Log) Iterate() *Iterator {
	return l.IterateRange(l.CaptureRange())
}

// IterateRange returns an iterator over a captured range; independent
// iterators over the same range see the same entries.
func (l *Log) IterateRange(r Range) *Iterator {
	return &Iterator{
		log:     l,
		page:    r.from,
		off:     pageDataOffset,
		endPage: r.endPage,
		endOff:  r.endOff,
	}
}

// Next returns the next sealed entry, or an invalid entry once the captured
// range is exhausted. An entry whose header is still zero ends the page: the
// page manager guarantees fresh pages are zeroed, so a zero word is either
// the free tail or a reservation whose header has not been published yet;
// either way nothing at or beyond it is trusted.
func (it *Iterator) Next() (Entry, bool) {
	for {
		if it.page == nil || it.page.id > it.endPage {
			return Entry{}, false
		}
		last := it.page.id == it.endPage
		limit := uint32(pagemanager.PageSize)
		if last {
			limit = it.endOff
		}

		if it.off+entryHeaderSize <= limit {
			e := Entry{page: it.page, off: it.off}
			word := atomic.LoadUint32(e.headerWord())
			if word != 0 {
				it.off += entryHeaderSize + ((e.Size() + 7) &^ 7)
				if word%2 != 0 {
					continue // unsealed: do not trust
				}
				return e, true
			}
		}

		if last {
			return Entry{}, false
		}
		it.page = it.log.Page(it.page.id + 1)
		it.off = pageDataOffset
	}
}

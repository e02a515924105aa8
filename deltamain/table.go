package deltamain

import (
	"fmt"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/leftmike/tellstore/commitmanager"
	"github.com/leftmike/tellstore/cuckoo"
	"github.com/leftmike/tellstore/deltalog"
	"github.com/leftmike/tellstore/pagemanager"
	"github.com/leftmike/tellstore/tell"
)

// Table is one table's delta-main storage: an append-only delta log, a list
// of main pages, and the primary key hash index.
type Table struct {
	name   string
	id     uint32
	schema *tell.Schema
	ctx    *Context
	layout Layout

	pageManager *pagemanager.PageManager
	log         *deltalog.Log
	hash        *cuckoo.Table

	// writeLock is shared among writers (they order themselves with
	// compare-and-swap on newest pointers) and exclusive for the GC install.
	writeLock sync.RWMutex
	gcMutex   sync.Mutex

	regMutex sync.Mutex
	registry atomic.Pointer[[]*mainPage] // all main pages ever, by id
	mainList atomic.Pointer[[]*mainPage] // the installed main sequence
}

func NewTable(name string, id uint32, schema *tell.Schema, layout Layout,
	pm *pagemanager.PageManager) (*Table, error) {

	if schema.NumFields() == 0 {
		return nil, fmt.Errorf("deltamain: table %s: empty schema: %w", name,
			tell.ErrInvalidArgument)
	}

	l, err := deltalog.NewLog(pm)
	if err != nil {
		return nil, err
	}

	tbl := Table{
		name:        name,
		id:          id,
		schema:      schema,
		ctx:         NewContext(l, tell.NewRecord(schema)),
		layout:      layout,
		pageManager: pm,
		log:         l,
		hash:        cuckoo.NewTable(1024),
	}
	empty := []*mainPage{}
	tbl.mainList.Store(&empty)

	log.WithFields(log.Fields{
		"table":  name,
		"layout": layout,
	}).Info("table created")
	return &tbl, nil
}

func (tbl *Table) Name() string {
	return tbl.name
}

func (tbl *Table) ID() uint32 {
	return tbl.id
}

func (tbl *Table) Schema() *tell.Schema {
	return tbl.schema
}

func (tbl *Table) Record() *tell.Record {
	return tbl.ctx.rec
}

func (tbl *Table) Layout() Layout {
	return tbl.layout
}

func (tbl *Table) mainPages() []*mainPage {
	return *tbl.mainList.Load()
}

// Stats describe a table for tooling.
type Stats struct {
	Keys      int
	MainPages int
	Layout    Layout
}

func (tbl *Table) Stats() Stats {
	return Stats{
		Keys:      tbl.hash.Len(),
		MainPages: len(tbl.mainPages()),
		Layout:    tbl.layout,
	}
}

// allocMainPage registers a fresh main page.
func (tbl *Table) allocMainPage() (*mainPage, error) {
	p, err := tbl.pageManager.Alloc()
	if err != nil {
		return nil, err
	}

	tbl.regMutex.Lock()
	defer tbl.regMutex.Unlock()

	var pages []*mainPage
	if cur := tbl.registry.Load(); cur != nil {
		pages = append(pages, *cur...)
	}
	mp := &mainPage{id: uint32(len(pages)), page: p, startOffset: rowPageDataOffset}
	pages = append(pages, mp)
	tbl.registry.Store(&pages)
	return mp, nil
}

func (tbl *Table) mainPageByID(id uint32) *mainPage {
	return (*tbl.registry.Load())[id]
}

// versionsOf materializes the full version set behind a record reference.
func (tbl *Table) versionsOf(ref RecordRef) []VersionData {
	switch ref.kind() {
	case refRowMain:
		mp := tbl.mainPageByID(ref.mainPage())
		return tbl.ctx.allVersions(mp.record(ref.mainOffset()), nil)
	case refColMain:
		mp := tbl.mainPageByID(ref.mainPage())
		return mp.col.recordVersions(int(ref.mainOffset()), nil)
	case refLog:
		e := tbl.log.Deref(ref.logRef())
		return tbl.ctx.allVersions(NewRecord(e.Data()), nil)
	}
	panic(fmt.Sprintf("deltamain: bad record ref %x", uint64(ref)))
}

// headNewest and casHeadNewest operate on the newest pointer of the record
// head a reference points at.
func (tbl *Table) headNewest(ref RecordRef) deltalog.Ref {
	switch ref.kind() {
	case refRowMain:
		return tbl.mainPageByID(ref.mainPage()).record(ref.mainOffset()).Newest()
	case refColMain:
		return tbl.mainPageByID(ref.mainPage()).col.newest(int(ref.mainOffset()))
	case refLog:
		return NewRecord(tbl.log.Deref(ref.logRef()).Data()).Newest()
	}
	panic(fmt.Sprintf("deltamain: bad record ref %x", uint64(ref)))
}

func (tbl *Table) casHeadNewest(ref RecordRef, old, new deltalog.Ref) bool {
	switch ref.kind() {
	case refRowMain:
		return tbl.mainPageByID(ref.mainPage()).record(ref.mainOffset()).
			CASNewest(old, new)
	case refColMain:
		cp := tbl.mainPageByID(ref.mainPage()).col
		return atomic.CompareAndSwapUint64(cp.newestWord(int(ref.mainOffset())),
			uint64(old), uint64(new))
	case refLog:
		return NewRecord(tbl.log.Deref(ref.logRef()).Data()).CASNewest(old, new)
	}
	panic(fmt.Sprintf("deltamain: bad record ref %x", uint64(ref)))
}

// storeNewest plainly overwrites a newest pointer; only GC install uses it,
// under the exclusive write lock.
func (tbl *Table) storeNewest(ref RecordRef, chain deltalog.Ref) {
	switch ref.kind() {
	case refRowMain:
		r := tbl.mainPageByID(ref.mainPage()).record(ref.mainOffset())
		atomic.StoreUint64(r.newestWord(), uint64(chain))
	case refColMain:
		cp := tbl.mainPageByID(ref.mainPage()).col
		atomic.StoreUint64(cp.newestWord(int(ref.mainOffset())), uint64(chain))
	}
}

// visibleVersion picks the version a snapshot reads from a version set.
func visibleVersion(versions []VersionData, snap *commitmanager.SnapshotDescriptor) (
	VersionData, bool, bool) {

	for i, vd := range versions {
		if !snap.InReadSet(vd.Version) {
			continue
		}
		return vd, i == 0, !vd.Deleted
	}
	return VersionData{}, false, false
}

// Get returns the tuple of key visible to the snapshot, its version, and
// whether that version is the record's newest.
func (tbl *Table) Get(snap *commitmanager.SnapshotDescriptor, key tell.Key) (
	[]byte, uint64, bool, error) {

	ref, ok := tbl.hash.Get(key)
	if !ok {
		return nil, 0, false, fmt.Errorf("deltamain: table %s: key %d: %w",
			tbl.name, key, tell.ErrNotFound)
	}
	vd, isNewest, ok := visibleVersion(tbl.versionsOf(RecordRef(ref)), snap)
	if !ok {
		return nil, 0, false, fmt.Errorf("deltamain: table %s: key %d: %w",
			tbl.name, key, tell.ErrNotFound)
	}
	return vd.Tuple, vd.Version, isNewest, nil
}

// appendChain appends one delta entry and links it as the record's newest
// via compare-and-swap; losing the swap is a write conflict.
func (tbl *Table) appendChain(ref RecordRef, typ RecordType, key tell.Key,
	version uint64, tuple []byte) error {

	cur := tbl.headNewest(ref)
	e, err := tbl.log.Append(logEntrySize(tuple))
	if err != nil {
		return err
	}
	writeLogRecord(e.Data(), typ, key, version, cur, tuple)
	e.Seal()

	if !tbl.casHeadNewest(ref, cur, e.Ref()) {
		return fmt.Errorf("deltamain: table %s: key %d: %w", tbl.name, key,
			tell.ErrWriteConflict)
	}
	return nil
}

// Insert adds key with the given tuple. With failOnExists it fails if a live
// version is visible; otherwise an existing live key is overwritten.
func (tbl *Table) Insert(snap *commitmanager.SnapshotDescriptor, key tell.Key,
	tuple tell.GenericTuple, failOnExists bool) error {

	data, err := tbl.ctx.rec.EncodeTuple(tuple)
	if err != nil {
		return err
	}

	tbl.writeLock.RLock()
	defer tbl.writeLock.RUnlock()

	ref, ok := tbl.hash.Get(key)
	if !ok {
		// A brand new key: publish an insert entry and index it.
		e, err := tbl.log.Append(logEntrySize(data))
		if err != nil {
			return err
		}
		writeLogRecord(e.Data(), LogInsert, key, snap.OwnVersion(),
			deltalog.NilRef, data)
		e.Seal()

		if !tbl.hash.Insert(key, uint64(makeLogRef(e.Ref()))) {
			return fmt.Errorf("deltamain: table %s: key %d: %w", tbl.name, key,
				tell.ErrDuplicateKey)
		}
		return nil
	}

	versions := tbl.versionsOf(RecordRef(ref))
	if _, _, live := visibleVersion(versions, snap); live && failOnExists {
		return fmt.Errorf("deltamain: table %s: key %d: %w", tbl.name, key,
			tell.ErrDuplicateKey)
	}
	if len(versions) > 0 && !snap.InReadSet(versions[0].Version) {
		// The newest version is invisible: some other transaction got here
		// first.
		return fmt.Errorf("deltamain: table %s: key %d: %w", tbl.name, key,
			tell.ErrWriteConflict)
	}

	return tbl.appendChain(RecordRef(ref), LogUpdate, key, snap.OwnVersion(), data)
}

// Update replaces the tuple of an existing live key.
func (tbl *Table) Update(snap *commitmanager.SnapshotDescriptor, key tell.Key,
	tuple tell.GenericTuple) error {

	data, err := tbl.ctx.rec.EncodeTuple(tuple)
	if err != nil {
		return err
	}

	tbl.writeLock.RLock()
	defer tbl.writeLock.RUnlock()

	ref, ok := tbl.hash.Get(key)
	if !ok {
		return fmt.Errorf("deltamain: table %s: key %d: %w", tbl.name, key,
			tell.ErrNotFound)
	}
	versions := tbl.versionsOf(RecordRef(ref))
	if len(versions) > 0 && !snap.InReadSet(versions[0].Version) {
		return fmt.Errorf("deltamain: table %s: key %d: %w", tbl.name, key,
			tell.ErrWriteConflict)
	}
	if _, _, live := visibleVersion(versions, snap); !live {
		return fmt.Errorf("deltamain: table %s: key %d: %w", tbl.name, key,
			tell.ErrNotFound)
	}

	return tbl.appendChain(RecordRef(ref), LogUpdate, key, snap.OwnVersion(), data)
}

// Remove writes a tombstone for an existing live key.
func (tbl *Table) Remove(snap *commitmanager.SnapshotDescriptor, key tell.Key) error {
	tbl.writeLock.RLock()
	defer tbl.writeLock.RUnlock()

	ref, ok := tbl.hash.Get(key)
	if !ok {
		return fmt.Errorf("deltamain: table %s: key %d: %w", tbl.name, key,
			tell.ErrNotFound)
	}
	versions := tbl.versionsOf(RecordRef(ref))
	if len(versions) > 0 && !snap.InReadSet(versions[0].Version) {
		return fmt.Errorf("deltamain: table %s: key %d: %w", tbl.name, key,
			tell.ErrWriteConflict)
	}
	if _, _, live := visibleVersion(versions, snap); !live {
		return fmt.Errorf("deltamain: table %s: key %d: %w", tbl.name, key,
			tell.ErrNotFound)
	}

	return tbl.appendChain(RecordRef(ref), LogDelete, key, snap.OwnVersion(), nil)
}

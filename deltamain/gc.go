package deltamain

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/leftmike/tellstore/cuckoo"
	"github.com/leftmike/tellstore/deltalog"
	"github.com/leftmike/tellstore/pagemanager"
	"github.com/leftmike/tellstore/tell"
)

// gcPass compacts one table: live versions are copied forward into fresh
// fill pages, pending log inserts are drained into main, the hash table is
// rewritten through a modifier, and absorbed log pages are truncated.
type gcPass struct {
	tbl    *Table
	lowest uint64
	im     *InsertMap
	mod    *cuckoo.Modifier

	fill    *mainPage // current row-layout fill page
	fillOff uint32
	colFill *mainPage // current column-layout fill page
	colb    *columnBuilder

	out     []*mainPage
	retire  []*pagemanager.Page
	patches []patchEntry

	capture deltalog.Range
	keepLog uint32 // lowest log page id that must survive truncation
}

// patchEntry re-checks, at install time, that no writer extended a record's
// newest chain while its image was being compacted; if one did, the new
// image inherits the live chain instead of losing it.
type patchEntry struct {
	key      tell.Key
	head     func() deltalog.Ref // current newest of the old head
	captured deltalog.Ref
	newRef   RecordRef
}

// RunGC performs one garbage collection pass over the table.
func (tbl *Table) RunGC(lowestActive uint64) error {
	tbl.gcMutex.Lock()
	defer tbl.gcMutex.Unlock()

	pass := gcPass{
		tbl:     tbl,
		lowest:  lowestActive,
		im:      NewInsertMap(),
		mod:     tbl.hash.Modify(),
		capture: tbl.log.CaptureRange(),
	}
	pass.keepLog = pass.capture.EndPage()
	if tbl.layout == ColumnLayout {
		pass.colb = newColumnBuilder(tbl.ctx)
	}

	pass.buildInsertMap()

	pages := tbl.mainPages()
	needed := pass.im.Len() > 0
	for _, mp := range pages {
		n, err := pass.gcPage(mp)
		if err != nil {
			return err
		}
		needed = needed || n
	}
	if !needed {
		return nil
	}

	if err := pass.fillWithInserts(); err != nil {
		return err
	}
	if err := pass.finish(); err != nil {
		return err
	}

	pass.install()
	pass.truncate()

	log.WithFields(log.Fields{
		"table":        tbl.name,
		"lowestActive": lowestActive,
		"mainPages":    len(pass.out),
		"retired":      len(pass.retire),
	}).Debug("gc pass complete")
	return nil
}

// buildInsertMap scans the captured log slice for inserts whose key does not
// resolve to a main location.
func (pass *gcPass) buildInsertMap() {
	it := pass.tbl.log.IterateRange(pass.capture)
	for {
		e, ok := it.Next()
		if !ok {
			break
		}
		r := NewRecord(e.Data())
		if r.Type() != LogInsert {
			continue
		}
		if ref, ok := pass.tbl.hash.Get(r.Key()); !ok ||
			RecordRef(ref).kind() == refLog {
			pass.im.Add(r.Key(), e.Ref())
		}
	}
}

// gcPage compacts one main page; it reports whether the page was rewritten.
func (pass *gcPass) gcPage(mp *mainPage) (bool, error) {
	if mp.col != nil {
		return pass.gcColumnPage(mp)
	}
	return pass.gcRowPage(mp)
}

func (pass *gcPass) gcRowPage(mp *mainPage) (bool, error) {
	ctx := pass.tbl.ctx

	// First pass: decide whether any record needs cleaning.
	clean := true
	mp.iterate(func(off uint32, r Record) bool {
		if ctx.NeedsCleaning(r, pass.lowest, pass.im) {
			clean = false
			return false
		}
		return true
	})
	if clean {
		pass.out = append(pass.out, mp)
		return false, nil
	}

	// Second pass: copy and compact every record into fill pages.
	var err error
	mp.iterate(func(off uint32, r Record) bool {
		mp.startOffset = off
		captured := r.Newest()
		versions := compact(ctx.allVersions(r, pass.im), pass.lowest)
		err = pass.relocate(r.Key(), versions, captured, func() deltalog.Ref {
			return r.Newest()
		})
		if err != nil {
			return false
		}
		pass.im.Erase(r.Key())
		return true
	})
	if err != nil {
		return false, err
	}

	pass.retire = append(pass.retire, mp.page)
	return true, nil
}

func (pass *gcPass) gcColumnPage(mp *mainPage) (bool, error) {
	cp := mp.col

	clean := true
	for idx := 0; idx < cp.count; idx = cp.recordEnd(idx) {
		if cp.needsCleaning(idx, pass.lowest, pass.im) {
			clean = false
			break
		}
	}
	if clean {
		pass.out = append(pass.out, mp)
		return false, nil
	}

	for idx := 0; idx < cp.count; idx = cp.recordEnd(idx) {
		key := tell.Key(cp.keys[idx])
		captured := cp.newest(idx)
		versions := compact(cp.recordVersions(idx, pass.im), pass.lowest)
		startIdx := idx
		err := pass.relocate(key, versions, captured, func() deltalog.Ref {
			return cp.newest(startIdx)
		})
		if err != nil {
			return false, err
		}
		pass.im.Erase(key)
	}

	pass.retire = append(pass.retire, mp.page)
	return true, nil
}

// relocate writes a compacted record into the current fill page (rotating to
// a new one when full) and records the hash update and chain re-check.
func (pass *gcPass) relocate(key tell.Key, versions []VersionData,
	captured deltalog.Ref, head func() deltalog.Ref) error {

	if len(versions) == 0 {
		pass.mod.Remove(key)
		return nil
	}

	var newRef RecordRef
	if pass.tbl.layout == ColumnLayout {
		rows, heap := pass.colb.recordRows(versions)
		if rows == 0 {
			pass.mod.Remove(key)
			return nil
		}
		if !pass.colb.fits(rows, heap) {
			if err := pass.flushColumnFill(); err != nil {
				return err
			}
			if !pass.colb.fits(rows, heap) {
				return fmt.Errorf("deltamain: record %d exceeds page capacity: %w",
					key, tell.ErrOutOfMemory)
			}
		}
		if pass.colFill == nil {
			mp, err := pass.tbl.allocMainPage()
			if err != nil {
				return err
			}
			pass.colFill = mp
		}
		newRef = makeColRef(pass.colFill.id, uint32(len(pass.colb.rows)))
		pass.colb.add(key, versions)
	} else {
		for {
			if pass.fill == nil {
				mp, err := pass.tbl.allocMainPage()
				if err != nil {
					return err
				}
				pass.fill = mp
				pass.fillOff = rowPageDataOffset
			}
			n, ok := encodeCompacted(key, versions,
				pass.fill.page.Data()[pass.fillOff:])
			if ok {
				newRef = makeRowRef(pass.fill.id, pass.fillOff)
				pass.fillOff += n
				break
			}
			if pass.fillOff == rowPageDataOffset {
				return fmt.Errorf("deltamain: record %d exceeds page capacity: %w",
					key, tell.ErrOutOfMemory)
			}
			pass.rotateRowFill()
		}
	}

	pass.mod.Insert(key, uint64(newRef))
	pass.patches = append(pass.patches, patchEntry{
		key:      key,
		head:     head,
		captured: captured,
		newRef:   newRef,
	})
	return nil
}

// fillWithInserts drains the insert map: every pending log-only key gets a
// compacted main record.
func (pass *gcPass) fillWithInserts() error {
	ctx := pass.tbl.ctx

	for !pass.im.Empty() {
		key, _ := pass.im.Min()

		// Truncation is page-grained, so inserts processed by a previous
		// pass can show up again; skip any key that already reached main.
		if ref, ok := pass.mod.Get(key); ok && RecordRef(ref).kind() != refLog {
			pass.im.Erase(key)
			continue
		}

		var versions []VersionData
		var captured deltalog.Ref
		var headRec Record
		for i, ref := range pass.im.Lookup(key) {
			e := ctx.log.Deref(ref)
			ins := NewRecord(e.Data())
			if i == 0 {
				headRec = ins
				captured = ins.Newest()
			}
			versions = ctx.chainVersions(ins.Newest(), versions)
			versions = append(versions,
				VersionData{Version: ins.logVersion(), Tuple: ins.logTuple()})
		}
		versions = compact(sortVersions(versions), pass.lowest)

		err := pass.relocate(key, versions, captured, headRec.Newest)
		if err != nil {
			return err
		}
		pass.im.Erase(key)
	}
	return nil
}

func (pass *gcPass) rotateRowFill() {
	setRowPageUsed(pass.fill.page, pass.fillOff)
	pass.out = append(pass.out, pass.fill)
	pass.fill = nil
	pass.fillOff = 0
}

func (pass *gcPass) flushColumnFill() error {
	if pass.colb.empty() {
		return nil
	}
	if pass.colFill == nil {
		panic("deltamain: column builder has rows but no fill page")
	}
	pass.colb.write(pass.colFill.page)
	pass.colFill.col = parseColumnPage(pass.tbl.ctx, pass.colFill.page)
	pass.out = append(pass.out, pass.colFill)
	pass.colFill = nil
	return nil
}

// finish closes out the open fill pages.
func (pass *gcPass) finish() error {
	if pass.fill != nil {
		pass.rotateRowFill()
	}
	if pass.colb != nil {
		if err := pass.flushColumnFill(); err != nil {
			return err
		}
	}
	return nil
}

// install publishes the new main sequence and hash table while briefly
// blocking writers, patching any chain a writer extended during the pass.
func (pass *gcPass) install() {
	tbl := pass.tbl

	tbl.writeLock.Lock()
	defer tbl.writeLock.Unlock()

	for _, pe := range pass.patches {
		cur := pe.head()
		if cur == pe.captured {
			continue
		}
		// A writer extended the chain during the pass: carry it over to the
		// new image and keep its log pages alive.
		tbl.storeNewest(pe.newRef, cur)
		pass.keepChain(cur)
	}

	pass.mod.Install()
	tbl.mainList.Store(&pass.out)
}

// keepChain lowers the truncation bound below every page the chain touches.
func (pass *gcPass) keepChain(ref deltalog.Ref) {
	ctx := pass.tbl.ctx
	for ref != deltalog.NilRef {
		if id := ref.PageID(); id < pass.keepLog {
			pass.keepLog = id
		}
		r := NewRecord(ctx.log.Deref(ref).Data())
		if r.Type() == LogInsert {
			break
		}
		ref = r.logPrev()
	}
}

// truncate releases absorbed log pages and retired main pages.
func (pass *gcPass) truncate() {
	tbl := pass.tbl

	// Re-scan the captured range now that the install barrier has drained
	// every in-flight writer: an insert that sealed after the insert map was
	// built is still log-only and keeps its pages (and its chain's) alive.
	it := tbl.log.IterateRange(pass.capture)
	for {
		e, ok := it.Next()
		if !ok {
			break
		}
		r := NewRecord(e.Data())
		if r.Type() != LogInsert {
			continue
		}
		ref, ok := tbl.hash.Get(r.Key())
		if ok && RecordRef(ref).kind() == refLog &&
			RecordRef(ref).logRef() == e.Ref() {
			if id := e.Ref().PageID(); id < pass.keepLog {
				pass.keepLog = id
			}
			pass.keepChain(r.Newest())
		}
	}

	if pass.keepLog > tbl.log.Tail().ID() {
		tbl.log.SetTail(tbl.log.Page(pass.keepLog))
	}
	for _, p := range pass.retire {
		tbl.pageManager.Free(p)
	}
}

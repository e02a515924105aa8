package deltamain

import (
	"encoding/binary"

	"github.com/leftmike/tellstore/pagemanager"
)

// A row-major main page is a leading used-length word followed by a packed
// sequence of record images:
//
//	used u64 | record | record | ...
const rowPageDataOffset = 8

// Layout selects the physical format GC writes main pages in.
type Layout int

const (
	RowLayout Layout = iota + 1
	ColumnLayout
)

func (l Layout) String() string {
	switch l {
	case RowLayout:
		return "row"
	case ColumnLayout:
		return "column"
	}
	return ""
}

// mainPage is one installed main page of a table: either row-major (records
// iterated in place) or column-major (parsed header arrays).
type mainPage struct {
	id   uint32
	page *pagemanager.Page
	col  *columnPage // nil for row layout

	// startOffset records the offset of the record the GC copy loop last
	// reached on this page. Nothing reads it back: the copy loop rotates to a
	// new fill page in place when one is full, and every pass walks the page
	// from its head.
	startOffset uint32
}

func (mp *mainPage) used() uint32 {
	return uint32(binary.LittleEndian.Uint64(mp.page.Data()))
}

// iterate calls fn for every record image on a row page; fn returning false
// stops the walk.
func (mp *mainPage) iterate(fn func(off uint32, r Record) bool) {
	data := mp.page.Data()
	used := mp.used()
	for off := uint32(rowPageDataOffset); off < used; {
		r := NewRecord(data[off:])
		if !fn(off, r) {
			return
		}
		off += r.Size()
	}
}

// record returns the record image at a byte offset of a row page.
func (mp *mainPage) record(off uint32) Record {
	return NewRecord(mp.page.Data()[off:])
}

func setRowPageUsed(p *pagemanager.Page, used uint32) {
	binary.LittleEndian.PutUint64(p.Data(), uint64(used))
}
